package mcp

// Server holds the registered tool catalog.
type Server struct {
	name    string
	version string
	tools   []Tool
}

// NewServer creates an MCP server with the given identity.
func NewServer(name, version string) *Server {
	return &Server{name: name, version: version}
}

// RegisterTool adds a tool to the catalog.
func (s *Server) RegisterTool(tool Tool) {
	s.tools = append(s.tools, tool)
}

// Tools returns the registered catalog.
func (s *Server) Tools() []Tool {
	return s.tools
}
