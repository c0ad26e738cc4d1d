package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meridianhq/meridian-mcp/internal/session"
)

// protocolVersion is the MCP revision this transport speaks.
const protocolVersion = "2024-11-05"

// sessionHeader carries the transport session id on message requests.
const sessionHeader = "Mcp-Session-Id"

// ToolHandler dispatches a tool call for the given transport session.
type ToolHandler func(ctx context.Context, call ToolCall, sess *session.Session) (ToolResult, error)

// AuthResolver extracts the authenticated session id from a request context.
// Wired to the bearer middleware so this package stays transport-only.
type AuthResolver func(ctx context.Context) (string, bool)

// SSEServer implements the MCP protocol over Server-Sent Events plus a
// JSON-RPC message endpoint. Each initialize creates a transport session in
// the registry; every later message touches it.
type SSEServer struct {
	server   *Server
	sessions *session.Registry
	handler  ToolHandler
	authFrom AuthResolver
}

// NewSSEServer creates an SSE-based MCP transport.
func NewSSEServer(server *Server, sessions *session.Registry, handler ToolHandler, authFrom AuthResolver) *SSEServer {
	if authFrom == nil {
		authFrom = func(context.Context) (string, bool) { return "", false }
	}
	return &SSEServer{
		server:   server,
		sessions: sessions,
		handler:  handler,
		authFrom: authFrom,
	}
}

// HandleSSE holds the event stream open until the client disconnects.
func (s *SSEServer) HandleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	fmt.Fprintf(w, "event: endpoint\ndata: /message\n\n")
	flusher.Flush()

	<-r.Context().Done()
}

// HandleMessage processes one JSON-RPC request.
func (s *SSEServer) HandleMessage(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
	case http.MethodDelete:
		// Client-initiated termination.
		if id := r.Header.Get(sessionHeader); id != "" {
			s.sessions.Delete(id)
		}
		w.WriteHeader(http.StatusNoContent)
		return
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var request map[string]interface{}
	if err := json.Unmarshal(body, &request); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	method, _ := request["method"].(string)
	var response map[string]interface{}

	switch method {
	case "initialize":
		response = s.handleInitialize(w, r)
	case "notifications/initialized":
		w.WriteHeader(http.StatusAccepted)
		return
	case "tools/list":
		response = s.handleListTools(r)
	case "tools/call":
		response = s.handleToolCall(r, request)
	default:
		response = map[string]interface{}{
			"error": map[string]interface{}{
				"code":    -32601,
				"message": fmt.Sprintf("Method not found: %s", method),
			},
		}
	}

	response["jsonrpc"] = "2.0"
	if id, ok := request["id"]; ok {
		response["id"] = id
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// handleInitialize creates a transport session, linking it to the caller's
// authentication session when one is present.
func (s *SSEServer) handleInitialize(w http.ResponseWriter, r *http.Request) map[string]interface{} {
	sess := &session.Session{ID: uuid.New().String()}
	if authID, ok := s.authFrom(r.Context()); ok {
		sess.AuthSessionID = authID
	}
	s.sessions.Add(sess)
	if sess.AuthSessionID != "" {
		s.sessions.Link(sess.ID, sess.AuthSessionID)
	}

	w.Header().Set(sessionHeader, sess.ID)
	log.Debug().Str("session", sess.ID).Msg("transport session initialized")

	return map[string]interface{}{
		"result": map[string]interface{}{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{},
			},
			"serverInfo": map[string]interface{}{
				"name":    s.server.name,
				"version": s.server.version,
			},
		},
	}
}

func (s *SSEServer) handleListTools(r *http.Request) map[string]interface{} {
	s.touch(r)
	return map[string]interface{}{
		"result": map[string]interface{}{
			"tools": s.server.Tools(),
		},
	}
}

func (s *SSEServer) handleToolCall(r *http.Request, request map[string]interface{}) map[string]interface{} {
	sess := s.touch(r)

	params, ok := request["params"].(map[string]interface{})
	if !ok {
		return map[string]interface{}{
			"error": map[string]interface{}{
				"code":    -32602,
				"message": "Invalid params",
			},
		}
	}

	name, _ := params["name"].(string)
	arguments, _ := params["arguments"].(map[string]interface{})

	result, err := s.handler(r.Context(), ToolCall{Name: name, Arguments: arguments}, sess)
	if err != nil {
		return map[string]interface{}{
			"error": map[string]interface{}{
				"code":    -32000,
				"message": err.Error(),
			},
		}
	}

	return map[string]interface{}{
		"result": result,
	}
}

// touch resolves and refreshes the caller's transport session. Returns nil
// when no session header is present; tool handlers treat that as an
// uninitialized connection.
func (s *SSEServer) touch(r *http.Request) *session.Session {
	id := r.Header.Get(sessionHeader)
	if id == "" {
		return nil
	}
	sess, ok := s.sessions.Get(id)
	if !ok {
		return nil
	}
	return sess
}
