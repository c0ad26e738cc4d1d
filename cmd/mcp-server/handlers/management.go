package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/meridianhq/meridian-mcp/internal/oauth"
	"github.com/meridianhq/meridian-mcp/internal/session"
	"github.com/meridianhq/meridian-mcp/internal/tokenstore"
	"github.com/meridianhq/meridian-mcp/pkg/mcp"
)

// ManagementHandler serves the session-introspection tools.
type ManagementHandler struct {
	tokens *tokenstore.Store
}

// NewManagementHandler creates the management tool handler.
func NewManagementHandler(tokens *tokenstore.Store) *ManagementHandler {
	return &ManagementHandler{tokens: tokens}
}

// ListTools returns the management tool definitions.
func (h *ManagementHandler) ListTools() []mcp.Tool {
	return []mcp.Tool{
		{
			Name:        "auth_status",
			Description: "Report whether this session is authenticated and when the grant expires",
			InputSchema: map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		},
		{
			Name:        "whoami",
			Description: "Show the identity behind the current authentication session",
			InputSchema: map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		},
	}
}

// HandleTool dispatches a management tool call.
func (h *ManagementHandler) HandleTool(ctx context.Context, call mcp.ToolCall, sess *session.Session) (mcp.ToolResult, error) {
	if sess == nil {
		return mcp.ErrorResult("session not initialized"), nil
	}

	switch call.Name {
	case "auth_status":
		return h.authStatus(ctx, sess)
	case "whoami":
		return h.whoami(ctx, sess)
	default:
		return mcp.ErrorResult(fmt.Sprintf("unknown tool: %s", call.Name)), fmt.Errorf("unknown tool: %s", call.Name)
	}
}

func (h *ManagementHandler) authStatus(ctx context.Context, sess *session.Session) (mcp.ToolResult, error) {
	if sess.AuthSessionID == "" {
		return mcp.TextResult("not authenticated"), nil
	}

	expiry, err := h.tokens.Expiry(ctx, sess.AuthSessionID)
	if errors.Is(err, tokenstore.ErrNotFound) {
		return mcp.TextResult("not authenticated"), nil
	}
	if err != nil {
		return mcp.ErrorResult("token store unavailable"), err
	}

	return mcp.TextResult(fmt.Sprintf("authenticated, grant expires %s", expiry.Format("2006-01-02 15:04:05 MST"))), nil
}

func (h *ManagementHandler) whoami(ctx context.Context, sess *session.Session) (mcp.ToolResult, error) {
	if sess.AuthSessionID == "" {
		return mcp.TextResult("not authenticated"), nil
	}

	record, err := h.tokens.GetTokens(ctx, sess.AuthSessionID)
	if errors.Is(err, tokenstore.ErrNotFound) {
		return mcp.TextResult("not authenticated"), nil
	}
	if err != nil {
		return mcp.ErrorResult("token store unavailable"), err
	}

	identity, err := oauth.IdentityFromIDToken(record.IDToken)
	if err != nil {
		return mcp.TextResult("authenticated (no identity claims available)"), nil
	}
	if identity.Email != "" {
		return mcp.TextResult(fmt.Sprintf("%s (%s)", identity.Subject, identity.Email)), nil
	}
	return mcp.TextResult(identity.Subject), nil
}
