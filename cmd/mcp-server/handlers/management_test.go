package handlers_test

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/meridian-mcp/cmd/mcp-server/handlers"
	"github.com/meridianhq/meridian-mcp/internal/oauth"
	"github.com/meridianhq/meridian-mcp/internal/session"
	"github.com/meridianhq/meridian-mcp/internal/tokenstore"
	"github.com/meridianhq/meridian-mcp/pkg/mcp"
)

func setupHandler(t *testing.T) (*handlers.ManagementHandler, *tokenstore.Store) {
	t.Helper()
	store := tokenstore.New(tokenstore.NewMemoryBackend(), nil, 5*time.Minute)
	t.Cleanup(func() { store.Close() })
	return handlers.NewManagementHandler(store), store
}

func idTokenFor(t *testing.T, sub, email string) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": sub}
	if email != "" {
		claims["email"] = email
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-key"))
	require.NoError(t, err)
	return signed
}

func textOf(t *testing.T, result mcp.ToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return result.Content[0].Text
}

func TestListToolsExposesManagementTools(t *testing.T) {
	h, _ := setupHandler(t)

	tools := h.ListTools()
	require.Len(t, tools, 2)
	require.Equal(t, "auth_status", tools[0].Name)
	require.Equal(t, "whoami", tools[1].Name)
}

func TestHandleToolWithoutSession(t *testing.T) {
	h, _ := setupHandler(t)

	result, err := h.HandleTool(context.Background(), mcp.ToolCall{Name: "auth_status"}, nil)
	require.NoError(t, err)
	require.True(t, result.IsError)
}

func TestAuthStatusUnauthenticated(t *testing.T) {
	h, _ := setupHandler(t)

	result, err := h.HandleTool(context.Background(), mcp.ToolCall{Name: "auth_status"}, &session.Session{ID: "t1"})
	require.NoError(t, err)
	require.Equal(t, "not authenticated", textOf(t, result))
}

func TestAuthStatusAuthenticated(t *testing.T) {
	h, store := setupHandler(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "auth-1", &oauth.TokenRecord{
		AccessToken: "at",
		TokenType:   "Bearer",
		ExpiresAt:   time.Now().Add(time.Hour),
	}))

	sess := &session.Session{ID: "t1", AuthSessionID: "auth-1"}
	result, err := h.HandleTool(ctx, mcp.ToolCall{Name: "auth_status"}, sess)
	require.NoError(t, err)
	require.Contains(t, textOf(t, result), "authenticated, grant expires")
}

func TestAuthStatusStaleAuthSession(t *testing.T) {
	h, _ := setupHandler(t)

	// Auth session id that no longer resolves in the store.
	sess := &session.Session{ID: "t1", AuthSessionID: "gone"}
	result, err := h.HandleTool(context.Background(), mcp.ToolCall{Name: "auth_status"}, sess)
	require.NoError(t, err)
	require.Equal(t, "not authenticated", textOf(t, result))
}

func TestWhoamiWithIdentity(t *testing.T) {
	h, store := setupHandler(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "auth-1", &oauth.TokenRecord{
		AccessToken: "at",
		IDToken:     idTokenFor(t, "user-42", "jane@example.com"),
		TokenType:   "Bearer",
		ExpiresAt:   time.Now().Add(time.Hour),
	}))

	sess := &session.Session{ID: "t1", AuthSessionID: "auth-1"}
	result, err := h.HandleTool(ctx, mcp.ToolCall{Name: "whoami"}, sess)
	require.NoError(t, err)
	require.Equal(t, "user-42 (jane@example.com)", textOf(t, result))
}

func TestWhoamiWithoutIDToken(t *testing.T) {
	h, store := setupHandler(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "auth-1", &oauth.TokenRecord{
		AccessToken: "at",
		TokenType:   "Bearer",
		ExpiresAt:   time.Now().Add(time.Hour),
	}))

	sess := &session.Session{ID: "t1", AuthSessionID: "auth-1"}
	result, err := h.HandleTool(ctx, mcp.ToolCall{Name: "whoami"}, sess)
	require.NoError(t, err)
	require.Equal(t, "authenticated (no identity claims available)", textOf(t, result))
}

func TestUnknownManagementTool(t *testing.T) {
	h, _ := setupHandler(t)

	_, err := h.HandleTool(context.Background(), mcp.ToolCall{Name: "bogus"}, &session.Session{ID: "t1"})
	require.Error(t, err)
}
