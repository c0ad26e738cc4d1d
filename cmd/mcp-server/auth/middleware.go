// Package auth resolves bearer credentials on incoming MCP requests. The
// credential is an authentication-session id issued by the OAuth proxy; it is
// valid exactly when the token store still holds a record for it.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/meridianhq/meridian-mcp/internal/tokenstore"
)

type contextKey string

// AuthSessionKey carries the authenticated session id in the request context.
const AuthSessionKey contextKey = "auth_session"

// Middleware guards HTTP handlers with bearer authentication.
type Middleware struct {
	tokens   *tokenstore.Store
	issuer   string
	optional bool
}

// NewMiddleware creates bearer middleware backed by the token store.
func NewMiddleware(tokens *tokenstore.Store, issuer string, optional bool) *Middleware {
	return &Middleware{tokens: tokens, issuer: issuer, optional: optional}
}

// RequireAuth creates middleware that rejects unauthenticated requests.
func RequireAuth(tokens *tokenstore.Store, issuer string) *Middleware {
	return NewMiddleware(tokens, issuer, false)
}

// OptionalAuth creates middleware that admits unauthenticated requests
// without an auth session in context.
func OptionalAuth(tokens *tokenstore.Store, issuer string) *Middleware {
	return NewMiddleware(tokens, issuer, true)
}

// Handler wraps next with bearer validation.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// CORS preflights carry no credentials.
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		token := ExtractTokenFromHeader(r)
		if token == "" {
			// SSE clients cannot always set headers.
			token = r.URL.Query().Get("access_token")
		}

		if token == "" {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			m.unauthorized(w, "missing bearer token")
			return
		}

		ok, err := m.tokens.Has(r.Context(), token)
		if err != nil {
			http.Error(w, "token store unavailable", http.StatusInternalServerError)
			return
		}
		if !ok {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			m.unauthorized(w, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), AuthSessionKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// HandlerFunc wraps an HTTP handler function with bearer validation.
func (m *Middleware) HandlerFunc(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.Handler(next).ServeHTTP(w, r)
	}
}

func (m *Middleware) unauthorized(w http.ResponseWriter, reason string) {
	w.Header().Set("WWW-Authenticate",
		fmt.Sprintf(`Bearer resource_metadata=%q, error="invalid_token", error_description=%q`,
			m.issuer+"/.well-known/oauth-authorization-server", reason))
	http.Error(w, "Unauthorized: "+reason, http.StatusUnauthorized)
}

// AuthSessionFromContext returns the authenticated session id, if any.
func AuthSessionFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(AuthSessionKey).(string)
	return id, ok && id != ""
}

// ExtractTokenFromHeader pulls a bearer token from the Authorization header.
func ExtractTokenFromHeader(r *http.Request) string {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
