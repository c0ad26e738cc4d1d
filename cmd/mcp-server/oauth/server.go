// Package oauth implements the client-facing OAuth endpoints. The proxy acts
// as an authorization server toward the client while delegating real
// authentication to the upstream identity provider; the client only ever sees
// authentication-session ids, never provider tokens.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/meridianhq/meridian-mcp/internal/clients"
	"github.com/meridianhq/meridian-mcp/internal/oauth"
	"github.com/meridianhq/meridian-mcp/internal/oauth/statecache"
	"github.com/meridianhq/meridian-mcp/internal/tokenstore"
)

// Server provides the authorize/callback/token endpoints.
type Server struct {
	cfg      oauth.Config
	provider *oauth.ProviderClient
	states   *statecache.Cache
	tokens   *tokenstore.Store
	registry clients.Registry
}

// NewServer creates the OAuth proxy server.
func NewServer(cfg oauth.Config, provider *oauth.ProviderClient, states *statecache.Cache, tokens *tokenstore.Store, registry clients.Registry) *Server {
	return &Server{
		cfg:      cfg,
		provider: provider,
		states:   states,
		tokens:   tokens,
		registry: registry,
	}
}

// TokenResponse is the token endpoint's success payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// Begin starts an authorization flow: it stores a pending authorization under
// a fresh local state value and returns the provider's authorize URL.
func (s *Server) Begin(clientID, clientRedirectURI, clientState, clientCodeChallenge string) (string, error) {
	// Opportunistic sweep keeps the cache bounded between ticker runs.
	s.states.Sweep()

	state, err := oauth.RandomString(32)
	if err != nil {
		return "", oauth.WrapError(oauth.CodeServerError, "failed to generate state", err)
	}
	verifier, challenge, err := oauth.GeneratePKCE()
	if err != nil {
		return "", oauth.WrapError(oauth.CodeServerError, "failed to generate PKCE", err)
	}

	s.states.Put(&oauth.PendingAuthorization{
		State:               state,
		CodeVerifier:        verifier,
		ClientID:            clientID,
		ClientState:         clientState,
		ClientRedirectURI:   clientRedirectURI,
		ClientCodeChallenge: clientCodeChallenge,
		CreatedAt:           time.Now(),
	})

	authorizeURL, err := s.provider.BuildAuthorizeURL(state, challenge)
	if err != nil {
		return "", oauth.WrapError(oauth.CodeServerError, "failed to build authorize URL", err)
	}
	return authorizeURL, nil
}

// Complete finishes the flow at the provider callback: it consumes the
// pending authorization, exchanges the code, mints an authentication-session
// id, stores the token record, and returns the redirect back to the client
// with that id as the authorization code.
func (s *Server) Complete(ctx context.Context, code, state, errParam string) (string, error) {
	if errParam != "" {
		return "", oauth.ErrAuthorizationDenied
	}

	pending, ok := s.states.Consume(state)
	if !ok {
		return "", oauth.ErrInvalidState
	}

	record, err := s.provider.ExchangeCode(ctx, code, pending.CodeVerifier)
	if err != nil {
		return "", oauth.WrapError(oauth.CodeServerError, "code exchange failed", err)
	}

	authID := uuid.New().String()
	if err := s.tokens.Put(ctx, authID, record); err != nil {
		return "", oauth.WrapError(oauth.CodeServerError, "failed to store tokens", err)
	}

	if identity, err := oauth.IdentityFromIDToken(record.IDToken); err == nil {
		log.Info().Str("auth_session", authID).Str("subject", identity.Subject).Msg("authorization completed")
	} else {
		log.Info().Str("auth_session", authID).Msg("authorization completed")
	}

	return buildRedirect(pending.ClientRedirectURI, authID, pending.ClientState), nil
}

// IssueToken handles the proxy's token endpoint grants. The returned
// credential is the authentication-session id itself, as both access and
// refresh token.
func (s *Server) IssueToken(ctx context.Context, grantType, code, refreshToken string) (*TokenResponse, error) {
	switch grantType {
	case "authorization_code":
		return s.issueFromCode(ctx, code)
	case "refresh_token":
		return s.rotate(ctx, refreshToken)
	default:
		return nil, oauth.NewError(oauth.CodeUnsupportedGrantType, "unsupported grant_type")
	}
}

func (s *Server) issueFromCode(ctx context.Context, authID string) (*TokenResponse, error) {
	if authID == "" {
		return nil, oauth.NewError(oauth.CodeInvalidRequest, "code is required")
	}

	ok, err := s.tokens.Has(ctx, authID)
	if err != nil {
		return nil, oauth.WrapError(oauth.CodeServerError, "token store unavailable", err)
	}
	if !ok {
		return nil, oauth.NewError(oauth.CodeInvalidGrant, "invalid or expired code")
	}

	// A valid access token must be retrievable; this triggers the lazy
	// refresh when the provider grant is near expiry.
	if _, err := s.tokens.GetAccessToken(ctx, authID); err != nil {
		if errors.Is(err, tokenstore.ErrNotFound) {
			return nil, oauth.NewError(oauth.CodeInvalidGrant, "invalid or expired code")
		}
		return nil, oauth.WrapError(oauth.CodeServerError, "token store unavailable", err)
	}

	return s.tokenResponse(authID), nil
}

// rotate implements single-use refresh tokens: the presented id is replaced
// by a freshly minted one and the old record deleted, so a captured refresh
// token cannot be replayed. The new record is written before the old id is
// removed, so at no point does neither id resolve.
func (s *Server) rotate(ctx context.Context, oldID string) (*TokenResponse, error) {
	if oldID == "" {
		return nil, oauth.NewError(oauth.CodeInvalidRequest, "refresh_token is required")
	}

	ok, err := s.tokens.Has(ctx, oldID)
	if err != nil {
		return nil, oauth.WrapError(oauth.CodeServerError, "token store unavailable", err)
	}
	if !ok {
		return nil, oauth.NewError(oauth.CodeInvalidGrant, "invalid or expired refresh token")
	}

	if err := s.tokens.RefreshIfNeeded(ctx, oldID); err != nil {
		if errors.Is(err, tokenstore.ErrNotFound) || errors.Is(err, tokenstore.ErrNoRefreshToken) {
			return nil, oauth.NewError(oauth.CodeInvalidGrant, "invalid or expired refresh token")
		}
		return nil, oauth.WrapError(oauth.CodeServerError, "token refresh failed", err)
	}

	record, err := s.tokens.GetTokens(ctx, oldID)
	if err != nil {
		return nil, oauth.WrapError(oauth.CodeServerError, "token store unavailable", err)
	}

	newID := uuid.New().String()
	if err := s.tokens.Put(ctx, newID, record); err != nil {
		return nil, oauth.WrapError(oauth.CodeServerError, "failed to store rotated tokens", err)
	}
	if err := s.tokens.Delete(ctx, oldID); err != nil {
		return nil, oauth.WrapError(oauth.CodeServerError, "failed to retire rotated session", err)
	}

	log.Debug().Str("old", oldID).Str("new", newID).Msg("rotated authentication session")
	return s.tokenResponse(newID), nil
}

func (s *Server) tokenResponse(authID string) *TokenResponse {
	return &TokenResponse{
		AccessToken:  authID,
		RefreshToken: authID,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.cfg.AccessTokenTTL.Seconds()),
	}
}

// HandleAuthorize processes GET /oauth/authorize.
func (s *Server) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	if rt := query.Get("response_type"); rt != "code" {
		writeOAuthError(w, http.StatusBadRequest, oauth.NewError(oauth.CodeInvalidRequest, "unsupported response_type"))
		return
	}
	redirectURI := query.Get("redirect_uri")
	if redirectURI == "" {
		writeOAuthError(w, http.StatusBadRequest, oauth.NewError(oauth.CodeInvalidRequest, "redirect_uri is required"))
		return
	}

	authorizeURL, err := s.Begin(
		query.Get("client_id"),
		redirectURI,
		query.Get("state"),
		query.Get("code_challenge"),
	)
	if err != nil {
		s.writeError(w, err)
		return
	}

	http.Redirect(w, r, authorizeURL, http.StatusFound)
}

// HandleCallback processes GET /oauth/callback from the identity provider.
func (s *Server) HandleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	redirectURL, err := s.Complete(r.Context(), query.Get("code"), query.Get("state"), query.Get("error"))
	if err != nil {
		log.Warn().Err(err).Msg("authorization callback failed")
		s.writeError(w, err)
		return
	}

	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// HandleToken processes POST /oauth/token.
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, oauth.NewError(oauth.CodeInvalidRequest, "invalid form body"))
		return
	}

	if err := s.authenticateClient(r); err != nil {
		writeOAuthError(w, http.StatusUnauthorized, oauth.AsError(err))
		return
	}

	resp, err := s.IssueToken(r.Context(), r.FormValue("grant_type"), r.FormValue("code"), r.FormValue("refresh_token"))
	if err != nil {
		log.Warn().Str("grant_type", r.FormValue("grant_type")).Err(err).Msg("token request rejected")
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// HandleWellKnown serves the authorization-server discovery metadata.
func (s *Server) HandleWellKnown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	issuer := s.cfg.Issuer
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/oauth/authorize",
		"token_endpoint":                        issuer + "/oauth/token",
		"registration_endpoint":                 issuer + "/oauth/register",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"none", "client_secret_post"},
	})
}

// HandleRegister processes dynamic client registration. Every well-formed
// registration is accepted.
func (s *Server) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		RedirectURIs            []string `json:"redirect_uris"`
		ClientName              string   `json:"client_name"`
		GrantTypes              []string `json:"grant_types"`
		ResponseTypes           []string `json:"response_types"`
		Scope                   string   `json:"scope"`
		TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOAuthError(w, http.StatusBadRequest, oauth.NewError(oauth.CodeInvalidRequest, "invalid JSON body"))
		return
	}
	if len(req.RedirectURIs) == 0 {
		writeOAuthError(w, http.StatusBadRequest, oauth.NewError(oauth.CodeInvalidRequest, "redirect_uris is required"))
		return
	}

	if len(req.GrantTypes) == 0 {
		req.GrantTypes = []string{"authorization_code", "refresh_token"}
	}
	if len(req.ResponseTypes) == 0 {
		req.ResponseTypes = []string{"code"}
	}
	if req.TokenEndpointAuthMethod == "" {
		req.TokenEndpointAuthMethod = "none"
	}

	clientID, err := oauth.RandomString(18)
	if err != nil {
		s.writeError(w, oauth.WrapError(oauth.CodeServerError, "failed to generate client_id", err))
		return
	}
	clientID = "client_" + clientID

	var clientSecret, clientSecretHash string
	if req.TokenEndpointAuthMethod != "none" {
		clientSecret, err = oauth.RandomString(48)
		if err != nil {
			s.writeError(w, oauth.WrapError(oauth.CodeServerError, "failed to generate client_secret", err))
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
		if err != nil {
			s.writeError(w, oauth.WrapError(oauth.CodeServerError, "failed to hash client_secret", err))
			return
		}
		clientSecretHash = string(hash)
	}

	if err := s.registry.Save(&clients.Client{
		ClientID:                clientID,
		ClientSecretHash:        clientSecretHash,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		Scope:                   req.Scope,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		ClientName:              req.ClientName,
	}); err != nil {
		s.writeError(w, oauth.WrapError(oauth.CodeServerError, "failed to store client", err))
		return
	}

	resp := map[string]interface{}{
		"client_id":                  clientID,
		"client_id_issued_at":        time.Now().Unix(),
		"client_secret_expires_at":   0,
		"redirect_uris":              req.RedirectURIs,
		"grant_types":                req.GrantTypes,
		"response_types":             req.ResponseTypes,
		"token_endpoint_auth_method": req.TokenEndpointAuthMethod,
		"client_name":                req.ClientName,
		"scope":                      req.Scope,
	}
	if clientSecret != "" {
		resp["client_secret"] = clientSecret
	}
	writeJSON(w, http.StatusCreated, resp)
}

// authenticateClient verifies the client secret for confidential clients.
// Unregistered or public clients pass through; PKCE and the opaque session
// ids carry the actual protection.
func (s *Server) authenticateClient(r *http.Request) error {
	clientID := r.FormValue("client_id")
	if clientID == "" {
		return nil
	}

	client, err := s.registry.Get(clientID)
	if errors.Is(err, clients.ErrNotFound) {
		return nil
	}
	if err != nil {
		return oauth.WrapError(oauth.CodeServerError, "client registry unavailable", err)
	}
	if client.TokenEndpointAuthMethod == "none" {
		return nil
	}

	secret := r.FormValue("client_secret")
	if secret == "" {
		return oauth.NewError(oauth.CodeInvalidRequest, "client_secret is required")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(secret)); err != nil {
		return oauth.NewError(oauth.CodeInvalidRequest, "invalid client_secret")
	}
	return nil
}

// writeError maps a protocol error to its HTTP status.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	oe := oauth.AsError(err)
	status := http.StatusBadRequest
	if oe.Code == oauth.CodeServerError {
		status = http.StatusInternalServerError
	}
	writeOAuthError(w, status, oe)
}

func writeOAuthError(w http.ResponseWriter, status int, oe *oauth.Error) {
	writeJSON(w, status, map[string]string{
		"error":             oe.Code,
		"error_description": oe.Description,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func buildRedirect(base, code, state string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
