package oauth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	oauthsrv "github.com/meridianhq/meridian-mcp/cmd/mcp-server/oauth"
	"github.com/meridianhq/meridian-mcp/internal/clients"
	"github.com/meridianhq/meridian-mcp/internal/oauth"
	"github.com/meridianhq/meridian-mcp/internal/oauth/statecache"
	"github.com/meridianhq/meridian-mcp/internal/tokenstore"
)

// testFixture wires the proxy against a fake identity provider.
type testFixture struct {
	server   *oauthsrv.Server
	tokens   *tokenstore.Store
	states   *statecache.Cache
	registry clients.Registry
	provider *httptest.Server
}

func setupFixture(t *testing.T) *testFixture {
	t.Helper()

	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		switch r.Form.Get("grant_type") {
		case "authorization_code":
			if r.Form.Get("code") == "bad-code" {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token":  "provider-access",
				"refresh_token": "provider-refresh",
				"token_type":    "Bearer",
				"expires_in":    3600,
			})
		case "refresh_token":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token": "provider-access-2",
				"token_type":   "Bearer",
				"expires_in":   3600,
			})
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	t.Cleanup(provider.Close)

	cfg := oauth.Config{
		Issuer:               "https://mcp.example.com",
		ProviderAuthorizeURL: "https://idp.example.com/oauth2/authorize",
		ProviderTokenURL:     provider.URL,
		ProviderClientID:     "provider-client",
		ProviderClientSecret: "provider-secret",
		ProviderScopes:       []string{"openid", "email"},
		CallbackPath:         "/oauth/callback",
		AccessTokenTTL:       time.Hour,
		RefreshWindow:        5 * time.Minute,
		PendingAuthTTL:       10 * time.Minute,
	}

	providerClient := oauth.NewProviderClient(cfg)
	tokens := tokenstore.New(tokenstore.NewMemoryBackend(), providerClient, cfg.RefreshWindow)
	t.Cleanup(func() { tokens.Close() })

	states := statecache.New(cfg.PendingAuthTTL)
	t.Cleanup(states.Stop)

	registry := clients.NewMemoryRegistry()

	return &testFixture{
		server:   oauthsrv.NewServer(cfg, providerClient, states, tokens, registry),
		tokens:   tokens,
		states:   states,
		registry: registry,
		provider: provider,
	}
}

// beginFlow runs Begin and extracts the proxy's state from the authorize URL.
func beginFlow(t *testing.T, f *testFixture) string {
	t.Helper()
	authorizeURL, err := f.server.Begin("client-1", "http://localhost:3000/callback", "client-state", "client-challenge")
	require.NoError(t, err)

	u, err := url.Parse(authorizeURL)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

func TestBeginBuildsProviderRedirect(t *testing.T) {
	f := setupFixture(t)

	authorizeURL, err := f.server.Begin("client-1", "http://localhost:3000/callback", "client-state", "")
	require.NoError(t, err)

	u, err := url.Parse(authorizeURL)
	require.NoError(t, err)
	require.Equal(t, "idp.example.com", u.Host)
	q := u.Query()
	require.Equal(t, "code", q.Get("response_type"))
	require.Equal(t, "provider-client", q.Get("client_id"))
	require.NotEmpty(t, q.Get("state"))
	require.NotEmpty(t, q.Get("code_challenge"))
	require.Equal(t, "S256", q.Get("code_challenge_method"))

	// The proxy's state is its own, never the client's.
	require.NotEqual(t, "client-state", q.Get("state"))
	require.Equal(t, 1, f.states.Len())
}

func TestCompleteStoresTokensAndRedirects(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	state := beginFlow(t, f)

	redirect, err := f.server.Complete(ctx, "provider-code", state, "")
	require.NoError(t, err)

	u, err := url.Parse(redirect)
	require.NoError(t, err)
	require.Equal(t, "localhost:3000", u.Host)
	require.Equal(t, "client-state", u.Query().Get("state"))

	authID := u.Query().Get("code")
	require.NotEmpty(t, authID)

	// The minted code resolves to the stored provider grant.
	record, err := f.tokens.GetTokens(ctx, authID)
	require.NoError(t, err)
	require.Equal(t, "provider-access", record.AccessToken)
	require.Equal(t, "provider-refresh", record.RefreshToken)
}

func TestCompleteRejectsDenial(t *testing.T) {
	f := setupFixture(t)
	state := beginFlow(t, f)

	_, err := f.server.Complete(context.Background(), "", state, "access_denied")
	require.ErrorIs(t, err, oauth.ErrAuthorizationDenied)
}

func TestCompleteRejectsUnknownState(t *testing.T) {
	f := setupFixture(t)

	_, err := f.server.Complete(context.Background(), "provider-code", "forged-state", "")
	require.ErrorIs(t, err, oauth.ErrInvalidState)
}

func TestCompleteRejectsReusedState(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	state := beginFlow(t, f)

	_, err := f.server.Complete(ctx, "provider-code", state, "")
	require.NoError(t, err)

	_, err = f.server.Complete(ctx, "provider-code", state, "")
	require.ErrorIs(t, err, oauth.ErrInvalidState)
}

func TestIssueTokenFromCode(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	state := beginFlow(t, f)

	redirect, err := f.server.Complete(ctx, "provider-code", state, "")
	require.NoError(t, err)
	u, _ := url.Parse(redirect)
	authID := u.Query().Get("code")

	resp, err := f.server.IssueToken(ctx, "authorization_code", authID, "")
	require.NoError(t, err)
	require.Equal(t, authID, resp.AccessToken)
	require.Equal(t, authID, resp.RefreshToken)
	require.Equal(t, "Bearer", resp.TokenType)
	require.Equal(t, 3600, resp.ExpiresIn)
}

func TestIssueTokenUnknownCode(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	before, err := f.tokens.Count(ctx)
	require.NoError(t, err)

	_, err = f.server.IssueToken(ctx, "authorization_code", "no-such-code", "")
	require.Error(t, err)
	require.Equal(t, oauth.CodeInvalidGrant, oauth.AsError(err).Code)

	// A rejected grant must not mutate the store.
	after, err := f.tokens.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestIssueTokenUnsupportedGrantType(t *testing.T) {
	f := setupFixture(t)

	_, err := f.server.IssueToken(context.Background(), "password", "", "")
	require.Error(t, err)
	require.Equal(t, oauth.CodeUnsupportedGrantType, oauth.AsError(err).Code)
}

func TestRefreshRotatesSessionID(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	state := beginFlow(t, f)

	redirect, err := f.server.Complete(ctx, "provider-code", state, "")
	require.NoError(t, err)
	u, _ := url.Parse(redirect)
	oldID := u.Query().Get("code")

	oldExpiry, err := f.tokens.Expiry(ctx, oldID)
	require.NoError(t, err)

	resp, err := f.server.IssueToken(ctx, "refresh_token", "", oldID)
	require.NoError(t, err)
	newID := resp.AccessToken
	require.NotEqual(t, oldID, newID)

	// Presenting the old id again must fail; the new one resolves.
	has, err := f.tokens.Has(ctx, oldID)
	require.NoError(t, err)
	require.False(t, has)

	has, err = f.tokens.Has(ctx, newID)
	require.NoError(t, err)
	require.True(t, has)

	// The rotated record never loses lifetime.
	newExpiry, err := f.tokens.Expiry(ctx, newID)
	require.NoError(t, err)
	require.False(t, newExpiry.Before(oldExpiry))

	_, err = f.server.IssueToken(ctx, "refresh_token", "", oldID)
	require.Error(t, err)
	require.Equal(t, oauth.CodeInvalidGrant, oauth.AsError(err).Code)
}

func TestHandleTokenEndpoint(t *testing.T) {
	f := setupFixture(t)
	state := beginFlow(t, f)

	redirect, err := f.server.Complete(context.Background(), "provider-code", state, "")
	require.NoError(t, err)
	u, _ := url.Parse(redirect)
	authID := u.Query().Get("code")

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", authID)

	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.server.HandleToken(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp oauthsrv.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, authID, resp.AccessToken)
}

func TestHandleTokenRejectsInvalidGrantAsJSON(t *testing.T) {
	f := setupFixture(t)

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", "bogus")

	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.server.HandleToken(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "invalid_grant", body["error"])
	require.NotEmpty(t, body["error_description"])
}

func TestHandleAuthorizeRedirectsToProvider(t *testing.T) {
	f := setupFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/oauth/authorize?response_type=code&client_id=client-1&redirect_uri=http%3A%2F%2Flocalhost%3A3000%2Fcallback&state=cs", nil)
	rec := httptest.NewRecorder()
	f.server.HandleAuthorize(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	location := rec.Header().Get("Location")
	require.Contains(t, location, "idp.example.com")
}

func TestHandleAuthorizeRequiresRedirectURI(t *testing.T) {
	f := setupFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/oauth/authorize?response_type=code", nil)
	rec := httptest.NewRecorder()
	f.server.HandleAuthorize(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleWellKnown(t *testing.T) {
	f := setupFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	rec := httptest.NewRecorder()
	f.server.HandleWellKnown(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))
	require.Equal(t, "https://mcp.example.com", meta["issuer"])
	require.Equal(t, "https://mcp.example.com/oauth/authorize", meta["authorization_endpoint"])
	require.Equal(t, "https://mcp.example.com/oauth/token", meta["token_endpoint"])
}

func TestHandleRegisterPublicClient(t *testing.T) {
	f := setupFixture(t)

	body := `{"redirect_uris":["http://localhost:3000/callback"],"client_name":"test client"}`
	req := httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.server.HandleRegister(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	clientID, _ := resp["client_id"].(string)
	require.True(t, strings.HasPrefix(clientID, "client_"))
	require.NotContains(t, resp, "client_secret")

	stored, err := f.registry.Get(clientID)
	require.NoError(t, err)
	require.Equal(t, "none", stored.TokenEndpointAuthMethod)
}

func TestHandleRegisterConfidentialClient(t *testing.T) {
	f := setupFixture(t)

	body := `{"redirect_uris":["http://localhost:3000/callback"],"token_endpoint_auth_method":"client_secret_post"}`
	req := httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.server.HandleRegister(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	secret, _ := resp["client_secret"].(string)
	require.NotEmpty(t, secret)
	clientID, _ := resp["client_id"].(string)

	// Wrong secret is rejected at the token endpoint.
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", "whatever")
	form.Set("client_id", clientID)
	form.Set("client_secret", "wrong")

	tokenReq := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	tokenReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	f.server.HandleToken(rec, tokenReq)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleRegisterRequiresRedirectURIs(t *testing.T) {
	f := setupFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	f.server.HandleRegister(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
