package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ProviderClient performs the back-channel protocol exchanges against the
// upstream identity provider. It holds no flow state; all state lives in the
// state cache and token store.
type ProviderClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewProviderClient creates a provider client with a 30s network timeout.
func NewProviderClient(cfg Config) *ProviderClient {
	return &ProviderClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// BuildAuthorizeURL returns the provider's authorization URL parameterized
// with the given state and optional PKCE challenge.
func (p *ProviderClient) BuildAuthorizeURL(state, codeChallenge string) (string, error) {
	authURL, err := url.Parse(p.cfg.ProviderAuthorizeURL)
	if err != nil {
		return "", fmt.Errorf("invalid authorize endpoint: %w", err)
	}

	query := authURL.Query()
	query.Set("response_type", "code")
	query.Set("client_id", p.cfg.ProviderClientID)
	query.Set("redirect_uri", p.cfg.RedirectURI())
	query.Set("state", state)
	if len(p.cfg.ProviderScopes) > 0 {
		query.Set("scope", strings.Join(p.cfg.ProviderScopes, " "))
	}
	if codeChallenge != "" {
		query.Set("code_challenge", codeChallenge)
		query.Set("code_challenge_method", "S256")
	}
	authURL.RawQuery = query.Encode()

	return authURL.String(), nil
}

// ExchangeCode trades an authorization code (plus optional PKCE verifier) for
// a token record via the credentialed token endpoint.
func (p *ProviderClient) ExchangeCode(ctx context.Context, code, codeVerifier string) (*TokenRecord, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", p.cfg.RedirectURI())
	data.Set("client_id", p.cfg.ProviderClientID)
	if codeVerifier != "" {
		data.Set("code_verifier", codeVerifier)
	}

	record, err := p.tokenRequest(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("code exchange: %w", err)
	}

	log.Debug().Time("expires_at", record.ExpiresAt).Msg("exchanged authorization code at provider")
	return record, nil
}

// Refresh obtains a fresh token record. When the provider does not rotate the
// refresh token, the previous one is carried forward so the record stays
// refreshable.
func (p *ProviderClient) Refresh(ctx context.Context, refreshToken string) (*TokenRecord, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("no refresh token available")
	}

	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	data.Set("client_id", p.cfg.ProviderClientID)

	record, err := p.tokenRequest(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("token refresh: %w", err)
	}

	if record.RefreshToken == "" {
		record.RefreshToken = refreshToken
	}

	log.Debug().Time("expires_at", record.ExpiresAt).Msg("refreshed tokens at provider")
	return record, nil
}

// Revoke invalidates a refresh token at the provider. Providers without a
// revoke endpoint are skipped silently.
func (p *ProviderClient) Revoke(ctx context.Context, refreshToken string) error {
	if p.cfg.ProviderRevokeURL == "" || refreshToken == "" {
		return nil
	}

	data := url.Values{}
	data.Set("token", refreshToken)
	data.Set("client_id", p.cfg.ProviderClientID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.ProviderRevokeURL, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.cfg.ProviderClientID, p.cfg.ProviderClientSecret)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revoke failed with status %d", resp.StatusCode)
	}
	return nil
}

// tokenResponse is the provider's token endpoint payload.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`

	ErrorCode        string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func (p *ProviderClient) tokenRequest(ctx context.Context, data url.Values) (*TokenRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.ProviderTokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(p.cfg.ProviderClientID, p.cfg.ProviderClientSecret)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	var payload tokenResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK || payload.ErrorCode != "" {
		return nil, fmt.Errorf("provider rejected grant: %s (%s)", payload.ErrorCode, payload.ErrorDescription)
	}

	now := time.Now()
	record := &TokenRecord{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		IDToken:      payload.IDToken,
		TokenType:    "Bearer",
		CreatedAt:    now,
	}
	if payload.ExpiresIn > 0 {
		record.ExpiresAt = now.Add(time.Duration(payload.ExpiresIn) * time.Second)
	}
	return record, nil
}
