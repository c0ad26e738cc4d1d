package oauth

import "time"

// TokenRecord holds the identity provider's grant for one authentication session.
type TokenRecord struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// IsExpired reports whether the access token has outlived its expiry.
func (t *TokenRecord) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// ExpiresWithin reports whether the access token expires inside the given window.
func (t *TokenRecord) ExpiresWithin(window time.Duration) bool {
	return time.Now().Add(window).After(t.ExpiresAt)
}

// CanRefresh reports whether the record carries a refresh token.
func (t *TokenRecord) CanRefresh() bool {
	return t.RefreshToken != ""
}

// PendingAuthorization is one in-flight authorization-code flow, keyed by the
// locally generated state value. The client's own state, redirect URI and code
// challenge are carried so the callback can hand the flow back to the client.
type PendingAuthorization struct {
	State               string    `json:"state"`
	CodeVerifier        string    `json:"code_verifier"`
	ClientID            string    `json:"client_id"`
	ClientState         string    `json:"client_state,omitempty"`
	ClientRedirectURI   string    `json:"client_redirect_uri"`
	ClientCodeChallenge string    `json:"client_code_challenge,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}
