package oauth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Identity carries the user claims extracted from a provider ID token.
type Identity struct {
	Subject string
	Email   string
}

type idTokenClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// IdentityFromIDToken decodes the registered claims of a provider ID token.
// The token arrived over the credentialed back channel, so the signature is
// not re-verified here; the claims are used for logging and display only.
func IdentityFromIDToken(idToken string) (*Identity, error) {
	if idToken == "" {
		return nil, fmt.Errorf("no id token present")
	}

	parser := jwt.NewParser()
	claims := &idTokenClaims{}
	if _, _, err := parser.ParseUnverified(idToken, claims); err != nil {
		return nil, fmt.Errorf("failed to decode id token: %w", err)
	}

	return &Identity{
		Subject: claims.Subject,
		Email:   claims.Email,
	}, nil
}
