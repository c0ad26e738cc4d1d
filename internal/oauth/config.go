package oauth

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds the proxy's OAuth settings: how to reach the upstream identity
// provider and how the proxy presents itself to clients.
type Config struct {
	Issuer string

	ProviderAuthorizeURL string
	ProviderTokenURL     string
	ProviderRevokeURL    string
	ProviderClientID     string
	ProviderClientSecret string
	ProviderScopes       []string

	CallbackPath    string
	AccessTokenTTL  time.Duration
	RefreshWindow   time.Duration
	PendingAuthTTL  time.Duration
	SessionIdleTTL  time.Duration
}

// LoadConfigFromEnv loads OAuth config from environment variables.
// PROVIDER_DOMAIN expands to the Cognito-style endpoint layout when the
// individual endpoint URLs are not set explicitly.
func LoadConfigFromEnv() (Config, error) {
	issuer := strings.TrimSpace(os.Getenv("OAUTH_ISSUER"))
	if issuer == "" {
		return Config{}, fmt.Errorf("OAUTH_ISSUER is required")
	}

	clientID := strings.TrimSpace(os.Getenv("PROVIDER_CLIENT_ID"))
	if clientID == "" {
		return Config{}, fmt.Errorf("PROVIDER_CLIENT_ID is required")
	}
	clientSecret := strings.TrimSpace(os.Getenv("PROVIDER_CLIENT_SECRET"))
	if clientSecret == "" {
		return Config{}, fmt.Errorf("PROVIDER_CLIENT_SECRET is required")
	}

	domain := strings.TrimRight(strings.TrimSpace(os.Getenv("PROVIDER_DOMAIN")), "/")
	authorizeURL := envOrDefault("PROVIDER_AUTHORIZE_URL", domain+"/oauth2/authorize")
	tokenURL := envOrDefault("PROVIDER_TOKEN_URL", domain+"/oauth2/token")
	revokeURL := envOrDefault("PROVIDER_REVOKE_URL", domain+"/oauth2/revoke")
	if domain == "" && (authorizeURL == "/oauth2/authorize" || tokenURL == "/oauth2/token") {
		return Config{}, fmt.Errorf("PROVIDER_DOMAIN or explicit PROVIDER_*_URL endpoints are required")
	}

	scopes := strings.Fields(envOrDefault("PROVIDER_SCOPES", "openid email profile"))

	return Config{
		Issuer:               strings.TrimRight(issuer, "/"),
		ProviderAuthorizeURL: authorizeURL,
		ProviderTokenURL:     tokenURL,
		ProviderRevokeURL:    revokeURL,
		ProviderClientID:     clientID,
		ProviderClientSecret: clientSecret,
		ProviderScopes:       scopes,
		CallbackPath:         envOrDefault("OAUTH_CALLBACK_PATH", "/oauth/callback"),
		AccessTokenTTL:       parseDurationEnv("OAUTH_ACCESS_TOKEN_TTL", time.Hour),
		RefreshWindow:        parseDurationEnv("OAUTH_REFRESH_WINDOW", 5*time.Minute),
		PendingAuthTTL:       parseDurationEnv("OAUTH_PENDING_AUTH_TTL", 10*time.Minute),
		SessionIdleTTL:       parseDurationEnv("SESSION_IDLE_TTL", 30*time.Minute),
	}, nil
}

// RedirectURI returns the proxy's own callback URL registered at the provider.
func (c Config) RedirectURI() string {
	return c.Issuer + c.CallbackPath
}

func envOrDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if dur, err := time.ParseDuration(val); err == nil {
			return dur
		}
	}
	return fallback
}
