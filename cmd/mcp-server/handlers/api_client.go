package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrUnauthenticated reports that no live access token backs this session.
// Callers surface this as an auth challenge, not as a failure.
var ErrUnauthenticated = errors.New("not authenticated")

// TokenSource yields a live provider access token for the current session.
// Backed by the token store's GetAccessToken, so a lazy refresh may happen
// underneath.
type TokenSource func(ctx context.Context) (string, error)

// APIClient is the per-session handle to the downstream business API. Tool
// handlers translate calls into REST requests through it; it holds no domain
// state of its own.
type APIClient struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
}

// NewAPIClient creates a client for the downstream API.
func NewAPIClient(baseURL string, tokens TokenSource) *APIClient {
	return &APIClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokens:     tokens,
	}
}

// Do issues an authenticated request and decodes the JSON response into out.
func (c *APIClient) Do(ctx context.Context, method, path string, body, out interface{}) error {
	token, err := c.tokens(ctx)
	if err != nil {
		return ErrUnauthenticated
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthenticated
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("api returned status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
