// Package clients persists dynamically registered OAuth client identities.
// Registration always succeeds; the registry only remembers issued identities
// so later requests can echo their metadata and verify optional secrets.
package clients

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// ErrNotFound reports an unknown client id.
var ErrNotFound = errors.New("client not found")

// Client is a registered OAuth client identity.
type Client struct {
	ClientID                string
	ClientSecretHash        string
	RedirectURIs            []string
	GrantTypes              []string
	ResponseTypes           []string
	Scope                   string
	TokenEndpointAuthMethod string
	ClientName              string
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// Registry stores client identities.
type Registry interface {
	Save(client *Client) error
	Get(clientID string) (*Client, error)
	Ping() error
	Close() error
}

// NewRegistryFromEnv returns a Postgres-backed registry when
// CLIENTS_DATABASE_URL (or DATABASE_URL) is set, else an in-memory one.
func NewRegistryFromEnv() (Registry, error) {
	connString := os.Getenv("CLIENTS_DATABASE_URL")
	if connString == "" {
		connString = os.Getenv("DATABASE_URL")
	}
	if connString == "" {
		return NewMemoryRegistry(), nil
	}
	registry, err := NewPostgresRegistry(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize postgres client registry: %w", err)
	}
	return registry, nil
}

// MemoryRegistry keeps registrations in a process-local map.
type MemoryRegistry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{clients: make(map[string]Client)}
}

func (m *MemoryRegistry) Save(client *Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if client.CreatedAt.IsZero() {
		client.CreatedAt = now
	}
	client.UpdatedAt = now
	m.clients[client.ClientID] = *client
	return nil
}

func (m *MemoryRegistry) Get(clientID string) (*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	client, ok := m.clients[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	return &client, nil
}

func (m *MemoryRegistry) Ping() error { return nil }

func (m *MemoryRegistry) Close() error { return nil }
