package tokenstore

import (
	"context"
	"sync"

	"github.com/meridianhq/meridian-mcp/internal/oauth"
)

// MemoryBackend keeps token records in a process-local map. Nothing survives
// a restart and nothing is visible to other instances.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]oauth.TokenRecord
}

// NewMemoryBackend creates an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		records: make(map[string]oauth.TokenRecord),
	}
}

func (m *MemoryBackend) Put(_ context.Context, id string, record *oauth.TokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[id] = *record
	return nil
}

func (m *MemoryBackend) Get(_ context.Context, id string) (*oauth.TokenRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := record
	return &copied, nil
}

func (m *MemoryBackend) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, id)
	return nil
}

func (m *MemoryBackend) IDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *MemoryBackend) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = make(map[string]oauth.TokenRecord)
	return nil
}

func (m *MemoryBackend) NativeExpiry() bool { return false }

func (m *MemoryBackend) Close() error { return nil }
