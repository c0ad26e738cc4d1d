package tokenstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/meridianhq/meridian-mcp/internal/oauth"
)

// tokenFileExt is the suffix for serialized records in the store directory.
const tokenFileExt = ".json"

// FileBackend stores one JSON file per authentication session under a
// dedicated directory. Durable across restarts on a single host; not safe for
// concurrent multi-process access.
type FileBackend struct {
	dir string
	mu  sync.Mutex
}

// NewFileBackend creates the store directory if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create token store directory: %w", err)
	}
	return &FileBackend{dir: absDir}, nil
}

func (f *FileBackend) Put(_ context.Context, id string, record *oauth.TokenRecord) error {
	path, err := f.path(id)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return nil
}

func (f *FileBackend) Get(_ context.Context, id string) (*oauth.TokenRecord, error) {
	path, err := f.path(id)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	data, err := os.ReadFile(path)
	f.mu.Unlock()
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	var record oauth.TokenRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}
	return &record, nil
}

func (f *FileBackend) Delete(_ context.Context, id string) error {
	path, err := f.path(id)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete token file: %w", err)
	}
	return nil
}

func (f *FileBackend) IDs(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list token store directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, tokenFileExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, tokenFileExt))
	}
	return ids, nil
}

func (f *FileBackend) Clear(ctx context.Context) error {
	ids, err := f.IDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := f.Delete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (f *FileBackend) NativeExpiry() bool { return false }

func (f *FileBackend) Close() error { return nil }

// path maps a session id to its file, rejecting ids that would escape the
// store directory.
func (f *FileBackend) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", fmt.Errorf("invalid session id %q", id)
	}
	return filepath.Join(f.dir, id+tokenFileExt), nil
}
