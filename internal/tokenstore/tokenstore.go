// Package tokenstore persists provider token records keyed by authentication
// session id. Three interchangeable backends exist: an in-process map, a
// file-per-session directory, and Redis. The Store wraps whichever backend is
// configured with expiry checking and lazy refresh, so callers never see
// backend differences.
package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/meridianhq/meridian-mcp/internal/oauth"
)

var (
	// ErrNotFound reports that no record exists for the given session id.
	ErrNotFound = errors.New("token record not found")

	// ErrNoRefreshToken reports that the record cannot be refreshed.
	ErrNoRefreshToken = errors.New("no refresh token in record")
)

// retentionMargin is added to a record's expiry when deriving its retention
// window. An expired record that still carries a refresh token stays
// recoverable for this long before garbage collection removes it.
const retentionMargin = time.Hour

// Backend is the raw persistence layer beneath the Store. Implementations
// must be safe for concurrent use. Get returns ErrNotFound for absent ids.
type Backend interface {
	Put(ctx context.Context, id string, record *oauth.TokenRecord) error
	Get(ctx context.Context, id string) (*oauth.TokenRecord, error)
	Delete(ctx context.Context, id string) error
	IDs(ctx context.Context) ([]string, error)
	Clear(ctx context.Context) error

	// NativeExpiry reports whether the backend expires records itself,
	// making the periodic sweep unnecessary.
	NativeExpiry() bool

	Close() error
}

// Refresher obtains a replacement token record from the identity provider.
// *oauth.ProviderClient satisfies this.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth.TokenRecord, error)
}

// Store implements the token storage contract over a Backend.
type Store struct {
	backend   Backend
	refresher Refresher

	// refreshWindow is the remaining lifetime below which GetAccessToken
	// refreshes before returning.
	refreshWindow time.Duration

	// group deduplicates concurrent refreshes for the same session id.
	group singleflight.Group

	stopSweep chan struct{}
}

// New creates a Store over the given backend. Backends without native expiry
// get a background sweep that garbage-collects records past their retention
// window.
func New(backend Backend, refresher Refresher, refreshWindow time.Duration) *Store {
	s := &Store{
		backend:       backend,
		refresher:     refresher,
		refreshWindow: refreshWindow,
		stopSweep:     make(chan struct{}),
	}

	if !backend.NativeExpiry() {
		go s.sweepLoop()
	}

	return s
}

// NewFromEnv selects the backend from TOKEN_STORE: "memory" (default),
// "file" (requires TOKEN_STORE_DIR), or "redis" (requires REDIS_URL).
func NewFromEnv(refresher Refresher, refreshWindow time.Duration) (*Store, error) {
	var backend Backend
	var err error

	switch kind := os.Getenv("TOKEN_STORE"); kind {
	case "", "memory":
		backend = NewMemoryBackend()
	case "file":
		dir := os.Getenv("TOKEN_STORE_DIR")
		if dir == "" {
			return nil, fmt.Errorf("TOKEN_STORE_DIR is required for the file token store")
		}
		backend, err = NewFileBackend(dir)
	case "redis":
		redisURL := os.Getenv("REDIS_URL")
		if redisURL == "" {
			return nil, fmt.Errorf("REDIS_URL is required for the redis token store")
		}
		backend, err = NewRedisBackend(redisURL)
	default:
		return nil, fmt.Errorf("unknown TOKEN_STORE %q (want memory, file, or redis)", kind)
	}
	if err != nil {
		return nil, err
	}

	log.Info().Str("backend", fmt.Sprintf("%T", backend)).Msg("token store initialized")
	return New(backend, refresher, refreshWindow), nil
}

// Put writes or overwrites the record for id. Persistence errors propagate.
func (s *Store) Put(ctx context.Context, id string, record *oauth.TokenRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	if err := s.backend.Put(ctx, id, record); err != nil {
		return fmt.Errorf("storing tokens for session: %w", err)
	}
	return nil
}

// GetTokens returns the stored record for id, refreshable or not.
func (s *Store) GetTokens(ctx context.Context, id string) (*oauth.TokenRecord, error) {
	return s.backend.Get(ctx, id)
}

// Has reports whether a record exists for id.
func (s *Store) Has(ctx context.Context, id string) (bool, error) {
	_, err := s.backend.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes the record for id. Deleting an absent id is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.backend.Delete(ctx, id)
}

// Expiry returns the access-token expiry for id.
func (s *Store) Expiry(ctx context.Context, id string) (time.Time, error) {
	record, err := s.backend.Get(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	return record.ExpiresAt, nil
}

// IsExpired reports whether the record for id has outlived its expiry.
func (s *Store) IsExpired(ctx context.Context, id string) (bool, error) {
	record, err := s.backend.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return record.IsExpired(), nil
}

// GetAccessToken returns a currently valid access token for id, refreshing
// first when the remaining lifetime is below the refresh window. A failed or
// impossible refresh of an expiring record deletes it and returns ErrNotFound,
// forcing re-authentication instead of handing out a token about to die.
func (s *Store) GetAccessToken(ctx context.Context, id string) (string, error) {
	if err := s.RefreshIfNeeded(ctx, id); err != nil {
		if errors.Is(err, ErrNoRefreshToken) {
			record, getErr := s.backend.Get(ctx, id)
			if getErr != nil {
				return "", getErr
			}
			if !record.IsExpired() {
				return record.AccessToken, nil
			}
			// Unrefreshable and expired: only re-authentication helps.
			if delErr := s.backend.Delete(ctx, id); delErr != nil {
				return "", delErr
			}
			return "", ErrNotFound
		}
		return "", err
	}

	record, err := s.backend.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return record.AccessToken, nil
}

// RefreshIfNeeded refreshes the record for id when its remaining lifetime is
// below the refresh window. It is a no-op for records with enough lifetime
// left, fails with ErrNotFound or ErrNoRefreshToken when refresh is
// impossible, and deletes the record when the provider rejects the refresh.
// Concurrent calls for the same id share a single provider round trip.
func (s *Store) RefreshIfNeeded(ctx context.Context, id string) error {
	record, err := s.backend.Get(ctx, id)
	if err != nil {
		return err
	}
	if !record.ExpiresWithin(s.refreshWindow) {
		return nil
	}
	if !record.CanRefresh() {
		return ErrNoRefreshToken
	}

	_, err, _ = s.group.Do(id, func() (interface{}, error) {
		// Re-read under the flight: another caller may have refreshed already.
		current, err := s.backend.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !current.ExpiresWithin(s.refreshWindow) {
			return nil, nil
		}

		fresh, err := s.refresher.Refresh(ctx, current.RefreshToken)
		if err != nil {
			log.Warn().Str("session", id).Err(err).Msg("token refresh failed, deleting record")
			if delErr := s.backend.Delete(ctx, id); delErr != nil {
				return nil, delErr
			}
			return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
		}

		if err := s.backend.Put(ctx, id, fresh); err != nil {
			return nil, fmt.Errorf("storing refreshed tokens: %w", err)
		}
		log.Debug().Str("session", id).Time("expires_at", fresh.ExpiresAt).Msg("refreshed token record")
		return nil, nil
	})
	return err
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	ids, err := s.backend.IDs(ctx)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// ClearAll removes every record.
func (s *Store) ClearAll(ctx context.Context) error {
	return s.backend.Clear(ctx)
}

// Ping verifies backend reachability where the backend supports it.
func (s *Store) Ping(ctx context.Context) error {
	type pinger interface {
		Ping(ctx context.Context) error
	}
	if p, ok := s.backend.(pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close stops the sweep loop and releases the backend's resources.
func (s *Store) Close() error {
	close(s.stopSweep)
	return s.backend.Close()
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopSweep:
			return
		}
	}
}

// sweep garbage-collects records whose retention window has fully elapsed.
func (s *Store) sweep() {
	ctx := context.Background()
	ids, err := s.backend.IDs(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("token sweep failed to list records")
		return
	}

	count := 0
	for _, id := range ids {
		record, err := s.backend.Get(ctx, id)
		if err != nil {
			continue
		}
		if time.Since(record.ExpiresAt) > retentionMargin {
			if err := s.backend.Delete(ctx, id); err == nil {
				count++
			}
		}
	}
	if count > 0 {
		log.Debug().Int("count", count).Msg("swept expired token records")
	}
}
