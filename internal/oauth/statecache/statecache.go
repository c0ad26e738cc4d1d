// Package statecache holds pending authorization flows between the authorize
// redirect and the provider callback. Entries are single-use and short-lived.
package statecache

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meridianhq/meridian-mcp/internal/oauth"
)

// Cache is a thread-safe store of pending authorizations keyed by the locally
// generated CSRF state value.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*oauth.PendingAuthorization

	ttl         time.Duration
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// New creates a cache whose entries expire after ttl. A background loop sweeps
// expired entries once a minute until Stop is called.
func New(ttl time.Duration) *Cache {
	c := &Cache{
		entries:     make(map[string]*oauth.PendingAuthorization),
		ttl:         ttl,
		stopCleanup: make(chan struct{}),
	}

	go c.cleanupLoop()

	return c
}

// Put stores a pending authorization under its state value.
func (c *Cache) Put(pending *oauth.PendingAuthorization) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pending.CreatedAt.IsZero() {
		pending.CreatedAt = time.Now()
	}
	c.entries[pending.State] = pending
}

// Consume atomically removes and returns the entry for state. A given state
// value can be consumed at most once; expired entries are treated as absent.
// The second return is false when no live entry exists.
func (c *Cache) Consume(state string) (*oauth.PendingAuthorization, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending, ok := c.entries[state]
	if !ok {
		return nil, false
	}
	delete(c.entries, state)

	if time.Since(pending.CreatedAt) > c.ttl {
		log.Warn().Str("state", state).Dur("age", time.Since(pending.CreatedAt)).Msg("pending authorization expired")
		return nil, false
	}
	return pending, true
}

// Sweep removes all expired entries. Called opportunistically when a new flow
// begins, in addition to the background loop.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for state, pending := range c.entries {
		if time.Since(pending.CreatedAt) > c.ttl {
			delete(c.entries, state)
			count++
		}
	}
	if count > 0 {
		log.Debug().Int("count", count).Msg("swept expired pending authorizations")
	}
}

// Len returns the number of live entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stop terminates the background sweep loop.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCleanup)
	})
}

func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stopCleanup:
			return
		}
	}
}
