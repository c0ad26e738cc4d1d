package statecache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridianhq/meridian-mcp/internal/oauth"
	"github.com/meridianhq/meridian-mcp/internal/oauth/statecache"
)

func TestConsumeIsSingleUse(t *testing.T) {
	cache := statecache.New(10 * time.Minute)
	defer cache.Stop()

	cache.Put(&oauth.PendingAuthorization{
		State:             "state-1",
		CodeVerifier:      "verifier-1",
		ClientID:          "client-1",
		ClientRedirectURI: "http://localhost:3000/callback",
	})

	pending, ok := cache.Consume("state-1")
	require.True(t, ok)
	require.Equal(t, "verifier-1", pending.CodeVerifier)
	require.Equal(t, "client-1", pending.ClientID)

	// Second consume of the same state must fail.
	_, ok = cache.Consume("state-1")
	require.False(t, ok)
}

func TestConsumeUnknownState(t *testing.T) {
	cache := statecache.New(10 * time.Minute)
	defer cache.Stop()

	_, ok := cache.Consume("never-stored")
	require.False(t, ok)
}

func TestConsumeExpiredEntry(t *testing.T) {
	cache := statecache.New(10 * time.Minute)
	defer cache.Stop()

	cache.Put(&oauth.PendingAuthorization{
		State:     "stale",
		CreatedAt: time.Now().Add(-11 * time.Minute),
	})

	_, ok := cache.Consume("stale")
	require.False(t, ok)
	require.Equal(t, 0, cache.Len())
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	cache := statecache.New(10 * time.Minute)
	defer cache.Stop()

	cache.Put(&oauth.PendingAuthorization{State: "fresh"})
	cache.Put(&oauth.PendingAuthorization{State: "stale", CreatedAt: time.Now().Add(-time.Hour)})
	require.Equal(t, 2, cache.Len())

	cache.Sweep()
	require.Equal(t, 1, cache.Len())

	_, ok := cache.Consume("fresh")
	require.True(t, ok)
}

func TestPutSetsCreatedAt(t *testing.T) {
	cache := statecache.New(10 * time.Minute)
	defer cache.Stop()

	cache.Put(&oauth.PendingAuthorization{State: "s"})
	pending, ok := cache.Consume("s")
	require.True(t, ok)
	require.WithinDuration(t, time.Now(), pending.CreatedAt, time.Second)
}
