package clients_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridianhq/meridian-mcp/internal/clients"
)

func TestMemoryRegistrySaveAndGet(t *testing.T) {
	registry := clients.NewMemoryRegistry()

	require.NoError(t, registry.Save(&clients.Client{
		ClientID:                "client_abc",
		RedirectURIs:            []string{"http://localhost:3000/callback"},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethod: "none",
		ClientName:              "test client",
	}))

	client, err := registry.Get("client_abc")
	require.NoError(t, err)
	require.Equal(t, "test client", client.ClientName)
	require.Equal(t, []string{"http://localhost:3000/callback"}, client.RedirectURIs)
	require.False(t, client.CreatedAt.IsZero())
	require.False(t, client.UpdatedAt.IsZero())
}

func TestMemoryRegistryGetUnknown(t *testing.T) {
	registry := clients.NewMemoryRegistry()

	_, err := registry.Get("nope")
	require.ErrorIs(t, err, clients.ErrNotFound)
}

func TestMemoryRegistryUpsert(t *testing.T) {
	registry := clients.NewMemoryRegistry()

	require.NoError(t, registry.Save(&clients.Client{ClientID: "c1", ClientName: "first"}))
	require.NoError(t, registry.Save(&clients.Client{ClientID: "c1", ClientName: "second"}))

	client, err := registry.Get("c1")
	require.NoError(t, err)
	require.Equal(t, "second", client.ClientName)
}

func TestMemoryRegistryReturnsCopy(t *testing.T) {
	registry := clients.NewMemoryRegistry()
	require.NoError(t, registry.Save(&clients.Client{ClientID: "c1", ClientName: "original"}))

	got, err := registry.Get("c1")
	require.NoError(t, err)
	got.ClientName = "mutated"

	again, err := registry.Get("c1")
	require.NoError(t, err)
	require.Equal(t, "original", again.ClientName)
}
