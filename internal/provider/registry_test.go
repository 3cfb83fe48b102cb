package provider

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func freshRegistry() *Registry {
	return newRegistry()
}

func TestProvidersForChainOrdersByPriority(t *testing.T) {
	r := freshRegistry()
	require.NoError(t, registerMock(r, Metadata{Name: "low", Chains: []string{"ethereum"}, Priority: 1}, newMockClient("low")))
	require.NoError(t, registerMock(r, Metadata{Name: "high", Chains: []string{"ethereum"}, Priority: 10}, newMockClient("high")))

	eligible := r.ProvidersForChain("ethereum")
	require.Len(t, eligible, 2)
	require.Equal(t, "low", eligible[0].Name)
	require.Equal(t, "high", eligible[1].Name)
}

func TestProvidersForChainDemotesMissingAPIKey(t *testing.T) {
	t.Setenv("EXITBOOK_TEST_MISSING_KEY", "")

	r := freshRegistry()
	require.NoError(t, registerMock(r, Metadata{
		Name: "keyed", Chains: []string{"ethereum"}, RequiresAPIKey: true, APIKeyEnvVar: "EXITBOOK_TEST_MISSING_KEY",
	}, newMockClient("keyed")))

	eligible := r.ProvidersForChain("ethereum")
	require.Empty(t, eligible, "provider requiring an unset API key must be demoted out of the eligible list")
}

func TestFactoryRespectsPreferredProvider(t *testing.T) {
	r := freshRegistry()
	require.NoError(t, registerMock(r, Metadata{Name: "a", Chains: []string{"bitcoin"}, Priority: 5}, newMockClient("a")))
	require.NoError(t, registerMock(r, Metadata{Name: "b", Chains: []string{"bitcoin"}, Priority: 1}, newMockClient("b")))

	client, err := r.Factory("bitcoin", "b")
	require.NoError(t, err)
	require.Equal(t, "b", client.Name())
}

func TestFactoryRejectsIneligiblePreferredProvider(t *testing.T) {
	r := freshRegistry()
	require.NoError(t, registerMock(r, Metadata{Name: "a", Chains: []string{"bitcoin"}}, newMockClient("a")))

	_, err := r.Factory("bitcoin", "nonexistent")
	require.Error(t, err)
}

func TestOrderedClientsReturnsAllEligible(t *testing.T) {
	r := freshRegistry()
	require.NoError(t, registerMock(r, Metadata{Name: "a", Chains: []string{"bitcoin"}, Priority: 1}, newMockClient("a")))
	require.NoError(t, registerMock(r, Metadata{Name: "b", Chains: []string{"bitcoin"}, Priority: 2}, newMockClient("b")))

	clients, err := r.OrderedClients("bitcoin")
	require.NoError(t, err)
	require.Len(t, clients, 2)
	require.Equal(t, "a", clients[0].Name())
}

func TestInitializeProvidersRunsQueuedRegistrars(t *testing.T) {
	savedRegistrars := registrars
	defer func() { registrars = savedRegistrars }()

	ResetRegistry()
	ran := false
	registrars = []func(*Registry) error{
		func(r *Registry) error {
			ran = true
			return registerMock(r, Metadata{Name: "test-provider", Chains: []string{"ethereum"}}, newMockClient("test-provider"))
		},
	}

	require.NoError(t, InitializeProviders())
	require.True(t, ran)
	require.True(t, GetRegistry().IsRegistered("test-provider"))
}

func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}
