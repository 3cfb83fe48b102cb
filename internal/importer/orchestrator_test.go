package importer

import (
	"context"
	"go.uber.org/zap"
	"os"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/exitbook/ingestion/internal/domain"
	"github.com/exitbook/ingestion/internal/instrumentation"
	"github.com/exitbook/ingestion/internal/persistence"
	"github.com/exitbook/ingestion/internal/provider"
)

// mockActivityClient reports activity for every address present in
// active, and none for any other — used to exercise gap-limit
// termination without a network dependency.
type mockActivityClient struct {
	name   string
	active map[string]bool
}

func (m *mockActivityClient) Name() string { return m.name }

func (m *mockActivityClient) Fetch(ctx context.Context, accountIdentifier string, cursor provider.StreamCursor) (provider.StreamBatch, error) {
	if m.active[accountIdentifier] {
		return provider.StreamBatch{Records: []domain.RawTransaction{{AccountID: accountIdentifier, EventID: "evt-1"}}, Done: true}, nil
	}
	return provider.StreamBatch{Done: true}, nil
}

func (m *mockActivityClient) Stream(ctx context.Context, accountIdentifier string, cursor provider.StreamCursor) (<-chan provider.StreamBatch, <-chan error) {
	out := make(chan provider.StreamBatch, 1)
	errs := make(chan error, 1)
	batch, _ := m.Fetch(ctx, accountIdentifier, cursor)
	out <- batch
	close(out)
	close(errs)
	return out, errs
}

func newTestStoreForImporter(t *testing.T) *persistence.Store {
	t.Helper()
	dsn := os.Getenv("EXITBOOK_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("EXITBOOK_TEST_POSTGRES_DSN not set, skipping importer integration test")
	}
	store, err := persistence.NewStore(context.Background(), dsn)
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(context.Background()))
	t.Cleanup(store.Close)
	return store
}

func TestResolveAccountNonXpubReturnsSingleAccount(t *testing.T) {
	store := newTestStoreForImporter(t)
	registry := resetAndGetRegistry(t)
	instr := instrumentation.New(prometheus.NewRegistry())
	manager := provider.NewManager(registry, instr, provider.ManagerConfig{})

	o := NewOrchestrator(store, manager, zap.NewNop().Sugar())
	accounts, err := o.ResolveAccount(context.Background(), "ethereum", "alchemy", domain.SourceKindBlockchain, domain.ChainCategoryEVMMainnet, "0xABC", 0)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	require.Equal(t, "0xabc", accounts[0].Identifier, "EVM identifiers must be lowercased")
}

func resetAndGetRegistry(t *testing.T) *provider.Registry {
	t.Helper()
	provider.ResetRegistry()
	t.Cleanup(provider.ResetRegistry)
	return provider.GetRegistry()
}

func TestFanOutXpubStopsAtGapLimit(t *testing.T) {
	store := newTestStoreForImporter(t)
	registry := resetAndGetRegistry(t)

	seed := []byte("01234567890123456789012345678901")
	xpub := testXpub(t, seed)

	// Determine which of the first few derived addresses will report
	// activity by deriving them directly, then configure the mock to
	// recognize only the first one.
	chainKey, err := externalChainKey(xpub)
	require.NoError(t, err)
	activeAddr, err := deriveAddressAtIndex(chainKey, 0)
	require.NoError(t, err)

	mock := &mockActivityClient{name: "blockstream", active: map[string]bool{activeAddr: true}}
	require.NoError(t, registry.Register(provider.Metadata{Name: "blockstream", Chains: []string{"bitcoin"}}, func(cfg provider.ProviderConfig) (provider.Client, error) {
		return mock, nil
	}))

	instr := instrumentation.New(prometheus.NewRegistry())
	manager := provider.NewManager(registry, instr, provider.ManagerConfig{})
	o := NewOrchestrator(store, manager, zap.NewNop().Sugar())

	accounts, err := o.ResolveAccount(context.Background(), "bitcoin", "blockstream", domain.SourceKindBlockchain, domain.ChainCategoryUTXO, xpub, 3)
	require.NoError(t, err)
	// parent + exactly one active child (index 0); indices 1..3 are
	// unused and the gap limit of 3 stops the fan-out there.
	require.Len(t, accounts, 2)
	require.Equal(t, activeAddr, accounts[1].Identifier)
}

// testXpub derives a deterministic account-level extended public key
// from seed, standing in for a real wallet's m/44'/0'/0' xpub.
func testXpub(t *testing.T, seed []byte) string {
	t.Helper()
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	require.NoError(t, err)
	neutered, err := master.Neuter()
	require.NoError(t, err)
	return neutered.String()
}
