package api

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/exitbook/ingestion/internal/domain"
	"github.com/exitbook/ingestion/internal/persistence"
	"github.com/exitbook/ingestion/internal/priceenrichment"
)

func newTestStoreForAPI(t *testing.T) *persistence.Store {
	t.Helper()
	dsn := os.Getenv("EXITBOOK_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("EXITBOOK_TEST_POSTGRES_DSN not set, skipping api integration test")
	}
	store, err := persistence.NewStore(context.Background(), dsn)
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(context.Background()))
	t.Cleanup(store.Close)
	return store
}

// TestProcessAllPendingRunsEveryAccountWithBacklog seeds one bitcoin
// account with a pending deposit and confirms ProcessAllPending
// selects the BitcoinProcessor for it via ChainConfig and saves the
// resulting transaction.
func TestProcessAllPendingRunsEveryAccountWithBacklog(t *testing.T) {
	store := newTestStoreForAPI(t)
	ctx := context.Background()

	account := domain.Account{
		ID: "bitcoin:bc1qowner", Source: "bitcoin", SourceKind: domain.SourceKindBlockchain,
		Category: domain.ChainCategoryUTXO, Identifier: "bc1qowner", CreatedAt: time.Now(),
	}
	require.NoError(t, store.UpsertAccount(ctx, account))

	sessionID := "sess-api-1"
	require.NoError(t, store.CreateSession(ctx, domain.ImportSession{
		ID: sessionID, AccountID: account.ID, Provider: "blockstream", Status: domain.ImportSessionRunning, StartedAt: time.Now(),
	}))

	tx := map[string]any{
		"txid":  "tx-api-1",
		"status": map[string]any{"block_time": time.Now().Unix()},
		"vin": []any{
			map[string]any{"prevout": map[string]any{"scriptpubkey_address": "bc1qstranger", "value": 0}},
		},
		"vout": []any{
			map[string]any{"scriptpubkey_address": "bc1qowner", "value": 0.25},
		},
	}
	_, err := store.ImportRawBatch(ctx, sessionID, domain.CursorState{AccountID: account.ID, Provider: "blockstream"}, []domain.RawTransaction{
		{AccountID: account.ID, EventID: "tx-api-1", Provider: "blockstream", Payload: map[string]any{"tx": tx}, ObservedAt: time.Now()},
	})
	require.NoError(t, err)

	svc := NewService(store, nil, priceenrichment.NewPriceRegistry(), priceenrichment.NewPriceRegistry(), map[string]ChainConfig{
		"bitcoin": {Chain: "bitcoin", Source: "bitcoin", Category: domain.ChainCategoryUTXO, Asset: "BTC"},
	}, nil, nil)

	result, err := svc.ProcessAllPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.AccountsProcessed)
	require.Equal(t, 1, result.TransactionsSaved)

	saved, err := store.GetTransactionByExternalID(ctx, "bitcoin", "tx-api-1")
	require.NoError(t, err)
	require.Equal(t, domain.OperationDeposit, saved.Operation)
}

// TestEnrichPricesSkipsGracefullyWithNoRegisteredProviders confirms a
// deployment with no FX/crypto providers configured still completes
// EnrichPrices instead of erroring, per the "stages are optional via
// configuration" contract.
func TestEnrichPricesSkipsGracefullyWithNoRegisteredProviders(t *testing.T) {
	store := newTestStoreForAPI(t)
	ctx := context.Background()

	svc := NewService(store, nil, priceenrichment.NewPriceRegistry(), priceenrichment.NewPriceRegistry(), map[string]ChainConfig{}, nil, nil)

	_, err := svc.EnrichPrices(ctx, EnrichOptions{})
	require.NoError(t, err)
}
