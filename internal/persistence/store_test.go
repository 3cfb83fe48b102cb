package persistence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/exitbook/ingestion/internal/domain"
)

// newTestStore requires a live Postgres reachable at
// EXITBOOK_TEST_POSTGRES_DSN; these tests exercise real SQL (advisory
// locks, ON CONFLICT dedup) that a mock cannot stand in for.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("EXITBOOK_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("EXITBOOK_TEST_POSTGRES_DSN not set, skipping persistence integration test")
	}
	store, err := NewStore(context.Background(), dsn)
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(context.Background()))
	t.Cleanup(store.Close)
	return store
}

func TestImportRawBatchDedupesByAccountAndEventID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	account := domain.Account{ID: "acc-1", Source: "alchemy", SourceKind: domain.SourceKindBlockchain, Category: domain.ChainCategoryEVMMainnet, Identifier: "0xabc", CreatedAt: time.Now()}
	require.NoError(t, store.UpsertAccount(ctx, account))

	session := domain.ImportSession{ID: "sess-1", AccountID: account.ID, Provider: "alchemy", Status: domain.ImportSessionRunning, StartedAt: time.Now()}
	require.NoError(t, store.CreateSession(ctx, session))

	records := []domain.RawTransaction{
		{AccountID: account.ID, EventID: "evt-1", Provider: "alchemy", Payload: map[string]any{"hash": "0x1"}},
		{AccountID: account.ID, EventID: "evt-2", Provider: "alchemy", Payload: map[string]any{"hash": "0x2"}},
	}
	cursor := domain.CursorState{AccountID: account.ID, Provider: "alchemy", Value: map[string]any{"fromBlock": float64(100)}, UpdatedAt: time.Now()}

	inserted, err := store.ImportRawBatch(ctx, session.ID, cursor, records)
	require.NoError(t, err)
	require.Equal(t, 2, inserted)

	// Re-importing the same records (simulating a racing or retried run)
	// must insert zero new rows.
	inserted, err = store.ImportRawBatch(ctx, session.ID, cursor, records)
	require.NoError(t, err)
	require.Equal(t, 0, inserted)

	got, err := store.GetCursor(ctx, account.ID, "alchemy")
	require.NoError(t, err)
	require.Equal(t, float64(100), got.Value["fromBlock"])

	pending, err := store.PendingRawTransactions(ctx, account.ID)
	require.NoError(t, err)
	require.Len(t, pending, 2)
}

// TestImportRawBatchAccumulatesCursorMetadata covers spec.md §3's
// CursorState fields beyond the opaque Value: Type, LastTransactionID
// and TotalFetched must all round-trip through ImportRawBatch/GetCursor,
// and TotalFetched must accumulate across batches rather than being
// overwritten by the latest one.
func TestImportRawBatchAccumulatesCursorMetadata(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	account := domain.Account{ID: "acc-2", Source: "alchemy", SourceKind: domain.SourceKindBlockchain, Category: domain.ChainCategoryEVMMainnet, Identifier: "0xdef", CreatedAt: time.Now()}
	require.NoError(t, store.UpsertAccount(ctx, account))
	session := domain.ImportSession{ID: "sess-2", AccountID: account.ID, Provider: "alchemy", Status: domain.ImportSessionRunning, StartedAt: time.Now()}
	require.NoError(t, store.CreateSession(ctx, session))

	firstBatch := []domain.RawTransaction{{AccountID: account.ID, EventID: "evt-1", Provider: "alchemy", Payload: map[string]any{"hash": "0x1"}}}
	firstCursor := domain.CursorState{AccountID: account.ID, Provider: "alchemy", Type: domain.CursorTypeBlockNumber, Value: map[string]any{"fromBlock": float64(100)}, LastTransactionID: "evt-1", UpdatedAt: time.Now()}
	_, err := store.ImportRawBatch(ctx, session.ID, firstCursor, firstBatch)
	require.NoError(t, err)

	secondBatch := []domain.RawTransaction{{AccountID: account.ID, EventID: "evt-2", Provider: "alchemy", Payload: map[string]any{"hash": "0x2"}}}
	secondCursor := domain.CursorState{AccountID: account.ID, Provider: "alchemy", Type: domain.CursorTypeBlockNumber, Value: map[string]any{"fromBlock": float64(200)}, LastTransactionID: "evt-2", UpdatedAt: time.Now()}
	_, err = store.ImportRawBatch(ctx, session.ID, secondCursor, secondBatch)
	require.NoError(t, err)

	require.NoError(t, store.MarkCursorComplete(ctx, account.ID, "alchemy", true))

	got, err := store.GetCursor(ctx, account.ID, "alchemy")
	require.NoError(t, err)
	require.Equal(t, domain.CursorTypeBlockNumber, got.Type)
	require.Equal(t, float64(200), got.Value["fromBlock"])
	require.Equal(t, "evt-2", got.LastTransactionID)
	require.Equal(t, 2, got.TotalFetched)
	require.True(t, got.IsComplete)
}

func TestAppendOverrideIsAppendOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	fp := domain.Fingerprint(domain.TransactionRef{Source: "kraken", ExternalID: "tx1"}, domain.TransactionRef{Source: "kraken", ExternalID: "tx1"}, "BTC")

	require.NoError(t, store.AppendOverride(ctx, domain.OverrideEvent{Fingerprint: fp, AssetSymbol: "BTC", Field: "price", Value: "50000", CreatedAt: time.Now(), CreatedBy: "operator"}))
	require.NoError(t, store.AppendOverride(ctx, domain.OverrideEvent{Fingerprint: fp, AssetSymbol: "BTC", Field: "price", Value: "51000", CreatedAt: time.Now(), CreatedBy: "operator"}))

	events, err := store.OverridesForFingerprint(ctx, fp)
	require.NoError(t, err)
	require.Len(t, events, 2, "both corrections must be retained, not overwritten")
	require.Equal(t, "51000", events[len(events)-1].Value, "last write wins when folded in created_at order")
}
