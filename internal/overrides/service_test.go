package overrides

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/exitbook/ingestion/internal/domain"
	"github.com/exitbook/ingestion/internal/persistence"
)

func newTestStoreForOverrides(t *testing.T) *persistence.Store {
	t.Helper()
	dsn := os.Getenv("EXITBOOK_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("EXITBOOK_TEST_POSTGRES_DSN not set, skipping overrides integration test")
	}
	store, err := persistence.NewStore(context.Background(), dsn)
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(context.Background()))
	t.Cleanup(store.Close)
	return store
}

func TestEffectiveIsLastWriteWinsPerField(t *testing.T) {
	store := newTestStoreForOverrides(t)
	svc := NewService(store)
	ctx := context.Background()

	a := domain.TransactionRef{Source: "kraken", ExternalID: "T1"}
	b := domain.TransactionRef{Source: "ethereum", ExternalID: "0xabc"}

	require.NoError(t, svc.Record(ctx, a, b, "BTC", "linked", "false", "operator-1"))
	require.NoError(t, svc.Record(ctx, a, b, "BTC", "price", "60000", "operator-1"))
	require.NoError(t, svc.Record(ctx, a, b, "BTC", "linked", "true", "operator-2"))

	effective, err := svc.Effective(ctx, a, b, "BTC")
	require.NoError(t, err)
	require.Equal(t, "true", effective["linked"], "later write must win")
	require.Equal(t, "60000", effective["price"])

	history, err := svc.History(ctx, a, b, "BTC")
	require.NoError(t, err)
	require.Len(t, history, 3, "history preserves every event, folding happens only in Effective")
}

func TestFingerprintIsSymmetric(t *testing.T) {
	store := newTestStoreForOverrides(t)
	svc := NewService(store)
	ctx := context.Background()

	a := domain.TransactionRef{Source: "kraken", ExternalID: "T1"}
	b := domain.TransactionRef{Source: "ethereum", ExternalID: "0xabc"}

	require.NoError(t, svc.Record(ctx, a, b, "ETH", "linked", "true", "operator-1"))

	effective, err := svc.Effective(ctx, b, a, "ETH")
	require.NoError(t, err)
	require.Equal(t, "true", effective["linked"], "fingerprint must be order-independent")
}
