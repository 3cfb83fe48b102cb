package provider

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/exitbook/ingestion/internal/domain"
	"github.com/exitbook/ingestion/internal/instrumentation"
)

func newTestManager(r *Registry) *Manager {
	instr := instrumentation.New(prometheus.NewRegistry())
	return NewManager(r, instr, ManagerConfig{})
}

func TestExecuteWithFailoverReturnsFirstSuccess(t *testing.T) {
	r := freshRegistry()
	failing := newMockClient("failing")
	failing.SetFetchError(errMockProviderDown)
	working := newMockClient("working")
	working.fetchBatch = StreamBatch{Records: []domain.RawTransaction{mkRawTx("acc", "evt-1")}}

	require.NoError(t, registerMock(r, Metadata{Name: "failing", Chains: []string{"ethereum"}, Priority: 1}, failing))
	require.NoError(t, registerMock(r, Metadata{Name: "working", Chains: []string{"ethereum"}, Priority: 10}, working))

	m := newTestManager(r)
	result, err := m.ExecuteWithFailover(context.Background(), "ethereum", "0xabc", nil)
	require.NoError(t, err)
	require.Equal(t, "working", result.ProviderUsed)
	require.Equal(t, 1, failing.CallCount())
}

func TestExecuteWithFailoverExhaustion(t *testing.T) {
	r := freshRegistry()
	a := newMockClient("a")
	a.SetFetchError(errMockProviderDown)
	b := newMockClient("b")
	b.SetFetchError(errMockProviderDown)
	require.NoError(t, registerMock(r, Metadata{Name: "a", Chains: []string{"ethereum"}, Priority: 2}, a))
	require.NoError(t, registerMock(r, Metadata{Name: "b", Chains: []string{"ethereum"}, Priority: 1}, b))

	m := newTestManager(r)
	_, err := m.ExecuteWithFailover(context.Background(), "ethereum", "0xabc", nil)
	require.Error(t, err)
}

func TestExecuteStreamingDedupsAcrossFailover(t *testing.T) {
	r := freshRegistry()

	first := newMockClient("first")
	first.batches = []StreamBatch{
		{Records: []domain.RawTransaction{mkRawTx("acc", "evt-1"), mkRawTx("acc", "evt-2")}, Cursor: StreamCursor{"block": 10}},
	}
	first.streamErr = errMockProviderDown

	second := newMockClient("second")
	second.batches = []StreamBatch{
		// Replay window re-covers evt-2, plus a genuinely new evt-3.
		{Records: []domain.RawTransaction{mkRawTx("acc", "evt-2"), mkRawTx("acc", "evt-3")}, Cursor: StreamCursor{"block": 11}, Done: true},
	}

	require.NoError(t, registerMock(r, Metadata{Name: "first", Chains: []string{"ethereum"}, Priority: 1}, first))
	require.NoError(t, registerMock(r, Metadata{Name: "second", Chains: []string{"ethereum"}, Priority: 2}, second))

	m := newTestManager(r)
	out, errs := m.ExecuteStreaming(context.Background(), "ethereum", "0xabc", nil)

	var allEventIDs []string
	for batch := range out {
		for _, rec := range batch.Batch.Records {
			allEventIDs = append(allEventIDs, rec.EventID)
		}
	}
	require.NoError(t, <-errs)
	require.Equal(t, []string{"evt-1", "evt-2", "evt-3"}, allEventIDs, "evt-2 must not be duplicated across the failover")
}
