package blockchain

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/exitbook/ingestion/internal/circuitbreaker"
	"github.com/exitbook/ingestion/internal/httpclient"
	"github.com/exitbook/ingestion/internal/instrumentation"
	"github.com/exitbook/ingestion/internal/ratelimit"
)

func newTestHTTPClient() *httpclient.Client {
	limiter := ratelimit.New()
	breaker := circuitbreaker.New(circuitbreaker.Config{})
	instr := instrumentation.New(prometheus.NewRegistry())
	return httpclient.New(httpclient.Config{RateLimiterKey: "test", CircuitKey: "test"}, limiter, breaker, instr, httpclient.Hooks{})
}

func TestEVMClientFetchSinglePage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"transfers":[
			{"hash":"0xaaa","blockNum":"0x10","from":"0x1","to":"0x2","value":1.5,"asset":"ETH","category":"external","metadata":{"blockTimestamp":"2024-01-01T00:00:00Z"}}
		],"pageKey":""}}`))
	}))
	defer srv.Close()

	client := NewEVMClient("alchemy", "ethereum", srv.URL, newTestHTTPClient(), 5)
	batch, err := client.Fetch(context.Background(), "0x1", nil)
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	require.Equal(t, "0xaaa:external:ETH", batch.Records[0].EventID)
	require.True(t, batch.Done)
}

func TestEVMClientFetchPaginates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"transfers":[
			{"hash":"0xbbb","blockNum":"0x20","from":"0x1","to":"0x2","value":1,"asset":"ETH","category":"external","metadata":{"blockTimestamp":"2024-01-01T00:00:00Z"}}
		],"pageKey":"next-page"}}`))
	}))
	defer srv.Close()

	client := NewEVMClient("alchemy", "ethereum", srv.URL, newTestHTTPClient(), 5)
	batch, err := client.Fetch(context.Background(), "0x1", nil)
	require.NoError(t, err)
	require.False(t, batch.Done)
	require.Equal(t, "next-page", batch.Cursor["pageKey"])
}

func TestEVMClientStreamDrainsAllPages(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Write([]byte(`{"result":{"transfers":[{"hash":"0x1","blockNum":"0x1","category":"external","asset":"ETH","metadata":{"blockTimestamp":"2024-01-01T00:00:00Z"}}],"pageKey":"p2"}}`))
			return
		}
		w.Write([]byte(`{"result":{"transfers":[{"hash":"0x2","blockNum":"0x2","category":"external","asset":"ETH","metadata":{"blockTimestamp":"2024-01-01T00:00:00Z"}}],"pageKey":""}}`))
	}))
	defer srv.Close()

	client := NewEVMClient("alchemy", "ethereum", srv.URL, newTestHTTPClient(), 5)
	out, errs := client.Stream(context.Background(), "0x1", nil)

	var total int
	for batch := range out {
		total += len(batch.Records)
	}
	require.NoError(t, <-errs)
	require.Equal(t, 2, total)
	require.Equal(t, 2, calls)
}

func TestCursorFromBlockAppliesReplayWindow(t *testing.T) {
	require.Equal(t, uint64(95), cursorFromBlock(map[string]any{"fromBlock": uint64(100)}, 5))
	require.Equal(t, uint64(0), cursorFromBlock(map[string]any{"fromBlock": uint64(2)}, 5))
	require.Equal(t, uint64(0), cursorFromBlock(nil, 5))
}
