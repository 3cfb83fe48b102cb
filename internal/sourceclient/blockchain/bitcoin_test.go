package blockchain

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitcoinClientFetchSinglePage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"txid":"tx1","status":{"confirmed":true,"block_height":100,"block_time":1700000000}},
			{"txid":"tx2","status":{"confirmed":true,"block_height":101,"block_time":1700000100}}
		]`))
	}))
	defer srv.Close()

	client := NewBitcoinClient("blockstream", srv.URL, newTestHTTPClient())
	batch, err := client.Fetch(context.Background(), "bc1qxyz", nil)
	require.NoError(t, err)
	require.Len(t, batch.Records, 2)
	require.Equal(t, "tx1", batch.Records[0].EventID)
	require.True(t, batch.Done, "fewer than a full page (25) must be the final page")
	require.Equal(t, uint64(101), batch.Cursor["blockHeight"])
}

func TestBitcoinClientFetchPaginatesByLastTxID(t *testing.T) {
	var sawPagedURL bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/address/bc1qxyz/txs/chain/tx25" {
			sawPagedURL = true
			w.Write([]byte(`[{"txid":"tx26","status":{"confirmed":true,"block_height":102}}]`))
			return
		}
		resp := "["
		for i := 0; i < 25; i++ {
			if i > 0 {
				resp += ","
			}
			resp += `{"txid":"tx` + strconv.Itoa(i+1) + `","status":{"confirmed":true,"block_height":100}}`
		}
		resp += "]"
		w.Write([]byte(resp))
	}))
	defer srv.Close()

	client := NewBitcoinClient("blockstream", srv.URL, newTestHTTPClient())
	batch, err := client.Fetch(context.Background(), "bc1qxyz", nil)
	require.NoError(t, err)
	require.False(t, batch.Done, "a full page must not be treated as final")
	require.Equal(t, "tx25", batch.Cursor["lastTxID"])

	next, err := client.Fetch(context.Background(), "bc1qxyz", batch.Cursor)
	require.NoError(t, err)
	require.True(t, sawPagedURL)
	require.True(t, next.Done)
	require.Len(t, next.Records, 1)
}
