package blockchain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/exitbook/ingestion/internal/coreerrors"
	"github.com/exitbook/ingestion/internal/domain"
	"github.com/exitbook/ingestion/internal/httpclient"
	"github.com/exitbook/ingestion/internal/provider"
)

// BitcoinClient implements provider.Client for UTXO-family chains via
// an Esplora-style REST history endpoint (address/<addr>/txs),
// generalizing the listunspent/getrawtransaction RPC shape this
// codebase used for fee estimation into paginated transaction history.
type BitcoinClient struct {
	providerName string
	http         *httpclient.Client
	baseURL      string
}

// NewBitcoinClient constructs a BitcoinClient backed by http.
//
// Esplora's history endpoint paginates backward from a given txid, not
// a block height, so there is no parameter to "start N blocks earlier"
// the way EVM's fromBlock cursor supports: a reorg-safety replay window
// is not expressible against this API shape, unlike the blockNumber
// cursor clients. A resumed stream instead relies on the manager's
// eventId-keyed dedup (spec.md §4.1) to absorb any overlap the esplora
// server itself re-serves across a reorg.
func NewBitcoinClient(providerName, baseURL string, http *httpclient.Client) *BitcoinClient {
	return &BitcoinClient{providerName: providerName, http: http, baseURL: baseURL}
}

func (c *BitcoinClient) Name() string { return c.providerName }

type esploraTx struct {
	TxID   string `json:"txid"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight uint64 `json:"block_height"`
		BlockTime   int64  `json:"block_time"`
	} `json:"status"`
	Vin  []map[string]any `json:"vin"`
	Vout []map[string]any `json:"vout"`
}

// Fetch retrieves one page of confirmed transactions for address,
// paging backward by the last seen txid, the idiom Esplora-style APIs
// use instead of a block-range cursor.
func (c *BitcoinClient) Fetch(ctx context.Context, address string, cursor provider.StreamCursor) (provider.StreamBatch, error) {
	url := fmt.Sprintf("%s/address/%s/txs/chain", c.baseURL, address)
	if lastTxID, ok := cursor["lastTxID"].(string); ok && lastTxID != "" {
		url = fmt.Sprintf("%s/%s", url, lastTxID)
	}

	resp, err := c.http.Do(ctx, c.providerName, httpclient.Request{Method: "GET", URL: url, Idempotent: true})
	if err != nil {
		return provider.StreamBatch{}, err
	}

	var txs []esploraTx
	if err := json.Unmarshal(resp.Body, &txs); err != nil {
		return provider.StreamBatch{}, coreerrors.Wrap(coreerrors.ErrCodeProviderUnavailable, "failed to parse esplora response", coreerrors.KindProviderTransient, err)
	}

	records := make([]domain.RawTransaction, 0, len(txs))
	var lastBlock uint64
	for _, tx := range txs {
		if tx.Status.BlockHeight > lastBlock {
			lastBlock = tx.Status.BlockHeight
		}
		records = append(records, domain.RawTransaction{
			AccountID: address,
			EventID:   tx.TxID,
			Provider:  c.providerName,
			Payload:   map[string]any{"tx": tx},
		})
	}

	var nextCursor provider.StreamCursor
	done := len(txs) < 25 // esplora pages at 25 per request
	if !done {
		nextCursor = provider.StreamCursor{"lastTxID": txs[len(txs)-1].TxID, "blockHeight": lastBlock}
	} else {
		nextCursor = provider.StreamCursor{"blockHeight": lastBlock}
	}

	return provider.StreamBatch{Records: records, Cursor: nextCursor, Done: done}, nil
}

// Stream pages through Fetch until Esplora reports a short (final)
// page.
func (c *BitcoinClient) Stream(ctx context.Context, address string, cursor provider.StreamCursor) (<-chan provider.StreamBatch, <-chan error) {
	out := make(chan provider.StreamBatch)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		current := cursor
		for {
			batch, err := c.Fetch(ctx, address, current)
			if err != nil {
				errs <- err
				return
			}

			select {
			case out <- batch:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}

			if batch.Done {
				return
			}
			current = batch.Cursor
		}
	}()

	return out, errs
}
