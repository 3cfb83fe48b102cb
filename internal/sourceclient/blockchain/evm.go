// Package blockchain implements the EVM-family and UTXO-family source
// clients, generalizing the JSON-RPC call shape this codebase used for
// nonce/gas/block queries into a streaming history fetch instead of a
// transaction-signing helper.
package blockchain

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/exitbook/ingestion/internal/coreerrors"
	"github.com/exitbook/ingestion/internal/domain"
	"github.com/exitbook/ingestion/internal/httpclient"
	"github.com/exitbook/ingestion/internal/provider"
)

// EVMClient implements provider.Client for account-based chains using
// a provider's enhanced JSON-RPC history endpoint (e.g. Alchemy's
// alchemy_getAssetTransfers), covering normal, internal, and ERC-20
// token-transfer fan-out from a single address.
type EVMClient struct {
	providerName string
	chain        string
	http         *httpclient.Client
	baseURL      string
	// replayBlocks is how many blocks to step a resumed cursor back by,
	// re-covering transfers near a prior reorg boundary.
	replayBlocks uint64
}

// NewEVMClient constructs an EVMClient backed by http.
func NewEVMClient(providerName, chain, baseURL string, http *httpclient.Client, replayBlocks uint64) *EVMClient {
	if replayBlocks == 0 {
		replayBlocks = 5
	}
	return &EVMClient{providerName: providerName, chain: chain, http: http, baseURL: baseURL, replayBlocks: replayBlocks}
}

func (c *EVMClient) Name() string { return c.providerName }

type assetTransfer struct {
	Hash        string `json:"hash"`
	BlockNum    string `json:"blockNum"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       float64 `json:"value"`
	Asset       string `json:"asset"`
	Category    string `json:"category"` // "external", "internal", "erc20"
	Metadata    struct {
		BlockTimestamp string `json:"blockTimestamp"`
	} `json:"metadata"`
}

type assetTransfersResult struct {
	Transfers []assetTransfer `json:"transfers"`
	PageKey   string          `json:"pageKey"`
}

// Fetch retrieves one page of transfers for address starting after
// cursor's pageKey/fromBlock.
func (c *EVMClient) Fetch(ctx context.Context, address string, cursor provider.StreamCursor) (provider.StreamBatch, error) {
	pageKey, _ := cursor["pageKey"].(string)

	// The replay-window subtraction only applies at a fresh/resumed
	// cursor: once a pageKey is present this call is continuing a page
	// sequence the provider is already tracking, so re-subtracting
	// would both replay the same blocks on every page and send a
	// fromBlock that drifts from the one the pageKey was issued for.
	replay := c.replayBlocks
	if pageKey != "" {
		replay = 0
	}
	fromBlock := cursorFromBlock(cursor, replay)

	params := map[string]any{
		"fromBlock":  fmt.Sprintf("0x%x", fromBlock),
		"toBlock":    "latest",
		"category":   []string{"external", "internal", "erc20"},
		"withMetadata": true,
		"fromAddress": address,
	}
	if pageKey != "" {
		params["pageKey"] = pageKey
	}

	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "alchemy_getAssetTransfers",
		"params":  []any{params},
	})
	if err != nil {
		return provider.StreamBatch{}, coreerrors.Wrap(coreerrors.ErrCodeInvalidAccount, "failed to marshal request", coreerrors.KindValidation, err)
	}

	resp, err := c.http.Do(ctx, c.providerName, httpclient.Request{
		Method:     "POST",
		URL:        c.baseURL,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
		Idempotent: true,
	})
	if err != nil {
		return provider.StreamBatch{}, err
	}

	var rpcResp struct {
		Result assetTransfersResult `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp.Body, &rpcResp); err != nil {
		return provider.StreamBatch{}, coreerrors.Wrap(coreerrors.ErrCodeProviderUnavailable, "failed to parse response", coreerrors.KindProviderTransient, err)
	}
	if rpcResp.Error != nil {
		return provider.StreamBatch{}, coreerrors.New(coreerrors.ErrCodeProviderUnavailable, rpcResp.Error.Message, coreerrors.KindProviderTransient)
	}

	records := make([]domain.RawTransaction, 0, len(rpcResp.Result.Transfers))
	var lastBlock uint64 = fromBlock
	for _, t := range rpcResp.Result.Transfers {
		block, _ := strconv.ParseUint(trimHexPrefix(t.BlockNum), 16, 64)
		if block > lastBlock {
			lastBlock = block
		}
		observedAt, _ := time.Parse(time.RFC3339, t.Metadata.BlockTimestamp)
		records = append(records, domain.RawTransaction{
			AccountID:  address,
			EventID:    fmt.Sprintf("%s:%s:%s", t.Hash, t.Category, t.Asset),
			Provider:   c.providerName,
			Payload:    map[string]any{"transfer": t},
			ObservedAt: observedAt,
		})
	}

	done := rpcResp.Result.PageKey == ""
	return provider.StreamBatch{
		Records: records,
		Cursor:  provider.StreamCursor{"fromBlock": lastBlock + 1, "pageKey": rpcResp.Result.PageKey},
		Done:    done,
	}, nil
}

// Stream repeatedly calls Fetch until the provider reports no further
// page, applying the replay-window adjustment exactly once at the
// start (inside cursorFromBlock).
func (c *EVMClient) Stream(ctx context.Context, address string, cursor provider.StreamCursor) (<-chan provider.StreamBatch, <-chan error) {
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

func cursorFromBlock(cursor provider.StreamCursor, replay uint64) uint64 {
	if cursor == nil {
		return 0
	}
	switch v := cursor["fromBlock"].(type) {
	case uint64:
		if v > replay {
			return v - replay
		}
		return 0
	case int:
		if uint64(v) > replay {
			return uint64(v) - replay
		}
		return 0
	case float64:
		u := uint64(v)
		if u > replay {
			return u - replay
		}
		return 0
	default:
		return 0
	}
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
