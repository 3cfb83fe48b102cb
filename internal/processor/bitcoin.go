package processor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/exitbook/ingestion/internal/coreerrors"
	"github.com/exitbook/ingestion/internal/domain"
	"github.com/exitbook/ingestion/internal/persistence"
)

const satoshisPerBTC = 100_000_000

// BitcoinProcessor classifies UTXO-family raw transactions. Unlike
// EVM, an Esplora-style source client already stores one raw record
// per transaction (no further grouping by hash is needed) — the
// fund-flow analysis instead walks a single tx's vin/vout to net the
// account's own inflow against its own outflow.
type BitcoinProcessor struct {
	store        *persistence.Store
	source       string
	address      string
	ownAddresses map[string]bool
	asset        string // e.g. "BTC", "LTC"
}

// NewBitcoinProcessor constructs a BitcoinProcessor for one address.
func NewBitcoinProcessor(store *persistence.Store, source, address, asset string, ownAddresses map[string]bool) *BitcoinProcessor {
	owned := make(map[string]bool, len(ownAddresses)+1)
	for a := range ownAddresses {
		owned[a] = true
	}
	owned[address] = true
	return &BitcoinProcessor{store: store, source: source, address: address, ownAddresses: owned, asset: asset}
}

type esploraVinOut struct {
	ScriptPubkeyAddress string `json:"scriptpubkey_address"`
	Value                float64 `json:"value"`
}

type esploraVin struct {
	Prevout esploraVinOut `json:"prevout"`
}

type esploraTxPayload struct {
	TxID   string `json:"txid"`
	Status struct {
		BlockTime int64 `json:"block_time"`
	} `json:"status"`
	Vin  []esploraVin    `json:"vin"`
	Vout []esploraVinOut `json:"vout"`
}

func decodeEsploraTx(payload map[string]any) (esploraTxPayload, error) {
	raw, ok := payload["tx"]
	if !ok {
		return esploraTxPayload{}, fmt.Errorf("raw payload missing %q key", "tx")
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return esploraTxPayload{}, err
	}
	var tx esploraTxPayload
	if err := json.Unmarshal(encoded, &tx); err != nil {
		return esploraTxPayload{}, err
	}
	return tx, nil
}

func (p *BitcoinProcessor) Process(ctx context.Context, accountID string) (*Result, error) {
	raws, err := p.store.PendingRawTransactions(ctx, accountID)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for _, raw := range raws {
		tx, err := decodeEsploraTx(raw.Payload)
		if err != nil {
			return nil, coreerrors.Wrap(coreerrors.ErrCodeInvalidAccount, "failed to decode bitcoin tx raw "+raw.EventID, coreerrors.KindValidation, err)
		}

		sats := func(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

		ownInflow := decimal.Zero
		ownOutflow := decimal.Zero
		allPartiesOwned := true

		for _, out := range tx.Vout {
			if p.ownAddresses[out.ScriptPubkeyAddress] {
				ownInflow = ownInflow.Add(sats(out.Value))
			} else if out.ScriptPubkeyAddress != "" {
				allPartiesOwned = false
			}
		}
		for _, in := range tx.Vin {
			if p.ownAddresses[in.Prevout.ScriptPubkeyAddress] {
				ownOutflow = ownOutflow.Add(sats(in.Prevout.Value))
			} else if in.Prevout.ScriptPubkeyAddress != "" {
				allPartiesOwned = false
			}
		}

		var operation domain.OperationType
		var notes []Note
		netSats := ownInflow.Sub(ownOutflow)

		switch {
		case allPartiesOwned:
			operation = domain.OperationInternalTransfer
		case ownOutflow.IsZero():
			operation, notes, _ = classifyFundFlow([]assetFlow{{asset: p.asset, net: netSats}}, false, "")
		case ownInflow.IsZero():
			operation, notes, _ = classifyFundFlow([]assetFlow{{asset: p.asset, net: netSats}}, false, "")
		default:
			// Both an owned input and owned output with external
			// counterparties: a typical spend-with-change. Net flow still
			// classifies it; change itself isn't a separate movement.
			operation, notes, _ = classifyFundFlow([]assetFlow{{asset: p.asset, net: netSats}}, false, "")
		}
		for i := range notes {
			notes[i].ExternalID = tx.TxID
		}
		result.Notes = append(result.Notes, notes...)

		netBTC := netSats.Div(decimal.NewFromInt(satoshisPerBTC))
		var movements []domain.Movement
		if !netBTC.IsZero() {
			direction := domain.MovementIn
			amount := netBTC
			if netBTC.IsNegative() {
				direction = domain.MovementOut
				amount = netBTC.Neg()
			}
			movements = append(movements, domain.Movement{AssetSymbol: p.asset, Direction: direction, GrossAmount: amount, NetAmount: amount})
		}

		result.Transactions = append(result.Transactions, domain.Transaction{
			AccountID:   accountID,
			Source:      p.source,
			ExternalID:  tx.TxID,
			Operation:   operation,
			Movements:   movements,
			OccurredAt:  unixTime(tx.Status.BlockTime),
			RawEventIDs: []string{raw.EventID},
		})
		result.ProcessedRawIDs = append(result.ProcessedRawIDs, raw.ID)
	}

	return result, nil
}
