package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/exitbook/ingestion/internal/coreerrors"
	"github.com/exitbook/ingestion/internal/domain"
	"github.com/exitbook/ingestion/internal/persistence"
)

// KrakenProcessor groups ledger rows by correlationId — "exchange
// trades that span multiple ledger rows with the same correlationId"
// per §4.8. Kraken stamps every row (trades, deposits, withdrawals,
// internal transfers) with a refid, so correlationId grouping applies
// uniformly regardless of entry type.
type KrakenProcessor struct {
	store      *persistence.Store
	source     string
	quoteAsset string
}

// NewKrakenProcessor constructs a KrakenProcessor for one exchange
// account.
func NewKrakenProcessor(store *persistence.Store, source, quoteAsset string) *KrakenProcessor {
	return &KrakenProcessor{store: store, source: source, quoteAsset: quoteAsset}
}

func decodeExchangeEntry(payload map[string]any) (domain.ExchangeLedgerEntry, error) {
	raw, ok := payload["entry"]
	if !ok {
		return domain.ExchangeLedgerEntry{}, fmt.Errorf("raw payload missing %q key", "entry")
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return domain.ExchangeLedgerEntry{}, err
	}
	var entry domain.ExchangeLedgerEntry
	if err := json.Unmarshal(encoded, &entry); err != nil {
		return domain.ExchangeLedgerEntry{}, err
	}
	return entry, nil
}

func (p *KrakenProcessor) Process(ctx context.Context, accountID string) (*Result, error) {
	raws, err := p.store.PendingRawTransactions(ctx, accountID)
	if err != nil {
		return nil, err
	}

	type group struct {
		entries []domain.ExchangeLedgerEntry
		rawIDs  []int64
	}
	groups := map[string]*group{}
	var keyOrder []string

	for _, raw := range raws {
		entry, err := decodeExchangeEntry(raw.Payload)
		if err != nil {
			return nil, coreerrors.Wrap(coreerrors.ErrCodeInvalidAccount, "failed to decode exchange ledger entry raw "+raw.EventID, coreerrors.KindValidation, err)
		}
		key := entry.CorrelationID
		if key == "" {
			key = entry.ID
		}
		g, ok := groups[key]
		if !ok {
			g = &group{}
			groups[key] = g
			keyOrder = append(keyOrder, key)
		}
		g.entries = append(g.entries, entry)
		g.rawIDs = append(g.rawIDs, raw.ID)
	}
	sort.Strings(keyOrder)

	result := &Result{}
	for _, key := range keyOrder {
		g := groups[key]

		var flows []assetFlow
		isTransfer := false
		occurredAt := g.entries[0].Timestamp
		for _, e := range g.entries {
			if e.Type == domain.LedgerEntryTransfer {
				isTransfer = true
			}
			flows = append(flows, assetFlow{asset: e.Asset, net: e.Amount})
			if e.Fee != nil && !e.Fee.IsZero() {
				feeAsset := e.FeeCurrency
				if feeAsset == "" {
					feeAsset = e.Asset
				}
				flows = append(flows, assetFlow{asset: feeAsset, net: e.Fee.Neg()})
			}
			if e.Timestamp.Before(occurredAt) {
				occurredAt = e.Timestamp
			}
		}

		netFlows := netByAsset(flows)

		var operation domain.OperationType
		var notes []Note
		if isTransfer {
			operation = domain.OperationInternalTransfer
		} else {
			var side string
			operation, notes, side = classifyFundFlow(netFlows, false, p.quoteAsset)
			if side != "" {
				notes = append(notes, Note{Severity: NoteInfo, Message: "classified as " + side})
			}
		}
		for i := range notes {
			notes[i].ExternalID = key
		}
		result.Notes = append(result.Notes, notes...)

		movements := make([]domain.Movement, 0, len(netFlows))
		for _, f := range netFlows {
			if f.net.IsZero() {
				continue
			}
			direction := domain.MovementIn
			amount := f.net
			if f.net.IsNegative() {
				direction = domain.MovementOut
				amount = f.net.Neg()
			}
			movements = append(movements, domain.Movement{AssetSymbol: f.asset, Direction: direction, GrossAmount: amount, NetAmount: amount})
		}

		rawEventIDs := make([]string, len(g.entries))
		for i, e := range g.entries {
			rawEventIDs[i] = e.ID
		}

		result.Transactions = append(result.Transactions, domain.Transaction{
			AccountID:   accountID,
			Source:      p.source,
			ExternalID:  key,
			Operation:   operation,
			Movements:   movements,
			OccurredAt:  occurredAt,
			RawEventIDs: rawEventIDs,
		})
		result.ProcessedRawIDs = append(result.ProcessedRawIDs, g.rawIDs...)
	}

	return result, nil
}
