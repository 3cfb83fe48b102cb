package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/exitbook/ingestion/internal/coreerrors"
	"github.com/exitbook/ingestion/internal/domain"
	"github.com/exitbook/ingestion/internal/persistence"
)

// EVMProcessor groups raw transfer legs by transaction hash — an
// account-based chain's normal, internal, and ERC-20 components all
// share one hash, per §4.8's "EVM transactions whose normal/internal/
// token components share a hash."
type EVMProcessor struct {
	store        *persistence.Store
	source       string
	address      string
	ownAddresses map[string]bool // every address this wallet controls, for self-transfer detection
	quoteAsset   string
}

// NewEVMProcessor constructs an EVMProcessor for one address. ownAddresses
// should include address itself alongside any sibling xpub-derived or
// user-configured addresses on the same chain.
func NewEVMProcessor(store *persistence.Store, source, address string, ownAddresses map[string]bool, quoteAsset string) *EVMProcessor {
	owned := make(map[string]bool, len(ownAddresses)+1)
	for a := range ownAddresses {
		owned[strings.ToLower(a)] = true
	}
	owned[strings.ToLower(address)] = true
	return &EVMProcessor{store: store, source: source, address: strings.ToLower(address), ownAddresses: owned, quoteAsset: quoteAsset}
}

// evmTransferLeg mirrors blockchain.assetTransfer's JSON shape — the
// payload round-trips through Postgres jsonb as a generic map, so it
// is re-decoded here rather than imported (internal/sourceclient is an
// ingestion-side concern, processing is a separate stage).
type evmTransferLeg struct {
	Hash     string  `json:"hash"`
	From     string  `json:"from"`
	To       string  `json:"to"`
	Value    float64 `json:"value"`
	Asset    string  `json:"asset"`
	Category string  `json:"category"`
	Metadata struct {
		BlockTimestamp string `json:"blockTimestamp"`
	} `json:"metadata"`
}

func decodeEVMTransfer(payload map[string]any) (evmTransferLeg, error) {
	raw, ok := payload["transfer"]
	if !ok {
		return evmTransferLeg{}, fmt.Errorf("raw payload missing %q key", "transfer")
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return evmTransferLeg{}, err
	}
	var leg evmTransferLeg
	if err := json.Unmarshal(encoded, &leg); err != nil {
		return evmTransferLeg{}, err
	}
	return leg, nil
}

func (p *EVMProcessor) Process(ctx context.Context, accountID string) (*Result, error) {
	raws, err := p.store.PendingRawTransactions(ctx, accountID)
	if err != nil {
		return nil, err
	}

	type group struct {
		legs       []evmTransferLeg
		rawIDs     []int64
		eventIDs   []string
		occurredAt time.Time
	}
	groups := map[string]*group{}
	var hashOrder []string

	for _, raw := range raws {
		leg, err := decodeEVMTransfer(raw.Payload)
		if err != nil {
			return nil, coreerrors.Wrap(coreerrors.ErrCodeInvalidAccount, "failed to decode evm transfer raw "+raw.EventID, coreerrors.KindValidation, err)
		}
		g, ok := groups[leg.Hash]
		if !ok {
			g = &group{}
			groups[leg.Hash] = g
			hashOrder = append(hashOrder, leg.Hash)
		}
		g.legs = append(g.legs, leg)
		g.rawIDs = append(g.rawIDs, raw.ID)
		g.eventIDs = append(g.eventIDs, raw.EventID)
		if observedAt, perr := time.Parse(time.RFC3339, leg.Metadata.BlockTimestamp); perr == nil {
			if g.occurredAt.IsZero() || observedAt.Before(g.occurredAt) {
				g.occurredAt = observedAt
			}
		}
	}

	result := &Result{}
	for _, hash := range hashOrder {
		g := groups[hash]

		var flows []assetFlow
		allCounterpartiesOwned := true
		for _, leg := range g.legs {
			amount := decimal.NewFromFloat(leg.Value)
			from, to := strings.ToLower(leg.From), strings.ToLower(leg.To)
			switch {
			case from == p.address:
				flows = append(flows, assetFlow{asset: leg.Asset, net: amount.Neg()})
				if !p.ownAddresses[to] {
					allCounterpartiesOwned = false
				}
			case to == p.address:
				flows = append(flows, assetFlow{asset: leg.Asset, net: amount})
				if !p.ownAddresses[from] {
					allCounterpartiesOwned = false
				}
			}
		}

		netFlows := netByAsset(flows)
		operation, notes, side := classifyFundFlow(netFlows, allCounterpartiesOwned, p.quoteAsset)
		for i := range notes {
			notes[i].ExternalID = hash
		}
		if side != "" {
			notes = append(notes, Note{Severity: NoteInfo, ExternalID: hash, Message: "classified as " + side})
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

		result.Transactions = append(result.Transactions, domain.Transaction{
			AccountID:   accountID,
			Source:      p.source,
			ExternalID:  hash,
			Operation:   operation,
			Movements:   movements,
			OccurredAt:  g.occurredAt,
			RawEventIDs: g.eventIDs,
		})
		result.ProcessedRawIDs = append(result.ProcessedRawIDs, g.rawIDs...)
	}

	return result, nil
}
