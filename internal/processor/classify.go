package processor

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/exitbook/ingestion/internal/domain"
)

// assetFlow is one asset's net movement within a correlated group,
// after consolidating every leg that touches it.
type assetFlow struct {
	asset string
	net   decimal.Decimal // positive: inflow to the account; negative: outflow
}

// netByAsset consolidates duplicate movements per asset, per §4.8 —
// several legs of the same group touching the same asset (e.g. two
// ERC-20 transfers of the same token within one tx) collapse to a
// single net figure before classification.
func netByAsset(legs []assetFlow) []assetFlow {
	totals := make(map[string]decimal.Decimal, len(legs))
	order := make([]string, 0, len(legs))
	for _, l := range legs {
		if _, seen := totals[l.asset]; !seen {
			order = append(order, l.asset)
		}
		totals[l.asset] = totals[l.asset].Add(l.net)
	}
	sort.Strings(order)
	out := make([]assetFlow, 0, len(order))
	for _, asset := range order {
		out = append(out, assetFlow{asset: asset, net: totals[asset]})
	}
	return out
}

// classifyFundFlow applies §4.8's default classification table to a
// group's net asset flows: 1 inflow + 1 outflow of the same asset
// between user-owned addresses is an internal_transfer; 1 inflow + 1
// outflow of different assets is a trade; outflows only is a
// withdrawal; inflows only is a deposit. selfTransfer is true when
// every counterparty address in the group belongs to the caller's own
// account set.
func classifyFundFlow(flows []assetFlow, selfTransfer bool, quoteAsset string) (domain.OperationType, []Note, string) {
	var inflows, outflows []assetFlow
	for _, f := range flows {
		switch {
		case f.net.IsPositive():
			inflows = append(inflows, f)
		case f.net.IsNegative():
			outflows = append(outflows, f)
		}
	}

	switch {
	case selfTransfer && len(inflows) == 1 && len(outflows) == 1 && inflows[0].asset == outflows[0].asset:
		return domain.OperationInternalTransfer, nil, ""

	case len(inflows) == 1 && len(outflows) == 1:
		note := ""
		if quoteAsset != "" {
			side := "sell/swap"
			if inflows[0].asset == quoteAsset {
				side = "buy"
			}
			note = side
		}
		return domain.OperationTrade, nil, note

	case len(inflows) == 0 && len(outflows) > 0:
		return domain.OperationWithdrawal, nil, ""

	case len(outflows) == 0 && len(inflows) > 0:
		return domain.OperationDeposit, nil, ""

	default:
		return domain.OperationUnknown, []Note{{
			Severity: NoteWarning,
			Message:  "fund flow did not match any default classification rule (multi-asset group with both inflows and outflows)",
		}}, ""
	}
}
