package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceSource ranks how a PriceAtTxTime was obtained. Higher-priority
// sources must never be overwritten by a lower-priority one during
// re-derivation (see the price enrichment pipeline's monotonicity
// invariant).
type PriceSource string

const (
	PriceSourceFiatExecutionTentative PriceSource = "fiat_execution_tentative" // priority 0
	PriceSourceMarketProvider         PriceSource = "market_provider"          // priority 1
	PriceSourceDerivedRatio           PriceSource = "derived_ratio"            // priority 2
	PriceSourceExchangeExecution      PriceSource = "exchange_execution"       // priority 3
	PriceSourceUserProvided           PriceSource = "user_provided"            // priority 3
)

// Priority returns the non-downgrading rank of a PriceSource: a
// Movement's price may only be replaced by one with a strictly higher
// Priority value.
func (s PriceSource) Priority() int {
	switch s {
	case PriceSourceFiatExecutionTentative:
		return 0
	case PriceSourceMarketProvider:
		return 1
	case PriceSourceDerivedRatio:
		return 2
	case PriceSourceExchangeExecution, PriceSourceUserProvided:
		return 3
	default:
		return -1
	}
}

// PriceGranularity is how precisely ObservedAt pins the moment a price
// was sampled relative to the transaction it prices.
type PriceGranularity string

const (
	PriceGranularityExact  PriceGranularity = "exact"
	PriceGranularityMinute PriceGranularity = "minute"
	PriceGranularityHour   PriceGranularity = "hour"
	PriceGranularityDay    PriceGranularity = "day"
)

// PriceAtTxTime is the fiat-denominated value of an asset quantity at
// the moment a Transaction occurred. FxRateToUSD/FxSource/FxTimestamp
// are set only when Amount was converted from a non-USD fiat currency
// during Stage 2 of the price enrichment pipeline.
type PriceAtTxTime struct {
	FiatCurrency string
	Amount       decimal.Decimal
	Source       PriceSource
	ObservedAt   time.Time
	Granularity  PriceGranularity
	FxRateToUSD  *decimal.Decimal
	FxSource     string
	FxTimestamp  time.Time
}

// TransactionLink connects two confirmed Transactions representing the
// two sides of a single economic event (e.g. a withdrawal on one
// account and the matching deposit on another). Price enrichment
// consumes confirmed links to propagate a known price across both
// sides; it never creates links itself.
type TransactionLink struct {
	ID              int64
	TransactionAID  int64
	TransactionBID  int64
	Confirmed       bool
	CreatedAt       time.Time
}
