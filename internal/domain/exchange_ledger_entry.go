package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExchangeLedgerEntryType classifies one row of an exchange's ledger
// export or API response, prior to any fund-flow classification.
type ExchangeLedgerEntryType string

const (
	LedgerEntryTrade      ExchangeLedgerEntryType = "trade"
	LedgerEntryDeposit    ExchangeLedgerEntryType = "deposit"
	LedgerEntryWithdrawal ExchangeLedgerEntryType = "withdrawal"
	LedgerEntryFee        ExchangeLedgerEntryType = "fee"
	LedgerEntryTransfer   ExchangeLedgerEntryType = "transfer"
	LedgerEntryOther      ExchangeLedgerEntryType = "other"
)

// ExchangeLedgerEntry is the normalized shape an exchange source
// client converts raw ledger rows into, regardless of whether they
// arrived via REST pagination or CSV export. CorrelationID groups rows
// that belong to the same economic event (e.g. the two legs of a
// trade); it is empty when the exchange does not provide one.
type ExchangeLedgerEntry struct {
	ID            string
	CorrelationID string
	Timestamp     time.Time
	Type          ExchangeLedgerEntryType
	Asset         string
	Amount        decimal.Decimal
	Fee           *decimal.Decimal
	FeeCurrency   string
	Status        string
}
