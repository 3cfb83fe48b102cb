package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OperationType classifies a Transaction by the fund-flow shape of its
// movements, per the classification table applied during processing.
type OperationType string

const (
	OperationTrade           OperationType = "trade"
	OperationWithdrawal      OperationType = "withdrawal"
	OperationDeposit         OperationType = "deposit"
	OperationInternalTransfer OperationType = "internal_transfer"
	OperationFee             OperationType = "fee"
	OperationUnknown         OperationType = "unknown"
)

// MovementDirection is the sign of a Movement relative to the owning
// account.
type MovementDirection string

const (
	MovementIn  MovementDirection = "in"
	MovementOut MovementDirection = "out"
)

// Movement is a single asset quantity change attributed to a
// Transaction. A trade between two assets produces two Movements (one
// MovementOut, one MovementIn); a simple deposit produces one.
type Movement struct {
	AssetSymbol string
	Direction   MovementDirection
	GrossAmount decimal.Decimal
	NetAmount   decimal.Decimal
	Price       *PriceAtTxTime
}

// Fee is a cost charged against a Transaction, denominated in its own
// asset (which may differ from any Movement's asset).
type Fee struct {
	AssetSymbol string
	Amount      decimal.Decimal
	Price       *PriceAtTxTime
}

// Transaction is the normalized, classified record derived from one or
// more RawTransactions sharing a grouping key (a chain tx hash, or an
// exchange correlation id).
type Transaction struct {
	ID            int64
	AccountID     string
	Source        string
	ExternalID    string // (Source, ExternalID) is the dedup key
	Operation     OperationType
	Movements     []Movement
	Fees          []Fee
	OccurredAt    time.Time
	RawEventIDs   []string
	ProcessedAt   time.Time
	EnrichedAt    *time.Time
}
