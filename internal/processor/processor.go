// Package processor turns a source's pending raw records into
// canonical domain.Transactions, per spec.md §4.8. There is no direct
// teacher analog: the teacher signs outgoing transactions, it does not
// classify historical ones. The package follows the teacher's
// interface-plus-per-source-struct idiom instead
// (chainadapter.ChainAdapter as the interface, bitcoin.Adapter /
// ethereum.Adapter as implementations) — here Processor is the
// interface and evm.go / bitcoin.go / kraken.go are the
// implementations, each closing over its source's grouping key and
// classification rules.
package processor

import (
	"context"
	"time"

	"github.com/exitbook/ingestion/internal/domain"
	"github.com/exitbook/ingestion/internal/persistence"
)

// NoteSeverity classifies a processing Note for downstream triage.
type NoteSeverity string

const (
	NoteInfo    NoteSeverity = "info"
	NoteWarning NoteSeverity = "warning"
	NoteError   NoteSeverity = "error"
)

// Note records an observation made while classifying a group of raw
// records, surfaced to an operator rather than failing the run.
type Note struct {
	Severity   NoteSeverity
	ExternalID string
	Message    string
}

// Result is one account's processing outcome.
type Result struct {
	Transactions    []domain.Transaction
	ProcessedRawIDs []int64
	Notes           []Note
}

// Processor consumes every pending raw record for one account and
// produces canonical Transactions, grouped and classified per §4.8.
type Processor interface {
	// Process loads accountID's pending raw records, groups them by the
	// source's correlation key, classifies each group's fund flow, and
	// returns the canonical Transactions it would persist. It does not
	// write anything itself — Run does, so that the all-or-nothing save
	// contract lives in one place shared by every source.
	Process(ctx context.Context, accountID string) (*Result, error)
}

// Run executes p against accountID and persists the result in one
// all-or-nothing write, per §4.8: "if any transaction fails to save,
// the processor aborts the whole account run... keeping raws pending
// for a retry." A failed SaveTransactions therefore leaves every raw
// row for this account untouched, safe to reprocess later.
func Run(ctx context.Context, store *persistence.Store, p Processor, accountID string) (*Result, error) {
	result, err := p.Process(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if len(result.Transactions) == 0 {
		return result, nil
	}
	if err := store.SaveTransactions(ctx, stampProcessedAt(result.Transactions), result.ProcessedRawIDs); err != nil {
		return nil, err
	}
	return result, nil
}

func stampProcessedAt(txs []domain.Transaction) []domain.Transaction {
	now := time.Now()
	for i := range txs {
		txs[i].ProcessedAt = now
	}
	return txs
}
