// Package overrides is a thin, append-only service layer over
// internal/persistence's overrides table, grounded on
// internal/services/audit/logger.go's NDJSON-append-with-fsync idiom
// conceptually (append, never edit or delete) but persisted
// relationally rather than to a flat file, since overrides must
// survive alongside the rest of the ledger.
package overrides

import (
	"context"
	"time"

	"github.com/exitbook/ingestion/internal/domain"
	"github.com/exitbook/ingestion/internal/persistence"
)

// Service folds the append-only override log into an effective,
// last-write-wins view per (transaction pair, asset, field).
type Service struct {
	store *persistence.Store
}

// NewService constructs a Service.
func NewService(store *persistence.Store) *Service {
	return &Service{store: store}
}

// Record appends a correction for the pair (a, b) — e.g. "these two
// are not linked" (field "linked", value "false") or "use this price
// instead" (field "price", value a decimal string). createdBy
// identifies the operator or process making the correction.
func (s *Service) Record(ctx context.Context, a, b domain.TransactionRef, assetSymbol, field, value, createdBy string) error {
	return s.store.AppendOverride(ctx, domain.OverrideEvent{
		Fingerprint: domain.Fingerprint(a, b, assetSymbol),
		AssetSymbol: assetSymbol,
		Field:       field,
		Value:       value,
		CreatedAt:   time.Now(),
		CreatedBy:   createdBy,
	})
}

// Effective returns the current value of every field overridden for
// (a, b, assetSymbol), folding the append-only log with last-write-wins
// semantics — OverridesForFingerprint already returns events oldest
// first, so a later iteration simply replaces an earlier one.
func (s *Service) Effective(ctx context.Context, a, b domain.TransactionRef, assetSymbol string) (map[string]string, error) {
	fingerprint := domain.Fingerprint(a, b, assetSymbol)
	events, err := s.store.OverridesForFingerprint(ctx, fingerprint)
	if err != nil {
		return nil, err
	}

	fields := make(map[string]string, len(events))
	for _, ev := range events {
		fields[ev.Field] = ev.Value
	}
	return fields, nil
}

// History returns every recorded event for (a, b, assetSymbol) in
// chronological order, the full audit trail behind Effective's folded
// view.
func (s *Service) History(ctx context.Context, a, b domain.TransactionRef, assetSymbol string) ([]domain.OverrideEvent, error) {
	return s.store.OverridesForFingerprint(ctx, domain.Fingerprint(a, b, assetSymbol))
}
