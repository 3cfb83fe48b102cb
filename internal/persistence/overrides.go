package persistence

import (
	"context"
	"fmt"

	"github.com/exitbook/ingestion/internal/domain"
)

// AppendOverride inserts ev. Overrides are append-only: corrections
// are recorded as new rows, never edits to an existing one, so a full
// audit trail of operator corrections survives re-derivation.
func (s *Store) AppendOverride(ctx context.Context, ev domain.OverrideEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO overrides (fingerprint, asset_symbol, field, value, created_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.Fingerprint, ev.AssetSymbol, ev.Field, ev.Value, ev.CreatedAt, ev.CreatedBy)
	if err != nil {
		return fmt.Errorf("append override: %w", err)
	}
	return nil
}

// OverridesForFingerprint returns every override recorded against
// fingerprint, oldest first, so the caller can fold them in order and
// have the last write win per field.
func (s *Store) OverridesForFingerprint(ctx context.Context, fingerprint string) ([]domain.OverrideEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, fingerprint, asset_symbol, field, value, created_at, created_by
		FROM overrides WHERE fingerprint = $1 ORDER BY created_at`, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("list overrides for %s: %w", fingerprint, err)
	}
	defer rows.Close()

	var out []domain.OverrideEvent
	for rows.Next() {
		var ev domain.OverrideEvent
		if err := rows.Scan(&ev.ID, &ev.Fingerprint, &ev.AssetSymbol, &ev.Field, &ev.Value, &ev.CreatedAt, &ev.CreatedBy); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
