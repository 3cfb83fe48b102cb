package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/exitbook/ingestion/internal/domain"
)

// ImportRawBatch inserts records, deduping by (account_id, event_id),
// advances the account's cursor for provider, and increments the
// session's counters, all inside one transaction guarded by a
// transaction-scoped Postgres advisory lock.
//
// Contract:
//   - The advisory lock (keyed by hashtext(accountID)) serializes
//     concurrent imports of the same account so cursor writes stay
//     monotonic, per spec.md §4.7's ordering guarantee; it is released
//     automatically when the transaction ends.
//   - A conflicting raw row (already inserted by a racing run) is
//     treated as a no-op, not an error.
//   - Returns the count of rows actually inserted (excludes conflicts),
//     distinct from len(records).
func (s *Store) ImportRawBatch(ctx context.Context, sessionID string, cursor domain.CursorState, records []domain.RawTransaction) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin import batch tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, cursor.AccountID); err != nil {
		return 0, fmt.Errorf("acquire advisory lock for %s: %w", cursor.AccountID, err)
	}

	inserted := 0
	for _, rec := range records {
		payload, err := json.Marshal(rec.Payload)
		if err != nil {
			return 0, fmt.Errorf("marshal payload for event %s: %w", rec.EventID, err)
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO raw_transactions (account_id, event_id, provider, payload, observed_at, session_id)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (account_id, event_id) DO NOTHING`,
			rec.AccountID, rec.EventID, rec.Provider, payload, observedAtOrNil(rec), sessionID)
		if err != nil {
			return 0, fmt.Errorf("insert raw transaction %s/%s: %w", rec.AccountID, rec.EventID, err)
		}
		inserted += int(tag.RowsAffected())
	}

	cursorValue, err := json.Marshal(cursor.Value)
	if err != nil {
		return 0, fmt.Errorf("marshal cursor value: %w", err)
	}
	alternatives := cursor.Alternatives
	if alternatives == nil {
		alternatives = map[domain.CursorType]map[string]any{}
	}
	cursorAlternatives, err := json.Marshal(alternatives)
	if err != nil {
		return 0, fmt.Errorf("marshal cursor alternatives: %w", err)
	}
	// total_fetched accumulates across batches: this batch contributes
	// len(records); cursor.TotalFetched is not read here.
	if _, err := tx.Exec(ctx, `
		INSERT INTO cursor_states (account_id, provider, type, value, alternatives, last_transaction_id, total_fetched, is_complete, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (account_id, provider) DO UPDATE SET
			type = EXCLUDED.type,
			value = EXCLUDED.value,
			alternatives = EXCLUDED.alternatives,
			last_transaction_id = EXCLUDED.last_transaction_id,
			total_fetched = cursor_states.total_fetched + EXCLUDED.total_fetched,
			is_complete = EXCLUDED.is_complete,
			updated_at = EXCLUDED.updated_at`,
		cursor.AccountID, cursor.Provider, string(cursor.Type), cursorValue, cursorAlternatives,
		cursor.LastTransactionID, len(records), cursor.IsComplete, cursor.UpdatedAt); err != nil {
		return 0, fmt.Errorf("advance cursor for %s/%s: %w", cursor.AccountID, cursor.Provider, err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE import_sessions SET records_fetched = records_fetched + $2, records_stored = records_stored + $3
		WHERE id = $1`, sessionID, len(records), inserted); err != nil {
		return 0, fmt.Errorf("update session counters for %s: %w", sessionID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit import batch tx: %w", err)
	}
	return inserted, nil
}

func observedAtOrNil(rec domain.RawTransaction) any {
	if rec.ObservedAt.IsZero() {
		return nil
	}
	return rec.ObservedAt
}

// PendingRawTransactions returns every unprocessed raw row for
// accountID, ordered by id so the processor groups correlated rows
// (e.g. an EVM transaction's normal/internal/token legs) in arrival
// order.
func (s *Store) PendingRawTransactions(ctx context.Context, accountID string) ([]domain.RawTransaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, event_id, provider, payload, observed_at, imported_at, session_id
		FROM raw_transactions WHERE account_id = $1 AND NOT processed ORDER BY id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list pending raw transactions for %s: %w", accountID, err)
	}
	defer rows.Close()

	var out []domain.RawTransaction
	for rows.Next() {
		var rec domain.RawTransaction
		var payload []byte
		var observedAt *time.Time
		if err := rows.Scan(&rec.ID, &rec.AccountID, &rec.EventID, &rec.Provider, &payload, &observedAt, &rec.ImportedAt, &rec.SessionID); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &rec.Payload); err != nil {
			return nil, fmt.Errorf("decode payload for raw transaction %d: %w", rec.ID, err)
		}
		if observedAt != nil {
			rec.ObservedAt = *observedAt
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkRawTransactionsProcessed flips processed=true for ids in one
// statement, the bulk mark spec.md §4.8 requires after a successful
// processor run.
func (s *Store) MarkRawTransactionsProcessed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `UPDATE raw_transactions SET processed = true WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("mark raw transactions processed: %w", err)
	}
	return nil
}
