package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/exitbook/ingestion/internal/domain"
)

// SaveTransactions inserts txs and marks sourceRawIDs processed in one
// transaction. Per spec.md §4.8, if any transaction fails to save the
// whole account run aborts and raws stay pending for a retry — a
// partial commit here would let the remaining pending raws be
// reprocessed against an already-written partial canonical state.
func (s *Store) SaveTransactions(ctx context.Context, txs []domain.Transaction, sourceRawIDs []int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save transactions tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, t := range txs {
		movements, err := json.Marshal(t.Movements)
		if err != nil {
			return fmt.Errorf("marshal movements for %s: %w", t.ExternalID, err)
		}
		fees, err := json.Marshal(t.Fees)
		if err != nil {
			return fmt.Errorf("marshal fees for %s: %w", t.ExternalID, err)
		}
		rawEventIDs, err := json.Marshal(t.RawEventIDs)
		if err != nil {
			return fmt.Errorf("marshal raw event ids for %s: %w", t.ExternalID, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO transactions (account_id, source, external_id, operation, movements, fees, occurred_at, raw_event_ids, processed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (source, external_id) DO UPDATE SET
				movements = EXCLUDED.movements, fees = EXCLUDED.fees, raw_event_ids = EXCLUDED.raw_event_ids`,
			t.AccountID, t.Source, t.ExternalID, t.Operation, movements, fees, t.OccurredAt, rawEventIDs, t.ProcessedAt)
		if err != nil {
			return fmt.Errorf("save transaction %s: %w", t.ExternalID, err)
		}
	}

	if len(sourceRawIDs) > 0 {
		if _, err := tx.Exec(ctx, `UPDATE raw_transactions SET processed = true WHERE id = ANY($1)`, sourceRawIDs); err != nil {
			return fmt.Errorf("mark raw transactions processed: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save transactions tx: %w", err)
	}
	return nil
}

// GetTransactionByID returns ErrNotFound if no row matches, used by
// internal/priceenrichment to resolve the far side of a confirmed
// TransactionLink that falls outside the current unenriched batch.
func (s *Store) GetTransactionByID(ctx context.Context, id int64) (domain.Transaction, error) {
	var t domain.Transaction
	var movements, fees, rawEventIDs []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, account_id, source, external_id, operation, movements, fees, occurred_at, raw_event_ids, processed_at
		FROM transactions WHERE id = $1`, id).
		Scan(&t.ID, &t.AccountID, &t.Source, &t.ExternalID, &t.Operation, &movements, &fees, &t.OccurredAt, &rawEventIDs, &t.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Transaction{}, ErrNotFound
	}
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("get transaction %d: %w", id, err)
	}
	if err := json.Unmarshal(movements, &t.Movements); err != nil {
		return domain.Transaction{}, fmt.Errorf("decode movements: %w", err)
	}
	if err := json.Unmarshal(fees, &t.Fees); err != nil {
		return domain.Transaction{}, fmt.Errorf("decode fees: %w", err)
	}
	if err := json.Unmarshal(rawEventIDs, &t.RawEventIDs); err != nil {
		return domain.Transaction{}, fmt.Errorf("decode raw event ids: %w", err)
	}
	return t, nil
}

// GetTransactionByExternalID returns ErrNotFound if no row matches.
func (s *Store) GetTransactionByExternalID(ctx context.Context, source, externalID string) (domain.Transaction, error) {
	var t domain.Transaction
	var movements, fees, rawEventIDs []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, account_id, source, external_id, operation, movements, fees, occurred_at, raw_event_ids, processed_at
		FROM transactions WHERE source = $1 AND external_id = $2`, source, externalID).
		Scan(&t.ID, &t.AccountID, &t.Source, &t.ExternalID, &t.Operation, &movements, &fees, &t.OccurredAt, &rawEventIDs, &t.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Transaction{}, ErrNotFound
	}
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("get transaction %s/%s: %w", source, externalID, err)
	}
	if err := json.Unmarshal(movements, &t.Movements); err != nil {
		return domain.Transaction{}, fmt.Errorf("decode movements: %w", err)
	}
	if err := json.Unmarshal(fees, &t.Fees); err != nil {
		return domain.Transaction{}, fmt.Errorf("decode fees: %w", err)
	}
	if err := json.Unmarshal(rawEventIDs, &t.RawEventIDs); err != nil {
		return domain.Transaction{}, fmt.Errorf("decode raw event ids: %w", err)
	}
	return t, nil
}

// UnenrichedTransactions returns every transaction with enriched_at
// still null, the working set for internal/priceenrichment.
func (s *Store) UnenrichedTransactions(ctx context.Context) ([]domain.Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, source, external_id, operation, movements, fees, occurred_at, raw_event_ids, processed_at
		FROM transactions WHERE enriched_at IS NULL ORDER BY occurred_at`)
	if err != nil {
		return nil, fmt.Errorf("list unenriched transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		var movements, fees, rawEventIDs []byte
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Source, &t.ExternalID, &t.Operation, &movements, &fees, &t.OccurredAt, &rawEventIDs, &t.ProcessedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(movements, &t.Movements); err != nil {
			return nil, fmt.Errorf("decode movements for %s: %w", t.ExternalID, err)
		}
		if err := json.Unmarshal(fees, &t.Fees); err != nil {
			return nil, fmt.Errorf("decode fees for %s: %w", t.ExternalID, err)
		}
		if err := json.Unmarshal(rawEventIDs, &t.RawEventIDs); err != nil {
			return nil, fmt.Errorf("decode raw event ids for %s: %w", t.ExternalID, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTransactionMovements persists movements and fees (with their
// enriched prices) and stamps enrichedAt, called once per transaction
// per price-enrichment pass.
func (s *Store) UpdateTransactionMovements(ctx context.Context, txID int64, movements []domain.Movement, fees []domain.Fee, enrichedAt time.Time) error {
	movementsRaw, err := json.Marshal(movements)
	if err != nil {
		return fmt.Errorf("marshal movements for transaction %d: %w", txID, err)
	}
	feesRaw, err := json.Marshal(fees)
	if err != nil {
		return fmt.Errorf("marshal fees for transaction %d: %w", txID, err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE transactions SET movements = $2, fees = $3, enriched_at = $4 WHERE id = $1`,
		txID, movementsRaw, feesRaw, enrichedAt)
	if err != nil {
		return fmt.Errorf("update movements for transaction %d: %w", txID, err)
	}
	return nil
}
