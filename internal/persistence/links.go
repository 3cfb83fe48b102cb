package persistence

import (
	"context"
	"fmt"

	"github.com/exitbook/ingestion/internal/domain"
)

// ConfirmedLinksFor returns every confirmed TransactionLink touching
// txID, the edges internal/priceenrichment propagates prices across.
func (s *Store) ConfirmedLinksFor(ctx context.Context, txID int64) ([]domain.TransactionLink, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, transaction_a_id, transaction_b_id, confirmed, created_at
		FROM transaction_links
		WHERE confirmed AND (transaction_a_id = $1 OR transaction_b_id = $1)`, txID)
	if err != nil {
		return nil, fmt.Errorf("list confirmed links for transaction %d: %w", txID, err)
	}
	defer rows.Close()

	var out []domain.TransactionLink
	for rows.Next() {
		var l domain.TransactionLink
		if err := rows.Scan(&l.ID, &l.TransactionAID, &l.TransactionBID, &l.Confirmed, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// UpsertLink inserts a link, leaving an existing (a, b) pair
// untouched — confirmation state is updated explicitly via
// ConfirmLink, not by re-running UpsertLink.
func (s *Store) UpsertLink(ctx context.Context, link domain.TransactionLink) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transaction_links (transaction_a_id, transaction_b_id, confirmed, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (transaction_a_id, transaction_b_id) DO NOTHING`,
		link.TransactionAID, link.TransactionBID, link.Confirmed, link.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert link %d-%d: %w", link.TransactionAID, link.TransactionBID, err)
	}
	return nil
}

// ConfirmLink marks an existing link confirmed.
func (s *Store) ConfirmLink(ctx context.Context, linkID int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE transaction_links SET confirmed = true WHERE id = $1`, linkID)
	if err != nil {
		return fmt.Errorf("confirm link %d: %w", linkID, err)
	}
	return nil
}
