package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/exitbook/ingestion/internal/domain"
)

// ErrNotFound is returned by single-row lookups that find no match.
var ErrNotFound = errors.New("persistence: not found")

// UpsertAccount inserts account or, if its id already exists, leaves
// the row untouched — accounts are created once and never mutated by
// re-import.
//
// Contract:
//   - MUST be idempotent: calling twice with the same id is a no-op the
//     second time.
func (s *Store) UpsertAccount(ctx context.Context, account domain.Account) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (id, source, source_kind, category, identifier, parent_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		account.ID, account.Source, account.SourceKind, account.Category, account.Identifier, nullableID(account.ParentID), account.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert account %s: %w", account.ID, err)
	}
	return nil
}

// GetAccount returns ErrNotFound if id does not exist.
func (s *Store) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	var a domain.Account
	var parentID *string
	err := s.pool.QueryRow(ctx, `
		SELECT id, source, source_kind, category, identifier, parent_id, created_at
		FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.Source, &a.SourceKind, &a.Category, &a.Identifier, &parentID, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, ErrNotFound
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("get account %s: %w", id, err)
	}
	if parentID != nil {
		a.ParentID = *parentID
	}
	return a, nil
}

// ChildAccounts returns every account whose parent_id is parentID, the
// derived addresses of an xpub fan-out.
func (s *Store) ChildAccounts(ctx context.Context, parentID string) ([]domain.Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, source, source_kind, category, identifier, parent_id, created_at
		FROM accounts WHERE parent_id = $1 ORDER BY id`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list child accounts of %s: %w", parentID, err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		var a domain.Account
		var pid *string
		if err := rows.Scan(&a.ID, &a.Source, &a.SourceKind, &a.Category, &a.Identifier, &pid, &a.CreatedAt); err != nil {
			return nil, err
		}
		if pid != nil {
			a.ParentID = *pid
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetCursor returns the zero CursorState and ErrNotFound if no cursor
// has been recorded yet for (accountID, provider).
func (s *Store) GetCursor(ctx context.Context, accountID, provider string) (domain.CursorState, error) {
	var cs domain.CursorState
	var cursorType string
	var raw, rawAlternatives []byte
	err := s.pool.QueryRow(ctx, `
		SELECT account_id, provider, type, value, alternatives, last_transaction_id, total_fetched, is_complete, updated_at
		FROM cursor_states WHERE account_id = $1 AND provider = $2`, accountID, provider).
		Scan(&cs.AccountID, &cs.Provider, &cursorType, &raw, &rawAlternatives, &cs.LastTransactionID, &cs.TotalFetched, &cs.IsComplete, &cs.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CursorState{}, ErrNotFound
	}
	if err != nil {
		return domain.CursorState{}, fmt.Errorf("get cursor for %s/%s: %w", accountID, provider, err)
	}
	cs.Type = domain.CursorType(cursorType)
	if err := json.Unmarshal(raw, &cs.Value); err != nil {
		return domain.CursorState{}, fmt.Errorf("decode cursor value: %w", err)
	}
	if len(rawAlternatives) > 0 {
		if err := json.Unmarshal(rawAlternatives, &cs.Alternatives); err != nil {
			return domain.CursorState{}, fmt.Errorf("decode cursor alternatives: %w", err)
		}
	}
	return cs, nil
}

// AccountsWithPendingRaw returns every account that has at least one
// unprocessed raw record, the working set for ProcessAllPending.
func (s *Store) AccountsWithPendingRaw(ctx context.Context) ([]domain.Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT a.id, a.source, a.source_kind, a.category, a.identifier, a.parent_id, a.created_at
		FROM accounts a
		JOIN raw_transactions r ON r.account_id = a.id
		WHERE NOT r.processed
		ORDER BY a.id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts with pending raw transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		var a domain.Account
		var pid *string
		if err := rows.Scan(&a.ID, &a.Source, &a.SourceKind, &a.Category, &a.Identifier, &pid, &a.CreatedAt); err != nil {
			return nil, err
		}
		if pid != nil {
			a.ParentID = *pid
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkCursorComplete sets the recorded cursor's is_complete flag for
// (accountID, provider), a no-op if no cursor row exists yet (nothing
// was ever committed, so there is nothing to mark). Called once a
// session reaches its terminal status, so is_complete reflects the
// session's own verdict rather than just the last batch's Done flag.
func (s *Store) MarkCursorComplete(ctx context.Context, accountID, provider string, complete bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE cursor_states SET is_complete = $3 WHERE account_id = $1 AND provider = $2`,
		accountID, provider, complete)
	if err != nil {
		return fmt.Errorf("mark cursor complete for %s/%s: %w", accountID, provider, err)
	}
	return nil
}

func nullableID(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}
