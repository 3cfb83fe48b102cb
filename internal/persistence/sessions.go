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

// CreateSession inserts a new session with the status the caller set on
// it; the import services open sessions as ImportSessionRunning
// ("running").
func (s *Store) CreateSession(ctx context.Context, session domain.ImportSession) error {
	metadata, err := json.Marshal(session.Metadata)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO import_sessions (id, account_id, provider, status, started_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		session.ID, session.AccountID, session.Provider, session.Status, session.StartedAt, metadata)
	if err != nil {
		return fmt.Errorf("create session %s: %w", session.ID, err)
	}
	return nil
}

// FinishSession records a session's terminal status, finish time, and
// metadata in one statement; it does not write the record counters.
func (s *Store) FinishSession(ctx context.Context, sessionID string, status domain.ImportSessionStatus, finishedAt time.Time, metadata domain.ImportResultMetadata) error {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE import_sessions SET status = $2, finished_at = $3, metadata = $4
		WHERE id = $1`, sessionID, status, finishedAt, raw)
	if err != nil {
		return fmt.Errorf("finish session %s: %w", sessionID, err)
	}
	return nil
}

// AppendSessionError records one error against a session without
// altering its status, used for partial-batch failures that still
// need a terminal status transition decided by the caller.
func (s *Store) AppendSessionError(ctx context.Context, sessionID string, sessErr domain.ImportSessionError) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO import_session_errors (session_id, occurred_at, message, retryable)
		VALUES ($1, $2, $3, $4)`, sessionID, sessErr.OccurredAt, sessErr.Message, sessErr.Retryable)
	if err != nil {
		return fmt.Errorf("append session error for %s: %w", sessionID, err)
	}
	return nil
}

// GetSession returns ErrNotFound if id does not exist.
func (s *Store) GetSession(ctx context.Context, id string) (domain.ImportSession, error) {
	var sess domain.ImportSession
	var metadataRaw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, account_id, provider, status, started_at, finished_at, records_fetched, records_stored, metadata
		FROM import_sessions WHERE id = $1`, id).
		Scan(&sess.ID, &sess.AccountID, &sess.Provider, &sess.Status, &sess.StartedAt, &sess.FinishedAt, &sess.RecordsFetched, &sess.RecordsStored, &metadataRaw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ImportSession{}, ErrNotFound
	}
	if err != nil {
		return domain.ImportSession{}, fmt.Errorf("get session %s: %w", id, err)
	}
	if err := json.Unmarshal(metadataRaw, &sess.Metadata); err != nil {
		return domain.ImportSession{}, fmt.Errorf("decode session metadata: %w", err)
	}
	return sess, nil
}
