package importer

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/exitbook/ingestion/internal/coreerrors"
	"github.com/exitbook/ingestion/internal/domain"
	"github.com/exitbook/ingestion/internal/persistence"
	"github.com/exitbook/ingestion/internal/provider"
)

// Service implements spec.md §4.7's at-least-once, idempotent-dedup
// import protocol against one resolved account at a time.
type Service struct {
	store   *persistence.Store
	manager *provider.Manager
	log     *zap.SugaredLogger
}

// NewService constructs a Service.
func NewService(store *persistence.Store, manager *provider.Manager, log *zap.SugaredLogger) *Service {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Service{store: store, manager: manager, log: log}
}

// ImportAccount runs one session to completion against account,
// following spec.md §4.7's five termination cases.
func (s *Service) ImportAccount(ctx context.Context, chain string, account domain.Account) (session domain.ImportSession, err error) {
	session = domain.ImportSession{
		ID:        newSessionID(),
		AccountID: account.ID,
		Provider:  chain,
		Status:    domain.ImportSessionRunning,
		StartedAt: time.Now(),
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return session, fmt.Errorf("create session: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			session.Status = domain.ImportSessionFailed
			finishErr := s.store.FinishSession(ctx, session.ID, session.Status, time.Now(), session.Metadata)
			panicErr := coreerrors.New(coreerrors.ErrCodeInvariantViolation,
				fmt.Sprintf("panic during import: %v\n%s", r, debug.Stack()), coreerrors.KindInternalInvariant)
			err = multierr.Append(panicErr, finishErr)
		}
	}()

	existingCursor, cursorErr := s.store.GetCursor(ctx, account.ID, chain)
	var startCursor provider.StreamCursor
	if cursorErr == nil {
		startCursor = provider.StreamCursor(existingCursor.Value)
	} else if cursorErr != persistence.ErrNotFound {
		session.Status = domain.ImportSessionFailed
		finishErr := s.store.FinishSession(ctx, session.ID, session.Status, time.Now(), session.Metadata)
		return session, multierr.Append(fmt.Errorf("load cursor: %w", cursorErr), finishErr)
	}

	out, errs := s.manager.ExecuteStreaming(ctx, chain, account.Identifier, startCursor)

	var lastProvider string
	for result := range out {
		lastProvider = result.ProviderUsed
		cursor := domain.CursorState{
			AccountID:         account.ID,
			Provider:          chain,
			Type:              inferCursorType(result.Batch.Cursor),
			Value:             result.Batch.Cursor,
			LastTransactionID: lastEventID(result.Batch.Records),
			IsComplete:        result.Batch.Done,
			UpdatedAt:         time.Now(),
		}

		inserted, insertErr := s.store.ImportRawBatch(ctx, session.ID, cursor, result.Batch.Records)
		if insertErr != nil {
			session.Status = domain.ImportSessionFailed
			recordErr := s.store.AppendSessionError(ctx, session.ID, domain.ImportSessionError{OccurredAt: time.Now(), Message: insertErr.Error(), Retryable: true})
			finishErr := s.store.FinishSession(ctx, session.ID, session.Status, time.Now(), session.Metadata)
			return session, multierr.Combine(fmt.Errorf("import raw batch: %w", insertErr), recordErr, finishErr)
		}
		session.RecordsFetched += len(result.Batch.Records)
		session.RecordsStored += inserted
	}

	streamErr := <-errs
	finishedAt := time.Now()
	session.Metadata.ProvidersUsed = appendUnique(session.Metadata.ProvidersUsed, lastProvider)

	switch {
	case streamErr == nil:
		session.Status = domain.ImportSessionCompleted
	case ctx.Err() != nil:
		session.Status = domain.ImportSessionCancelled
	default:
		session.Status = domain.ImportSessionFailed
		if err := s.store.AppendSessionError(ctx, session.ID, domain.ImportSessionError{OccurredAt: finishedAt, Message: streamErr.Error(), Retryable: coreerrors.IsRetryable(streamErr)}); err != nil {
			streamErr = multierr.Append(streamErr, fmt.Errorf("append session error: %w", err))
		}
	}

	if err := s.store.MarkCursorComplete(ctx, account.ID, chain, session.Status == domain.ImportSessionCompleted); err != nil {
		streamErr = multierr.Append(streamErr, fmt.Errorf("mark cursor complete: %w", err))
	}
	if err := s.store.FinishSession(ctx, session.ID, session.Status, finishedAt, session.Metadata); err != nil {
		return session, multierr.Append(streamErr, fmt.Errorf("finish session: %w", err))
	}
	if session.Status == domain.ImportSessionFailed || session.Status == domain.ImportSessionCancelled {
		return session, streamErr
	}
	return session, nil
}

// ImportMany runs ImportAccount across accounts concurrently, bounded
// by concurrencyLimit (values below 1 mean 1; the api facade passes
// len(accounts)), using golang.org/x/sync/errgroup for the
// concurrency limiting only — not for error propagation. Per spec.md
// line 193, per-child errors during xpub fan-out are aggregated rather
// than aborting siblings: each child runs against ctx directly (never
// errgroup.WithContext's derived, sibling-cancelling context), so one
// bad child account doesn't tear down in-flight imports for unrelated
// children that would otherwise have committed.
func (s *Service) ImportMany(ctx context.Context, chain string, accounts []domain.Account, concurrencyLimit int) ([]domain.ImportSession, error) {
	if concurrencyLimit <= 0 {
		concurrencyLimit = 1
	}

	sessions := make([]domain.ImportSession, len(accounts))
	var (
		g         errgroup.Group
		mu        sync.Mutex
		combined  error
		completed int
	)
	g.SetLimit(concurrencyLimit)

	for i, account := range accounts {
		i, account := i, account
		g.Go(func() error {
			session, err := s.ImportAccount(ctx, chain, account)
			sessions[i] = session

			mu.Lock()
			defer mu.Unlock()
			if session.Status == domain.ImportSessionCompleted {
				completed++
			}
			if err != nil {
				combined = multierr.Append(combined, fmt.Errorf("account %s: %w", account.ID, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	if combined == nil {
		return sessions, nil
	}
	if completed == 0 {
		return sessions, combined
	}
	s.log.Warnw("xpub fan-out had per-child failures but at least one child committed",
		"chain", chain, "completed", completed, "total", len(accounts), "error", combined)
	return sessions, nil
}

func appendUnique(providers []string, p string) []string {
	if p == "" {
		return providers
	}
	for _, existing := range providers {
		if existing == p {
			return providers
		}
	}
	return append(providers, p)
}
