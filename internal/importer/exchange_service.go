package importer

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/exitbook/ingestion/internal/coreerrors"
	"github.com/exitbook/ingestion/internal/domain"
	"github.com/exitbook/ingestion/internal/persistence"
	"github.com/exitbook/ingestion/internal/sourceclient/exchange"
)

// ExchangeService runs the same at-least-once, idempotent-dedup import
// protocol as Service, against an exchange.Batch stream instead of a
// provider.StreamBatch one — exchange clients yield normalized
// domain.ExchangeLedgerEntry rows directly rather than going through
// the provider.Manager's failover/streaming machinery, since an
// exchange account has exactly one source (no multi-provider
// failover applies to credentialed REST access or a CSV export).
type ExchangeService struct {
	store *persistence.Store
	log   *zap.SugaredLogger
}

// NewExchangeService constructs an ExchangeService.
func NewExchangeService(store *persistence.Store, log *zap.SugaredLogger) *ExchangeService {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &ExchangeService{store: store, log: log}
}

// ImportAPI drains client.StreamAPI for account, committing each batch
// as it arrives.
func (s *ExchangeService) ImportAPI(ctx context.Context, client *exchange.KrakenClient, account domain.Account, creds exchange.Credentials) (domain.ImportSession, error) {
	existingCursor, cursorErr := s.store.GetCursor(ctx, account.ID, client.Name())
	var startCursor map[string]any
	if cursorErr == nil {
		startCursor = existingCursor.Value
	} else if cursorErr != persistence.ErrNotFound {
		return domain.ImportSession{}, fmt.Errorf("load cursor: %w", cursorErr)
	}

	out, errs := client.StreamAPI(ctx, creds, startCursor)
	return s.run(ctx, client.Name(), account, out, errs)
}

// ImportCSV drains client.StreamCSV for account from r.
func (s *ExchangeService) ImportCSV(ctx context.Context, client *exchange.KrakenClient, account domain.Account, r io.Reader) (domain.ImportSession, error) {
	out, errs := client.StreamCSV(ctx, r)
	return s.run(ctx, client.Name(), account, out, errs)
}

func (s *ExchangeService) run(ctx context.Context, providerName string, account domain.Account, out <-chan exchange.Batch, errs <-chan error) (session domain.ImportSession, err error) {
	session = domain.ImportSession{
		ID:        newSessionID(),
		AccountID: account.ID,
		Provider:  providerName,
		Status:    domain.ImportSessionRunning,
		StartedAt: time.Now(),
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return session, fmt.Errorf("create session: %w", err)
	}

	var lastBatch exchange.Batch
	for batch := range out {
		lastBatch = batch
		records := entriesToRaw(account.ID, providerName, batch.Entries)
		cursor := domain.CursorState{
			AccountID:         account.ID,
			Provider:          providerName,
			Type:              inferCursorType(batch.Cursor),
			Value:             batch.Cursor,
			LastTransactionID: lastEventID(records),
			IsComplete:        batch.Done,
			UpdatedAt:         time.Now(),
		}

		inserted, insertErr := s.store.ImportRawBatch(ctx, session.ID, cursor, records)
		if insertErr != nil {
			session.Status = domain.ImportSessionFailed
			recordErr := s.store.AppendSessionError(ctx, session.ID, domain.ImportSessionError{OccurredAt: time.Now(), Message: insertErr.Error(), Retryable: true})
			finishErr := s.store.FinishSession(ctx, session.ID, session.Status, time.Now(), session.Metadata)
			return session, multierr.Combine(fmt.Errorf("import raw batch: %w", insertErr), recordErr, finishErr)
		}
		session.RecordsFetched += len(batch.Entries)
		session.RecordsStored += inserted
	}

	streamErr := <-errs
	finishedAt := time.Now()

	switch {
	case streamErr == nil:
		session.Status = domain.ImportSessionCompleted
	case ctx.Err() != nil:
		session.Status = domain.ImportSessionCancelled
	case lastBatch.Partial:
		// Commit-partial-and-stop per spec.md §4.6: the partial batch was
		// already committed above, the session still ends failed so the
		// caller knows to investigate and retry from the advanced cursor.
		session.Status = domain.ImportSessionFailed
		if err := s.store.AppendSessionError(ctx, session.ID, domain.ImportSessionError{OccurredAt: finishedAt, Message: streamErr.Error(), Retryable: coreerrors.IsRetryable(streamErr)}); err != nil {
			streamErr = multierr.Append(streamErr, fmt.Errorf("append session error: %w", err))
		}
	default:
		session.Status = domain.ImportSessionFailed
		if err := s.store.AppendSessionError(ctx, session.ID, domain.ImportSessionError{OccurredAt: finishedAt, Message: streamErr.Error(), Retryable: coreerrors.IsRetryable(streamErr)}); err != nil {
			streamErr = multierr.Append(streamErr, fmt.Errorf("append session error: %w", err))
		}
	}

	if err := s.store.MarkCursorComplete(ctx, account.ID, providerName, session.Status == domain.ImportSessionCompleted); err != nil {
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

func entriesToRaw(accountID, providerName string, entries []domain.ExchangeLedgerEntry) []domain.RawTransaction {
	records := make([]domain.RawTransaction, len(entries))
	for i, e := range entries {
		records[i] = domain.RawTransaction{
			AccountID:  accountID,
			EventID:    e.ID,
			Provider:   providerName,
			Payload:    map[string]any{"entry": e},
			ObservedAt: e.Timestamp,
		}
	}
	return records
}
