package provider

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/exitbook/ingestion/internal/coreerrors"
	"github.com/exitbook/ingestion/internal/domain"
	"github.com/exitbook/ingestion/internal/instrumentation"
)

// ManagerConfig tunes a Manager's streaming dedup window.
type ManagerConfig struct {
	// DedupWindow bounds the LRU set of recently emitted eventIds used
	// to suppress duplicates when a failover resumes from a cursor
	// that overlaps the previous provider's last-emitted batch. Zero or
	// negative selects defaultDedupWindow (5000); the size is not
	// derived from any provider's replay window.
	DedupWindow int
}

const defaultDedupWindow = 5000

// Manager resolves and drives Clients for a chain, providing
// single-shot failover (ExecuteWithFailover) and streaming with
// cursor-preserving failover (ExecuteStreaming).
type Manager struct {
	registry *Registry
	instr    *instrumentation.Recorder
	cfg      ManagerConfig
}

// NewManager constructs a Manager bound to registry.
func NewManager(registry *Registry, instr *instrumentation.Recorder, cfg ManagerConfig) *Manager {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = defaultDedupWindow
	}
	return &Manager{registry: registry, instr: instr, cfg: cfg}
}

// Result is the outcome of a single-shot failover call.
type Result struct {
	Batch        StreamBatch
	ProviderUsed string
}

// ExecuteWithFailover tries every eligible provider for chain in
// priority order, returning the first success. Every attempt is
// recorded for instrumentation; on full exhaustion the returned error
// is KindAllProvidersFailed with one Details entry per attempted
// provider.
func (m *Manager) ExecuteWithFailover(ctx context.Context, chain, accountIdentifier string, cursor StreamCursor) (*Result, error) {
	clients, err := m.registry.OrderedClients(chain)
	if err != nil {
		return nil, err
	}

	attempts := make(map[string]string)
	for i, client := range clients {
		if i > 0 {
			m.instr.IncFailovers(chain)
		}
		batch, err := client.Fetch(ctx, accountIdentifier, cursor)
		if err == nil {
			return &Result{Batch: batch, ProviderUsed: client.Name()}, nil
		}
		attempts[client.Name()] = err.Error()
	}

	details := make(map[string]any, len(attempts))
	for k, v := range attempts {
		details[k] = v
	}
	return nil, coreerrors.New(coreerrors.ErrCodeAllProvidersFailed,
		fmt.Sprintf("all providers failed for chain %s", chain), coreerrors.KindAllProvidersFailed).WithDetails(details)
}

// StreamResult pairs a StreamBatch with the provider that produced it,
// deduplicated against previously emitted records.
type StreamResult struct {
	Batch        StreamBatch
	ProviderUsed string
}

// ExecuteStreaming drives providers in priority order, forwarding
// batches on the returned channel until the source is exhausted or ctx
// is cancelled. If the active provider's stream errors mid-flight, the
// manager fails over to the next provider, resuming from the last
// cursor it observed — records whose eventId was already emitted by
// the failed provider are suppressed via a bounded LRU so the replay
// window doesn't produce visible duplicates downstream.
func (m *Manager) ExecuteStreaming(ctx context.Context, chain, accountIdentifier string, startCursor StreamCursor) (<-chan StreamResult, <-chan error) {
	out := make(chan StreamResult)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		clients, err := m.registry.OrderedClients(chain)
		if err != nil {
			errs <- err
			return
		}

		seen, _ := lru.New[string, struct{}](m.cfg.DedupWindow)
		cursor := startCursor

		for i, client := range clients {
			if i > 0 {
				m.instr.IncFailovers(chain)
			}

			batches, clientErrs := client.Stream(ctx, accountIdentifier, cursor)
			exhausted, lastCursor, streamErr := m.drain(ctx, client.Name(), batches, clientErrs, seen, out, &cursor)
			cursor = lastCursor

			if streamErr != nil {
				if ctx.Err() != nil {
					errs <- coreerrors.Wrap(coreerrors.ErrCodeCancelled, "streaming cancelled", coreerrors.KindCancellation, ctx.Err())
					return
				}
				if i == len(clients)-1 {
					errs <- coreerrors.Wrap(coreerrors.ErrCodeAllProvidersFailed, "all providers failed while streaming", coreerrors.KindAllProvidersFailed, streamErr)
					return
				}
				continue // fail over to next client
			}
			if exhausted {
				return
			}
		}
	}()

	return out, errs
}

func (m *Manager) drain(ctx context.Context, providerName string, batches <-chan StreamBatch, clientErrs <-chan error, seen *lru.Cache[string, struct{}], out chan<- StreamResult, cursor *StreamCursor) (bool, StreamCursor, error) {
	current := *cursor
	for {
		select {
		case <-ctx.Done():
			return false, current, ctx.Err()
		case batch, ok := <-batches:
			if !ok {
				// A client sends its stream error (if any) before closing
				// the batch channel, so the error is read only after every
				// batch it emitted has been forwarded.
				select {
				case err, ok := <-clientErrs:
					if ok && err != nil {
						return false, current, err
					}
				case <-ctx.Done():
					return false, current, ctx.Err()
				}
				return true, current, nil
			}

			filtered := make([]domain.RawTransaction, 0, len(batch.Records))
			for _, rec := range batch.Records {
				key := rec.AccountID + "|" + rec.EventID
				if _, dup := seen.Get(key); dup {
					continue
				}
				seen.Add(key, struct{}{})
				filtered = append(filtered, rec)
			}
			batch.Records = filtered
			current = batch.Cursor

			select {
			case out <- StreamResult{Batch: batch, ProviderUsed: providerName}:
			case <-ctx.Done():
				return false, current, ctx.Err()
			}

			if batch.Done {
				return true, current, nil
			}
		}
	}
}
