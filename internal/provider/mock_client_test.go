package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/exitbook/ingestion/internal/domain"
)

// mockClient is a configurable Client for exercising Registry/Manager
// without a network dependency, mirroring the chain adapter's mock RPC
// client style (configured responses/errors keyed by call, plus a call
// counter).
type mockClient struct {
	mu         sync.Mutex
	name       string
	fetchErr   error
	fetchBatch StreamBatch
	streamErr  error
	batches    []StreamBatch
	calls      int
}

func newMockClient(name string) *mockClient {
	return &mockClient{name: name}
}

func (m *mockClient) Name() string { return m.name }

func (m *mockClient) Fetch(ctx context.Context, accountIdentifier string, cursor StreamCursor) (StreamBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fetchErr != nil {
		return StreamBatch{}, m.fetchErr
	}
	return m.fetchBatch, nil
}

func (m *mockClient) Stream(ctx context.Context, accountIdentifier string, cursor StreamCursor) (<-chan StreamBatch, <-chan error) {
	out := make(chan StreamBatch, len(m.batches))
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)
		for _, b := range m.batches {
			select {
			case out <- b:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if m.streamErr != nil {
			errs <- m.streamErr
		}
	}()

	return out, errs
}

func (m *mockClient) SetFetchError(err error) { m.fetchErr = err }
func (m *mockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func registerMock(r *Registry, meta Metadata, client *mockClient) error {
	return r.Register(meta, func(cfg ProviderConfig) (Client, error) {
		return client, nil
	})
}

var errMockProviderDown = fmt.Errorf("mock provider unavailable")

func mkRawTx(accountID, eventID string) domain.RawTransaction {
	return domain.RawTransaction{AccountID: accountID, EventID: eventID}
}
