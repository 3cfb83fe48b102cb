// Package provider implements the declarative provider registry,
// factory, and multi-provider failover/streaming manager that sits
// between internal/importer and the concrete blockchain/exchange
// clients in internal/sourceclient.
package provider

import (
	"context"
	"time"

	"github.com/exitbook/ingestion/internal/domain"
	"github.com/exitbook/ingestion/internal/ratelimit"
)

// Capabilities declares what an ingestion source can do. It is carried
// in Metadata only: neither Registry nor Manager reads it, so providers
// are not filtered by capability.
type Capabilities struct {
	SupportsStreaming bool
	SupportsCursor    bool
	AssetCategories   []domain.ChainCategory
}

// Metadata is the declarative description of a registered provider —
// the ingestion-core analogue of a BlockchainProvider's static
// identity, without tying the interface itself to blockchain-only
// operations.
type Metadata struct {
	Name            string
	DisplayName     string
	Chains          []string // source identifiers this provider serves, e.g. "ethereum", "bitcoin", "kraken"
	BaseURLByChain  map[string]string
	RequiresAPIKey  bool
	APIKeyEnvVar    string
	DefaultLimits   ratelimit.Limits
	DefaultTimeout  time.Duration
	DefaultRetries  uint64
	Priority        int // lower is tried first; order among equal values is not defined
	Capabilities    Capabilities
}

// StreamCursor is the opaque, provider-specific position a streaming
// client reports progress with. Any cursor construction or replay-window
// adjustment happens inside the owning sourceclient (e.g. the EVM
// client's cursorFromBlock), never here; Manager treats it as an opaque
// map suitable for persistence.
type StreamCursor map[string]any

// StreamBatch is one unit of work emitted by a streaming source
// client.
type StreamBatch struct {
	Records []domain.RawTransaction
	Cursor  StreamCursor
	// Done reports that the source has no more historical data and the
	// channel will close after this batch.
	Done bool
}

// Client is the shared contract every concrete source client
// (blockchain or exchange) implements. A single-shot Fetch and a
// streaming Stream both exist because some callers (balance probes
// during xpub fan-out) only need one page, while the import service
// always uses Stream.
type Client interface {
	Name() string
	// Fetch retrieves one page of records starting after cursor and
	// reports the cursor to resume from.
	Fetch(ctx context.Context, accountIdentifier string, cursor StreamCursor) (StreamBatch, error)
	// Stream emits StreamBatch values until the source is exhausted or
	// ctx is cancelled. A client may apply a replay window at the start
	// to re-cover records near a resumed cursor in case of a prior reorg
	// (the EVM client does; the Bitcoin client does not).
	Stream(ctx context.Context, accountIdentifier string, cursor StreamCursor) (<-chan StreamBatch, <-chan error)
}

// Factory constructs a Client for a configured provider.
type Factory func(cfg ProviderConfig) (Client, error)

// ProviderConfig is the resolved, environment-aware configuration
// handed to a Factory — the ingestion analogue of the teacher's
// ProviderConfig, minus the encrypted on-disk persistence that backed
// it (credential storage is out of scope for this module).
type ProviderConfig struct {
	ProviderName string
	Chain        string
	BaseURL      string
	APIKey       string
	Limits       ratelimit.Limits
	Timeout      time.Duration
	MaxRetries   uint64
}
