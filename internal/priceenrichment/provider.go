// Package priceenrichment implements the four-stage price pipeline
// from spec.md §4.9. FX-rate and crypto-price sources reuse
// internal/provider's registry-plus-failover idiom (a price source is
// just another provider-manager-fronted capability), rather than a
// bespoke HTTP path per provider.
package priceenrichment

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/exitbook/ingestion/internal/coreerrors"
)

// PriceClient is the contract every FX-rate or crypto-price source
// implements — the price-pipeline analogue of provider.Client.
type PriceClient interface {
	Name() string
	// FetchPrice returns the value of one unit of asset in quoteCurrency
	// as observed at (or nearest to) at.
	FetchPrice(ctx context.Context, asset, quoteCurrency string, at time.Time) (decimal.Decimal, error)
}

// PriceProviderMetadata is the declarative registration record for a
// PriceClient, mirroring provider.Metadata's shape.
type PriceProviderMetadata struct {
	Name           string
	RequiresAPIKey bool
	APIKeyEnvVar   string
	Priority       int // higher is tried first
}

// PriceProviderFactory constructs a PriceClient given a resolved API
// key (empty when RequiresAPIKey is false).
type PriceProviderFactory func(apiKey string) (PriceClient, error)

// PriceRegistry tracks registered price sources and their factories,
// the same shape as provider.Registry minus the per-chain base URL
// concerns that don't apply to price lookups.
type PriceRegistry struct {
	mu        sync.RWMutex
	metadata  map[string]PriceProviderMetadata
	factories map[string]PriceProviderFactory
	instances map[string]PriceClient
}

// NewPriceRegistry constructs an empty PriceRegistry.
func NewPriceRegistry() *PriceRegistry {
	return &PriceRegistry{
		metadata:  make(map[string]PriceProviderMetadata),
		factories: make(map[string]PriceProviderFactory),
		instances: make(map[string]PriceClient),
	}
}

// Register adds a price source's metadata and factory.
func (r *PriceRegistry) Register(meta PriceProviderMetadata, factory PriceProviderFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if meta.Name == "" {
		return coreerrors.New(coreerrors.ErrCodeInvalidAccount, "price provider name cannot be empty", coreerrors.KindValidation)
	}
	if _, exists := r.factories[meta.Name]; exists {
		return coreerrors.New(coreerrors.ErrCodeInvalidAccount, fmt.Sprintf("price provider %s already registered", meta.Name), coreerrors.KindValidation)
	}
	r.metadata[meta.Name] = meta
	r.factories[meta.Name] = factory
	return nil
}

// eligible returns registered providers in descending priority order,
// skipping any whose required API key is not configured in the
// environment.
func (r *PriceRegistry) eligible() []PriceProviderMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []PriceProviderMetadata
	for _, m := range r.metadata {
		if m.RequiresAPIKey && os.Getenv(m.APIKeyEnvVar) == "" {
			continue
		}
		result = append(result, m)
	}
	for i := 0; i < len(result)-1; i++ {
		for j := 0; j < len(result)-i-1; j++ {
			if result[j].Priority < result[j+1].Priority {
				result[j], result[j+1] = result[j+1], result[j]
			}
		}
	}
	return result
}

func (r *PriceRegistry) build(meta PriceProviderMetadata) (PriceClient, error) {
	r.mu.RLock()
	if c, ok := r.instances[meta.Name]; ok {
		r.mu.RUnlock()
		return c, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.instances[meta.Name]; ok {
		return c, nil
	}

	factory, ok := r.factories[meta.Name]
	if !ok {
		return nil, coreerrors.New(coreerrors.ErrCodeNoProviderRegistered, fmt.Sprintf("price provider %s has no factory", meta.Name), coreerrors.KindInternalInvariant)
	}
	apiKey := ""
	if meta.RequiresAPIKey {
		apiKey = os.Getenv(meta.APIKeyEnvVar)
	}
	client, err := factory(apiKey)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.ErrCodeProviderUnavailable, fmt.Sprintf("failed to construct price provider %s", meta.Name), coreerrors.KindProviderTerminal, err)
	}
	r.instances[meta.Name] = client
	return client, nil
}

// FetchWithFailover tries every eligible provider in priority order,
// returning the first successful price along with the name of the
// provider that produced it.
func (r *PriceRegistry) FetchWithFailover(ctx context.Context, asset, quoteCurrency string, at time.Time) (decimal.Decimal, string, error) {
	eligible := r.eligible()
	if len(eligible) == 0 {
		return decimal.Zero, "", coreerrors.New(coreerrors.ErrCodeNoProviderRegistered, "no eligible price provider registered", coreerrors.KindProviderTerminal)
	}

	var lastErr error
	for _, meta := range eligible {
		client, err := r.build(meta)
		if err != nil {
			lastErr = err
			continue
		}
		price, err := client.FetchPrice(ctx, asset, quoteCurrency, at)
		if err != nil {
			lastErr = err
			continue
		}
		return price, client.Name(), nil
	}
	return decimal.Zero, "", coreerrors.Wrap(coreerrors.ErrCodeAllProvidersFailed, fmt.Sprintf("all price providers failed for %s/%s", asset, quoteCurrency), coreerrors.KindAllProvidersFailed, lastErr)
}
