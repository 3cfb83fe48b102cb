package provider

import (
	"fmt"
	"os"
	"sync"

	"github.com/exitbook/ingestion/internal/coreerrors"
)

// Registry tracks every provider registered for a chain/exchange, its
// declarative metadata, and its construction factory.
type Registry struct {
	mu        sync.RWMutex
	metadata  map[string]Metadata // providerName -> metadata
	factories map[string]Factory  // providerName -> factory
	instances map[string]Client   // cacheKey -> live client
}

var (
	globalRegistry *Registry
	registryOnce   sync.Once
)

// GetRegistry returns the process-wide registry singleton.
func GetRegistry() *Registry {
	registryOnce.Do(func() {
		globalRegistry = newRegistry()
	})
	return globalRegistry
}

func newRegistry() *Registry {
	return &Registry{
		metadata:  make(map[string]Metadata),
		factories: make(map[string]Factory),
		instances: make(map[string]Client),
	}
}

// ResetRegistry discards all registrations and cached instances. Tests
// must call this (and then InitializeProviders again, if they need
// real providers) to get a clean slate, since registration happens
// once per process via explicit init functions rather than package
// init() side effects.
func ResetRegistry() {
	registryOnce = sync.Once{}
	globalRegistry = newRegistry()
}

// Register adds a provider's metadata and factory to the registry. It
// is an error to register the same provider name twice.
func (r *Registry) Register(meta Metadata, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if meta.Name == "" {
		return coreerrors.New(coreerrors.ErrCodeInvalidAccount, "provider name cannot be empty", coreerrors.KindValidation)
	}
	if _, exists := r.factories[meta.Name]; exists {
		return coreerrors.New(coreerrors.ErrCodeInvalidAccount, fmt.Sprintf("provider %s already registered", meta.Name), coreerrors.KindValidation)
	}

	r.metadata[meta.Name] = meta
	r.factories[meta.Name] = factory
	return nil
}

// registrars is the set of explicit registration functions invoked by
// InitializeProviders, one per concrete source client package. Each
// package appends to this list from its own init() so the actual
// registration call happens deterministically from one entry point
// instead of relying on Go's implicit init() ordering across packages.
var registrars []func(*Registry) error

// AddRegistrar is called by a source-client package's init() to queue
// its registration function.
func AddRegistrar(fn func(*Registry) error) {
	registrars = append(registrars, fn)
}

// InitializeProviders is the single process-wide entry point that
// populates the registry by running every queued registrar against
// the global Registry. Call it once at process startup, before any
// Factory/Manager use.
func InitializeProviders() error {
	r := GetRegistry()
	for _, reg := range registrars {
		if err := reg(r); err != nil {
			return err
		}
	}
	return nil
}

// MetadataFor returns the declared metadata for a provider name.
func (r *Registry) MetadataFor(name string) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.metadata[name]
	return m, ok
}

// ProvidersForChain returns, in ascending Priority order (lower first), the
// metadata of every registered provider that serves chain and whose
// required API key (if any) is actually configured in the
// environment. Providers missing a required key are demoted out of
// the list entirely rather than causing a hard failure, per the
// env-var-gating requirement.
func (r *Registry) ProvidersForChain(chain string) []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Metadata
	for _, m := range r.metadata {
		if !containsChain(m.Chains, chain) {
			continue
		}
		if m.RequiresAPIKey {
			if m.APIKeyEnvVar == "" || os.Getenv(m.APIKeyEnvVar) == "" {
				continue
			}
		}
		result = append(result, m)
	}
	sortMetadataByPriority(result)
	return result
}

func containsChain(chains []string, chain string) bool {
	for _, c := range chains {
		if c == chain {
			return true
		}
	}
	return false
}

// sortMetadataByPriority sorts by ascending Priority (lower tried
// first), per spec.md §4.4 step 4. A bubble sort is adequate here: the
// number of providers configured per chain is always small. It only
// swaps on strict inequality, so it keeps its input order for equal
// Priority values, but ProvidersForChain builds that input from a map,
// so the order among providers with equal Priority is not defined.
func sortMetadataByPriority(metas []Metadata) {
	n := len(metas)
	for i := 0; i < n-1; i++ {
		for j := 0; j < n-i-1; j++ {
			if metas[j].Priority > metas[j+1].Priority {
				metas[j], metas[j+1] = metas[j+1], metas[j]
			}
		}
	}
}

// Factory resolves a Client for (chain, preferredProvider). When
// preferredProvider is empty, the first eligible provider for chain in
// ProvidersForChain order is used. Resolution:
//  1. Validate at least one eligible provider exists for chain.
//  2. If preferredProvider is set, it must be both registered and
//     eligible (API key present if required), else this returns an error.
//  3. Take the provider's base URL from the declared
//     BaseURLByChain[chain]; there is no per-call override of it or of
//     any other declared default.
//  4. Construct the Client via its factory, caching it by
//     (providerName, chain).
func (r *Registry) Factory(chain, preferredProvider string) (Client, error) {
	eligible := r.ProvidersForChain(chain)
	if len(eligible) == 0 {
		return nil, coreerrors.New(coreerrors.ErrCodeNoProviderRegistered,
			fmt.Sprintf("no eligible provider registered for chain %s", chain), coreerrors.KindProviderTerminal)
	}

	var chosen Metadata
	if preferredProvider != "" {
		found := false
		for _, m := range eligible {
			if m.Name == preferredProvider {
				chosen = m
				found = true
				break
			}
		}
		if !found {
			return nil, coreerrors.New(coreerrors.ErrCodeNoProviderRegistered,
				fmt.Sprintf("preferred provider %s not eligible for chain %s", preferredProvider, chain), coreerrors.KindValidation)
		}
	} else {
		chosen = eligible[0]
	}

	return r.build(chosen, chain)
}

// OrderedClients returns Clients for every eligible provider of chain,
// in priority order, for use by Manager's failover loop.
func (r *Registry) OrderedClients(chain string) ([]Client, error) {
	eligible := r.ProvidersForChain(chain)
	if len(eligible) == 0 {
		return nil, coreerrors.New(coreerrors.ErrCodeNoProviderRegistered,
			fmt.Sprintf("no eligible provider registered for chain %s", chain), coreerrors.KindProviderTerminal)
	}

	clients := make([]Client, 0, len(eligible))
	for _, m := range eligible {
		c, err := r.build(m, chain)
		if err != nil {
			continue
		}
		clients = append(clients, c)
	}
	if len(clients) == 0 {
		return nil, coreerrors.New(coreerrors.ErrCodeNoProviderRegistered,
			fmt.Sprintf("all providers for chain %s failed to construct", chain), coreerrors.KindProviderTerminal)
	}
	return clients, nil
}

func (r *Registry) build(meta Metadata, chain string) (Client, error) {
	cacheKey := meta.Name + "-" + chain

	r.mu.RLock()
	if c, ok := r.instances[cacheKey]; ok {
		r.mu.RUnlock()
		return c, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.instances[cacheKey]; ok {
		return c, nil
	}

	factory, ok := r.factories[meta.Name]
	if !ok {
		return nil, coreerrors.New(coreerrors.ErrCodeNoProviderRegistered, fmt.Sprintf("provider %s has no factory", meta.Name), coreerrors.KindInternalInvariant)
	}

	cfg := ProviderConfig{
		ProviderName: meta.Name,
		Chain:        chain,
		BaseURL:      meta.BaseURLByChain[chain],
		Limits:       meta.DefaultLimits,
		Timeout:      meta.DefaultTimeout,
		MaxRetries:   meta.DefaultRetries,
	}
	if meta.RequiresAPIKey {
		cfg.APIKey = os.Getenv(meta.APIKeyEnvVar)
	}

	client, err := factory(cfg)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.ErrCodeProviderUnavailable, fmt.Sprintf("failed to construct provider %s", meta.Name), coreerrors.KindProviderTerminal, err)
	}

	r.instances[cacheKey] = client
	return client, nil
}
