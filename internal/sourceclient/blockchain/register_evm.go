package blockchain

import (
	"time"

	"github.com/exitbook/ingestion/internal/circuitbreaker"
	"github.com/exitbook/ingestion/internal/httpclient"
	"github.com/exitbook/ingestion/internal/instrumentation"
	"github.com/exitbook/ingestion/internal/provider"
	"github.com/exitbook/ingestion/internal/ratelimit"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	provider.AddRegistrar(registerAlchemy)
}

// registerAlchemy registers the Alchemy EVM provider for the chains it
// serves. Shared limiter/breaker/instrumentation are process-wide so
// every constructed client for this provider participates in the same
// rate budget.
func registerAlchemy(r *provider.Registry) error {
	limiter := ratelimit.New()
	breaker := circuitbreaker.New(circuitbreaker.Config{})
	instr := instrumentation.New(prometheus.DefaultRegisterer)

	meta := provider.Metadata{
		Name:        "alchemy",
		DisplayName: "Alchemy",
		Chains:      []string{"ethereum", "polygon", "arbitrum", "optimism"},
		BaseURLByChain: map[string]string{
			"ethereum": "https://eth-mainnet.g.alchemy.com/v2",
			"polygon":  "https://polygon-mainnet.g.alchemy.com/v2",
			"arbitrum": "https://arb-mainnet.g.alchemy.com/v2",
			"optimism": "https://opt-mainnet.g.alchemy.com/v2",
		},
		RequiresAPIKey: true,
		APIKeyEnvVar:   "EXITBOOK_ALCHEMY_API_KEY",
		DefaultLimits:  ratelimit.Limits{PerSecond: 25, Burst: 25},
		DefaultTimeout: 30 * time.Second,
		DefaultRetries: 3,
		Priority:       10,
		Capabilities: provider.Capabilities{
			SupportsStreaming: true,
			SupportsCursor:    true,
		},
	}

	return r.Register(meta, func(cfg provider.ProviderConfig) (provider.Client, error) {
		limiter.Configure(cfg.ProviderName, cfg.Limits)
		httpClient := httpclient.New(httpclient.Config{
			Timeout:        cfg.Timeout,
			MaxRetries:     cfg.MaxRetries,
			RateLimiterKey: cfg.ProviderName,
			CircuitKey:     cfg.ProviderName,
		}, limiter, breaker, instr, httpclient.Hooks{})

		url := cfg.BaseURL + "/" + cfg.APIKey
		return NewEVMClient(cfg.ProviderName, cfg.Chain, url, httpClient, 5), nil
	})
}
