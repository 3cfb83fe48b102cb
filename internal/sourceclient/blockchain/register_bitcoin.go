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
	provider.AddRegistrar(registerBlockstream)
}

// registerBlockstream registers the public Blockstream Esplora API as
// the default UTXO-family provider. It requires no API key, so it is
// never demoted by ProvidersForChain's env-var gate.
func registerBlockstream(r *provider.Registry) error {
	limiter := ratelimit.New()
	breaker := circuitbreaker.New(circuitbreaker.Config{})
	instr := instrumentation.New(prometheus.DefaultRegisterer)

	meta := provider.Metadata{
		Name:        "blockstream",
		DisplayName: "Blockstream Esplora",
		Chains:      []string{"bitcoin", "litecoin"},
		BaseURLByChain: map[string]string{
			"bitcoin":  "https://blockstream.info/api",
			"litecoin": "https://litecoinspace.org/api",
		},
		RequiresAPIKey: false,
		DefaultLimits:  ratelimit.Limits{PerSecond: 5, Burst: 5},
		DefaultTimeout: 20 * time.Second,
		DefaultRetries: 3,
		Priority:       5,
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

		return NewBitcoinClient(cfg.ProviderName, cfg.BaseURL, httpClient), nil
	})
}
