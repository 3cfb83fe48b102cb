// Command exitbook is the composition root for the ingestion core: it
// wires providers, storage, and the price-enrichment registries
// together into an internal/api.Service and exits. It does not
// implement a CLI or TUI — those are explicit non-goals — the way
// cmd/arcsign/main.go is the teacher's composition root for wallet
// operations rather than a general-purpose shell.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/exitbook/ingestion/internal/api"
	"github.com/exitbook/ingestion/internal/circuitbreaker"
	"github.com/exitbook/ingestion/internal/domain"
	"github.com/exitbook/ingestion/internal/httpclient"
	"github.com/exitbook/ingestion/internal/instrumentation"
	"github.com/exitbook/ingestion/internal/persistence"
	"github.com/exitbook/ingestion/internal/priceenrichment"
	"github.com/exitbook/ingestion/internal/provider"
	"github.com/exitbook/ingestion/internal/ratelimit"
	_ "github.com/exitbook/ingestion/internal/sourceclient/blockchain"
	"github.com/exitbook/ingestion/internal/sourceclient/exchange"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	if err := run(log); err != nil {
		log.Errorw("exitbook exited with error", "error", err)
		os.Exit(1)
	}
}

func run(log *zap.SugaredLogger) error {
	ctx := context.Background()

	dsn := os.Getenv("EXITBOOK_POSTGRES_DSN")
	if dsn == "" {
		return fmt.Errorf("EXITBOOK_POSTGRES_DSN is required")
	}

	store, err := persistence.NewStore(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	if err := provider.InitializeProviders(); err != nil {
		return fmt.Errorf("initialize providers: %w", err)
	}

	instr := instrumentation.New(prometheus.DefaultRegisterer)
	manager := provider.NewManager(provider.GetRegistry(), instr, provider.ManagerConfig{})

	fxRegistry, cryptoRegistry := buildPriceRegistries()

	var krakenClient *exchange.KrakenClient
	if baseURL := os.Getenv("EXITBOOK_KRAKEN_BASE_URL"); baseURL != "" {
		limiter := ratelimit.New()
		limiter.Configure("kraken", ratelimit.Limits{PerSecond: 1, Burst: 1})
		breaker := circuitbreaker.New(circuitbreaker.Config{})
		httpClient := httpclient.New(httpclient.Config{
			Timeout:        30 * time.Second,
			MaxRetries:     3,
			RateLimiterKey: "kraken",
			CircuitKey:     "kraken",
		}, limiter, breaker, instr, httpclient.Hooks{})
		krakenClient = exchange.NewKrakenClient("kraken", baseURL, httpClient)
	}

	chains := map[string]api.ChainConfig{
		"ethereum": {Chain: "ethereum", Source: "ethereum", Category: domain.ChainCategoryEVMMainnet, QuoteAsset: "USDC"},
		"bitcoin":  {Chain: "bitcoin", Source: "bitcoin", Category: domain.ChainCategoryUTXO, Asset: "BTC"},
	}

	svc := api.NewService(store, manager, fxRegistry, cryptoRegistry, chains, krakenClient, log)

	processed, err := svc.ProcessAllPending(ctx)
	if err != nil {
		return fmt.Errorf("process pending: %w", err)
	}
	log.Infow("processed pending raw transactions", "accounts", processed.AccountsProcessed, "transactions", processed.TransactionsSaved)

	enriched, err := svc.EnrichPrices(ctx, api.EnrichOptions{})
	if err != nil {
		return fmt.Errorf("enrich prices: %w", err)
	}
	log.Infow("ran price enrichment", "stages", len(enriched.Stages))

	return nil
}

// buildPriceRegistries wires the FX and crypto price registries a
// deployment would populate with real providers (e.g. an exchange-rate
// API for FX, a market-data API for crypto spot prices). None are
// registered here since no free/keyless provider of either kind is
// available without third-party credentials; EnrichPrices degrades
// gracefully (Stage 2/3 simply report failures) when a registry has no
// eligible provider.
func buildPriceRegistries() (*priceenrichment.PriceRegistry, *priceenrichment.PriceRegistry) {
	return priceenrichment.NewPriceRegistry(), priceenrichment.NewPriceRegistry()
}
