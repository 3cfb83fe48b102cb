// Package api exposes the handful of operations the rest of the
// system (and cmd/exitbook) drives ExitBook's ingestion core through,
// per spec.md §6: import a blockchain account, import an exchange via
// its API or a CSV export, process pending raw records into canonical
// transactions, and run price enrichment. Service is the single
// composition point wiring internal/importer, internal/processor,
// internal/priceenrichment, and internal/persistence together.
package api

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/exitbook/ingestion/internal/domain"
	"github.com/exitbook/ingestion/internal/importer"
	"github.com/exitbook/ingestion/internal/persistence"
	"github.com/exitbook/ingestion/internal/priceenrichment"
	"github.com/exitbook/ingestion/internal/processor"
	"github.com/exitbook/ingestion/internal/provider"
	"github.com/exitbook/ingestion/internal/sourceclient/exchange"
)

// ChainConfig declares how to resolve and process one blockchain this
// process is willing to import from.
type ChainConfig struct {
	Chain      string // provider-registry chain key, e.g. "ethereum", "bitcoin"
	Source     string // domain.Account.Source, usually the same as Chain
	Category   domain.ChainCategory
	Asset      string // native asset symbol, used by the UTXO processor
	QuoteAsset string // tracked quote asset for buy/sell side notes, may be ""
}

// Credentials authenticates an exchange API import.
type Credentials = exchange.Credentials

// ImportResult summarizes one or more import sessions.
type ImportResult struct {
	Sessions []domain.ImportSession
}

// ProcessResult summarizes a ProcessAllPending run.
type ProcessResult struct {
	AccountsProcessed int
	TransactionsSaved int
	Notes             []processor.Note
}

// EnrichOptions configures a price enrichment pass.
type EnrichOptions struct {
	SkipDerive, SkipNormalize, SkipFetch bool
	FailOnFXError                        bool
}

// EnrichResult summarizes a price enrichment pass.
type EnrichResult struct {
	Stages []priceenrichment.StageReport
}

// Service is the facade described in SPEC_FULL.md §6.
type Service struct {
	store        *persistence.Store
	orchestrator *importer.Orchestrator
	importSvc    *importer.Service
	exchangeSvc  *importer.ExchangeService
	enrichment   *priceenrichment.Service
	chains       map[string]ChainConfig
	krakenClient *exchange.KrakenClient
	log          *zap.SugaredLogger
}

// NewService wires the facade together. chains is keyed by
// ChainConfig.Chain; krakenClient may be nil if this process never
// imports from Kraken.
func NewService(
	store *persistence.Store,
	manager *provider.Manager,
	fxRegistry, cryptoRegistry *priceenrichment.PriceRegistry,
	chains map[string]ChainConfig,
	krakenClient *exchange.KrakenClient,
	log *zap.SugaredLogger,
) *Service {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Service{
		store:        store,
		orchestrator: importer.NewOrchestrator(store, manager, log),
		importSvc:    importer.NewService(store, manager, log),
		exchangeSvc:  importer.NewExchangeService(store, log),
		enrichment:   priceenrichment.NewService(store, fxRegistry, cryptoRegistry),
		chains:       chains,
		krakenClient: krakenClient,
		log:          log,
	}
}

// ImportBlockchain resolves addressOrXpub (fanning out if it is an
// xpub) and imports every resulting account.
func (s *Service) ImportBlockchain(ctx context.Context, blockchain, addressOrXpub string, providerName string, xpubGap int) (ImportResult, error) {
	// providerName is not used: imports stream through provider.Manager,
	// which always tries the chain's eligible providers in priority
	// order. Only Registry.Factory accepts a preferred provider.
	cfg, ok := s.chains[blockchain]
	if !ok {
		return ImportResult{}, fmt.Errorf("no chain configured for %q", blockchain)
	}

	accounts, err := s.orchestrator.ResolveAccount(ctx, cfg.Chain, cfg.Source, domain.SourceKindBlockchain, cfg.Category, addressOrXpub, xpubGap)
	if err != nil {
		return ImportResult{}, fmt.Errorf("resolve account: %w", err)
	}

	sessions, err := s.importSvc.ImportMany(ctx, cfg.Chain, accounts, len(accounts))
	return ImportResult{Sessions: sessions}, err
}

// ImportExchangeAPI imports one exchange account via its authenticated
// REST surface.
func (s *Service) ImportExchangeAPI(ctx context.Context, exchangeName string, credentials Credentials) (ImportResult, error) {
	if s.krakenClient == nil {
		return ImportResult{}, fmt.Errorf("no exchange client configured for %q", exchangeName)
	}

	account, err := s.upsertExchangeAccount(ctx, exchangeName)
	if err != nil {
		return ImportResult{}, err
	}

	session, err := s.exchangeSvc.ImportAPI(ctx, s.krakenClient, account, credentials)
	return ImportResult{Sessions: []domain.ImportSession{session}}, err
}

// ImportExchangeCSV imports one exchange account from a set of local
// CSV export files.
func (s *Service) ImportExchangeCSV(ctx context.Context, exchangeName string, csvFiles []string) (ImportResult, error) {
	if s.krakenClient == nil {
		return ImportResult{}, fmt.Errorf("no exchange client configured for %q", exchangeName)
	}

	account, err := s.upsertExchangeAccount(ctx, exchangeName)
	if err != nil {
		return ImportResult{}, err
	}

	var sessions []domain.ImportSession
	for _, path := range csvFiles {
		f, openErr := openCSV(path)
		if openErr != nil {
			return ImportResult{Sessions: sessions}, fmt.Errorf("open %s: %w", path, openErr)
		}
		session, importErr := s.exchangeSvc.ImportCSV(ctx, s.krakenClient, account, f)
		_ = f.Close()
		sessions = append(sessions, session)
		if importErr != nil {
			return ImportResult{Sessions: sessions}, importErr
		}
	}
	return ImportResult{Sessions: sessions}, nil
}

func (s *Service) upsertExchangeAccount(ctx context.Context, exchangeName string) (domain.Account, error) {
	account := domain.Account{
		ID:         fmt.Sprintf("%s:account", exchangeName),
		Source:     exchangeName,
		SourceKind: domain.SourceKindExchange,
		Category:   domain.ChainCategoryExchange,
		Identifier: exchangeName,
	}
	if err := s.store.UpsertAccount(ctx, account); err != nil {
		return domain.Account{}, fmt.Errorf("upsert exchange account: %w", err)
	}
	return account, nil
}

// ProcessAllPending runs a Processor over every account with
// unprocessed raw records, per spec.md §4.8's all-or-nothing contract
// applied one account at a time.
func (s *Service) ProcessAllPending(ctx context.Context) (ProcessResult, error) {
	accounts, err := s.store.AccountsWithPendingRaw(ctx)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("list accounts with pending raw: %w", err)
	}

	var result ProcessResult
	for _, account := range accounts {
		p, err := s.processorFor(account)
		if err != nil {
			s.log.Warnw("no processor for account, skipping", "account", account.ID, "error", err)
			continue
		}

		runResult, err := processor.Run(ctx, s.store, p, account.ID)
		if err != nil {
			return result, fmt.Errorf("process account %s: %w", account.ID, err)
		}
		result.AccountsProcessed++
		result.TransactionsSaved += len(runResult.Transactions)
		result.Notes = append(result.Notes, runResult.Notes...)
	}
	return result, nil
}

// processorFor selects the Processor matching account's source/category,
// using the ChainConfig registered for it or Kraken's fixed ledger
// shape for exchange accounts.
func (s *Service) processorFor(account domain.Account) (processor.Processor, error) {
	if account.SourceKind == domain.SourceKindExchange {
		return processor.NewKrakenProcessor(s.store, account.Source, defaultQuoteAsset), nil
	}

	cfg, ok := s.chains[account.Source]
	if !ok {
		return nil, fmt.Errorf("no chain config registered for source %q", account.Source)
	}

	own := map[string]bool{account.Identifier: true}
	switch cfg.Category {
	case domain.ChainCategoryUTXO:
		return processor.NewBitcoinProcessor(s.store, account.Source, account.Identifier, cfg.Asset, own), nil
	case domain.ChainCategoryEVMMainnet, domain.ChainCategoryLayer2:
		return processor.NewEVMProcessor(s.store, account.Source, account.Identifier, own, cfg.QuoteAsset), nil
	default:
		return nil, fmt.Errorf("unsupported category %q for account %s", cfg.Category, account.ID)
	}
}

// defaultQuoteAsset is the fiat asset exchange trades are compared
// against when deciding the informational buy/sell side note.
const defaultQuoteAsset = "USD"

// EnrichPrices runs the four-stage price enrichment pipeline over
// every transaction still missing a priced movement.
func (s *Service) EnrichPrices(ctx context.Context, opts EnrichOptions) (EnrichResult, error) {
	reports, err := s.enrichment.EnrichAll(ctx, priceenrichment.RunConfig{
		SkipDerive:    opts.SkipDerive,
		SkipNormalize: opts.SkipNormalize,
		SkipFetch:     opts.SkipFetch,
		FailOnFXError: opts.FailOnFXError,
	})
	return EnrichResult{Stages: reports}, err
}
