package priceenrichment

import (
	"context"
	"time"

	"github.com/exitbook/ingestion/internal/domain"
	"github.com/exitbook/ingestion/internal/persistence"
)

// Service runs the price pipeline against every unenriched transaction
// in the store and persists the result.
type Service struct {
	store          *persistence.Store
	fxRegistry     *PriceRegistry
	cryptoRegistry *PriceRegistry
}

// NewService constructs a Service. Either registry may be nil to skip
// its corresponding stage (Stage 2 needs fxRegistry, Stage 3 needs
// cryptoRegistry).
func NewService(store *persistence.Store, fxRegistry, cryptoRegistry *PriceRegistry) *Service {
	return &Service{store: store, fxRegistry: fxRegistry, cryptoRegistry: cryptoRegistry}
}

// RunConfig selects which stages EnrichAll runs, per §4.9's "each
// optional via configuration."
type RunConfig struct {
	SkipDerive    bool
	SkipNormalize bool
	SkipFetch     bool
	FailOnFXError bool
}

// EnrichAll loads every transaction with enriched_at still null, runs
// the configured stages, and writes the updated movements/fees back.
func (s *Service) EnrichAll(ctx context.Context, cfg RunConfig) ([]StageReport, error) {
	pending, err := s.store.UnenrichedTransactions(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	txs := make([]*domain.Transaction, len(pending))
	for i := range pending {
		txs[i] = &pending[i]
	}

	opts := Options{
		RunDerive:      !cfg.SkipDerive,
		RunNormalize:   !cfg.SkipNormalize && s.fxRegistry != nil,
		RunFetch:       !cfg.SkipFetch && s.cryptoRegistry != nil,
		FXRegistry:     s.fxRegistry,
		CryptoRegistry: s.cryptoRegistry,
		FailOnFXError:  cfg.FailOnFXError,
		LinkLookup:     s.store.ConfirmedLinksFor,
		TransactionByID: func(ctx context.Context, id int64) (*domain.Transaction, error) {
			for _, tx := range txs {
				if tx.ID == id {
					return tx, nil
				}
			}
			t, err := s.store.GetTransactionByID(ctx, id)
			if err != nil {
				return nil, err
			}
			return &t, nil
		},
	}

	_, reports, err := Run(ctx, txs, opts)
	if err != nil {
		return reports, err
	}

	now := time.Now()
	for _, tx := range txs {
		if err := s.store.UpdateTransactionMovements(ctx, tx.ID, tx.Movements, tx.Fees, now); err != nil {
			return reports, err
		}
	}
	return reports, nil
}
