package priceenrichment

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/exitbook/ingestion/internal/domain"
)

func TestDeriveStageUSDTradeSetsExecutionPriceBothLegs(t *testing.T) {
	tx := &domain.Transaction{
		Operation:  domain.OperationTrade,
		OccurredAt: time.Now(),
		Movements: []domain.Movement{
			{AssetSymbol: "USD", Direction: domain.MovementOut, NetAmount: decimal.NewFromInt(30000)},
			{AssetSymbol: "BTC", Direction: domain.MovementIn, NetAmount: decimal.NewFromFloat(1)},
		},
	}
	report := deriveStage(context.Background(), []*domain.Transaction{tx}, Options{})
	require.Equal(t, 2, report.PricesSet)
	require.Equal(t, domain.PriceSourceExchangeExecution, tx.Movements[0].Price.Source)
	require.Equal(t, domain.PriceSourceExchangeExecution, tx.Movements[1].Price.Source)
	require.True(t, tx.Movements[1].Price.Amount.Equal(decimal.NewFromInt(30000)))
}

func TestDeriveStageNonUSDFiatTradeIsTentative(t *testing.T) {
	tx := &domain.Transaction{
		Operation:  domain.OperationTrade,
		OccurredAt: time.Now(),
		Movements: []domain.Movement{
			{AssetSymbol: "EUR", Direction: domain.MovementOut, NetAmount: decimal.NewFromInt(100)},
			{AssetSymbol: "ETH", Direction: domain.MovementIn, NetAmount: decimal.NewFromFloat(0.05)},
		},
	}
	deriveStage(context.Background(), []*domain.Transaction{tx}, Options{})
	require.Equal(t, domain.PriceSourceFiatExecutionTentative, tx.Movements[0].Price.Source)
	require.Equal(t, "EUR", tx.Movements[1].Price.FiatCurrency)
}

func TestNormalizeStageUpgradesTentativeToDerivedRatio(t *testing.T) {
	tx := &domain.Transaction{
		Operation:  domain.OperationTrade,
		OccurredAt: time.Now(),
		Movements: []domain.Movement{
			{AssetSymbol: "ETH", NetAmount: decimal.NewFromFloat(0.05), Price: &domain.PriceAtTxTime{
				FiatCurrency: "EUR", Amount: decimal.NewFromInt(2000), Source: domain.PriceSourceFiatExecutionTentative,
			}},
		},
	}
	fx := NewPriceRegistry()
	require.NoError(t, fx.Register(PriceProviderMetadata{Name: "ecb"}, func(apiKey string) (PriceClient, error) {
		return &stubPriceClient{name: "ecb", price: decimal.NewFromFloat(1.1)}, nil
	}))

	report, err := normalizeStage(context.Background(), []*domain.Transaction{tx}, Options{FXRegistry: fx})
	require.NoError(t, err)
	require.Equal(t, 1, report.PricesSet)
	require.Equal(t, domain.PriceSourceDerivedRatio, tx.Movements[0].Price.Source)
	require.Equal(t, "USD", tx.Movements[0].Price.FiatCurrency)
	require.True(t, tx.Movements[0].Price.Amount.Equal(decimal.NewFromFloat(2200)))
}

func TestNormalizeStageFailOnFXErrorAbortsPipeline(t *testing.T) {
	tx := &domain.Transaction{
		Movements: []domain.Movement{
			{AssetSymbol: "ETH", Price: &domain.PriceAtTxTime{FiatCurrency: "EUR", Amount: decimal.NewFromInt(1), Source: domain.PriceSourceFiatExecutionTentative}},
		},
	}
	fx := NewPriceRegistry()
	require.NoError(t, fx.Register(PriceProviderMetadata{Name: "broken"}, func(apiKey string) (PriceClient, error) {
		return &stubPriceClient{name: "broken", err: context.DeadlineExceeded}, nil
	}))

	_, err := normalizeStage(context.Background(), []*domain.Transaction{tx}, Options{FXRegistry: fx, FailOnFXError: true})
	require.Error(t, err)
	require.Contains(t, err.Error(), "1 FX rate conversion failure(s)")
	require.Contains(t, err.Error(), "EUR->USD")
	require.Contains(t, err.Error(), "prices set-fx")
}

func TestFetchStageDoesNotOverwriteDerivedRatio(t *testing.T) {
	existing := &domain.PriceAtTxTime{FiatCurrency: "USD", Amount: decimal.NewFromInt(5), Source: domain.PriceSourceDerivedRatio}
	tx := &domain.Transaction{
		OccurredAt: time.Now(),
		Movements:  []domain.Movement{{AssetSymbol: "SOL", Price: existing}},
	}
	crypto := NewPriceRegistry()
	require.NoError(t, crypto.Register(PriceProviderMetadata{Name: "coingecko"}, func(apiKey string) (PriceClient, error) {
		return &stubPriceClient{name: "coingecko", price: decimal.NewFromInt(999)}, nil
	}))

	report := fetchStage(context.Background(), []*domain.Transaction{tx}, Options{CryptoRegistry: crypto})
	require.Equal(t, 0, report.PricesSet)
	require.True(t, tx.Movements[0].Price.Amount.Equal(decimal.NewFromInt(5)), "priority 1 must not overwrite priority 2")
}

func TestFetchStageSetsMarketProviderPriceForUnpricedCrypto(t *testing.T) {
	tx := &domain.Transaction{
		OccurredAt: time.Now(),
		Movements:  []domain.Movement{{AssetSymbol: "SOL"}},
	}
	crypto := NewPriceRegistry()
	require.NoError(t, crypto.Register(PriceProviderMetadata{Name: "coingecko"}, func(apiKey string) (PriceClient, error) {
		return &stubPriceClient{name: "coingecko", price: decimal.NewFromInt(150)}, nil
	}))

	report := fetchStage(context.Background(), []*domain.Transaction{tx}, Options{CryptoRegistry: crypto})
	require.Equal(t, 1, report.PricesSet)
	require.Equal(t, domain.PriceSourceMarketProvider, tx.Movements[0].Price.Source)
}

func TestPropagateAcrossLinksCopiesPriceToUnpricedMovement(t *testing.T) {
	priced := &domain.Transaction{ID: 1, Movements: []domain.Movement{
		{AssetSymbol: "BTC", Price: &domain.PriceAtTxTime{FiatCurrency: "USD", Amount: decimal.NewFromInt(60000), Source: domain.PriceSourceExchangeExecution}},
	}}
	unpriced := &domain.Transaction{ID: 2, Movements: []domain.Movement{{AssetSymbol: "BTC"}}}

	links := map[int64][]domain.TransactionLink{
		1: {{TransactionAID: 1, TransactionBID: 2, Confirmed: true}},
		2: {{TransactionAID: 1, TransactionBID: 2, Confirmed: true}},
	}
	byID := map[int64]*domain.Transaction{1: priced, 2: unpriced}

	opts := Options{
		LinkLookup: func(ctx context.Context, txID int64) ([]domain.TransactionLink, error) { return links[txID], nil },
		TransactionByID: func(ctx context.Context, id int64) (*domain.Transaction, error) { return byID[id], nil },
	}
	report := &StageReport{}
	propagateAcrossLinks(context.Background(), []*domain.Transaction{priced, unpriced}, opts, report)

	require.NotNil(t, unpriced.Movements[0].Price)
	require.True(t, unpriced.Movements[0].Price.Amount.Equal(decimal.NewFromInt(60000)))
}
