package priceenrichment

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/exitbook/ingestion/internal/domain"
)

// StageReport summarizes one pipeline stage's run.
type StageReport struct {
	Stage     string
	PricesSet int
	Failures  []string
}

// Options configures the pipeline; any stage is skipped when its flag
// is false, per §4.9's "each optional via configuration."
type Options struct {
	RunDerive    bool
	RunNormalize bool
	RunFetch     bool
	FiatCurrencies map[string]bool // nil uses DefaultFiatCurrencies
	FailOnFXError  bool             // "fail" mode: abort the whole pipeline on the first Stage 2 failure
	MaxFailuresReported int         // 0 means unbounded
	FXRegistry    *PriceRegistry
	CryptoRegistry *PriceRegistry
	// LinkLookup returns every confirmed TransactionLink touching a
	// transaction's id, so Derive can propagate prices across them.
	LinkLookup func(ctx context.Context, txID int64) ([]domain.TransactionLink, error)
	// TransactionByID resolves a linked transaction's id back to its
	// struct, used only by the propagation step.
	TransactionByID func(ctx context.Context, id int64) (*domain.Transaction, error)
}

// Run executes the four stages in order against txs, returning the
// (mutated in place) transactions and one StageReport per stage that
// actually ran.
func Run(ctx context.Context, txs []*domain.Transaction, opts Options) ([]*domain.Transaction, []StageReport, error) {
	var reports []StageReport

	if opts.RunDerive {
		reports = append(reports, deriveStage(ctx, txs, opts))
	}
	if opts.RunNormalize {
		report, err := normalizeStage(ctx, txs, opts)
		reports = append(reports, report)
		if err != nil {
			return txs, reports, err
		}
	}
	if opts.RunFetch {
		reports = append(reports, fetchStage(ctx, txs, opts))
	}
	if opts.RunDerive {
		reports = append(reports, deriveStage(ctx, txs, opts))
	}

	return txs, reports, nil
}

// setPriceIfHigherPriority applies §4.9's monotonicity invariant: a
// movement's price only ever moves to a strictly higher-priority
// source, never downgrades or sideways.
func setPriceIfHigherPriority(m *domain.Movement, candidate domain.PriceAtTxTime) bool {
	if m.Price == nil || candidate.Source.Priority() > m.Price.Source.Priority() {
		price := candidate
		m.Price = &price
		return true
	}
	return false
}

// deriveStage implements Stage 1/Stage 4: for each trade-shaped
// transaction with one fiat leg, set an execution (or tentative, for
// non-USD fiat) price on both legs; single-leg fiat movements get an
// identity price; confirmed links propagate a known price across both
// sides of an economic event.
func deriveStage(ctx context.Context, txs []*domain.Transaction, opts Options) StageReport {
	report := StageReport{Stage: "derive"}
	fiat := opts.FiatCurrencies

	for _, tx := range txs {
		if tx.Operation == domain.OperationTrade && len(tx.Movements) == 2 {
			var fiatLeg, otherLeg *domain.Movement
			for i := range tx.Movements {
				if isFiat(fiat, tx.Movements[i].AssetSymbol) {
					fiatLeg = &tx.Movements[i]
				} else {
					otherLeg = &tx.Movements[i]
				}
			}
			if fiatLeg != nil && otherLeg != nil && !otherLeg.NetAmount.IsZero() {
				source := domain.PriceSourceExchangeExecution
				if fiatLeg.AssetSymbol != "USD" {
					source = domain.PriceSourceFiatExecutionTentative
				}
				unitPrice := fiatLeg.NetAmount.Div(otherLeg.NetAmount).Abs()
				if setPriceIfHigherPriority(fiatLeg, domain.PriceAtTxTime{FiatCurrency: fiatLeg.AssetSymbol, Amount: decimal.NewFromInt(1), Source: source, ObservedAt: tx.OccurredAt, Granularity: domain.PriceGranularityExact}) {
					report.PricesSet++
				}
				if setPriceIfHigherPriority(otherLeg, domain.PriceAtTxTime{FiatCurrency: fiatLeg.AssetSymbol, Amount: unitPrice, Source: source, ObservedAt: tx.OccurredAt, Granularity: domain.PriceGranularityExact}) {
					report.PricesSet++
				}
			}
		}

		for i := range tx.Movements {
			setIdentityIfSoleFiatLeg(&tx.Movements[i], tx, fiat, &report)
		}
		for i := range tx.Fees {
			setFeeIdentityIfFiat(&tx.Fees[i], tx, fiat, &report)
		}
	}

	if opts.LinkLookup != nil && opts.TransactionByID != nil {
		propagateAcrossLinks(ctx, txs, opts, &report)
	}

	return report
}

func setIdentityIfSoleFiatLeg(m *domain.Movement, tx *domain.Transaction, fiat map[string]bool, report *StageReport) {
	if !isFiat(fiat, m.AssetSymbol) || tx.Operation == domain.OperationTrade {
		return
	}
	source := domain.PriceSourceExchangeExecution
	if m.AssetSymbol != "USD" {
		source = domain.PriceSourceFiatExecutionTentative
	}
	if setPriceIfHigherPriority(m, domain.PriceAtTxTime{FiatCurrency: m.AssetSymbol, Amount: decimal.NewFromInt(1), Source: source, ObservedAt: tx.OccurredAt, Granularity: domain.PriceGranularityExact}) {
		report.PricesSet++
	}
}

func setFeeIdentityIfFiat(f *domain.Fee, tx *domain.Transaction, fiat map[string]bool, report *StageReport) {
	if !isFiat(fiat, f.AssetSymbol) {
		return
	}
	source := domain.PriceSourceExchangeExecution
	if f.AssetSymbol != "USD" {
		source = domain.PriceSourceFiatExecutionTentative
	}
	if f.Price == nil || source.Priority() > f.Price.Source.Priority() {
		price := domain.PriceAtTxTime{FiatCurrency: f.AssetSymbol, Amount: decimal.NewFromInt(1), Source: source, ObservedAt: tx.OccurredAt, Granularity: domain.PriceGranularityExact}
		f.Price = &price
		report.PricesSet++
	}
}

func propagateAcrossLinks(ctx context.Context, txs []*domain.Transaction, opts Options, report *StageReport) {
	for _, tx := range txs {
		if tx.ID == 0 {
			continue
		}
		links, err := opts.LinkLookup(ctx, tx.ID)
		if err != nil {
			report.Failures = append(report.Failures, fmt.Sprintf("link lookup for transaction %d: %v", tx.ID, err))
			continue
		}
		for _, link := range links {
			otherID := link.TransactionAID
			if otherID == tx.ID {
				otherID = link.TransactionBID
			}
			other, err := opts.TransactionByID(ctx, otherID)
			if err != nil || other == nil {
				continue
			}
			for i := range tx.Movements {
				for j := range other.Movements {
					if tx.Movements[i].AssetSymbol != other.Movements[j].AssetSymbol || other.Movements[j].Price == nil {
						continue
					}
					if setPriceIfHigherPriority(&tx.Movements[i], *other.Movements[j].Price) {
						report.PricesSet++
					}
				}
			}
		}
	}
}

// normalizeStage implements Stage 2: convert non-USD
// fiat-execution-tentative prices to USD via an FX-rate provider,
// upgrading successful conversions to derived-ratio. In fail mode the
// whole pipeline aborts on the first failure.
func normalizeStage(ctx context.Context, txs []*domain.Transaction, opts Options) (StageReport, error) {
	report := StageReport{Stage: "normalize"}
	if opts.FXRegistry == nil {
		return report, nil
	}

	for _, tx := range txs {
		for i := range tx.Movements {
			if done, err := normalizeMovementPrice(ctx, &tx.Movements[i], opts); err != nil {
				report.Failures = append(report.Failures, err.Error())
				if opts.FailOnFXError {
					return report, firstNFailures(report.Failures, opts.MaxFailuresReported)
				}
			} else if done {
				report.PricesSet++
			}
		}
	}
	return report, nil
}

func normalizeMovementPrice(ctx context.Context, m *domain.Movement, opts Options) (bool, error) {
	if m.Price == nil || m.Price.Source != domain.PriceSourceFiatExecutionTentative || m.Price.FiatCurrency == "USD" {
		return false, nil
	}
	rate, providerName, err := opts.FXRegistry.FetchWithFailover(ctx, m.Price.FiatCurrency, "USD", m.Price.ObservedAt)
	if err != nil {
		return false, fmt.Errorf("fx conversion %s->USD for movement %s: %w", m.Price.FiatCurrency, m.AssetSymbol, err)
	}
	converted := domain.PriceAtTxTime{
		FiatCurrency: "USD",
		Amount:       m.Price.Amount.Mul(rate),
		Source:       domain.PriceSourceDerivedRatio,
		ObservedAt:   m.Price.ObservedAt,
		Granularity:  m.Price.Granularity,
		FxRateToUSD:  &rate,
		FxSource:     providerName,
		FxTimestamp:  m.Price.ObservedAt,
	}
	return setPriceIfHigherPriority(m, converted), nil
}

// firstNFailures builds the abort error for Stage 2's fail mode,
// reporting the count, the missing conversions themselves, and the
// manual remediation path, per spec.md §8 Scenario 4.
func firstNFailures(failures []string, n int) error {
	shown := failures
	suppressed := ""
	if n > 0 && n < len(failures) {
		shown = failures[:n]
		suppressed = fmt.Sprintf(" (%d more suppressed)", len(failures)-n)
	}
	return fmt.Errorf("%d FX rate conversion failure(s)%s: %s; run `prices set-fx` to set the missing rate(s) manually",
		len(failures), suppressed, strings.Join(shown, "; "))
}

// fetchStage implements Stage 3: query a crypto price provider for
// every movement still unpriced after Stage 1/2. A market-provider
// price (priority 1) can never overwrite a derived-ratio result
// (priority 2) from Stage 2.
func fetchStage(ctx context.Context, txs []*domain.Transaction, opts Options) StageReport {
	report := StageReport{Stage: "fetch"}
	if opts.CryptoRegistry == nil {
		return report
	}

	for _, tx := range txs {
		for i := range tx.Movements {
			m := &tx.Movements[i]
			if m.Price != nil && m.Price.Source.Priority() >= domain.PriceSourceDerivedRatio.Priority() {
				continue
			}
			if isFiat(opts.FiatCurrencies, m.AssetSymbol) {
				continue
			}
			price, _, err := opts.CryptoRegistry.FetchWithFailover(ctx, m.AssetSymbol, "USD", tx.OccurredAt)
			if err != nil {
				report.Failures = append(report.Failures, fmt.Sprintf("fetch price for %s: %v", m.AssetSymbol, err))
				continue
			}
			candidate := domain.PriceAtTxTime{FiatCurrency: "USD", Amount: price, Source: domain.PriceSourceMarketProvider, ObservedAt: tx.OccurredAt, Granularity: domain.PriceGranularityHour}
			if setPriceIfHigherPriority(m, candidate) {
				report.PricesSet++
			}
		}
	}
	return report
}
