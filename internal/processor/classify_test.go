package processor

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/exitbook/ingestion/internal/domain"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestNetByAssetConsolidatesDuplicateLegs(t *testing.T) {
	flows := []assetFlow{
		{asset: "USDC", net: dec("10")},
		{asset: "USDC", net: dec("5")},
		{asset: "ETH", net: dec("-1")},
	}
	net := netByAsset(flows)
	require.Len(t, net, 2)
	require.Equal(t, "ETH", net[0].asset)
	require.True(t, net[0].net.Equal(dec("-1")))
	require.Equal(t, "USDC", net[1].asset)
	require.True(t, net[1].net.Equal(dec("15")))
}

func TestClassifyFundFlowTrade(t *testing.T) {
	op, notes, side := classifyFundFlow([]assetFlow{
		{asset: "USD", net: dec("-100")},
		{asset: "BTC", net: dec("0.01")},
	}, false, "USD")
	require.Equal(t, domain.OperationTrade, op)
	require.Empty(t, notes)
	require.Equal(t, "sell/swap", side)
}

func TestClassifyFundFlowBuySide(t *testing.T) {
	_, _, side := classifyFundFlow([]assetFlow{
		{asset: "USD", net: dec("100")},
		{asset: "BTC", net: dec("-0.01")},
	}, false, "USD")
	require.Equal(t, "buy", side)
}

func TestClassifyFundFlowWithdrawal(t *testing.T) {
	op, _, _ := classifyFundFlow([]assetFlow{{asset: "BTC", net: dec("-0.5")}}, false, "")
	require.Equal(t, domain.OperationWithdrawal, op)
}

func TestClassifyFundFlowDeposit(t *testing.T) {
	op, _, _ := classifyFundFlow([]assetFlow{{asset: "BTC", net: dec("0.5")}}, false, "")
	require.Equal(t, domain.OperationDeposit, op)
}

func TestClassifyFundFlowInternalTransfer(t *testing.T) {
	op, _, _ := classifyFundFlow([]assetFlow{
		{asset: "ETH", net: dec("-1")},
		{asset: "ETH", net: dec("1")},
	}, true, "")
	require.Equal(t, domain.OperationInternalTransfer, op)
}

func TestClassifyFundFlowAmbiguousEmitsWarning(t *testing.T) {
	op, notes, _ := classifyFundFlow([]assetFlow{
		{asset: "BTC", net: dec("-1")},
		{asset: "ETH", net: dec("-1")},
		{asset: "USD", net: dec("100")},
	}, false, "")
	require.Equal(t, domain.OperationUnknown, op)
	require.Len(t, notes, 1)
	require.Equal(t, NoteWarning, notes[0].Severity)
}
