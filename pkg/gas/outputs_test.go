package gas

import (
	"testing"

	"github.com/filecoin-project/go-state-types/big"
	"github.com/stretchr/testify/require"
)

func TestComputeRefundNeverNegative(t *testing.T) {
	out := Compute(1000, 1000, big.NewInt(100), big.NewInt(100), big.NewInt(10))
	require.False(t, out.Refund.LessThan(big.Zero()))
}

func TestComputeUnusedGasRefundsAllButOverEstimationBurn(t *testing.T) {
	// gasUsed == 0: nothing is burned as base fee or tipped, but 3/10 of
	// baseFee x unused gas (100 x 1000 x 3/10 = 30000) is burned as
	// over-estimation; the rest of gas_cost comes back.
	out := Compute(0, 1000, big.NewInt(100), big.NewInt(100), big.NewInt(10))
	require.True(t, out.BaseFeeBurn.IsZero())
	require.True(t, out.MinerTip.IsZero())
	gasCost := GasCost(big.NewInt(100), 1000)
	require.Equal(t, big.Sub(gasCost, big.NewInt(30000)), out.Refund)
}

func TestComputeComponentsSumToGasCost(t *testing.T) {
	gasUsed, gasLimit := int64(700), int64(1000)
	baseFee, feeCap, premium := big.NewInt(50), big.NewInt(100), big.NewInt(20)
	out := Compute(gasUsed, gasLimit, baseFee, feeCap, premium)
	total := Sum(out.BaseFeeBurn, out.OverEstimationBurn, out.MinerTip, out.Refund)
	require.Equal(t, GasCost(feeCap, gasLimit), total)
}

func TestMinerPenaltyIsBaseFeeTimesLimit(t *testing.T) {
	require.Equal(t, big.NewInt(5000), MinerPenalty(big.NewInt(50), 100))
}
