package app

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fd1az/chain-connector/business/connection/domain"
	"github.com/fd1az/chain-connector/internal/logger"
)

func newTestGasEstimator(t *testing.T) *GasEstimator {
	t.Helper()
	m, err := newEngineMetrics()
	require.NoError(t, err)
	g := newGasEstimator(testSettings(), logger.NewNop(), m, newFakeClock().Now)
	t.Cleanup(g.Close)
	return g
}

// feeHistory builds blocks identical blocks with the given base fee and rewards, all in gwei.
func feeHistory(blocks int, baseFee int64, rewards ...int64) *ethereum.FeeHistory {
	fh := &ethereum.FeeHistory{OldestBlock: big.NewInt(18_500_000)}
	for i := 0; i < blocks; i++ {
		row := make([]*big.Int, len(rewards))
		for j, r := range rewards {
			row[j] = gwei(r)
		}
		fh.Reward = append(fh.Reward, row)
		fh.BaseFee = append(fh.BaseFee, gwei(baseFee))
		fh.GasUsedRatio = append(fh.GasUsedRatio, 0.5)
	}
	// next-block base fee
	fh.BaseFee = append(fh.BaseFee, gwei(baseFee))
	return fh
}

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func assertDec(t *testing.T, want int64, got decimal.Decimal, field string) {
	t.Helper()
	assert.True(t, got.Equal(d(want)), "%s: want %d, got %s", field, want, got)
}

func TestGasEstimator_FeeHistoryTiers(t *testing.T) {
	g := newTestGasEstimator(t)
	c := newFakeClient(1, 18_500_000, 20)
	c.feeHistory = feeHistory(20, 30, 1, 2, 3)

	est := g.Estimate(context.Background(), testNetwork("ethereum", 1), c)

	require.NotNil(t, est.EIP1559)
	assert.Equal(t, domain.GasModelEIP1559, est.Model)
	assert.Equal(t, domain.GasSourceFeeHistory, est.Source)
	assert.False(t, est.Degraded)
	assertDec(t, 30, est.BaseFeeGwei, "base fee")
	assertDec(t, 31, est.EIP1559.Slow.MaxFeeGwei, "slow max")
	assertDec(t, 1, est.EIP1559.Slow.PriorityFeeGwei, "slow priority")
	assertDec(t, 32, est.EIP1559.Standard.MaxFeeGwei, "standard max")
	assertDec(t, 2, est.EIP1559.Standard.PriorityFeeGwei, "standard priority")
	assertDec(t, 33, est.EIP1559.Fast.MaxFeeGwei, "fast max")
	assertDec(t, 3, est.EIP1559.Fast.PriorityFeeGwei, "fast priority")
}

func TestGasEstimator_FeeHistoryWithoutRewards(t *testing.T) {
	g := newTestGasEstimator(t)
	c := newFakeClient(1, 1, 20)
	c.feeHistory = feeHistory(5, 10)

	est := g.Estimate(context.Background(), testNetwork("ethereum", 1), c)

	require.NotNil(t, est.EIP1559)
	assertDec(t, 11, est.EIP1559.Slow.MaxFeeGwei, "slow max")
	assertDec(t, 12, est.EIP1559.Standard.MaxFeeGwei, "standard max")
	assertDec(t, 13, est.EIP1559.Fast.MaxFeeGwei, "fast max")
}

func TestGasEstimator_LegacyFallback(t *testing.T) {
	g := newTestGasEstimator(t)
	c := newFakeClient(56, 1, 5)
	c.feeErr = errors.New("method not found")

	est := g.Estimate(context.Background(), testNetwork("bsc", 56), c)

	require.NotNil(t, est.Legacy)
	assert.Equal(t, domain.GasModelLegacy, est.Model)
	assert.Equal(t, domain.GasSourceGasPrice, est.Source)
	assertDec(t, 3, est.Legacy.Slow, "slow")
	assertDec(t, 5, est.Legacy.Standard, "standard")
	assertDec(t, 10, est.Legacy.Fast, "fast")
	assertDec(t, 15, est.Legacy.Fastest, "fastest")
}

func TestGasEstimator_NonEIP1559SkipsFeeHistory(t *testing.T) {
	g := newTestGasEstimator(t)
	cfg := testNetwork("bsc", 56)
	cfg.SupportsEIP1559 = false
	c := newFakeClient(56, 1, 3)
	c.feeHistory = feeHistory(20, 30, 1, 2, 3)

	est := g.Estimate(context.Background(), cfg, c)

	assert.Equal(t, domain.GasSourceGasPrice, est.Source)
	assert.Equal(t, 0, c.callCount("eth_feeHistory"))
}

func TestGasEstimator_DefaultsWhenUnreachable(t *testing.T) {
	g := newTestGasEstimator(t)
	c := newFakeClient(1, 1, 20)
	c.feeErr = errors.New("timeout")
	c.gasErr = errors.New("timeout")

	for name, h := range map[string]ClientHandle{"failing client": c, "no client": nil} {
		t.Run(name, func(t *testing.T) {
			est := g.Estimate(context.Background(), testNetwork("ethereum", 1), h)
			assert.True(t, est.Degraded)
			assert.Equal(t, domain.GasSourceDefault, est.Source)
			require.NotNil(t, est.Legacy)
			assertDec(t, 10, est.Legacy.Slow, "slow")
			assertDec(t, 20, est.Legacy.Standard, "standard")
			assertDec(t, 30, est.Legacy.Fast, "fast")
			assertDec(t, 50, est.Legacy.Fastest, "fastest")
		})
	}
}

func TestGasEstimator_CapKeepsOrder(t *testing.T) {
	g := newTestGasEstimator(t)
	cfg := testNetwork("polygon", 137)
	cfg.MaxGasPriceGwei = d(32)
	c := newFakeClient(137, 1, 20)
	c.feeHistory = feeHistory(20, 30, 1, 2, 3)

	est := g.Estimate(context.Background(), cfg, c)

	tiers := est.EIP1559
	assertDec(t, 31, tiers.Slow.MaxFeeGwei, "slow max")
	assertDec(t, 32, tiers.Standard.MaxFeeGwei, "standard max")
	assertDec(t, 32, tiers.Fast.MaxFeeGwei, "fast max")
	assert.True(t, tiers.Slow.MaxFeeGwei.LessThanOrEqual(tiers.Standard.MaxFeeGwei))
	assert.True(t, tiers.Standard.MaxFeeGwei.LessThanOrEqual(tiers.Fast.MaxFeeGwei))
}

func TestGasEstimator_CachesSuccessfulEstimates(t *testing.T) {
	g := newTestGasEstimator(t)
	c := newFakeClient(1, 1, 20)
	c.feeHistory = feeHistory(20, 30, 1, 2, 3)
	cfg := testNetwork("ethereum", 1)

	first := g.Estimate(context.Background(), cfg, c)
	second := g.Estimate(context.Background(), cfg, c)

	assert.NotSame(t, first, second)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, c.callCount("eth_feeHistory"))
}

func TestGasEstimator_CallersCannotAlterCachedEstimate(t *testing.T) {
	g := newTestGasEstimator(t)
	c := newFakeClient(1, 1, 20)
	c.feeErr = errUnreachable
	cfg := testNetwork("ethereum", 1)
	ctx := context.Background()

	first := g.Estimate(ctx, cfg, c)
	require.NotNil(t, first.Legacy)
	first.Legacy.Standard = first.Legacy.Standard.Add(decimal.NewFromInt(20))
	first.Source = domain.GasSourceDefault

	second := g.Estimate(ctx, cfg, c)
	require.NotNil(t, second.Legacy)
	assertDec(t, 20, second.Legacy.Standard, "standard")
	assert.Equal(t, domain.GasSourceGasPrice, second.Source)
	assert.Equal(t, 1, c.callCount("eth_gasPrice"))
}

func TestLegacyTiersFor(t *testing.T) {
	tests := []struct {
		gas                      decimal.Decimal
		slow, std, fast, fastest string
	}{
		{d(20), "18", "20", "25", "30"},
		{d(2), "1", "2", "7", "12"},
		{decimal.RequireFromString("0.5"), "0.5", "0.5", "5.5", "10.5"},
	}
	for _, tt := range tests {
		t.Run(tt.gas.String(), func(t *testing.T) {
			got := LegacyTiersFor(tt.gas)
			assert.Equal(t, tt.slow, got.Slow.String())
			assert.Equal(t, tt.std, got.Standard.String())
			assert.Equal(t, tt.fast, got.Fast.String())
			assert.Equal(t, tt.fastest, got.Fastest.String())
			assert.True(t, got.Slow.LessThanOrEqual(got.Standard))
		})
	}
}

func TestPercentile(t *testing.T) {
	sorted := []decimal.Decimal{d(1), d(2), d(3), d(4)}
	assertDec(t, 1, percentile(sorted, 25), "p25")
	assertDec(t, 2, percentile(sorted, 50), "p50")
	assertDec(t, 3, percentile(sorted, 75), "p75")
	assertDec(t, 4, percentile(sorted, 100), "p100")
}
