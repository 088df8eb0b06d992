package app

import (
	"context"
	"errors"
	"math"
	"math/big"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/fd1az/chain-connector/business/connection/domain"
	"github.com/fd1az/chain-connector/internal/asset"
	"github.com/fd1az/chain-connector/internal/cache"
	"github.com/fd1az/chain-connector/internal/logger"
)

var (
	errEmptyFeeHistory = errors.New("fee history returned no base fees")

	feeHistoryPercentiles = []float64{10, 50, 90}

	// priority fees used when fee history carries no rewards
	defaultPriorityFees = [3]decimal.Decimal{
		decimal.NewFromInt(1), decimal.NewFromInt(2), decimal.NewFromInt(3),
	}

	// returned when the chain cannot be queried at all
	defaultLegacyTiers = domain.LegacyTiers{
		Slow:     decimal.NewFromInt(10),
		Standard: decimal.NewFromInt(20),
		Fast:     decimal.NewFromInt(30),
		Fastest:  decimal.NewFromInt(50),
	}
)

// GasEstimator derives tiered gas prices. It never fails: when the chain cannot be
// reached it returns a Degraded estimate built from defaults.
type GasEstimator struct {
	blocks  uint64
	timeout time.Duration
	ttl     time.Duration
	cache   *cache.Cache[domain.NetworkID, *domain.GasEstimate]
	now     func() time.Time
	log     logger.LoggerInterface
	tracer  trace.Tracer
	metrics *engineMetrics
}

func newGasEstimator(s Settings, log logger.LoggerInterface, m *engineMetrics, now func() time.Time) *GasEstimator {
	blocks := s.FeeHistoryBlocks
	if blocks < 1 {
		blocks = 20
	}
	return &GasEstimator{
		blocks:  uint64(blocks),
		timeout: s.RequestTimeout,
		ttl:     s.GasCacheTTL,
		cache:   cache.New[domain.NetworkID, *domain.GasEstimate](time.Minute),
		now:     now,
		log:     log,
		tracer:  otel.Tracer(tracerName),
		metrics: m,
	}
}

// Estimate returns tiers for cfg using h. A nil h yields the default estimate.
func (g *GasEstimator) Estimate(ctx context.Context, cfg domain.NetworkConfig, h ClientHandle) *domain.GasEstimate {
	ctx, span := g.tracer.Start(ctx, "gas.estimate",
		trace.WithAttributes(attribute.String("network", string(cfg.ID))))
	defer span.End()

	if est, ok := g.cache.Get(ctx, cfg.ID); ok {
		span.AddEvent("cache_hit")
		return est.Clone()
	}

	est := g.estimate(ctx, cfg, h)
	est.Network = cfg.ID
	est.Timestamp = g.now()
	capEstimate(est, cfg.MaxGasPriceGwei)

	if !est.Degraded {
		g.cache.Set(ctx, cfg.ID, est.Clone(), g.ttl)
	}

	g.metrics.gasEstimates.Add(ctx, 1, metric.WithAttributes(
		attribute.String("network", string(cfg.ID)),
		attribute.String("source", string(est.Source)),
	))
	span.SetAttributes(attribute.String("source", string(est.Source)))
	return est
}

func (g *GasEstimator) estimate(ctx context.Context, cfg domain.NetworkConfig, h ClientHandle) *domain.GasEstimate {
	if h == nil {
		return DefaultGasEstimate()
	}

	if cfg.SupportsEIP1559 {
		est, err := g.fromFeeHistory(ctx, h)
		if err == nil {
			return est
		}
		g.log.Warn(ctx, "fee history unavailable, falling back to gas price", "network", cfg.ID, "error", err)
	}

	est, err := g.fromGasPrice(ctx, h)
	if err == nil {
		return est
	}
	g.log.Warn(ctx, "gas price unavailable, using defaults", "network", cfg.ID, "error", err)
	return DefaultGasEstimate()
}

func (g *GasEstimator) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout > 0 {
		return context.WithTimeout(ctx, g.timeout)
	}
	return context.WithCancel(ctx)
}

func (g *GasEstimator) fromFeeHistory(ctx context.Context, h ClientHandle) (*domain.GasEstimate, error) {
	ctx, cancel := g.callCtx(ctx)
	defer cancel()

	fh, err := h.FeeHistory(ctx, g.blocks, nil, feeHistoryPercentiles)
	if err != nil {
		return nil, err
	}
	if fh == nil || len(fh.BaseFee) == 0 {
		return nil, errEmptyFeeHistory
	}

	baseFee := asset.WeiToGwei(fh.BaseFee[len(fh.BaseFee)-1])

	var rewards []decimal.Decimal
	for _, block := range fh.Reward {
		for _, r := range block {
			if r != nil {
				rewards = append(rewards, asset.WeiToGwei(r))
			}
		}
	}

	prio := defaultPriorityFees
	if len(rewards) > 0 {
		sort.Slice(rewards, func(i, j int) bool { return rewards[i].LessThan(rewards[j]) })
		prio = [3]decimal.Decimal{
			percentile(rewards, 25),
			percentile(rewards, 50),
			percentile(rewards, 75),
		}
	}

	tier := func(p decimal.Decimal) domain.FeeTier {
		return domain.FeeTier{MaxFeeGwei: baseFee.Add(p), PriorityFeeGwei: p}
	}

	return &domain.GasEstimate{
		Model:       domain.GasModelEIP1559,
		Source:      domain.GasSourceFeeHistory,
		BaseFeeGwei: baseFee,
		EIP1559: &domain.FeeTiers{
			Slow:     tier(prio[0]),
			Standard: tier(prio[1]),
			Fast:     tier(prio[2]),
		},
	}, nil
}

func (g *GasEstimator) fromGasPrice(ctx context.Context, h ClientHandle) (*domain.GasEstimate, error) {
	ctx, cancel := g.callCtx(ctx)
	defer cancel()

	wei, err := h.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	if wei == nil {
		wei = new(big.Int)
	}
	return &domain.GasEstimate{
		Model:  domain.GasModelLegacy,
		Source: domain.GasSourceGasPrice,
		Legacy: LegacyTiersFor(asset.WeiToGwei(wei)),
	}, nil
}

// LegacyTiersFor derives legacy tiers from a single gas price g (gwei):
// slow max(1, g-2) but never above g, standard g, fast g+5, fastest g+10.
func LegacyTiersFor(g decimal.Decimal) *domain.LegacyTiers {
	slow := decimal.Max(decimal.NewFromInt(1), g.Sub(decimal.NewFromInt(2)))
	slow = decimal.Min(slow, g)
	return &domain.LegacyTiers{
		Slow:     slow,
		Standard: g,
		Fast:     g.Add(decimal.NewFromInt(5)),
		Fastest:  g.Add(decimal.NewFromInt(10)),
	}
}

// DefaultGasEstimate is the degraded estimate used when the chain cannot be queried.
func DefaultGasEstimate() *domain.GasEstimate {
	tiers := defaultLegacyTiers
	return &domain.GasEstimate{
		Model:    domain.GasModelLegacy,
		Source:   domain.GasSourceDefault,
		Degraded: true,
		Legacy:   &tiers,
	}
}

// percentile picks the lower nearest-rank value of sorted for p in [0,100].
func percentile(sorted []decimal.Decimal, p float64) decimal.Decimal {
	idx := int(math.Floor(p / 100 * float64(len(sorted)-1)))
	return sorted[idx]
}

// capEstimate clamps every tier to maxGwei. Clamping is monotone so tier order is kept.
func capEstimate(est *domain.GasEstimate, maxGwei decimal.Decimal) {
	if !maxGwei.IsPositive() {
		return
	}
	c := func(v decimal.Decimal) decimal.Decimal { return decimal.Min(v, maxGwei) }

	if t := est.EIP1559; t != nil {
		for _, ft := range []*domain.FeeTier{&t.Slow, &t.Standard, &t.Fast} {
			ft.MaxFeeGwei = c(ft.MaxFeeGwei)
			ft.PriorityFeeGwei = c(ft.PriorityFeeGwei)
		}
	}
	if t := est.Legacy; t != nil {
		t.Slow, t.Standard, t.Fast, t.Fastest = c(t.Slow), c(t.Standard), c(t.Fast), c(t.Fastest)
	}
}

// Close releases the estimate cache.
func (g *GasEstimator) Close() {
	g.cache.Close()
}
