package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/fd1az/chain-connector/business/connection/domain"
	"github.com/fd1az/chain-connector/internal/asset"
	"github.com/fd1az/chain-connector/internal/logger"
)

// maxConcurrentChecks bounds the per-tick fan-out across networks.
const maxConcurrentChecks = 8

// HealthMonitor supervises the two background loops that keep connection state fresh.
// The connection loop probes liveness and drives the breaker; the deep loop re-runs the
// verification checks and grades the status.
type HealthMonitor struct {
	r        *Registry
	interval time.Duration
	log      logger.LoggerInterface

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

func newHealthMonitor(r *Registry, interval time.Duration, log logger.LoggerInterface) *HealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthMonitor{r: r, interval: interval, log: log}
}

// Start launches both loops. Calling Start while running is a no-op.
func (m *HealthMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.group != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.loop(gctx, "connection", m.probeConnections) })
	g.Go(func() error { return m.loop(gctx, "deep", m.deepCheck) })

	m.cancel = cancel
	m.group = g
	m.log.Info(ctx, "health monitor started", "interval", m.interval.String())
}

// Stop cancels both loops and waits for in-flight checks to finish.
func (m *HealthMonitor) Stop() {
	m.mu.Lock()
	cancel, g := m.cancel, m.group
	m.cancel, m.group = nil, nil
	m.mu.Unlock()

	if g == nil {
		return
	}
	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		m.log.Error(context.Background(), "health monitor exited", "error", err)
	}
	m.log.Info(context.Background(), "health monitor stopped")
}

// Running reports whether the loops are active.
func (m *HealthMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.group != nil
}

func (m *HealthMonitor) loop(ctx context.Context, name string, tick func(context.Context)) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Debug(ctx, "monitor loop exiting", "loop", name)
			return ctx.Err()
		case <-ticker.C:
			tick(ctx)
		}
	}
}

type monitorTarget struct {
	network domain.NetworkID
	config  domain.NetworkConfig
	handle  ClientHandle
}

// targets snapshots every network that holds a live client.
func (m *HealthMonitor) targets() []monitorTarget {
	m.r.mu.RLock()
	defer m.r.mu.RUnlock()

	out := make([]monitorTarget, 0, len(m.r.conns))
	for _, id := range domain.SortedIDs(m.r.conns) {
		c := m.r.conns[id]
		if c.Handle == nil || c.Status == domain.StatusDisconnected {
			continue
		}
		out = append(out, monitorTarget{network: id, config: c.Config, handle: c.Handle})
	}
	return out
}

// forEach runs check for every target concurrently. A failing network never stops the others.
func (m *HealthMonitor) forEach(ctx context.Context, check func(context.Context, monitorTarget)) {
	var g errgroup.Group
	g.SetLimit(maxConcurrentChecks)
	for _, t := range m.targets() {
		if m.r.Breaker(t.network).IsOpen() {
			m.log.Debug(ctx, "skipping network with open breaker", "network", t.network)
			continue
		}
		g.Go(func() error {
			check(ctx, t)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *HealthMonitor) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if t := m.r.settings.RequestTimeout; t > 0 {
		return context.WithTimeout(ctx, t)
	}
	return context.WithCancel(ctx)
}

// probeConnections runs one pass of the connection loop.
func (m *HealthMonitor) probeConnections(ctx context.Context) {
	m.forEach(ctx, m.probe)
}

func (m *HealthMonitor) probe(ctx context.Context, t monitorTarget) {
	cctx, cancel := m.callCtx(ctx)
	start := time.Now()
	block, err := t.handle.BlockNumber(cctx)
	latency := time.Since(start)
	cancel()

	if ctx.Err() != nil {
		return
	}
	if !m.r.holds(t.network, t.handle) {
		return
	}

	m.r.recordOutcome(ctx, t.network, "eth_blockNumber", err, latency)
	if err != nil {
		m.log.Warn(ctx, "liveness probe failed", "network", t.network, "error", err)
		return
	}

	m.r.mu.Lock()
	if c, ok := m.r.conns[t.network]; ok && c.Handle == t.handle {
		c.LatestBlock = block
	}
	m.r.mu.Unlock()
}

// deepCheck runs one pass of the deep loop.
func (m *HealthMonitor) deepCheck(ctx context.Context) {
	m.forEach(ctx, m.deep)
}

func (m *HealthMonitor) deep(ctx context.Context, t monitorTarget) {
	cctx, cancel := m.callCtx(ctx)
	defer cancel()

	passed := 0
	var failures []string

	if _, err := t.handle.ClientVersion(cctx); err == nil {
		passed++
	} else {
		failures = append(failures, "ping: "+err.Error())
	}

	block, err := t.handle.BlockNumber(cctx)
	switch {
	case err != nil:
		failures = append(failures, "block_number: "+err.Error())
	case block == 0:
		failures = append(failures, "block_number: node reports block 0")
	default:
		passed++
	}

	gas, err := t.handle.SuggestGasPrice(cctx)
	switch {
	case err != nil:
		failures = append(failures, "gas_price: "+err.Error())
	case gas == nil || gas.Sign() <= 0:
		failures = append(failures, "gas_price: non-positive")
	default:
		passed++
	}

	chainID, err := t.handle.ChainID(cctx)
	switch {
	case err != nil:
		failures = append(failures, "chain_id: "+err.Error())
	case !chainID.IsUint64() || chainID.Uint64() != t.config.ChainID:
		failures = append(failures, fmt.Sprintf("chain_id: expected %d, got %s", t.config.ChainID, chainID))
	default:
		passed++
	}

	if ctx.Err() != nil {
		return
	}

	score := float64(passed) / 4
	status := GradeDeepCheck(score)

	m.r.mu.Lock()
	c, ok := m.r.conns[t.network]
	if !ok || c.Handle != t.handle {
		m.r.mu.Unlock()
		return
	}
	c.Status = status
	c.UpdatedAt = m.r.now()
	if gas != nil && gas.Sign() > 0 {
		c.GasPriceGwei = asset.WeiToGwei(gas)
	}
	if block > 0 {
		c.LatestBlock = block
	}
	if len(failures) > 0 {
		c.LastError = failures[0]
	}
	m.r.mu.Unlock()

	m.r.metrics.healthScore.Record(ctx, HealthScore(m.r.tracker.Stats(t.network), status == domain.StatusConnected),
		metric.WithAttributes(attribute.String("network", string(t.network))))

	if len(failures) > 0 {
		m.log.Warn(ctx, "deep health check degraded",
			"network", t.network, "passed", passed, "status", status, "failures", failures)
	}
}

// GradeDeepCheck maps the fraction of passed deep checks to a status.
func GradeDeepCheck(score float64) domain.ConnectionStatus {
	switch {
	case score >= 0.75:
		return domain.StatusConnected
	case score >= 0.5:
		return domain.StatusError
	default:
		return domain.StatusDisconnected
	}
}
