package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/fd1az/chain-connector/business/connection/domain"
	"github.com/fd1az/chain-connector/internal/apperror"
	"github.com/fd1az/chain-connector/internal/asset"
	"github.com/fd1az/chain-connector/internal/logger"
)

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now for breaker cooldowns and timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithHeadSource enables newHeads subscriptions on networks that list subscription
// endpoints. Settings.FollowHeads must also be set.
func WithHeadSource(src HeadSource) Option {
	return func(r *Registry) { r.headSource = src }
}

// ConnectOption tunes a single Connect call.
type ConnectOption func(*connectOptions)

type connectOptions struct {
	preferred string
	force     bool
}

// WithPreferredProvider tries the provider's keyed endpoints first.
func WithPreferredProvider(provider string) ConnectOption {
	return func(o *connectOptions) { o.preferred = provider }
}

// WithForceReconnect replaces an existing healthy connection.
func WithForceReconnect() ConnectOption {
	return func(o *connectOptions) { o.force = true }
}

// Registry owns the live connections of every configured network and is the
// entry point for collaborators.
type Registry struct {
	settings    Settings
	networks    *domain.NetworkRegistry
	creds       domain.ProviderCredentials
	establisher *Establisher
	gas         *GasEstimator
	tracker     *RequestTracker
	monitor     *HealthMonitor
	headSource  HeadSource
	heads       *headFollower
	log         logger.LoggerInterface
	tracer      trace.Tracer
	metrics     *engineMetrics
	now         func() time.Time

	// per-network establishment guards
	locks sync.Map

	mu         sync.RWMutex
	conns      map[domain.NetworkID]*Connection
	pending    map[domain.NetworkID]domain.ConnectionStatus
	lastErrors map[domain.NetworkID]string
	breakers   map[domain.NetworkID]*CircuitBreaker
	active     domain.NetworkID
	closed     bool
}

// NewRegistry wires the engine.
func NewRegistry(
	settings Settings,
	networks *domain.NetworkRegistry,
	creds domain.ProviderCredentials,
	dialer Dialer,
	log logger.LoggerInterface,
	opts ...Option,
) (*Registry, error) {
	m, err := newEngineMetrics()
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	r := &Registry{
		settings:   settings,
		networks:   networks,
		creds:      creds,
		log:        log,
		tracer:     otel.Tracer(tracerName),
		metrics:    m,
		now:        time.Now,
		conns:      make(map[domain.NetworkID]*Connection),
		pending:    make(map[domain.NetworkID]domain.ConnectionStatus),
		lastErrors: make(map[domain.NetworkID]string),
		breakers:   make(map[domain.NetworkID]*CircuitBreaker),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.establisher = newEstablisher(NewVerifier(dialer, settings.RequestTimeout), log, m)
	r.gas = newGasEstimator(settings, log, m, r.now)
	r.tracker = NewRequestTracker(settings.HistorySize, r.now)
	r.monitor = newHealthMonitor(r, settings.HealthCheckInterval, log)
	if r.headSource != nil && settings.FollowHeads {
		r.heads = newHeadFollower(r, r.headSource, settings.RequestTimeout, log)
	}

	return r, nil
}

// Networks lists the configured network ids.
func (r *Registry) Networks() []domain.NetworkID {
	return r.networks.IDs()
}

// Monitor exposes the background health monitor.
func (r *Registry) Monitor() *HealthMonitor {
	return r.monitor
}

// Tracker exposes the request history.
func (r *Registry) Tracker() *RequestTracker {
	return r.tracker
}

func (r *Registry) config(network domain.NetworkID) (domain.NetworkConfig, error) {
	cfg, ok := r.networks.Get(network)
	if !ok {
		return domain.NetworkConfig{}, apperror.New(apperror.CodeConfigurationError,
			apperror.WithMessage("Unknown network"),
			apperror.WithContext(fmt.Sprintf("network=%s", network)))
	}
	return cfg, nil
}

func (r *Registry) lockFor(network domain.NetworkID) *sync.Mutex {
	l, _ := r.locks.LoadOrStore(network, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// Breaker returns the circuit breaker of network, creating it on first use.
func (r *Registry) Breaker(network domain.NetworkID) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.breakerLocked(network)
}

func (r *Registry) breakerLocked(network domain.NetworkID) *CircuitBreaker {
	b, ok := r.breakers[network]
	if !ok {
		b = NewCircuitBreaker(r.settings.BreakerThreshold, r.settings.BreakerCooldown, r.now)
		r.breakers[network] = b
	}
	return b
}

func (r *Registry) connection(network domain.NetworkID) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[network]
	if !ok {
		return Connection{}, false
	}
	return *c, true
}

// holds reports whether h is still the live client of network.
func (r *Registry) holds(network domain.NetworkID, h ClientHandle) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[network]
	return ok && c.Handle == h
}

func (r *Registry) isHealthy(network domain.NetworkID) bool {
	c, ok := r.connection(network)
	return ok && c.Status == domain.StatusConnected && c.Handle != nil && !r.Breaker(network).IsOpen()
}

// Connect ensures network has a verified connection. Without WithForceReconnect it
// returns immediately when a healthy connection exists. Concurrent calls for the same
// network establish at most one connection.
func (r *Registry) Connect(ctx context.Context, network domain.NetworkID, opts ...ConnectOption) (bool, error) {
	cfg, err := r.config(network)
	if err != nil {
		return false, err
	}

	o := connectOptions{preferred: r.settings.PreferredProvider}
	for _, opt := range opts {
		opt(&o)
	}

	lock := r.lockFor(network)
	lock.Lock()
	defer lock.Unlock()

	if r.isClosed() {
		return false, r.closedError(network)
	}
	if !o.force && r.isHealthy(network) {
		return true, nil
	}

	ctx, span := r.tracer.Start(ctx, "connection.connect",
		trace.WithAttributes(
			attribute.String("network", string(network)),
			attribute.Bool("force", o.force),
		),
	)
	defer span.End()

	r.mu.Lock()
	if _, exists := r.conns[network]; exists {
		r.pending[network] = domain.StatusReconnecting
	} else {
		r.pending[network] = domain.StatusConnecting
	}
	r.mu.Unlock()

	candidates := Prioritize(cfg, r.creds, o.preferred)
	r.log.Info(ctx, "connecting", "network", network, "candidates", len(candidates), "force", o.force)

	est, err := r.establisher.Establish(ctx, cfg, candidates)
	if err != nil {
		r.mu.Lock()
		delete(r.pending, network)
		r.lastErrors[network] = err.Error()
		if c, ok := r.conns[network]; ok {
			c.Status = domain.StatusError
			c.LastError = err.Error()
			c.UpdatedAt = r.now()
		}
		r.mu.Unlock()

		span.RecordError(err)
		span.SetStatus(codes.Error, "establish failed")
		r.log.Error(ctx, "connection failed", "network", network, "error", err)
		return false, err
	}

	now := r.now()
	conn := &Connection{
		Network:            network,
		Config:             cfg,
		Handle:             est.Handle,
		Status:             domain.StatusConnected,
		Endpoint:           est.Candidate.URL,
		Provider:           est.Candidate.Provider,
		Tier:               est.Candidate.Tier,
		Attempts:           est.Attempts,
		ConnectedAt:        now,
		LastSuccessfulCall: now,
		LatestBlock:        est.Verification.BlockNumber,
		GasPriceGwei:       asset.WeiToGwei(est.Verification.GasPrice),
		ResponseTime:       est.Verification.Latency,
		UpdatedAt:          now,
	}

	r.mu.Lock()
	if r.closed {
		delete(r.pending, network)
		r.mu.Unlock()
		est.Handle.Close()
		span.SetStatus(codes.Error, "registry closed")
		return false, r.closedError(network)
	}
	old := r.conns[network]
	r.conns[network] = conn
	delete(r.pending, network)
	delete(r.lastErrors, network)
	r.breakerLocked(network).RecordSuccess()
	r.mu.Unlock()

	if old != nil && old.Handle != nil && old.Handle != est.Handle {
		if r.heads != nil {
			r.heads.stop(network)
		}
		old.Handle.Close()
	}

	span.SetAttributes(
		attribute.String("provider", conn.Provider),
		attribute.Int("attempts", conn.Attempts),
	)
	span.SetStatus(codes.Ok, "connected")
	r.log.Info(ctx, "connected",
		"network", network,
		"endpoint", domain.TruncateEndpoint(conn.Endpoint),
		"provider", conn.Provider,
		"provider_type", conn.Tier,
		"attempts", conn.Attempts,
		"block", conn.LatestBlock)

	if r.settings.MonitoringEnabled {
		r.monitor.Start(context.WithoutCancel(ctx))
	}
	if r.heads != nil {
		go r.heads.follow(context.WithoutCancel(ctx), cfg, est.Handle, o.preferred)
	}
	return true, nil
}

func (r *Registry) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

func (r *Registry) closedError(network domain.NetworkID) error {
	return apperror.New(apperror.CodeNotConnected,
		apperror.WithContext(fmt.Sprintf("network=%s: registry closed", network)))
}

func (r *Registry) circuitOpenError(network domain.NetworkID, until time.Time) error {
	return apperror.New(apperror.CodeCircuitOpen,
		apperror.WithContext(fmt.Sprintf("network=%s open_until=%s", network, until.UTC().Format(time.RFC3339))))
}

// rawHandle returns the shared client of network, connecting if absent.
func (r *Registry) rawHandle(ctx context.Context, network domain.NetworkID) (ClientHandle, error) {
	if _, err := r.config(network); err != nil {
		return nil, err
	}

	if until, open := r.Breaker(network).OpenUntil(); open {
		return nil, r.circuitOpenError(network, until)
	}

	c, ok := r.connection(network)
	if !ok || c.Handle == nil || c.Status == domain.StatusDisconnected {
		if _, err := r.Connect(ctx, network); err != nil {
			return nil, err
		}
		c, ok = r.connection(network)
	}
	if !ok || c.Handle == nil {
		return nil, apperror.New(apperror.CodeNotConnected,
			apperror.WithContext(fmt.Sprintf("network=%s", network)))
	}
	return c.Handle, nil
}

// GetHandle returns a client for network. It fails fast with CodeCircuitOpen while the
// breaker is open and connects on demand. Calls through the handle are tracked.
func (r *Registry) GetHandle(ctx context.Context, network domain.NetworkID) (ClientHandle, error) {
	h, err := r.rawHandle(ctx, network)
	if err != nil {
		return nil, err
	}
	return &trackedHandle{r: r, network: network, inner: h}, nil
}

// Do runs fn against network's client and records its outcome.
// A deadline overrun is reported as CodeServiceTimeout.
func (r *Registry) Do(ctx context.Context, network domain.NetworkID, op string, fn func(ctx context.Context, h ClientHandle) error) error {
	h, err := r.rawHandle(ctx, network)
	if err != nil {
		return err
	}

	if r.settings.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.settings.RequestTimeout)
		defer cancel()
	}

	return r.observe(ctx, network, op, func(ctx context.Context) error {
		return fn(ctx, h)
	})
}

// observe times fn and feeds the outcome into the tracker, the breaker and metrics.
// fn is not run while the breaker is open. Caller cancellation is not counted.
func (r *Registry) observe(ctx context.Context, network domain.NetworkID, op string, fn func(context.Context) error) error {
	if until, open := r.Breaker(network).OpenUntil(); open {
		return r.circuitOpenError(network, until)
	}

	start := time.Now()
	err := fn(ctx)
	latency := time.Since(start)

	if err != nil && errors.Is(err, context.Canceled) {
		return err
	}

	r.recordOutcome(ctx, network, op, err, latency)

	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return apperror.New(apperror.CodeServiceTimeout,
			apperror.WithCause(err),
			apperror.WithContext(fmt.Sprintf("network=%s op=%s", network, op)))
	}
	return err
}

func (r *Registry) recordOutcome(ctx context.Context, network domain.NetworkID, op string, err error, latency time.Duration) {
	success := err == nil
	r.tracker.Record(network, success, latency)

	outcome := "success"
	if !success {
		outcome = "failure"
	}
	attrs := metric.WithAttributes(
		attribute.String("network", string(network)),
		attribute.String("method", op),
		attribute.String("outcome", outcome),
	)
	r.metrics.requests.Add(ctx, 1, attrs)
	r.metrics.latency.Record(ctx, float64(latency.Milliseconds()), attrs)

	if success {
		r.markSuccess(network, nil, latency)
		return
	}
	r.markFailure(ctx, network, err)
}

// markSuccess resets the breaker and refreshes liveness fields. block is optional.
func (r *Registry) markSuccess(network domain.NetworkID, block *uint64, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.breakerLocked(network).RecordSuccess()
	c, ok := r.conns[network]
	if !ok {
		return
	}
	now := r.now()
	c.LastSuccessfulCall = now
	c.ResponseTime = latency
	c.UpdatedAt = now
	if block != nil {
		c.LatestBlock = *block
	}
}

// observeHead advances LatestBlock from a head subscription bound to h.
// Stale or out-of-order heads are ignored.
func (r *Registry) observeHead(network domain.NetworkID, h ClientHandle, block uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[network]
	if !ok || c.Handle != h || block <= c.LatestBlock {
		return false
	}
	c.LatestBlock = block
	c.UpdatedAt = r.now()
	return true
}

// markFailure counts a failure and moves the connection to error when the breaker opens.
func (r *Registry) markFailure(ctx context.Context, network domain.NetworkID, err error) {
	r.mu.Lock()
	opened := r.breakerLocked(network).RecordFailure()
	if c, ok := r.conns[network]; ok {
		c.LastError = err.Error()
		c.UpdatedAt = r.now()
		if opened {
			c.Status = domain.StatusError
		}
	}
	r.mu.Unlock()

	if opened {
		r.metrics.breakerTrips.Add(ctx, 1, metric.WithAttributes(attribute.String("network", string(network))))
		r.log.Warn(ctx, "circuit breaker opened",
			"network", network, "cooldown", r.settings.BreakerCooldown.String(), "error", err)
	}
}

func tradingError(network domain.NetworkID, op string, cause error) error {
	return apperror.New(apperror.CodeTradingError,
		apperror.WithCause(cause),
		apperror.WithContext(fmt.Sprintf("network=%s op=%s", network, op)))
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, apperror.New(apperror.CodeInvalidInput,
			apperror.WithContext(fmt.Sprintf("invalid address %q", s)))
	}
	return common.HexToAddress(s), nil
}

// NativeBalance returns the native coin balance of address. Failures carry CodeTradingError.
func (r *Registry) NativeBalance(ctx context.Context, network domain.NetworkID, address string) (decimal.Decimal, error) {
	cfg, err := r.config(network)
	if err != nil {
		return decimal.Zero, tradingError(network, "native_balance", err)
	}
	addr, err := parseAddress(address)
	if err != nil {
		return decimal.Zero, tradingError(network, "native_balance", err)
	}

	var wei decimal.Decimal
	err = r.Do(ctx, network, "eth_getBalance", func(ctx context.Context, h ClientHandle) error {
		bal, err := h.BalanceAt(ctx, addr, nil)
		if err != nil {
			return err
		}
		wei = cfg.NativeCurrency.ToDecimal(bal)
		return nil
	})
	if err != nil {
		r.log.Warn(ctx, "native balance failed", "network", network, "error", err)
		return decimal.Zero, tradingError(network, "native_balance", err)
	}
	return wei, nil
}

// TokenBalance returns the ERC-20 balance of address scaled by decimals.
// Failures carry CodeTradingError.
func (r *Registry) TokenBalance(ctx context.Context, network domain.NetworkID, token, address string, decimals uint8) (decimal.Decimal, error) {
	tokenAddr, err := parseAddress(token)
	if err != nil {
		return decimal.Zero, tradingError(network, "token_balance", err)
	}
	owner, err := parseAddress(address)
	if err != nil {
		return decimal.Zero, tradingError(network, "token_balance", err)
	}
	data, err := packBalanceOf(owner)
	if err != nil {
		return decimal.Zero, tradingError(network, "token_balance", err)
	}

	var out decimal.Decimal
	err = r.Do(ctx, network, "eth_call", func(ctx context.Context, h ClientHandle) error {
		raw, err := h.CallContract(ctx, ethereum.CallMsg{To: &tokenAddr, Data: data}, nil)
		if err != nil {
			return err
		}
		bal, err := unpackBalanceOf(raw)
		if err != nil {
			return err
		}
		out = asset.ToDecimal(bal, decimals)
		return nil
	})
	if err != nil {
		r.log.Warn(ctx, "token balance failed", "network", network, "token", tokenAddr.Hex(), "error", err)
		return decimal.Zero, tradingError(network, "token_balance", err)
	}
	return out, nil
}

// EstimateGasPrice returns tiered gas prices for network. It never fails; see GasEstimator.
func (r *Registry) EstimateGasPrice(ctx context.Context, network domain.NetworkID) *domain.GasEstimate {
	cfg, err := r.config(network)
	if err != nil {
		est := DefaultGasEstimate()
		est.Network = network
		est.Timestamp = r.now()
		return est
	}

	var h ClientHandle
	if th, err := r.GetHandle(ctx, network); err == nil {
		h = th
	} else {
		r.log.Warn(ctx, "no handle for gas estimate", "network", network, "error", err)
	}
	return r.gas.Estimate(ctx, cfg, h)
}

// Status returns a snapshot of network. Unknown or absent networks report disconnected.
func (r *Registry) Status(network domain.NetworkID) domain.NetworkStatus {
	st := domain.NetworkStatus{
		Network:   network,
		Status:    domain.StatusDisconnected,
		UpdatedAt: r.now(),
	}
	if cfg, ok := r.networks.Get(network); ok {
		st.Name = cfg.Name
		st.ChainID = cfg.ChainID
	}

	r.mu.RLock()
	c, hasConn := r.conns[network]
	var conn Connection
	if hasConn {
		conn = *c
	}
	pending, isPending := r.pending[network]
	lastErr := r.lastErrors[network]
	b := r.breakers[network]
	r.mu.RUnlock()

	stats := r.tracker.Stats(network)
	st.SuccessRate = stats.SuccessRate
	st.ErrorCount = stats.ErrorCount
	st.TotalRequests = stats.TotalRequests
	st.FailedRequests = stats.FailedRequests
	st.ErrorMessage = lastErr

	if b != nil {
		if until, open := b.OpenUntil(); open {
			st.CircuitOpenUntil = &until
		}
	}

	if hasConn {
		st.Status = conn.Status
		st.Connected = conn.Status == domain.StatusConnected
		st.LatestBlock = conn.LatestBlock
		st.GasPriceGwei = conn.GasPriceGwei
		st.ResponseTimeMs = conn.ResponseTime.Milliseconds()
		st.Provider = conn.Provider
		st.ProviderType = conn.Tier
		st.Endpoint = domain.TruncateEndpoint(conn.Endpoint)
		st.Attempts = conn.Attempts
		if conn.LastError != "" {
			st.ErrorMessage = conn.LastError
		}
		if !conn.LastSuccessfulCall.IsZero() {
			t := conn.LastSuccessfulCall
			st.LastSuccessfulCall = &t
		}
		st.UpdatedAt = conn.UpdatedAt
	}
	if isPending {
		st.Status = pending
	}

	st.HealthScore = HealthScore(stats, st.Connected)
	st.FollowingHeads = r.heads != nil && r.heads.following(network)
	return st
}

// AllStatuses returns Status for every configured network.
func (r *Registry) AllStatuses() map[domain.NetworkID]domain.NetworkStatus {
	out := make(map[domain.NetworkID]domain.NetworkStatus)
	for _, id := range r.networks.IDs() {
		out[id] = r.Status(id)
	}
	return out
}

// ActiveNetwork returns the network selected by the last successful SwitchNetwork.
func (r *Registry) ActiveNetwork() domain.NetworkID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// SwitchNetwork makes network active. A healthy connection is probed once; anything
// else, including a failed probe, triggers a forced reconnect.
func (r *Registry) SwitchNetwork(ctx context.Context, network domain.NetworkID) (bool, error) {
	if _, err := r.config(network); err != nil {
		return false, err
	}

	if r.isHealthy(network) {
		err := r.Do(ctx, network, "eth_blockNumber", func(ctx context.Context, h ClientHandle) error {
			block, err := h.BlockNumber(ctx)
			if err == nil {
				r.markSuccess(network, &block, 0)
			}
			return err
		})
		if err == nil {
			r.setActive(network)
			return true, nil
		}
		r.log.Warn(ctx, "switch probe failed, reconnecting", "network", network, "error", err)
	}

	ok, err := r.Connect(ctx, network, WithForceReconnect())
	if err != nil {
		return false, err
	}
	r.setActive(network)
	return ok, nil
}

func (r *Registry) setActive(network domain.NetworkID) {
	r.mu.Lock()
	r.active = network
	r.mu.Unlock()
}

// Disconnect closes network's client and forgets its history and breaker state.
func (r *Registry) Disconnect(ctx context.Context, network domain.NetworkID) {
	lock := r.lockFor(network)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	c := r.conns[network]
	delete(r.conns, network)
	delete(r.pending, network)
	delete(r.lastErrors, network)
	delete(r.breakers, network)
	if r.active == network {
		r.active = ""
	}
	remaining := len(r.conns)
	r.mu.Unlock()

	r.tracker.Clear(network)
	if r.heads != nil {
		r.heads.stop(network)
	}

	if c != nil && c.Handle != nil {
		c.Handle.Close()
		r.log.Info(ctx, "disconnected", "network", network)
	}

	if remaining == 0 {
		r.monitor.Stop()
	}
}

// DisconnectAll stops monitoring, waits for in-flight checks, then releases every connection.
func (r *Registry) DisconnectAll(ctx context.Context) {
	r.monitor.Stop()
	if r.heads != nil {
		r.heads.stopAll()
	}

	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[domain.NetworkID]*Connection)
	r.pending = make(map[domain.NetworkID]domain.ConnectionStatus)
	r.lastErrors = make(map[domain.NetworkID]string)
	r.breakers = make(map[domain.NetworkID]*CircuitBreaker)
	r.active = ""
	r.mu.Unlock()

	r.tracker.ClearAll()

	for _, id := range domain.SortedIDs(conns) {
		if h := conns[id].Handle; h != nil {
			h.Close()
		}
	}
	r.log.Info(ctx, "all networks disconnected", "count", len(conns))
}

// Close releases every resource held by the registry. Connect fails afterwards, and a
// Connect still in flight drops its new client instead of storing it.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.DisconnectAll(ctx)
	r.gas.Close()
}

// ConnectedCount returns the number of networks currently in connected state.
func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, c := range r.conns {
		if c.Status == domain.StatusConnected {
			n++
		}
	}
	return n
}
