package app

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fd1az/chain-connector/business/connection/domain"
	"github.com/fd1az/chain-connector/internal/logger"
)

// headFollower keeps one newHeads subscription per connected network so LatestBlock
// advances between monitor ticks. Subscriptions are bound to the client they were
// opened for and are dropped when that client is replaced or disconnected.
type headFollower struct {
	r       *Registry
	src     HeadSource
	log     logger.LoggerInterface
	timeout time.Duration

	mu   sync.Mutex
	subs map[domain.NetworkID]ethereum.Subscription
}

func newHeadFollower(r *Registry, src HeadSource, timeout time.Duration, log logger.LoggerInterface) *headFollower {
	return &headFollower{
		r:       r,
		src:     src,
		log:     log,
		timeout: timeout,
		subs:    make(map[domain.NetworkID]ethereum.Subscription),
	}
}

// wsCandidates orders the subscription endpoints of cfg the same way as RPC endpoints.
func wsCandidates(cfg domain.NetworkConfig, creds domain.ProviderCredentials, preferred string) []domain.Candidate {
	ws := cfg
	ws.RPCTemplates = cfg.WSTemplates
	return Prioritize(ws, creds, preferred)
}

// follow subscribes on the first endpoint that accepts and binds the subscription to h.
// Failing every endpoint is not an error: polling keeps the block fresh.
func (f *headFollower) follow(ctx context.Context, cfg domain.NetworkConfig, h ClientHandle, preferred string) {
	candidates := wsCandidates(cfg, f.r.creds, preferred)
	if len(candidates) == 0 {
		return
	}

	onHead := func(block uint64) {
		if f.r.observeHead(cfg.ID, h, block) {
			f.r.metrics.heads.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("network", string(cfg.ID))))
		}
	}

	for _, c := range candidates {
		if ctx.Err() != nil {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, f.timeout)
		sub, err := f.src.Follow(cctx, cfg, c, onHead)
		cancel()
		if err != nil {
			f.log.Debug(ctx, "head subscription failed",
				"network", cfg.ID, "endpoint", domain.TruncateEndpoint(c.URL), "error", err)
			continue
		}

		if !f.bind(cfg.ID, h, sub) {
			sub.Unsubscribe()
			return
		}
		f.log.Info(ctx, "following new heads",
			"network", cfg.ID, "endpoint", domain.TruncateEndpoint(c.URL), "provider", c.Provider)
		go f.watch(cfg.ID, sub)
		return
	}

	f.log.Warn(ctx, "no endpoint accepted a head subscription, relying on polling",
		"network", cfg.ID, "candidates", len(candidates))
}

// bind stores sub if h is still the live client of network, replacing any older subscription.
func (f *headFollower) bind(network domain.NetworkID, h ClientHandle, sub ethereum.Subscription) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.r.holds(network, h) {
		return false
	}
	if old, ok := f.subs[network]; ok {
		old.Unsubscribe()
	}
	f.subs[network] = sub
	return true
}

// watch forgets sub once the source reports it dead.
func (f *headFollower) watch(network domain.NetworkID, sub ethereum.Subscription) {
	err, ok := <-sub.Err()
	if !ok {
		return
	}

	f.mu.Lock()
	if f.subs[network] == sub {
		delete(f.subs, network)
	}
	f.mu.Unlock()

	f.log.Warn(context.Background(), "head subscription ended", "network", network, "error", err)
}

func (f *headFollower) stop(network domain.NetworkID) {
	f.mu.Lock()
	sub, ok := f.subs[network]
	delete(f.subs, network)
	f.mu.Unlock()

	if ok {
		sub.Unsubscribe()
	}
}

func (f *headFollower) stopAll() {
	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[domain.NetworkID]ethereum.Subscription)
	f.mu.Unlock()

	for _, id := range domain.SortedIDs(subs) {
		subs[id].Unsubscribe()
	}
}

// following reports whether network has a live head subscription.
func (f *headFollower) following(network domain.NetworkID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subs[network]
	return ok
}
