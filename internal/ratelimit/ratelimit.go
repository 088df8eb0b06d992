// Package ratelimit provides a wrapper around golang.org/x/time/rate.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter wraps rate.Limiter.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a limiter allowing requestsPerSecond with the given burst.
// A non-positive rate disables limiting.
func New(requestsPerSecond float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(requestsPerSecond)
	if requestsPerSecond <= 0 {
		limit = rate.Inf
	}
	return &Limiter{limiter: rate.NewLimiter(limit, burst)}
}

// Wait blocks until a token is available or the context is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Allow reports whether an event may happen now.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

// Group hands out one limiter per key, all sharing the same rate.
// RPC providers throttle per API key, so endpoints of one provider share a bucket.
type Group struct {
	rps   float64
	burst int

	mu       sync.Mutex
	limiters map[string]*Limiter
}

// NewGroup creates a Group. Burst defaults to the ceiling of rps.
func NewGroup(requestsPerSecond float64) *Group {
	burst := int(requestsPerSecond)
	if float64(burst) < requestsPerSecond {
		burst++
	}
	return &Group{
		rps:      requestsPerSecond,
		burst:    burst,
		limiters: make(map[string]*Limiter),
	}
}

// Get returns the limiter for key, creating it on first use.
func (g *Group) Get(key string) *Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.limiters[key]
	if !ok {
		l = New(g.rps, g.burst)
		g.limiters[key] = l
	}
	return l
}

// Wait blocks on the limiter for key.
func (g *Group) Wait(ctx context.Context, key string) error {
	return g.Get(key).Wait(ctx)
}
