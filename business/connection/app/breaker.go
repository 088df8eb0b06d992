package app

import (
	"sync"
	"time"
)

// BreakerState is the externally visible state of a CircuitBreaker.
type BreakerState string

const (
	BreakerClosed BreakerState = "closed"
	BreakerOpen   BreakerState = "open"
)

// CircuitBreaker counts consecutive failures for one network and, once the threshold
// is reached, rejects use of the network until the cooldown has elapsed.
// Expiry is evaluated lazily on every read.
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	failures  int
	openUntil time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(threshold int, cooldown time.Duration, now func() time.Time) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: now}
}

// RecordFailure counts a failure and reports whether this call opened the breaker.
// Failures while open are ignored so the cooldown is never extended.
func (b *CircuitBreaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.expire()
	if !b.openUntil.IsZero() {
		return false
	}

	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = b.now().Add(b.cooldown)
		return true
	}
	return false
}

// RecordSuccess resets the counter and closes the breaker.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
}

// IsOpen reports whether calls must be rejected.
func (b *CircuitBreaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expire()
	return !b.openUntil.IsZero()
}

// OpenUntil returns the end of the cooldown while open.
func (b *CircuitBreaker) OpenUntil() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expire()
	return b.openUntil, !b.openUntil.IsZero()
}

// ErrorCount returns the current consecutive failure count.
func (b *CircuitBreaker) ErrorCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expire()
	return b.failures
}

// State returns closed or open.
func (b *CircuitBreaker) State() BreakerState {
	if b.IsOpen() {
		return BreakerOpen
	}
	return BreakerClosed
}

// expire closes the breaker once now is past openUntil. Caller holds mu.
func (b *CircuitBreaker) expire() {
	if !b.openUntil.IsZero() && b.now().After(b.openUntil) {
		b.openUntil = time.Time{}
		b.failures = 0
	}
}
