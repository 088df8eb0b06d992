package app

import (
	"sync"
	"time"

	"github.com/fd1az/chain-connector/business/connection/domain"
)

// RequestStats aggregates one network's request window.
type RequestStats struct {
	SuccessRate    float64
	AverageLatency time.Duration
	ErrorCount     int // failures inside the window
	WindowSize     int
	TotalRequests  int64 // lifetime
	FailedRequests int64 // lifetime
}

type requestWindow struct {
	records []domain.RequestRecord
	total   int64
	failed  int64
}

// RequestTracker keeps a bounded FIFO of request outcomes per network.
type RequestTracker struct {
	mu       sync.Mutex
	capacity int
	now      func() time.Time
	windows  map[domain.NetworkID]*requestWindow
}

// NewRequestTracker creates a tracker retaining capacity records per network.
func NewRequestTracker(capacity int, now func() time.Time) *RequestTracker {
	if capacity < 1 {
		capacity = 1
	}
	if now == nil {
		now = time.Now
	}
	return &RequestTracker{
		capacity: capacity,
		now:      now,
		windows:  make(map[domain.NetworkID]*requestWindow),
	}
}

// Record appends an outcome, evicting the oldest record past capacity.
func (t *RequestTracker) Record(network domain.NetworkID, success bool, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.windows[network]
	if !ok {
		w = &requestWindow{records: make([]domain.RequestRecord, 0, t.capacity)}
		t.windows[network] = w
	}

	rec := domain.RequestRecord{At: t.now(), Success: success, Latency: latency}
	if len(w.records) == t.capacity {
		copy(w.records, w.records[1:])
		w.records[len(w.records)-1] = rec
	} else {
		w.records = append(w.records, rec)
	}

	w.total++
	if !success {
		w.failed++
	}
}

// Stats computes the aggregates for network. An empty window has a success rate of 1.
func (t *RequestTracker) Stats(network domain.NetworkID) RequestStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := RequestStats{SuccessRate: 1}
	w, ok := t.windows[network]
	if !ok || len(w.records) == 0 {
		return st
	}

	var succeeded int
	var sum time.Duration
	for _, r := range w.records {
		sum += r.Latency
		if r.Success {
			succeeded++
		} else {
			st.ErrorCount++
		}
	}

	n := len(w.records)
	st.WindowSize = n
	st.SuccessRate = float64(succeeded) / float64(n)
	st.AverageLatency = sum / time.Duration(n)
	st.TotalRequests = w.total
	st.FailedRequests = w.failed
	return st
}

// Records returns a copy of the retained records, oldest first.
func (t *RequestTracker) Records(network domain.NetworkID) []domain.RequestRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[network]
	if !ok {
		return nil
	}
	out := make([]domain.RequestRecord, len(w.records))
	copy(out, w.records)
	return out
}

// Clear drops the history of network.
func (t *RequestTracker) Clear(network domain.NetworkID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.windows, network)
}

// ClearAll drops every history.
func (t *RequestTracker) ClearAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.windows = make(map[domain.NetworkID]*requestWindow)
}

// Len returns the number of networks with history.
func (t *RequestTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.windows)
}

// HealthScore weighs success rate (0.5), latency under 2s (0.3) and errors under 10 (0.2).
// Disconnected networks score 0.
func HealthScore(st RequestStats, connected bool) float64 {
	if !connected {
		return 0
	}
	latencyFactor := clamp01((2000 - float64(st.AverageLatency.Milliseconds())) / 2000)
	errorFactor := clamp01((10 - float64(st.ErrorCount)) / 10)
	return clamp01(0.5*st.SuccessRate + 0.3*latencyFactor + 0.2*errorFactor)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
