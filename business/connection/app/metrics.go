package app

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// engineMetrics holds OTEL metric instruments.
type engineMetrics struct {
	requests     metric.Int64Counter
	latency      metric.Float64Histogram
	attempts     metric.Int64Counter
	breakerTrips metric.Int64Counter
	healthScore  metric.Float64Gauge
	gasEstimates metric.Int64Counter
	heads        metric.Int64Counter
}

func newEngineMetrics() (*engineMetrics, error) {
	meter := otel.Meter(meterName)
	m := &engineMetrics{}
	var err error

	m.requests, err = meter.Int64Counter(
		"rpc_requests_total",
		metric.WithDescription("RPC requests issued through managed connections"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.latency, err = meter.Float64Histogram(
		"rpc_request_latency_ms",
		metric.WithDescription("RPC request latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	m.attempts, err = meter.Int64Counter(
		"connection_attempts_total",
		metric.WithDescription("Endpoint verification attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	m.breakerTrips, err = meter.Int64Counter(
		"circuit_breaker_trips_total",
		metric.WithDescription("Times a network circuit breaker opened"),
		metric.WithUnit("{trip}"),
	)
	if err != nil {
		return nil, err
	}

	m.healthScore, err = meter.Float64Gauge(
		"network_health_score",
		metric.WithDescription("Derived health score per network"),
	)
	if err != nil {
		return nil, err
	}

	m.gasEstimates, err = meter.Int64Counter(
		"gas_estimates_total",
		metric.WithDescription("Gas estimates by source"),
		metric.WithUnit("{estimate}"),
	)
	if err != nil {
		return nil, err
	}

	m.heads, err = meter.Int64Counter(
		"new_heads_received_total",
		metric.WithDescription("Block headers announced over head subscriptions"),
		metric.WithUnit("{block}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
