package app

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fd1az/chain-connector/business/connection/domain"
	"github.com/fd1az/chain-connector/internal/apperror"
	"github.com/fd1az/chain-connector/internal/logger"
)

// Established is the outcome of a successful candidate walk.
type Established struct {
	Handle       ClientHandle
	Candidate    domain.Candidate
	Attempts     int
	Verification *Verification
}

// Establisher tries candidates one at a time, in order, until one verifies.
type Establisher struct {
	verifier *Verifier
	log      logger.LoggerInterface
	metrics  *engineMetrics
}

func newEstablisher(v *Verifier, log logger.LoggerInterface, m *engineMetrics) *Establisher {
	return &Establisher{verifier: v, log: log, metrics: m}
}

// Establish returns the first verified candidate with Attempts = index+1.
// When every candidate fails the error carries CodeConnectionFailed and wraps the last cause.
func (e *Establisher) Establish(ctx context.Context, cfg domain.NetworkConfig, candidates []domain.Candidate) (*Established, error) {
	if len(candidates) == 0 {
		return nil, apperror.New(apperror.CodeConnectionFailed,
			apperror.WithContext(fmt.Sprintf("network=%s: no candidate endpoints", cfg.ID)))
	}

	var lastErr error
	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		endpoint := domain.TruncateEndpoint(c.URL)
		e.log.Debug(ctx, "trying endpoint",
			"network", cfg.ID, "endpoint", endpoint, "provider", c.Provider, "attempt", i+1)

		h, v, err := e.verifier.Verify(ctx, cfg, c)
		e.metrics.attempts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("network", string(cfg.ID)),
			attribute.String("provider", c.Provider),
			attribute.Bool("success", err == nil),
		))
		if err != nil {
			lastErr = err
			e.log.Warn(ctx, "endpoint verification failed",
				"network", cfg.ID, "endpoint", endpoint, "provider", c.Provider, "attempt", i+1, "error", err)
			continue
		}

		e.log.Info(ctx, "endpoint verified",
			"network", cfg.ID, "endpoint", endpoint, "provider", c.Provider,
			"attempt", i+1, "block", v.BlockNumber, "latency_ms", v.Latency.Milliseconds())

		return &Established{Handle: h, Candidate: c, Attempts: i + 1, Verification: v}, nil
	}

	return nil, apperror.New(apperror.CodeConnectionFailed,
		apperror.WithCause(lastErr),
		apperror.WithContext(fmt.Sprintf("network=%s: all %d endpoints failed", cfg.ID, len(candidates))))
}
