// Package ethereum adapts go-ethereum's JSON-RPC client to the connection engine's ports.
package ethereum

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fd1az/chain-connector/business/connection/app"
	"github.com/fd1az/chain-connector/business/connection/domain"
	"github.com/fd1az/chain-connector/internal/apperror"
	"github.com/fd1az/chain-connector/internal/circuitbreaker"
	"github.com/fd1az/chain-connector/internal/httpclient"
	"github.com/fd1az/chain-connector/internal/logger"
	"github.com/fd1az/chain-connector/internal/ratelimit"
)

const (
	tracerName = "github.com/fd1az/chain-connector/business/connection/infra/ethereum"
	meterName  = "github.com/fd1az/chain-connector/business/connection/infra/ethereum"
)

// DialerConfig holds configuration for RPC clients.
type DialerConfig struct {
	RequestTimeout   time.Duration // per call
	RateLimitRPS     float64       // per provider, 0 disables
	BreakerThreshold uint32        // consecutive failures before an endpoint is shed
	BreakerTimeout   time.Duration // time an endpoint stays shed
}

// DefaultDialerConfig returns sensible defaults.
func DefaultDialerConfig() DialerConfig {
	return DialerConfig{
		RequestTimeout:   30 * time.Second,
		RateLimitRPS:     25,
		BreakerThreshold: 5,
		BreakerTimeout:   30 * time.Second,
	}
}

// Dialer builds instrumented go-ethereum clients. It implements app.Dialer.
type Dialer struct {
	config  DialerConfig
	logger  logger.LoggerInterface
	limits  *ratelimit.Group
	tracer  trace.Tracer
	metrics *clientMetrics
}

var _ app.Dialer = (*Dialer)(nil)

// NewDialer creates a Dialer.
func NewDialer(cfg DialerConfig, log logger.LoggerInterface) (*Dialer, error) {
	m, err := newClientMetrics()
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	return &Dialer{
		config:  cfg,
		logger:  log,
		limits:  ratelimit.NewGroup(cfg.RateLimitRPS),
		tracer:  otel.Tracer(tracerName),
		metrics: m,
	}, nil
}

// Dial opens a client for c. HTTP endpoints get an otelhttp transport; websocket
// endpoints connect eagerly. No RPC is issued.
func (d *Dialer) Dial(ctx context.Context, network domain.NetworkConfig, c domain.Candidate) (app.ClientHandle, error) {
	endpoint := domain.TruncateEndpoint(c.URL)

	ctx, span := d.tracer.Start(ctx, "eth.dial",
		trace.WithAttributes(
			attribute.String("network", string(network.ID)),
			attribute.String("provider", c.Provider),
			attribute.String("endpoint", endpoint),
		),
	)
	defer span.End()

	u, err := url.Parse(c.URL)
	if err != nil || u.Host == "" {
		return nil, apperror.New(apperror.CodeConfigurationError,
			apperror.WithContext(fmt.Sprintf("network=%s: invalid endpoint %s", network.ID, endpoint)))
	}

	var opts []rpc.ClientOption
	switch u.Scheme {
	case "http", "https":
		hc, err := httpclient.New(
			httpclient.WithProviderName(c.Provider),
			httpclient.WithRequestTimeout(d.config.RequestTimeout),
		)
		if err != nil {
			return nil, fmt.Errorf("build http client: %w", err)
		}
		opts = append(opts, rpc.WithHTTPClient(hc))
	case "ws", "wss":
	default:
		return nil, apperror.New(apperror.CodeConfigurationError,
			apperror.WithContext(fmt.Sprintf("network=%s: unsupported scheme %q", network.ID, u.Scheme)))
	}

	rc, err := rpc.DialOptions(ctx, c.URL, opts...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dial failed")
		return nil, apperror.New(apperror.CodeConnectionFailed,
			apperror.WithCause(err),
			apperror.WithContext(fmt.Sprintf("network=%s endpoint=%s", network.ID, endpoint)))
	}

	limiterKey := c.Provider
	if c.Tier == domain.TierPublic {
		limiterKey = endpoint
	}

	name := fmt.Sprintf("%s:%s", network.ID, endpoint)
	cbCfg := circuitbreaker.DefaultConfig(name)
	cbCfg.FailureThreshold = d.config.BreakerThreshold
	cbCfg.Timeout = d.config.BreakerTimeout
	cbCfg.OnStateChange = func(name string, from, to gobreaker.State) {
		d.logger.Warn(context.Background(), "endpoint breaker state changed",
			"breaker", name, "from", from.String(), "to", to.String())
	}

	span.SetStatus(codes.Ok, "dialed")
	return &Client{
		network:  network.ID,
		endpoint: endpoint,
		provider: c.Provider,
		rpc:      rc,
		eth:      ethclient.NewClient(rc),
		limiter:  d.limits.Get(limiterKey),
		timeout:  d.config.RequestTimeout,
		cb:       circuitbreaker.New[any](cbCfg),
		tracer:   d.tracer,
		metrics:  d.metrics,
	}, nil
}
