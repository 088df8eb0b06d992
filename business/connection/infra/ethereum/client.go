package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/fd1az/chain-connector/business/connection/app"
	"github.com/fd1az/chain-connector/business/connection/domain"
	"github.com/fd1az/chain-connector/internal/apperror"
	"github.com/fd1az/chain-connector/internal/circuitbreaker"
	"github.com/fd1az/chain-connector/internal/ratelimit"
)

// clientMetrics holds OTEL metric instruments.
type clientMetrics struct {
	calls    metric.Int64Counter
	duration metric.Float64Histogram
}

func newClientMetrics() (*clientMetrics, error) {
	meter := otel.Meter(meterName)
	m := &clientMetrics{}
	var err error

	m.calls, err = meter.Int64Counter(
		"eth_rpc_calls_total",
		metric.WithDescription("JSON-RPC calls by endpoint and outcome"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	m.duration, err = meter.Float64Histogram(
		"eth_rpc_duration_ms",
		metric.WithDescription("JSON-RPC call duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Client is one endpoint's JSON-RPC client. Every call is rate limited, bounded by
// the request timeout, guarded by the endpoint breaker and traced.
type Client struct {
	network  domain.NetworkID
	endpoint string // truncated
	provider string

	rpc     *rpc.Client
	eth     *ethclient.Client
	limiter *ratelimit.Limiter
	timeout time.Duration
	cb      *circuitbreaker.CircuitBreaker[any]

	tracer  trace.Tracer
	metrics *clientMetrics
}

var _ app.ClientHandle = (*Client)(nil)

func call[T any](ctx context.Context, c *Client, method string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	ctx, span := c.tracer.Start(ctx, "eth."+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.method", method),
			attribute.String("network", string(c.network)),
			attribute.String("endpoint", c.endpoint),
		),
	)
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		span.RecordError(err)
		return zero, err
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := c.cb.Execute(func() (any, error) {
		return fn(ctx)
	})
	elapsed := time.Since(start)

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	attrs := metric.WithAttributes(
		attribute.String("network", string(c.network)),
		attribute.String("provider", c.provider),
		attribute.String("method", method),
		attribute.String("outcome", outcome),
	)
	c.metrics.calls.Add(ctx, 1, attrs)
	c.metrics.duration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, method+" failed")
		code := apperror.CodeEthereumRPCError
		if circuitbreaker.IsRejection(err) {
			code = apperror.CodeCircuitOpen
		}
		return zero, apperror.New(code,
			apperror.WithCause(err),
			apperror.WithContext(fmt.Sprintf("method=%s endpoint=%s", method, c.endpoint)))
	}

	span.SetStatus(codes.Ok, "")
	out, _ := res.(T)
	return out, nil
}

// ClientVersion issues web3_clientVersion.
func (c *Client) ClientVersion(ctx context.Context) (string, error) {
	return call(ctx, c, "web3_clientVersion", func(ctx context.Context) (string, error) {
		var v string
		err := c.rpc.CallContext(ctx, &v, "web3_clientVersion")
		return v, err
	})
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return call(ctx, c, "eth_chainId", c.eth.ChainID)
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return call(ctx, c, "eth_blockNumber", c.eth.BlockNumber)
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return call(ctx, c, "eth_gasPrice", c.eth.SuggestGasPrice)
}

// NetworkVersion issues net_version and returns the raw string.
func (c *Client) NetworkVersion(ctx context.Context) (string, error) {
	return call(ctx, c, "net_version", func(ctx context.Context) (string, error) {
		var v string
		err := c.rpc.CallContext(ctx, &v, "net_version")
		return v, err
	})
}

func (c *Client) FeeHistory(ctx context.Context, blockCount uint64, lastBlock *big.Int, rewardPercentiles []float64) (*ethereum.FeeHistory, error) {
	return call(ctx, c, "eth_feeHistory", func(ctx context.Context) (*ethereum.FeeHistory, error) {
		return c.eth.FeeHistory(ctx, blockCount, lastBlock, rewardPercentiles)
	})
}

func (c *Client) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return call(ctx, c, "eth_getBalance", func(ctx context.Context) (*big.Int, error) {
		return c.eth.BalanceAt(ctx, account, blockNumber)
	})
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return call(ctx, c, "eth_call", func(ctx context.Context) ([]byte, error) {
		return c.eth.CallContract(ctx, msg, blockNumber)
	})
}

// Close releases the underlying connection.
func (c *Client) Close() {
	c.eth.Close()
}
