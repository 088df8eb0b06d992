package app

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fd1az/chain-connector/business/connection/domain"
	"github.com/fd1az/chain-connector/internal/apperror"
)

// Verification is what a successful handshake learned about the endpoint.
type Verification struct {
	ClientVersion  string
	ChainID        uint64
	BlockNumber    uint64
	GasPrice       *big.Int
	NetworkVersion string
	Latency        time.Duration
}

// Verifier dials a candidate and runs the handshake against it.
type Verifier struct {
	dialer  Dialer
	timeout time.Duration
	tracer  trace.Tracer
}

// NewVerifier creates a Verifier whose whole handshake is bounded by timeout.
func NewVerifier(dialer Dialer, timeout time.Duration) *Verifier {
	return &Verifier{
		dialer:  dialer,
		timeout: timeout,
		tracer:  otel.Tracer(tracerName),
	}
}

// Verify dials c and checks, in order: ping, chain id, block height, gas price and
// net_version. It stops at the first failing step and closes the client. The
// returned error carries CodeVerificationFailed and names the step.
func (v *Verifier) Verify(ctx context.Context, cfg domain.NetworkConfig, c domain.Candidate) (ClientHandle, *Verification, error) {
	ctx, span := v.tracer.Start(ctx, "connection.verify",
		trace.WithAttributes(
			attribute.String("network", string(cfg.ID)),
			attribute.String("provider", c.Provider),
			attribute.String("endpoint", domain.TruncateEndpoint(c.URL)),
		),
	)
	defer span.End()

	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	start := time.Now()

	h, err := v.dialer.Dial(ctx, cfg, c)
	if err != nil {
		return nil, nil, v.fail(span, cfg, c, "dial", err)
	}

	res, serr := v.handshake(ctx, cfg, h)
	if serr != nil {
		h.Close()
		return nil, nil, v.fail(span, cfg, c, serr.step, serr.cause)
	}
	res.Latency = time.Since(start)

	span.SetAttributes(attribute.Int64("block", int64(res.BlockNumber)))
	span.SetStatus(codes.Ok, "verified")
	return h, res, nil
}

type stepError struct {
	step  string
	cause error
}

func (v *Verifier) handshake(ctx context.Context, cfg domain.NetworkConfig, h ClientHandle) (*Verification, *stepError) {
	res := &Verification{}
	var err error

	if res.ClientVersion, err = h.ClientVersion(ctx); err != nil {
		return nil, &stepError{"ping", err}
	}

	chainID, err := h.ChainID(ctx)
	if err != nil {
		return nil, &stepError{"chain_id", err}
	}
	if !chainID.IsUint64() || chainID.Uint64() != cfg.ChainID {
		return nil, &stepError{"chain_id", fmt.Errorf("expected chain id %d, got %s", cfg.ChainID, chainID)}
	}
	res.ChainID = chainID.Uint64()

	if res.BlockNumber, err = h.BlockNumber(ctx); err != nil {
		return nil, &stepError{"block_number", err}
	}
	if res.BlockNumber == 0 {
		return nil, &stepError{"block_number", fmt.Errorf("node reports block 0")}
	}

	if res.GasPrice, err = h.SuggestGasPrice(ctx); err != nil {
		return nil, &stepError{"gas_price", err}
	}
	if res.GasPrice == nil || res.GasPrice.Sign() <= 0 {
		return nil, &stepError{"gas_price", fmt.Errorf("node reports non-positive gas price")}
	}

	if res.NetworkVersion, err = h.NetworkVersion(ctx); err != nil {
		return nil, &stepError{"net_version", err}
	}
	if res.NetworkVersion == "" {
		return nil, &stepError{"net_version", fmt.Errorf("empty net_version")}
	}

	return res, nil
}

func (v *Verifier) fail(span trace.Span, cfg domain.NetworkConfig, c domain.Candidate, step string, cause error) error {
	span.RecordError(cause)
	span.SetStatus(codes.Error, step+" failed")
	return apperror.New(apperror.CodeVerificationFailed,
		apperror.WithCause(cause),
		apperror.WithContext(fmt.Sprintf("network=%s endpoint=%s step=%s",
			cfg.ID, domain.TruncateEndpoint(c.URL), step)))
}
