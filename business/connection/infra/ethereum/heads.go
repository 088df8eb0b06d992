package ethereum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/fd1az/chain-connector/business/connection/app"
	"github.com/fd1az/chain-connector/business/connection/domain"
	"github.com/fd1az/chain-connector/internal/apperror"
	"github.com/fd1az/chain-connector/internal/logger"
	"github.com/fd1az/chain-connector/internal/wsconn"
)

var subscribeNewHeads = []byte(`{"jsonrpc":"2.0","id":1,"method":"eth_subscribe","params":["newHeads"]}`)

// errSubscriptionClosed is reported when the socket gives up reconnecting.
var errSubscriptionClosed = errors.New("head subscription closed")

// HeadSubscriberConfig holds configuration for newHeads subscriptions.
type HeadSubscriberConfig struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxReconnects  int
	PingInterval   time.Duration
}

// DefaultHeadSubscriberConfig returns sensible defaults.
func DefaultHeadSubscriberConfig() HeadSubscriberConfig {
	return HeadSubscriberConfig{
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		MaxReconnects:  10,
		PingInterval:   30 * time.Second,
	}
}

type headMetrics struct {
	received      metric.Int64Counter
	subscribeErrs metric.Int64Counter
}

// HeadSubscriber follows eth_subscribe newHeads over a websocket. The subscription is
// re-issued on every reconnect. It implements app.HeadSource.
type HeadSubscriber struct {
	config  HeadSubscriberConfig
	logger  logger.LoggerInterface
	tracer  trace.Tracer
	metrics *headMetrics
}

var _ app.HeadSource = (*HeadSubscriber)(nil)

// NewHeadSubscriber creates a HeadSubscriber.
func NewHeadSubscriber(cfg HeadSubscriberConfig, log logger.LoggerInterface) (*HeadSubscriber, error) {
	meter := otel.Meter(meterName)
	m := &headMetrics{}
	var err error

	m.received, err = meter.Int64Counter(
		"eth_heads_received_total",
		metric.WithDescription("Total newHeads notifications received"),
		metric.WithUnit("{block}"),
	)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	m.subscribeErrs, err = meter.Int64Counter(
		"eth_subscribe_errors_total",
		metric.WithDescription("Total newHeads subscription errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	return &HeadSubscriber{
		config:  cfg,
		logger:  log,
		tracer:  otel.Tracer(tracerName),
		metrics: m,
	}, nil
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// wsMessage covers both the subscribe response and eth_subscription notifications.
type wsMessage struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
	Params *struct {
		Subscription string `json:"subscription"`
		Result       struct {
			Number hexutil.Uint64 `json:"number"`
		} `json:"result"`
	} `json:"params,omitempty"`
}

// Follow dials c, subscribes to newHeads and waits for the node's confirmation.
func (s *HeadSubscriber) Follow(ctx context.Context, network domain.NetworkConfig, c domain.Candidate, onHead func(uint64)) (ethereum.Subscription, error) {
	endpoint := domain.TruncateEndpoint(c.URL)
	ctx, span := s.tracer.Start(ctx, "eth.subscribe",
		trace.WithAttributes(
			attribute.String("network", string(network.ID)),
			attribute.String("endpoint", endpoint),
		),
	)
	defer span.End()

	wsCfg := wsconn.DefaultConfig(c.URL, fmt.Sprintf("%s:%s", network.ID, endpoint))
	wsCfg.InitialBackoff = s.config.InitialBackoff
	wsCfg.MaxBackoff = s.config.MaxBackoff
	wsCfg.MaxReconnects = s.config.MaxReconnects
	wsCfg.PingInterval = s.config.PingInterval
	wsCfg.OnConnect = func(ctx context.Context, ws *wsconn.Client) error {
		return ws.Send(ctx, subscribeNewHeads)
	}

	ws, err := wsconn.New(wsCfg)
	if err != nil {
		return nil, apperror.New(apperror.CodeConfigurationError,
			apperror.WithCause(err),
			apperror.WithContext(fmt.Sprintf("network=%s endpoint=%s", network.ID, endpoint)))
	}

	if err := ws.Connect(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "connect failed")
		s.metrics.subscribeErrs.Add(ctx, 1, metric.WithAttributes(attribute.String("network", string(network.ID))))
		return nil, apperror.New(apperror.CodeConnectionFailed,
			apperror.WithCause(err),
			apperror.WithContext(fmt.Sprintf("network=%s endpoint=%s", network.ID, endpoint)))
	}

	sub := &headSubscription{
		ws:        ws,
		err:       make(chan error, 1),
		confirmed: make(chan error, 1),
	}
	go s.consume(network.ID, sub, onHead)

	select {
	case err := <-sub.confirmed:
		if err != nil {
			sub.Unsubscribe()
			span.RecordError(err)
			span.SetStatus(codes.Error, "subscribe rejected")
			s.metrics.subscribeErrs.Add(ctx, 1, metric.WithAttributes(attribute.String("network", string(network.ID))))
			return nil, apperror.New(apperror.CodeEthereumRPCError,
				apperror.WithCause(err),
				apperror.WithContext(fmt.Sprintf("network=%s endpoint=%s: eth_subscribe", network.ID, endpoint)))
		}
	case <-ctx.Done():
		sub.Unsubscribe()
		return nil, apperror.New(apperror.CodeServiceTimeout,
			apperror.WithCause(ctx.Err()),
			apperror.WithContext(fmt.Sprintf("network=%s endpoint=%s: eth_subscribe", network.ID, endpoint)))
	}

	span.SetStatus(codes.Ok, "subscribed")
	return sub, nil
}

// consume decodes socket messages until the socket is closed for good.
func (s *HeadSubscriber) consume(network domain.NetworkID, sub *headSubscription, onHead func(uint64)) {
	attrs := metric.WithAttributes(attribute.String("network", string(network)))
	first := true

	for raw := range sub.ws.Messages() {
		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Debug(context.Background(), "unparseable websocket message", "network", network, "error", err)
			continue
		}

		switch {
		case msg.Method == "eth_subscription" && msg.Params != nil:
			s.metrics.received.Add(context.Background(), 1, attrs)
			onHead(uint64(msg.Params.Result.Number))

		case len(msg.ID) > 0:
			var err error
			if msg.Error != nil {
				err = msg.Error
			}
			if first {
				first = false
				sub.confirmed <- err
				continue
			}
			// a resubscribe after reconnect
			if err != nil {
				s.metrics.subscribeErrs.Add(context.Background(), 1, attrs)
				sub.fail(err)
				return
			}
		}
	}

	if first {
		sub.confirmed <- errSubscriptionClosed
	}
	sub.fail(errSubscriptionClosed)
}

// headSubscription implements ethereum.Subscription over a wsconn client.
type headSubscription struct {
	ws        *wsconn.Client
	err       chan error
	confirmed chan error

	once sync.Once
}

func (h *headSubscription) Err() <-chan error {
	return h.err
}

// Unsubscribe closes the socket. Err is closed without a value.
func (h *headSubscription) Unsubscribe() {
	h.once.Do(func() {
		h.ws.Close()
		close(h.err)
	})
}

// fail reports err once unless the subscription was already unsubscribed.
func (h *headSubscription) fail(err error) {
	h.once.Do(func() {
		h.err <- err
		close(h.err)
		go h.ws.Close()
	})
}
