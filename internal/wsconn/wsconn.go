// Package wsconn provides a WebSocket client with reconnection and keepalive pings.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// State represents the connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("wsconn: client closed")

// ErrNotConnected is returned by Send while no socket is open.
var ErrNotConnected = errors.New("wsconn: not connected")

// Config holds WebSocket client configuration.
type Config struct {
	URL            string
	Name           string
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxReconnects  int // 0 = infinite
	PingInterval   time.Duration
	PongTimeout    time.Duration
	DialTimeout    time.Duration
	ReadLimit      int64

	// OnConnect runs after every successful dial, before messages are read.
	// A returned error drops the socket.
	OnConnect func(ctx context.Context, c *Client) error
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(url, name string) Config {
	return Config{
		URL:            url,
		Name:           name,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		MaxReconnects:  0,
		PingInterval:   30 * time.Second,
		PongTimeout:    10 * time.Second,
		DialTimeout:    10 * time.Second,
		ReadLimit:      1 << 20,
	}
}

// Client is a WebSocket client that redials with exponential backoff after the
// socket drops. Inbound messages are delivered on Messages until the client gives up
// or is closed, at which point the channel is closed.
type Client struct {
	config Config

	state   State
	stateMu sync.RWMutex

	connMu sync.Mutex
	conn   *websocket.Conn

	mu      sync.Mutex
	started bool
	closed  bool

	ctx        context.Context
	cancel     context.CancelFunc
	messages   chan []byte
	closeMsgs  sync.Once
	done       chan struct{}
	reconnects atomic.Int32
}

// New validates config and creates a client. No connection is made.
func New(config Config) (*Client, error) {
	u, err := url.Parse(config.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = time.Second
	}
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = config.InitialBackoff
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		config:   config,
		state:    StateDisconnected,
		ctx:      ctx,
		cancel:   cancel,
		messages: make(chan []byte, 100),
		done:     make(chan struct{}),
	}, nil
}

// Connect dials the server and starts the read loop. Reconnection only kicks in after
// a first successful Connect.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.setState(StateConnecting)
	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.CloseNow()
		return ErrClosed
	}
	c.started = true
	c.mu.Unlock()

	go c.run(conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	if c.config.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.DialTimeout)
		defer cancel()
	}

	conn, _, err := websocket.Dial(ctx, c.config.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.config.Name, err)
	}
	if c.config.ReadLimit > 0 {
		conn.SetReadLimit(c.config.ReadLimit)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.setState(StateConnected)

	if c.config.OnConnect != nil {
		if err := c.config.OnConnect(ctx, c); err != nil {
			c.dropConn(conn)
			return nil, fmt.Errorf("on connect %s: %w", c.config.Name, err)
		}
	}
	return conn, nil
}

func (c *Client) dropConn(conn *websocket.Conn) {
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()
	conn.CloseNow()
}

// run serves conn and redials until the client is closed or the reconnect budget runs out.
func (c *Client) run(conn *websocket.Conn) {
	defer close(c.done)
	defer c.closeMessages()

	for conn != nil {
		c.serve(conn)
		c.dropConn(conn)
		if c.ctx.Err() != nil {
			break
		}
		conn = c.reconnect()
	}
	c.setState(StateDisconnected)
}

func (c *Client) serve(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()

	if c.config.PingInterval > 0 {
		go c.keepalive(ctx, conn)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		select {
		case c.messages <- data:
		case <-ctx.Done():
			return
		}
	}
}

// keepalive pings conn and drops it when a pong does not arrive in time.
func (c *Client) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx := ctx
			var cancel context.CancelFunc = func() {}
			if c.config.PongTimeout > 0 {
				pctx, cancel = context.WithTimeout(ctx, c.config.PongTimeout)
			}
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				conn.CloseNow()
				return
			}
		}
	}
}

func (c *Client) reconnect() *websocket.Conn {
	c.setState(StateReconnecting)
	backoff := c.config.InitialBackoff

	for {
		if limit := c.config.MaxReconnects; limit > 0 && int(c.reconnects.Load()) >= limit {
			return nil
		}

		timer := time.NewTimer(backoff)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		c.reconnects.Add(1)
		conn, err := c.dial(c.ctx)
		if err == nil {
			return conn
		}
		if c.ctx.Err() != nil {
			return nil
		}

		backoff *= 2
		if backoff > c.config.MaxBackoff {
			backoff = c.config.MaxBackoff
		}
	}
}

// Send writes a text message on the current socket.
func (c *Client) Send(ctx context.Context, msg []byte) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	if conn == nil {
		if c.isClosed() {
			return ErrClosed
		}
		return ErrNotConnected
	}
	return conn.Write(ctx, websocket.MessageText, msg)
}

// Messages returns the channel for receiving messages.
func (c *Client) Messages() <-chan []byte {
	return c.messages
}

// State returns the current connection state.
func (c *Client) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// IsConnected reports whether a socket is open.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Reconnects returns the number of redial attempts made so far.
func (c *Client) Reconnects() int {
	return int(c.reconnects.Load())
}

// Done is closed once the client stops serving for good.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close gracefully closes the WebSocket connection and stops reconnecting.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	c.mu.Unlock()

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "")
	}
	c.cancel()

	if started {
		<-c.done
	} else {
		c.closeMessages()
		close(c.done)
	}
	c.setState(StateDisconnected)
	return err
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) closeMessages() {
	c.closeMsgs.Do(func() { close(c.messages) })
}

func (c *Client) setState(state State) {
	c.stateMu.Lock()
	c.state = state
	c.stateMu.Unlock()
}
