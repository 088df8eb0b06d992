package ethereum

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fd1az/chain-connector/business/connection/domain"
	"github.com/fd1az/chain-connector/internal/apperror"
	"github.com/fd1az/chain-connector/internal/logger"
)

// wsNode answers eth_subscribe and then pushes the heads returned by script for the
// n-th accepted connection (starting at 1). The socket closes when script's heads run out
// and hold is false.
type wsNode struct {
	*httptest.Server
	conns atomic.Int32
}

func newWSNode(t *testing.T, reject bool, script func(n int32) (heads []string, hold bool)) *wsNode {
	t.Helper()
	node := &wsNode{}
	node.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		n := node.conns.Add(1)
		ctx := r.Context()

		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var req rpcRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Method != "eth_subscribe" {
			return
		}

		if reject {
			_ = conn.Write(ctx, websocket.MessageText,
				[]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"notifications not supported"}}`))
			_, _, _ = conn.Read(ctx)
			return
		}
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"jsonrpc":"2.0","id":1,"result":"0x9cef478923ff08bf67fde6c64013158d"}`))

		heads, hold := script(n)
		for _, h := range heads {
			msg := `{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"0x9cef478923ff08bf67fde6c64013158d","result":{"number":"` + h + `","hash":"0x00"}}}`
			if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
				return
			}
		}
		if hold {
			for {
				if _, _, err := conn.Read(ctx); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(node.Close)
	return node
}

func (n *wsNode) url() string {
	return "ws" + strings.TrimPrefix(n.URL, "http")
}

type headLog struct {
	mu     sync.Mutex
	blocks []uint64
}

func (l *headLog) add(b uint64) {
	l.mu.Lock()
	l.blocks = append(l.blocks, b)
	l.mu.Unlock()
}

func (l *headLog) snapshot() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]uint64(nil), l.blocks...)
}

func newTestHeadSubscriber(t *testing.T) *HeadSubscriber {
	t.Helper()
	cfg := DefaultHeadSubscriberConfig()
	cfg.InitialBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 50 * time.Millisecond
	cfg.PingInterval = 0
	s, err := NewHeadSubscriber(cfg, logger.NewNop())
	require.NoError(t, err)
	return s
}

func wsNetwork() domain.NetworkConfig {
	return domain.NetworkConfig{ID: "ethereum", ChainID: 1}
}

func TestHeadSubscriber_DeliversHeads(t *testing.T) {
	node := newWSNode(t, false, func(int32) ([]string, bool) {
		return []string{"0x11a49a0", "0x11a49a1"}, true
	})
	s := newTestHeadSubscriber(t)
	var log headLog

	sub, err := s.Follow(context.Background(), wsNetwork(),
		domain.Candidate{URL: node.url(), Provider: "local", Tier: domain.TierPublic}, log.add)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool { return len(log.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{18_500_000, 18_500_001}, log.snapshot())
}

func TestHeadSubscriber_ResubscribesAfterDrop(t *testing.T) {
	node := newWSNode(t, false, func(n int32) ([]string, bool) {
		if n == 1 {
			return []string{"0x10"}, false
		}
		return []string{"0x20"}, true
	})
	s := newTestHeadSubscriber(t)
	var log headLog

	sub, err := s.Follow(context.Background(), wsNetwork(), domain.Candidate{URL: node.url()}, log.add)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool {
		b := log.snapshot()
		return len(b) > 0 && b[len(b)-1] == 32
	}, 3*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, node.conns.Load(), int32(2))
}

func TestHeadSubscriber_RejectedSubscription(t *testing.T) {
	node := newWSNode(t, true, nil)
	s := newTestHeadSubscriber(t)

	_, err := s.Follow(context.Background(), wsNetwork(), domain.Candidate{URL: node.url()}, func(uint64) {})
	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, apperror.CodeEthereumRPCError))
	assert.Contains(t, err.Error(), "notifications not supported")
}

func TestHeadSubscriber_BadEndpoints(t *testing.T) {
	s := newTestHeadSubscriber(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := s.Follow(ctx, wsNetwork(), domain.Candidate{URL: "https://eth.example.org"}, func(uint64) {})
	assert.True(t, apperror.HasCode(err, apperror.CodeConfigurationError))

	_, err = s.Follow(ctx, wsNetwork(), domain.Candidate{URL: "ws://127.0.0.1:1"}, func(uint64) {})
	assert.True(t, apperror.HasCode(err, apperror.CodeConnectionFailed))
}

func TestHeadSubscriber_UnsubscribeClosesErr(t *testing.T) {
	node := newWSNode(t, false, func(int32) ([]string, bool) { return nil, true })
	s := newTestHeadSubscriber(t)

	sub, err := s.Follow(context.Background(), wsNetwork(), domain.Candidate{URL: node.url()}, func(uint64) {})
	require.NoError(t, err)

	sub.Unsubscribe()
	select {
	case err, ok := <-sub.Err():
		assert.False(t, ok)
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Err channel not closed")
	}
	sub.Unsubscribe()
}
