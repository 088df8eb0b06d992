package ethereum

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fd1az/chain-connector/business/connection/app"
	"github.com/fd1az/chain-connector/business/connection/domain"
	"github.com/fd1az/chain-connector/internal/apperror"
	"github.com/fd1az/chain-connector/internal/logger"
)

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// rpcServer is a minimal JSON-RPC node answering from a result table.
type rpcServer struct {
	*httptest.Server

	mu      sync.Mutex
	results map[string]any
	failing atomic.Bool
	calls   atomic.Int32
}

func newRPCServer(t *testing.T) *rpcServer {
	t.Helper()
	s := &rpcServer{results: map[string]any{
		"web3_clientVersion": "Geth/v1.16.8-stable/linux-amd64/go1.25.1",
		"eth_chainId":        "0x1",
		"eth_blockNumber":    "0x11a49a0", // 18500000
		"eth_gasPrice":       "0x4a817c800", // 20 gwei
		"net_version":        "1",
		"eth_getBalance":     "0x14d1120d7b160000", // 1.5 ether
		"eth_call":           "0x00000000000000000000000000000000000000000000000000000000002625a0",
		"eth_feeHistory": map[string]any{
			"oldestBlock":   "0x11a498c",
			"baseFeePerGas": []string{"0x6fc23ac00", "0x6fc23ac00"},
			"gasUsedRatio":  []float64{0.5},
			"reward":        [][]string{{"0x3b9aca00", "0x77359400", "0xb2d05e00"}},
		},
	}}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *rpcServer) handle(w http.ResponseWriter, r *http.Request) {
	s.calls.Add(1)
	if s.failing.Load() {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	result, ok := s.results[req.Method]
	s.mu.Unlock()

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if ok {
		resp["result"] = result
	} else {
		resp["error"] = map[string]any{"code": -32601, "message": "the method " + req.Method + " does not exist/is not available"}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func newTestDialer(t *testing.T) *Dialer {
	t.Helper()
	cfg := DefaultDialerConfig()
	cfg.RequestTimeout = 2 * time.Second
	cfg.RateLimitRPS = 0
	cfg.BreakerThreshold = 3
	d, err := NewDialer(cfg, logger.NewNop())
	require.NoError(t, err)
	return d
}

func ethereumConfig() domain.NetworkConfig {
	for _, n := range domain.DefaultNetworks() {
		if n.ID == "ethereum" {
			return n
		}
	}
	panic("ethereum missing from defaults")
}

func dial(t *testing.T, d *Dialer, url string) app.ClientHandle {
	t.Helper()
	h, err := d.Dial(context.Background(), ethereumConfig(),
		domain.Candidate{URL: url, Provider: domain.PublicProvider, Tier: domain.TierPublic})
	require.NoError(t, err)
	t.Cleanup(h.Close)
	return h
}

func TestClient_VerifiesAgainstNode(t *testing.T) {
	srv := newRPCServer(t)
	v := app.NewVerifier(newTestDialer(t), 5*time.Second)

	h, res, err := v.Verify(context.Background(), ethereumConfig(),
		domain.Candidate{URL: srv.URL, Provider: domain.PublicProvider, Tier: domain.TierPublic})
	require.NoError(t, err)
	defer h.Close()

	assert.Equal(t, uint64(1), res.ChainID)
	assert.Equal(t, uint64(18_500_000), res.BlockNumber)
	assert.Equal(t, "20000000000", res.GasPrice.String())
	assert.Equal(t, "1", res.NetworkVersion)
	assert.Contains(t, res.ClientVersion, "Geth")
}

func TestClient_Calls(t *testing.T) {
	srv := newRPCServer(t)
	h := dial(t, newTestDialer(t), srv.URL)
	ctx := context.Background()

	bal, err := h.BalanceAt(ctx, common.HexToAddress("0x742d35Cc6634C0532925a3b844Bc454e4438f44e"), nil)
	require.NoError(t, err)
	assert.Equal(t, "1500000000000000000", bal.String())

	to := common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	out, err := h.CallContract(ctx, ethereum.CallMsg{To: &to}, nil)
	require.NoError(t, err)
	assert.Len(t, out, 32)

	fh, err := h.FeeHistory(ctx, 1, nil, []float64{10, 50, 90})
	require.NoError(t, err)
	require.Len(t, fh.BaseFee, 2)
	assert.Equal(t, "30000000000", fh.BaseFee[0].String())
	require.Len(t, fh.Reward, 1)
	assert.Equal(t, "3000000000", fh.Reward[0][2].String())
}

func TestClient_RPCErrorIsCoded(t *testing.T) {
	srv := newRPCServer(t)
	srv.mu.Lock()
	delete(srv.results, "eth_feeHistory")
	srv.mu.Unlock()

	h := dial(t, newTestDialer(t), srv.URL)

	_, err := h.FeeHistory(context.Background(), 20, nil, []float64{10, 50, 90})
	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, apperror.CodeEthereumRPCError))
	assert.Contains(t, err.Error(), "eth_feeHistory")
}

func TestClient_EndpointBreakerShedsFailingNode(t *testing.T) {
	srv := newRPCServer(t)
	srv.failing.Store(true)
	h := dial(t, newTestDialer(t), srv.URL)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.BlockNumber(ctx)
		require.Error(t, err)
		assert.True(t, apperror.HasCode(err, apperror.CodeEthereumRPCError))
	}
	before := srv.calls.Load()

	_, err := h.BlockNumber(ctx)
	assert.True(t, apperror.HasCode(err, apperror.CodeCircuitOpen))
	assert.Equal(t, before, srv.calls.Load(), "open breaker does not reach the node")
}

func TestDialer_RejectsBadEndpoints(t *testing.T) {
	d := newTestDialer(t)
	for _, url := range []string{"ftp://rpc.example.org", "not a url"} {
		_, err := d.Dial(context.Background(), ethereumConfig(),
			domain.Candidate{URL: url, Provider: domain.PublicProvider, Tier: domain.TierPublic})
		assert.True(t, apperror.HasCode(err, apperror.CodeConfigurationError), url)
	}
}
