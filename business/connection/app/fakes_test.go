package app

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/fd1az/chain-connector/business/connection/domain"
	"github.com/fd1az/chain-connector/internal/asset"
	"github.com/fd1az/chain-connector/internal/logger"
)

var errUnreachable = errors.New("dial tcp: connection refused")

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000))
}

// fakeClient is a scriptable ClientHandle.
type fakeClient struct {
	mu         sync.Mutex
	chainID    uint64
	block      uint64
	gasPrice   *big.Int
	version    string
	netVersion string
	feeHistory *ethereum.FeeHistory
	balance    *big.Int
	callResult []byte

	pingErr  error
	blockErr error
	gasErr   error
	feeErr   error
	callErr  error

	blockDelay time.Duration
	calls      map[string]int
	closed     atomic.Bool
}

func newFakeClient(chainID, block uint64, gasGwei int64) *fakeClient {
	return &fakeClient{
		chainID:    chainID,
		block:      block,
		gasPrice:   gwei(gasGwei),
		version:    "Geth/v1.16.8",
		netVersion: big.NewInt(int64(chainID)).String(),
		balance:    new(big.Int),
		calls:      make(map[string]int),
	}
}

func (f *fakeClient) count(method string) {
	f.mu.Lock()
	f.calls[method]++
	f.mu.Unlock()
}

func (f *fakeClient) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeClient) set(fn func(f *fakeClient)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeClient) ClientVersion(context.Context) (string, error) {
	f.count("web3_clientVersion")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.version, f.pingErr
}

func (f *fakeClient) ChainID(context.Context) (*big.Int, error) {
	f.count("eth_chainId")
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).SetUint64(f.chainID), nil
}

func (f *fakeClient) BlockNumber(ctx context.Context) (uint64, error) {
	f.count("eth_blockNumber")
	f.mu.Lock()
	delay, block, err := f.blockDelay, f.block, f.blockErr
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return block, err
}

func (f *fakeClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	f.count("eth_gasPrice")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gasErr != nil {
		return nil, f.gasErr
	}
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *fakeClient) NetworkVersion(context.Context) (string, error) {
	f.count("net_version")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.netVersion, nil
}

func (f *fakeClient) FeeHistory(context.Context, uint64, *big.Int, []float64) (*ethereum.FeeHistory, error) {
	f.count("eth_feeHistory")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.feeErr != nil {
		return nil, f.feeErr
	}
	if f.feeHistory == nil {
		return nil, errors.New("the method eth_feeHistory does not exist")
	}
	return f.feeHistory, nil
}

func (f *fakeClient) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	f.count("eth_getBalance")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, f.callErr
}

func (f *fakeClient) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	f.count("eth_call")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callResult, f.callErr
}

func (f *fakeClient) Close() {
	f.closed.Store(true)
}

// fakeDialer hands out clients by URL; unknown URLs are unreachable.
type fakeDialer struct {
	mu      sync.Mutex
	clients map[string]*fakeClient
	delay   time.Duration
	dials   atomic.Int32
	tried   []string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{clients: make(map[string]*fakeClient)}
}

func (d *fakeDialer) add(url string, c *fakeClient) *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clients[url] = c
	return c
}

func (d *fakeDialer) attempted() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tried...)
}

func (d *fakeDialer) Dial(ctx context.Context, _ domain.NetworkConfig, c domain.Candidate) (ClientHandle, error) {
	d.dials.Add(1)
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.tried = append(d.tried, c.URL)
	client, ok := d.clients[c.URL]
	if !ok {
		return nil, errUnreachable
	}
	return client, nil
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testNetwork(id string, chainID uint64, urls ...string) domain.NetworkConfig {
	return domain.NetworkConfig{
		ID:              domain.NetworkID(id),
		Name:            strings.ToUpper(id[:1]) + id[1:],
		ChainID:         chainID,
		NativeCurrency:  asset.Native("ETH", "Ether", 18),
		RPCTemplates:    urls,
		SupportsEIP1559: true,
		MaxGasPriceGwei: decimal.NewFromInt(500),
	}
}

func testSettings() Settings {
	s := DefaultSettings()
	s.RequestTimeout = 2 * time.Second
	s.MonitoringEnabled = false
	return s
}

func newTestRegistry(t *testing.T, s Settings, creds domain.ProviderCredentials, d Dialer, networks ...domain.NetworkConfig) (*Registry, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	r, err := NewRegistry(s, domain.NewNetworkRegistry(networks...), creds, d, logger.NewNop(), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close(context.Background()) })
	return r, clock
}
