package app

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fd1az/chain-connector/business/connection/domain"
	"github.com/fd1az/chain-connector/internal/apperror"
)

const (
	walletAddr = "0x742d35Cc6634C0532925a3b844Bc454e4438f44e"
	usdcAddr   = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
)

func TestRegistry_FailoverToThirdEndpoint(t *testing.T) {
	d := newFakeDialer()
	d.add("https://eth-c.example.org", newFakeClient(1, 18_500_000, 20))
	r, _ := newTestRegistry(t, testSettings(), nil, d,
		testNetwork("ethereum", 1, "https://eth-a.example.org", "https://eth-b.example.org", "https://eth-c.example.org"))

	ok, err := r.Connect(context.Background(), "ethereum")
	require.NoError(t, err)
	assert.True(t, ok)

	st := r.Status("ethereum")
	assert.Equal(t, domain.StatusConnected, st.Status)
	assert.True(t, st.Connected)
	assert.Equal(t, uint64(18_500_000), st.LatestBlock)
	assert.Equal(t, 3, st.Attempts)
	assert.Equal(t, "20", st.GasPriceGwei.String())
}

func TestRegistry_PublicOnlyNetwork(t *testing.T) {
	d := newFakeDialer()
	d.add("https://bsc-dataseed.binance.org", newFakeClient(56, 35_000_000, 3))
	d.add("https://bsc-rpc.publicnode.com", newFakeClient(56, 35_000_000, 3))
	r, _ := newTestRegistry(t, testSettings(), nil, d,
		testNetwork("bsc", 56, "https://bsc-dataseed.binance.org", "https://bsc-rpc.publicnode.com"))

	ok, err := r.Connect(context.Background(), "bsc")
	require.NoError(t, err)
	assert.True(t, ok)

	st := r.Status("bsc")
	assert.Equal(t, domain.TierPublic, st.ProviderType)
	assert.Equal(t, "binance", st.Provider)
	assert.Equal(t, 1, st.Attempts)
}

func TestRegistry_BreakerOpensAndRecovers(t *testing.T) {
	d := newFakeDialer()
	c := d.add("https://polygon-rpc.com", newFakeClient(137, 50_000_000, 30))
	r, clock := newTestRegistry(t, testSettings(), nil, d, testNetwork("polygon", 137, "https://polygon-rpc.com"))
	ctx := context.Background()

	_, err := r.Connect(ctx, "polygon")
	require.NoError(t, err)

	c.set(func(f *fakeClient) { f.blockErr = errUnreachable })
	for i := 0; i < 6; i++ {
		r.Monitor().probeConnections(ctx)
	}

	b := r.Breaker("polygon")
	assert.True(t, b.IsOpen())
	assert.Equal(t, 5, c.callCount("eth_blockNumber")-1, "sixth probe skipped while open")

	st := r.Status("polygon")
	assert.Equal(t, domain.StatusError, st.Status)
	require.NotNil(t, st.CircuitOpenUntil)
	assert.Equal(t, clock.Now().Add(5*time.Minute), *st.CircuitOpenUntil)

	_, err = r.GetHandle(ctx, "polygon")
	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, apperror.CodeCircuitOpen))

	clock.Advance(5*time.Minute + time.Second)
	c.set(func(f *fakeClient) { f.blockErr = nil; f.block = 50_000_010 })
	r.Monitor().probeConnections(ctx)

	assert.False(t, b.IsOpen())
	assert.Equal(t, 0, b.ErrorCount())
	assert.Equal(t, uint64(50_000_010), r.Status("polygon").LatestBlock)
}

func TestRegistry_HeldHandleFailsFastWhileOpen(t *testing.T) {
	d := newFakeDialer()
	c := d.add("https://polygon-rpc.com", newFakeClient(137, 50_000_000, 30))
	r, clock := newTestRegistry(t, testSettings(), nil, d, testNetwork("polygon", 137, "https://polygon-rpc.com"))
	ctx := context.Background()

	h, err := r.GetHandle(ctx, "polygon")
	require.NoError(t, err)

	c.set(func(f *fakeClient) { f.blockErr = errUnreachable })
	for i := 0; i < 5; i++ {
		_, err := h.BlockNumber(ctx)
		require.Error(t, err)
	}
	require.True(t, r.Breaker("polygon").IsOpen())

	before := c.callCount("eth_blockNumber")
	_, err = h.BlockNumber(ctx)
	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, apperror.CodeCircuitOpen))
	assert.Equal(t, before, c.callCount("eth_blockNumber"), "no RPC while open")

	err = r.Do(ctx, "polygon", "eth_blockNumber", func(ctx context.Context, h ClientHandle) error {
		_, err := h.BlockNumber(ctx)
		return err
	})
	assert.True(t, apperror.HasCode(err, apperror.CodeCircuitOpen))
	assert.Equal(t, before, c.callCount("eth_blockNumber"))

	clock.Advance(5*time.Minute + time.Second)
	c.set(func(f *fakeClient) { f.blockErr = nil })
	_, err = h.BlockNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, before+1, c.callCount("eth_blockNumber"))
}

func TestRegistry_ConnectIsIdempotent(t *testing.T) {
	d := newFakeDialer()
	d.add("https://eth.llamarpc.com", newFakeClient(1, 100, 20))
	r, _ := newTestRegistry(t, testSettings(), nil, d, testNetwork("ethereum", 1, "https://eth.llamarpc.com"))

	for i := 0; i < 3; i++ {
		ok, err := r.Connect(context.Background(), "ethereum")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, int32(1), d.dials.Load())

	_, err := r.Connect(context.Background(), "ethereum", WithForceReconnect())
	require.NoError(t, err)
	assert.Equal(t, int32(2), d.dials.Load())
}

func TestRegistry_ConcurrentConnectEstablishesOnce(t *testing.T) {
	d := newFakeDialer()
	d.delay = 50 * time.Millisecond
	d.add("https://eth.llamarpc.com", newFakeClient(1, 100, 20))
	r, _ := newTestRegistry(t, testSettings(), nil, d, testNetwork("ethereum", 1, "https://eth.llamarpc.com"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := r.Connect(context.Background(), "ethereum")
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), d.dials.Load())
}

func TestRegistry_ConnectUnknownNetwork(t *testing.T) {
	r, _ := newTestRegistry(t, testSettings(), nil, newFakeDialer())

	ok, err := r.Connect(context.Background(), "solana")
	assert.False(t, ok)
	assert.True(t, apperror.HasCode(err, apperror.CodeConfigurationError))
}

func TestRegistry_ConnectFailureIsReported(t *testing.T) {
	r, _ := newTestRegistry(t, testSettings(), nil, newFakeDialer(),
		testNetwork("ethereum", 1, "https://eth-a.example.org"))

	ok, err := r.Connect(context.Background(), "ethereum")
	assert.False(t, ok)
	assert.True(t, apperror.HasCode(err, apperror.CodeConnectionFailed))

	st := r.Status("ethereum")
	assert.Equal(t, domain.StatusDisconnected, st.Status)
	assert.Contains(t, st.ErrorMessage, "CONNECTION_FAILED")
}

func TestRegistry_StatusTruncatesEndpoint(t *testing.T) {
	d := newFakeDialer()
	d.add("https://polygon-mainnet.infura.io/v3/sekret-key", newFakeClient(137, 100, 30))
	creds := domain.NewProviderCredentials(map[string]string{"infura": "sekret-key"})
	r, _ := newTestRegistry(t, testSettings(), creds, d,
		testNetwork("polygon", 137, "https://polygon-mainnet.infura.io/v3/{api_key}", "https://polygon-rpc.com"))

	_, err := r.Connect(context.Background(), "polygon")
	require.NoError(t, err)

	st := r.Status("polygon")
	assert.Equal(t, "https://polygon-mainnet.infura.io", st.Endpoint)
	assert.Equal(t, domain.TierCredentialed, st.ProviderType)
	assert.Equal(t, "infura", st.Provider)

	raw, err := json.Marshal(r.AllStatuses())
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "sekret-key")
}

func TestRegistry_DisconnectAllClearsState(t *testing.T) {
	d := newFakeDialer()
	eth := d.add("https://eth.llamarpc.com", newFakeClient(1, 100, 20))
	bsc := d.add("https://bsc-dataseed.binance.org", newFakeClient(56, 100, 3))
	r, _ := newTestRegistry(t, testSettings(), nil, d,
		testNetwork("ethereum", 1, "https://eth.llamarpc.com"),
		testNetwork("bsc", 56, "https://bsc-dataseed.binance.org"))
	ctx := context.Background()

	for _, n := range r.Networks() {
		_, err := r.Connect(ctx, n)
		require.NoError(t, err)
		h, err := r.GetHandle(ctx, n)
		require.NoError(t, err)
		_, err = h.BlockNumber(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, r.ConnectedCount())
	assert.Equal(t, 2, r.Tracker().Len())

	r.DisconnectAll(ctx)

	assert.Equal(t, 0, r.ConnectedCount())
	assert.Equal(t, 0, r.Tracker().Len())
	assert.True(t, eth.closed.Load())
	assert.True(t, bsc.closed.Load())
	for id, st := range r.AllStatuses() {
		assert.Equal(t, domain.StatusDisconnected, st.Status, id)
		assert.False(t, st.Connected, id)
		assert.Zero(t, st.TotalRequests, id)
	}
}

func TestRegistry_CloseDropsInFlightConnect(t *testing.T) {
	d := newFakeDialer()
	c := newFakeClient(1, 100, 20)
	c.blockDelay = 200 * time.Millisecond
	d.add("https://eth.llamarpc.com", c)
	s := testSettings()
	s.MonitoringEnabled = true
	r, _ := newTestRegistry(t, s, nil, d, testNetwork("ethereum", 1, "https://eth.llamarpc.com"))
	ctx := context.Background()

	result := make(chan error, 1)
	go func() {
		_, err := r.Connect(ctx, "ethereum")
		result <- err
	}()
	require.Eventually(t, func() bool { return d.dials.Load() == 1 }, time.Second, time.Millisecond)

	r.Close(ctx)

	select {
	case err := <-result:
		require.Error(t, err)
		assert.True(t, apperror.HasCode(err, apperror.CodeNotConnected))
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return")
	}
	assert.True(t, c.closed.Load(), "late client is released")
	assert.False(t, r.Monitor().Running())
	assert.Equal(t, domain.StatusDisconnected, r.Status("ethereum").Status)

	_, err := r.Connect(ctx, "ethereum")
	assert.True(t, apperror.HasCode(err, apperror.CodeNotConnected))
	assert.Equal(t, int32(1), d.dials.Load())
}

func TestRegistry_Disconnect(t *testing.T) {
	d := newFakeDialer()
	c := d.add("https://eth.llamarpc.com", newFakeClient(1, 100, 20))
	r, _ := newTestRegistry(t, testSettings(), nil, d, testNetwork("ethereum", 1, "https://eth.llamarpc.com"))
	ctx := context.Background()

	_, err := r.Connect(ctx, "ethereum")
	require.NoError(t, err)
	r.Disconnect(ctx, "ethereum")

	assert.True(t, c.closed.Load())
	assert.Equal(t, domain.StatusDisconnected, r.Status("ethereum").Status)
}

func TestRegistry_GetHandleConnectsOnDemand(t *testing.T) {
	d := newFakeDialer()
	d.add("https://eth.llamarpc.com", newFakeClient(1, 100, 20))
	r, _ := newTestRegistry(t, testSettings(), nil, d, testNetwork("ethereum", 1, "https://eth.llamarpc.com"))
	ctx := context.Background()

	h, err := r.GetHandle(ctx, "ethereum")
	require.NoError(t, err)
	assert.Equal(t, int32(1), d.dials.Load())

	block, err := h.BlockNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), block)

	st := r.Status("ethereum")
	assert.Equal(t, int64(1), st.TotalRequests)
	assert.Equal(t, 1.0, st.SuccessRate)
	assert.Greater(t, st.HealthScore, 0.9)
}

func TestRegistry_DoMapsDeadline(t *testing.T) {
	d := newFakeDialer()
	c := d.add("https://eth.llamarpc.com", newFakeClient(1, 100, 20))
	s := testSettings()
	s.RequestTimeout = 50 * time.Millisecond
	r, _ := newTestRegistry(t, s, nil, d, testNetwork("ethereum", 1, "https://eth.llamarpc.com"))
	ctx := context.Background()

	_, err := r.Connect(ctx, "ethereum")
	require.NoError(t, err)

	c.set(func(f *fakeClient) { f.blockDelay = time.Second })
	err = r.Do(ctx, "ethereum", "eth_blockNumber", func(ctx context.Context, h ClientHandle) error {
		_, err := h.BlockNumber(ctx)
		return err
	})

	assert.True(t, apperror.HasCode(err, apperror.CodeServiceTimeout))
	assert.Equal(t, int64(1), r.Status("ethereum").FailedRequests)
}

func TestRegistry_DoIgnoresCallerCancellation(t *testing.T) {
	d := newFakeDialer()
	c := d.add("https://eth.llamarpc.com", newFakeClient(1, 100, 20))
	r, _ := newTestRegistry(t, testSettings(), nil, d, testNetwork("ethereum", 1, "https://eth.llamarpc.com"))

	_, err := r.Connect(context.Background(), "ethereum")
	require.NoError(t, err)
	c.set(func(f *fakeClient) { f.blockDelay = time.Second })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = r.Do(ctx, "ethereum", "eth_blockNumber", func(ctx context.Context, h ClientHandle) error {
		_, err := h.BlockNumber(ctx)
		return err
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, r.Status("ethereum").TotalRequests)
	assert.Zero(t, r.Breaker("ethereum").ErrorCount())
}

func TestRegistry_Balances(t *testing.T) {
	d := newFakeDialer()
	c := newFakeClient(1, 100, 20)
	c.balance, _ = new(big.Int).SetString("1500000000000000000", 10)
	c.callResult = common.LeftPadBytes(big.NewInt(2_500_000).Bytes(), 32)
	d.add("https://eth.llamarpc.com", c)
	r, _ := newTestRegistry(t, testSettings(), nil, d, testNetwork("ethereum", 1, "https://eth.llamarpc.com"))
	ctx := context.Background()

	native, err := r.NativeBalance(ctx, "ethereum", walletAddr)
	require.NoError(t, err)
	assert.Equal(t, "1.5", native.String())

	token, err := r.TokenBalance(ctx, "ethereum", usdcAddr, walletAddr, 6)
	require.NoError(t, err)
	assert.Equal(t, "2.5", token.String())
}

func TestRegistry_BalanceErrorsAreTradingErrors(t *testing.T) {
	d := newFakeDialer()
	c := d.add("https://eth.llamarpc.com", newFakeClient(1, 100, 20))
	r, _ := newTestRegistry(t, testSettings(), nil, d, testNetwork("ethereum", 1, "https://eth.llamarpc.com"))
	ctx := context.Background()

	tests := []struct {
		name  string
		call  func() error
		cause apperror.Code
	}{
		{"bad address", func() error {
			_, err := r.NativeBalance(ctx, "ethereum", "not-an-address")
			return err
		}, apperror.CodeInvalidInput},
		{"bad token", func() error {
			_, err := r.TokenBalance(ctx, "ethereum", "0x123", walletAddr, 6)
			return err
		}, apperror.CodeInvalidInput},
		{"unknown network", func() error {
			_, err := r.NativeBalance(ctx, "solana", walletAddr)
			return err
		}, apperror.CodeConfigurationError},
		{"circuit open", func() error {
			for i := 0; i < 5; i++ {
				r.Breaker("ethereum").RecordFailure()
			}
			_, err := r.TokenBalance(ctx, "ethereum", usdcAddr, walletAddr, 6)
			return err
		}, apperror.CodeCircuitOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.Equal(t, apperror.CodeTradingError, apperror.GetCode(err))
			assert.True(t, apperror.HasCode(err, tt.cause))
		})
	}
	assert.Zero(t, c.callCount("eth_getBalance"))
}

func TestRegistry_EstimateGasPrice(t *testing.T) {
	d := newFakeDialer()
	c := newFakeClient(1, 100, 20)
	c.feeHistory = feeHistory(20, 30, 1, 2, 3)
	d.add("https://eth.llamarpc.com", c)
	r, _ := newTestRegistry(t, testSettings(), nil, d, testNetwork("ethereum", 1, "https://eth.llamarpc.com"))
	ctx := context.Background()

	est := r.EstimateGasPrice(ctx, "ethereum")
	require.NotNil(t, est.EIP1559)
	assert.Equal(t, domain.NetworkID("ethereum"), est.Network)
	assertDec(t, 32, est.EIP1559.Standard.MaxFeeGwei, "standard max")

	unknown := r.EstimateGasPrice(ctx, "solana")
	assert.True(t, unknown.Degraded)
	assert.Equal(t, domain.GasSourceDefault, unknown.Source)
}

func TestRegistry_SwitchNetwork(t *testing.T) {
	d := newFakeDialer()
	a := d.add("https://eth-a.example.org", newFakeClient(1, 100, 20))
	d.add("https://eth-b.example.org", newFakeClient(1, 101, 20))
	r, _ := newTestRegistry(t, testSettings(), nil, d,
		testNetwork("ethereum", 1, "https://eth-a.example.org", "https://eth-b.example.org"))
	ctx := context.Background()

	ok, err := r.SwitchNetwork(ctx, "ethereum")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, domain.NetworkID("ethereum"), r.ActiveNetwork())
	assert.Equal(t, "https://eth-a.example.org", r.Status("ethereum").Endpoint)

	ok, err = r.SwitchNetwork(ctx, "ethereum")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(1), d.dials.Load(), "healthy network is only probed")

	a.set(func(f *fakeClient) { f.blockErr = errUnreachable })
	ok, err = r.SwitchNetwork(ctx, "ethereum")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "https://eth-b.example.org", r.Status("ethereum").Endpoint)
	assert.Equal(t, 2, r.Status("ethereum").Attempts)

	_, err = r.SwitchNetwork(ctx, "solana")
	assert.True(t, apperror.HasCode(err, apperror.CodeConfigurationError))
	assert.Equal(t, domain.NetworkID("ethereum"), r.ActiveNetwork())
}
