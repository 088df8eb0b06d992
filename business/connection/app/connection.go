package app

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/fd1az/chain-connector/business/connection/domain"
)

// Connection is the live state of one network. Registry owns it; readers get copies.
type Connection struct {
	Network            domain.NetworkID
	Config             domain.NetworkConfig
	Handle             ClientHandle
	Status             domain.ConnectionStatus
	Endpoint           string // full URL, never exposed
	Provider           string
	Tier               domain.Tier
	Attempts           int
	ConnectedAt        time.Time
	LastSuccessfulCall time.Time
	LatestBlock        uint64
	GasPriceGwei       decimal.Decimal
	ResponseTime       time.Duration
	LastError          string
	UpdatedAt          time.Time
}

// trackedHandle routes every call through the registry so outcomes feed the
// request tracker and the circuit breaker.
type trackedHandle struct {
	r       *Registry
	network domain.NetworkID
	inner   ClientHandle
}

func observeValue[T any](ctx context.Context, r *Registry, network domain.NetworkID, op string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := r.observe(ctx, network, op, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

func (h *trackedHandle) ClientVersion(ctx context.Context) (string, error) {
	return observeValue(ctx, h.r, h.network, "web3_clientVersion", h.inner.ClientVersion)
}

func (h *trackedHandle) ChainID(ctx context.Context) (*big.Int, error) {
	return observeValue(ctx, h.r, h.network, "eth_chainId", h.inner.ChainID)
}

func (h *trackedHandle) BlockNumber(ctx context.Context) (uint64, error) {
	return observeValue(ctx, h.r, h.network, "eth_blockNumber", h.inner.BlockNumber)
}

func (h *trackedHandle) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return observeValue(ctx, h.r, h.network, "eth_gasPrice", h.inner.SuggestGasPrice)
}

func (h *trackedHandle) NetworkVersion(ctx context.Context) (string, error) {
	return observeValue(ctx, h.r, h.network, "net_version", h.inner.NetworkVersion)
}

func (h *trackedHandle) FeeHistory(ctx context.Context, blockCount uint64, lastBlock *big.Int, rewardPercentiles []float64) (*ethereum.FeeHistory, error) {
	return observeValue(ctx, h.r, h.network, "eth_feeHistory", func(ctx context.Context) (*ethereum.FeeHistory, error) {
		return h.inner.FeeHistory(ctx, blockCount, lastBlock, rewardPercentiles)
	})
}

func (h *trackedHandle) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return observeValue(ctx, h.r, h.network, "eth_getBalance", func(ctx context.Context) (*big.Int, error) {
		return h.inner.BalanceAt(ctx, account, blockNumber)
	})
}

func (h *trackedHandle) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return observeValue(ctx, h.r, h.network, "eth_call", func(ctx context.Context) ([]byte, error) {
		return h.inner.CallContract(ctx, msg, blockNumber)
	})
}

// Close is a no-op: the underlying client is shared and owned by the registry.
func (h *trackedHandle) Close() {}
