// Package app contains the connection lifecycle engine and its port definitions.
package app

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/fd1az/chain-connector/business/connection/domain"
)

// ClientHandle is the subset of an Ethereum JSON-RPC client the engine needs.
// Method names follow go-ethereum's ethclient.
type ClientHandle interface {
	// ClientVersion issues web3_clientVersion and serves as the liveness ping.
	ClientVersion(ctx context.Context) (string, error)
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	// NetworkVersion issues net_version.
	NetworkVersion(ctx context.Context) (string, error)
	FeeHistory(ctx context.Context, blockCount uint64, lastBlock *big.Int, rewardPercentiles []float64) (*ethereum.FeeHistory, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Dialer builds an unverified client for one candidate endpoint.
type Dialer interface {
	Dial(ctx context.Context, network domain.NetworkConfig, candidate domain.Candidate) (ClientHandle, error)
}

// HeadSource opens newHeads subscriptions on subscription-capable endpoints.
// Follow returns once the node has confirmed the subscription. onHead is called with
// every announced block number until the subscription is unsubscribed.
type HeadSource interface {
	Follow(ctx context.Context, network domain.NetworkConfig, candidate domain.Candidate, onHead func(block uint64)) (ethereum.Subscription, error)
}
