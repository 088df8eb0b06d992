// Package domain contains the core domain types for the connection context.
package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fd1az/chain-connector/internal/asset"
)

// NetworkID is the logical identifier of a chain, e.g. "ethereum".
type NetworkID string

// NetworkConfig is the static description of one chain. It is never mutated after load.
type NetworkConfig struct {
	ID              NetworkID
	Name            string
	ChainID         uint64
	NativeCurrency  asset.Asset
	RPCTemplates    []string // may contain CredentialPlaceholder
	WSTemplates     []string
	ExplorerURL     string
	IsLayer2        bool
	SupportsEIP1559 bool
	MaxGasPriceGwei decimal.Decimal
	BlockTime       time.Duration
}

// NetworkRegistry is an immutable, ordered set of network configurations.
type NetworkRegistry struct {
	order    []NetworkID
	networks map[NetworkID]NetworkConfig
}

// NewNetworkRegistry builds a registry. Later entries replace earlier ones with the same id
// while keeping the original position.
func NewNetworkRegistry(configs ...NetworkConfig) *NetworkRegistry {
	r := &NetworkRegistry{networks: make(map[NetworkID]NetworkConfig, len(configs))}
	for _, c := range configs {
		if _, ok := r.networks[c.ID]; !ok {
			r.order = append(r.order, c.ID)
		}
		r.networks[c.ID] = c
	}
	return r
}

// Get returns the configuration for id.
func (r *NetworkRegistry) Get(id NetworkID) (NetworkConfig, bool) {
	c, ok := r.networks[id]
	return c, ok
}

// IDs returns every network id in registration order.
func (r *NetworkRegistry) IDs() []NetworkID {
	out := make([]NetworkID, len(r.order))
	copy(out, r.order)
	return out
}

// All returns every configuration in registration order.
func (r *NetworkRegistry) All() []NetworkConfig {
	out := make([]NetworkConfig, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.networks[id])
	}
	return out
}

// SortedIDs returns ids sorted alphabetically, for stable output.
func SortedIDs[V any](m map[NetworkID]V) []NetworkID {
	ids := make([]NetworkID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func gwei(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// DefaultNetworks returns the built-in mainnet definitions.
func DefaultNetworks() []NetworkConfig {
	return []NetworkConfig{
		{
			ID:             "ethereum",
			Name:           "Ethereum Mainnet",
			ChainID:        1,
			NativeCurrency: asset.Native("ETH", "Ether", 18),
			RPCTemplates: []string{
				"https://mainnet.infura.io/v3/{api_key}",
				"https://eth-mainnet.g.alchemy.com/v2/{api_key}",
				"https://rpc.ankr.com/eth/{api_key}",
				"https://ethereum-rpc.publicnode.com",
				"https://eth.llamarpc.com",
				"https://cloudflare-eth.com",
				"https://1rpc.io/eth",
			},
			WSTemplates: []string{
				"wss://mainnet.infura.io/ws/v3/{api_key}",
				"wss://ethereum-rpc.publicnode.com",
			},
			ExplorerURL:     "https://etherscan.io",
			SupportsEIP1559: true,
			MaxGasPriceGwei: gwei(500),
			BlockTime:       12 * time.Second,
		},
		{
			ID:             "bsc",
			Name:           "BNB Smart Chain",
			ChainID:        56,
			NativeCurrency: asset.Native("BNB", "BNB", 18),
			RPCTemplates: []string{
				"https://bsc-mainnet.infura.io/v3/{api_key}",
				"https://rpc.ankr.com/bsc/{api_key}",
				"https://bsc-dataseed.binance.org",
				"https://bsc-rpc.publicnode.com",
				"https://1rpc.io/bnb",
			},
			WSTemplates:     []string{"wss://bsc-rpc.publicnode.com"},
			ExplorerURL:     "https://bscscan.com",
			MaxGasPriceGwei: gwei(100),
			BlockTime:       3 * time.Second,
		},
		{
			ID:             "polygon",
			Name:           "Polygon PoS",
			ChainID:        137,
			NativeCurrency: asset.Native("POL", "Polygon Ecosystem Token", 18),
			RPCTemplates: []string{
				"https://polygon-mainnet.infura.io/v3/{api_key}",
				"https://polygon-mainnet.g.alchemy.com/v2/{api_key}",
				"https://polygon-rpc.com",
				"https://polygon-bor-rpc.publicnode.com",
				"https://1rpc.io/matic",
			},
			WSTemplates:     []string{"wss://polygon-bor-rpc.publicnode.com"},
			ExplorerURL:     "https://polygonscan.com",
			SupportsEIP1559: true,
			MaxGasPriceGwei: gwei(1000),
			BlockTime:       2 * time.Second,
		},
		{
			ID:             "arbitrum",
			Name:           "Arbitrum One",
			ChainID:        42161,
			NativeCurrency: asset.Native("ETH", "Ether", 18),
			RPCTemplates: []string{
				"https://arbitrum-mainnet.infura.io/v3/{api_key}",
				"https://arb-mainnet.g.alchemy.com/v2/{api_key}",
				"https://arb1.arbitrum.io/rpc",
				"https://arbitrum-one-rpc.publicnode.com",
				"https://arbitrum.llamarpc.com",
			},
			ExplorerURL:     "https://arbiscan.io",
			IsLayer2:        true,
			SupportsEIP1559: true,
			MaxGasPriceGwei: gwei(10),
			BlockTime:       250 * time.Millisecond,
		},
		{
			ID:             "optimism",
			Name:           "OP Mainnet",
			ChainID:        10,
			NativeCurrency: asset.Native("ETH", "Ether", 18),
			RPCTemplates: []string{
				"https://optimism-mainnet.infura.io/v3/{api_key}",
				"https://opt-mainnet.g.alchemy.com/v2/{api_key}",
				"https://mainnet.optimism.io",
				"https://optimism-rpc.publicnode.com",
				"https://1rpc.io/op",
			},
			ExplorerURL:     "https://optimistic.etherscan.io",
			IsLayer2:        true,
			SupportsEIP1559: true,
			MaxGasPriceGwei: gwei(10),
			BlockTime:       2 * time.Second,
		},
		{
			ID:             "base",
			Name:           "Base Mainnet",
			ChainID:        8453,
			NativeCurrency: asset.Native("ETH", "Ether", 18),
			RPCTemplates: []string{
				"https://base-mainnet.infura.io/v3/{api_key}",
				"https://base-mainnet.g.alchemy.com/v2/{api_key}",
				"https://mainnet.base.org",
				"https://base-rpc.publicnode.com",
				"https://base.llamarpc.com",
			},
			ExplorerURL:     "https://basescan.org",
			IsLayer2:        true,
			SupportsEIP1559: true,
			MaxGasPriceGwei: gwei(10),
			BlockTime:       2 * time.Second,
		},
		{
			ID:             "avalanche",
			Name:           "Avalanche C-Chain",
			ChainID:        43114,
			NativeCurrency: asset.Native("AVAX", "Avalanche", 18),
			RPCTemplates: []string{
				"https://avalanche-mainnet.infura.io/v3/{api_key}",
				"https://api.avax.network/ext/bc/C/rpc",
				"https://avalanche-c-chain-rpc.publicnode.com",
				"https://1rpc.io/avax/c",
			},
			ExplorerURL:     "https://snowtrace.io",
			SupportsEIP1559: true,
			MaxGasPriceGwei: gwei(300),
			BlockTime:       2 * time.Second,
		},
	}
}
