package connection

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/fd1az/chain-connector/business/connection/domain"
	"github.com/fd1az/chain-connector/internal/asset"
	"github.com/fd1az/chain-connector/internal/config"
)

// BuildNetworks merges configured networks into the built-in definitions. An entry
// whose id matches a built-in network overrides only the fields it sets; any other
// entry defines a new network and must carry a chain id and at least one RPC URL.
func BuildNetworks(overrides []config.NetworkConfig) (*domain.NetworkRegistry, error) {
	base := domain.NewNetworkRegistry(domain.DefaultNetworks()...)
	merged := base.All()

	for _, o := range overrides {
		id := domain.NetworkID(o.ID)
		n, known := base.Get(id)
		if !known {
			if o.ChainID == 0 || len(o.RPCURLs) == 0 {
				return nil, fmt.Errorf("network %q: chain_id and rpc_urls are required for new networks", o.ID)
			}
			n = domain.NetworkConfig{
				ID:             id,
				Name:           o.ID,
				NativeCurrency: asset.Native("ETH", "Ether", 18),
			}
		}
		merged = append(merged, applyOverride(n, o))
	}

	return domain.NewNetworkRegistry(merged...), nil
}

func applyOverride(n domain.NetworkConfig, o config.NetworkConfig) domain.NetworkConfig {
	if o.Name != "" {
		n.Name = o.Name
	}
	if o.ChainID != 0 {
		n.ChainID = o.ChainID
	}
	if o.Symbol != "" {
		n.NativeCurrency.Symbol = o.Symbol
		n.NativeCurrency.Name = o.Symbol
	}
	if o.Decimals != 0 {
		n.NativeCurrency.Decimals = o.Decimals
	}
	if len(o.RPCURLs) > 0 {
		n.RPCTemplates = append([]string(nil), o.RPCURLs...)
	}
	if len(o.WSURLs) > 0 {
		n.WSTemplates = append([]string(nil), o.WSURLs...)
	}
	if o.ExplorerURL != "" {
		n.ExplorerURL = o.ExplorerURL
	}
	if o.IsLayer2 != nil {
		n.IsLayer2 = *o.IsLayer2
	}
	if o.SupportsEIP1559 != nil {
		n.SupportsEIP1559 = *o.SupportsEIP1559
	}
	if o.MaxGasPriceGwei > 0 {
		n.MaxGasPriceGwei = decimal.NewFromFloat(o.MaxGasPriceGwei)
	}
	if o.BlockTime > 0 {
		n.BlockTime = o.BlockTime
	}
	return n
}
