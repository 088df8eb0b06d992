// Package asset describes native coins and ERC-20 tokens and converts between
// raw integer units and human-readable decimals.
package asset

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	ErrNilRaw          = errors.New("asset: nil raw value")
	ErrNegativeAmount  = errors.New("asset: negative amount")
	ErrTooManyDecimals = errors.New("asset: too many decimal places for asset")
)

// GweiDecimals is the exponent between wei and gwei.
const GweiDecimals = 9

// Asset is the metadata of a native coin or a token on a chain.
// The zero Address denotes the chain's native coin.
type Asset struct {
	Symbol   string         `json:"symbol"`
	Name     string         `json:"name,omitempty"`
	Decimals uint8          `json:"decimals"`
	Address  common.Address `json:"address,omitempty"`
}

// Native returns the asset for a chain's native coin.
func Native(symbol, name string, decimals uint8) Asset {
	return Asset{Symbol: symbol, Name: name, Decimals: decimals}
}

// Token returns the asset for an ERC-20 contract.
func Token(address common.Address, symbol string, decimals uint8) Asset {
	return Asset{Symbol: symbol, Decimals: decimals, Address: address}
}

// IsNative reports whether a is a native coin.
func (a Asset) IsNative() bool {
	return a.Address == (common.Address{})
}

func (a Asset) String() string {
	return a.Symbol
}

// ToDecimal converts raw units of a into a decimal amount.
func (a Asset) ToDecimal(raw *big.Int) decimal.Decimal {
	return ToDecimal(raw, a.Decimals)
}

// ToDecimal converts raw smallest-unit value into a decimal with the given decimals.
func ToDecimal(raw *big.Int, decimals uint8) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -int32(decimals))
}

// FromDecimal converts a decimal amount back to raw units.
func FromDecimal(d decimal.Decimal, decimals uint8) (*big.Int, error) {
	if d.IsNegative() {
		return nil, ErrNegativeAmount
	}
	shifted := d.Shift(int32(decimals))
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, ErrTooManyDecimals
	}
	return shifted.BigInt(), nil
}

// WeiToGwei converts wei to gwei.
func WeiToGwei(wei *big.Int) decimal.Decimal {
	return ToDecimal(wei, GweiDecimals)
}

// GweiToWei converts gwei to wei, truncating sub-wei fractions.
func GweiToWei(gwei decimal.Decimal) *big.Int {
	return gwei.Shift(GweiDecimals).Truncate(0).BigInt()
}
