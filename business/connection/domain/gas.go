package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// GasModel is the fee schema of an estimate.
type GasModel string

const (
	GasModelEIP1559 GasModel = "eip1559"
	GasModelLegacy  GasModel = "legacy"
)

// GasSource records where an estimate came from.
type GasSource string

const (
	GasSourceFeeHistory GasSource = "fee_history"
	GasSourceGasPrice   GasSource = "gas_price"
	GasSourceDefault    GasSource = "default"
)

// FeeTier is an EIP-1559 fee pair in gwei.
type FeeTier struct {
	MaxFeeGwei      decimal.Decimal `json:"maxFee"`
	PriorityFeeGwei decimal.Decimal `json:"priorityFee"`
}

// FeeTiers groups the EIP-1559 tiers.
type FeeTiers struct {
	Slow     FeeTier `json:"slow"`
	Standard FeeTier `json:"standard"`
	Fast     FeeTier `json:"fast"`
}

// LegacyTiers are single gas prices in gwei.
type LegacyTiers struct {
	Slow     decimal.Decimal `json:"slow"`
	Standard decimal.Decimal `json:"standard"`
	Fast     decimal.Decimal `json:"fast"`
	Fastest  decimal.Decimal `json:"fastest"`
}

// GasEstimate is a tiered gas price suggestion. Exactly one of EIP1559 and Legacy is set.
// Degraded marks the hard-coded fallback returned when the chain could not be queried.
type GasEstimate struct {
	Network     NetworkID       `json:"network"`
	Model       GasModel        `json:"model"`
	Source      GasSource       `json:"source"`
	Degraded    bool            `json:"degraded"`
	BaseFeeGwei decimal.Decimal `json:"baseFeeGwei"`
	EIP1559     *FeeTiers       `json:"eip1559,omitempty"`
	Legacy      *LegacyTiers    `json:"legacy,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Clone returns a deep copy of e. Decimals are immutable and are shared.
func (e *GasEstimate) Clone() *GasEstimate {
	if e == nil {
		return nil
	}
	out := *e
	if e.EIP1559 != nil {
		tiers := *e.EIP1559
		out.EIP1559 = &tiers
	}
	if e.Legacy != nil {
		tiers := *e.Legacy
		out.Legacy = &tiers
	}
	return &out
}
