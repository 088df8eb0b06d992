package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConnectionStatus is the lifecycle state of a network connection.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusMaintenance  ConnectionStatus = "maintenance"
)

// RequestRecord is one observed RPC outcome.
type RequestRecord struct {
	At      time.Time
	Success bool
	Latency time.Duration
}

// NetworkStatus is the serializable view of a network handed to collaborators.
// The endpoint is truncated to scheme and host.
type NetworkStatus struct {
	Network            NetworkID        `json:"network"`
	Name               string           `json:"name"`
	ChainID            uint64           `json:"chainId"`
	Status             ConnectionStatus `json:"status"`
	Connected          bool             `json:"connected"`
	LatestBlock        uint64           `json:"latestBlock"`
	GasPriceGwei       decimal.Decimal  `json:"gasPriceGwei"`
	ResponseTimeMs     int64            `json:"responseTimeMs"`
	Provider           string           `json:"provider,omitempty"`
	ProviderType       Tier             `json:"providerType,omitempty"`
	Endpoint           string           `json:"endpoint,omitempty"`
	Attempts           int              `json:"attempts"`
	ErrorCount         int              `json:"errorCount"`
	ErrorMessage       string           `json:"errorMessage,omitempty"`
	SuccessRate        float64          `json:"successRate"`
	HealthScore        float64          `json:"healthScore"`
	TotalRequests      int64            `json:"totalRequests"`
	FailedRequests     int64            `json:"failedRequests"`
	LastSuccessfulCall *time.Time       `json:"lastSuccessfulCall,omitempty"`
	CircuitOpenUntil   *time.Time       `json:"circuitOpenUntil,omitempty"`
	FollowingHeads     bool             `json:"followingHeads"`
	UpdatedAt          time.Time        `json:"updatedAt"`
}

// Healthy reports whether the network is connected and usable.
func (s NetworkStatus) Healthy() bool {
	return s.Connected && s.CircuitOpenUntil == nil
}
