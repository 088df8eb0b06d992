package app

import (
	"time"

	"github.com/fd1az/chain-connector/internal/config"
)

const (
	tracerName = "github.com/fd1az/chain-connector/business/connection/app"
	meterName  = "github.com/fd1az/chain-connector/business/connection/app"
)

// Settings tunes the engine.
type Settings struct {
	RequestTimeout      time.Duration
	HealthCheckInterval time.Duration
	BreakerThreshold    int
	BreakerCooldown     time.Duration
	HistorySize         int
	MonitoringEnabled   bool
	FeeHistoryBlocks    int
	GasCacheTTL         time.Duration
	PreferredProvider   string
	FollowHeads         bool
}

// DefaultSettings returns the stock tuning.
func DefaultSettings() Settings {
	return Settings{
		RequestTimeout:      30 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		BreakerThreshold:    5,
		BreakerCooldown:     5 * time.Minute,
		HistorySize:         100,
		MonitoringEnabled:   true,
		FeeHistoryBlocks:    20,
		GasCacheTTL:         12 * time.Second,
		FollowHeads:         true,
	}
}

// SettingsFromConfig maps the connection section of the application config.
func SettingsFromConfig(c config.ConnectionConfig) Settings {
	return Settings{
		RequestTimeout:      c.RequestTimeout,
		HealthCheckInterval: c.HealthCheckInterval,
		BreakerThreshold:    c.BreakerThreshold,
		BreakerCooldown:     c.BreakerCooldown,
		HistorySize:         c.HistorySize,
		MonitoringEnabled:   c.MonitoringEnabled,
		FeeHistoryBlocks:    c.FeeHistoryBlocks,
		GasCacheTTL:         c.GasCacheTTL,
		PreferredProvider:   c.PreferredProvider,
		FollowHeads:         c.FollowHeads,
	}
}
