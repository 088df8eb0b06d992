// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Connection ConnectionConfig `mapstructure:"connection"`
	Providers  ProvidersConfig  `mapstructure:"providers"`
	Networks   []NetworkConfig  `mapstructure:"networks"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// AppConfig holds general application settings.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
}

// ConnectionConfig tunes the connection manager.
type ConnectionConfig struct {
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
	HealthCheckInterval  time.Duration `mapstructure:"health_check_interval"`
	BreakerThreshold     int           `mapstructure:"breaker_threshold"`
	BreakerCooldown      time.Duration `mapstructure:"breaker_cooldown"`
	HistorySize          int           `mapstructure:"history_size"`
	MonitoringEnabled    bool          `mapstructure:"monitoring_enabled"`
	FeeHistoryBlocks     int           `mapstructure:"fee_history_blocks"`
	GasCacheTTL          time.Duration `mapstructure:"gas_cache_ttl"`
	ProviderRateLimitRPS float64       `mapstructure:"provider_rate_limit_rps"`
	PreferredProvider    string        `mapstructure:"preferred_provider"`
	FollowHeads          bool          `mapstructure:"follow_heads"`
	AutoConnect          []string      `mapstructure:"auto_connect"`
}

// ProvidersConfig holds RPC provider API keys.
type ProvidersConfig struct {
	InfuraAPIKey     string `mapstructure:"infura_api_key"`
	AlchemyAPIKey    string `mapstructure:"alchemy_api_key"`
	QuickNodeAPIKey  string `mapstructure:"quicknode_api_key"`
	AnkrAPIKey       string `mapstructure:"ankr_api_key"`
	ChainstackAPIKey string `mapstructure:"chainstack_api_key"`
}

// Credentials returns the non-empty keys by provider name.
func (p ProvidersConfig) Credentials() map[string]string {
	out := make(map[string]string, 5)
	for name, key := range map[string]string{
		"infura":     p.InfuraAPIKey,
		"alchemy":    p.AlchemyAPIKey,
		"quicknode":  p.QuickNodeAPIKey,
		"ankr":       p.AnkrAPIKey,
		"chainstack": p.ChainstackAPIKey,
	} {
		if key = strings.TrimSpace(key); key != "" {
			out[name] = key
		}
	}
	return out
}

// NetworkConfig adds a network or overrides fields of a built-in one with the same id.
// Zero values leave the built-in field untouched.
type NetworkConfig struct {
	ID              string        `mapstructure:"id"`
	Name            string        `mapstructure:"name"`
	ChainID         uint64        `mapstructure:"chain_id"`
	Symbol          string        `mapstructure:"symbol"`
	Decimals        uint8         `mapstructure:"decimals"`
	RPCURLs         []string      `mapstructure:"rpc_urls"`
	WSURLs          []string      `mapstructure:"ws_urls"`
	ExplorerURL     string        `mapstructure:"explorer_url"`
	IsLayer2        *bool         `mapstructure:"is_layer2"`
	SupportsEIP1559 *bool         `mapstructure:"supports_eip1559"`
	MaxGasPriceGwei float64       `mapstructure:"max_gas_price_gwei"`
	BlockTime       time.Duration `mapstructure:"block_time"`
}

// TelemetryConfig holds observability configuration.
type TelemetryConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	ServiceName    string `mapstructure:"service_name"`
	TraceProvider  string `mapstructure:"trace_provider"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	OTLPInsecure   bool   `mapstructure:"otlp_insecure"`
	PrometheusPort int    `mapstructure:"prometheus_port"`
	HealthPort     int    `mapstructure:"health_port"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("CONN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVars(v)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func bindEnvVars(v *viper.Viper) {
	// App
	v.BindEnv("app.name", "CONN_APP_NAME", "SERVICE_NAME")
	v.BindEnv("app.environment", "CONN_ENVIRONMENT", "ENVIRONMENT")
	v.BindEnv("app.log_level", "CONN_LOG_LEVEL", "LOG_LEVEL")

	// Connection
	v.BindEnv("connection.preferred_provider", "CONN_PREFERRED_PROVIDER", "PREFERRED_RPC_PROVIDER")
	v.BindEnv("connection.auto_connect", "CONN_AUTO_CONNECT")

	// Provider keys keep their conventional unprefixed names
	v.BindEnv("providers.infura_api_key", "CONN_INFURA_API_KEY", "INFURA_API_KEY")
	v.BindEnv("providers.alchemy_api_key", "CONN_ALCHEMY_API_KEY", "ALCHEMY_API_KEY")
	v.BindEnv("providers.quicknode_api_key", "CONN_QUICKNODE_API_KEY", "QUICKNODE_API_KEY")
	v.BindEnv("providers.ankr_api_key", "CONN_ANKR_API_KEY", "ANKR_API_KEY")
	v.BindEnv("providers.chainstack_api_key", "CONN_CHAINSTACK_API_KEY", "CHAINSTACK_API_KEY")

	// Telemetry
	v.BindEnv("telemetry.enabled", "CONN_OTEL_ENABLED", "OTEL_ENABLED")
	v.BindEnv("telemetry.service_name", "CONN_OTEL_SERVICE_NAME", "OTEL_SERVICE_NAME")
	v.BindEnv("telemetry.trace_provider", "CONN_TRACE_PROVIDER", "OTEL_TRACE_PROVIDER")
	v.BindEnv("telemetry.otlp_endpoint", "CONN_OTEL_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "chain-connector")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")

	v.SetDefault("connection.request_timeout", "30s")
	v.SetDefault("connection.health_check_interval", "30s")
	v.SetDefault("connection.breaker_threshold", 5)
	v.SetDefault("connection.breaker_cooldown", "5m")
	v.SetDefault("connection.history_size", 100)
	v.SetDefault("connection.monitoring_enabled", true)
	v.SetDefault("connection.fee_history_blocks", 20)
	v.SetDefault("connection.gas_cache_ttl", "12s")
	v.SetDefault("connection.provider_rate_limit_rps", 25)
	v.SetDefault("connection.follow_heads", true)
	v.SetDefault("connection.auto_connect", []string{"ethereum"})

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "chain-connector")
	v.SetDefault("telemetry.trace_provider", "otlp_grpc")
	v.SetDefault("telemetry.prometheus_port", 9090)
	v.SetDefault("telemetry.health_port", 8080)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	cc := c.Connection
	if cc.RequestTimeout <= 0 {
		return fmt.Errorf("connection.request_timeout must be positive")
	}
	if cc.HealthCheckInterval <= 0 {
		return fmt.Errorf("connection.health_check_interval must be positive")
	}
	if cc.BreakerThreshold < 1 {
		return fmt.Errorf("connection.breaker_threshold must be at least 1")
	}
	if cc.BreakerCooldown <= 0 {
		return fmt.Errorf("connection.breaker_cooldown must be positive")
	}
	if cc.HistorySize < 1 {
		return fmt.Errorf("connection.history_size must be at least 1")
	}
	if cc.FeeHistoryBlocks < 1 || cc.FeeHistoryBlocks > 1024 {
		return fmt.Errorf("connection.fee_history_blocks must be within [1, 1024]")
	}

	seen := make(map[string]struct{}, len(c.Networks))
	for i, n := range c.Networks {
		if n.ID == "" {
			return fmt.Errorf("networks[%d].id is required", i)
		}
		if _, dup := seen[n.ID]; dup {
			return fmt.Errorf("networks[%d]: duplicate id %q", i, n.ID)
		}
		seen[n.ID] = struct{}{}
		if n.MaxGasPriceGwei < 0 {
			return fmt.Errorf("networks[%d].max_gas_price_gwei must not be negative", i)
		}
	}
	return nil
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	return &Config{
		App: AppConfig{Name: "chain-connector", Environment: "development", LogLevel: "info"},
		Connection: ConnectionConfig{
			RequestTimeout:       30 * time.Second,
			HealthCheckInterval:  30 * time.Second,
			BreakerThreshold:     5,
			BreakerCooldown:      5 * time.Minute,
			HistorySize:          100,
			MonitoringEnabled:    true,
			FeeHistoryBlocks:     20,
			GasCacheTTL:          12 * time.Second,
			ProviderRateLimitRPS: 25,
			FollowHeads:          true,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "chain-connector",
			TraceProvider:  "otlp_grpc",
			PrometheusPort: 9090,
			HealthPort:     8080,
		},
	}
}
