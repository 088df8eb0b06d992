// Package main is the entry point for the chain connector service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/fd1az/chain-connector/business/connection"
	connectionApp "github.com/fd1az/chain-connector/business/connection/app"
	connectionDI "github.com/fd1az/chain-connector/business/connection/di"
	"github.com/fd1az/chain-connector/business/connection/domain"
	"github.com/fd1az/chain-connector/internal/apm"
	"github.com/fd1az/chain-connector/internal/config"
	"github.com/fd1az/chain-connector/internal/health"
	"github.com/fd1az/chain-connector/internal/logger"
	"github.com/fd1az/chain-connector/internal/metrics"
	"github.com/fd1az/chain-connector/internal/monolith"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	// Load .env file if present (ignore error if not found)
	_ = godotenv.Load()

	configPath := flag.String("config", "", "Path to configuration file")
	networks := flag.String("networks", "", "Comma-separated networks to connect at startup (overrides config)")
	statusEvery := flag.Duration("status-interval", time.Minute, "How often to log network status, 0 disables")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("chain-connector %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(os.Stderr, "received shutdown signal: %v\n", sig)
		cancel()
	}()

	if err := run(ctx, *configPath, *networks, *statusEvery); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseLevel(s string) logger.Level {
	switch strings.ToLower(s) {
	case "debug":
		return logger.LevelDebug
	case "warn":
		return logger.LevelWarn
	case "error":
		return logger.LevelError
	default:
		return logger.LevelInfo
	}
}

func run(ctx context.Context, configPath, networks string, statusEvery time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if networks != "" {
		cfg.Connection.AutoConnect = strings.Split(networks, ",")
	}

	log := logger.New(os.Stderr, parseLevel(cfg.App.LogLevel), cfg.App.Name, nil)
	defer log.Sync()

	log.Info(ctx, "starting chain connector",
		"version", version,
		"environment", cfg.App.Environment,
		"providers", len(cfg.Providers.Credentials()),
	)

	if cfg.Telemetry.Enabled {
		stop, err := setupTelemetry(ctx, cfg.Telemetry, log)
		if err != nil {
			return err
		}
		defer stop()
	}

	healthServer := health.NewServer(cfg.Telemetry.HealthPort, version, log)
	if err := healthServer.Start(); err != nil {
		log.Warn(ctx, "failed to start health server", "error", err)
	} else {
		log.Info(ctx, "health server started", "port", cfg.Telemetry.HealthPort)
	}

	mono := monolith.New(cfg, log, healthServer)

	modules := []monolith.Module{
		&connection.Module{},
	}

	if err := mono.RegisterModules(modules...); err != nil {
		return fmt.Errorf("failed to register modules: %w", err)
	}
	if err := mono.StartModules(ctx, modules...); err != nil {
		return fmt.Errorf("failed to start modules: %w", err)
	}

	registry := connectionDI.GetRegistry(mono.Services())
	if statusEvery > 0 {
		go logStatus(ctx, registry, statusEvery, log)
	}

	<-ctx.Done()
	log.Info(context.Background(), "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := healthServer.Stop(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "health server shutdown", "error", err)
	}
	mono.Close(shutdownCtx)

	log.Info(shutdownCtx, "shutdown complete")
	return nil
}

func setupTelemetry(ctx context.Context, tc config.TelemetryConfig, log logger.LoggerInterface) (func(), error) {
	provider, err := apm.ParseProvider(tc.TraceProvider)
	if err != nil {
		return nil, err
	}

	tp, err := apm.NewTraceProvider(ctx, apm.Config{
		Provider:    provider,
		ServiceName: tc.ServiceName,
		Endpoint:    tc.OTLPEndpoint,
		Insecure:    tc.OTLPInsecure,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}

	metricOpts := []metrics.OptionFn{
		metrics.WithServiceName(tc.ServiceName),
		metrics.WithProviderConfig(metrics.NewPrometheusConfig()),
	}
	if tc.OTLPEndpoint != "" {
		metricOpts = append(metricOpts,
			metrics.WithProviderConfig(metrics.NewOtelCollectorConfig(tc.OTLPEndpoint, nil, tc.OTLPInsecure)))
	}

	mp, err := metrics.NewMetricProvider(ctx, metricOpts...)
	if err != nil {
		_ = tp.Stop()
		return nil, fmt.Errorf("failed to init metrics: %w", err)
	}

	promServer := metrics.NewPrometheusServer(log, metrics.WithPort(tc.PrometheusPort))
	promServer.Start()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := promServer.Stop(shutdownCtx); err != nil {
			log.Error(shutdownCtx, "metrics server shutdown", "error", err)
		}
		if err := mp.Shutdown(shutdownCtx); err != nil {
			log.Error(shutdownCtx, "meter provider shutdown", "error", err)
		}
		if err := tp.Stop(); err != nil {
			log.Error(shutdownCtx, "trace provider shutdown", "error", err)
		}
	}, nil
}

func logStatus(ctx context.Context, r *connectionApp.Registry, every time.Duration, log logger.LoggerInterface) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range r.Networks() {
				st := r.Status(id)
				if st.Status == domain.StatusDisconnected && st.TotalRequests == 0 {
					continue
				}
				log.Info(ctx, "network status",
					"network", id,
					"status", st.Status,
					"block", st.LatestBlock,
					"gas_gwei", st.GasPriceGwei.String(),
					"provider", st.Provider,
					"endpoint", st.Endpoint,
					"success_rate", st.SuccessRate,
					"health_score", st.HealthScore,
				)
			}
		}
	}
}
