// Package connection implements the connection bounded context: verified, monitored
// JSON-RPC connections to every configured EVM network.
package connection

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fd1az/chain-connector/business/connection/app"
	connectionDI "github.com/fd1az/chain-connector/business/connection/di"
	"github.com/fd1az/chain-connector/business/connection/domain"
	"github.com/fd1az/chain-connector/business/connection/infra/ethereum"
	"github.com/fd1az/chain-connector/internal/config"
	"github.com/fd1az/chain-connector/internal/di"
	"github.com/fd1az/chain-connector/internal/logger"
	"github.com/fd1az/chain-connector/internal/monolith"
)

// Module implements the connection bounded context.
type Module struct{}

// RegisterServices registers all connection services with the DI container.
func (m *Module) RegisterServices(c di.Container) error {
	di.RegisterToken(c, connectionDI.Networks, func(sr di.ServiceRegistry) *domain.NetworkRegistry {
		cfg := sr.Get("config").(*config.Config)

		networks, err := BuildNetworks(cfg.Networks)
		if err != nil {
			panic("failed to build networks: " + err.Error())
		}
		return networks
	})

	di.RegisterToken(c, connectionDI.Dialer, func(sr di.ServiceRegistry) app.Dialer {
		cfg := sr.Get("config").(*config.Config)
		log := sr.Get("logger").(logger.LoggerInterface)

		dialCfg := ethereum.DefaultDialerConfig()
		dialCfg.RequestTimeout = cfg.Connection.RequestTimeout
		dialCfg.RateLimitRPS = cfg.Connection.ProviderRateLimitRPS

		d, err := ethereum.NewDialer(dialCfg, log)
		if err != nil {
			panic("failed to create dialer: " + err.Error())
		}
		return d
	})

	di.RegisterToken(c, connectionDI.HeadSource, func(sr di.ServiceRegistry) app.HeadSource {
		log := sr.Get("logger").(logger.LoggerInterface)

		hs, err := ethereum.NewHeadSubscriber(ethereum.DefaultHeadSubscriberConfig(), log)
		if err != nil {
			panic("failed to create head subscriber: " + err.Error())
		}
		return hs
	})

	di.RegisterToken(c, connectionDI.Registry, func(sr di.ServiceRegistry) *app.Registry {
		cfg := sr.Get("config").(*config.Config)
		log := sr.Get("logger").(logger.LoggerInterface)

		r, err := app.NewRegistry(
			app.SettingsFromConfig(cfg.Connection),
			connectionDI.GetNetworks(sr),
			domain.NewProviderCredentials(cfg.Providers.Credentials()),
			connectionDI.GetDialer(sr),
			log,
			app.WithHeadSource(connectionDI.GetHeadSource(sr)),
		)
		if err != nil {
			panic("failed to create connection registry: " + err.Error())
		}
		return r
	})

	return nil
}

// Startup connects the auto-connect networks, exposes their health and registers
// registry shutdown. A network that cannot be reached is logged, not fatal.
func (m *Module) Startup(ctx context.Context, mono monolith.Monolith) error {
	log := mono.Logger()
	cfg := mono.Config()
	registry := connectionDI.GetRegistry(mono.Services())

	mono.OnShutdown(func(ctx context.Context) {
		registry.Close(ctx)
	})

	hs := mono.Health()
	if hs != nil {
		hs.SetReport(func(context.Context) any {
			return registry.AllStatuses()
		})
	}

	networks := make([]domain.NetworkID, 0, len(cfg.Connection.AutoConnect))
	for _, id := range cfg.Connection.AutoConnect {
		n := domain.NetworkID(id)
		if _, ok := connectionDI.GetNetworks(mono.Services()).Get(n); !ok {
			return fmt.Errorf("auto_connect: unknown network %q", id)
		}
		networks = append(networks, n)

		if hs != nil {
			hs.RegisterCheck(id, func(context.Context) (bool, string) {
				st := registry.Status(n)
				return st.Healthy(), string(st.Status)
			})
		}
	}

	start := time.Now()
	var g errgroup.Group
	for _, n := range networks {
		g.Go(func() error {
			if _, err := registry.Connect(ctx, n); err != nil {
				log.Error(ctx, "auto-connect failed", "network", n, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Info(ctx, "connection module started",
		"networks", len(registry.Networks()),
		"connected", registry.ConnectedCount(),
		"auto_connect", len(networks),
		"elapsed_ms", time.Since(start).Milliseconds())
	return nil
}
