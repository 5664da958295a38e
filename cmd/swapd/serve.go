package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"OpenMCP-Swap/internal/api"
	"OpenMCP-Swap/internal/observability/metrics"
	"OpenMCP-Swap/internal/observability/tracing"
	"OpenMCP-Swap/pkg/logger"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the tool API with session management and swap execution",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), flags)
		},
	}
}

func serve(ctx context.Context, flags *globalFlags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("swapd")

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Insecure:    true,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn("关闭链路追踪失败", slog.Any("error", err))
		}
	}()

	d, err := buildDaemon(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	if addr := cfg.Telemetry.MetricsAddress; addr != "" {
		go func() {
			if err := metrics.StartServer(ctx, addr); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	server := api.NewServer(api.Config{
		Address:         cfg.Server.Address,
		RateLimitPerSec: cfg.Server.RateLimitPerSec,
		RateLimitBurst:  cfg.Server.RateLimitBurst,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, api.Dependencies{
		Networks:   d.networks,
		Quotes:     d.aggregator,
		Comparator: d.comparator,
		Sessions:   d.sessions,
		Executor:   d.executor,
		History:    d.history,
		Chains:     d.clients,
	})

	log.Info("swapd 启动",
		slog.Any("networks", d.networks.Networks()),
		slog.Any("venues", d.aggregator.Venues()),
		slog.String("session_store", cfg.Session.Store.Driver),
		slog.String("history", cfg.Storage.History.Driver),
		slog.String("events", cfg.Events.Driver),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
