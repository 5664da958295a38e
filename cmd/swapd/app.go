package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"OpenMCP-Swap/internal/aggregator"
	"OpenMCP-Swap/internal/chain"
	"OpenMCP-Swap/internal/comparator"
	"OpenMCP-Swap/internal/config"
	"OpenMCP-Swap/internal/events"
	"OpenMCP-Swap/internal/executor"
	"OpenMCP-Swap/internal/observability/alerting"
	"OpenMCP-Swap/internal/quote/venue"
	"OpenMCP-Swap/internal/session"
	"OpenMCP-Swap/internal/storage/mysql"
	"OpenMCP-Swap/internal/storage/redis"
	"OpenMCP-Swap/internal/web3/provider"
	"OpenMCP-Swap/pkg/logger"
)

// quoting 是只读命令需要的组件：链注册表、链客户端与报价聚合。
type quoting struct {
	networks   *chain.Registry
	clients    *provider.Registry
	aggregator *aggregator.Aggregator
	comparator *comparator.Comparator
}

func (q *quoting) Close() {
	if q.clients != nil {
		q.clients.Close()
	}
}

func buildQuoting(ctx context.Context, cfg *config.Config) (*quoting, error) {
	networks, err := chain.LoadRegistry(cfg.Chains.DefinitionsPath)
	if err != nil {
		return nil, err
	}
	clients, err := provider.NewRegistry(ctx, networks)
	if err != nil {
		return nil, err
	}
	adapters, err := venue.Build(cfg.Aggregator.Venues, clients, logger.Named("venue"))
	if err != nil {
		clients.Close()
		return nil, err
	}

	opts := []aggregator.Option{
		aggregator.WithAdapterTimeout(cfg.Aggregator.AdapterTimeout),
		aggregator.WithPreferredVenue(cfg.Aggregator.PreferredVenue),
		aggregator.WithLogger(logger.Named("aggregator")),
	}
	if raw := strings.TrimSpace(cfg.Aggregator.TieBreakTolerance); raw != "" {
		tolerance, err := decimal.NewFromString(raw)
		if err != nil {
			clients.Close()
			return nil, fmt.Errorf("aggregator.tie_break_tolerance: %w", err)
		}
		opts = append(opts, aggregator.WithTieBreakTolerance(tolerance))
	}
	agg := aggregator.New(networks, adapters, opts...)

	return &quoting{
		networks:   networks,
		clients:    clients,
		aggregator: agg,
		comparator: comparator.New(networks, agg),
	}, nil
}

// daemon 在 quoting 的基础上增加会话、执行历史、事件与告警。
type daemon struct {
	*quoting
	sessions *session.Manager
	history  mysql.ExecutionRepository
	events   events.Publisher
	executor *executor.Executor
}

func (d *daemon) Close() {
	log := logger.Named("swapd")
	if d.sessions != nil {
		if err := d.sessions.Close(); err != nil {
			log.Warn("关闭会话管理器失败", slog.Any("error", err))
		}
	}
	if d.events != nil {
		if err := d.events.Close(); err != nil {
			log.Warn("关闭事件发布器失败", slog.Any("error", err))
		}
	}
	if d.history != nil {
		if err := d.history.Close(); err != nil {
			log.Warn("关闭执行历史失败", slog.Any("error", err))
		}
	}
	d.quoting.Close()
}

func buildDaemon(ctx context.Context, cfg *config.Config) (_ *daemon, err error) {
	q, err := buildQuoting(ctx, cfg)
	if err != nil {
		return nil, err
	}
	d := &daemon{quoting: q}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	store, err := buildSessionStore(cfg.Session.Store)
	if err != nil {
		return nil, err
	}
	manager, err := session.NewManager(session.Config{
		Secret:        cfg.Session.Secret,
		Issuer:        cfg.Session.Issuer,
		TokenTTL:      cfg.Session.TokenTTL,
		InactivityTTL: cfg.Session.InactivityTTL,
		ReapInterval:  cfg.Session.ReapInterval,
		ExportSecret:  cfg.Session.ExportSecret,
	}, store, q.networks)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	d.sessions = manager

	history, err := buildHistory(ctx, cfg.Storage.History)
	if err != nil {
		return nil, err
	}
	d.history = history
	publisher, err := events.Build(cfg.Events)
	if err != nil {
		return nil, err
	}
	d.events = publisher

	reserve, err := parseWei(cfg.Executor.GasReserveWei)
	if err != nil {
		return nil, fmt.Errorf("executor.gas_reserve_wei: %w", err)
	}
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL, cfg.Alerting.Timeout))
	}

	d.executor = executor.New(executor.Config{
		GasReserveWei:          reserve,
		ConfirmationBudget:     cfg.Executor.ConfirmationBudget,
		PollInterval:           cfg.Executor.PollInterval,
		GasLimitMultiplier:     cfg.Executor.GasLimitMultiplier,
		AllowVenueSubstitution: cfg.Executor.AllowVenueSubstitution,
	}, d.sessions, q.aggregator, q.clients,
		executor.WithHistory(d.history),
		executor.WithPublisher(d.events),
		executor.WithAlerts(alerting.NewFanout(notifiers...)),
	)
	return d, nil
}

func buildSessionStore(cfg config.SessionStoreConfig) (session.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return session.NewMemoryStore(), nil
	case "redis":
		store, err := redis.NewSessionStore(redis.SessionStoreConfig{
			Address:    cfg.Redis.Address,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			Prefix:     cfg.Redis.Prefix,
			Passphrase: cfg.Passphrase,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("未知的会话存储驱动: %s", cfg.Driver)
	}
}

func buildHistory(ctx context.Context, cfg config.HistoryStoreConfig) (mysql.ExecutionRepository, error) {
	switch cfg.Driver {
	case "", "memory":
		return mysql.NewMemoryExecutionRepository(cfg.MemoryCapacity), nil
	case "mysql":
		repo, err := mysql.NewSQLExecutionRepository(ctx, mysql.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		})
		if err != nil {
			return nil, err
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("未知的执行历史驱动: %s", cfg.Driver)
	}
}

// parseWei 解析十进制 wei 字符串；空字符串返回 nil，由执行器使用默认值。
func parseWei(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || value.Sign() < 0 {
		return nil, errors.New("must be a non-negative integer")
	}
	return value, nil
}
