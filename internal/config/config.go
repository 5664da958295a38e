package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"OpenMCP-Swap/pkg/logger"
)

// EnvPrefix 是环境变量覆盖配置时使用的前缀，例如 SWAPMCP_SERVER_ADDRESS。
const EnvPrefix = "SWAPMCP"

// Config 描述了 swapd 在启动阶段需要加载的全部配置。
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    logger.Config    `mapstructure:"logging"`
	Chains     ChainsConfig     `mapstructure:"chains"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Session    SessionConfig    `mapstructure:"session"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Events     EventsConfig     `mapstructure:"events"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig 控制工具调用 API 的监听地址与限流参数。
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	RateLimitPerSec float64       `mapstructure:"rate_limit_per_sec"`
	RateLimitBurst  int           `mapstructure:"rate_limit_burst"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ChainsConfig 指向网络定义文件。
type ChainsConfig struct {
	DefinitionsPath string `mapstructure:"definitions_path"`
}

// AggregatorConfig 控制报价聚合策略与各交易场所。
type AggregatorConfig struct {
	AdapterTimeout    time.Duration `mapstructure:"adapter_timeout"`
	PreferredVenue    string        `mapstructure:"preferred_venue"`
	TieBreakTolerance string        `mapstructure:"tie_break_tolerance"`
	Venues            []VenueConfig `mapstructure:"venues"`
}

// VenueConfig 描述一个报价来源。
type VenueConfig struct {
	Name     string            `mapstructure:"name"`
	Kind     string            `mapstructure:"kind"`
	BaseURL  string            `mapstructure:"base_url"`
	APIKey   string            `mapstructure:"api_key"`
	Networks []string          `mapstructure:"networks"`
	Routers  map[string]string `mapstructure:"routers"`
	// RateLimitPerSec 为 0 时不限速。
	RateLimitPerSec float64       `mapstructure:"rate_limit_per_sec"`
	QuoteTTL        time.Duration `mapstructure:"quote_ttl"`
	FeeBps          uint32        `mapstructure:"fee_bps"`
}

// SessionConfig 控制会话令牌与签名材料的生命周期。
type SessionConfig struct {
	Secret        string             `mapstructure:"secret"`
	Issuer        string             `mapstructure:"issuer"`
	TokenTTL      time.Duration      `mapstructure:"token_ttl"`
	InactivityTTL time.Duration      `mapstructure:"inactivity_ttl"`
	ReapInterval  time.Duration      `mapstructure:"reap_interval"`
	ExportSecret  string             `mapstructure:"export_secret"`
	Store         SessionStoreConfig `mapstructure:"store"`
}

// SessionStoreConfig 选择会话表的后端。
type SessionStoreConfig struct {
	Driver     string      `mapstructure:"driver"`
	Redis      RedisConfig `mapstructure:"redis"`
	Passphrase string      `mapstructure:"passphrase"`
}

// RedisConfig 是 Redis 的连接参数。
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// ExecutorConfig 控制兑换执行。
type ExecutorConfig struct {
	GasReserveWei          string        `mapstructure:"gas_reserve_wei"`
	ConfirmationBudget     time.Duration `mapstructure:"confirmation_budget"`
	PollInterval           time.Duration `mapstructure:"poll_interval"`
	GasLimitMultiplier     float64       `mapstructure:"gas_limit_multiplier"`
	AllowVenueSubstitution bool          `mapstructure:"allow_venue_substitution"`
}

// StorageConfig 描述执行历史的持久化方式。
type StorageConfig struct {
	History HistoryStoreConfig `mapstructure:"history"`
}

// HistoryStoreConfig 目前支持 memory 与 mysql。
type HistoryStoreConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	MemoryCapacity  int           `mapstructure:"memory_capacity"`
}

// EventsConfig 选择执行事件的发布通道。
type EventsConfig struct {
	Driver   string         `mapstructure:"driver"`
	Redis    RedisConfig    `mapstructure:"redis"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

// RabbitMQConfig 是 RabbitMQ 的连接参数。
type RabbitMQConfig struct {
	URL     string `mapstructure:"url"`
	Queue   string `mapstructure:"queue"`
	Durable bool   `mapstructure:"durable"`
}

// AlertingConfig 配置告警渠道。
type AlertingConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// TelemetryConfig 配置指标与链路追踪。
type TelemetryConfig struct {
	MetricsAddress string `mapstructure:"metrics_address"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	ServiceName    string `mapstructure:"service_name"`
}

// Load 解析指定路径的配置文件（JSON 或 YAML），并允许环境变量覆盖。
// path 为空时仅使用默认值与环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	baseDir := "."
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		baseDir = filepath.Dir(path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults 注册默认值，同时让 AutomaticEnv 能识别这些键。
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.rate_limit_per_sec", 20.0)
	v.SetDefault("server.rate_limit_burst", 40)
	v.SetDefault("server.shutdown_timeout", "5s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("chains.definitions_path", "chains.yaml")
	v.SetDefault("aggregator.adapter_timeout", "3s")
	v.SetDefault("aggregator.preferred_venue", "")
	v.SetDefault("aggregator.tie_break_tolerance", "")
	v.SetDefault("session.secret", "")
	v.SetDefault("session.issuer", "swapmcp")
	v.SetDefault("session.token_ttl", "720h")
	v.SetDefault("session.inactivity_ttl", "24h")
	v.SetDefault("session.reap_interval", "1h")
	v.SetDefault("session.export_secret", "")
	v.SetDefault("session.store.driver", "memory")
	v.SetDefault("session.store.passphrase", "")
	v.SetDefault("executor.gas_reserve_wei", "")
	v.SetDefault("executor.confirmation_budget", "2m")
	v.SetDefault("executor.poll_interval", "2s")
	v.SetDefault("executor.gas_limit_multiplier", 1.2)
	v.SetDefault("executor.allow_venue_substitution", false)
	v.SetDefault("storage.history.driver", "memory")
	v.SetDefault("storage.history.dsn", "")
	v.SetDefault("events.driver", "log")
	v.SetDefault("alerting.webhook_url", "")
	v.SetDefault("telemetry.metrics_address", "")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.service_name", "swapd")
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 5 * time.Second
	}
	if c.Chains.DefinitionsPath != "" && !filepath.IsAbs(c.Chains.DefinitionsPath) {
		c.Chains.DefinitionsPath = filepath.Join(baseDir, c.Chains.DefinitionsPath)
	}
	if c.Aggregator.AdapterTimeout <= 0 {
		c.Aggregator.AdapterTimeout = 3 * time.Second
	}
	for i := range c.Aggregator.Venues {
		venue := &c.Aggregator.Venues[i]
		venue.Kind = strings.ToLower(strings.TrimSpace(venue.Kind))
		if venue.Kind == "" {
			venue.Kind = "http"
		}
		if venue.QuoteTTL <= 0 {
			venue.QuoteTTL = 30 * time.Second
		}
	}
	if c.Session.InactivityTTL <= 0 {
		c.Session.InactivityTTL = 24 * time.Hour
	}
	if c.Session.ReapInterval <= 0 {
		c.Session.ReapInterval = time.Hour
	}
	if c.Session.Store.Driver == "" {
		c.Session.Store.Driver = "memory"
	}
	if c.Executor.ConfirmationBudget <= 0 {
		c.Executor.ConfirmationBudget = 2 * time.Minute
	}
	if c.Executor.PollInterval <= 0 {
		c.Executor.PollInterval = 2 * time.Second
	}
	if c.Executor.GasLimitMultiplier < 1 {
		c.Executor.GasLimitMultiplier = 1.2
	}
	if c.Storage.History.Driver == "" {
		c.Storage.History.Driver = "memory"
	}
	if c.Events.Driver == "" {
		c.Events.Driver = "log"
	}
	if c.Alerting.Timeout <= 0 {
		c.Alerting.Timeout = 5 * time.Second
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "swapd"
	}
}

// Validate 检查启动服务所必需的字段。
func (c *Config) Validate() error {
	var errs []error
	for _, venue := range c.Aggregator.Venues {
		if strings.TrimSpace(venue.Name) == "" {
			errs = append(errs, errors.New("aggregator.venues: name is required"))
			continue
		}
		switch venue.Kind {
		case "http":
			if strings.TrimSpace(venue.BaseURL) == "" {
				errs = append(errs, fmt.Errorf("venue %s: base_url is required", venue.Name))
			}
		case "uniswap_v2":
			if len(venue.Routers) == 0 {
				errs = append(errs, fmt.Errorf("venue %s: routers are required", venue.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("venue %s: unknown kind %q", venue.Name, venue.Kind))
		}
	}
	switch c.Session.Store.Driver {
	case "memory":
	case "redis":
		if c.Session.Store.Redis.Address == "" {
			errs = append(errs, errors.New("session.store.redis.address is required"))
		}
		if c.Session.Store.Passphrase == "" {
			errs = append(errs, errors.New("session.store.passphrase is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown session store driver %q", c.Session.Store.Driver))
	}
	switch c.Storage.History.Driver {
	case "memory":
	case "mysql":
		if c.Storage.History.DSN == "" {
			errs = append(errs, errors.New("storage.history.dsn is required for mysql"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown history driver %q", c.Storage.History.Driver))
	}
	switch c.Events.Driver {
	case "log", "memory", "none":
	case "redis":
		if c.Events.Redis.Address == "" {
			errs = append(errs, errors.New("events.redis.address is required"))
		}
	case "rabbitmq":
		if c.Events.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("events.rabbitmq.url is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown events driver %q", c.Events.Driver))
	}
	return errors.Join(errs...)
}
