package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"funding-grid-alerts/internal/grid"
	"funding-grid-alerts/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Grid      GridConfig      `mapstructure:"grid"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Sampler   SamplerConfig   `mapstructure:"sampler"`
	Store     StoreConfig     `mapstructure:"store"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	NATS      NATSConfig      `mapstructure:"nats"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// GridConfig holds the alert grid in percent units. More negative is worse.
type GridConfig struct {
	ThresholdPct    float64       `mapstructure:"threshold_pct"`
	DownStepPct     float64       `mapstructure:"down_step_pct"`
	ReboundStartPct float64       `mapstructure:"rebound_start_pct"`
	ReboundStepPct  float64       `mapstructure:"rebound_step_pct"`
	ResetAfter      time.Duration `mapstructure:"reset_after"`
	Precision       int32         `mapstructure:"precision"`
}

// Levels converts the section into grid arithmetic parameters.
func (g GridConfig) Levels() grid.Config {
	return grid.Config{
		ThresholdPct:    g.ThresholdPct,
		DownStepPct:     g.DownStepPct,
		ReboundStartPct: g.ReboundStartPct,
		ReboundStepPct:  g.ReboundStepPct,
		Precision:       g.Precision,
	}
}

// SchedulerConfig governs scan and universe refresh cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	UniverseRefresh time.Duration `mapstructure:"universe_refresh"`
}

// SamplerConfig covers exchange connectivity.
type SamplerConfig struct {
	Mode           string        `mapstructure:"mode"`
	BaseURL        string        `mapstructure:"base_url"`
	StreamURL      string        `mapstructure:"stream_url"`
	QuoteAsset     string        `mapstructure:"quote_asset"`
	Symbols        []string      `mapstructure:"symbols"`
	Concurrency    int           `mapstructure:"concurrency"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// StoreConfig selects where the per-symbol state snapshot lives.
type StoreConfig struct {
	Driver string      `mapstructure:"driver"`
	Path   string      `mapstructure:"path"`
	Redis  RedisConfig `mapstructure:"redis"`
}

// RedisConfig for the redis state driver.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AlertRetention  time.Duration `mapstructure:"alert_retention"`
}

// TelegramConfig describes the chat transport.
type TelegramConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BotToken       string        `mapstructure:"bot_token"`
	ChatIDs        []string      `mapstructure:"chat_ids"`
	APIBase        string        `mapstructure:"api_base"`
	PollTimeout    time.Duration `mapstructure:"poll_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	AllowSubscribe bool          `mapstructure:"allow_subscribe"`
}

// NATSConfig for the optional alert fan-out subject.
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// HTTPConfig for health and metrics.
type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("FUNDINGWATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("telegram.bot_token", "FUNDINGWATCHER_TELEGRAM_BOT_TOKEN", "BOT_TOKEN"); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}
	if err := v.BindEnv("http.addr", "FUNDINGWATCHER_HTTP_ADDR", "PORT"); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// PORT carries a bare port number
	if cfg.HTTP.Addr != "" && !strings.Contains(cfg.HTTP.Addr, ":") {
		cfg.HTTP.Addr = ":" + cfg.HTTP.Addr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "fundingwatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 14)

	v.SetDefault("grid.threshold_pct", -1.0)
	v.SetDefault("grid.down_step_pct", 0.25)
	v.SetDefault("grid.rebound_start_pct", -2.0)
	v.SetDefault("grid.rebound_step_pct", 0.25)
	v.SetDefault("grid.reset_after", "30m")
	v.SetDefault("grid.precision", 2)

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x66756e64))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.universe_refresh", "1h")

	v.SetDefault("sampler.mode", "rest")
	v.SetDefault("sampler.base_url", "https://fapi.binance.com")
	v.SetDefault("sampler.stream_url", "wss://fstream.binance.com/ws/!markPrice@arr@1s")
	v.SetDefault("sampler.quote_asset", "USDT")
	v.SetDefault("sampler.concurrency", 8)
	v.SetDefault("sampler.request_timeout", "10s")
	v.SetDefault("sampler.stale_after", "2m")
	v.SetDefault("sampler.user_agent", "fundingwatcher/1.0")

	v.SetDefault("store.driver", "file")
	v.SetDefault("store.path", "data/state.json")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.key", "fundingwatcher:snapshot")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.alert_retention", "720h")

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.api_base", "https://api.telegram.org")
	v.SetDefault("telegram.poll_timeout", "30s")
	v.SetDefault("telegram.request_timeout", "10s")
	v.SetDefault("telegram.allow_subscribe", true)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject", "funding.alerts")

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8000")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs sanity checks; any error is fatal at startup.
func (c *Config) Validate() error {
	if err := c.Grid.Levels().Validate(); err != nil {
		return err
	}
	if c.Grid.ResetAfter <= 0 {
		return fmt.Errorf("grid.reset_after must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Sampler.Concurrency <= 0 {
		return fmt.Errorf("sampler.concurrency must be greater than zero")
	}
	switch c.Sampler.Mode {
	case "rest", "stream":
	default:
		return fmt.Errorf("sampler.mode must be rest or stream, got %q", c.Sampler.Mode)
	}
	switch c.Store.Driver {
	case "file", "badger":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for driver %s", c.Store.Driver)
		}
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required for driver redis")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if len(c.Telegram.ChatIDs) == 0 && !c.Telegram.AllowSubscribe {
			return fmt.Errorf("telegram.chat_ids is required when subscriptions are disabled")
		}
	}
	if c.NATS.Enabled && (c.NATS.URL == "" || c.NATS.Subject == "") {
		return fmt.Errorf("nats.url and nats.subject are required when nats is enabled")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
