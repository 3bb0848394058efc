// Package config loads and validates the widewatch configuration.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/wideobs/widewatch/internal/models"
)

// Config represents the complete application configuration.
type Config struct {
	Query     QueryConfig     `mapstructure:"query"`
	Defaults  SeriesDefaults  `mapstructure:"defaults"`
	Series    []SeriesEntry   `mapstructure:"series"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// QueryConfig holds the query service client configuration.
type QueryConfig struct {
	BaseURL             string        `mapstructure:"base_url"`
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxRetries          int           `mapstructure:"max_retries"`
	RetryDelayBase      time.Duration `mapstructure:"retry_delay_base"`
	RetryDelayMax       time.Duration `mapstructure:"retry_delay_max"`
	MaxIdleConns        int           `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `mapstructure:"idle_conn_timeout"`
}

// SeriesDefaults holds per-series parameter defaults, overridable per entry.
type SeriesDefaults struct {
	Interval       time.Duration `mapstructure:"interval"`
	Window         time.Duration `mapstructure:"window"`
	Sensitivity    float64       `mapstructure:"sensitivity"`
	MinHistory     int           `mapstructure:"min_history"`
	Alpha          float64       `mapstructure:"alpha"`
	SeasonalBucket time.Duration `mapstructure:"seasonal_bucket"`
	OpenThreshold  int           `mapstructure:"open_threshold"`
	CloseThreshold int           `mapstructure:"close_threshold"`
	Retention      time.Duration `mapstructure:"retention"`
}

// SeriesEntry is one series definition as written in the config file. Zero
// values inherit from SeriesDefaults when converted to a SeriesConfig.
type SeriesEntry struct {
	Name           string            `mapstructure:"name"`
	Labels         map[string]string `mapstructure:"labels"`
	Query          string            `mapstructure:"query"`
	Interval       time.Duration     `mapstructure:"interval"`
	Window         time.Duration     `mapstructure:"window"`
	Sensitivity    float64           `mapstructure:"sensitivity"`
	MinHistory     int               `mapstructure:"min_history"`
	Alpha          float64           `mapstructure:"alpha"`
	SeasonalBucket *time.Duration    `mapstructure:"seasonal_bucket"`
	OpenThreshold  int               `mapstructure:"open_threshold"`
	CloseThreshold int               `mapstructure:"close_threshold"`
	Retention      time.Duration     `mapstructure:"retention"`
}

// SchedulerConfig holds tick-driver behavior configuration.
type SchedulerConfig struct {
	MaxWorkers    int           `mapstructure:"max_workers"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
	// CheckpointInterval is measured in scheduler cycles.
	CheckpointInterval int `mapstructure:"checkpoint_interval"`
}

// NotifyConfig holds notification sink configuration.
type NotifyConfig struct {
	QueueSize int            `mapstructure:"queue_size"`
	Webhook   WebhookConfig  `mapstructure:"webhook"`
	Telegram  TelegramConfig `mapstructure:"telegram"`
}

// WebhookConfig holds the outbound webhook sink configuration.
type WebhookConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// TelegramConfig holds the Telegram sink configuration.
type TelegramConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// ServerConfig holds the operational HTTP surface configuration.
type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables. The
// WIDEWATCH env prefix overrides file values, e.g. WIDEWATCH_QUERY_BASE_URL.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	setDefaults(v)

	v.SetEnvPrefix("WIDEWATCH")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("query.base_url", "http://localhost:8080")
	v.SetDefault("query.timeout", "10s")
	v.SetDefault("query.max_retries", 3)
	v.SetDefault("query.retry_delay_base", "500ms")
	v.SetDefault("query.retry_delay_max", "10s")
	v.SetDefault("query.max_idle_conns", 16)
	v.SetDefault("query.max_idle_conns_per_host", 8)
	v.SetDefault("query.idle_conn_timeout", "90s")

	v.SetDefault("defaults.interval", "30s")
	v.SetDefault("defaults.window", "1h")
	v.SetDefault("defaults.sensitivity", 3.0)
	v.SetDefault("defaults.min_history", 12)
	v.SetDefault("defaults.alpha", 0.0) // 0 = derive from window
	v.SetDefault("defaults.seasonal_bucket", "1h")
	v.SetDefault("defaults.open_threshold", 3)
	v.SetDefault("defaults.close_threshold", 2)
	v.SetDefault("defaults.retention", "72h")

	v.SetDefault("scheduler.max_workers", 8)
	v.SetDefault("scheduler.shutdown_grace", "15s")

	v.SetDefault("storage.db_path", "./data/widewatch.db")
	v.SetDefault("storage.checkpoint_interval", 12)

	v.SetDefault("notify.queue_size", 256)
	v.SetDefault("notify.webhook.enabled", false)
	v.SetDefault("notify.webhook.timeout", "10s")
	v.SetDefault("notify.webhook.max_retries", 3)
	v.SetDefault("notify.webhook.retry_delay_base", "1s")
	v.SetDefault("notify.telegram.enabled", false)
	v.SetDefault("notify.telegram.max_retries", 3)
	v.SetDefault("notify.telegram.retry_delay_base", "1s")

	v.SetDefault("server.listen_addr", ":9478")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks the global configuration. Per-series validation happens in
// the registry, where a malformed entry is isolated instead of fatal.
func (c *Config) Validate() error {
	if c.Query.BaseURL == "" {
		return fmt.Errorf("query.base_url is required")
	}
	if c.Query.Timeout <= 0 {
		return fmt.Errorf("query.timeout must be positive")
	}
	if c.Query.MaxRetries < 1 {
		return fmt.Errorf("query.max_retries must be at least 1")
	}
	if c.Query.RetryDelayBase <= 0 {
		return fmt.Errorf("query.retry_delay_base must be positive")
	}
	if c.Query.RetryDelayMax < c.Query.RetryDelayBase {
		return fmt.Errorf("query.retry_delay_max must be at least retry_delay_base")
	}

	if c.Defaults.Interval <= 0 {
		return fmt.Errorf("defaults.interval must be positive")
	}
	if c.Defaults.Window <= 0 {
		return fmt.Errorf("defaults.window must be positive")
	}
	if c.Defaults.Sensitivity <= 0 {
		return fmt.Errorf("defaults.sensitivity must be positive")
	}
	if c.Defaults.MinHistory < 1 {
		return fmt.Errorf("defaults.min_history must be at least 1")
	}
	if c.Defaults.OpenThreshold < 1 {
		return fmt.Errorf("defaults.open_threshold must be at least 1")
	}
	if c.Defaults.CloseThreshold < 1 {
		return fmt.Errorf("defaults.close_threshold must be at least 1")
	}

	if len(c.Series) == 0 {
		return fmt.Errorf("series must contain at least one entry")
	}

	if c.Scheduler.MaxWorkers < 1 {
		return fmt.Errorf("scheduler.max_workers must be at least 1")
	}
	if c.Scheduler.ShutdownGrace < 0 {
		return fmt.Errorf("scheduler.shutdown_grace must not be negative")
	}

	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}
	if c.Storage.CheckpointInterval < 1 {
		return fmt.Errorf("storage.checkpoint_interval must be at least 1")
	}

	if c.Notify.QueueSize < 1 {
		return fmt.Errorf("notify.queue_size must be at least 1")
	}
	if c.Notify.Webhook.Enabled && c.Notify.Webhook.URL == "" {
		return fmt.Errorf("notify.webhook.url is required when webhook is enabled")
	}
	if c.Notify.Telegram.Enabled {
		if c.Notify.Telegram.BotToken == "" {
			return fmt.Errorf("notify.telegram.bot_token is required when telegram is enabled")
		}
		if c.Notify.Telegram.ChatID == "" {
			return fmt.Errorf("notify.telegram.chat_id is required when telegram is enabled")
		}
	}

	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// SeriesConfigs converts the raw series entries into SeriesConfig values
// with defaults applied. Entries are not validated here; the registry
// validates them individually.
func (c *Config) SeriesConfigs() []models.SeriesConfig {
	out := make([]models.SeriesConfig, 0, len(c.Series))
	for _, e := range c.Series {
		sc := models.SeriesConfig{
			Name:           e.Name,
			Labels:         e.Labels,
			Query:          e.Query,
			Interval:       e.Interval,
			Window:         e.Window,
			Sensitivity:    e.Sensitivity,
			MinHistory:     e.MinHistory,
			Alpha:          e.Alpha,
			SeasonalBucket: c.Defaults.SeasonalBucket,
			OpenThreshold:  e.OpenThreshold,
			CloseThreshold: e.CloseThreshold,
			Retention:      e.Retention,
		}
		if sc.Interval == 0 {
			sc.Interval = c.Defaults.Interval
		}
		if sc.Window == 0 {
			sc.Window = c.Defaults.Window
		}
		if sc.Sensitivity == 0 {
			sc.Sensitivity = c.Defaults.Sensitivity
		}
		if sc.MinHistory == 0 {
			sc.MinHistory = c.Defaults.MinHistory
		}
		if sc.Alpha == 0 {
			sc.Alpha = c.Defaults.Alpha
		}
		if e.SeasonalBucket != nil {
			sc.SeasonalBucket = *e.SeasonalBucket
		}
		if sc.OpenThreshold == 0 {
			sc.OpenThreshold = c.Defaults.OpenThreshold
		}
		if sc.CloseThreshold == 0 {
			sc.CloseThreshold = c.Defaults.CloseThreshold
		}
		if sc.Retention == 0 {
			sc.Retention = c.Defaults.Retention
		}
		out = append(out, sc)
	}
	return out
}
