// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ljluestc/awesome-apply/internal/apply"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Resolver  ResolverConfig  `mapstructure:"resolver"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Profile   apply.Profile   `mapstructure:"profile"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SchedulerConfig governs the worker pool and retry behavior.
type SchedulerConfig struct {
	Workers              int     `mapstructure:"workers"`
	QueueDepth           int     `mapstructure:"queue_depth"`
	MaxRetries           int     `mapstructure:"max_retries"`
	BackoffBaseSeconds   int     `mapstructure:"backoff_base_seconds"`
	BackoffCapSeconds    int     `mapstructure:"backoff_cap_seconds"`
	DomainIntervalSecs   float64 `mapstructure:"domain_interval_seconds"`
	EventBufferSize      int     `mapstructure:"event_buffer_size"`
	EventBatchMaxEvents  int     `mapstructure:"event_batch_max_events"`
	EventBatchWaitMillis int     `mapstructure:"event_batch_wait_ms"`
}

// BrowserConfig configures the headless form automation subsystem.
type BrowserConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	MaxParallel       int    `mapstructure:"max_parallel"`
	FormTimeoutSec    int    `mapstructure:"form_timeout_seconds"`
	SettleDelayMillis int    `mapstructure:"settle_delay_ms"`
	UserAgent         string `mapstructure:"user_agent"`
}

// ResolverConfig tunes strategy selection. StaticFetch makes inference
// fetch pages over plain HTTP instead of the headless browser, for
// server-rendered sites.
type ResolverConfig struct {
	MinTrustedUsage int  `mapstructure:"min_trusted_usage"`
	StaticFetch     bool `mapstructure:"static_fetch"`
}

// IngestConfig controls the posting intake path.
type IngestConfig struct {
	BoardFetchEnabled bool   `mapstructure:"board_fetch_enabled"`
	UserAgent         string `mapstructure:"user_agent"`
	FetchTimeoutSec   int    `mapstructure:"fetch_timeout_seconds"`
}

// StorageConfig sets where documents and artifacts are persisted.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to the relational database. An empty DSN keeps
// all state in memory.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("APPLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("scheduler.workers", 5)
	v.SetDefault("scheduler.queue_depth", 256)
	v.SetDefault("scheduler.max_retries", 3)
	v.SetDefault("scheduler.backoff_base_seconds", 30)
	v.SetDefault("scheduler.backoff_cap_seconds", 1800)
	v.SetDefault("scheduler.domain_interval_seconds", 5)
	v.SetDefault("scheduler.event_buffer_size", 4096)
	v.SetDefault("scheduler.event_batch_max_events", 500)
	v.SetDefault("scheduler.event_batch_wait_ms", 500)
	v.SetDefault("browser.enabled", true)
	v.SetDefault("browser.max_parallel", 5)
	v.SetDefault("browser.form_timeout_seconds", 30)
	v.SetDefault("browser.settle_delay_ms", 2000)
	v.SetDefault("resolver.min_trusted_usage", 3)
	v.SetDefault("resolver.static_fetch", false)
	v.SetDefault("ingest.board_fetch_enabled", false)
	v.SetDefault("ingest.fetch_timeout_seconds", 15)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "documents")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be > 0")
	}
	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries must be >= 0")
	}
	if c.Browser.Enabled && c.Browser.MaxParallel <= 0 {
		return fmt.Errorf("browser.max_parallel must be > 0 when the browser is enabled")
	}
	switch c.Storage.Backend {
	case "memory", "local", "gcs":
	default:
		return fmt.Errorf("storage.backend must be one of memory, local, gcs")
	}
	if c.Storage.Backend == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
	}
	if c.Storage.Backend == "local" && c.Storage.LocalDir == "" {
		return fmt.Errorf("storage.local_dir must be set for the local backend")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// BackoffBase converts the configured backoff base into a duration.
func (c SchedulerConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds) * time.Second
}

// BackoffCap converts the configured backoff cap into a duration.
func (c SchedulerConfig) BackoffCap() time.Duration {
	return time.Duration(c.BackoffCapSeconds) * time.Second
}

// DomainInterval converts the pacing interval into a duration.
func (c SchedulerConfig) DomainInterval() time.Duration {
	return time.Duration(c.DomainIntervalSecs * float64(time.Second))
}

// FormTimeout converts the configured form timeout into a duration.
func (c BrowserConfig) FormTimeout() time.Duration {
	return time.Duration(c.FormTimeoutSec) * time.Second
}

// SettleDelay converts the configured settle delay into a duration.
func (c BrowserConfig) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMillis) * time.Millisecond
}

// FetchTimeout converts the ingest fetch timeout into a duration.
func (c IngestConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSec) * time.Second
}
