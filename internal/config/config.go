// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Coord     CoordConfig     `mapstructure:"coord"`
	Sitemap   SitemapConfig   `mapstructure:"sitemap"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
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

// SchedulerConfig governs the dispatch loop and worker pool.
type SchedulerConfig struct {
	Concurrency       int `mapstructure:"concurrency"`
	PriorityTiers     int `mapstructure:"priority_tiers"`
	PollIntervalMs    int `mapstructure:"poll_interval_ms"`
	BatchSize         int `mapstructure:"batch_size"`
	MaxAttempts       int `mapstructure:"max_attempts"`
	BackoffBaseMs     int `mapstructure:"backoff_base_ms"`
	BackoffMaxMs      int `mapstructure:"backoff_max_ms"`
	StaleRunningSec   int `mapstructure:"stale_running_seconds"`
	RecoverySweepSec  int `mapstructure:"recovery_sweep_seconds"`
	LockTTLSec        int `mapstructure:"lock_ttl_seconds"`
	LockRenewSec      int `mapstructure:"lock_renew_seconds"`
	DefaultPriority   int `mapstructure:"default_priority"`
	DefaultMaxAttempt int `mapstructure:"default_max_attempts"`
}

// FetchConfig configures the direct HTTP fetch path.
type FetchConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxBodyBytes   int    `mapstructure:"max_body_bytes"`
}

// HeadlessConfig configures the rendering subsystem.
type HeadlessConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	MaxParallel    int     `mapstructure:"max_parallel"`
	NavTimeoutSec  int     `mapstructure:"nav_timeout_seconds"`
	DomainQPS      float64 `mapstructure:"domain_qps"`
	DetectMinBytes int     `mapstructure:"detect_min_bytes"`
}

// CoordConfig sets the shared rate-limit and lock parameters.
type CoordConfig struct {
	DomainRPS   float64 `mapstructure:"domain_rps"`
	DomainBurst int     `mapstructure:"domain_burst"`
}

// SitemapConfig bounds sitemap expansion.
type SitemapConfig struct {
	MaxChildren int `mapstructure:"max_children"`
	MaxDepth    int `mapstructure:"max_depth"`
}

// StorageConfig selects and configures the content store.
type StorageConfig struct {
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls the Postgres-backed ledger. Empty DSN selects memory.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for completion-event publishing.
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
	v.SetEnvPrefix("TIDECRAWL")
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
	v.SetDefault("scheduler.concurrency", 8)
	v.SetDefault("scheduler.priority_tiers", 3)
	v.SetDefault("scheduler.poll_interval_ms", 250)
	v.SetDefault("scheduler.batch_size", 32)
	v.SetDefault("scheduler.backoff_base_ms", 1000)
	v.SetDefault("scheduler.backoff_max_ms", 60000)
	v.SetDefault("scheduler.stale_running_seconds", 300)
	v.SetDefault("scheduler.recovery_sweep_seconds", 60)
	v.SetDefault("scheduler.lock_ttl_seconds", 60)
	v.SetDefault("scheduler.lock_renew_seconds", 20)
	v.SetDefault("scheduler.default_priority", 1)
	v.SetDefault("scheduler.default_max_attempts", 3)
	v.SetDefault("fetch.user_agent", "tidecrawl-bot/0.1")
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.max_body_bytes", 10<<20)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.domain_qps", 1)
	v.SetDefault("headless.detect_min_bytes", 2048)
	v.SetDefault("coord.domain_rps", 1)
	v.SetDefault("coord.domain_burst", 3)
	v.SetDefault("sitemap.max_children", 500)
	v.SetDefault("sitemap.max_depth", 3)
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("storage.prefix", "content")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.Concurrency <= 0 {
		return fmt.Errorf("scheduler.concurrency must be > 0")
	}
	if c.Scheduler.PriorityTiers <= 0 {
		return fmt.Errorf("scheduler.priority_tiers must be > 0")
	}
	if c.Scheduler.BackoffMaxMs < c.Scheduler.BackoffBaseMs {
		return fmt.Errorf("scheduler.backoff_max_ms must be >= backoff_base_ms")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Coord.DomainBurst <= 0 {
		return fmt.Errorf("coord.domain_burst must be > 0")
	}
	if c.Sitemap.MaxChildren <= 0 {
		return fmt.Errorf("sitemap.max_children must be > 0")
	}
	if c.Storage.Provider == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket must be set when provider is gcs")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// FetchTimeout returns the per-attempt fetch deadline.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// LockTTL returns the URL lock time-to-live.
func (c Config) LockTTL() time.Duration {
	return time.Duration(c.Scheduler.LockTTLSec) * time.Second
}
