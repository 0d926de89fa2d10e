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
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Reaper     ReaperConfig     `mapstructure:"reaper"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DatabaseConfig controls access to the relational store. An empty DSN
// selects the in-memory store, which is only suitable for development.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
}

// RedisConfig enables the comparison result cache when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// CrawlerConfig governs the fetch-and-extract pipeline.
type CrawlerConfig struct {
	MaxConcurrency   int    `mapstructure:"max_concurrency"`
	CrawlDelayMs     int    `mapstructure:"crawl_delay_ms"`
	RequestTimeoutMs int    `mapstructure:"request_timeout_ms"`
	RetryAttempts    int    `mapstructure:"retry_attempts"`
	UserAgent        string `mapstructure:"user_agent"`
}

// DispatcherConfig governs job polling and execution limits.
type DispatcherConfig struct {
	PollMs        int `mapstructure:"poll_ms"`
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

// ReaperConfig governs stuck-job recovery and retention sweeps.
type ReaperConfig struct {
	IntervalMs           int `mapstructure:"interval_ms"`
	StuckJobHours        int `mapstructure:"stuck_job_hours"`
	OldJobDays           int `mapstructure:"old_job_days"`
	ArchiveRetentionDays int `mapstructure:"archive_retention_days"`
}

// PubSubConfig enables job notifications when ProjectID is set.
type PubSubConfig struct {
	ProjectID    string `mapstructure:"project_id"`
	Topic        string `mapstructure:"topic"`
	Subscription string `mapstructure:"subscription"`
}

// ArchiveConfig selects where raw page bodies are archived. Backend is
// one of "none", "memory", "local", "gcs".
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	BaseDir   string `mapstructure:"base_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk and environment. The path is optional;
// with no file every knob still resolves through defaults and env.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindWellKnownEnv(v)

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
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("crawler.max_concurrency", 20)
	v.SetDefault("crawler.crawl_delay_ms", 500)
	v.SetDefault("crawler.request_timeout_ms", 30000)
	v.SetDefault("crawler.retry_attempts", 3)
	v.SetDefault("crawler.user_agent", "WebMonitor-Crawler/1.0")
	v.SetDefault("dispatcher.poll_ms", 2000)
	v.SetDefault("dispatcher.max_concurrent", 3)
	v.SetDefault("reaper.interval_ms", 300000)
	v.SetDefault("reaper.stuck_job_hours", 2)
	v.SetDefault("reaper.old_job_days", 30)
	v.SetDefault("reaper.archive_retention_days", 30)
	v.SetDefault("pubsub.topic", "scan-jobs")
	v.SetDefault("pubsub.subscription", "scan-workers")
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("logging.development", false)
}

// bindWellKnownEnv maps the historical unprefixed variable names onto
// their viper keys so existing deployments keep working.
func bindWellKnownEnv(v *viper.Viper) {
	bindings := map[string]string{
		"crawler.max_concurrency":       "MAX_CONCURRENCY",
		"crawler.crawl_delay_ms":        "CRAWL_DELAY_MS",
		"crawler.request_timeout_ms":    "REQUEST_TIMEOUT_MS",
		"crawler.retry_attempts":        "RETRY_ATTEMPTS",
		"dispatcher.poll_ms":            "DISPATCHER_POLL_MS",
		"reaper.interval_ms":            "REAPER_INTERVAL_MS",
		"reaper.stuck_job_hours":        "STUCK_JOB_HOURS",
		"reaper.old_job_days":           "OLD_JOB_DAYS",
		"reaper.archive_retention_days": "ARCHIVE_RETENTION_DAYS",
		"database.dsn":                  "DATABASE_URL",
	}
	for key, env := range bindings {
		_ = v.BindEnv(key, env)
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.MaxConcurrency <= 0 {
		return fmt.Errorf("crawler.max_concurrency must be > 0")
	}
	if c.Crawler.RequestTimeoutMs <= 0 {
		return fmt.Errorf("crawler.request_timeout_ms must be > 0")
	}
	if c.Crawler.RetryAttempts < 0 {
		return fmt.Errorf("crawler.retry_attempts must be >= 0")
	}
	if c.Dispatcher.PollMs <= 0 {
		return fmt.Errorf("dispatcher.poll_ms must be > 0")
	}
	if c.Reaper.StuckJobHours <= 0 {
		return fmt.Errorf("reaper.stuck_job_hours must be > 0")
	}
	switch c.Archive.Backend {
	case "none", "memory", "local", "gcs":
	default:
		return fmt.Errorf("archive.backend must be one of none, memory, local, gcs")
	}
	if c.Archive.Backend == "gcs" && c.Archive.GCSBucket == "" {
		return fmt.Errorf("archive.gcs_bucket must be set when archive.backend is gcs")
	}
	if c.Archive.Backend == "local" && c.Archive.BaseDir == "" {
		return fmt.Errorf("archive.base_dir must be set when archive.backend is local")
	}
	if c.PubSub.ProjectID != "" && c.PubSub.Topic == "" {
		return fmt.Errorf("pubsub.topic must be set when pubsub.project_id is set")
	}
	return nil
}

// RequestTimeout converts the millisecond knob to a duration.
func (c CrawlerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// CrawlDelay converts the millisecond knob to a duration.
func (c CrawlerConfig) CrawlDelay() time.Duration {
	return time.Duration(c.CrawlDelayMs) * time.Millisecond
}

// PollInterval converts the millisecond knob to a duration.
func (c DispatcherConfig) PollInterval() time.Duration {
	return time.Duration(c.PollMs) * time.Millisecond
}

// Interval converts the millisecond knob to a duration.
func (c ReaperConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// StuckAfter is the running-job age beyond which the reaper intervenes.
func (c ReaperConfig) StuckAfter() time.Duration {
	return time.Duration(c.StuckJobHours) * time.Hour
}

// JobRetention is how long terminal jobs are kept.
func (c ReaperConfig) JobRetention() time.Duration {
	return time.Duration(c.OldJobDays) * 24 * time.Hour
}

// ArchiveRetention is how long archived sites are kept before deletion.
func (c ReaperConfig) ArchiveRetention() time.Duration {
	return time.Duration(c.ArchiveRetentionDays) * 24 * time.Hour
}
