// Package config loads and validates orchestrator configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/media-orchestrator/internal/batch"
)

// EnvPrefix is prepended to every environment override, e.g. MEDIAORCH_CONCURRENCY.
const EnvPrefix = "MEDIAORCH"

// Resume store backends.
const (
	ResumeBackendFile     = "file"
	ResumeBackendSQLite   = "sqlite"
	ResumeBackendPostgres = "postgres"
	ResumeBackendMemory   = "memory"
)

// Blob storage backends.
const (
	StorageBackendLocal  = "local"
	StorageBackendGCS    = "gcs"
	StorageBackendMemory = "memory"
)

// Config captures all orchestrator configuration knobs loaded via Viper.
type Config struct {
	OutputDir   string            `mapstructure:"output_dir"`
	RunIdentity string            `mapstructure:"run_identity"`
	Concurrency int               `mapstructure:"concurrency"`
	Resume      bool              `mapstructure:"resume"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Fetch       FetchConfig       `mapstructure:"fetch"`
	ResumeStore ResumeStoreConfig `mapstructure:"resume_store"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	Storage     StorageConfig     `mapstructure:"storage"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Progress    ProgressConfig    `mapstructure:"progress"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

// RetryConfig controls the linear retry policy.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
}

// FetchConfig configures the HTTP fetcher.
type FetchConfig struct {
	UserAgent      string        `mapstructure:"user_agent"`
	Timeout        time.Duration `mapstructure:"timeout"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	MaxBodyBytes   int           `mapstructure:"max_body_bytes"`
	// MaxPosts caps each user-timeline download. Zero means no cap.
	MaxPosts int `mapstructure:"max_posts"`
}

// ResumeStoreConfig selects and configures the completion store.
type ResumeStoreConfig struct {
	Backend    string         `mapstructure:"backend"`
	SQLitePath string         `mapstructure:"sqlite_path"`
	Postgres   PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig controls the Postgres resume store.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	RunsTable       string        `mapstructure:"runs_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// LedgerConfig controls the failure ledger outputs.
type LedgerConfig struct {
	Journal  bool   `mapstructure:"journal"`
	FileName string `mapstructure:"file_name"`
}

// StorageConfig selects where fetched media and run reports are written.
type StorageConfig struct {
	Backend      string `mapstructure:"backend"`
	GCSBucket    string `mapstructure:"gcs_bucket"`
	Prefix       string `mapstructure:"prefix"`
	ReportPrefix string `mapstructure:"report_prefix"`
}

// PubSubConfig holds metadata for run notifications.
type PubSubConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ProjectID    string `mapstructure:"project_id"`
	RunTopic     string `mapstructure:"run_topic"`
	FailureTopic string `mapstructure:"failure_topic"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// MetricsConfig controls the status server. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	v.SetDefault("output_dir", "downloads")
	v.SetDefault("run_identity", "batch_download")
	v.SetDefault("concurrency", 1)
	v.SetDefault("resume", true)
	v.SetDefault("retry.max_attempts", batch.DefaultMaxAttempts)
	v.SetDefault("retry.base_delay", batch.DefaultBaseDelay)
	v.SetDefault("fetch.user_agent", "media-orchestrator/0.1")
	v.SetDefault("fetch.timeout", 30*time.Second)
	v.SetDefault("fetch.attempt_timeout", 2*time.Minute)
	v.SetDefault("fetch.rate_limit_rps", 2.0)
	v.SetDefault("fetch.rate_limit_burst", 2)
	v.SetDefault("fetch.max_body_bytes", 0)
	v.SetDefault("fetch.max_posts", 0)
	v.SetDefault("resume_store.backend", ResumeBackendFile)
	v.SetDefault("resume_store.sqlite_path", "")
	v.SetDefault("resume_store.postgres.dsn", "")
	v.SetDefault("resume_store.postgres.table", "completed_targets")
	v.SetDefault("resume_store.postgres.runs_table", "resume_runs")
	v.SetDefault("resume_store.postgres.max_conns", 4)
	v.SetDefault("resume_store.postgres.min_conns", 0)
	v.SetDefault("resume_store.postgres.max_conn_lifetime", time.Hour)
	v.SetDefault("ledger.journal", true)
	v.SetDefault("ledger.file_name", "failed_downloads.yaml")
	v.SetDefault("storage.backend", StorageBackendLocal)
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("storage.report_prefix", "runs")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.run_topic", "")
	v.SetDefault("pubsub.failure_topic", "")
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch_size", 256)
	v.SetDefault("progress.flush_interval", 250*time.Millisecond)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "media-orchestrator")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.OutputDir) == "" {
		return errors.New("output_dir is required")
	}
	if err := batch.RunIdentity(c.RunIdentity).Validate(); err != nil {
		return fmt.Errorf("run_identity: %w", err)
	}
	if c.Concurrency < 0 {
		return errors.New("concurrency must be >= 0")
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be >= 1")
	}
	if c.Retry.BaseDelay < 0 {
		return errors.New("retry.base_delay must be >= 0")
	}
	if c.Fetch.Timeout <= 0 {
		return errors.New("fetch.timeout must be > 0")
	}
	if c.Fetch.RateLimitRPS < 0 {
		return errors.New("fetch.rate_limit_rps must be >= 0")
	}
	if c.Fetch.MaxPosts < 0 {
		return errors.New("fetch.max_posts must be >= 0")
	}
	switch c.ResumeStore.Backend {
	case ResumeBackendFile, ResumeBackendSQLite, ResumeBackendMemory:
	case ResumeBackendPostgres:
		if c.ResumeStore.Postgres.DSN == "" {
			return errors.New("resume_store.postgres.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("resume_store.backend %q is not supported", c.ResumeStore.Backend)
	}
	switch c.Storage.Backend {
	case StorageBackendLocal, StorageBackendMemory:
	case StorageBackendGCS:
		if c.Storage.GCSBucket == "" {
			return errors.New("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.RunTopic == "") {
		return errors.New("pubsub.project_id and pubsub.run_topic must be set when pubsub is enabled")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return errors.New("tracing.sample_ratio must be within [0, 1]")
	}
	return nil
}
