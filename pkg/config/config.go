// Package config loads the ingest job configuration from a YAML file, with
// environment overrides for credentials so secrets stay out of the file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for the ingest configuration.
const (
	DefaultPageLimit   = 100
	DefaultSourceRate  = 4.5
	DefaultBatchSize   = 100000
	DefaultWorkers     = 2
	DefaultQueueDepth  = 2
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 2
	DefaultMaxDelay    = 60
	DefaultMultiplier  = 2.0
	DefaultHTTPTimeout = 30
	DefaultTokenTTL    = 3600
	DefaultDatabase    = "raw_us_mavi"
	DefaultTable       = "yotpo_customers"
)

// Environment variables that override the corresponding YAML fields.
const (
	EnvClientSecret = "YOTPO_CLIENT_SECRET"
	EnvStoreID      = "YOTPO_STORE_ID"
	EnvTDAPIKey     = "TD_API_KEY"
	EnvRedisURL     = "REDIS_URL"
)

// Config holds the full ingest job configuration.
type Config struct {
	Yotpo    YotpoConfig    `yaml:"yotpo"`
	TD       TDConfig       `yaml:"td"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Retry    RetryConfig    `yaml:"retry"`
	Redis    RedisConfig    `yaml:"redis"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`

	// HTTPTimeoutSeconds bounds each source API request (default 30).
	HTTPTimeoutSeconds int `yaml:"http_timeout_seconds"`
}

// YotpoConfig holds the source API settings.
type YotpoConfig struct {
	// StoreID identifies the Yotpo store. Overridden by YOTPO_STORE_ID.
	StoreID string `yaml:"store_id"`

	// ClientSecret authenticates the token handshake. Overridden by
	// YOTPO_CLIENT_SECRET; keep it out of the YAML file.
	ClientSecret string `yaml:"client_secret"`

	// BaseURL overrides the production API base URL. Empty uses the default.
	BaseURL string `yaml:"base_url"`

	// PageLimit is the page size requested from the customers endpoint
	// (default 100).
	PageLimit int `yaml:"page_limit"`

	// Rate caps source requests per second (default 4.5, just under the
	// published 5 req/s ceiling).
	Rate float64 `yaml:"rate"`

	// TokenTTLSeconds is how long a fetched access token stays cached
	// (default 3600).
	TokenTTLSeconds int `yaml:"token_ttl_seconds"`
}

// TDConfig holds the Treasure Data destination settings.
type TDConfig struct {
	// Endpoint overrides the API base URL. Empty uses the US region default.
	Endpoint string `yaml:"endpoint"`

	// APIKey authenticates import requests. Overridden by TD_API_KEY.
	APIKey string `yaml:"api_key"`

	// Database is the destination database (default raw_us_mavi).
	Database string `yaml:"database"`

	// Table is the destination table (default yotpo_customers).
	Table string `yaml:"table"`

	// Rate caps import requests per second. Zero means unlimited; the
	// import endpoint publishes no ceiling.
	Rate float64 `yaml:"rate"`
}

// PipelineConfig holds batching and upload concurrency settings.
type PipelineConfig struct {
	// BatchSize is the number of records per sealed batch (default 100000).
	BatchSize int `yaml:"batch_size"`

	// Workers is the number of concurrent upload workers (default 2).
	Workers int `yaml:"workers"`

	// QueueDepth bounds the batch queue between fetch and upload (default 2).
	QueueDepth int `yaml:"queue_depth"`
}

// RetryConfig holds the retry policy shared by both API clients.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts per request (default 3).
	MaxAttempts int `yaml:"max_attempts"`

	// BaseDelaySeconds is the first backoff delay (default 2).
	BaseDelaySeconds int `yaml:"base_delay_seconds"`

	// MaxDelaySeconds caps the backoff delay (default 60).
	MaxDelaySeconds int `yaml:"max_delay_seconds"`

	// Multiplier is the backoff growth factor (default 2.0).
	Multiplier float64 `yaml:"multiplier"`
}

// RedisConfig holds the optional token cache settings.
type RedisConfig struct {
	// URL is a redis connection URL (redis://host:port/db). Empty disables
	// the token cache. Overridden by REDIS_URL.
	URL string `yaml:"url"`
}

// MetricsConfig holds the optional Prometheus listener settings.
type MetricsConfig struct {
	// Addr is the listen address for /metrics (for example ":9090").
	// Empty disables the listener.
	Addr string `yaml:"addr"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	// Level is one of debug | info | warn | error (default info).
	Level string `yaml:"level"`

	// Pretty switches to human-readable console output.
	Pretty bool `yaml:"pretty"`
}

// TokenTTL returns the token cache TTL.
func (y YotpoConfig) TokenTTL() time.Duration {
	return time.Duration(y.TokenTTLSeconds) * time.Second
}

// BaseDelay returns the first backoff delay.
func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelaySeconds) * time.Second
}

// MaxDelay returns the backoff cap.
func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelaySeconds) * time.Second
}

// HTTPTimeout returns the per-request timeout for the source client.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

// Load reads the config file at path, applies environment overrides, and
// validates the result. An empty path skips the file and builds the
// configuration from defaults and environment alone.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}

	applyEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Yotpo: YotpoConfig{
			PageLimit:       DefaultPageLimit,
			Rate:            DefaultSourceRate,
			TokenTTLSeconds: DefaultTokenTTL,
		},
		TD: TDConfig{
			Database: DefaultDatabase,
			Table:    DefaultTable,
		},
		Pipeline: PipelineConfig{
			BatchSize:  DefaultBatchSize,
			Workers:    DefaultWorkers,
			QueueDepth: DefaultQueueDepth,
		},
		Retry: RetryConfig{
			MaxAttempts:      DefaultMaxAttempts,
			BaseDelaySeconds: DefaultBaseDelay,
			MaxDelaySeconds:  DefaultMaxDelay,
			Multiplier:       DefaultMultiplier,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		HTTPTimeoutSeconds: DefaultHTTPTimeout,
	}
}

// applyEnv overrides credential fields from the environment.
func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvClientSecret); v != "" {
		cfg.Yotpo.ClientSecret = v
	}
	if v := os.Getenv(EnvStoreID); v != "" {
		cfg.Yotpo.StoreID = v
	}
	if v := os.Getenv(EnvTDAPIKey); v != "" {
		cfg.TD.APIKey = v
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		cfg.Redis.URL = v
	}
}

// validate checks structural constraints on the final configuration.
func validate(cfg *Config) error {
	if cfg.Yotpo.StoreID == "" {
		return fmt.Errorf("yotpo.store_id is required (or set %s)", EnvStoreID)
	}
	if cfg.Yotpo.ClientSecret == "" {
		return fmt.Errorf("yotpo.client_secret is required (or set %s)", EnvClientSecret)
	}
	if cfg.Yotpo.PageLimit <= 0 {
		return fmt.Errorf("yotpo.page_limit must be positive, got %d", cfg.Yotpo.PageLimit)
	}
	if cfg.Yotpo.Rate <= 0 {
		return fmt.Errorf("yotpo.rate must be positive, got %g", cfg.Yotpo.Rate)
	}
	if cfg.Yotpo.TokenTTLSeconds < 0 {
		return fmt.Errorf("yotpo.token_ttl_seconds must not be negative")
	}
	if cfg.TD.APIKey == "" {
		return fmt.Errorf("td.api_key is required (or set %s)", EnvTDAPIKey)
	}
	if cfg.TD.Database == "" {
		return fmt.Errorf("td.database is required")
	}
	if cfg.TD.Table == "" {
		return fmt.Errorf("td.table is required")
	}
	if cfg.TD.Rate < 0 {
		return fmt.Errorf("td.rate must not be negative, got %g", cfg.TD.Rate)
	}
	if cfg.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("pipeline.batch_size must be positive, got %d", cfg.Pipeline.BatchSize)
	}
	if cfg.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be positive, got %d", cfg.Pipeline.Workers)
	}
	if cfg.Pipeline.QueueDepth <= 0 {
		return fmt.Errorf("pipeline.queue_depth must be positive, got %d", cfg.Pipeline.QueueDepth)
	}
	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.BaseDelaySeconds < 0 || cfg.Retry.MaxDelaySeconds < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	if cfg.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1, got %g", cfg.Retry.Multiplier)
	}
	if cfg.HTTPTimeoutSeconds <= 0 {
		return fmt.Errorf("http_timeout_seconds must be positive, got %d", cfg.HTTPTimeoutSeconds)
	}
	return nil
}
