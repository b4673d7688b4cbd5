// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Crawl       CrawlConfig       `mapstructure:"crawl"`
	Decision    DecisionConfig    `mapstructure:"decision"`
	Fetcher     FetcherConfig     `mapstructure:"fetcher"`
	Oracle      OracleConfig      `mapstructure:"oracle"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Webhook     WebhookConfig     `mapstructure:"webhook"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlConfig governs per-job defaults, caps, and dispatcher parallelism.
type CrawlConfig struct {
	MaxConcurrentJobs  int `mapstructure:"max_concurrent_jobs"`
	DefaultMaxPages    int `mapstructure:"default_max_pages"`
	MaxPages           int `mapstructure:"max_pages"`
	DefaultMaxDepth    int `mapstructure:"default_max_depth"`
	MaxDepth           int `mapstructure:"max_depth"`
	DefaultConcurrency int `mapstructure:"default_concurrency"`
	MaxConcurrency     int `mapstructure:"max_concurrency"`
	DefaultTimeLimitS  int `mapstructure:"default_time_limit_seconds"`
	MaxTimeLimitS      int `mapstructure:"max_time_limit_seconds"`
}

// DecisionConfig holds decision-engine thresholds and priority weights.
type DecisionConfig struct {
	RelevanceThreshold   float64 `mapstructure:"relevance_threshold"`
	DeepThreshold        float64 `mapstructure:"deep_threshold"`
	PatternConfidenceMin float64 `mapstructure:"pattern_confidence_min"`
	PatternWeight        float64 `mapstructure:"pattern_weight"`
	RelevanceWeight      float64 `mapstructure:"relevance_weight"`
	DeepBoost            float64 `mapstructure:"deep_boost"`
	OracleTimeoutSeconds int     `mapstructure:"oracle_timeout_seconds"`
}

// FetcherConfig tunes the HTTP and headless fetchers.
type FetcherConfig struct {
	UserAgent             string  `mapstructure:"user_agent"`
	RequestTimeoutSeconds int     `mapstructure:"request_timeout_seconds"`
	DomainQPS             float64 `mapstructure:"domain_qps"`
	MaxRetries            int     `mapstructure:"max_retries"`
	BackoffInitialMs      int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs          int     `mapstructure:"backoff_max_ms"`
	HeadlessEnabled       bool    `mapstructure:"headless_enabled"`
	HeadlessMaxParallel   int     `mapstructure:"headless_max_parallel"`
	HeadlessNavTimeoutS   int     `mapstructure:"headless_nav_timeout_seconds"`
}

// OracleConfig selects the relevance oracle backend.
type OracleConfig struct {
	// Provider is "claude" or "keyword".
	Provider string `mapstructure:"provider"`
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
}

// PersistenceConfig controls the optional Postgres page store.
type PersistenceConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// StorageConfig controls the optional artifact archive.
type StorageConfig struct {
	// Provider is "gcs", "local", or "none".
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
}

// QueueConfig selects the job intake queue.
type QueueConfig struct {
	// Provider is "memory" or "pubsub".
	Provider       string `mapstructure:"provider"`
	Depth          int    `mapstructure:"depth"`
	ProjectID      string `mapstructure:"project_id"`
	TopicID        string `mapstructure:"topic_id"`
	SubscriptionID string `mapstructure:"subscription_id"`
}

// WebhookConfig tunes event delivery.
type WebhookConfig struct {
	MaxAttempts           int `mapstructure:"max_attempts"`
	BackoffInitialMs      int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs          int `mapstructure:"backoff_max_ms"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment. Environment variables use the
// SITEQUEST_ prefix with dots replaced by underscores.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITEQUEST")
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
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("crawl.max_concurrent_jobs", 8)
	v.SetDefault("crawl.default_max_pages", 100)
	v.SetDefault("crawl.max_pages", 1000)
	v.SetDefault("crawl.default_max_depth", 5)
	v.SetDefault("crawl.max_depth", 10)
	v.SetDefault("crawl.default_concurrency", 4)
	v.SetDefault("crawl.max_concurrency", 16)
	v.SetDefault("crawl.default_time_limit_seconds", 300)
	v.SetDefault("crawl.max_time_limit_seconds", 1800)
	v.SetDefault("decision.relevance_threshold", 0.5)
	v.SetDefault("decision.deep_threshold", 0.8)
	v.SetDefault("decision.pattern_confidence_min", 0.5)
	v.SetDefault("decision.pattern_weight", 0.4)
	v.SetDefault("decision.relevance_weight", 0.6)
	v.SetDefault("decision.deep_boost", 1.0)
	v.SetDefault("decision.oracle_timeout_seconds", 30)
	v.SetDefault("fetcher.user_agent", "sitequest/1.0 (+https://github.com/sitequest/sitequest)")
	v.SetDefault("fetcher.request_timeout_seconds", 30)
	v.SetDefault("fetcher.domain_qps", 2.0)
	v.SetDefault("fetcher.max_retries", 3)
	v.SetDefault("fetcher.backoff_initial_ms", 500)
	v.SetDefault("fetcher.backoff_max_ms", 5000)
	v.SetDefault("fetcher.headless_enabled", false)
	v.SetDefault("fetcher.headless_max_parallel", 2)
	v.SetDefault("fetcher.headless_nav_timeout_seconds", 45)
	v.SetDefault("oracle.provider", "keyword")
	v.SetDefault("oracle.model", "claude-sonnet-4-20250514")
	v.SetDefault("persistence.enabled", false)
	v.SetDefault("persistence.table", "pages")
	v.SetDefault("persistence.max_conns", 8)
	v.SetDefault("storage.provider", "none")
	v.SetDefault("queue.provider", "memory")
	v.SetDefault("queue.depth", 64)
	v.SetDefault("webhook.max_attempts", 4)
	v.SetDefault("webhook.backoff_initial_ms", 250)
	v.SetDefault("webhook.backoff_max_ms", 5000)
	v.SetDefault("webhook.request_timeout_seconds", 10)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key is required when auth is enabled")
	}
	if c.Crawl.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("crawl.max_concurrent_jobs must be > 0")
	}
	if c.Crawl.DefaultMaxPages <= 0 || c.Crawl.MaxPages < c.Crawl.DefaultMaxPages {
		return fmt.Errorf("crawl page limits are inconsistent")
	}
	if c.Decision.RelevanceThreshold < 0 || c.Decision.RelevanceThreshold > 1 {
		return fmt.Errorf("decision.relevance_threshold must be in [0,1]")
	}
	if c.Decision.DeepThreshold < c.Decision.RelevanceThreshold {
		return fmt.Errorf("decision.deep_threshold must be >= decision.relevance_threshold")
	}
	switch c.Oracle.Provider {
	case "claude":
		if c.Oracle.APIKey == "" {
			return fmt.Errorf("oracle.api_key is required for the claude provider")
		}
	case "keyword", "none", "":
	default:
		return fmt.Errorf("unknown oracle provider %q", c.Oracle.Provider)
	}
	switch c.Storage.Provider {
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs provider")
		}
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for the local provider")
		}
	case "none", "":
	default:
		return fmt.Errorf("unknown storage provider %q", c.Storage.Provider)
	}
	switch c.Queue.Provider {
	case "pubsub":
		if c.Queue.ProjectID == "" || c.Queue.TopicID == "" || c.Queue.SubscriptionID == "" {
			return fmt.Errorf("queue.project_id, queue.topic_id, and queue.subscription_id are required for pubsub")
		}
	case "memory", "":
	default:
		return fmt.Errorf("unknown queue provider %q", c.Queue.Provider)
	}
	if c.Persistence.Enabled && c.Persistence.DSN == "" {
		return fmt.Errorf("persistence.dsn is required when persistence is enabled")
	}
	return nil
}
