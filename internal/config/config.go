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
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Origins OriginsConfig `mapstructure:"origins"`
	Limits  LimitsConfig  `mapstructure:"limits"`
	Render  RenderConfig  `mapstructure:"render"`
	Scorer  ScorerConfig  `mapstructure:"scorer"`
	Jobs    JobsConfig    `mapstructure:"jobs"`
	Reports ReportsConfig `mapstructure:"reports"`
	Webhook WebhookConfig `mapstructure:"webhook"`
	Safety  SafetyConfig  `mapstructure:"safety"`
	Verify  VerifyConfig  `mapstructure:"verify"`
	Storage StorageConfig `mapstructure:"storage"`
	DB      DBConfig      `mapstructure:"db"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Workers WorkersConfig `mapstructure:"workers"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	RequestTimeout int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles. The admin key gates the
// privileged deletion endpoint.
type AuthConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	APIKey      string `mapstructure:"api_key"`
	AdminAPIKey string `mapstructure:"admin_api_key"`
}

// OriginsConfig lists hostnames accepted on the Origin header. Empty means
// any origin.
type OriginsConfig struct {
	Allowed []string `mapstructure:"allowed"`
}

// LimitsConfig governs submission rate limiting.
type LimitsConfig struct {
	Implementation string `mapstructure:"implementation"`
	IPPerMinute    int    `mapstructure:"ip_per_minute"`
	EmailPerMinute int    `mapstructure:"email_per_minute"`
}

// RenderConfig configures the headless rendering subsystem.
type RenderConfig struct {
	MaxParallel   int    `mapstructure:"max_parallel"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
	UserAgent     string `mapstructure:"user_agent"`
}

// ScorerConfig configures the vision model client.
type ScorerConfig struct {
	BaseURL        string   `mapstructure:"base_url"`
	APIKeys        []string `mapstructure:"api_keys"`
	Models         []string `mapstructure:"models"`
	Stream         bool     `mapstructure:"stream"`
	MaxRetries     int      `mapstructure:"max_retries"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	Mock           bool     `mapstructure:"mock"`
}

// JobsConfig controls job record retention.
type JobsConfig struct {
	TTLSeconds int `mapstructure:"ttl_seconds"`
}

// ReportsConfig controls report caching and public image URLs.
type ReportsConfig struct {
	CacheTTLSeconds int    `mapstructure:"cache_ttl_seconds"`
	PublicBaseURL   string `mapstructure:"public_base_url"`
}

// WebhookConfig bounds webhook delivery attempts.
type WebhookConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	MaxRetries     int `mapstructure:"max_retries"`
}

// SafetyConfig toggles DNS-over-HTTPS resolution for hostname targets.
type SafetyConfig struct {
	EnableDoH      bool   `mapstructure:"enable_doh"`
	DoHEndpoint    string `mapstructure:"doh_endpoint"`
	DNSTimeoutSec  int    `mapstructure:"dns_timeout_seconds"`
	DNSCacheTTLSec int    `mapstructure:"dns_cache_ttl_seconds"`
}

// VerifyConfig configures the human-verification token checker.
type VerifyConfig struct {
	Secret     string `mapstructure:"secret"`
	SkipVerify bool   `mapstructure:"skip_verify"`
	Endpoint   string `mapstructure:"endpoint"`
}

// StorageConfig selects the blob store backing screenshots.
type StorageConfig struct {
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to the relational report store.
type DBConfig struct {
	Provider string `mapstructure:"provider"`
	DSN      string `mapstructure:"dsn"`
}

// QueueConfig selects the job queue provider.
type QueueConfig struct {
	Provider       string `mapstructure:"provider"`
	Depth          int    `mapstructure:"depth"`
	ProjectID      string `mapstructure:"project_id"`
	TopicID        string `mapstructure:"topic_id"`
	SubscriptionID string `mapstructure:"subscription_id"`
}

// WorkersConfig sizes the in-process worker pool.
type WorkersConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DOORPOST")
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
	v.SetDefault("limits.implementation", "serialized")
	v.SetDefault("limits.ip_per_minute", 10)
	v.SetDefault("limits.email_per_minute", 5)
	v.SetDefault("render.max_parallel", 2)
	v.SetDefault("render.nav_timeout_seconds", 15)
	v.SetDefault("render.user_agent", "doorpost-renderer/1.0")
	v.SetDefault("scorer.base_url", "https://api.openai.com/v1")
	v.SetDefault("scorer.models", []string{"gpt-4o"})
	v.SetDefault("scorer.stream", true)
	v.SetDefault("scorer.max_retries", 3)
	v.SetDefault("scorer.timeout_seconds", 45)
	v.SetDefault("jobs.ttl_seconds", 3600)
	v.SetDefault("reports.cache_ttl_seconds", 172800)
	v.SetDefault("webhook.timeout_seconds", 5)
	v.SetDefault("webhook.max_retries", 2)
	v.SetDefault("safety.enable_doh", true)
	v.SetDefault("safety.doh_endpoint", "https://cloudflare-dns.com/dns-query")
	v.SetDefault("safety.dns_timeout_seconds", 15)
	v.SetDefault("safety.dns_cache_ttl_seconds", 300)
	v.SetDefault("verify.endpoint", "https://challenges.cloudflare.com/turnstile/v0/siteverify")
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("storage.prefix", "snapshots")
	v.SetDefault("db.provider", "noop")
	v.SetDefault("queue.provider", "memory")
	v.SetDefault("queue.depth", 64)
	v.SetDefault("workers.concurrency", 4)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Workers.Concurrency <= 0 {
		return fmt.Errorf("workers.concurrency must be > 0")
	}
	if c.Render.MaxParallel <= 0 {
		return fmt.Errorf("render.max_parallel must be > 0")
	}
	switch c.Limits.Implementation {
	case "serialized", "kv":
	default:
		return fmt.Errorf("limits.implementation must be 'serialized' or 'kv'")
	}
	if !c.Scorer.Mock && len(c.Scorer.APIKeys) == 0 {
		return fmt.Errorf("scorer.api_keys must be set unless scorer.mock is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Storage.Provider == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket must be set when storage.provider is 'gcs'")
	}
	if c.DB.Provider == "postgres" && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set when db.provider is 'postgres'")
	}
	if c.Queue.Provider == "pubsub" && (c.Queue.ProjectID == "" || c.Queue.SubscriptionID == "") {
		return fmt.Errorf("queue.project_id and queue.subscription_id must be set when queue.provider is 'pubsub'")
	}
	return nil
}

// NavTimeout converts the render navigation timeout into a duration.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Render.NavTimeoutSec) * time.Second
}

// JobTTL converts the job retention window into a duration.
func (c Config) JobTTL() time.Duration {
	return time.Duration(c.Jobs.TTLSeconds) * time.Second
}

// ReportCacheTTL converts the report cache window into a duration.
func (c Config) ReportCacheTTL() time.Duration {
	return time.Duration(c.Reports.CacheTTLSeconds) * time.Second
}
