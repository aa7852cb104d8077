// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file. A .env file, when present, is loaded
// into the process environment first.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// At least one provider must be configured, either with an API key or, for
// self-hosted backends, with a base URL. Redis is optional and only needed
// for credential usage counters and the ingress rate limiter.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// ProviderIDs lists the providers read from the environment, in the order
// they are reported.
var ProviderIDs = []string{"openai", "groq", "openrouter", "deepseek", "vllm", "ollama", "runpod"}

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Providers is keyed by provider id. Entries exist for every id in
	// ProviderIDs, configured or not.
	Providers map[string]ProviderConfig

	// RunpodEndpointID addresses the serverless endpoint behind runpod.
	RunpodEndpointID string

	// Redis holds the connection URL shared by the usage counter and the
	// rate limiter.
	Redis RedisConfig

	// CredentialUsage selects where credential lookups are counted:
	// "none" or "redis". Default: none.
	CredentialUsage string

	RateLimit RateLimitConfig
	Batch     BatchConfig
	Timeouts  TimeoutConfig

	// HealthInterval is the period of background provider probes. Default: 30s.
	HealthInterval time.Duration

	// MediaRoot is the directory transcription file paths are resolved
	// against. Paths outside it are rejected. Default: ./media.
	MediaRoot string
}

// ProviderConfig holds configuration for a single LLM provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable hosted providers.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and self-hosted backends.
	BaseURL string
}

// Configured reports whether the provider has a key or an endpoint.
func (p ProviderConfig) Configured() bool { return p.APIKey != "" || p.BaseURL != "" }

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// RateLimitConfig controls ingress rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute per route.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// BatchConfig tunes the batch executors.
type BatchConfig struct {
	// Concurrency caps in-flight requests of a text batch round. Default: 20.
	Concurrency int
	// TranscriptionConcurrency caps in-flight uploads. Default: 3.
	TranscriptionConcurrency int
	// MaxAttempts caps attempts per batch request. Default: 3.
	MaxAttempts int
	// RetryBackoff is the base retry delay. Default: 250ms.
	RetryBackoff time.Duration
}

// TimeoutConfig sets the provider HTTP timeouts.
type TimeoutConfig struct {
	// Connect bounds dialing and the TLS handshake. Default: 10s.
	Connect time.Duration
	// Stream bounds a whole request including the response body. Default: 5m.
	Stream time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CREDENTIAL_USAGE", "none")
	v.SetDefault("RPM_LIMIT", 0)
	v.SetDefault("HEALTH_INTERVAL", "30s")
	v.SetDefault("MEDIA_ROOT", "media")

	v.SetDefault("BATCH_CONCURRENCY", 20)
	v.SetDefault("TRANSCRIPTION_CONCURRENCY", 3)
	v.SetDefault("MAX_ATTEMPTS", 3)
	v.SetDefault("RETRY_BACKOFF", "250ms")

	v.SetDefault("CONNECT_TIMEOUT", "10s")
	v.SetDefault("STREAM_TIMEOUT", "5m")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:             v.GetInt("PORT"),
		LogLevel:         strings.ToLower(v.GetString("LOG_LEVEL")),
		Providers:        make(map[string]ProviderConfig, len(ProviderIDs)),
		RunpodEndpointID: v.GetString("RUNPOD_ENDPOINT_ID"),

		Redis:           RedisConfig{URL: v.GetString("REDIS_URL")},
		CredentialUsage: strings.ToLower(v.GetString("CREDENTIAL_USAGE")),

		RateLimit: RateLimitConfig{RPMLimit: v.GetInt("RPM_LIMIT")},

		Batch: BatchConfig{
			Concurrency:              v.GetInt("BATCH_CONCURRENCY"),
			TranscriptionConcurrency: v.GetInt("TRANSCRIPTION_CONCURRENCY"),
			MaxAttempts:              v.GetInt("MAX_ATTEMPTS"),
			RetryBackoff:             v.GetDuration("RETRY_BACKOFF"),
		},

		Timeouts: TimeoutConfig{
			Connect: v.GetDuration("CONNECT_TIMEOUT"),
			Stream:  v.GetDuration("STREAM_TIMEOUT"),
		},

		HealthInterval: v.GetDuration("HEALTH_INTERVAL"),
		MediaRoot:      v.GetString("MEDIA_ROOT"),
	}
	for _, id := range ProviderIDs {
		prefix := strings.ToUpper(id)
		cfg.Providers[id] = ProviderConfig{
			APIKey:  v.GetString(prefix + "_API_KEY"),
			BaseURL: v.GetString(prefix + "_BASE_URL"),
		}
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if len(c.ConfiguredProviders()) == 0 {
		return fmt.Errorf(
			"config: at least one provider is required " +
				"(OPENAI_API_KEY, GROQ_API_KEY, OPENROUTER_API_KEY, DEEPSEEK_API_KEY, " +
				"RUNPOD_API_KEY, or VLLM_BASE_URL / OLLAMA_BASE_URL for self-hosted backends)",
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	switch c.CredentialUsage {
	case "none":
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("config: REDIS_URL is required when CREDENTIAL_USAGE=redis")
		}
	default:
		return fmt.Errorf(
			"config: invalid CREDENTIAL_USAGE %q; must be one of: none, redis",
			c.CredentialUsage,
		)
	}

	if c.RateLimit.RPMLimit < 0 {
		return fmt.Errorf("config: RPM_LIMIT must be ≥ 0, got %d", c.RateLimit.RPMLimit)
	}
	if c.RateLimit.RPMLimit > 0 && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when RPM_LIMIT > 0")
	}

	if c.Batch.Concurrency < 1 {
		return fmt.Errorf("config: BATCH_CONCURRENCY must be ≥ 1, got %d", c.Batch.Concurrency)
	}
	if c.Batch.TranscriptionConcurrency < 1 {
		return fmt.Errorf("config: TRANSCRIPTION_CONCURRENCY must be ≥ 1, got %d", c.Batch.TranscriptionConcurrency)
	}
	if c.Batch.MaxAttempts < 1 {
		return fmt.Errorf("config: MAX_ATTEMPTS must be ≥ 1, got %d", c.Batch.MaxAttempts)
	}
	if c.Batch.RetryBackoff <= 0 {
		return fmt.Errorf("config: RETRY_BACKOFF must be a positive duration")
	}
	if c.Timeouts.Connect <= 0 || c.Timeouts.Stream <= 0 {
		return fmt.Errorf("config: CONNECT_TIMEOUT and STREAM_TIMEOUT must be positive durations")
	}
	if c.HealthInterval <= 0 {
		return fmt.Errorf("config: HEALTH_INTERVAL must be a positive duration")
	}

	return nil
}

// ConfiguredProviders returns the ids of providers with a key or endpoint, in
// ProviderIDs order.
func (c *Config) ConfiguredProviders() []string {
	var out []string
	for _, id := range ProviderIDs {
		if c.Providers[id].Configured() {
			out = append(out, id)
		}
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
