// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file, and a .env file is loaded into the
// process environment first when present.
//
// Every knob has a default; nothing is strictly required for boot. Provider
// records and API keys are created through the admin surface at runtime, so a
// freshly started gateway is valid but empty.
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

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Environment names the deployment environment: development, staging,
	// production. The in-memory secrets store refuses to run in production.
	// Default: development.
	Environment string

	// MasterKey seals secrets at rest (AES-256-GCM). Any non-empty string;
	// it is hashed to key size. Default: a development-only constant.
	MasterKey string

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// Redis holds the connection URL for the redis-backed secrets store and
	// rate limiter. Required only when a redis mode is selected.
	Redis RedisConfig

	// Secrets selects the secrets backend.
	Secrets SecretsConfig

	// Credentials controls the credential cache.
	Credentials CredentialsConfig

	// RateLimit selects the rate limiter backend.
	RateLimit RateLimitConfig

	// CircuitBreaker controls per-provider circuit breaker settings.
	CircuitBreaker CircuitBreakerConfig

	// Health controls the provider health monitor.
	Health HealthConfig

	// Sandbox controls docker sandboxing for spawn-cli providers.
	Sandbox SandboxConfig

	// Dispatch controls the failover loop.
	Dispatch DispatchConfig
}

// RedisConfig holds the Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// SecretsConfig selects the secrets backend.
type SecretsConfig struct {
	// Mode selects the backend:
	//   "memory" — in-process encrypted store. Dev only; refused in production.
	//   "redis"  — redis-backed store, values sealed before write.
	// Default: "memory".
	Mode string
}

// CredentialsConfig controls the credential cache in front of the secrets store.
type CredentialsConfig struct {
	// CacheSize is the LRU capacity. Default: 256.
	CacheSize int

	// CacheTTL is how long a cached credential stays valid. Default: 5m.
	CacheTTL time.Duration

	// EnvFallback allows PROVIDER_<ID>_<KEY> environment variables to answer
	// lookups when the secrets backend is unavailable. Default: false.
	EnvFallback bool
}

// RateLimitConfig selects the rate limiter backend. Per-key budgets live on
// the key records themselves.
type RateLimitConfig struct {
	// Mode selects the backend:
	//   "memory" — per-process sliding windows. Correct for one replica.
	//   "redis"  — shared Lua-scripted windows for multi-replica deployments.
	// Default: "memory".
	Mode string
}

// CircuitBreakerConfig controls per-provider circuit breaker settings.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trip the
	// breaker. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 5m.
	ResetTimeout time.Duration
}

// HealthConfig controls the provider health monitor.
type HealthConfig struct {
	// Interval between probe sweeps. Default: 30s.
	Interval time.Duration

	// Timeout bounds one probe. Default: 5s.
	Timeout time.Duration
}

// SandboxConfig controls docker sandboxing for spawn-cli providers.
type SandboxConfig struct {
	// Image is the default container image when a provider does not name one.
	Image string

	// MaxConcurrent is the sandbox execution ceiling. Default: 4.
	MaxConcurrent int

	// MaxQueue is the bounded wait queue behind the ceiling. Default: 16.
	MaxQueue int

	// MemoryLimit is the default docker memory limit, e.g. "512m".
	MemoryLimit string

	// CPULimit is the default docker --cpus value. Default: 1.0.
	CPULimit float64
}

// DispatchConfig controls the failover loop.
type DispatchConfig struct {
	// AttemptTimeout bounds each non-streaming upstream attempt. Default: 120s.
	AttemptTimeout time.Duration
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

	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("MASTER_KEY", "dyad-dev-master-key")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("SECRETS_MODE", "memory")
	v.SetDefault("RATELIMIT_MODE", "memory")

	v.SetDefault("CREDENTIAL_CACHE_SIZE", 256)
	v.SetDefault("CREDENTIAL_CACHE_TTL", "5m")
	v.SetDefault("CREDENTIAL_ENV_FALLBACK", false)

	v.SetDefault("CB_FAILURE_THRESHOLD", 5)
	v.SetDefault("CB_RESET_TIMEOUT", "5m")

	v.SetDefault("HEALTH_CHECK_INTERVAL", "30s")
	v.SetDefault("HEALTH_CHECK_TIMEOUT", "5s")

	v.SetDefault("SANDBOX_IMAGE", "")
	v.SetDefault("SANDBOX_MAX_CONCURRENT", 4)
	v.SetDefault("SANDBOX_MAX_QUEUE", 16)
	v.SetDefault("SANDBOX_MEMORY_LIMIT", "512m")
	v.SetDefault("SANDBOX_CPU_LIMIT", 1.0)

	v.SetDefault("ATTEMPT_TIMEOUT", "120s")

	cfg := &Config{
		Port:        v.GetInt("PORT"),
		LogLevel:    strings.ToLower(v.GetString("LOG_LEVEL")),
		Environment: strings.ToLower(v.GetString("ENVIRONMENT")),
		MasterKey:   v.GetString("MASTER_KEY"),
		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Secrets: SecretsConfig{
			Mode: strings.ToLower(v.GetString("SECRETS_MODE")),
		},

		Credentials: CredentialsConfig{
			CacheSize:   v.GetInt("CREDENTIAL_CACHE_SIZE"),
			CacheTTL:    v.GetDuration("CREDENTIAL_CACHE_TTL"),
			EnvFallback: v.GetBool("CREDENTIAL_ENV_FALLBACK"),
		},

		RateLimit: RateLimitConfig{
			Mode: strings.ToLower(v.GetString("RATELIMIT_MODE")),
		},

		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: v.GetInt("CB_FAILURE_THRESHOLD"),
			ResetTimeout:     v.GetDuration("CB_RESET_TIMEOUT"),
		},

		Health: HealthConfig{
			Interval: v.GetDuration("HEALTH_CHECK_INTERVAL"),
			Timeout:  v.GetDuration("HEALTH_CHECK_TIMEOUT"),
		},

		Sandbox: SandboxConfig{
			Image:         v.GetString("SANDBOX_IMAGE"),
			MaxConcurrent: v.GetInt("SANDBOX_MAX_CONCURRENT"),
			MaxQueue:      v.GetInt("SANDBOX_MAX_QUEUE"),
			MemoryLimit:   v.GetString("SANDBOX_MEMORY_LIMIT"),
			CPULimit:      v.GetFloat64("SANDBOX_CPU_LIMIT"),
		},

		Dispatch: DispatchConfig{
			AttemptTimeout: v.GetDuration("ATTEMPT_TIMEOUT"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	switch c.Environment {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("config: invalid ENVIRONMENT %q; must be one of: development, staging, production", c.Environment)
	}

	switch c.Secrets.Mode {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: invalid SECRETS_MODE %q; must be one of: memory, redis", c.Secrets.Mode)
	}
	if c.Secrets.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when SECRETS_MODE=redis")
	}
	if c.Secrets.Mode == "memory" && c.Environment == "production" {
		return fmt.Errorf("config: SECRETS_MODE=memory is not allowed in production; use redis")
	}

	switch c.RateLimit.Mode {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: invalid RATELIMIT_MODE %q; must be one of: memory, redis", c.RateLimit.Mode)
	}
	if c.RateLimit.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when RATELIMIT_MODE=redis")
	}

	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("config: CB_FAILURE_THRESHOLD must be >= 1, got %d", c.CircuitBreaker.FailureThreshold)
	}
	if c.CircuitBreaker.ResetTimeout <= 0 {
		return fmt.Errorf("config: CB_RESET_TIMEOUT must be a positive duration")
	}

	if c.Sandbox.MaxConcurrent < 1 {
		return fmt.Errorf("config: SANDBOX_MAX_CONCURRENT must be >= 1, got %d", c.Sandbox.MaxConcurrent)
	}
	if c.Sandbox.MaxQueue < 0 {
		return fmt.Errorf("config: SANDBOX_MAX_QUEUE must be >= 0, got %d", c.Sandbox.MaxQueue)
	}

	if c.Credentials.CacheSize < 1 {
		return fmt.Errorf("config: CREDENTIAL_CACHE_SIZE must be >= 1, got %d", c.Credentials.CacheSize)
	}

	return nil
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
