// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. PIPELINE_SERVER_PORT.
const EnvPrefix = "PIPELINE_"

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server" envPrefix:"SERVER_"`
	Identity      IdentityConfig      `yaml:"identity" envPrefix:"IDENTITY_"`
	Pipelines     PipelinesConfig     `yaml:"pipelines" envPrefix:"PIPELINES_"`
	Store         StoreConfig         `yaml:"store" envPrefix:"STORE_"`
	Automation    AutomationConfig    `yaml:"automation" envPrefix:"AUTOMATION_"`
	Notification  NotificationConfig  `yaml:"notification" envPrefix:"NOTIFICATION_"`
	Capability    CapabilityConfig    `yaml:"capability" envPrefix:"CAPABILITY_"`
	Observability ObservabilityConfig `yaml:"observability" envPrefix:"OBSERVABILITY_"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout" env:"HANDLER_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// IdentityConfig describes JWT verification settings.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer" env:"ISSUER"`
	Audience     string            `yaml:"audience" env:"AUDIENCE"`
	JWKSURL      string            `yaml:"jwks_url" env:"JWKS_URL"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl" env:"JWKS_CACHE_TTL"`
	Algorithms   []string          `yaml:"algorithms" env:"ALGORITHMS"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// PipelinesConfig describes where tenant pipeline definitions live.
type PipelinesConfig struct {
	Directories    []string      `yaml:"directories" env:"DIRECTORIES"`
	HotReload      bool          `yaml:"hot_reload" env:"HOT_RELOAD"`
	ReloadDebounce time.Duration `yaml:"reload_debounce" env:"RELOAD_DEBOUNCE"`
}

// StoreConfig describes card persistence.
type StoreConfig struct {
	Driver          string        `yaml:"driver" env:"DRIVER"`
	DSNEnv          string        `yaml:"dsn_env" env:"DSN_ENV"`
	SQLitePath      string        `yaml:"sqlite_path" env:"SQLITE_PATH"`
	AutoMigrate     bool          `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// AutomationConfig describes the background sweep.
type AutomationConfig struct {
	Enabled            bool          `yaml:"enabled" env:"ENABLED"`
	SweepInterval      time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	SweepTimeout       time.Duration `yaml:"sweep_timeout" env:"SWEEP_TIMEOUT"`
	MaxParallelTenants int           `yaml:"max_parallel_tenants" env:"MAX_PARALLEL_TENANTS"`
	Lock               LockConfig    `yaml:"lock" envPrefix:"LOCK_"`
	ConflictRetry      RetryConfig   `yaml:"conflict_retry" envPrefix:"CONFLICT_RETRY_"`
}

// LockConfig describes the per-tenant sweep lock.
type LockConfig struct {
	Driver    string        `yaml:"driver" env:"DRIVER"`
	AddrEnv   string        `yaml:"addr_env" env:"ADDR_ENV"`
	DB        int           `yaml:"db" env:"DB"`
	TTL       time.Duration `yaml:"ttl" env:"TTL"`
	KeyPrefix string        `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// RetryConfig describes a bounded exponential backoff.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BackoffInitial time.Duration `yaml:"backoff_initial" env:"BACKOFF_INITIAL"`
	BackoffMax     time.Duration `yaml:"backoff_max" env:"BACKOFF_MAX"`
}

// NotificationConfig describes where flag notifications are delivered.
type NotificationConfig struct {
	Driver          string        `yaml:"driver" env:"DRIVER"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout" env:"DELIVERY_TIMEOUT"`
	Webhook         WebhookConfig `yaml:"webhook" envPrefix:"WEBHOOK_"`
	Redis           RedisStream   `yaml:"redis" envPrefix:"REDIS_"`
}

// WebhookConfig describes HTTP notification delivery.
type WebhookConfig struct {
	URL            string               `yaml:"url" env:"URL"`
	Timeout        time.Duration        `yaml:"timeout" env:"TIMEOUT"`
	Retry          RetryConfig          `yaml:"retry" envPrefix:"RETRY_"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" envPrefix:"CIRCUIT_BREAKER_"`
}

// CircuitBreakerConfig describes circuit breaker thresholds.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	SuccessThreshold int           `yaml:"success_threshold" env:"SUCCESS_THRESHOLD"`
	Timeout          time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// RedisStream describes notification delivery onto a Redis stream.
type RedisStream struct {
	AddrEnv string `yaml:"addr_env" env:"ADDR_ENV"`
	DB      int    `yaml:"db" env:"DB"`
	Stream  string `yaml:"stream" env:"STREAM"`
	MaxLen  int64  `yaml:"max_len" env:"MAX_LEN"`
}

// CapabilityConfig describes authorization settings.
type CapabilityConfig struct {
	StaticPolicyFile string        `yaml:"static_policy_file" env:"STATIC_POLICY_FILE"`
	CacheTTL         time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level" env:"LOG_LEVEL"`
	Tracing  TracingConfig `yaml:"tracing" envPrefix:"TRACING_"`
	Metrics  MetricsConfig `yaml:"metrics" envPrefix:"METRICS_"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	Exporter     string  `yaml:"exporter" env:"EXPORTER"`
	Endpoint     string  `yaml:"endpoint" env:"ENDPOINT"`
	SamplingRate float64 `yaml:"sampling_rate" env:"SAMPLING_RATE"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Path    string `yaml:"path" env:"PATH"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			HandlerTimeout:  10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"tenant_id":  "tenant_id",
				"email":      "email",
				"roles":      "roles",
			},
		},
		Pipelines: PipelinesConfig{
			Directories:    []string{"/pipelines"},
			ReloadDebounce: 500 * time.Millisecond,
		},
		Store: StoreConfig{
			Driver:          "memory",
			AutoMigrate:     true,
			MaxOpenConns:    20,
			MaxIdleConns:    4,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Automation: AutomationConfig{
			Enabled:            true,
			SweepInterval:      5 * time.Minute,
			MaxParallelTenants: 4,
			Lock: LockConfig{
				Driver:    "memory",
				TTL:       10 * time.Minute,
				KeyPrefix: "pipeline:sweep:",
			},
			ConflictRetry: RetryConfig{
				MaxAttempts:    2,
				BackoffInitial: 20 * time.Millisecond,
				BackoffMax:     200 * time.Millisecond,
			},
		},
		Notification: NotificationConfig{
			Driver:          "log",
			DeliveryTimeout: 5 * time.Second,
			Webhook: WebhookConfig{
				Timeout: 5 * time.Second,
				Retry: RetryConfig{
					MaxAttempts:    3,
					BackoffInitial: 100 * time.Millisecond,
					BackoffMax:     2 * time.Second,
				},
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					SuccessThreshold: 2,
					Timeout:          30 * time.Second,
				},
			},
			Redis: RedisStream{
				Stream: "pipeline:notifications",
				MaxLen: 10000,
			},
		},
		Capability: CapabilityConfig{
			CacheTTL: 5 * time.Minute,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies PIPELINE_* environment overrides,
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overlays PIPELINE_* environment variables onto cfg. Unset
// variables leave the current value untouched.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}

var (
	storeDrivers        = map[string]bool{"memory": true, "postgres": true, "sqlite": true}
	lockDrivers         = map[string]bool{"memory": true, "redis": true}
	notificationDrivers = map[string]bool{"log": true, "webhook": true, "redis": true}
	tracingExporters    = map[string]bool{"otlp": true, "otlp-http": true, "stdout": true}
)

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.JWKSURL == "" {
		errs = append(errs, "identity.jwks_url is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	if len(c.Pipelines.Directories) == 0 {
		errs = append(errs, "pipelines.directories must list at least one directory")
	}

	if !storeDrivers[c.Store.Driver] {
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of memory, postgres, sqlite", c.Store.Driver))
	}
	if c.Store.Driver == "postgres" && c.Store.DSNEnv == "" {
		errs = append(errs, "store.dsn_env is required for the postgres driver")
	}
	if c.Store.Driver == "sqlite" && c.Store.SQLitePath == "" {
		errs = append(errs, "store.sqlite_path is required for the sqlite driver")
	}

	if c.Automation.Enabled {
		if c.Automation.SweepInterval <= 0 {
			errs = append(errs, "automation.sweep_interval must be positive")
		}
		if !lockDrivers[c.Automation.Lock.Driver] {
			errs = append(errs, fmt.Sprintf("automation.lock.driver %q is not one of memory, redis", c.Automation.Lock.Driver))
		}
		if c.Automation.Lock.Driver == "redis" && c.Automation.Lock.AddrEnv == "" {
			errs = append(errs, "automation.lock.addr_env is required for the redis lock")
		}
		if c.Automation.SweepTimeout > 0 && c.Automation.Lock.TTL <= c.Automation.SweepTimeout {
			errs = append(errs, "automation.lock.ttl must exceed automation.sweep_timeout")
		}
	}

	if !notificationDrivers[c.Notification.Driver] {
		errs = append(errs, fmt.Sprintf("notification.driver %q is not one of log, webhook, redis", c.Notification.Driver))
	}
	if c.Notification.Driver == "webhook" && c.Notification.Webhook.URL == "" {
		errs = append(errs, "notification.webhook.url is required for the webhook driver")
	}
	if c.Notification.Driver == "redis" && c.Notification.Redis.AddrEnv == "" {
		errs = append(errs, "notification.redis.addr_env is required for the redis driver")
	}

	if c.Observability.Tracing.Enabled && !tracingExporters[c.Observability.Tracing.Exporter] {
		errs = append(errs, fmt.Sprintf("observability.tracing.exporter %q is not supported", c.Observability.Tracing.Exporter))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
