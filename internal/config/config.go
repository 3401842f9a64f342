// Package config loads and validates the recipegate configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the RGT_ prefix (e.g., RGT_STORE_BACKEND
// overrides store.backend in the YAML). This layering allows the same binary to
// run with a config.yaml in local development and with pure environment variables
// in containerized deployments — no recompilation or different binaries needed.
//
// The AUTH_JWT_SECRET variable has no RGT_ prefix because it may be injected by
// infrastructure tooling (e.g., Kubernetes secrets, Vault agent) that does not
// know the application-specific prefix and treats it as a generic secret name.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Payments  PaymentsConfig  `mapstructure:"payments"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Gating    GatingConfig    `mapstructure:"gating"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// StoreConfig selects and configures the persistent key/value backend
type StoreConfig struct {
	// Backend is one of "redis", "postgres", "file"
	Backend  string              `mapstructure:"backend"`
	Redis    RedisStoreConfig    `mapstructure:"redis"`
	Postgres PostgresStoreConfig `mapstructure:"postgres"`
	File     FileStoreConfig     `mapstructure:"file"`
}

// RedisStoreConfig holds connection settings for the Redis backend
type RedisStoreConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PostgresStoreConfig holds connection settings for the Postgres backend
type PostgresStoreConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Name           string `mapstructure:"name"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	SSLMode        string `mapstructure:"ssl_mode"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// GetDSN returns the PostgreSQL connection string
func (c *PostgresStoreConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// FileStoreConfig holds settings for the development file-mirrored backend
type FileStoreConfig struct {
	// Path is the single JSON document every mutation is mirrored to.
	// Development only: the file backend is not safe to share across processes.
	Path string `mapstructure:"path"`
}

// PaymentsConfig holds settings for calls to external payment issuers
type PaymentsConfig struct {
	// RequestTimeout bounds every invoice-issuance and secret-fetch call so a
	// stalled issuer cannot hang the payment flow indefinitely.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig holds bearer-token authentication configuration
type AuthConfig struct {
	// JWTSecret signs and validates HS256 identity tokens. Required.
	JWTSecret string `mapstructure:"jwt_secret"`
	// TokenTTL is the lifetime of tokens minted by the token helper.
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

// GatingConfig holds gating-service tunables
type GatingConfig struct {
	// LegacyPriceMigrated disables the legacy milli-unit price heuristic once
	// the operator has confirmed all pre-revision markers are migrated. Leave
	// false otherwise: markers created under the old display convention would
	// show thousand-fold prices.
	LegacyPriceMigrated bool `mapstructure:"legacy_price_migrated"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested
// structs during Unmarshal. viper.BindEnv only errors when called with zero
// keys; since every key here is a non-empty hardcoded string, any error
// indicates a programming bug and is surfaced to the caller.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.read_timeout",
		"server.write_timeout",

		// Store
		"store.backend",
		"store.redis.addr",
		"store.redis.password",
		"store.redis.db",
		"store.postgres.host",
		"store.postgres.port",
		"store.postgres.name",
		"store.postgres.user",
		"store.postgres.password",
		"store.postgres.ssl_mode",
		"store.postgres.max_connections",
		"store.file.path",

		// Payments
		"payments.request_timeout",

		// Auth
		"auth.jwt_secret",
		"auth.token_ttl",

		// Gating
		"gating.legacy_price_migrated",

		// Security
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.enabled",
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/recipegate")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("RGT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Store.Redis.Password = os.ExpandEnv(cfg.Store.Redis.Password)
	cfg.Store.Postgres.Password = os.ExpandEnv(cfg.Store.Postgres.Password)
	cfg.Auth.JWTSecret = os.ExpandEnv(cfg.Auth.JWTSecret)

	// Infrastructure-injected secret takes precedence over file and prefix vars
	if s := os.Getenv("AUTH_JWT_SECRET"); s != "" {
		cfg.Auth.JWTSecret = s
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// Store defaults — the file backend works with zero provisioning, so a
	// bare binary is usable for local development out of the box.
	v.SetDefault("store.backend", "file")
	v.SetDefault("store.file.path", "./data/recipegate.json")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.postgres.host", "localhost")
	v.SetDefault("store.postgres.port", 5432)
	v.SetDefault("store.postgres.name", "recipegate")
	v.SetDefault("store.postgres.user", "recipegate")
	v.SetDefault("store.postgres.ssl_mode", "require")
	v.SetDefault("store.postgres.max_connections", 25)

	// Payments defaults
	v.SetDefault("payments.request_timeout", "30s")

	// Auth defaults
	v.SetDefault("auth.token_ttl", "24h")

	// Gating defaults
	v.SetDefault("gating.legacy_price_migrated", false)

	// Security defaults
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 120)
	v.SetDefault("security.rate_limiting.burst", 20)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "recipegate")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}

	validBackends := map[string]bool{"redis": true, "postgres": true, "file": true}
	if !validBackends[c.Store.Backend] {
		return fmt.Errorf("invalid store backend: %s (must be redis, postgres, or file)", c.Store.Backend)
	}

	if c.Store.Backend == "redis" && c.Store.Redis.Addr == "" {
		return fmt.Errorf("store.redis.addr is required when using the redis backend")
	}
	if c.Store.Backend == "postgres" {
		if c.Store.Postgres.Host == "" {
			return fmt.Errorf("store.postgres.host is required when using the postgres backend")
		}
		if c.Store.Postgres.Name == "" {
			return fmt.Errorf("store.postgres.name is required when using the postgres backend")
		}
		if c.Store.Postgres.User == "" {
			return fmt.Errorf("store.postgres.user is required when using the postgres backend")
		}
	}
	if c.Store.Backend == "file" && c.Store.File.Path == "" {
		return fmt.Errorf("store.file.path is required when using the file backend")
	}

	if c.Payments.RequestTimeout <= 0 {
		return fmt.Errorf("payments.request_timeout must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
