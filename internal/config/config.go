// Package config loads and validates the license server configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the CV_ prefix (e.g., CV_DATABASE_HOST
// overrides database.host in the YAML). This layering allows the same binary to
// run with a config.yaml in local development and with pure environment variables
// in containerized deployments — no recompilation or different binaries needed.
//
// The SIGNING_SECRET variable has no CV_ prefix because it may be injected by
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
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Validation ValidationConfig `mapstructure:"validation"`
	Webhooks   WebhooksConfig   `mapstructure:"webhooks"`
	Wrapper    WrapperConfig    `mapstructure:"wrapper"`
	Security   SecurityConfig   `mapstructure:"security"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
	Audit      AuditConfig      `mapstructure:"audit"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	PublicURL    string        `mapstructure:"public_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// GetPublicURL returns the public-facing URL embedded into generated client
// wrappers. When server.public_url is set it is returned as-is; otherwise it
// falls back to server.base_url. The distinction matters in reverse-proxied
// deployments where the internal listen address differs from the URL compiled
// binaries must reach.
func (s *ServerConfig) GetPublicURL() string {
	if s.PublicURL != "" {
		return s.PublicURL
	}
	return s.BaseURL
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// AuthConfig holds authentication and response-signing configuration
type AuthConfig struct {
	// SigningSecret keys the HMAC over every validation response. It is never
	// transmitted to clients; only a server-side auditor holding it can verify
	// response signatures.
	SigningSecret string `mapstructure:"signing_secret"`
	// JWTExpiration is the lifetime of issued session tokens
	JWTExpiration time.Duration `mapstructure:"jwt_expiration"`
	// APIKeyPrefix prefixes every generated user API key (e.g. "cv_")
	APIKeyPrefix string `mapstructure:"api_key_prefix"`
	// EncryptionKey is the passphrase the webhook-secret cipher derives its
	// AES-256 key from. Empty disables at-rest encryption of webhook secrets.
	EncryptionKey string `mapstructure:"encryption_key"`
}

// ValidationConfig holds protocol parameters for the validation engine
type ValidationConfig struct {
	// ClockSkewWindow is the maximum |now - request.timestamp| accepted before a
	// request is rejected as stale (replay/clock-skew guard)
	ClockSkewWindow time.Duration `mapstructure:"clock_skew_window"`
}

// WebhooksConfig holds event delivery configuration
type WebhooksConfig struct {
	// DeliveryTimeout bounds each subscriber POST; a timeout is recorded as a
	// failed delivery, never raised to the event emitter
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
}

// WrapperConfig holds client wrapper generation configuration
type WrapperConfig struct {
	// ServerURL is the validation endpoint base URL baked into generated clients.
	// Empty means use server.public_url.
	ServerURL string `mapstructure:"server_url"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	TLS          TLSConfig          `mapstructure:"tls"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
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

// JobsConfig holds background job configuration
type JobsConfig struct {
	// ExpirySweepEnabled turns the license expiry sweeper on or off
	ExpirySweepEnabled bool `mapstructure:"expiry_sweep_enabled"`
	// ExpirySweepInterval is how often the sweeper scans for licenses that
	// expired since the previous sweep
	ExpirySweepInterval time.Duration `mapstructure:"expiry_sweep_interval"`
}

// AuditConfig holds security audit trail shipping configuration
type AuditConfig struct {
	File    AuditFileConfig    `mapstructure:"file"`
	Webhook AuditWebhookConfig `mapstructure:"webhook"`
}

// AuditFileConfig configures the append-only audit log file
type AuditFileConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// AuditWebhookConfig configures shipping audit entries to an external collector
type AuditWebhookConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested structs
// during Unmarshal. viper.BindEnv only errors when called with zero keys; since
// every key here is a non-empty hardcoded string, any error indicates a
// programming bug and is surfaced to the caller.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.public_url",
		"server.read_timeout",
		"server.write_timeout",

		// Auth
		"auth.signing_secret",
		"auth.jwt_expiration",
		"auth.api_key_prefix",
		"auth.encryption_key",

		// Validation protocol
		"validation.clock_skew_window",

		// Webhooks
		"webhooks.delivery_timeout",

		// Wrapper
		"wrapper.server_url",

		// Security
		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.enabled",
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",

		// Background jobs
		"jobs.expiry_sweep_enabled",
		"jobs.expiry_sweep_interval",

		// Audit trail
		"audit.file.enabled",
		"audit.file.path",
		"audit.file.max_size_mb",
		"audit.file.max_backups",
		"audit.webhook.enabled",
		"audit.webhook.url",
		"audit.webhook.timeout",
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

	// Set default values
	setDefaults(v)

	// Set config file path if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config.yaml in common locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/codevault")
	}

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	// Enable environment variable support
	v.SetEnvPrefix("CV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicitly bind environment variables for nested structures
	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	// Unmarshal configuration
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Auth.SigningSecret = expandEnv(cfg.Auth.SigningSecret)
	cfg.Auth.EncryptionKey = expandEnv(cfg.Auth.EncryptionKey)

	// SIGNING_SECRET and ENCRYPTION_KEY without a prefix win over everything,
	// for generic secret injectors that cannot use the CV_ naming scheme.
	if s := os.Getenv("SIGNING_SECRET"); s != "" {
		cfg.Auth.SigningSecret = s
	}
	if s := os.Getenv("ENCRYPTION_KEY"); s != "" {
		cfg.Auth.EncryptionKey = s
	}

	// Validate configuration
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
	v.SetDefault("server.public_url", "")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "codevault")
	v.SetDefault("database.user", "codevault")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Auth defaults
	v.SetDefault("auth.jwt_expiration", "24h")
	v.SetDefault("auth.api_key_prefix", "cv_")

	// Validation protocol defaults
	v.SetDefault("validation.clock_skew_window", "300s")

	// Webhook defaults
	v.SetDefault("webhooks.delivery_timeout", "10s")

	// Wrapper defaults
	v.SetDefault("wrapper.server_url", "")

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 60)
	v.SetDefault("security.rate_limiting.burst", 10)
	v.SetDefault("security.tls.enabled", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "codevault")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)

	// Background job defaults
	v.SetDefault("jobs.expiry_sweep_enabled", true)
	v.SetDefault("jobs.expiry_sweep_interval", "1h")

	// Audit trail defaults: off until a destination is configured
	v.SetDefault("audit.file.enabled", false)
	v.SetDefault("audit.file.path", "")
	v.SetDefault("audit.file.max_size_mb", 100)
	v.SetDefault("audit.file.max_backups", 5)
	v.SetDefault("audit.webhook.enabled", false)
	v.SetDefault("audit.webhook.url", "")
	v.SetDefault("audit.webhook.timeout", "10s")
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}

	// Validate database
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	// Validate protocol windows
	if c.Validation.ClockSkewWindow <= 0 {
		return fmt.Errorf("validation.clock_skew_window must be positive")
	}
	if c.Webhooks.DeliveryTimeout <= 0 {
		return fmt.Errorf("webhooks.delivery_timeout must be positive")
	}

	// Validate TLS if enabled
	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	// Validate logging level
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	// Validate background jobs
	if c.Jobs.ExpirySweepEnabled && c.Jobs.ExpirySweepInterval <= 0 {
		return fmt.Errorf("jobs.expiry_sweep_interval must be positive when the sweep is enabled")
	}

	// Validate audit destinations
	if c.Audit.File.Enabled && c.Audit.File.Path == "" {
		return fmt.Errorf("audit.file.path is required when the file shipper is enabled")
	}
	if c.Audit.Webhook.Enabled && c.Audit.Webhook.URL == "" {
		return fmt.Errorf("audit.webhook.url is required when the webhook shipper is enabled")
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetWrapperServerURL returns the URL generated client wrappers should call,
// preferring the explicit wrapper.server_url override.
func (c *Config) GetWrapperServerURL() string {
	if c.Wrapper.ServerURL != "" {
		return c.Wrapper.ServerURL
	}
	return c.Server.GetPublicURL()
}
