// Package config provides configuration management for the A2A core.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for an A2A node.
type Config struct {
	Identity     IdentityConfig     `mapstructure:"identity"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Messaging    MessagingConfig    `mapstructure:"messaging"`
	Discovery    DiscoveryConfig    `mapstructure:"discovery"`
	Transport    TransportConfig    `mapstructure:"transport"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// IdentityConfig holds identity storage configuration.
type IdentityConfig struct {
	StorageDir   string `mapstructure:"storageDir"`
	ValidityDays int    `mapstructure:"validityDays"`
}

// AuthConfig holds token issuance configuration.
type AuthConfig struct {
	SecretKey     string `mapstructure:"secretKey"` // auto-generated and persisted if empty
	Algorithm     string `mapstructure:"algorithm"`
	TokenLifetime int    `mapstructure:"tokenLifetime"` // in seconds
}

// MessagingConfig holds message queue configuration.
type MessagingConfig struct {
	QueueSize int `mapstructure:"queueSize"`
}

// DiscoveryConfig holds agent registry configuration.
type DiscoveryConfig struct {
	RegistryFile  string `mapstructure:"registryFile"`
	DefaultTTL    int    `mapstructure:"defaultTtl"`    // in seconds
	SweepInterval int    `mapstructure:"sweepInterval"` // in seconds
	MaxResults    int    `mapstructure:"maxResults"`
}

// TransportConfig holds transport layer configuration.
type TransportConfig struct {
	Protocol          string `mapstructure:"protocol"` // http2 or stream
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	SSLEnabled        bool   `mapstructure:"sslEnabled"`
	CertFile          string `mapstructure:"certFile"`
	KeyFile           string `mapstructure:"keyFile"`
	Timeout           int    `mapstructure:"timeout"` // in seconds
	MaxConnections    int    `mapstructure:"maxConnections"`
	HeartbeatInterval int    `mapstructure:"heartbeatInterval"` // in seconds
}

// OrchestratorConfig holds workflow executor configuration.
type OrchestratorConfig struct {
	AssignmentCycleMs int `mapstructure:"assignmentCycleMs"` // inner poll between assignment passes
	StallCycleMs      int `mapstructure:"stallCycleMs"`      // poll while waiting on running tasks
}

// NATSConfig holds NATS messaging configuration.
// An empty URL means the in-memory event bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DatabaseConfig holds the optional Postgres registry store configuration.
// An empty host means the JSON file store is used.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TokenLifetimeDuration returns the token lifetime as a time.Duration.
func (a *AuthConfig) TokenLifetimeDuration() time.Duration {
	return time.Duration(a.TokenLifetime) * time.Second
}

// DefaultTTLDuration returns the registry record TTL as a time.Duration.
func (d *DiscoveryConfig) DefaultTTLDuration() time.Duration {
	return time.Duration(d.DefaultTTL) * time.Second
}

// SweepIntervalDuration returns the sweeper interval as a time.Duration.
func (d *DiscoveryConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(d.SweepInterval) * time.Second
}

// TimeoutDuration returns the request timeout as a time.Duration.
func (t *TransportConfig) TimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// HeartbeatIntervalDuration returns the heartbeat interval as a time.Duration.
func (t *TransportConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(t.HeartbeatInterval) * time.Second
}

// AssignmentCycleDuration returns the assignment poll interval as a time.Duration.
func (o *OrchestratorConfig) AssignmentCycleDuration() time.Duration {
	return time.Duration(o.AssignmentCycleMs) * time.Millisecond
}

// StallCycleDuration returns the stall poll interval as a time.Duration.
func (o *OrchestratorConfig) StallCycleDuration() time.Duration {
	return time.Duration(o.StallCycleMs) * time.Millisecond
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("A2A_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Identity defaults
	v.SetDefault("identity.storageDir", "./identities")
	v.SetDefault("identity.validityDays", 365)

	// Auth defaults
	v.SetDefault("auth.secretKey", "")
	v.SetDefault("auth.algorithm", "HS256")
	v.SetDefault("auth.tokenLifetime", 3600) // 1 hour

	// Messaging defaults
	v.SetDefault("messaging.queueSize", 1000)

	// Discovery defaults
	v.SetDefault("discovery.registryFile", "agent_registry.json")
	v.SetDefault("discovery.defaultTtl", 300)
	v.SetDefault("discovery.sweepInterval", 60)
	v.SetDefault("discovery.maxResults", 50)

	// Transport defaults
	v.SetDefault("transport.protocol", "http2")
	v.SetDefault("transport.host", "127.0.0.1")
	v.SetDefault("transport.port", 8470)
	v.SetDefault("transport.sslEnabled", false)
	v.SetDefault("transport.certFile", "")
	v.SetDefault("transport.keyFile", "")
	v.SetDefault("transport.timeout", 30)
	v.SetDefault("transport.maxConnections", 100)
	v.SetDefault("transport.heartbeatInterval", 30)

	// Orchestrator defaults
	v.SetDefault("orchestrator.assignmentCycleMs", 500)
	v.SetDefault("orchestrator.stallCycleMs", 1000)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "a2a-node")
	v.SetDefault("nats.maxReconnects", 10)

	// Database defaults - empty host means use the JSON file registry store
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "a2a")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "a2a")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix A2A_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/a2a/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("A2A")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("identity.storageDir", "A2A_IDENTITY_STORAGE_DIR")
	_ = v.BindEnv("auth.secretKey", "A2A_AUTH_SECRET_KEY")
	_ = v.BindEnv("auth.tokenLifetime", "A2A_AUTH_TOKEN_LIFETIME")
	_ = v.BindEnv("discovery.registryFile", "A2A_DISCOVERY_REGISTRY_FILE")
	_ = v.BindEnv("transport.sslEnabled", "A2A_TRANSPORT_SSL_ENABLED")
	_ = v.BindEnv("transport.maxConnections", "A2A_TRANSPORT_MAX_CONNECTIONS")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/a2a/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Identity.ValidityDays <= 0 {
		errs = append(errs, "identity.validityDays must be positive")
	}

	if cfg.Auth.Algorithm != "HS256" {
		errs = append(errs, "auth.algorithm must be HS256")
	}
	if cfg.Auth.TokenLifetime <= 0 {
		errs = append(errs, "auth.tokenLifetime must be positive")
	}

	if cfg.Messaging.QueueSize <= 0 {
		errs = append(errs, "messaging.queueSize must be positive")
	}

	if cfg.Discovery.DefaultTTL <= 0 {
		errs = append(errs, "discovery.defaultTtl must be positive")
	}
	if cfg.Discovery.SweepInterval <= 0 {
		errs = append(errs, "discovery.sweepInterval must be positive")
	}

	if cfg.Transport.Protocol != "http2" && cfg.Transport.Protocol != "stream" {
		errs = append(errs, "transport.protocol must be one of: http2, stream")
	}
	if cfg.Transport.Port <= 0 || cfg.Transport.Port > 65535 {
		errs = append(errs, "transport.port must be between 1 and 65535")
	}
	if cfg.Transport.SSLEnabled {
		if cfg.Transport.CertFile == "" || cfg.Transport.KeyFile == "" {
			errs = append(errs, "transport.certFile and transport.keyFile are required when transport.sslEnabled is set")
		}
	}

	// Database validation - only if host is set (optional for file store mode)
	if cfg.Database.Host != "" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.host is set")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.host is set")
		}
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
