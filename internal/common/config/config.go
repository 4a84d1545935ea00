// Package config provides configuration management for the agent session host.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the session host.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Host     HostConfig     `mapstructure:"host"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Events   EventsConfig   `mapstructure:"events"`
	EE       EEConfig       `mapstructure:"ee"`
	Profiles ProfilesConfig `mapstructure:"profiles"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// HostConfig holds the session-host supervision and buffering options.
type HostConfig struct {
	// MaxConcurrentSessions caps the number of loaded sessions; 0 means unlimited.
	MaxConcurrentSessions int `mapstructure:"maxConcurrentSessions"`

	// QueryQueueDepth is the per-session query queue depth before Busy.
	QueryQueueDepth int `mapstructure:"queryQueueDepth"`

	// CancelInFlightOnEnqueue cancels the active query when a new one arrives
	// instead of rejecting the new one with Busy.
	CancelInFlightOnEnqueue bool `mapstructure:"cancelInFlightOnEnqueue"`

	// HealthCheckInterval is the execution-environment probe interval; 0 disables.
	HealthCheckInterval time.Duration `mapstructure:"healthCheckInterval"`

	// MaxRestarts is the execution-environment restart budget per loaded lifetime.
	MaxRestarts int `mapstructure:"maxRestarts"`

	// HardCancelTimeout is the grace period after cancel before force kill.
	HardCancelTimeout time.Duration `mapstructure:"hardCancelTimeout"`

	// ShutdownGrace is the per-session grace period on host shutdown.
	ShutdownGrace time.Duration `mapstructure:"shutdownGrace"`

	// DebugEventBuffer and SessionLogBuffer are the ring sizes kept per session.
	DebugEventBuffer int `mapstructure:"debugEventBuffer"`
	SessionLogBuffer int `mapstructure:"sessionLogBuffer"`

	// SubagentPromptCacheSize bounds the Claude-SDK subagent prompt filter.
	SubagentPromptCacheSize int `mapstructure:"subagentPromptCacheSize"`

	// SubscriberOutboundQueue is the per-client outbound queue size before the
	// client is dropped as slow.
	SubscriberOutboundQueue int `mapstructure:"subscriberOutboundQueue"`
}

// StorageConfig selects and configures the persistence adapter.
type StorageConfig struct {
	Driver   string         `mapstructure:"driver"` // memory, sqlite, postgres
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// SQLiteConfig holds SQLite storage configuration.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig holds PostgreSQL connection configuration.
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// EventsConfig selects and configures the event bus.
type EventsConfig struct {
	Driver string     `mapstructure:"driver"` // memory, nats
	NATS   NATSConfig `mapstructure:"nats"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EEConfig selects and configures the execution-environment driver.
type EEConfig struct {
	Driver string `mapstructure:"driver"` // local, docker, sprites

	// WorkspaceBasePath is where per-session workspaces are created.
	WorkspaceBasePath string `mapstructure:"workspaceBasePath"`

	Docker  DockerConfig  `mapstructure:"docker"`
	Sprites SpritesConfig `mapstructure:"sprites"`
}

// DockerConfig holds Docker execution-environment configuration.
type DockerConfig struct {
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	Image          string `mapstructure:"image"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	AutoRemove     bool   `mapstructure:"autoRemove"`
}

// SpritesConfig holds remote sandbox configuration.
type SpritesConfig struct {
	Token         string `mapstructure:"token"`
	NamePrefix    string `mapstructure:"namePrefix"`
	WorkspacePath string `mapstructure:"workspacePath"`
}

// ProfilesConfig locates agent profile definitions on disk.
type ProfilesConfig struct {
	Dir string `mapstructure:"dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OpenTelemetry trace export configuration.
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Endpoint   string  `mapstructure:"endpoint"`
	Insecure   bool    `mapstructure:"insecure"`
	SampleRate float64 `mapstructure:"sampleRate"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("AGENTHOST_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Host defaults
	v.SetDefault("host.maxConcurrentSessions", 0) // unlimited
	v.SetDefault("host.queryQueueDepth", 1)
	v.SetDefault("host.cancelInFlightOnEnqueue", false)
	v.SetDefault("host.healthCheckInterval", "30s")
	v.SetDefault("host.maxRestarts", 2)
	v.SetDefault("host.hardCancelTimeout", "10s")
	v.SetDefault("host.shutdownGrace", "5s")
	v.SetDefault("host.debugEventBuffer", 100)
	v.SetDefault("host.sessionLogBuffer", 500)
	v.SetDefault("host.subagentPromptCacheSize", 100)
	v.SetDefault("host.subscriberOutboundQueue", 1024)

	// Storage defaults - in-memory unless configured otherwise
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.sqlite.path", "agenthost.db")
	v.SetDefault("storage.postgres.host", "")
	v.SetDefault("storage.postgres.port", 5432)
	v.SetDefault("storage.postgres.user", "agenthost")
	v.SetDefault("storage.postgres.password", "")
	v.SetDefault("storage.postgres.dbName", "agenthost")
	v.SetDefault("storage.postgres.sslMode", "disable")
	v.SetDefault("storage.postgres.maxConns", 25)
	v.SetDefault("storage.postgres.minConns", 5)

	// Events defaults - empty NATS URL means use in-memory event bus
	v.SetDefault("events.driver", "memory")
	v.SetDefault("events.nats.url", "")
	v.SetDefault("events.nats.clientId", "agenthost")
	v.SetDefault("events.nats.maxReconnects", 10)

	// Execution-environment defaults
	v.SetDefault("ee.driver", "local")
	v.SetDefault("ee.workspaceBasePath", "~/.agenthost/workspaces")
	v.SetDefault("ee.docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("ee.docker.apiVersion", "1.41")
	v.SetDefault("ee.docker.image", "agenthost/runner:latest")
	v.SetDefault("ee.docker.defaultNetwork", "bridge")
	v.SetDefault("ee.docker.autoRemove", true)
	v.SetDefault("ee.sprites.token", "")
	v.SetDefault("ee.sprites.namePrefix", "agenthost-")
	v.SetDefault("ee.sprites.workspacePath", "/workspace")

	// Profiles defaults
	v.SetDefault("profiles.dir", "./profiles")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sampleRate", 1.0)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTHOST_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/agenthost/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENTHOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("host.maxConcurrentSessions", "AGENTHOST_HOST_MAX_CONCURRENT_SESSIONS")
	_ = v.BindEnv("host.queryQueueDepth", "AGENTHOST_HOST_QUERY_QUEUE_DEPTH")
	_ = v.BindEnv("ee.workspaceBasePath", "AGENTHOST_EE_WORKSPACE_BASE_PATH")
	_ = v.BindEnv("ee.sprites.token", "SPRITES_TOKEN", "AGENTHOST_EE_SPRITES_TOKEN")
	_ = v.BindEnv("storage.sqlite.path", "AGENTHOST_STORAGE_SQLITE_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agenthost/")

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
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Host validation
	if cfg.Host.MaxConcurrentSessions < 0 {
		errs = append(errs, "host.maxConcurrentSessions must be >= 0")
	}
	if cfg.Host.QueryQueueDepth < 1 {
		errs = append(errs, "host.queryQueueDepth must be >= 1")
	}
	if cfg.Host.MaxRestarts < 0 {
		errs = append(errs, "host.maxRestarts must be >= 0")
	}
	if cfg.Host.HealthCheckInterval < 0 {
		errs = append(errs, "host.healthCheckInterval must be >= 0 (0 disables probes)")
	}
	if cfg.Host.DebugEventBuffer <= 0 || cfg.Host.SessionLogBuffer <= 0 {
		errs = append(errs, "host.debugEventBuffer and host.sessionLogBuffer must be positive")
	}
	if cfg.Host.SubagentPromptCacheSize <= 0 {
		errs = append(errs, "host.subagentPromptCacheSize must be positive")
	}
	if cfg.Host.SubscriberOutboundQueue <= 0 {
		errs = append(errs, "host.subscriberOutboundQueue must be positive")
	}

	// Storage validation
	switch cfg.Storage.Driver {
	case "memory":
	case "sqlite":
		if cfg.Storage.SQLite.Path == "" {
			errs = append(errs, "storage.sqlite.path is required when storage.driver is sqlite")
		}
	case "postgres":
		if cfg.Storage.Postgres.Host == "" {
			errs = append(errs, "storage.postgres.host is required when storage.driver is postgres")
		}
		if cfg.Storage.Postgres.User == "" {
			errs = append(errs, "storage.postgres.user is required when storage.driver is postgres")
		}
		if cfg.Storage.Postgres.DBName == "" {
			errs = append(errs, "storage.postgres.dbName is required when storage.driver is postgres")
		}
	default:
		errs = append(errs, "storage.driver must be one of: memory, sqlite, postgres")
	}

	// Events validation
	switch cfg.Events.Driver {
	case "memory":
	case "nats":
		if cfg.Events.NATS.URL == "" {
			errs = append(errs, "events.nats.url is required when events.driver is nats")
		}
	default:
		errs = append(errs, "events.driver must be one of: memory, nats")
	}

	// Execution-environment validation
	switch cfg.EE.Driver {
	case "local", "docker":
	case "sprites":
		if cfg.EE.Sprites.Token == "" {
			errs = append(errs, "ee.sprites.token is required when ee.driver is sprites")
		}
	default:
		errs = append(errs, "ee.driver must be one of: local, docker, sprites")
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

// DSN returns the PostgreSQL connection string.
func (d *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
