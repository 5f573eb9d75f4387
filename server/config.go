package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/Baanaaana/labelberry/common/config"
)

// Config is the server configuration, loaded from labelberry-server.toml with
// environment variable overrides.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Auth      AuthConfig      `toml:"auth"`
	Dispatch  DispatchConfig  `toml:"dispatch"`
	Retention RetentionConfig `toml:"retention"`
	Bus       BusConfig       `toml:"bus"`
	Logging   LoggingConfig   `toml:"logging"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

type DatabaseConfig struct {
	// URL selects the backend: postgres:// for PostgreSQL, a path (or
	// sqlite://path) for SQLite. Empty uses the default SQLite location.
	URL string `toml:"url"`
}

type AuthConfig struct {
	// AdminToken authorizes device registration and mutation endpoints.
	// UI session auth is handled by the reverse proxy in front of us.
	AdminToken string `toml:"admin_token"`
}

type DispatchConfig struct {
	DefaultDeadlineSecs     int `toml:"default_deadline_secs"`
	MaxDeadlineSecs         int `toml:"max_deadline_secs"`
	ProcessingExtensionSecs int `toml:"processing_extension_secs"`
	MaxWaiters              int `toml:"max_waiters"`
	OfflineQueueMax         int `toml:"offline_queue_max"`
}

type RetentionConfig struct {
	PayloadHours      int `toml:"payload_hours"`
	JobExpiryHours    int `toml:"job_expiry_hours"`
	SweepIntervalSecs int `toml:"sweep_interval_secs"`
}

type BusConfig struct {
	PingIntervalSecs     int `toml:"ping_interval_secs"`
	HeartbeatCadenceSecs int `toml:"heartbeat_cadence_secs"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
	Dir   string `toml:"dir"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Server:   ServerConfig{Host: "0.0.0.0", Port: 8080},
		Database: DatabaseConfig{},
		Dispatch: DispatchConfig{
			DefaultDeadlineSecs:     60,
			MaxDeadlineSecs:         300,
			ProcessingExtensionSecs: 30,
			MaxWaiters:              1000,
			OfflineQueueMax:         1000,
		},
		Retention: RetentionConfig{
			PayloadHours:      48,
			JobExpiryHours:    24,
			SweepIntervalSecs: 600,
		},
		Bus: BusConfig{
			PingIntervalSecs:     25,
			HeartbeatCadenceSecs: 60,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadConfig loads configuration from the given path (or the standard search
// chain when empty) and applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		found, _, err := config.FindConfigFile("labelberry-server.toml", "server")
		if err == nil {
			path = found
		}
	}
	if path != "" {
		if err := config.LoadTOML(path, cfg); err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("LABELBERRY_HTTP_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := envInt("LABELBERRY_HTTP_PORT"); v > 0 {
		cfg.Server.Port = v
	}
	if v := os.Getenv("LABELBERRY_ADMIN_TOKEN"); v != "" {
		cfg.Auth.AdminToken = v
	}
	if v := envInt("LABELBERRY_RETENTION_HOURS"); v > 0 {
		cfg.Retention.PayloadHours = v
	}
	if v := envInt("LABELBERRY_WAITER_DEADLINE_SECS"); v > 0 {
		cfg.Dispatch.DefaultDeadlineSecs = v
	}
	if v := envInt("LABELBERRY_MAX_WAITERS"); v > 0 {
		cfg.Dispatch.MaxWaiters = v
	}
	if v := os.Getenv("LABELBERRY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// Convenience duration accessors.

func (c *Config) DefaultDeadline() time.Duration {
	return time.Duration(c.Dispatch.DefaultDeadlineSecs) * time.Second
}

func (c *Config) MaxDeadline() time.Duration {
	return time.Duration(c.Dispatch.MaxDeadlineSecs) * time.Second
}

func (c *Config) ProcessingExtension() time.Duration {
	return time.Duration(c.Dispatch.ProcessingExtensionSecs) * time.Second
}

func (c *Config) HeartbeatCadence() time.Duration {
	return time.Duration(c.Bus.HeartbeatCadenceSecs) * time.Second
}

func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.Bus.PingIntervalSecs) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Retention.SweepIntervalSecs) * time.Second
}
