// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Shell backends.
const (
	BackendLocal  = "local"
	BackendDocker = "docker"
)

// Config holds all application configuration.
type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	GRPCPort    string `envconfig:"GRPC_PORT" default:"9090"`
	FrontendURL string `envconfig:"FRONTEND_URL"`
	DBPath      string `envconfig:"DB_PATH" default:"./data/gateway.db"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	ShellBackend    string `envconfig:"SHELL_BACKEND" default:"local"`
	ShellDir        string `envconfig:"SHELL_DIR"`
	DockerContainer string `envconfig:"DOCKER_CONTAINER"`
	DockerUser      string `envconfig:"DOCKER_USER" default:"1000"`

	IdleTimeout      time.Duration `envconfig:"IDLE_TIMEOUT" default:"5m"`
	ReaperInterval   time.Duration `envconfig:"REAPER_INTERVAL" default:"1m"`
	GraceWindow      time.Duration `envconfig:"GRACE_WINDOW" default:"5m"`
	HistoryRetention time.Duration `envconfig:"HISTORY_RETENTION" default:"168h"`

	ParserMaxPendingBytes int `envconfig:"PARSER_MAX_PENDING_BYTES" default:"262144"`
	DetachedBacklog       int `envconfig:"DETACHED_BACKLOG" default:"1024"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return errors.New("DB_PATH cannot be empty")
	}
	switch c.ShellBackend {
	case BackendLocal:
	case BackendDocker:
		if c.DockerContainer == "" {
			return errors.New("DOCKER_CONTAINER is required when SHELL_BACKEND=docker")
		}
	default:
		return fmt.Errorf("SHELL_BACKEND must be %q or %q, got %q", BackendLocal, BackendDocker, c.ShellBackend)
	}
	if c.IdleTimeout <= 0 {
		return errors.New("IDLE_TIMEOUT must be > 0")
	}
	if c.ReaperInterval <= 0 {
		return errors.New("REAPER_INTERVAL must be > 0")
	}
	if c.GraceWindow <= 0 {
		return errors.New("GRACE_WINDOW must be > 0")
	}
	if c.HistoryRetention <= 0 {
		return errors.New("HISTORY_RETENTION must be > 0")
	}
	if c.ParserMaxPendingBytes < 0 {
		return errors.New("PARSER_MAX_PENDING_BYTES must be >= 0")
	}
	if c.DetachedBacklog < 0 {
		return errors.New("DETACHED_BACKLOG must be >= 0")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// SlogLevel returns the configured log level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	level, err := ParseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	// Check for .dockerenv file
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
