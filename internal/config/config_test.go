package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != "8080" || cfg.GRPCPort != "9090" {
		t.Errorf("ports = %s/%s, want 8080/9090", cfg.Port, cfg.GRPCPort)
	}
	if cfg.ShellBackend != BackendLocal {
		t.Errorf("ShellBackend = %q, want local", cfg.ShellBackend)
	}
	if cfg.IdleTimeout != 5*time.Minute || cfg.GraceWindow != 5*time.Minute {
		t.Errorf("timeouts = %v/%v, want 5m/5m", cfg.IdleTimeout, cfg.GraceWindow)
	}
	if cfg.ReaperInterval != time.Minute {
		t.Errorf("ReaperInterval = %v, want 1m", cfg.ReaperInterval)
	}
	if cfg.HistoryRetention != 168*time.Hour {
		t.Errorf("HistoryRetention = %v, want 168h", cfg.HistoryRetention)
	}
	if cfg.ParserMaxPendingBytes != 262144 || cfg.DetachedBacklog != 1024 {
		t.Errorf("limits = %d/%d", cfg.ParserMaxPendingBytes, cfg.DetachedBacklog)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("IDLE_TIMEOUT", "90s")
	t.Setenv("SHELL_BACKEND", "docker")
	t.Setenv("DOCKER_CONTAINER", "sandbox")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "9000" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.IdleTimeout != 90*time.Second {
		t.Errorf("IdleTimeout = %v", cfg.IdleTimeout)
	}
	if cfg.DockerContainer != "sandbox" || cfg.DockerUser != "1000" {
		t.Errorf("docker = %q as %q", cfg.DockerContainer, cfg.DockerUser)
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Errorf("SlogLevel() = %v, want debug", cfg.SlogLevel())
	}
}

func TestLoad_BadDuration(t *testing.T) {
	t.Setenv("GRACE_WINDOW", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("Load() accepted an unparseable duration")
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Port:             "8080",
			DBPath:           "gateway.db",
			LogLevel:         "info",
			ShellBackend:     BackendLocal,
			IdleTimeout:      time.Minute,
			ReaperInterval:   time.Minute,
			GraceWindow:      time.Minute,
			HistoryRetention: time.Hour,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"empty port", func(c *Config) { c.Port = "" }, "PORT"},
		{"empty db path", func(c *Config) { c.DBPath = "" }, "DB_PATH"},
		{"unknown backend", func(c *Config) { c.ShellBackend = "ssh" }, "SHELL_BACKEND"},
		{"docker without container", func(c *Config) { c.ShellBackend = BackendDocker }, "DOCKER_CONTAINER"},
		{"zero idle timeout", func(c *Config) { c.IdleTimeout = 0 }, "IDLE_TIMEOUT"},
		{"zero grace", func(c *Config) { c.GraceWindow = 0 }, "GRACE_WINDOW"},
		{"negative backlog", func(c *Config) { c.DetachedBacklog = -1 }, "DETACHED_BACKLOG"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "LOG_LEVEL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestIsDevelopment(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"", true},
		{"http://localhost:5173", true},
		{"http://127.0.0.1:3000", true},
		{"https://shell.example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			c := &Config{FrontendURL: tt.url}
			if got := c.IsDevelopment(); got != tt.want {
				t.Errorf("IsDevelopment() = %v, want %v", got, tt.want)
			}
		})
	}
}
