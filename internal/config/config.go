package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Execution modes accepted by the backend.
const (
	ModeLocal  = "local"
	ModeRemote = "remote"
)

// Config holds application configuration. Precedence: defaults, then the
// optional config file, then environment variables; command-line flags are
// applied last by the caller.
type Config struct {
	ServerURL      string        `yaml:"server_url"`      // ws:// or wss:// endpoint of the backend
	CachePath      string        `yaml:"cache_path"`      // SQLite file for persisted client state
	LogDir         string        `yaml:"log_dir"`         // rotated logs, traces and metrics
	ReconnectDelay time.Duration `yaml:"reconnect_delay"` // fixed delay before the single reconnect attempt
	ExecutionMode  string        `yaml:"execution_mode"`  // default mode for new sessions
	Debug          bool          `yaml:"debug"`
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".vibesync", "config.yaml")
}

// Load builds a Config from defaults, an optional yaml file, and
// environment variables. A missing file is not an error; an unreadable one
// is.
func Load(path string) (Config, error) {
	cfg := Config{
		ServerURL:      "ws://localhost:8400/socket",
		CachePath:      "vibesync.db",
		LogDir:         "logs",
		ReconnectDelay: 3 * time.Second,
		ExecutionMode:  ModeLocal,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg.ServerURL = envStr("VIBESYNC_SERVER_URL", cfg.ServerURL)
	cfg.CachePath = envStr("VIBESYNC_CACHE_PATH", cfg.CachePath)
	cfg.LogDir = envStr("VIBESYNC_LOG_DIR", cfg.LogDir)
	cfg.ReconnectDelay = envDuration("VIBESYNC_RECONNECT_DELAY", cfg.ReconnectDelay)
	cfg.ExecutionMode = envStr("VIBESYNC_EXECUTION_MODE", cfg.ExecutionMode)
	cfg.Debug = envBool("VIBESYNC_DEBUG", cfg.Debug)

	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if !strings.HasPrefix(c.ServerURL, "ws://") && !strings.HasPrefix(c.ServerURL, "wss://") {
		return fmt.Errorf("server_url must be a ws:// or wss:// URL, got %q", c.ServerURL)
	}
	if c.CachePath == "" {
		return fmt.Errorf("cache_path must not be empty")
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect_delay must be positive, got %s", c.ReconnectDelay)
	}
	if c.ExecutionMode != ModeLocal && c.ExecutionMode != ModeRemote {
		return fmt.Errorf("execution_mode must be %q or %q, got %q", ModeLocal, ModeRemote, c.ExecutionMode)
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
