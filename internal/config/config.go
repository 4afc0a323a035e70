package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "workmesh.db"
	defaultQueueID    = "workmesh"

	envListenAddr = "WORKMESH_LISTEN_ADDR"
	envDBPath     = "WORKMESH_DB_PATH"
	envFabricPath = "WORKMESH_FABRIC_PATH"
	envQueueID    = "WORKMESH_QUEUE_ID"
	envBaseURL    = "WORKMESH_BASE_URL"
	envRunnerBin  = "WORKMESH_RUNNER_BIN"
	envLogLevel   = "WORKMESH_LOG_LEVEL"
	envConfigFile = "WORKMESH_CONFIG"
)

// Config holds application configuration. Values come from an optional YAML
// file, overridden by environment variables, over built-in defaults.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`

	// FabricPath is the SQLite queue fabric file shared with runner
	// subprocesses. Empty selects the in-memory fabric.
	FabricPath string `yaml:"fabric_path"`

	QueueID   string `yaml:"queue_id"`
	BaseURL   string `yaml:"base_url"`
	RunnerBin string `yaml:"runner_bin"`

	LogLevel slog.Level `yaml:"-"`

	// LogLevelName is the YAML-facing spelling of LogLevel.
	LogLevelName string `yaml:"log_level"`

	// Works declares the works the daemon registers at startup.
	Works []WorkConfig `yaml:"works"`
}

// WorkConfig declares one work served by the daemon: a name, the backend
// that hosts it, and the command its execution context runs.
type WorkConfig struct {
	Name    string   `yaml:"name"`
	Backend string   `yaml:"backend"`
	Command []string `yaml:"command"`
}

// Load reads configuration from the file named by WORKMESH_CONFIG (if set)
// and the environment, with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		QueueID:    defaultQueueID,
		LogLevel:   slog.LevelInfo,
	}

	if path := os.Getenv(envConfigFile); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return cfg, err
		}
	}
	cfg.loadEnv()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if c.LogLevelName != "" {
		c.LogLevel = ParseLogLevel(c.LogLevelName)
	}
	return nil
}

func (c *Config) loadEnv() {
	if v := os.Getenv(envListenAddr); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv(envFabricPath); v != "" {
		c.FabricPath = v
	}
	if v := os.Getenv(envQueueID); v != "" {
		c.QueueID = v
	}
	if v := os.Getenv(envBaseURL); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv(envRunnerBin); v != "" {
		c.RunnerBin = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		c.LogLevel = ParseLogLevel(v)
	}
}

// ParseLogLevel maps a level name to its slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
