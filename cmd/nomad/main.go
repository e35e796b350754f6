package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	nomad "github.com/nomad-capture/nomad/sdk/golang"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.nomad/config.toml.
type Config struct {
	Backend ConfigBackend `toml:"backend"`
	Offline ConfigOffline `toml:"offline"`
	Worker  ConfigWorker  `toml:"worker"`
	Agent   ConfigAgent   `toml:"agent"`
}

// ConfigBackend points at the Nomad backend.
type ConfigBackend struct {
	BaseURL string `toml:"base_url"`
	Timeout string `toml:"timeout"`
}

// ConfigOffline holds the offline queue settings.
type ConfigOffline struct {
	Database      string `toml:"database"`
	SyncTag       string `toml:"sync_tag"`
	ProbeInterval string `toml:"probe_interval"`
}

// ConfigWorker holds the caching worker settings.
type ConfigWorker struct {
	Enabled   bool   `toml:"enabled"`
	Listen    string `toml:"listen"`
	Origin    string `toml:"origin"`
	CacheName string `toml:"cache_name"`
}

// ConfigAgent holds the control API and logging settings.
type ConfigAgent struct {
	Listen     string `toml:"listen"`
	AuthToken  string `toml:"auth_token"`
	HookSecret string `toml:"hook_secret"`
	LogLevel   string `toml:"log_level"`
	LogJSON    bool   `toml:"log_json"`
}

// withDefaults fills every empty field with its default.
func (c Config) withDefaults() Config {
	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = nomad.DefaultBaseURL
	}
	if c.Backend.Timeout == "" {
		c.Backend.Timeout = nomad.DefaultTimeout.String()
	}
	if c.Offline.Database == "" {
		if dir, err := configDir(); err == nil {
			c.Offline.Database = filepath.Join(dir, "offline.db")
		} else {
			c.Offline.Database = "nomad-offline.db"
		}
	}
	if c.Offline.SyncTag == "" {
		c.Offline.SyncTag = nomad.DefaultSyncTag
	}
	if c.Offline.ProbeInterval == "" {
		c.Offline.ProbeInterval = "15s"
	}
	if c.Worker.Listen == "" {
		c.Worker.Listen = "127.0.0.1:8080"
	}
	if c.Worker.Origin == "" {
		c.Worker.Origin = "http://localhost:5173"
	}
	if c.Worker.CacheName == "" {
		c.Worker.CacheName = "nomad-v1"
	}
	if c.Agent.Listen == "" {
		c.Agent.Listen = "127.0.0.1:8765"
	}
	if c.Agent.LogLevel == "" {
		c.Agent.LogLevel = "info"
	}
	return c
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.nomad, creating it if needed.
// NOMAD_HOME overrides the location.
func configDir() (string, error) {
	dir := os.Getenv("NOMAD_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".nomad")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file as written on disk.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// effectiveConfig layers .env and NOMAD_* variables over the file, then defaults.
func effectiveConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	out := cfg.withDefaults()
	return &out, nil
}

var envOverrides = map[string]string{
	"NOMAD_BACKEND_URL":    "backend.base_url",
	"NOMAD_TIMEOUT":        "backend.timeout",
	"NOMAD_OFFLINE_DB":     "offline.database",
	"NOMAD_SYNC_TAG":       "offline.sync_tag",
	"NOMAD_PROBE_INTERVAL": "offline.probe_interval",
	"NOMAD_WORKER_ENABLED": "worker.enabled",
	"NOMAD_WORKER_LISTEN":  "worker.listen",
	"NOMAD_WORKER_ORIGIN":  "worker.origin",
	"NOMAD_CACHE_NAME":     "worker.cache_name",
	"NOMAD_AGENT_LISTEN":   "agent.listen",
	"NOMAD_AGENT_TOKEN":    "agent.auth_token",
	"NOMAD_HOOK_SECRET":    "agent.hook_secret",
	"NOMAD_LOG_LEVEL":      "agent.log_level",
	"NOMAD_LOG_JSON":       "agent.log_json",
}

func applyEnv(cfg *Config) {
	for env, key := range envOverrides {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			if err := setConfigValue(cfg, key, v); err != nil {
				fmt.Fprintf(os.Stderr, "Ignoring %s: %v\n", env, err)
			}
		}
	}
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "backend.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. backend.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "backend":
		switch field {
		case "base_url":
			cfg.Backend.BaseURL = value
		case "timeout":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("invalid duration %q", value)
			}
			cfg.Backend.Timeout = value
		default:
			return fmt.Errorf("unknown field %q in section [backend]", field)
		}
	case "offline":
		switch field {
		case "database":
			cfg.Offline.Database = value
		case "sync_tag":
			cfg.Offline.SyncTag = value
		case "probe_interval":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("invalid duration %q", value)
			}
			cfg.Offline.ProbeInterval = value
		default:
			return fmt.Errorf("unknown field %q in section [offline]", field)
		}
	case "worker":
		switch field {
		case "enabled":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("invalid boolean %q", value)
			}
			cfg.Worker.Enabled = b
		case "listen":
			cfg.Worker.Listen = value
		case "origin":
			cfg.Worker.Origin = value
		case "cache_name":
			cfg.Worker.CacheName = value
		default:
			return fmt.Errorf("unknown field %q in section [worker]", field)
		}
	case "agent":
		switch field {
		case "listen":
			cfg.Agent.Listen = value
		case "auth_token":
			cfg.Agent.AuthToken = value
		case "hook_secret":
			cfg.Agent.HookSecret = value
		case "log_level":
			cfg.Agent.LogLevel = value
		case "log_json":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("invalid boolean %q", value)
			}
			cfg.Agent.LogJSON = b
		default:
			return fmt.Errorf("unknown field %q in section [agent]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: backend, offline, worker, agent)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "nomad",
	Short: "Nomad offline capture agent",
	Long: "Command-line interface for the Nomad capture backend.\n" +
		"Queue sessions and recordings while offline, replay them when the backend returns,\n" +
		"and serve the caching worker in front of the web app.",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
