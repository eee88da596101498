// Package config loads gateway daemon configuration from defaults, an
// optional YAML file, BREWVA_* environment variables, and explicit
// overrides (CLI flags), merged in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the gateway daemon's runtime configuration.
type Config struct {
	Host          string `koanf:"host"`
	Port          int    `koanf:"port"`
	StateDir      string `koanf:"state_dir"`
	PIDFile       string `koanf:"pid_file"`
	LogFile       string `koanf:"log_file"`
	TokenFile     string `koanf:"token_file"`
	HeartbeatPath string `koanf:"heartbeat_path"`

	// Worker defaults passed to every spawned session worker.
	Cwd              string `koanf:"cwd"`
	WorkerConfigPath string `koanf:"config_path"`
	Model            string `koanf:"model"`
	EnableExtensions bool   `koanf:"enable_extensions"`

	// Limits and intervals.
	TickIntervalMs  int   `koanf:"tick_interval_ms"`
	SessionIdleMs   int   `koanf:"session_idle_ms"`
	MaxWorkers      int   `koanf:"max_workers"`
	MaxOpenQueue    int   `koanf:"max_open_queue"`
	MaxPayloadBytes int   `koanf:"max_payload_bytes"`
	LogMaxBytes     int64 `koanf:"log_max_bytes"`
	LogMaxFiles     int   `koanf:"log_max_files"`
}

// Load builds a Config from defaults, then the YAML file at configPath
// (if non-empty), then BREWVA_* env vars, then the overrides map.
func Load(configPath string, overrides map[string]any) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("BREWVA_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "BREWVA_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, fmt.Errorf("load overrides: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyPathDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaults() map[string]any {
	return map[string]any{
		"host":              "127.0.0.1",
		"port":              7433,
		"state_dir":         defaultStateDir(),
		"tick_interval_ms":  5000,
		"session_idle_ms":   600000,
		"max_workers":       8,
		"max_open_queue":    16,
		"max_payload_bytes": 262144,
		"log_max_bytes":     int64(5 * 1024 * 1024),
		"log_max_files":     3,
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "brewva", "gateway")
	}
	return filepath.Join(home, ".config", "brewva", "gateway")
}

// applyPathDefaults fills file paths that default relative to state_dir.
func (c *Config) applyPathDefaults() {
	if c.PIDFile == "" {
		c.PIDFile = filepath.Join(c.StateDir, "gateway.pid.json")
	}
	if c.LogFile == "" {
		c.LogFile = filepath.Join(c.StateDir, "gateway.log")
	}
	if c.TokenFile == "" {
		c.TokenFile = filepath.Join(c.StateDir, "gateway.token")
	}
	if c.HeartbeatPath == "" {
		c.HeartbeatPath = filepath.Join(c.StateDir, "HEARTBEAT.md")
	}
}

// Validate enforces the documented minimums.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be in 1..65535, got %d", c.Port)
	}
	if c.TickIntervalMs < 1000 {
		return fmt.Errorf("tick_interval_ms must be >= 1000, got %d", c.TickIntervalMs)
	}
	if c.SessionIdleMs != 0 && c.SessionIdleMs < 1000 {
		return fmt.Errorf("session_idle_ms must be 0 (disabled) or >= 1000, got %d", c.SessionIdleMs)
	}
	if c.MaxWorkers < 1 {
		return fmt.Errorf("max_workers must be >= 1, got %d", c.MaxWorkers)
	}
	if c.MaxOpenQueue < 0 {
		return fmt.Errorf("max_open_queue must be >= 0, got %d", c.MaxOpenQueue)
	}
	if c.MaxPayloadBytes < 16384 {
		return fmt.Errorf("max_payload_bytes must be >= 16384, got %d", c.MaxPayloadBytes)
	}
	if c.Cwd != "" {
		info, err := os.Stat(c.Cwd)
		if err != nil || !info.IsDir() {
			return fmt.Errorf("cwd %q is not a directory", c.Cwd)
		}
	}
	return nil
}

// EnsureStateDir creates the state directory tree.
func (c *Config) EnsureStateDir() error {
	if err := os.MkdirAll(c.StateDir, 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return nil
}

// RegistryPath is the session supervisor's children snapshot.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.StateDir, "children.json")
}

// WALDir is the scope-partitioned turn WAL directory.
func (c *Config) WALDir() string {
	return filepath.Join(c.StateDir, "wal")
}

// IntentLogPath is the append-only schedule intent event log.
func (c *Config) IntentLogPath() string {
	return filepath.Join(c.StateDir, "intents.events.jsonl")
}

// IntentCachePath is the rebuildable intent projection cache database.
func (c *Config) IntentCachePath() string {
	return filepath.Join(c.StateDir, "intents.db")
}
