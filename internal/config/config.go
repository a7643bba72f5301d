// Package config loads loom engine configuration from
// <workspace>/.loom/config.yaml with environment-variable overrides.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"loom/internal/types"
)

// Config holds all loom configuration.
type Config struct {
	// WorkspaceID scopes the store file. Defaults to a fingerprint of the
	// workspace path when unset.
	WorkspaceID string `yaml:"workspace_id"`

	// StoreRoot is the directory holding the sqlite file and archive exports.
	StoreRoot string `yaml:"store_root"`

	// HTTPPort for the read-only loopback mirror. 0 disables the mirror.
	HTTPPort int `yaml:"http_port"`

	// SecurityHooks toggles the pre-tool-use pipeline.
	SecurityHooks bool `yaml:"security_hooks"`

	// AutoCheckpoint toggles auto-checkpoints on status/iteration transitions.
	AutoCheckpoint bool `yaml:"auto_checkpoint"`

	// Preflight settings consumed by the health probe.
	Preflight PreflightConfig `yaml:"preflight"`

	// Logging is read by internal/logging directly; kept here so the whole
	// file round-trips.
	Logging LoggingConfig `yaml:"logging"`
}

// PreflightConfig configures the environment health probe.
type PreflightConfig struct {
	DevServerPort int    `yaml:"dev_server_port"`
	TestCommand   string `yaml:"test_command"`
}

// LoggingConfig configures categorized file logging.
type LoggingConfig struct {
	Debug      bool            `yaml:"debug"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the baseline configuration for a workspace.
func DefaultConfig(workspace string) *Config {
	return &Config{
		WorkspaceID:    FingerprintWorkspace(workspace),
		StoreRoot:      filepath.Join(workspace, ".loom"),
		HTTPPort:       0,
		SecurityHooks:  true,
		AutoCheckpoint: true,
		Logging:        LoggingConfig{Level: "info"},
	}
}

// Load reads .loom/config.yaml under workspace, applies defaults and env
// overrides. A missing file is not an error; a malformed one is a ConfigError.
func Load(workspace string) (*Config, error) {
	cfg := DefaultConfig(workspace)
	path := filepath.Join(workspace, ".loom", "config.yaml")

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &types.ConfigError{Path: path, Reason: err.Error()}
		}
		if cfg.WorkspaceID == "" {
			cfg.WorkspaceID = FingerprintWorkspace(workspace)
		}
		if cfg.StoreRoot == "" {
			cfg.StoreRoot = filepath.Join(workspace, ".loom")
		}
	} else if !os.IsNotExist(err) {
		return nil, &types.ConfigError{Path: path, Reason: err.Error()}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides applies LOOM_* environment variables on top of the file.
func applyEnvOverrides(cfg *Config) {
	if id := os.Getenv("LOOM_WORKSPACE_ID"); id != "" {
		cfg.WorkspaceID = id
	}
	if root := os.Getenv("LOOM_STORE_ROOT"); root != "" {
		cfg.StoreRoot = root
	}
	if port := os.Getenv("LOOM_HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.HTTPPort = p
		}
	}
	if v := os.Getenv("LOOM_SECURITY_HOOKS"); v != "" {
		cfg.SecurityHooks = parseBool(v, cfg.SecurityHooks)
	}
	if v := os.Getenv("LOOM_AUTO_CHECKPOINT"); v != "" {
		cfg.AutoCheckpoint = parseBool(v, cfg.AutoCheckpoint)
	}
}

func parseBool(s string, fallback bool) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fallback
	}
	return b
}

// FingerprintWorkspace derives a stable workspace id from its absolute path.
func FingerprintWorkspace(workspace string) string {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		abs = workspace
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:8])
}

// StorePath returns the sqlite file path for the configured workspace.
func (c *Config) StorePath() string {
	return filepath.Join(c.StoreRoot, fmt.Sprintf("loom-%s.db", c.WorkspaceID))
}

// ArchiveDir returns the directory receiving initiative archive exports.
func (c *Config) ArchiveDir() string {
	return filepath.Join(c.StoreRoot, "archives")
}
