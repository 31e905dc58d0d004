// Package config handles graft configuration via YAML files and environment
// variables.
//
// Configuration Precedence (highest to lowest):
//  1. Command-line flags (--data-dir, --backend, etc.)
//  2. Environment variables (GRAFT_*)
//  3. Config file (graft.yaml)
//  4. Built-in defaults
//
// Environment Variables (all use GRAFT_ prefix):
//   - GRAFT_BACKEND="memory" or "badger"
//   - GRAFT_DATA_DIR="./data"
//   - GRAFT_NODE_CACHE_ENTRIES=10000
//   - GRAFT_LOG_LEVEL="INFO"
//   - GRAFT_LOG_FORMAT="text" or "json"
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Backend names accepted by Storage.Backend.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
)

// Config holds all graft configuration.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig selects and tunes the storage engine.
type StorageConfig struct {
	// Backend is "memory" or "badger".
	Backend string `yaml:"backend"`

	// DataDir is the Badger data directory. Ignored for the memory backend.
	DataDir string `yaml:"data_dir"`

	// NodeCacheEntries bounds the Badger node read cache. Zero disables it.
	NodeCacheEntries int `yaml:"node_cache_entries"`
}

// LoggingConfig controls diagnostic output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:          BackendBadger,
			DataDir:          "./data",
			NodeCacheEntries: 10000,
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
	}
}

// Load reads configuration with full precedence: defaults, then the YAML
// file at path (skipped when path is empty or missing), then GRAFT_*
// environment variables.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FindConfigFile returns the first config file found in the standard
// locations, or "" if none exists.
func FindConfigFile() string {
	candidates := []string{
		"graft.yaml",
		"graft.yml",
		filepath.Join(os.Getenv("HOME"), ".graft", "graft.yaml"),
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func (c *Config) applyEnvOverrides() {
	c.Storage.Backend = getEnv("GRAFT_BACKEND", c.Storage.Backend)
	c.Storage.DataDir = getEnv("GRAFT_DATA_DIR", c.Storage.DataDir)
	c.Storage.NodeCacheEntries = getEnvInt("GRAFT_NODE_CACHE_ENTRIES", c.Storage.NodeCacheEntries)
	c.Logging.Level = getEnv("GRAFT_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("GRAFT_LOG_FORMAT", c.Logging.Format)
}

// Validate returns nil if the configuration is usable, or an error
// describing the first problem found.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendBadger:
	default:
		return fmt.Errorf("unknown storage backend %q (want %q or %q)",
			c.Storage.Backend, BackendMemory, BackendBadger)
	}

	if c.Storage.Backend == BackendBadger && c.Storage.DataDir == "" {
		return fmt.Errorf("badger backend requires a data directory")
	}

	if c.Storage.NodeCacheEntries < 0 {
		return fmt.Errorf("invalid node cache size: %d", c.Storage.NodeCacheEntries)
	}

	return nil
}

// String returns a representation safe for logging.
func (c *Config) String() string {
	return fmt.Sprintf("Config{Backend: %s, DataDir: %s, LogLevel: %s}",
		c.Storage.Backend, c.Storage.DataDir, c.Logging.Level)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}
