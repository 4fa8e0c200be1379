// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/parley/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete parley configuration.
type Config struct {
	// Server settings
	Server ServerConfig `toml:"server"`

	// Cloud (OpenRouter) configuration
	Cloud CloudConfig `toml:"cloud"`

	// Local inference engine configuration
	Local LocalConfig `toml:"local"`

	// Ollama daemon configuration
	Ollama OllamaConfig `toml:"ollama"`

	// Storage configuration
	Storage StorageConfig `toml:"storage"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Port the daemon listens on (default: 8090)
	Port int `toml:"port"`

	// AllowedOrigins for CORS; empty means same-origin only
	AllowedOrigins []string `toml:"allowed_origins"`
}

// CloudConfig contains cloud provider (OpenRouter) configuration.
type CloudConfig struct {
	// OpenRouterKey is the OpenRouter API key
	OpenRouterKey string `toml:"openrouter_key"`
}

// LocalConfig contains local inference engine configuration.
type LocalConfig struct {
	// CacheDir is where downloaded GGUF artifacts live
	// (default: ~/.parley/models)
	CacheDir string `toml:"cache_dir"`

	// CatalogPath is the TOML catalog of servable local models
	// (default: ~/.parley/models.toml)
	CatalogPath string `toml:"catalog_path"`

	// EngineBinary is the llama.cpp CLI binary to shell out to
	// (default: "llama-cli")
	EngineBinary string `toml:"engine_binary"`
}

// OllamaConfig contains Ollama daemon configuration.
type OllamaConfig struct {
	// URL is the Ollama API base URL (default: http://127.0.0.1:11434)
	URL string `toml:"url"`
}

// StorageConfig contains conversation store configuration.
type StorageConfig struct {
	// DBPath is the SQLite database location (default: ~/.parley/parley.db)
	DBPath string `toml:"db_path"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in default configuration. Path defaults are
// resolved against the config directory during Load.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8090,
		},
		Local: LocalConfig{
			EngineBinary: "llama-cli",
		},
		Ollama: OllamaConfig{
			URL: "http://127.0.0.1:11434",
		},
	}
}

// ConfigDir returns the parley configuration directory.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".parley"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ensureSecurePermissions checks and fixes permissions on the config file.
// SECURITY: Config files should be 0600 (owner read/write only) to protect API keys.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// fillDefaults fills in any missing values, resolving path defaults
// against the config directory.
func fillDefaults(cfg *Config, dir string) {
	defaults := Default()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if cfg.Local.CacheDir == "" {
		cfg.Local.CacheDir = filepath.Join(dir, "models")
	}
	if cfg.Local.CatalogPath == "" {
		cfg.Local.CatalogPath = filepath.Join(dir, "models.toml")
	}
	if cfg.Local.EngineBinary == "" {
		cfg.Local.EngineBinary = defaults.Local.EngineBinary
	}
	if cfg.Ollama.URL == "" {
		cfg.Ollama.URL = defaults.Ollama.URL
	}
	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = filepath.Join(dir, "parley.db")
	}
}

// =============================================================================
// LOAD
// =============================================================================

// Load loads configuration from ~/.parley/config.toml, falling back to
// defaults when the file does not exist. Environment overrides are
// applied last.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFromPath(path)
}

// LoadFromPath loads configuration from a specific TOML file. A missing
// file yields the defaults rather than an error.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if err := ensureSecurePermissions(path); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
		}
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}

	cfg.ApplyEnvOverrides()
	fillDefaults(cfg, filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnvOverrides applies PARLEY_* environment variables over the
// loaded values.
func (c *Config) ApplyEnvOverrides() {
	if port := os.Getenv("PARLEY_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			c.Server.Port = n
		}
	}
	if key := os.Getenv("PARLEY_OPENROUTER_KEY"); key != "" {
		c.Cloud.OpenRouterKey = key
	}
	if url := os.Getenv("PARLEY_OLLAMA_URL"); url != "" {
		c.Ollama.URL = url
	}
	if dir := os.Getenv("PARLEY_CACHE_DIR"); dir != "" {
		c.Local.CacheDir = dir
	}
	if path := os.Getenv("PARLEY_CATALOG"); path != "" {
		c.Local.CatalogPath = path
	}
	if path := os.Getenv("PARLEY_DB_PATH"); path != "" {
		c.Storage.DBPath = path
	}
}

// Validate checks the configuration for unusable values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	return nil
}

// =============================================================================
// SAVE
// =============================================================================

// Save writes the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveToPath(cfg, path)
}

// SaveToPath writes the configuration to a TOML file.
// SECURITY: the file carries the API key, so it is written at 0600.
// RELIABILITY: Atomic write with fsync prevents data loss on crash.
func SaveToPath(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# parley configuration file\n")
	buf.WriteString("# Generated by parley - edit with care\n")
	buf.WriteString("\n")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFileWithDir(path, buf.Bytes(), 0600, 0700); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
