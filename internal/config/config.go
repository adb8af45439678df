// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading for the lumen client.
//
// Configuration sources, in order of precedence:
//   - LUMEN_* environment variables
//   - ~/.lumen/config.toml
//   - Built-in defaults
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete lumen client configuration.
type Config struct {
	// API configuration
	API APIConfig `toml:"api"`

	// Storage configuration
	Storage StorageConfig `toml:"storage"`

	// Chat configuration
	Chat ChatConfig `toml:"chat"`

	// Debug enables verbose logging.
	Debug bool `toml:"debug"`
}

// APIConfig contains backend endpoint configuration.
type APIConfig struct {
	// BaseURL is the backend origin, e.g. "https://api.lumen.example".
	BaseURL string `toml:"base_url"`

	// TimeoutSeconds is the per-request timeout.
	TimeoutSeconds int `toml:"timeout_seconds"`

	// Timezone is the IANA name sent in the X-Timezone header.
	// Empty means the local zone is used.
	Timezone string `toml:"timezone"`

	// SendRatePerMinute throttles outbound requests client-side.
	// 0 disables the throttle.
	SendRatePerMinute int `toml:"send_rate_per_minute"`
}

// StorageConfig contains local data locations.
type StorageConfig struct {
	// DataDir holds credentials, guest state and settings.
	// Default: ~/.lumen
	DataDir string `toml:"data_dir"`
}

// ChatConfig contains conversation defaults.
type ChatConfig struct {
	// FreeTierMessageLimit is the per-session quota applied to free-tier
	// accounts before a send is refused with an upgrade notice.
	FreeTierMessageLimit int `toml:"free_tier_message_limit"`
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrInvalidBaseURL = errors.New("invalid api.base_url")
	ErrInvalidTimeout = errors.New("api.timeout_seconds must be positive")
)

// =============================================================================
// LOADING
// =============================================================================

// Default returns the built-in default configuration.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		API: APIConfig{
			BaseURL:           "https://api.lumen.example",
			TimeoutSeconds:    30,
			SendRatePerMinute: 0,
		},
		Storage: StorageConfig{
			DataDir: filepath.Join(home, ".lumen"),
		},
		Chat: ChatConfig{
			FreeTierMessageLimit: 20,
		},
	}
}

// Load reads the configuration from the default location, applying
// environment overrides. A missing file is not an error.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return LoadFrom(filepath.Join(home, ".lumen", "config.toml"))
}

// LoadFrom reads the configuration from an explicit path.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies LUMEN_* environment variables on top of the
// file-provided values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LUMEN_BASE_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("LUMEN_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.API.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("LUMEN_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("LUMEN_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Debug = b
		}
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidBaseURL, c.API.BaseURL)
	}
	if c.API.TimeoutSeconds <= 0 {
		return ErrInvalidTimeout
	}
	return nil
}

// Timeout returns the request timeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}
