// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFrom_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if cfg.API.BaseURL != "https://api.lumen.example" {
		t.Errorf("BaseURL = %q", cfg.API.BaseURL)
	}
	if cfg.API.TimeoutSeconds != 30 {
		t.Errorf("TimeoutSeconds = %d, want 30", cfg.API.TimeoutSeconds)
	}
	if cfg.Chat.FreeTierMessageLimit != 20 {
		t.Errorf("FreeTierMessageLimit = %d, want 20", cfg.Chat.FreeTierMessageLimit)
	}
}

func TestLoadFrom_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
debug = true

[api]
base_url = "https://staging.lumen.example"
timeout_seconds = 10

[chat]
free_tier_message_limit = 5
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if cfg.API.BaseURL != "https://staging.lumen.example" {
		t.Errorf("BaseURL = %q", cfg.API.BaseURL)
	}
	if cfg.API.TimeoutSeconds != 10 {
		t.Errorf("TimeoutSeconds = %d, want 10", cfg.API.TimeoutSeconds)
	}
	if !cfg.Debug {
		t.Error("Debug should be true")
	}
	if cfg.Chat.FreeTierMessageLimit != 5 {
		t.Errorf("FreeTierMessageLimit = %d, want 5", cfg.Chat.FreeTierMessageLimit)
	}
}

func TestLoadFrom_EnvOverride(t *testing.T) {
	t.Setenv("LUMEN_BASE_URL", "https://env.lumen.example")
	t.Setenv("LUMEN_TIMEOUT_SECONDS", "7")

	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if cfg.API.BaseURL != "https://env.lumen.example" {
		t.Errorf("BaseURL = %q", cfg.API.BaseURL)
	}
	if cfg.API.TimeoutSeconds != 7 {
		t.Errorf("TimeoutSeconds = %d, want 7", cfg.API.TimeoutSeconds)
	}
}

func TestValidate_BadBaseURL(t *testing.T) {
	cfg := Default()
	cfg.API.BaseURL = "not a url"
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidBaseURL) {
		t.Errorf("Validate = %v, want ErrInvalidBaseURL", err)
	}

	cfg = Default()
	cfg.API.TimeoutSeconds = 0
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidTimeout) {
		t.Errorf("Validate = %v, want ErrInvalidTimeout", err)
	}
}
