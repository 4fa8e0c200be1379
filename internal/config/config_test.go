// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFromPathDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadFromPath(filepath.Join(dir, "config.toml"))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != 8090 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Ollama.URL != "http://127.0.0.1:11434" {
		t.Errorf("ollama url = %q", cfg.Ollama.URL)
	}
	if cfg.Local.CacheDir != filepath.Join(dir, "models") {
		t.Errorf("cache dir = %q", cfg.Local.CacheDir)
	}
	if cfg.Storage.DBPath != filepath.Join(dir, "parley.db") {
		t.Errorf("db path = %q", cfg.Storage.DBPath)
	}
}

func TestLoadFromPathFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `
[server]
port = 9000

[cloud]
openrouter_key = "sk-or-v1-test"

[ollama]
url = "http://10.0.0.5:11434"
`
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Cloud.OpenRouterKey != "sk-or-v1-test" {
		t.Errorf("key = %q", cfg.Cloud.OpenRouterKey)
	}
	if cfg.Ollama.URL != "http://10.0.0.5:11434" {
		t.Errorf("ollama url = %q", cfg.Ollama.URL)
	}
	// Unset fields still get defaults.
	if cfg.Local.EngineBinary != "llama-cli" {
		t.Errorf("engine binary = %q", cfg.Local.EngineBinary)
	}
}

func TestLoadFixesInsecurePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("[server]\nport = 9000\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadFromPath(path); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("permissions = %o, want 0600", info.Mode().Perm())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PARLEY_PORT", "7070")
	t.Setenv("PARLEY_OPENROUTER_KEY", "sk-or-v1-env")
	t.Setenv("PARLEY_OLLAMA_URL", "http://127.0.0.1:9999")

	cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != 7070 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Cloud.OpenRouterKey != "sk-or-v1-env" {
		t.Errorf("key = %q", cfg.Cloud.OpenRouterKey)
	}
	if cfg.Ollama.URL != "http://127.0.0.1:9999" {
		t.Errorf("ollama url = %q", cfg.Ollama.URL)
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Error("out-of-range port should fail validation")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.toml")

	cfg := Default()
	cfg.Server.Port = 9191
	cfg.Cloud.OpenRouterKey = "sk-or-v1-roundtrip"

	if err := SaveToPath(cfg, path); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("saved permissions = %o, want 0600", info.Mode().Perm())
	}

	loaded, err := LoadFromPath(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Server.Port != 9191 {
		t.Errorf("port = %d", loaded.Server.Port)
	}
	if loaded.Cloud.OpenRouterKey != "sk-or-v1-roundtrip" {
		t.Errorf("key = %q", loaded.Cloud.OpenRouterKey)
	}
}
