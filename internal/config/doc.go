// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for parley.
//
// Configuration lives in a TOML file with sensible defaults and
// environment variable overrides:
//   - ~/.parley/config.toml
//   - Built-in defaults
//
// The OpenRouter API key is part of the config, so the file is created
// and kept at 0600 and saves are atomic.
package config
