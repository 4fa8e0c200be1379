// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama serves chat completions from a local Ollama daemon.
//
// The package has two layers. Client speaks Ollama's native HTTP API:
// health checks, /api/tags listing, NDJSON streaming chat, and model
// pull/delete. Provider wraps a Client behind the canonical provider
// contract, claiming the "ollama:" model-id namespace and translating
// Ollama's line-delimited chunks into canonical stream events.
//
// Ollama manages its own model store, so the Provider's model
// management surface delegates to /api/pull and /api/delete instead of
// touching disk itself.
package ollama
