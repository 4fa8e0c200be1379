// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server implements the parley HTTP daemon.
//
// The surface is a localhost JSON API: a streaming chat endpoint
// (NDJSON, one canonical event per line), model listing and local
// model management, conversation history backed by SQLite, and
// settings for the OpenRouter API key. Every route runs behind the
// middleware stack in middleware.go: panic recovery, security
// headers, request logging, CORS, and per-IP rate limiting.
package server
