// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider defines the backend contract shared by all chat
// providers, the canonical event stream they emit, and the registry
// that dispatches a model id to the provider that owns it.
//
// Providers translate their native wire formats (SSE, NDJSON, blocking
// iterators) into one ordered event sequence: an optional run of
// reasoning and content deltas, with anything unrecognized preserved
// as opaque events. The registry resolves model ids in registration
// order, so namespaced providers register before the catch-all remote
// provider.
package provider
