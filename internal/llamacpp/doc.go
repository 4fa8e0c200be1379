// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package llamacpp provides the local inference provider backed by a
// llama.cpp-style engine running GGUF model artifacts.
//
// The package has four parts: a TOML model catalog with hot-reload, a
// download manager that tracks artifact availability as a small state
// machine, a bridge that adapts the engine's blocking chunk iterator to
// a channel-based stream, and the provider.Provider adapter that owns
// the "local:" model namespace.
package llamacpp
