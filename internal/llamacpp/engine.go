// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llamacpp

import (
	"github.com/jeranaias/parley/internal/provider"
)

// =============================================================================
// ENGINE CONTRACT
// =============================================================================

// Chunk is one unit of output from a blocking generation call.
type Chunk struct {
	// Content is the text delta, possibly empty on marker chunks.
	Content string

	// FinishReason is non-empty on the final chunk ("stop", "length").
	FinishReason string
}

// ChunkIterator yields generation chunks one blocking call at a time.
// Next returns io.EOF after the final chunk. Iterators are not safe for
// concurrent use; the bridge gives each one a dedicated goroutine.
type ChunkIterator interface {
	Next() (Chunk, error)
	Close() error
}

// Session is a loaded model ready to serve completions. Sessions are
// cached per artifact by the provider and closed when the artifact is
// deleted.
type Session interface {
	// Complete starts a blocking generation over the chat history and
	// returns an iterator over its output chunks.
	Complete(history []provider.Message) (ChunkIterator, error)

	// Close releases the loaded model.
	Close() error
}

// Engine loads model artifacts into sessions. Loading is expensive, so
// callers cache the returned sessions.
type Engine interface {
	Load(modelPath string) (Session, error)
}
