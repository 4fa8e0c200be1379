// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llamacpp

import (
	"context"
	"io"
)

// =============================================================================
// SYNC-TO-ASYNC BRIDGE
// =============================================================================

// DefaultBridgeBuffer is the hand-off channel capacity. Bounded so a
// stalled consumer applies backpressure to the engine instead of
// buffering the whole completion in memory.
const DefaultBridgeBuffer = 32

// item is one element on the hand-off channel: either a chunk or a
// tagged error. Normal completion is signalled by closing the channel
// with no error item (the sentinel).
type item struct {
	chunk Chunk
	err   error
}

// Bridge adapts a blocking ChunkIterator to channel-based consumption.
//
// A worker goroutine drives the iterator and relays items over a
// bounded channel. The consumer calls Next with a context; cancellation
// unblocks the consumer immediately, but the worker keeps draining the
// iterator to its natural end — the engine has no in-band stop signal,
// so abandoning the worker would leak the generation. Callers that stop
// early must call Discard.
type Bridge struct {
	items chan item
}

// NewBridge starts the worker goroutine for the given iterator.
func NewBridge(it ChunkIterator, buffer int) *Bridge {
	if buffer <= 0 {
		buffer = DefaultBridgeBuffer
	}
	b := &Bridge{items: make(chan item, buffer)}
	go b.run(it)
	return b
}

// run is the worker loop: one blocking Next call at a time, relayed
// until the iterator ends or fails.
func (b *Bridge) run(it ChunkIterator) {
	defer it.Close()
	defer close(b.items)

	for {
		chunk, err := it.Next()
		if err != nil {
			if err != io.EOF {
				b.items <- item{err: err}
			}
			return
		}
		b.items <- item{chunk: chunk}
	}
}

// Next returns the next chunk. It returns io.EOF when the stream is
// exhausted, the worker's tagged error if generation failed, or the
// context error on cancellation.
func (b *Bridge) Next(ctx context.Context) (Chunk, error) {
	select {
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	case it, ok := <-b.items:
		if !ok {
			return Chunk{}, io.EOF
		}
		if it.err != nil {
			return Chunk{}, it.err
		}
		return it.chunk, nil
	}
}

// Discard drains the remaining items in the background so the worker
// can run to its sentinel. Call after abandoning the bridge early.
func (b *Bridge) Discard() {
	go func() {
		for range b.items {
		}
	}()
}
