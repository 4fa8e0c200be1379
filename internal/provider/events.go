// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"encoding/json"
	"sync"
)

// =============================================================================
// CANONICAL EVENTS
// =============================================================================

// EventType identifies the kind of a canonical stream event.
type EventType string

const (
	// EventMeta carries the conversation id. It is always the first
	// event on a coordinated stream.
	EventMeta EventType = "meta"

	// EventContent carries an answer text delta.
	EventContent EventType = "content"

	// EventReasoning carries a reasoning/chain-of-thought text delta.
	EventReasoning EventType = "reasoning"

	// EventOpaque carries an upstream payload that did not match any
	// known shape. The raw payload is preserved rather than dropped.
	EventOpaque EventType = "event"
)

// Event is one element of the canonical stream. Exactly one of the
// payload fields is meaningful, selected by Type.
type Event struct {
	Type           EventType       `json:"type"`
	ConversationID int64           `json:"conversation_id,omitempty"`
	Delta          string          `json:"delta,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// MetaEvent builds the leading meta event for a conversation.
func MetaEvent(conversationID int64) Event {
	return Event{Type: EventMeta, ConversationID: conversationID}
}

// ContentEvent builds a content delta event.
func ContentEvent(delta string) Event {
	return Event{Type: EventContent, Delta: delta}
}

// ReasoningEvent builds a reasoning delta event.
func ReasoningEvent(delta string) Event {
	return Event{Type: EventReasoning, Delta: delta}
}

// OpaqueEvent wraps an unrecognized upstream payload.
func OpaqueEvent(raw []byte) Event {
	data := make(json.RawMessage, len(raw))
	copy(data, raw)
	return Event{Type: EventOpaque, Data: data}
}

// =============================================================================
// STREAM
// =============================================================================

// Stream is a lazy, ordered sequence of canonical events produced by a
// provider goroutine and consumed over a channel.
//
// The producer calls Send for each event and Close exactly once when the
// sequence ends; a nil error means clean exhaustion. The consumer ranges
// over Events and then checks Err. The channel close happens-after the
// error is recorded, so reading Err after the range is race-free.
type Stream struct {
	events    chan Event
	err       error
	closeOnce sync.Once
}

// NewStream creates a stream with the given channel buffer.
func NewStream(buffer int) *Stream {
	return &Stream{
		events: make(chan Event, buffer),
	}
}

// Events returns the receive side of the stream.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Err reports how the stream ended. Valid only after Events is closed.
func (s *Stream) Err() error {
	return s.err
}

// Send delivers an event to the consumer. Returns false if the context
// was cancelled before the event could be delivered.
func (s *Stream) Send(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close terminates the stream. A nil err signals clean exhaustion.
// Subsequent calls are no-ops; nothing may be sent after Close.
func (s *Stream) Close(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		close(s.events)
	})
}

// Drain consumes and discards all remaining events, then returns Err.
// Used by consumers that abandon a stream mid-way but still need the
// producer goroutine to finish.
func (s *Stream) Drain() error {
	for range s.events {
	}
	return s.err
}
