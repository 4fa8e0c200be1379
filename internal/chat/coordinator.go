// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat coordinates a streaming chat turn: conversation
// resolution, transcript persistence, and provider dispatch.
package chat

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/parley/internal/provider"
	"github.com/jeranaias/parley/internal/storage"
	"github.com/jeranaias/parley/internal/util"
)

// =============================================================================
// COORDINATOR
// =============================================================================

// maxTitleRunes caps the derived conversation title length.
const maxTitleRunes = 60

// streamBuffer is the coordinated stream channel capacity.
const streamBuffer = 32

// persistTimeout bounds the final assistant write, which must survive
// the client disconnecting right after the last token.
const persistTimeout = 5 * time.Second

// ErrNoMessages indicates a chat request with an empty history.
var ErrNoMessages = errors.New("chat request has no messages")

// Request is one chat turn to coordinate.
type Request struct {
	// Model is the registry-resolvable model id.
	Model string

	// Messages is the full transcript, ending with the user turn to
	// answer.
	Messages []provider.Message

	// ConversationID selects an existing conversation; zero creates a
	// new one titled from the first user message.
	ConversationID int64
}

// Coordinator runs the per-request chat flow against a provider
// registry and the conversation store.
//
// Ordering contract: the trailing user message is persisted before the
// provider is called, the meta event leads the coordinated stream, and
// the assistant message is persisted only when the provider stream ends
// cleanly. A mid-stream provider failure propagates to the consumer and
// the partial assistant output is discarded.
type Coordinator struct {
	store    *storage.Store
	registry *provider.Registry
}

// NewCoordinator wires a coordinator.
func NewCoordinator(store *storage.Store, registry *provider.Registry) *Coordinator {
	return &Coordinator{store: store, registry: registry}
}

// deriveTitle builds a conversation title from the first user message,
// truncated to a displayable length.
func deriveTitle(messages []provider.Message) string {
	for _, msg := range messages {
		if msg.Role != "user" {
			continue
		}
		return util.TruncateRunes(strings.TrimSpace(msg.Content), maxTitleRunes)
	}
	return ""
}

// resolveConversation returns the conversation id for the request,
// creating a new conversation when none was supplied. A supplied id is
// touched, so the conversation surfaces as recently active even when
// the turn ends up persisting nothing.
func (c *Coordinator) resolveConversation(ctx context.Context, req Request) (int64, error) {
	if req.ConversationID != 0 {
		// Touch doubles as the existence check.
		if err := c.store.TouchConversation(ctx, req.ConversationID); err != nil {
			return 0, err
		}
		return req.ConversationID, nil
	}
	return c.store.CreateConversation(ctx, deriveTitle(req.Messages))
}

// Stream coordinates one chat turn and returns the canonical stream.
// Errors detectable before any streaming (unknown provider, unknown
// conversation, persistence failure, handshake rejection) surface here;
// mid-stream failures arrive via Stream.Err.
func (c *Coordinator) Stream(ctx context.Context, req Request) (*provider.Stream, error) {
	if len(req.Messages) == 0 {
		return nil, ErrNoMessages
	}

	prov, err := c.registry.Resolve(req.Model)
	if err != nil {
		return nil, err
	}

	conversationID, err := c.resolveConversation(ctx, req)
	if err != nil {
		return nil, err
	}

	// The user turn is durable before the provider sees it; a provider
	// failure never loses the user's side of the transcript.
	if last := req.Messages[len(req.Messages)-1]; last.Role == "user" {
		if err := c.store.AddMessage(ctx, conversationID, last.Role, last.Content); err != nil {
			return nil, err
		}
	}

	requestID := uuid.NewString()[:8]
	log.Printf("CHAT_START | req=%s provider=%s model=%s conversation=%d turns=%d",
		requestID, prov.Name(), req.Model, conversationID, len(req.Messages))

	upstream, err := prov.StreamChat(ctx, req.Model, req.Messages)
	if err != nil {
		log.Printf("CHAT_HANDSHAKE_FAILED | req=%s error=%v", requestID, err)
		return nil, err
	}

	out := provider.NewStream(streamBuffer)
	go c.relay(ctx, requestID, conversationID, upstream, out)
	return out, nil
}

// relay forwards provider events behind the leading meta event,
// accumulating content deltas for the final assistant write.
func (c *Coordinator) relay(ctx context.Context, requestID string, conversationID int64, upstream, out *provider.Stream) {
	if !out.Send(ctx, provider.MetaEvent(conversationID)) {
		out.Close(ctx.Err())
		upstream.Drain()
		return
	}

	var assistant strings.Builder
	for ev := range upstream.Events() {
		if ev.Type == provider.EventContent {
			assistant.WriteString(ev.Delta)
		}
		if !out.Send(ctx, ev) {
			out.Close(ctx.Err())
			upstream.Drain()
			return
		}
	}

	if err := upstream.Err(); err != nil {
		// Partial assistant output is discarded; the transcript keeps
		// only turns that completed.
		log.Printf("CHAT_STREAM_FAILED | req=%s conversation=%d partial=%d error=%v",
			requestID, conversationID, assistant.Len(), err)
		out.Close(err)
		return
	}

	if assistant.Len() > 0 {
		persistCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := c.store.AddMessage(persistCtx, conversationID, "assistant", assistant.String()); err != nil {
			log.Printf("CHAT_PERSIST_FAILED | req=%s conversation=%d error=%v", requestID, conversationID, err)
		}
	}

	log.Printf("CHAT_COMPLETE | req=%s conversation=%d chars=%d", requestID, conversationID, assistant.Len())
	out.Close(nil)
}
