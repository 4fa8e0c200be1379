// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package openrouter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/jeranaias/parley/internal/provider"
)

// STREAMING: SSE decode and canonical event normalization

// reasoningKeys lists the delta fields that may carry reasoning text,
// in priority order. The first present, non-empty key wins per frame.
var reasoningKeys = []string{"reasoning", "reasoning_content", "rationale", "thoughts"}

// =============================================================================
// SSE READER
// =============================================================================

// sseReader parses the line-oriented SSE framing OpenRouter uses:
// blank lines separate events, lines starting with ":" are heartbeats,
// and payload lines carry a "data: " prefix.
type sseReader struct {
	reader *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{reader: bufio.NewReader(r)}
}

// next returns the payload of the next data line, skipping blanks,
// heartbeats, and any non-data fields. Returns io.EOF at end of stream.
func (s *sseReader) next() ([]byte, error) {
	for {
		line, err := s.reader.ReadBytes('\n')
		line = bytes.TrimRight(line, "\r\n")

		if len(line) > 0 {
			if line[0] == ':' {
				// Heartbeat comment
				if err != nil {
					return nil, err
				}
				continue
			}
			if data, ok := bytes.CutPrefix(line, []byte("data: ")); ok {
				return data, nil
			}
			// Other SSE fields (event:, id:, retry:) are ignored.
		}

		if err != nil {
			return nil, err
		}
	}
}

// =============================================================================
// STREAMING CHAT
// =============================================================================

// chatRequest is the wire shape of POST /chat/completions.
type chatRequest struct {
	Model    string             `json:"model"`
	Messages []provider.Message `json:"messages"`
	Stream   bool               `json:"stream"`
}

// streamFrame is the subset of an OpenRouter stream chunk we inspect.
// Delta is kept generic so reasoning variants survive the decode.
type streamFrame struct {
	Choices []struct {
		Delta        map[string]any `json:"delta"`
		FinishReason string         `json:"finish_reason"`
	} `json:"choices"`
}

// StreamChat opens a streaming completion and normalizes the SSE frames
// into canonical events.
//
// A handshake rejection (HTTP >= 400) is returned immediately with the
// upstream body preserved. After the handshake, frames that fail to
// decode as JSON are skipped, frames with an unexpected shape are
// forwarded as opaque events, and "[DONE]" (or EOF) ends the stream
// cleanly.
func (c *Client) StreamChat(ctx context.Context, modelID string, history []provider.Message) (*provider.Stream, error) {
	body, err := json.Marshal(chatRequest{
		Model:    modelID,
		Messages: history,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := sharedStreamingClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
		resp.Body.Close()
		return nil, provider.ErrUpstream(resp.StatusCode, string(errBody))
	}

	stream := provider.NewStream(64)
	go c.decodeStream(ctx, resp.Body, stream)
	return stream, nil
}

// decodeStream reads SSE payloads until the terminator and emits
// canonical events. Runs on its own goroutine and always closes both
// the response body and the stream.
func (c *Client) decodeStream(ctx context.Context, body io.ReadCloser, stream *provider.Stream) {
	defer body.Close()

	reader := newSSEReader(body)
	for {
		select {
		case <-ctx.Done():
			stream.Close(ctx.Err())
			return
		default:
		}

		data, err := reader.next()
		if err != nil {
			if err == io.EOF {
				stream.Close(nil)
			} else {
				stream.Close(fmt.Errorf("stream read failed: %w", err))
			}
			return
		}

		if bytes.Equal(data, []byte("[DONE]")) {
			stream.Close(nil)
			return
		}

		var frame streamFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			// Malformed frame; skip rather than kill the stream.
			continue
		}

		for _, ev := range frameEvents(data, frame) {
			if !stream.Send(ctx, ev) {
				stream.Close(ctx.Err())
				return
			}
		}
	}
}

// frameEvents converts one decoded frame into its canonical events.
// Within a frame, reasoning precedes content; a frame matching no known
// shape yields a single opaque event carrying the raw payload.
func frameEvents(raw []byte, frame streamFrame) []provider.Event {
	if len(frame.Choices) == 0 {
		return []provider.Event{provider.OpaqueEvent(raw)}
	}

	delta := frame.Choices[0].Delta
	var events []provider.Event

	for _, key := range reasoningKeys {
		if text, ok := delta[key].(string); ok && text != "" {
			events = append(events, provider.ReasoningEvent(text))
			break
		}
	}
	if text, ok := delta["content"].(string); ok && text != "" {
		events = append(events, provider.ContentEvent(text))
	}
	return events
}
