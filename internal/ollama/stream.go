// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bufio"
	"encoding/json"
	"io"
)

// =============================================================================
// STREAM READER
// =============================================================================

// StreamReader handles line-by-line JSON parsing of streaming chat
// responses. It owns the response body and must be closed.
type StreamReader struct {
	body   io.ReadCloser
	reader *bufio.Reader
	model  string
	done   bool
}

// NewStreamReader creates a stream reader over a response body.
func NewStreamReader(body io.ReadCloser) *StreamReader {
	return &StreamReader{
		body:   body,
		reader: bufio.NewReader(body),
	}
}

// chatLine is the wire shape of one streaming /api/chat response line.
type chatLine struct {
	Model   string `json:"model"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done       bool   `json:"done"`
	DoneReason string `json:"done_reason,omitempty"`
	EvalCount  int    `json:"eval_count,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Next reads and parses the next chunk. It returns io.EOF after the
// done marker or when the body ends cleanly. Malformed lines are
// skipped; error lines become ClientError.
func (s *StreamReader) Next() (StreamChunk, error) {
	for {
		if s.done {
			return StreamChunk{}, io.EOF
		}

		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(line) == 0 {
				s.done = true
				return StreamChunk{}, io.EOF
			}
			if len(line) == 0 {
				return StreamChunk{}, &ClientError{Type: ErrTypeConnection, Message: "stream interrupted", Cause: err}
			}
			// Fall through and process the final unterminated line.
		}
		if len(line) <= 1 {
			continue
		}

		var parsed chatLine
		if err := json.Unmarshal(line, &parsed); err != nil {
			// Skip malformed lines
			continue
		}
		if parsed.Error != "" {
			s.done = true
			return StreamChunk{}, &ClientError{Type: ErrTypeInvalidResponse, Message: parsed.Error}
		}

		if parsed.Model != "" {
			s.model = parsed.Model
		}
		if parsed.Done {
			s.done = true
		}

		return StreamChunk{
			Content:    parsed.Message.Content,
			Done:       parsed.Done,
			DoneReason: parsed.DoneReason,
			Model:      s.model,
			EvalCount:  parsed.EvalCount,
		}, nil
	}
}

// Model returns the serving model name observed on the stream.
func (s *StreamReader) Model() string {
	return s.model
}

// Close releases the underlying response body.
func (s *StreamReader) Close() error {
	return s.body.Close()
}
