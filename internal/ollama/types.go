// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import "time"

// =============================================================================
// REQUEST TYPES
// =============================================================================

// Message represents a chat message in the conversation.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", or "system"
	Content string `json:"content"`
}

// ChatRequest is the request body for the /api/chat endpoint.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// PullRequest is the request body for the /api/pull endpoint.
type PullRequest struct {
	Name   string `json:"name"`
	Stream bool   `json:"stream"`
}

// DeleteRequest is the request body for the /api/delete endpoint.
type DeleteRequest struct {
	Name string `json:"name"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// ModelInfo describes one model in the local Ollama store.
type ModelInfo struct {
	Name       string       `json:"name"`
	ModifiedAt time.Time    `json:"modified_at"`
	Size       int64        `json:"size"`
	Digest     string       `json:"digest"`
	Details    ModelDetails `json:"details,omitempty"`
}

// ModelDetails carries model metadata from /api/tags.
type ModelDetails struct {
	Format            string `json:"format"`
	Family            string `json:"family"`
	ParameterSize     string `json:"parameter_size"`
	QuantizationLevel string `json:"quantization_level"`
}

// ListModelsResponse is the response from the /api/tags endpoint.
type ListModelsResponse struct {
	Models []ModelInfo `json:"models"`
}

// PullProgress is one NDJSON line from a streaming /api/pull.
type PullProgress struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// apiError is the error body Ollama returns on failed requests.
type apiError struct {
	Error string `json:"error"`
}

// =============================================================================
// STREAMING TYPES
// =============================================================================

// StreamChunk is one parsed line of a streaming chat response.
type StreamChunk struct {
	// Content is the text delta from this line, possibly empty.
	Content string

	// Done marks the final line. DoneReason is set alongside it
	// ("stop", "length").
	Done       bool
	DoneReason string

	// Model is the serving model name, echoed on every line.
	Model string

	// EvalCount is the generated token count, populated on the final line.
	EvalCount int
}
