// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
)

// =============================================================================
// SHARED TYPES
// =============================================================================

// Message is a single turn of a chat transcript.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", or "system"
	Content string `json:"content"`
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) Message {
	return Message{Role: "user", Content: content}
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: "assistant", Content: content}
}

// Model describes one chat model a provider can serve.
type Model struct {
	// ID is the canonical, registry-resolvable model id, including the
	// provider's namespace prefix where one applies (e.g. "local:...").
	ID string `json:"id"`

	// Name is a human-readable display name.
	Name string `json:"name"`

	// Provider is the name of the owning provider.
	Provider string `json:"provider"`

	// Repo and Filename locate the artifact for locally-managed models.
	Repo     string `json:"repo,omitempty"`
	Filename string `json:"filename,omitempty"`

	// Free reports whether the model costs nothing to invoke.
	Free bool `json:"free"`

	// Downloaded reports local artifact presence. Advisory for remote
	// models. This is the only field expected to change between listings.
	Downloaded bool `json:"downloaded"`

	// SizeGB is an approximate artifact size hint, when known.
	SizeGB float64 `json:"size_gb,omitempty"`
}

// =============================================================================
// PROVIDER CONTRACT
// =============================================================================

// Provider is the contract every chat backend implements.
//
// Owns must be a pure predicate over the model id string: no I/O, no
// mutation, stable for the provider's lifetime. StreamChat returns a
// lazy canonical stream; errors detectable before any generation work
// (unknown model, artifact missing, handshake rejection) surface as the
// error return, while mid-stream failures arrive via Stream.Err.
type Provider interface {
	// Name returns the provider's registry name.
	Name() string

	// ListModels enumerates the models this provider can currently serve.
	ListModels(ctx context.Context) ([]Model, error)

	// Owns reports whether this provider claims the given model id.
	Owns(modelID string) bool

	// StreamChat starts a chat completion for the given model and
	// history, returning the canonical event stream.
	StreamChat(ctx context.Context, modelID string, history []Message) (*Stream, error)
}

// =============================================================================
// MODEL MANAGEMENT
// =============================================================================

// ArtifactState describes where a model artifact is in its lifecycle.
type ArtifactState string

const (
	StateUnknown     ArtifactState = "unknown"
	StateAbsent      ArtifactState = "absent"
	StateDownloading ArtifactState = "downloading"
	StatePresent     ArtifactState = "present"
	StateError       ArtifactState = "error"
)

// ModelStatus reports the availability of one locally-managed model.
type ModelStatus struct {
	ModelID    string        `json:"model_id"`
	State      ArtifactState `json:"state"`
	Downloaded bool          `json:"downloaded"`
	Reason     string        `json:"reason,omitempty"`
}

// ModelManager is implemented by providers that manage local model
// artifacts (download, delete, presence tracking). Remote providers
// do not implement it.
type ModelManager interface {
	// ModelStatus reports the current availability of the model.
	ModelStatus(ctx context.Context, modelID string) (ModelStatus, error)

	// Download fetches the model artifact. Idempotent when the artifact
	// is already present.
	Download(ctx context.Context, modelID string) error

	// DeleteModel removes the model artifact and any cached handles.
	// Returns a model-not-found error when nothing was present.
	DeleteModel(ctx context.Context, modelID string) error
}
