// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ErrorKind categorizes provider errors for handling.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindProviderNotFound
	KindModelNotFound
	KindNotDownloaded
	KindUpstream
	KindDownload
	KindDelete
)

// Error represents a failure in provider resolution, model management,
// or upstream communication.
type Error struct {
	Kind    ErrorKind
	Model   string // model id the failure relates to, when known
	Message string
	Status  int // upstream HTTP status, for KindUpstream
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// =============================================================================
// CONSTRUCTORS
// =============================================================================

// ErrProviderNotFound builds the error for a model id no registered
// provider claims. The id is echoed so callers can report it verbatim.
func ErrProviderNotFound(modelID string) *Error {
	return &Error{
		Kind:    KindProviderNotFound,
		Model:   modelID,
		Message: fmt.Sprintf("no provider found for model: %s", modelID),
	}
}

// ErrModelNotFound builds the error for a model id the owning provider
// does not recognize.
func ErrModelNotFound(modelID, detail string) *Error {
	msg := fmt.Sprintf("model not found: %s", modelID)
	if detail != "" {
		msg += ". " + detail
	}
	return &Error{Kind: KindModelNotFound, Model: modelID, Message: msg}
}

// ErrNotDownloaded builds the error for a known model whose artifact is
// not present locally. The hint tells the caller how to fetch it.
func ErrNotDownloaded(modelID, hint string) *Error {
	msg := fmt.Sprintf("model %s is not downloaded", modelID)
	if hint != "" {
		msg += ". " + hint
	}
	return &Error{Kind: KindNotDownloaded, Model: modelID, Message: msg}
}

// ErrUpstream builds the error for a rejected or failed upstream call,
// preserving the HTTP status and response body.
func ErrUpstream(status int, body string) *Error {
	return &Error{
		Kind:    KindUpstream,
		Status:  status,
		Message: fmt.Sprintf("upstream error (HTTP %d): %s", status, body),
	}
}

// ErrDownload wraps a failed artifact download.
func ErrDownload(modelID string, cause error) *Error {
	return &Error{
		Kind:    KindDownload,
		Model:   modelID,
		Message: fmt.Sprintf("download failed for %s", modelID),
		Cause:   cause,
	}
}

// ErrDelete wraps a failed artifact deletion.
func ErrDelete(modelID string, cause error) *Error {
	return &Error{
		Kind:    KindDelete,
		Model:   modelID,
		Message: fmt.Sprintf("delete failed for %s", modelID),
		Cause:   cause,
	}
}

// =============================================================================
// PREDICATES
// =============================================================================

func kindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// IsProviderNotFound reports whether err is a provider resolution failure.
func IsProviderNotFound(err error) bool { return kindOf(err) == KindProviderNotFound }

// IsModelNotFound reports whether err is an unknown-model failure.
func IsModelNotFound(err error) bool { return kindOf(err) == KindModelNotFound }

// IsNotDownloaded reports whether err is a missing-artifact failure.
func IsNotDownloaded(err error) bool { return kindOf(err) == KindNotDownloaded }

// IsUpstream reports whether err is an upstream communication failure.
func IsUpstream(err error) bool { return kindOf(err) == KindUpstream }
