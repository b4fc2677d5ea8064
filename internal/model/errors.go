// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

var (
	// ErrFetchFailed is returned when the initial history load fails.
	ErrFetchFailed = errors.New("fetch failed")

	// ErrSendFailed is returned when an outbound message could not be persisted.
	ErrSendFailed = errors.New("send failed")

	// ErrAuthMissing is returned when an operation needs a signed-in user.
	ErrAuthMissing = errors.New("not signed in")

	// ErrMalformedEvent is returned for inbound payloads missing required fields.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrEmptyMessage is returned for empty or whitespace-only outbound text.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrBadTimestamp is returned for a created_at value that cannot be parsed.
	ErrBadTimestamp = errors.New("bad created_at")
)

// SyncError records a failed sync operation together with its kind.
// errors.Is matches both the kind sentinel and the underlying cause.
type SyncError struct {
	Kind error  // one of the Err* sentinels above
	Op   string // operation that failed, e.g. "fetch", "send"
	Err  error  // underlying cause, may be nil
}

// NewSyncError creates a SyncError of the given kind.
func NewSyncError(kind error, op string, err error) *SyncError {
	return &SyncError{Kind: kind, Op: op, Err: err}
}

func (e *SyncError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the kind and the cause.
func (e *SyncError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// UserMessage returns the text shown to the user for this error.
func (e *SyncError) UserMessage() string {
	switch {
	case errors.Is(e.Kind, ErrSendFailed):
		return "Message not sent. Please try again."
	case errors.Is(e.Kind, ErrAuthMissing):
		return "You must be logged in to send messages. Please sign in again."
	case errors.Is(e.Kind, ErrFetchFailed):
		return "Could not load messages."
	case errors.Is(e.Kind, ErrEmptyMessage):
		return ""
	default:
		return e.Error()
	}
}
