// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package feedsync

import (
	"errors"

	"github.com/jeranaias/instachat-tui/internal/model"
)

// Error is the typed error produced by controller operations.
type Error = model.SyncError

// Error kinds. errors.Is matches these against any *Error.
var (
	ErrFetchFailed    = model.ErrFetchFailed
	ErrSendFailed     = model.ErrSendFailed
	ErrAuthMissing    = model.ErrAuthMissing
	ErrMalformedEvent = model.ErrMalformedEvent
	ErrEmptyMessage   = model.ErrEmptyMessage
)

// ErrClosed is returned by operations on a closed controller.
var ErrClosed = errors.New("feedsync: controller closed")

// ErrRunning is returned when Run is called twice.
var ErrRunning = errors.New("feedsync: controller already running")
