// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package feedsync

import (
	"time"

	"github.com/jeranaias/instachat-tui/internal/model"
)

// =============================================================================
// SNAPSHOT
// =============================================================================

// NoticeLevel orders notices by how prominently the UI should show them.
type NoticeLevel int

const (
	// NoticeStatus is a passive status line, e.g. a dropped connection.
	NoticeStatus NoticeLevel = iota
	// NoticeRetryable asks the user to try again.
	NoticeRetryable
	// NoticeBlocking requires the user to act before continuing, e.g. sign in.
	NoticeBlocking
)

// Notice is a user-facing message raised by the controller.
type Notice struct {
	Level NoticeLevel
	Text  string
	Err   error
	At    time.Time
}

// Snapshot is an immutable view of the controller state.
type Snapshot struct {
	Messages    []model.Message
	User        *model.User
	Loading     bool
	Connected   bool
	TypingLabel string // local part of the typing peer, "" when idle
	Sending     int    // sends awaiting a backend response
	Notice      *Notice
}

// Bubbles projects the messages for rendering.
func (s Snapshot) Bubbles() []model.Bubble {
	return model.ProjectAll(s.Messages, s.User)
}

// Title returns the header title for the current user.
func (s Snapshot) Title() string {
	return model.HeaderTitle(s.User)
}
