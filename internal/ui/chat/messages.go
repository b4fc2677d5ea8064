// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	tea "github.com/charmbracelet/bubbletea"
)

// =============================================================================
// MESSAGES
// =============================================================================

// SnapshotMsg signals that the feed published a new snapshot.
type SnapshotMsg struct{}

// ActionErrorMsg reports a feed call that failed synchronously, e.g. an
// empty message.
type ActionErrorMsg struct {
	Err error
}

// =============================================================================
// COMMANDS
// =============================================================================

// waitForChange blocks until the feed publishes, then wakes the model.
// The model re-arms it after every SnapshotMsg.
func waitForChange(changes <-chan struct{}) tea.Cmd {
	if changes == nil {
		return nil
	}
	return func() tea.Msg {
		if _, ok := <-changes; !ok {
			return nil
		}
		return SnapshotMsg{}
	}
}
