// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Package chat provides the Bubble Tea chat screen of instachat.

The screen is a thin view over a feedsync.Controller:

  - Model (model.go): input, viewport and spinner state, key handling
  - View (view.go): header, message bubbles, typing line, status bar
  - Messages (messages.go): SnapshotMsg and the change listener command
  - Keys (keys.go): key bindings

Every keystroke that edits the draft is reported through Feed.InputChanged,
which throttles the outbound typing signal. Enter calls Feed.Send and clears
the draft; the message appears when the live channel echoes it back.

The model re-reads Feed.Snapshot after each change notification, so it never
holds controller state of its own beyond the last rendered snapshot.

	ctrl := feedsync.NewController(client, manager, feedsync.DefaultConfig())
	m := chat.New(ctrl, styles.NewTheme("auto"), chat.Options{ShowTimestamps: true})
	defer m.Close()
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
*/
package chat
