// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for the shared message feed.
//
// This package defines the core domain types used throughout the application
// for representing users, feed messages, and how a message is projected onto
// the screen for the current user.
//
// # Key Types
//
//   - User: The signed-in identity (opaque ID plus email label)
//   - Message: A row of the public messages table
//   - NewMessage: The insert payload for an outbound message
//   - Bubble: Render projection of a message (mine or theirs)
//   - SyncError: Error taxonomy shared by the sync layer
//
// # Usage
//
// Decide whether a message belongs to the current user:
//
//	me := model.User{ID: "u1", Email: "a@x.com"}
//	if model.IsMine(msg, &me) {
//	    // right-aligned bubble
//	}
//
// Project a message for display:
//
//	b := model.Project(msg, &me)
//	fmt.Println(b.Sender, b.Text)
package model
