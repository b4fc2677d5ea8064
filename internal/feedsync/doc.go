// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package feedsync reconciles the message history with the live channel and
// drives typing presence for one chat screen.
//
// A Controller owns a feed.Store, a presence.Tracker and the subscription on a
// Realtime manager. Every mutation happens on the controller loop, so the
// initial fetch and live inserts can race freely: merging by message ID is
// idempotent.
//
// # Usage
//
//	ctrl := feedsync.NewController(client, manager, feedsync.DefaultConfig(),
//	    feedsync.WithLogger(log))
//	go ctrl.Run(ctx)
//	defer ctrl.Close()
//
//	ctrl.SetIdentity(user, accessToken)
//	ctrl.Start()
//
//	changes, stop := ctrl.Changes()
//	defer stop()
//	for range changes {
//	    render(ctrl.Snapshot())
//	}
package feedsync
