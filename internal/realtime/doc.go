// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package realtime subscribes to the Supabase Realtime feed channel.
//
// The channel speaks Phoenix v1 JSON over a websocket and multiplexes two
// event kinds: row inserts on public.messages and "typing" broadcasts.
// Inbound frames are decoded into a closed set of events (InsertEvent,
// TypingEvent, ConnectionError, Subscribed) and handed to a Handler in
// arrival order. Frames missing required fields are logged and dropped.
//
// # Key Types
//
//   - Manager: owns at most one live Channel
//   - Channel: one joined topic with heartbeat and reconnect
//   - Frame: wire message
//   - Event: decoded inbound event
//
// # Usage
//
//	m := realtime.NewManager(realtime.Config{URL: url, APIKey: key}, log)
//	err := m.Subscribe(ctx, realtime.Identity{Label: "a@x.com", AccessToken: jwt},
//	    func(ev realtime.Event) { events <- ev })
//	m.SendTyping("a@x.com")
//	m.Close()
package realtime
