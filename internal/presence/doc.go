// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package presence tracks "is typing" signals exchanged over the live channel.
//
// The Tracker is a two-state machine (Idle, PeerTyping). An inbound signal from
// a peer moves it to PeerTyping and arms a single expiry in its Slot; each new
// signal re-arms it. Outbound signals pass through a token-bucket throttle so
// that at most one is sent per ThrottleEvery, whatever the keystroke rate.
//
// # Usage
//
//	clock := presence.NewManualClock(time.Now())
//	tr := presence.NewTracker(presence.DefaultConfig(), presence.WithClock(clock))
//	tr.SetSelf("a@x.com")
//	tr.Receive("b@x.com")      // PeerTyping, Label() == "b"
//	clock.Advance(3 * time.Second) // Idle
package presence
