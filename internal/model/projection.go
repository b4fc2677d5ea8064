// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

// =============================================================================
// RENDER PROJECTION
// =============================================================================

// Variant selects how a message bubble is drawn.
type Variant int

const (
	// Theirs is a left-aligned bubble with the sender name.
	Theirs Variant = iota
	// Mine is a right-aligned bubble without a sender name.
	Mine
)

// String returns the string representation of the variant.
func (v Variant) String() string {
	switch v {
	case Mine:
		return "mine"
	case Theirs:
		return "theirs"
	default:
		return "unknown"
	}
}

// Bubble is the display form of a message for a given user.
type Bubble struct {
	ID        string
	Variant   Variant
	Sender    string // empty for Mine
	Text      string
	Timestamp string
}

// Project maps a message and the current user onto a bubble.
func Project(msg Message, user *User) Bubble {
	b := Bubble{
		ID:   msg.ID,
		Text: msg.Text,
	}
	if !msg.CreatedAt.IsZero() {
		b.Timestamp = msg.CreatedAt.Local().Format("15:04")
	}
	if IsMine(msg, user) {
		b.Variant = Mine
		return b
	}
	b.Variant = Theirs
	b.Sender = SenderName(msg.LegacyAuthorLabel)
	return b
}

// ProjectAll projects a slice of messages in order.
func ProjectAll(msgs []Message, user *User) []Bubble {
	out := make([]Bubble, len(msgs))
	for i, m := range msgs {
		out[i] = Project(m, user)
	}
	return out
}

// SenderName returns the name shown above a peer bubble.
func SenderName(label string) string {
	name := LocalPart(NormalizeLabel(label))
	if name == "" {
		return "Unknown"
	}
	return name
}
