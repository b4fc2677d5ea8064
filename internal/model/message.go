// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message is a single row of the shared feed.
// Messages are created by the bulk fetch or by a live insert and never change afterwards.
type Message struct {
	ID                string    `json:"id"`
	Text              string    `json:"text"`
	AuthorID          string    `json:"user_id"`
	LegacyAuthorLabel string    `json:"sender"`
	CreatedAt         time.Time `json:"created_at"`
}

// wireMessage mirrors the row as PostgREST and the realtime change feed send it.
// The id column may be a bigint or a uuid, user_id is nullable on legacy rows.
type wireMessage struct {
	ID        json.RawMessage `json:"id"`
	Text      *string         `json:"text"`
	UserID    *string         `json:"user_id"`
	Sender    *string         `json:"sender"`
	CreatedAt *string         `json:"created_at"`
}

// createdAtLayouts are tried in order when parsing created_at.
var createdAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999",
}

// UnmarshalJSON decodes a message row leniently.
// Only the id is mandatory, every other column falls back to its zero value.
// An unparsable created_at still fills m, with a zero CreatedAt, and returns
// an error wrapping ErrBadTimestamp so callers can keep the row.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	id, err := decodeID(w.ID)
	if err != nil {
		return err
	}

	out := Message{ID: id}
	if w.Text != nil {
		out.Text = *w.Text
	}
	if w.UserID != nil {
		out.AuthorID = *w.UserID
	}
	if w.Sender != nil {
		out.LegacyAuthorLabel = *w.Sender
	}
	if w.CreatedAt != nil && *w.CreatedAt != "" {
		ts, err := ParseTimestamp(*w.CreatedAt)
		if err != nil {
			*m = out
			return err
		}
		out.CreatedAt = ts
	}

	*m = out
	return nil
}

// decodeID accepts a JSON string or number and returns its canonical string form.
func decodeID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", fmt.Errorf("message: missing id")
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("message: bad id: %w", err)
		}
		if s == "" {
			return "", fmt.Errorf("message: empty id")
		}
		return s, nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("message: bad id: %w", err)
	}
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	return n.String(), nil
}

// ParseTimestamp parses a created_at value as Postgres renders it.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range createdAtLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("message: %w %q", ErrBadTimestamp, s)
}

// IsZero reports whether the message carries no identity.
func (m Message) IsZero() bool {
	return m.ID == ""
}

// =============================================================================
// OUTBOUND MESSAGE
// =============================================================================

// NewMessage is the insert payload for an outbound message.
// The backend assigns id and created_at.
type NewMessage struct {
	Text     string `json:"text"`
	Sender   string `json:"sender"`
	AuthorID string `json:"user_id"`
}

// NewOutbound builds the insert payload for text written by author.
// Text is trimmed and normalized, an empty result is rejected with ErrEmptyMessage.
func NewOutbound(text string, author *User) (NewMessage, error) {
	text = norm.NFC.String(strings.TrimSpace(text))
	if text == "" {
		return NewMessage{}, ErrEmptyMessage
	}
	if !author.Resolved() {
		return NewMessage{}, ErrAuthMissing
	}
	return NewMessage{
		Text:     text,
		Sender:   author.DisplayLabel(),
		AuthorID: author.ID,
	}, nil
}

// AsMessage returns the local view of an outbound message before the backend assigns an id.
func (n NewMessage) AsMessage() Message {
	return Message{
		Text:              n.Text,
		AuthorID:          n.AuthorID,
		LegacyAuthorLabel: n.Sender,
	}
}

// =============================================================================
// IDENTITY RULE
// =============================================================================

// IsMine reports whether msg was written by user.
//
// The author id decides when both sides carry one. Rows without an author id
// are legacy data and fall back to comparing the sender label. An empty user
// id never matches an empty author id.
func IsMine(msg Message, user *User) bool {
	if user == nil {
		return false
	}
	if msg.AuthorID != "" && user.ID != "" {
		return msg.AuthorID == user.ID
	}
	if msg.AuthorID != "" {
		return false
	}
	label := NormalizeLabel(msg.LegacyAuthorLabel)
	return label != "" && label == user.DisplayLabel()
}
