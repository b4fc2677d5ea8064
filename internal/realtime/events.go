// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jeranaias/instachat-tui/internal/model"
)

// =============================================================================
// EVENTS
// =============================================================================

// Event is an inbound channel event delivered to a Handler.
type Event interface {
	eventKind() string
}

// Handler receives channel events in arrival order from a single goroutine.
// It must not block for long; owners usually forward events onto their own loop.
type Handler func(Event)

// InsertEvent reports a new row in public.messages.
type InsertEvent struct {
	Message model.Message
}

// TypingEvent reports a peer typing signal.
type TypingEvent struct {
	Label string
}

// ConnectionError reports a failed subscribe or a dropped connection.
type ConnectionError struct {
	Err     error
	Attempt int  // reconnect attempt that failed, 0 for the initial drop
	GaveUp  bool // no further reconnects will be attempted
}

// Subscribed reports that the channel join succeeded.
type Subscribed struct {
	ChannelID   string
	Reconnected bool
}

func (InsertEvent) eventKind() string     { return "insert" }
func (TypingEvent) eventKind() string     { return "typing" }
func (ConnectionError) eventKind() string { return "connection_error" }
func (Subscribed) eventKind() string      { return "subscribed" }

// Kind returns a short name for ev, for logging.
func Kind(ev Event) string {
	if ev == nil {
		return "nil"
	}
	return ev.eventKind()
}

func (e ConnectionError) Error() string {
	if e.Err == nil {
		return "realtime: connection error"
	}
	return "realtime: " + e.Err.Error()
}

// =============================================================================
// DECODING
// =============================================================================

// Decode maps a channel frame onto an Event.
//
// It returns (nil, nil) for frames that carry nothing for the feed (replies,
// presence, system notices, other broadcast events). Frames that should carry
// an event but lack required fields return an error wrapping
// model.ErrMalformedEvent.
func Decode(f Frame) (Event, error) {
	switch f.Event {
	case EventChanges:
		return decodeInsert(f.Payload)
	case EventBroadcast:
		return decodeBroadcast(f.Payload)
	default:
		return nil, nil
	}
}

func decodeInsert(raw json.RawMessage) (Event, error) {
	var p changesPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, malformed("postgres_changes", err)
	}

	kind := p.Data.Type
	if kind == "" {
		kind = p.Data.EventType
	}
	if kind != "" && !strings.EqualFold(kind, "INSERT") {
		return nil, nil
	}
	if p.Data.Table != "" && p.Data.Table != "messages" {
		return nil, nil
	}

	row := p.Data.New
	if isEmptyJSON(row) {
		row = p.Data.Record
	}
	if isEmptyJSON(row) {
		return nil, malformed("postgres_changes", fmt.Errorf("missing new row"))
	}

	// A bad created_at keeps the row; live inserts are appended in arrival order.
	var msg model.Message
	if err := json.Unmarshal(row, &msg); err != nil && !errors.Is(err, model.ErrBadTimestamp) {
		return nil, malformed("postgres_changes", err)
	}
	return InsertEvent{Message: msg}, nil
}

func decodeBroadcast(raw json.RawMessage) (Event, error) {
	var p BroadcastPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, malformed("broadcast", err)
	}
	if p.Event != TypingEventName {
		return nil, nil
	}
	if isEmptyJSON(p.Payload) {
		return nil, malformed("broadcast", fmt.Errorf("missing payload"))
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(p.Payload, &body); err != nil {
		return nil, malformed("broadcast", err)
	}
	userRaw, ok := body["user"]
	if !ok {
		return nil, malformed("broadcast", fmt.Errorf("missing payload.user"))
	}
	var user string
	if err := json.Unmarshal(userRaw, &user); err != nil {
		return nil, malformed("broadcast", fmt.Errorf("payload.user is not a string"))
	}
	if strings.TrimSpace(user) == "" {
		return nil, malformed("broadcast", fmt.Errorf("empty payload.user"))
	}
	return TypingEvent{Label: user}, nil
}

func malformed(what string, err error) error {
	return model.NewSyncError(model.ErrMalformedEvent, "decode "+what, err)
}

func isEmptyJSON(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null" || s == "{}"
}
