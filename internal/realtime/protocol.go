// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package realtime

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// =============================================================================
// WIRE CONSTANTS
// =============================================================================

// Phoenix channel events.
const (
	EventJoin        = "phx_join"
	EventLeave       = "phx_leave"
	EventReply       = "phx_reply"
	EventError       = "phx_error"
	EventClose       = "phx_close"
	EventHeartbeat   = "heartbeat"
	EventAccessToken = "access_token"
	EventBroadcast   = "broadcast"
	EventChanges     = "postgres_changes"
	EventSystem      = "system"
	EventPresence    = "presence_state"
)

const (
	// TopicPhoenix is the socket-level topic used for heartbeats.
	TopicPhoenix = "phoenix"

	// TopicMessages is the channel topic for the shared feed.
	TopicMessages = "realtime:public:messages"

	// TypingEventName is the broadcast event name for typing signals.
	TypingEventName = "typing"

	protocolVersion = "1.0.0"
)

// =============================================================================
// FRAMES
// =============================================================================

// Frame is a Phoenix v1 JSON message.
type Frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
	JoinRef *string         `json:"join_ref,omitempty"`
}

// RefString returns the frame ref or "".
func (f Frame) RefString() string {
	if f.Ref == nil {
		return ""
	}
	return *f.Ref
}

func strPtr(s string) *string { return &s }

// newFrame marshals payload into a frame.
func newFrame(topic, event string, payload any, ref, joinRef string) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	f := Frame{Topic: topic, Event: event, Payload: raw}
	if ref != "" {
		f.Ref = strPtr(ref)
	}
	if joinRef != "" {
		f.JoinRef = strPtr(joinRef)
	}
	return f, nil
}

// =============================================================================
// PAYLOADS
// =============================================================================

// JoinPayload is the phx_join payload for a Supabase Realtime channel.
type JoinPayload struct {
	Config      JoinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

// JoinConfig selects what the channel receives.
type JoinConfig struct {
	Broadcast       BroadcastConfig        `json:"broadcast"`
	Presence        PresenceConfig         `json:"presence"`
	PostgresChanges []PostgresChangeFilter `json:"postgres_changes"`
	Private         bool                   `json:"private"`
}

// BroadcastConfig controls broadcast delivery.
type BroadcastConfig struct {
	Ack  bool `json:"ack"`
	Self bool `json:"self"`
}

// PresenceConfig is unused by the feed but required by the server.
type PresenceConfig struct {
	Key string `json:"key"`
}

// PostgresChangeFilter subscribes to row changes on one table.
type PostgresChangeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

// MessagesJoinPayload subscribes to inserts on public.messages and to
// broadcasts from other clients.
func MessagesJoinPayload(accessToken string) JoinPayload {
	return JoinPayload{
		Config: JoinConfig{
			Broadcast: BroadcastConfig{Ack: false, Self: false},
			Presence:  PresenceConfig{Key: ""},
			PostgresChanges: []PostgresChangeFilter{
				{Event: "INSERT", Schema: "public", Table: "messages"},
			},
		},
		AccessToken: accessToken,
	}
}

// BroadcastPayload is the payload of a broadcast frame.
type BroadcastPayload struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// TypingBody is the body of a typing broadcast.
type TypingBody struct {
	User string `json:"user"`
}

// TypingPayload builds the broadcast payload announcing that label is typing.
func TypingPayload(label string) BroadcastPayload {
	body, _ := json.Marshal(TypingBody{User: label})
	return BroadcastPayload{Type: EventBroadcast, Event: TypingEventName, Payload: body}
}

// ReplyPayload is the payload of phx_reply.
type ReplyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// ReplyError returns the server-provided reason of a failed reply.
func (r ReplyPayload) ReplyError() string {
	var body struct {
		Reason string `json:"reason"`
	}
	if len(r.Response) > 0 && json.Unmarshal(r.Response, &body) == nil && body.Reason != "" {
		return body.Reason
	}
	return string(r.Response)
}

// changesPayload is the payload of postgres_changes.
type changesPayload struct {
	IDs  []json.Number `json:"ids"`
	Data struct {
		Type      string          `json:"type"`
		EventType string          `json:"eventType"`
		Schema    string          `json:"schema"`
		Table     string          `json:"table"`
		New       json.RawMessage `json:"new"`
		Record    json.RawMessage `json:"record"`
	} `json:"data"`
}

// =============================================================================
// URL
// =============================================================================

// SocketURL derives the websocket endpoint from a project URL.
//
//	https://abc.supabase.co -> wss://abc.supabase.co/realtime/v1/websocket?apikey=KEY&vsn=1.0.0
func SocketURL(projectURL, apiKey string) (string, error) {
	u, err := url.Parse(strings.TrimRight(projectURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse project url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("project url has no host")
	}
	if !strings.HasSuffix(u.Path, "/websocket") {
		u.Path = strings.TrimRight(u.Path, "/") + "/realtime/v1/websocket"
	}
	q := u.Query()
	if apiKey != "" {
		q.Set("apikey", apiKey)
	}
	q.Set("vsn", protocolVersion)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
