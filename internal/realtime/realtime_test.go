// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/instachat-tui/internal/model"
)

// =============================================================================
// FAKE REALTIME SERVER
// =============================================================================

type fakeServer struct {
	srv *httptest.Server

	joinStatus atomic.Value // string
	joins      atomic.Int32
	received   chan Frame

	mu      sync.Mutex
	conns   []*websocket.Conn
	writeMu sync.Mutex
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{received: make(chan Frame, 64)}
	fs.joinStatus.Store("ok")
	upgrader := websocket.Upgrader{}

	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/realtime/v1/websocket" || r.URL.Query().Get("vsn") != "1.0.0" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.conns = append(fs.conns, conn)
		fs.mu.Unlock()

		for {
			var f Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			switch f.Event {
			case EventJoin:
				fs.joins.Add(1)
				fs.reply(conn, f, fs.joinStatus.Load().(string))
			case EventHeartbeat:
				fs.reply(conn, f, "ok")
			default:
				fs.received <- f
			}
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) reply(conn *websocket.Conn, req Frame, status string) {
	payload := map[string]any{"status": status, "response": map[string]any{}}
	if status != "ok" {
		payload["response"] = map[string]any{"reason": "unauthorized"}
	}
	raw, _ := json.Marshal(payload)
	fs.write(conn, Frame{Topic: req.Topic, Event: EventReply, Payload: raw, Ref: req.Ref, JoinRef: req.JoinRef})
}

func (fs *fakeServer) write(conn *websocket.Conn, f Frame) {
	fs.writeMu.Lock()
	defer fs.writeMu.Unlock()
	_ = conn.WriteJSON(f)
}

func (fs *fakeServer) last() *websocket.Conn {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.conns) == 0 {
		return nil
	}
	return fs.conns[len(fs.conns)-1]
}

func (fs *fakeServer) push(event string, payload string) {
	fs.write(fs.last(), Frame{Topic: TopicMessages, Event: event, Payload: json.RawMessage(payload)})
}

func (fs *fakeServer) drop() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, c := range fs.conns {
		c.Close()
	}
}

func testConfig(url string) Config {
	return Config{
		URL:           url,
		APIKey:        "anon",
		Heartbeat:     time.Second,
		JoinTimeout:   2 * time.Second,
		ReconnectBase: 10 * time.Millisecond,
		MaxReconnects: 3,
	}
}

func collect() (Handler, chan Event) {
	ch := make(chan Event, 64)
	return func(ev Event) { ch <- ev }, ch
}

func next(t *testing.T, events chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func nextFrame(t *testing.T, frames chan Frame) Frame {
	t.Helper()
	select {
	case f := <-frames:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

// =============================================================================
// URL TESTS
// =============================================================================

func TestSocketURL(t *testing.T) {
	got, err := SocketURL("https://abc.supabase.co/", "KEY")
	require.NoError(t, err)
	assert.Equal(t, "wss://abc.supabase.co/realtime/v1/websocket?apikey=KEY&vsn=1.0.0", got)

	got, err = SocketURL("http://127.0.0.1:54321", "")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:54321/realtime/v1/websocket?vsn=1.0.0", got)

	_, err = SocketURL("ftp://x", "k")
	assert.Error(t, err)
}

// =============================================================================
// DECODE TESTS
// =============================================================================

func TestDecode(t *testing.T) {
	tests := []struct {
		name      string
		frame     Frame
		want      Event
		malformed bool
	}{
		{
			name: "insert",
			frame: Frame{Event: EventChanges, Payload: json.RawMessage(`{"ids":[1],"data":{"type":"INSERT","table":"messages",
				"new":{"id":7,"text":"hi","sender":"b@x.com","user_id":"u2","created_at":"2025-01-01T00:00:00Z"}}}`)},
			want: InsertEvent{Message: model.Message{ID: "7", Text: "hi", LegacyAuthorLabel: "b@x.com", AuthorID: "u2",
				CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}},
		},
		{
			name:  "insert with record key",
			frame: Frame{Event: EventChanges, Payload: json.RawMessage(`{"data":{"type":"INSERT","record":{"id":"a","text":"x"}}}`)},
			want:  InsertEvent{Message: model.Message{ID: "a", Text: "x"}},
		},
		{
			name:      "insert missing id",
			frame:     Frame{Event: EventChanges, Payload: json.RawMessage(`{"data":{"type":"INSERT","new":{"text":"x"}}}`)},
			malformed: true,
		},
		{
			name:  "insert with unreadable created_at",
			frame: Frame{Event: EventChanges, Payload: json.RawMessage(`{"data":{"type":"INSERT","record":{"id":"b","text":"x","created_at":"soon"}}}`)},
			want:  InsertEvent{Message: model.Message{ID: "b", Text: "x"}},
		},
		{
			name:      "insert missing row",
			frame:     Frame{Event: EventChanges, Payload: json.RawMessage(`{"data":{"type":"INSERT"}}`)},
			malformed: true,
		},
		{
			name:  "update ignored",
			frame: Frame{Event: EventChanges, Payload: json.RawMessage(`{"data":{"type":"UPDATE","new":{"id":1}}}`)},
		},
		{
			name:  "typing",
			frame: Frame{Event: EventBroadcast, Payload: json.RawMessage(`{"type":"broadcast","event":"typing","payload":{"user":"b@x.com"}}`)},
			want:  TypingEvent{Label: "b@x.com"},
		},
		{
			name:      "typing missing user",
			frame:     Frame{Event: EventBroadcast, Payload: json.RawMessage(`{"type":"broadcast","event":"typing","payload":{}}`)},
			malformed: true,
		},
		{
			name:      "typing user not a string",
			frame:     Frame{Event: EventBroadcast, Payload: json.RawMessage(`{"type":"broadcast","event":"typing","payload":{"user":42}}`)},
			malformed: true,
		},
		{
			name:      "typing without payload",
			frame:     Frame{Event: EventBroadcast, Payload: json.RawMessage(`{"type":"broadcast","event":"typing"}`)},
			malformed: true,
		},
		{
			name:      "broadcast not json",
			frame:     Frame{Event: EventBroadcast, Payload: json.RawMessage(`"nope"`)},
			malformed: true,
		},
		{
			name:  "other broadcast ignored",
			frame: Frame{Event: EventBroadcast, Payload: json.RawMessage(`{"type":"broadcast","event":"wave","payload":{}}`)},
		},
		{
			name:  "reply ignored",
			frame: Frame{Event: EventReply, Payload: json.RawMessage(`{"status":"ok","response":{}}`)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode(tt.frame)
			if tt.malformed {
				assert.ErrorIs(t, err, model.ErrMalformedEvent)
				assert.Nil(t, ev)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev)
		})
	}
}

func TestTypingPayload(t *testing.T) {
	raw, err := json.Marshal(TypingPayload("a@x.com"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"broadcast","event":"typing","payload":{"user":"a@x.com"}}`, string(raw))
}

func TestMessagesJoinPayload(t *testing.T) {
	raw, err := json.Marshal(MessagesJoinPayload("jwt"))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"config": {
			"broadcast": {"ack": false, "self": false},
			"presence": {"key": ""},
			"postgres_changes": [{"event": "INSERT", "schema": "public", "table": "messages"}],
			"private": false
		},
		"access_token": "jwt"
	}`, string(raw))
}

// =============================================================================
// MANAGER TESTS
// =============================================================================

// live reports whether m holds a joined channel.
func live(m *Manager) bool {
	ch := m.channel()
	return ch != nil && ch.Connected()
}

func TestManager_SubscribeAndReceive(t *testing.T) {
	fs := newFakeServer(t)
	m := NewManager(testConfig(fs.srv.URL), nil)
	defer m.Close()

	h, events := collect()
	require.NoError(t, m.Subscribe(context.Background(), Identity{Label: "a@x.com", AccessToken: "jwt"}, h))
	assert.IsType(t, Subscribed{}, next(t, events))
	assert.True(t, live(m))

	fs.push(EventChanges, `{"data":{"type":"INSERT","new":{"id":1,"text":"hi"}}}`)
	fs.push(EventBroadcast, `{"type":"broadcast","event":"typing","payload":{}}`)
	fs.push(EventBroadcast, `{"type":"broadcast","event":"typing","payload":{"user":"b@x.com"}}`)

	ins, ok := next(t, events).(InsertEvent)
	require.True(t, ok)
	assert.Equal(t, "1", ins.Message.ID)

	// The malformed broadcast was dropped; the channel keeps working.
	typ, ok := next(t, events).(TypingEvent)
	require.True(t, ok)
	assert.Equal(t, "b@x.com", typ.Label)
	assert.True(t, live(m))
}

func TestManager_SendTyping(t *testing.T) {
	fs := newFakeServer(t)
	m := NewManager(testConfig(fs.srv.URL), nil)
	defer m.Close()

	h, events := collect()
	require.NoError(t, m.Subscribe(context.Background(), Identity{Label: "a@x.com"}, h))
	next(t, events)

	require.NoError(t, m.SendTyping("a@x.com"))
	f := nextFrame(t, fs.received)
	assert.Equal(t, TopicMessages, f.Topic)
	assert.Equal(t, EventBroadcast, f.Event)
	assert.JSONEq(t, `{"type":"broadcast","event":"typing","payload":{"user":"a@x.com"}}`, string(f.Payload))
	require.NotNil(t, f.JoinRef)

	require.NoError(t, m.UpdateAccessToken("jwt2"))
	f = nextFrame(t, fs.received)
	assert.Equal(t, EventAccessToken, f.Event)
	assert.JSONEq(t, `{"access_token":"jwt2"}`, string(f.Payload))
}

func TestManager_JoinRejected(t *testing.T) {
	fs := newFakeServer(t)
	fs.joinStatus.Store("error")
	m := NewManager(testConfig(fs.srv.URL), nil)
	defer m.Close()

	h, _ := collect()
	err := m.Subscribe(context.Background(), Identity{Label: "a@x.com"}, h)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized")
	assert.Nil(t, m.channel())
	assert.ErrorIs(t, m.SendTyping("a@x.com"), ErrNotConnected)
}

func TestManager_AtMostOneChannel(t *testing.T) {
	fs := newFakeServer(t)
	m := NewManager(testConfig(fs.srv.URL), nil)
	defer m.Close()

	h, events := collect()
	require.NoError(t, m.Subscribe(context.Background(), Identity{Label: "a@x.com"}, h))
	next(t, events)
	first := m.channel()

	require.NoError(t, m.Subscribe(context.Background(), Identity{Label: "c@x.com"}, h))
	next(t, events)

	select {
	case <-first.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("old channel still running")
	}
	assert.False(t, first.Connected())
	assert.NotSame(t, first, m.channel())
	assert.Equal(t, "c@x.com", m.channel().Identity().Label)
	assert.Equal(t, int32(2), fs.joins.Load())

	leave := nextFrame(t, fs.received)
	assert.Equal(t, EventLeave, leave.Event)
}

func TestManager_ReconnectAfterDrop(t *testing.T) {
	fs := newFakeServer(t)
	m := NewManager(testConfig(fs.srv.URL), nil)
	defer m.Close()

	h, events := collect()
	require.NoError(t, m.Subscribe(context.Background(), Identity{Label: "a@x.com"}, h))
	next(t, events)

	fs.drop()

	ce, ok := next(t, events).(ConnectionError)
	require.True(t, ok)
	assert.Equal(t, 0, ce.Attempt)
	assert.False(t, ce.GaveUp)

	sub, ok := next(t, events).(Subscribed)
	require.True(t, ok)
	assert.True(t, sub.Reconnected)
	assert.Eventually(t, func() bool { return live(m) }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), fs.joins.Load())
}

func TestManager_GivesUpAfterMaxReconnects(t *testing.T) {
	fs := newFakeServer(t)
	cfg := testConfig(fs.srv.URL)
	cfg.MaxReconnects = 2
	m := NewManager(cfg, nil)
	defer m.Close()

	h, events := collect()
	require.NoError(t, m.Subscribe(context.Background(), Identity{Label: "a@x.com"}, h))
	next(t, events)

	fs.joinStatus.Store("error")
	fs.drop()

	var last ConnectionError
	for i := 0; i < 3; i++ {
		ce, ok := next(t, events).(ConnectionError)
		require.True(t, ok)
		last = ce
	}
	assert.Equal(t, 2, last.Attempt)
	assert.True(t, last.GaveUp)
	assert.False(t, live(m))
}

func TestManager_CloseRejectsSubscribe(t *testing.T) {
	fs := newFakeServer(t)
	m := NewManager(testConfig(fs.srv.URL), nil)
	require.NoError(t, m.Close())

	h, _ := collect()
	assert.ErrorIs(t, m.Subscribe(context.Background(), Identity{}, h), ErrManagerClosed)
}

func TestChannel_NoEventsAfterClose(t *testing.T) {
	fs := newFakeServer(t)
	m := NewManager(testConfig(fs.srv.URL), nil)

	h, events := collect()
	require.NoError(t, m.Subscribe(context.Background(), Identity{Label: "a@x.com"}, h))
	next(t, events)
	ch := m.channel()

	require.NoError(t, m.Close())
	<-ch.Done()

	select {
	case ev := <-events:
		t.Fatalf("unexpected event after close: %s", Kind(ev))
	case <-time.After(50 * time.Millisecond):
	}
	assert.ErrorIs(t, ch.SendTyping("a@x.com"), ErrChannelClosed)
}
