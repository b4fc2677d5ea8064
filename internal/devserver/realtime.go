// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// realtime.go - Phoenix channel hub: joins, heartbeats, broadcast fan-out
// and postgres_changes delivery for the messages table.

package devserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jeranaias/instachat-tui/internal/realtime"
)

const (
	// sendBuffer is the per-socket outbound queue. A socket that falls this
	// far behind is dropped.
	sendBuffer = 64

	writeWait   = 10 * time.Second
	idleTimeout = 90 * time.Second
	maxFrame    = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Terminal clients send no Origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ============================================================================
// HUB
// ============================================================================

type hub struct {
	srv *Server
	log *zap.Logger

	mu    sync.RWMutex
	conns map[*conn]struct{}
}

func newHub(srv *Server, log *zap.Logger) *hub {
	return &hub{srv: srv, log: log, conns: make(map[*conn]struct{})}
}

func (h *hub) add(c *conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) remove(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *hub) snapshot() []*conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		out = append(out, c)
	}
	return out
}

// closeAll drops every socket and returns how many were open.
func (h *hub) closeAll() int {
	conns := h.snapshot()
	for _, c := range conns {
		c.close()
	}
	return len(conns)
}

func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	c := &conn{
		id:     newID(),
		hub:    h,
		ws:     ws,
		send:   make(chan realtime.Frame, sendBuffer),
		done:   make(chan struct{}),
		topics: make(map[string]*subscription),
	}
	c.log = h.log.With(zap.String("conn", c.id[:8]))
	h.add(c)
	c.log.Debug("socket opened", zap.String("remote", GetClientIP(r)))

	go c.writePump()
	c.readPump()

	h.remove(c)
	c.close()
	c.log.Debug("socket closed")
}

// broadcast forwards a broadcast payload to every other socket joined to
// topic, and back to the sender when it joined with self delivery.
func (h *hub) broadcast(from *conn, topic string, payload json.RawMessage) {
	f := realtime.Frame{Topic: topic, Event: realtime.EventBroadcast, Payload: payload}
	for _, c := range h.snapshot() {
		sub := c.subscription(topic)
		if sub == nil {
			continue
		}
		if c == from && !sub.self {
			continue
		}
		c.push(f)
	}
}

type changeData struct {
	Type            string   `json:"type"`
	Schema          string   `json:"schema"`
	Table           string   `json:"table"`
	CommitTimestamp string   `json:"commit_timestamp"`
	Columns         []column `json:"columns"`
	Record          Row      `json:"record"`
	Errors          any      `json:"errors"`
}

type column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

var messageColumns = []column{
	{Name: "id", Type: "uuid"},
	{Name: "text", Type: "text"},
	{Name: "user_id", Type: "uuid"},
	{Name: "sender", Type: "text"},
	{Name: "created_at", Type: "timestamptz"},
}

// publishInsert delivers a postgres_changes INSERT for row to every socket
// subscribed to message inserts.
func (h *hub) publishInsert(seq int64, row Row) {
	payload, err := json.Marshal(map[string]any{
		"ids": []int64{seq},
		"data": changeData{
			Type:            "INSERT",
			Schema:          "public",
			Table:           "messages",
			CommitTimestamp: row.CreatedAt,
			Columns:         messageColumns,
			Record:          row,
		},
	})
	if err != nil {
		h.log.Error("marshal change", zap.Error(err))
		return
	}

	delivered := 0
	for _, c := range h.snapshot() {
		sub := c.subscription(realtime.TopicMessages)
		if sub == nil || !sub.changes {
			continue
		}
		c.push(realtime.Frame{Topic: realtime.TopicMessages, Event: realtime.EventChanges, Payload: payload})
		delivered++
	}
	h.log.Debug("insert published", zap.String("id", row.ID), zap.Int("sockets", delivered))
}

// ============================================================================
// CONNECTION
// ============================================================================

type subscription struct {
	joinRef string
	changes bool
	self    bool
	userID  string
}

type conn struct {
	id   string
	hub  *hub
	ws   *websocket.Conn
	log  *zap.Logger
	send chan realtime.Frame
	done chan struct{}

	closeOnce sync.Once

	mu     sync.Mutex
	topics map[string]*subscription
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *conn) subscription(topic string) *subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topics[topic]
}

// push queues f without blocking. A full queue drops the socket.
func (c *conn) push(f realtime.Frame) {
	select {
	case <-c.done:
	case c.send <- f:
	default:
		c.log.Warn("send queue full, dropping socket")
		c.close()
	}
}

func (c *conn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(f); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				c.close()
				return
			}
		}
	}
}

func (c *conn) readPump() {
	c.ws.SetReadLimit(maxFrame)
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(idleTimeout))
		var f realtime.Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read failed", zap.Error(err))
			}
			return
		}
		c.handle(f)
	}
}

func (c *conn) reply(f realtime.Frame, status string, response any) {
	if response == nil {
		response = struct{}{}
	}
	resp, err := json.Marshal(response)
	if err != nil {
		return
	}
	payload, err := json.Marshal(realtime.ReplyPayload{Status: status, Response: resp})
	if err != nil {
		return
	}
	c.push(realtime.Frame{
		Topic:   f.Topic,
		Event:   realtime.EventReply,
		Payload: payload,
		Ref:     f.Ref,
		JoinRef: f.JoinRef,
	})
}

func (c *conn) handle(f realtime.Frame) {
	if f.Topic == realtime.TopicPhoenix {
		if f.Event == realtime.EventHeartbeat {
			c.reply(f, "ok", nil)
		}
		return
	}

	switch f.Event {
	case realtime.EventJoin:
		c.join(f)
	case realtime.EventLeave:
		c.mu.Lock()
		delete(c.topics, f.Topic)
		c.mu.Unlock()
		c.reply(f, "ok", nil)
	case realtime.EventAccessToken:
		c.refreshToken(f)
	case realtime.EventBroadcast:
		if c.subscription(f.Topic) == nil {
			c.reply(f, "error", map[string]string{"reason": "unmatched topic"})
			return
		}
		c.hub.broadcast(c, f.Topic, f.Payload)
	default:
		c.log.Debug("ignoring frame", zap.String("topic", f.Topic), zap.String("event", f.Event))
	}
}

// resolveToken maps a channel access token to a user. Empty and anon-key
// tokens are anonymous.
func (c *conn) resolveToken(token string) (string, bool) {
	if token == "" || token == c.hub.srv.AnonKey() {
		return "", true
	}
	return c.hub.srv.UserForToken(token)
}

func (c *conn) join(f realtime.Frame) {
	var p realtime.JoinPayload
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			c.reply(f, "error", map[string]string{"reason": "malformed join payload"})
			return
		}
	}
	userID, ok := c.resolveToken(p.AccessToken)
	if !ok {
		c.reply(f, "error", map[string]string{"reason": "Invalid token"})
		return
	}

	sub := &subscription{self: p.Config.Broadcast.Self, userID: userID}
	if f.JoinRef != nil {
		sub.joinRef = *f.JoinRef
	} else if f.Ref != nil {
		sub.joinRef = *f.Ref
	}

	type changeAck struct {
		ID     int    `json:"id"`
		Event  string `json:"event"`
		Schema string `json:"schema"`
		Table  string `json:"table"`
		Filter string `json:"filter,omitempty"`
	}
	acks := []changeAck{}
	for i, pc := range p.Config.PostgresChanges {
		if (pc.Table == "messages" || pc.Table == "*") && (pc.Event == "INSERT" || pc.Event == "*") {
			sub.changes = true
		}
		acks = append(acks, changeAck{ID: i + 1, Event: pc.Event, Schema: pc.Schema, Table: pc.Table, Filter: pc.Filter})
	}

	c.mu.Lock()
	c.topics[f.Topic] = sub
	c.mu.Unlock()

	c.reply(f, "ok", map[string]any{"postgres_changes": acks})
	c.log.Debug("joined", zap.String("topic", f.Topic), zap.Bool("changes", sub.changes), zap.Bool("anonymous", userID == ""))

	if sub.changes {
		notice, _ := json.Marshal(map[string]string{
			"status":    "ok",
			"message":   "Subscribed to PostgreSQL",
			"extension": "postgres_changes",
			"channel":   f.Topic,
		})
		c.push(realtime.Frame{Topic: f.Topic, Event: realtime.EventSystem, Payload: notice})
	}
}

func (c *conn) refreshToken(f realtime.Frame) {
	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(f.Payload, &body); err != nil {
		return
	}
	userID, ok := c.resolveToken(body.AccessToken)
	if !ok {
		c.log.Debug("rejected channel token")
		return
	}

	c.mu.Lock()
	if sub := c.topics[f.Topic]; sub != nil {
		sub.userID = userID
	}
	c.mu.Unlock()
}
