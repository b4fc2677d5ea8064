// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrChannelClosed is returned when using a channel after Close.
var ErrChannelClosed = errors.New("realtime: channel closed")

// Identity is what a channel needs to know about the signed-in user.
type Identity struct {
	Label       string // display label used for typing signals
	AccessToken string // JWT sent with the join and on refresh
}

// =============================================================================
// CHANNEL
// =============================================================================

// Channel is a joined feed topic on its own socket.
//
// A single goroutine reads the socket, delivers events to the handler and, if
// the connection drops, reconnects with linear backoff.
type Channel struct {
	ID       string
	identity Identity

	cfg     Config
	url     string
	dialer  *websocket.Dialer
	handler Handler
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	sock      *socket
	joinRef   string
	token     string
	connected atomic.Bool
	closeOnce sync.Once
}

func newChannel(cfg Config, url string, dialer *websocket.Dialer, ident Identity, h Handler, log *zap.Logger) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &Channel{
		ID:       id,
		identity: ident,
		cfg:      cfg,
		url:      url,
		dialer:   dialer,
		handler:  h,
		log:      log.With(zap.String("channel", id), zap.String("topic", TopicMessages)),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		token:    ident.AccessToken,
	}
}

// Identity returns the identity the channel was opened with.
func (c *Channel) Identity() Identity {
	return c.identity
}

// Connected reports whether the channel is joined on a live socket.
func (c *Channel) Connected() bool {
	return c.connected.Load()
}

// Done is closed once the channel's goroutine has exited.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// subscribe dials and joins. On success the read loop is started.
func (c *Channel) subscribe(ctx context.Context) error {
	sock, err := c.connect(ctx)
	if err != nil {
		c.cancel()
		close(c.done)
		return err
	}
	go c.run(sock)
	return nil
}

// connect dials a socket and joins the topic on it.
func (c *Channel) connect(ctx context.Context) (*socket, error) {
	sock, err := dial(ctx, c.dialer, c.url, c.cfg)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	ref := sock.nextRef()
	join, err := newFrame(TopicMessages, EventJoin, MessagesJoinPayload(token), ref, ref)
	if err != nil {
		sock.close()
		return nil, err
	}
	if err := sock.send(join); err != nil {
		sock.close()
		return nil, err
	}

	if err := c.awaitJoin(ctx, sock, ref); err != nil {
		sock.close()
		return nil, err
	}

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		sock.close()
		return nil, ErrChannelClosed
	}
	c.sock = sock
	c.joinRef = ref
	c.mu.Unlock()
	c.connected.Store(true)

	c.log.Info("channel joined")
	return sock, nil
}

// awaitJoin reads until the reply to the join with ref arrives.
func (c *Channel) awaitJoin(ctx context.Context, sock *socket, ref string) error {
	deadline := time.Now().Add(c.cfg.JoinTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	for {
		wait := time.Until(deadline)
		if wait <= 0 {
			return fmt.Errorf("join %s: timed out", TopicMessages)
		}
		f, err := sock.read(wait)
		if err != nil {
			return fmt.Errorf("join %s: %w", TopicMessages, err)
		}
		if f.Topic != TopicMessages || f.Event != EventReply || f.RefString() != ref {
			c.log.Debug("frame before join reply", zap.String("event", f.Event))
			continue
		}

		var reply ReplyPayload
		if err := json.Unmarshal(f.Payload, &reply); err != nil {
			return fmt.Errorf("join %s: bad reply: %w", TopicMessages, err)
		}
		if reply.Status != "ok" {
			return fmt.Errorf("join %s: %s: %s", TopicMessages, reply.Status, reply.ReplyError())
		}
		return nil
	}
}

// run serves sock until it fails, then reconnects. It exits when the channel
// is closed or reconnects are exhausted.
func (c *Channel) run(sock *socket) {
	defer close(c.done)

	c.emit(Subscribed{ChannelID: c.ID})
	for {
		err := c.serve(sock)
		c.connected.Store(false)
		sock.close()
		if c.ctx.Err() != nil {
			return
		}

		c.log.Warn("channel dropped", zap.Error(err))
		c.emit(ConnectionError{Err: err})

		sock = c.reconnect()
		if sock == nil {
			return
		}
		c.emit(Subscribed{ChannelID: c.ID, Reconnected: true})
	}
}

// serve reads frames and sends heartbeats until the socket fails or the channel closes.
func (c *Channel) serve(sock *socket) error {
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		ticker := time.NewTicker(c.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-c.ctx.Done():
				// Unblock the reader.
				sock.close()
				return
			case <-ticker.C:
				hb, _ := newFrame(TopicPhoenix, EventHeartbeat, struct{}{}, sock.nextRef(), "")
				if err := sock.send(hb); err != nil {
					c.log.Debug("heartbeat failed", zap.Error(err))
					sock.close()
					return
				}
			}
		}
	}()

	for {
		f, err := sock.read(2 * c.cfg.Heartbeat)
		if err != nil {
			if c.ctx.Err() != nil || isNormalClose(err) {
				return err
			}
			return fmt.Errorf("read: %w", err)
		}
		if err := c.dispatch(f); err != nil {
			return err
		}
	}
}

// dispatch handles one inbound frame. It returns an error only for frames
// that end the subscription.
func (c *Channel) dispatch(f Frame) error {
	if f.Topic == TopicPhoenix {
		return nil
	}
	if f.Topic != TopicMessages {
		c.log.Debug("frame for unknown topic", zap.String("topic", f.Topic))
		return nil
	}

	switch f.Event {
	case EventError:
		return fmt.Errorf("channel error: %s", string(f.Payload))
	case EventClose:
		return fmt.Errorf("channel closed by server")
	case EventSystem:
		c.log.Debug("system message", zap.ByteString("payload", f.Payload))
		return nil
	}

	ev, err := Decode(f)
	if err != nil {
		c.log.Warn("dropping malformed event",
			zap.String("event", f.Event),
			zap.Error(err),
		)
		return nil
	}
	if ev != nil {
		c.emit(ev)
	}
	return nil
}

// reconnect retries the connection with linear backoff.
func (c *Channel) reconnect() *socket {
	for attempt := 1; attempt <= c.cfg.MaxReconnects; attempt++ {
		delay := c.cfg.ReconnectBase * time.Duration(attempt)
		select {
		case <-c.ctx.Done():
			return nil
		case <-time.After(delay):
		}

		c.log.Info("reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))
		sock, err := c.connect(c.ctx)
		if err == nil {
			return sock
		}
		if c.ctx.Err() != nil {
			return nil
		}

		gaveUp := attempt == c.cfg.MaxReconnects
		c.log.Warn("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
		c.emit(ConnectionError{Err: err, Attempt: attempt, GaveUp: gaveUp})
	}
	if c.cfg.MaxReconnects <= 0 {
		c.emit(ConnectionError{Err: errors.New("reconnect disabled"), GaveUp: true})
	}
	return nil
}

func (c *Channel) emit(ev Event) {
	if c.ctx.Err() != nil {
		return
	}
	if c.handler != nil {
		c.handler(ev)
	}
}

// =============================================================================
// OUTBOUND
// =============================================================================

// SendTyping broadcasts that label is typing.
func (c *Channel) SendTyping(label string) error {
	return c.push(EventBroadcast, TypingPayload(label))
}

// UpdateAccessToken sends a refreshed JWT to the server and uses it for later joins.
func (c *Channel) UpdateAccessToken(token string) error {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return c.push(EventAccessToken, map[string]string{"access_token": token})
}

func (c *Channel) push(event string, payload any) error {
	if c.ctx.Err() != nil {
		return ErrChannelClosed
	}
	c.mu.Lock()
	sock, joinRef := c.sock, c.joinRef
	c.mu.Unlock()
	if sock == nil || !c.connected.Load() {
		return ErrNotConnected
	}

	f, err := newFrame(TopicMessages, event, payload, sock.nextRef(), joinRef)
	if err != nil {
		return err
	}
	return sock.send(f)
}

// Close leaves the topic and tears down the socket. It does not wait for the
// read goroutine; use Done for that.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		sock, joinRef := c.sock, c.joinRef
		c.mu.Unlock()

		if sock != nil && c.connected.Load() {
			if leave, ferr := newFrame(TopicMessages, EventLeave, struct{}{}, sock.nextRef(), joinRef); ferr == nil {
				_ = sock.send(leave)
			}
		}
		c.connected.Store(false)
		c.cancel()
		if sock != nil {
			err = sock.close()
		}
		c.log.Info("channel closed")
	})
	return err
}
