// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrManagerClosed is returned by Subscribe after Close.
var ErrManagerClosed = errors.New("realtime: manager closed")

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds socket settings.
type Config struct {
	URL    string // project URL (https://...) or a full websocket URL
	APIKey string

	Heartbeat     time.Duration
	JoinTimeout   time.Duration
	WriteWait     time.Duration
	ReadLimit     int64
	ReconnectBase time.Duration
	MaxReconnects int
}

// DefaultConfig returns the default socket settings.
func DefaultConfig() Config {
	return Config{
		Heartbeat:     25 * time.Second,
		JoinTimeout:   10 * time.Second,
		WriteWait:     10 * time.Second,
		ReadLimit:     1 << 20,
		ReconnectBase: time.Second,
		MaxReconnects: 5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Heartbeat <= 0 {
		c.Heartbeat = d.Heartbeat
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = d.JoinTimeout
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = d.ReadLimit
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = d.ReconnectBase
	}
	if c.MaxReconnects < 0 {
		c.MaxReconnects = 0
	}
	return c
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager owns the single live channel of a chat screen.
//
// Subscribe replaces the current channel, so at most one is open at any time.
// Other components reach the channel only through the Manager.
type Manager struct {
	cfg    Config
	dialer *websocket.Dialer
	log    *zap.Logger

	mu      sync.Mutex
	current *Channel
	gen     uint64
	closed  bool
}

// NewManager creates a manager. A nil logger disables logging.
func NewManager(cfg Config, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Manager{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.JoinTimeout,
		},
		log: log.Named("realtime"),
	}
}

// Subscribe closes any open channel and opens a new one for ident.
// Events are delivered to h from the channel goroutine.
func (m *Manager) Subscribe(ctx context.Context, ident Identity, h Handler) error {
	url, err := SocketURL(m.cfg.URL, m.cfg.APIKey)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	old := m.current
	m.current = nil
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	ch := newChannel(m.cfg, url, m.dialer, ident, h, m.log)
	if err := ch.subscribe(ctx); err != nil {
		m.log.Warn("subscribe failed", zap.Error(err))
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.gen != gen {
		// Closed or replaced while joining.
		_ = ch.Close()
		if m.closed {
			return ErrManagerClosed
		}
		return ErrChannelClosed
	}
	m.current = ch
	return nil
}

// channel returns the open channel or nil.
func (m *Manager) channel() *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// SendTyping publishes a typing signal on the current channel.
func (m *Manager) SendTyping(label string) error {
	ch := m.channel()
	if ch == nil {
		return ErrNotConnected
	}
	return ch.SendTyping(label)
}

// UpdateAccessToken pushes a refreshed JWT to the current channel.
func (m *Manager) UpdateAccessToken(token string) error {
	ch := m.channel()
	if ch == nil {
		return ErrNotConnected
	}
	return ch.UpdateAccessToken(token)
}

// Unsubscribe closes the current channel, if any. The manager stays usable.
func (m *Manager) Unsubscribe() error {
	m.mu.Lock()
	ch := m.current
	m.current = nil
	m.gen++
	m.mu.Unlock()

	if ch == nil {
		return nil
	}
	return ch.Close()
}

// Close closes the current channel and rejects further subscriptions.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return m.Unsubscribe()
}
