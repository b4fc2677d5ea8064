// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned when sending on a channel without a live socket.
var ErrNotConnected = errors.New("realtime: not connected")

// socket is one websocket connection speaking Phoenix v1 JSON.
// Reads happen on a single goroutine; writes are serialized by writeMu.
type socket struct {
	conn      *websocket.Conn
	writeWait time.Duration

	writeMu sync.Mutex
	ref     atomic.Uint64

	closeOnce sync.Once
}

// dial opens a websocket connection to url.
func dial(ctx context.Context, dialer *websocket.Dialer, url string, cfg Config) (*socket, error) {
	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("apikey", cfg.APIKey)
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial realtime: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial realtime: %w", err)
	}
	conn.SetReadLimit(cfg.ReadLimit)

	return &socket{conn: conn, writeWait: cfg.WriteWait}, nil
}

// nextRef returns a fresh message ref.
func (s *socket) nextRef() string {
	return strconv.FormatUint(s.ref.Add(1), 10)
}

// send writes one frame.
func (s *socket) send(f Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeWait)); err != nil {
		return err
	}
	if err := s.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("write %s: %w", f.Event, err)
	}
	return nil
}

// read blocks for the next frame, failing if none arrives within wait.
func (s *socket) read(wait time.Duration) (Frame, error) {
	if wait > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
			return Frame{}, err
		}
	}
	var f Frame
	if err := s.conn.ReadJSON(&f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// close sends a close frame and releases the connection. Safe to call more than once.
func (s *socket) close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

// isNormalClose reports whether err is an orderly websocket shutdown.
func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
