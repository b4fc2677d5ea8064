// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultWatchDebounce is how long the watcher waits for writes to settle.
const DefaultWatchDebounce = 150 * time.Millisecond

// =============================================================================
// CROSS-PROCESS WATCH
// =============================================================================

// watcher reloads the session when another process rewrites the session database.
type watcher struct {
	p        *Provider
	fs       *fsnotify.Watcher
	base     string
	debounce time.Duration

	mu      sync.Mutex
	pending time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Watch follows the session database at dbPath. A sign-in or sign-out
// performed by another process is picked up and emitted to subscribers.
func (p *Provider) Watch(dbPath string, debounce time.Duration) error {
	if dbPath == "" || dbPath == ":memory:" {
		return errors.New("session: watch needs a database file")
	}
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// The directory is watched because SQLite rewrites the -wal and -shm files.
	if err := fw.Add(filepath.Dir(dbPath)); err != nil {
		fw.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &watcher{
		p:        p,
		fs:       fw,
		base:     filepath.Base(dbPath),
		debounce: debounce,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	p.mu.Lock()
	if p.closed || p.watcher != nil {
		p.mu.Unlock()
		cancel()
		fw.Close()
		return errors.New("session: already watching or closed")
	}
	p.watcher = w
	p.mu.Unlock()

	go w.run()
	return nil
}

func (w *watcher) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !strings.HasPrefix(filepath.Base(ev.Name), w.base) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			w.pending = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.p.log.Warn("session watcher error", zap.Error(err))

		case <-ticker.C:
			w.mu.Lock()
			due := !w.pending.IsZero() && time.Since(w.pending) >= w.debounce
			if due {
				w.pending = time.Time{}
			}
			w.mu.Unlock()
			if due {
				w.p.reload(w.ctx)
			}
		}
	}
}

func (w *watcher) close() error {
	w.cancel()
	err := w.fs.Close()
	<-w.done
	return err
}

// reload re-reads the stored session and emits an event if it differs from memory.
func (p *Provider) reload(ctx context.Context) {
	s, err := p.load(ctx)
	if err != nil {
		p.log.Warn("failed to reload stored session", zap.Error(err))
		return
	}

	cur := p.Session()
	switch {
	case s == nil || s.AccessToken == "":
		if cur == nil {
			return
		}
		p.apply(nil)
		p.stopRefresh()
		p.emit(AuthEvent{Type: SignedOut})

	case cur != nil && cur.AccessToken == s.AccessToken:
		return

	default:
		evType := SignedIn
		if cur != nil && cur.User.ID == s.User.ID {
			evType = TokenRefreshed
		}
		u := p.apply(s)
		p.scheduleRefresh()
		p.emit(AuthEvent{Type: evType, User: u, AccessToken: s.AccessToken})
	}
}
