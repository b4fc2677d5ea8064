// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package presence

import (
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/instachat-tui/internal/model"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultExpiryAfter is how long a peer typing signal stays visible without renewal.
	DefaultExpiryAfter = 3000 * time.Millisecond

	// DefaultThrottleEvery is the minimum spacing between outbound typing signals.
	DefaultThrottleEvery = 2000 * time.Millisecond
)

// =============================================================================
// TYPES
// =============================================================================

// State is the tracker state.
type State int

const (
	// Idle means no peer is typing.
	Idle State = iota
	// PeerTyping means a peer signal was received and has not expired.
	PeerTyping
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PeerTyping:
		return "peer_typing"
	default:
		return "unknown"
	}
}

// peerSignal is the active inbound typing signal.
type peerSignal struct {
	author     string
	receivedAt time.Time
}

// Config holds the tracker timings.
type Config struct {
	ExpiryAfter   time.Duration
	ThrottleEvery time.Duration
}

// DefaultConfig returns the default timings.
func DefaultConfig() Config {
	return Config{
		ExpiryAfter:   DefaultExpiryAfter,
		ThrottleEvery: DefaultThrottleEvery,
	}
}

func (c Config) withDefaults() Config {
	if c.ExpiryAfter <= 0 {
		c.ExpiryAfter = DefaultExpiryAfter
	}
	if c.ThrottleEvery <= 0 {
		c.ThrottleEvery = DefaultThrottleEvery
	}
	return c
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock sets the time source.
func WithClock(c Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithDispatcher routes expiry callbacks through post, typically onto an event loop.
func WithDispatcher(post func(func())) Option {
	return func(t *Tracker) { t.post = post }
}

// WithOnChange registers a callback invoked after every state transition.
func WithOnChange(fn func(State, string)) Option {
	return func(t *Tracker) { t.onChange = fn }
}

// =============================================================================
// TRACKER
// =============================================================================

// Tracker follows peer typing presence and throttles this client's own signals.
//
// A Tracker is owned by a single goroutine. Expiry callbacks reach that
// goroutine through the dispatcher given with WithDispatcher.
type Tracker struct {
	cfg      Config
	clock    Clock
	post     func(func())
	onChange func(State, string)

	self    string
	state   State
	signal  peerSignal
	slot    *Slot
	limiter *rate.Limiter
	closed  bool
}

// NewTracker creates an idle tracker.
func NewTracker(cfg Config, opts ...Option) *Tracker {
	t := &Tracker{
		cfg:   cfg.withDefaults(),
		clock: RealClock{},
	}
	for _, opt := range opts {
		opt(t)
	}
	t.slot = NewSlot(t.clock, t.post)
	t.limiter = rate.NewLimiter(rate.Every(t.cfg.ThrottleEvery), 1)
	return t
}

// SetSelf sets the label of the current user, used to drop our own echoes.
func (t *Tracker) SetSelf(label string) {
	t.self = model.NormalizeLabel(label)
}

// State returns the current state.
func (t *Tracker) State() State {
	return t.state
}

// Label returns the display label of the typing peer, or "" when idle.
func (t *Tracker) Label() string {
	if t.state != PeerTyping {
		return ""
	}
	return model.LocalPart(t.signal.author)
}

// Receive applies an inbound typing signal.
// Signals with an empty label or carrying our own label are ignored.
// It returns true if the signal was applied.
func (t *Tracker) Receive(label string) bool {
	if t.closed {
		return false
	}
	label = model.NormalizeLabel(label)
	if label == "" || (t.self != "" && label == t.self) {
		return false
	}

	t.signal = peerSignal{author: label, receivedAt: t.clock.Now()}
	t.state = PeerTyping
	t.slot.Schedule(t.cfg.ExpiryAfter, t.expire)
	t.notify()
	return true
}

// expire runs when the expiry slot fires.
func (t *Tracker) expire() {
	if t.closed || t.state == Idle {
		return
	}
	t.state = Idle
	t.signal = peerSignal{}
	t.notify()
}

// Clear drops any active signal without waiting for expiry.
func (t *Tracker) Clear() {
	t.slot.Cancel()
	if t.state == Idle {
		return
	}
	t.state = Idle
	t.signal = peerSignal{}
	t.notify()
}

// ShouldEmit reports whether a typing signal should be sent for input.
// The input must be non-empty, a live channel must be established, and the
// last emitted signal must be at least ThrottleEvery old. A true result counts
// as an emission.
func (t *Tracker) ShouldEmit(input string, connected bool) bool {
	if t.closed || strings.TrimSpace(input) == "" || !connected {
		return false
	}
	return t.limiter.AllowN(t.clock.Now(), 1)
}

// Pending reports whether an expiry is scheduled.
func (t *Tracker) Pending() bool {
	return t.slot.Pending()
}

// Close cancels the pending expiry. The tracker ignores all input afterwards.
func (t *Tracker) Close() {
	t.closed = true
	t.slot.Cancel()
}

func (t *Tracker) notify() {
	if t.onChange != nil {
		t.onChange(t.state, t.Label())
	}
}
