// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package feedsync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/instachat-tui/internal/feed"
	"github.com/jeranaias/instachat-tui/internal/model"
	"github.com/jeranaias/instachat-tui/internal/presence"
	"github.com/jeranaias/instachat-tui/internal/realtime"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Backend is the REST side of the chat backend.
type Backend interface {
	SelectMessages(ctx context.Context) ([]model.Message, error)
	InsertMessage(ctx context.Context, msg model.NewMessage) error
}

// Realtime owns the live channel. *realtime.Manager satisfies it.
type Realtime interface {
	Subscribe(ctx context.Context, ident realtime.Identity, h realtime.Handler) error
	Unsubscribe() error
	SendTyping(label string) error
	UpdateAccessToken(token string) error
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config controls the controller.
type Config struct {
	Presence presence.Config

	// RequestTimeout bounds each fetch and send.
	RequestTimeout time.Duration

	// RefetchOnReconnect merges the history again after the channel recovers,
	// so rows inserted while offline appear.
	RefetchOnReconnect bool

	// InboxSize is the capacity of the event queue.
	InboxSize int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Presence:           presence.DefaultConfig(),
		RequestTimeout:     15 * time.Second,
		RefetchOnReconnect: true,
		InboxSize:          256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.InboxSize <= 0 {
		c.InboxSize = d.InboxSize
	}
	return c
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock sets the clock used for presence timers and notices.
func WithClock(clock presence.Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Controller) {
		if log != nil {
			c.log = log
		}
	}
}

// =============================================================================
// CONTROLLER
// =============================================================================

// Controller owns the message store, the typing tracker and the live channel
// for one chat screen.
//
// All state changes run on a single loop started with Run. Public methods
// only enqueue work and never block on I/O. Fetch, send and subscribe run on
// their own goroutines and post their results back to the loop; results that
// arrive after Close are dropped.
type Controller struct {
	backend Backend
	rt      Realtime
	cfg     Config
	clock   presence.Clock
	log     *zap.Logger

	inbox    chan func()
	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once
	running  atomic.Bool

	// ctx is cancelled on teardown and bounds channel joins.
	ctx    context.Context
	cancel context.CancelFunc

	identity atomic.Pointer[model.User]
	snap     atomic.Pointer[Snapshot]

	// Channel operations are serialized and skipped once superseded.
	rtMu    sync.Mutex
	rtEpoch atomic.Uint64

	lmu       sync.Mutex
	listeners map[int]func(Snapshot)
	nextID    int

	// Loop-owned state.
	store     *feed.Store
	tracker   *presence.Tracker
	user      *model.User
	token     string
	epoch     uint64
	loading   bool
	connected bool
	sending   int
	notice    *Notice
	started   bool
	closed    bool
	dirty     bool
}

// NewController creates a controller. Call Run to start its loop.
func NewController(backend Backend, rt Realtime, cfg Config, opts ...Option) *Controller {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	c := &Controller{
		backend:   backend,
		rt:        rt,
		cfg:       cfg,
		clock:     presence.RealClock{},
		log:       zap.NewNop(),
		inbox:     make(chan func(), cfg.InboxSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[int]func(Snapshot)),
		store:     feed.NewStore(backend),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("feedsync")
	c.tracker = presence.NewTracker(cfg.Presence,
		presence.WithClock(c.clock),
		presence.WithDispatcher(func(fn func()) { c.post(fn) }),
		presence.WithOnChange(func(presence.State, string) { c.dirty = true }),
	)
	c.snap.Store(&Snapshot{})
	return c
}

// Run processes events until ctx is cancelled or Close is called.
// The controller is torn down when Run returns.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer close(c.done)
	defer c.teardown()

	c.publish()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.quit:
			return nil
		case fn := <-c.inbox:
			c.apply(fn)
		}
	}
}

func (c *Controller) apply(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("event handler panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
	if c.dirty {
		c.dirty = false
		c.publish()
	}
}

// post enqueues fn on the loop. It returns false once the controller is closed.
func (c *Controller) post(fn func()) bool {
	select {
	case <-c.quit:
		return false
	default:
	}
	select {
	case c.inbox <- fn:
		return true
	case <-c.quit:
		return false
	}
}

// Sync waits until every event posted before it has been applied.
func (c *Controller) Sync() error {
	applied := make(chan struct{})
	if !c.post(func() { close(applied) }) {
		return ErrClosed
	}
	select {
	case <-applied:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Close tears the controller down: the channel is closed, the typing expiry
// is cancelled, and in-flight fetches and sends are abandoned.
// It must not be called from a snapshot listener.
func (c *Controller) Close() error {
	c.quitOnce.Do(func() { close(c.quit) })
	if c.running.Load() {
		<-c.done
	}
	return nil
}

func (c *Controller) teardown() {
	c.quitOnce.Do(func() { close(c.quit) })
	if c.closed {
		return
	}
	c.closed = true
	c.cancel()

	c.epoch++
	c.rtEpoch.Store(c.epoch)
	c.tracker.Close()
	if err := c.rt.Unsubscribe(); err != nil {
		c.log.Debug("unsubscribe on teardown", zap.Error(err))
	}
	c.connected = false
	c.publish()
	c.log.Debug("controller closed")
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Start loads the history and, once an identity is set, opens the live channel.
func (c *Controller) Start() error {
	if !c.post(c.start) {
		return ErrClosed
	}
	return nil
}

func (c *Controller) start() {
	if c.started {
		return
	}
	c.started = true
	c.fetch(true)
	if c.user.Resolved() {
		c.openChannel()
	}
}

// SetIdentity sets the signed-in user and access token. A nil user signs out.
// A change of display label closes the channel and opens a new one, so that
// our own typing signals are filtered with the current label.
func (c *Controller) SetIdentity(user *model.User, accessToken string) error {
	var u *model.User
	if user.Resolved() {
		cp := *user
		u = &cp
	}
	c.identity.Store(u)
	if !c.post(func() { c.setIdentity(u, accessToken) }) {
		return ErrClosed
	}
	return nil
}

func (c *Controller) setIdentity(u *model.User, token string) {
	prevLabel := c.user.DisplayLabel()
	prevToken := c.token
	c.user, c.token = u, token
	c.dirty = true

	if u == nil {
		c.tracker.SetSelf("")
		c.tracker.Clear()
		c.connected = false
		if c.started {
			c.realtimeOp(func(uint64) {
				if err := c.rt.Unsubscribe(); err != nil {
					c.log.Debug("unsubscribe on sign out", zap.Error(err))
				}
			})
		}
		return
	}

	if c.notice != nil && errors.Is(c.notice.Err, ErrAuthMissing) {
		c.notice = nil
	}

	label := u.DisplayLabel()
	if label != prevLabel {
		c.log.Debug("identity changed", zap.String("label", label))
		c.tracker.SetSelf(label)
		c.tracker.Clear()
		if c.started {
			c.openChannel()
		}
		return
	}

	if token != "" && token != prevToken && c.started {
		go func() {
			if err := c.rt.UpdateAccessToken(token); err != nil && !errors.Is(err, realtime.ErrNotConnected) {
				c.log.Warn("failed to push access token", zap.Error(err))
			}
		}()
	}
}

// InputChanged reports an edit of the compose field. A typing signal is
// published when the throttle allows it.
func (c *Controller) InputChanged(text string) error {
	if !c.post(func() { c.inputChanged(text) }) {
		return ErrClosed
	}
	return nil
}

func (c *Controller) inputChanged(text string) {
	if !c.user.Resolved() {
		return
	}
	if !c.tracker.ShouldEmit(text, c.connected) {
		return
	}
	label := c.user.DisplayLabel()
	go func() {
		if err := c.rt.SendTyping(label); err != nil {
			c.log.Debug("typing signal not sent", zap.Error(err))
		}
	}()
}

// Send validates text and persists it. Empty text and a missing identity are
// rejected immediately. A backend failure is reported later through the
// snapshot notice. The message appears once the live channel echoes it.
func (c *Controller) Send(text string) error {
	select {
	case <-c.quit:
		return ErrClosed
	default:
	}

	if _, err := model.NewOutbound(text, c.identity.Load()); err != nil {
		serr := model.NewSyncError(err, "send", nil)
		if errors.Is(err, ErrAuthMissing) {
			c.post(func() { c.setNotice(NoticeBlocking, serr) })
		}
		return serr
	}
	if !c.post(func() { c.send(text) }) {
		return ErrClosed
	}
	return nil
}

func (c *Controller) send(text string) {
	author := c.user
	if !author.Resolved() {
		c.setNotice(NoticeBlocking, model.NewSyncError(ErrAuthMissing, "send", nil))
		return
	}
	c.sending++
	c.dirty = true

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		defer cancel()
		_, err := c.store.AppendOutbound(ctx, text, author)
		c.post(func() { c.onSent(err) })
	}()
}

func (c *Controller) onSent(err error) {
	c.sending--
	c.dirty = true
	if err != nil {
		c.log.Warn("send failed", zap.Error(err))
		var serr *model.SyncError
		if !errors.As(err, &serr) {
			serr = model.NewSyncError(ErrSendFailed, "send", err)
		}
		c.setNotice(NoticeRetryable, serr)
		return
	}
	if c.notice != nil && errors.Is(c.notice.Err, ErrSendFailed) {
		c.notice = nil
	}
}

// Reconnect closes the live channel and opens it again.
func (c *Controller) Reconnect() error {
	if !c.post(func() {
		if c.started && c.user.Resolved() {
			c.openChannel()
		}
	}) {
		return ErrClosed
	}
	return nil
}

// DismissNotice clears the current notice.
func (c *Controller) DismissNotice() error {
	if !c.post(func() {
		if c.notice != nil {
			c.notice = nil
			c.dirty = true
		}
	}) {
		return ErrClosed
	}
	return nil
}

// =============================================================================
// HISTORY
// =============================================================================

func (c *Controller) fetch(initial bool) {
	if initial {
		c.loading = true
		c.dirty = true
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		defer cancel()
		msgs, err := c.backend.SelectMessages(ctx)
		c.post(func() { c.onFetched(initial, msgs, err) })
	}()
}

func (c *Controller) onFetched(initial bool, msgs []model.Message, err error) {
	if c.closed {
		return
	}
	if initial {
		c.loading = false
		c.dirty = true
	}
	if err != nil {
		c.log.Warn("history fetch failed", zap.Error(model.NewSyncError(ErrFetchFailed, "fetch", err)))
		return
	}

	if initial {
		// Rows that arrived live before the fetch resolved stay at the tail.
		live := c.store.Messages()
		c.store.LoadInitial(msgs)
		c.store.MergeAll(live)
		c.dirty = true
		c.log.Debug("history loaded", zap.Int("messages", c.store.Len()))
		return
	}
	if n := c.store.MergeAll(msgs); n > 0 {
		c.dirty = true
		c.log.Debug("history merged", zap.Int("new", n))
	}
}

// =============================================================================
// LIVE CHANNEL
// =============================================================================

// realtimeOp runs fn off the loop. Operations run one at a time in request
// order; an operation superseded before it starts is skipped.
func (c *Controller) realtimeOp(fn func(epoch uint64)) {
	c.epoch++
	epoch := c.epoch
	c.rtEpoch.Store(epoch)
	go func() {
		c.rtMu.Lock()
		defer c.rtMu.Unlock()
		if c.rtEpoch.Load() != epoch {
			return
		}
		fn(epoch)
	}()
}

func (c *Controller) openChannel() {
	c.connected = false
	c.dirty = true
	ident := realtime.Identity{Label: c.user.DisplayLabel(), AccessToken: c.token}

	c.realtimeOp(func(epoch uint64) {
		h := func(ev realtime.Event) {
			c.post(func() { c.onChannelEvent(epoch, ev) })
		}
		err := c.rt.Subscribe(c.ctx, ident, h)
		if err != nil && c.rtEpoch.Load() == epoch {
			c.post(func() { c.onSubscribeFailed(epoch, err) })
		}
	})
}

func (c *Controller) onSubscribeFailed(epoch uint64, err error) {
	if epoch != c.epoch {
		return
	}
	c.log.Warn("subscribe failed", zap.Error(err))
	c.connected = false
	c.notice = &Notice{
		Level: NoticeStatus,
		Text:  "Live updates unavailable.",
		Err:   err,
		At:    c.clock.Now(),
	}
	c.dirty = true
}

// onChannelEvent applies an event from the channel opened at epoch.
// Events from replaced channels are dropped.
func (c *Controller) onChannelEvent(epoch uint64, ev realtime.Event) {
	if c.closed || epoch != c.epoch {
		return
	}

	switch ev := ev.(type) {
	case realtime.InsertEvent:
		if c.store.MergeInbound(ev.Message) {
			c.dirty = true
		} else {
			c.log.Debug("duplicate insert dropped", zap.String("id", ev.Message.ID))
		}

	case realtime.TypingEvent:
		c.tracker.Receive(ev.Label)

	case realtime.ConnectionError:
		c.log.Warn("realtime connection error",
			zap.Error(ev.Err), zap.Int("attempt", ev.Attempt), zap.Bool("gave_up", ev.GaveUp))
		c.connected = false
		text := "Connection lost. Reconnecting..."
		if ev.GaveUp {
			text = "Disconnected from live updates."
		}
		c.notice = &Notice{Level: NoticeStatus, Text: text, Err: ev, At: c.clock.Now()}
		c.dirty = true

	case realtime.Subscribed:
		c.connected = true
		if c.notice != nil && c.notice.Level == NoticeStatus {
			c.notice = nil
		}
		c.dirty = true
		if ev.Reconnected && c.cfg.RefetchOnReconnect {
			c.fetch(false)
		}
	}
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

func (c *Controller) setNotice(level NoticeLevel, err *model.SyncError) {
	c.notice = &Notice{Level: level, Text: err.UserMessage(), Err: err, At: c.clock.Now()}
	c.dirty = true
}

func (c *Controller) publish() {
	s := &Snapshot{
		Messages:    c.store.Messages(),
		User:        c.user,
		Loading:     c.loading,
		Connected:   c.connected,
		TypingLabel: c.tracker.Label(),
		Sending:     c.sending,
		Notice:      c.notice,
	}
	c.snap.Store(s)

	c.lmu.Lock()
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Snapshot), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.listeners[id])
	}
	c.lmu.Unlock()

	for _, fn := range fns {
		fn(*s)
	}
}

// Snapshot returns the most recently published state.
func (c *Controller) Snapshot() Snapshot {
	return *c.snap.Load()
}

// Subscribe registers fn to receive every published snapshot. fn runs on the
// controller loop and must not block or call Close.
func (c *Controller) Subscribe(fn func(Snapshot)) func() {
	c.lmu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.lmu.Unlock()

	return func() {
		c.lmu.Lock()
		delete(c.listeners, id)
		c.lmu.Unlock()
	}
}

// Changes returns a channel that receives a value whenever a new snapshot is
// published. Notifications coalesce; read Snapshot after each one.
func (c *Controller) Changes() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	stop := c.Subscribe(func(Snapshot) {
		select {
		case ch <- struct{}{}:
		default:
		}
	})
	return ch, stop
}
