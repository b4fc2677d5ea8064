// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package feedsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/instachat-tui/internal/model"
	"github.com/jeranaias/instachat-tui/internal/presence"
	"github.com/jeranaias/instachat-tui/internal/realtime"
)

// =============================================================================
// FAKES
// =============================================================================

type fakeBackend struct {
	mu         sync.Mutex
	history    []model.Message
	fetchErr   error
	gate       chan struct{}
	fetching   chan struct{}
	fetchCalls int
	inserted   []model.NewMessage
	insertErr  error
}

func newFakeBackend(history ...model.Message) *fakeBackend {
	return &fakeBackend{history: history, fetching: make(chan struct{}, 8)}
}

func (b *fakeBackend) SelectMessages(ctx context.Context) ([]model.Message, error) {
	b.mu.Lock()
	b.fetchCalls++
	gate := b.gate
	b.mu.Unlock()

	b.fetching <- struct{}{}
	if gate != nil {
		<-gate
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	return append([]model.Message(nil), b.history...), nil
}

func (b *fakeBackend) InsertMessage(ctx context.Context, msg model.NewMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.insertErr != nil {
		return b.insertErr
	}
	b.inserted = append(b.inserted, msg)
	return nil
}

func (b *fakeBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetchCalls
}

func (b *fakeBackend) insertedMessages() []model.NewMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.NewMessage(nil), b.inserted...)
}

func (b *fakeBackend) setHistory(msgs ...model.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = msgs
}

type fakeRealtime struct {
	mu           sync.Mutex
	autoJoin     bool
	subscribeErr error
	idents       []realtime.Identity
	handlers     []realtime.Handler
	typing       []string
	tokens       []string
	unsubscribes int
}

func (f *fakeRealtime) Subscribe(ctx context.Context, ident realtime.Identity, h realtime.Handler) error {
	f.mu.Lock()
	f.idents = append(f.idents, ident)
	if f.subscribeErr != nil {
		err := f.subscribeErr
		f.mu.Unlock()
		return err
	}
	f.handlers = append(f.handlers, h)
	auto := f.autoJoin
	f.mu.Unlock()

	if auto {
		h(realtime.Subscribed{ChannelID: "test"})
	}
	return nil
}

func (f *fakeRealtime) Unsubscribe() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribes++
	return nil
}

func (f *fakeRealtime) SendTyping(label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, label)
	return nil
}

func (f *fakeRealtime) UpdateAccessToken(token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	return nil
}

func (f *fakeRealtime) subscriptions() []realtime.Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]realtime.Identity(nil), f.idents...)
}

func (f *fakeRealtime) handler(i int) realtime.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[i]
}

func (f *fakeRealtime) emit(ev realtime.Event) {
	f.mu.Lock()
	h := f.handlers[len(f.handlers)-1]
	f.mu.Unlock()
	h(ev)
}

func (f *fakeRealtime) typingSent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.typing...)
}

func (f *fakeRealtime) tokensSent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tokens...)
}

func (f *fakeRealtime) unsubscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubscribes
}

// =============================================================================
// HELPERS
// =============================================================================

var (
	alice = &model.User{ID: "u1", Email: "a@x.com"}
	carol = &model.User{ID: "u3", Email: "c@x.com"}
	t0    = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
)

const waitFor = 2 * time.Second

func startController(t *testing.T, be *fakeBackend, rt *fakeRealtime) (*Controller, *presence.ManualClock) {
	t.Helper()
	clk := presence.NewManualClock(t0)
	c := NewController(be, rt, DefaultConfig(), WithClock(clk))
	go c.Run(context.Background())
	t.Cleanup(func() { c.Close() })
	return c, clk
}

// settled waits for queued events and then evaluates cond on the snapshot.
func settled(c *Controller, cond func(Snapshot) bool) func() bool {
	return func() bool {
		if err := c.Sync(); err != nil {
			return false
		}
		return cond(c.Snapshot())
	}
}

func ids(msgs []model.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

// connect signs in as user, starts the controller and waits for the channel.
func connect(t *testing.T, c *Controller, rt *fakeRealtime, user *model.User) {
	t.Helper()
	require.NoError(t, c.SetIdentity(user, "jwt"))
	require.NoError(t, c.Start())
	require.Eventually(t, settled(c, func(s Snapshot) bool { return s.Connected }), waitFor, 5*time.Millisecond)
}

// =============================================================================
// HISTORY AND LIVE INSERTS
// =============================================================================

func TestController_DuplicateInsertAfterFetch(t *testing.T) {
	be := newFakeBackend(model.Message{ID: "1", Text: "hi", CreatedAt: t0})
	rt := &fakeRealtime{autoJoin: true}
	c, _ := startController(t, be, rt)
	connect(t, c, rt, alice)

	require.Eventually(t, settled(c, func(s Snapshot) bool {
		return !s.Loading && len(s.Messages) == 1
	}), waitFor, 5*time.Millisecond)

	rt.emit(realtime.InsertEvent{Message: model.Message{ID: "1", Text: "hi", CreatedAt: t0}})
	require.NoError(t, c.Sync())

	s := c.Snapshot()
	require.Len(t, s.Messages, 1)
	assert.Equal(t, "1", s.Messages[0].ID)
	assert.Equal(t, "hi", s.Messages[0].Text)
}

func TestController_InsertBeforeFetchResolves(t *testing.T) {
	be := newFakeBackend(model.Message{ID: "1", Text: "old"})
	be.gate = make(chan struct{})
	rt := &fakeRealtime{autoJoin: true}
	c, _ := startController(t, be, rt)
	connect(t, c, rt, alice)

	rt.emit(realtime.InsertEvent{Message: model.Message{ID: "2", Text: "new"}})
	rt.emit(realtime.InsertEvent{Message: model.Message{ID: "2", Text: "new"}})
	require.NoError(t, c.Sync())
	s := c.Snapshot()
	assert.True(t, s.Loading)
	assert.Equal(t, []string{"2"}, ids(s.Messages))

	close(be.gate)
	require.Eventually(t, settled(c, func(s Snapshot) bool { return !s.Loading }), waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"1", "2"}, ids(c.Snapshot().Messages))
}

func TestController_ReplayedInsertsLeaveStoreUnchanged(t *testing.T) {
	be := newFakeBackend(
		model.Message{ID: "1", Text: "a"},
		model.Message{ID: "2", Text: "b"},
	)
	rt := &fakeRealtime{autoJoin: true}
	c, _ := startController(t, be, rt)
	connect(t, c, rt, alice)
	require.Eventually(t, settled(c, func(s Snapshot) bool { return len(s.Messages) == 2 }), waitFor, 5*time.Millisecond)

	before := c.Snapshot().Messages
	for i := 0; i < 3; i++ {
		rt.emit(realtime.InsertEvent{Message: model.Message{ID: "2", Text: "changed"}})
		rt.emit(realtime.InsertEvent{Message: model.Message{ID: "1"}})
	}
	require.NoError(t, c.Sync())
	assert.Equal(t, before, c.Snapshot().Messages)
}

func TestController_FetchFailureEndsLoading(t *testing.T) {
	be := newFakeBackend()
	be.fetchErr = errors.New("boom")
	rt := &fakeRealtime{autoJoin: true}
	c, _ := startController(t, be, rt)
	require.NoError(t, c.SetIdentity(alice, "jwt"))
	require.NoError(t, c.Start())

	require.Eventually(t, func() bool { return be.calls() == 1 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, settled(c, func(s Snapshot) bool { return !s.Loading }), waitFor, 5*time.Millisecond)
	s := c.Snapshot()
	assert.Empty(t, s.Messages)
	assert.Nil(t, s.Notice)
}

func TestController_TeardownDuringFetch(t *testing.T) {
	be := newFakeBackend(model.Message{ID: "1", Text: "late"})
	be.gate = make(chan struct{})
	rt := &fakeRealtime{autoJoin: true}
	c, _ := startController(t, be, rt)
	require.NoError(t, c.SetIdentity(alice, "jwt"))
	require.NoError(t, c.Start())

	select {
	case <-be.fetching:
	case <-time.After(waitFor):
		t.Fatal("fetch never started")
	}

	require.NoError(t, c.Close())
	assert.GreaterOrEqual(t, rt.unsubscribeCount(), 1)
	assert.False(t, c.Snapshot().Connected)

	close(be.gate)
	assert.Never(t, func() bool { return len(c.Snapshot().Messages) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.ErrorIs(t, c.Sync(), ErrClosed)
	assert.ErrorIs(t, c.Start(), ErrClosed)
	assert.ErrorIs(t, c.Send("hi"), ErrClosed)
}

// =============================================================================
// TYPING PRESENCE
// =============================================================================

func TestController_PeerTypingExpires(t *testing.T) {
	be := newFakeBackend()
	rt := &fakeRealtime{autoJoin: true}
	c, clk := startController(t, be, rt)
	connect(t, c, rt, alice)

	rt.emit(realtime.TypingEvent{Label: "b@x.com"})
	require.NoError(t, c.Sync())
	assert.Equal(t, "b", c.Snapshot().TypingLabel)

	clk.Advance(2900 * time.Millisecond)
	require.NoError(t, c.Sync())
	assert.Equal(t, "b", c.Snapshot().TypingLabel)

	// Renewal at 2900ms restarts the window.
	rt.emit(realtime.TypingEvent{Label: "b@x.com"})
	require.NoError(t, c.Sync())
	clk.Advance(2900 * time.Millisecond)
	require.NoError(t, c.Sync())
	assert.Equal(t, "b", c.Snapshot().TypingLabel)

	clk.Advance(100 * time.Millisecond)
	require.NoError(t, c.Sync())
	assert.Equal(t, "", c.Snapshot().TypingLabel)
}

func TestController_OwnTypingIgnored(t *testing.T) {
	be := newFakeBackend()
	rt := &fakeRealtime{autoJoin: true}
	c, _ := startController(t, be, rt)
	connect(t, c, rt, alice)

	rt.emit(realtime.TypingEvent{Label: "a@x.com"})
	require.NoError(t, c.Sync())
	assert.Equal(t, "", c.Snapshot().TypingLabel)
}

func TestController_TypingThrottle(t *testing.T) {
	be := newFakeBackend()
	rt := &fakeRealtime{autoJoin: true}
	c, clk := startController(t, be, rt)
	connect(t, c, rt, alice)

	// The loop must apply each edit before the clock moves, or the emission
	// is stamped at the later time.
	require.NoError(t, c.InputChanged("h"))
	require.NoError(t, c.Sync())
	require.Eventually(t, func() bool { return len(rt.typingSent()) == 1 }, waitFor, 5*time.Millisecond)

	// 500ms after the first signal: suppressed.
	clk.Advance(500 * time.Millisecond)
	require.NoError(t, c.InputChanged("he"))
	require.NoError(t, c.Sync())
	assert.Never(t, func() bool { return len(rt.typingSent()) > 1 }, 50*time.Millisecond, 10*time.Millisecond)

	// 2100ms after the first signal: sent.
	clk.Advance(1600 * time.Millisecond)
	require.NoError(t, c.InputChanged("hel"))
	require.NoError(t, c.Sync())
	require.Eventually(t, func() bool { return len(rt.typingSent()) == 2 }, waitFor, 5*time.Millisecond)

	// Empty input never emits.
	clk.Advance(5 * time.Second)
	require.NoError(t, c.InputChanged("   "))
	require.NoError(t, c.Sync())
	assert.Never(t, func() bool { return len(rt.typingSent()) > 2 }, 50*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, []string{"a@x.com", "a@x.com"}, rt.typingSent())
}

func TestController_NoTypingWithoutChannel(t *testing.T) {
	be := newFakeBackend()
	rt := &fakeRealtime{}
	c, _ := startController(t, be, rt)
	require.NoError(t, c.SetIdentity(alice, "jwt"))
	require.NoError(t, c.Start())

	require.NoError(t, c.InputChanged("hello"))
	require.NoError(t, c.Sync())
	assert.Never(t, func() bool { return len(rt.typingSent()) > 0 }, 50*time.Millisecond, 10*time.Millisecond)
}

// =============================================================================
// SENDING
// =============================================================================

func TestController_SendValidation(t *testing.T) {
	be := newFakeBackend()
	rt := &fakeRealtime{autoJoin: true}
	c, _ := startController(t, be, rt)

	err := c.Send("hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthMissing)
	var serr *Error
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "send", serr.Op)

	require.Eventually(t, settled(c, func(s Snapshot) bool {
		return s.Notice != nil && s.Notice.Level == NoticeBlocking
	}), waitFor, 5*time.Millisecond)

	require.NoError(t, c.SetIdentity(alice, "jwt"))
	assert.ErrorIs(t, c.Send("   "), ErrEmptyMessage)

	require.NoError(t, c.Sync())
	assert.Nil(t, c.Snapshot().Notice, "signing in clears the auth notice")
	assert.Empty(t, be.insertedMessages())
}

func TestController_SendIsNotEchoedLocally(t *testing.T) {
	be := newFakeBackend()
	rt := &fakeRealtime{autoJoin: true}
	c, _ := startController(t, be, rt)
	connect(t, c, rt, alice)

	require.NoError(t, c.Send("  hello  "))
	require.Eventually(t, func() bool { return len(be.insertedMessages()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, model.NewMessage{Text: "hello", Sender: "a@x.com", AuthorID: "u1"}, be.insertedMessages()[0])

	require.Eventually(t, settled(c, func(s Snapshot) bool { return s.Sending == 0 }), waitFor, 5*time.Millisecond)
	assert.Empty(t, c.Snapshot().Messages)

	rt.emit(realtime.InsertEvent{Message: model.Message{ID: "9", Text: "hello", AuthorID: "u1"}})
	require.NoError(t, c.Sync())
	bubbles := c.Snapshot().Bubbles()
	require.Len(t, bubbles, 1)
	assert.Equal(t, model.Mine, bubbles[0].Variant)
}

func TestController_SendFailureRaisesNotice(t *testing.T) {
	be := newFakeBackend()
	be.insertErr = errors.New("503")
	rt := &fakeRealtime{autoJoin: true}
	c, _ := startController(t, be, rt)
	connect(t, c, rt, alice)

	require.NoError(t, c.Send("hello"))
	require.Eventually(t, settled(c, func(s Snapshot) bool { return s.Notice != nil }), waitFor, 5*time.Millisecond)

	n := c.Snapshot().Notice
	assert.Equal(t, NoticeRetryable, n.Level)
	assert.ErrorIs(t, n.Err, ErrSendFailed)
	assert.Equal(t, "Message not sent. Please try again.", n.Text)

	require.NoError(t, c.DismissNotice())
	require.NoError(t, c.Sync())
	assert.Nil(t, c.Snapshot().Notice)
}

// =============================================================================
// IDENTITY AND CONNECTION
// =============================================================================

func TestController_IdentityChangeResubscribes(t *testing.T) {
	be := newFakeBackend()
	rt := &fakeRealtime{autoJoin: true}
	c, _ := startController(t, be, rt)
	connect(t, c, rt, alice)
	require.Len(t, rt.subscriptions(), 1)
	assert.Equal(t, realtime.Identity{Label: "a@x.com", AccessToken: "jwt"}, rt.subscriptions()[0])

	// Same label with a new token only refreshes the token.
	require.NoError(t, c.SetIdentity(alice, "jwt2"))
	require.Eventually(t, func() bool { return len(rt.tokensSent()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Len(t, rt.subscriptions(), 1)

	require.NoError(t, c.SetIdentity(carol, "jwt3"))
	require.Eventually(t, func() bool { return len(rt.subscriptions()) == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, "c@x.com", rt.subscriptions()[1].Label)
	require.Eventually(t, settled(c, func(s Snapshot) bool { return s.Connected }), waitFor, 5*time.Millisecond)

	// Events from the replaced channel are dropped.
	rt.handler(0)(realtime.InsertEvent{Message: model.Message{ID: "stale"}})
	rt.emit(realtime.InsertEvent{Message: model.Message{ID: "fresh"}})
	require.NoError(t, c.Sync())
	assert.Equal(t, []string{"fresh"}, ids(c.Snapshot().Messages))

	// Self filtering follows the new label.
	rt.emit(realtime.TypingEvent{Label: "c@x.com"})
	require.NoError(t, c.Sync())
	assert.Equal(t, "", c.Snapshot().TypingLabel)
	rt.emit(realtime.TypingEvent{Label: "a@x.com"})
	require.NoError(t, c.Sync())
	assert.Equal(t, "a", c.Snapshot().TypingLabel)
}

func TestController_SignOutUnsubscribes(t *testing.T) {
	be := newFakeBackend()
	rt := &fakeRealtime{autoJoin: true}
	c, _ := startController(t, be, rt)
	connect(t, c, rt, alice)

	require.NoError(t, c.SetIdentity(nil, ""))
	require.Eventually(t, func() bool { return rt.unsubscribeCount() == 1 }, waitFor, 5*time.Millisecond)
	require.NoError(t, c.Sync())
	s := c.Snapshot()
	assert.Nil(t, s.User)
	assert.False(t, s.Connected)
	assert.Equal(t, "InstaChat", s.Title())
}

func TestController_ConnectionErrorAndRecovery(t *testing.T) {
	be := newFakeBackend(model.Message{ID: "1"})
	rt := &fakeRealtime{autoJoin: true}
	c, _ := startController(t, be, rt)
	connect(t, c, rt, alice)
	require.Eventually(t, settled(c, func(s Snapshot) bool { return len(s.Messages) == 1 }), waitFor, 5*time.Millisecond)

	rt.emit(realtime.ConnectionError{Err: errors.New("reset"), Attempt: 1})
	require.NoError(t, c.Sync())
	s := c.Snapshot()
	assert.False(t, s.Connected)
	require.NotNil(t, s.Notice)
	assert.Equal(t, NoticeStatus, s.Notice.Level)

	// Rows inserted while offline are merged after the reconnect.
	be.setHistory(model.Message{ID: "1"}, model.Message{ID: "2"})
	rt.emit(realtime.Subscribed{ChannelID: "test", Reconnected: true})
	require.Eventually(t, settled(c, func(s Snapshot) bool { return len(s.Messages) == 2 }), waitFor, 5*time.Millisecond)

	s = c.Snapshot()
	assert.True(t, s.Connected)
	assert.Nil(t, s.Notice)
	assert.Equal(t, 2, be.calls())
}

func TestController_SubscribeFailure(t *testing.T) {
	be := newFakeBackend()
	rt := &fakeRealtime{subscribeErr: errors.New("join rejected")}
	c, _ := startController(t, be, rt)
	require.NoError(t, c.SetIdentity(alice, "jwt"))
	require.NoError(t, c.Start())

	require.Eventually(t, settled(c, func(s Snapshot) bool { return s.Notice != nil }), waitFor, 5*time.Millisecond)
	s := c.Snapshot()
	assert.False(t, s.Connected)
	assert.Equal(t, "Live updates unavailable.", s.Notice.Text)

	// A manual reconnect tries again.
	require.NoError(t, c.Reconnect())
	require.Eventually(t, func() bool { return len(rt.subscriptions()) == 2 }, waitFor, 5*time.Millisecond)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestController_RunOnce(t *testing.T) {
	c, _ := startController(t, newFakeBackend(), &fakeRealtime{})
	require.NoError(t, c.Sync())
	assert.ErrorIs(t, c.Run(context.Background()), ErrRunning)
}

func TestController_RunStopsOnContext(t *testing.T) {
	rt := &fakeRealtime{}
	c := NewController(newFakeBackend(), rt, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()
	require.NoError(t, c.Sync())
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, 1, rt.unsubscribeCount())
	assert.NoError(t, c.Close())
}

func TestController_Changes(t *testing.T) {
	be := newFakeBackend(model.Message{ID: "1"})
	rt := &fakeRealtime{autoJoin: true}
	c, _ := startController(t, be, rt)

	changes, stop := c.Changes()
	defer stop()

	require.NoError(t, c.SetIdentity(alice, "jwt"))
	select {
	case <-changes:
	case <-time.After(waitFor):
		t.Fatal("no change notification")
	}
	require.NoError(t, c.Sync())
	assert.Equal(t, "a", c.Snapshot().Title())
}
