// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/instachat-tui/internal/model"
	"github.com/jeranaias/instachat-tui/internal/storage"
	"github.com/jeranaias/instachat-tui/internal/supabase"
)

// DefaultStorageKey is the key the session JSON is stored under.
const DefaultStorageKey = "sb-auth-token"

// ErrNoSession is returned when an operation needs a signed-in session.
var ErrNoSession = errors.New("no active session")

// =============================================================================
// AUTH EVENTS
// =============================================================================

// AuthEventType identifies an auth state change.
type AuthEventType int

const (
	// InitialSession is sent once after Restore, with or without a user.
	InitialSession AuthEventType = iota
	SignedIn
	SignedOut
	TokenRefreshed
	UserUpdated
)

// String returns the string representation of the event type.
func (t AuthEventType) String() string {
	switch t {
	case InitialSession:
		return "INITIAL_SESSION"
	case SignedIn:
		return "SIGNED_IN"
	case SignedOut:
		return "SIGNED_OUT"
	case TokenRefreshed:
		return "TOKEN_REFRESHED"
	case UserUpdated:
		return "USER_UPDATED"
	default:
		return "UNKNOWN"
	}
}

// AuthEvent is delivered to subscribers on every auth state change.
type AuthEvent struct {
	Type        AuthEventType
	User        *model.User // nil when signed out
	AccessToken string
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// Auth is the identity backend.
type Auth interface {
	SignInWithPassword(ctx context.Context, cred supabase.Credentials) (*supabase.Session, error)
	SignUp(ctx context.Context, email, password string) (*supabase.Session, error)
	Refresh(ctx context.Context, refreshToken string) (*supabase.Session, error)
	GetUser(ctx context.Context, accessToken string) (*supabase.AuthUser, error)
	SignOut(ctx context.Context, accessToken string) error
}

// tokenSink is implemented by backends that send the user JWT with their own requests.
type tokenSink interface {
	SetAccessToken(token string)
}

// Config controls persistence and refresh.
type Config struct {
	StorageKey    string
	RefreshMargin time.Duration // refresh this long before expiry
	AutoRefresh   bool
	RetryDelay    time.Duration // first retry after a failed automatic refresh, doubled per failure
}

// maxRefreshRetry caps the delay between automatic refresh retries.
const maxRefreshRetry = time.Minute

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		StorageKey:    DefaultStorageKey,
		RefreshMargin: time.Minute,
		AutoRefresh:   true,
		RetryDelay:    5 * time.Second,
	}
}

// =============================================================================
// PROVIDER
// =============================================================================

// Provider holds the current identity and tells subscribers when it changes.
type Provider struct {
	auth  Auth
	store storage.Store
	cfg   Config
	log   *zap.Logger

	mu        sync.RWMutex
	session   *supabase.Session
	user      *model.User
	listeners map[int]func(AuthEvent)
	nextID    int

	refreshTimer *time.Timer
	watcher      *watcher
	closed       bool
}

// NewProvider creates a provider. store may be nil to keep the session in memory only.
func NewProvider(auth Auth, store storage.Store, cfg Config, log *zap.Logger) *Provider {
	if cfg.StorageKey == "" {
		cfg.StorageKey = DefaultStorageKey
	}
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = time.Minute
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Provider{
		auth:      auth,
		store:     store,
		cfg:       cfg,
		log:       log.Named("session"),
		listeners: make(map[int]func(AuthEvent)),
	}
}

// Subscribe registers fn for auth events and returns a function that removes it.
// fn is called without the provider lock held.
func (p *Provider) Subscribe(fn func(AuthEvent)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

// CurrentUser returns the signed-in user or nil.
func (p *Provider) CurrentUser() *model.User {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.user == nil {
		return nil
	}
	u := *p.user
	return &u
}

// AccessToken returns the current JWT or "".
func (p *Provider) AccessToken() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.session == nil {
		return ""
	}
	return p.session.AccessToken
}

// Session returns a copy of the current session or nil.
func (p *Provider) Session() *supabase.Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.session == nil {
		return nil
	}
	s := *p.session
	return &s
}

// =============================================================================
// AUTH OPERATIONS
// =============================================================================

// Restore loads the persisted session, refreshing it if it is close to expiry.
// A stored session that cannot be refreshed is discarded.
func (p *Provider) Restore(ctx context.Context) (*model.User, error) {
	s, err := p.load(ctx)
	if err != nil {
		p.log.Warn("failed to load stored session", zap.Error(err))
	}

	if s != nil && s.RefreshToken != "" && s.NeedsRefresh(time.Now(), p.cfg.RefreshMargin) {
		fresh, rerr := p.auth.Refresh(ctx, s.RefreshToken)
		if rerr != nil {
			p.log.Warn("stored session could not be refreshed", zap.Error(rerr))
			if errors.Is(rerr, supabase.ErrUnauthorized) {
				_ = p.remove(ctx)
				s = nil
			}
		} else {
			s = fresh
			if err := p.persist(ctx, s); err != nil {
				p.log.Warn("failed to persist session", zap.Error(err))
			}
		}
	}

	if s == nil || s.AccessToken == "" {
		p.apply(nil)
		p.emit(AuthEvent{Type: InitialSession})
		return nil, nil
	}

	u := p.apply(s)
	p.scheduleRefresh()
	p.emit(AuthEvent{Type: InitialSession, User: u, AccessToken: s.AccessToken})
	return u, nil
}

// SignIn signs in with a password and persists the session.
func (p *Provider) SignIn(ctx context.Context, cred supabase.Credentials) (*model.User, error) {
	s, err := p.auth.SignInWithPassword(ctx, cred)
	if err != nil {
		return nil, err
	}
	return p.establish(ctx, s, SignedIn)
}

// SignUp registers a user. When the backend returns a session the user is
// signed in; otherwise confirmed is false and the user must confirm by email.
func (p *Provider) SignUp(ctx context.Context, email, password string) (user *model.User, confirmed bool, err error) {
	s, err := p.auth.SignUp(ctx, email, password)
	if err != nil {
		return nil, false, err
	}
	if s.AccessToken == "" {
		u := s.User.Model()
		return &u, false, nil
	}
	user, err = p.establish(ctx, s, SignedIn)
	return user, err == nil, err
}

// Refresh exchanges the refresh token for a new session.
func (p *Provider) Refresh(ctx context.Context) error {
	cur := p.Session()
	if cur == nil || cur.RefreshToken == "" {
		return ErrNoSession
	}
	s, err := p.auth.Refresh(ctx, cur.RefreshToken)
	if err != nil {
		if errors.Is(err, supabase.ErrUnauthorized) {
			p.log.Warn("refresh rejected, signing out", zap.Error(err))
			p.clear(ctx)
		}
		return err
	}

	evType := TokenRefreshed
	if s.User.ID != "" && (s.User.ID != cur.User.ID || s.User.Email != cur.User.Email) {
		evType = UserUpdated
	}
	if s.User.ID == "" {
		s.User = cur.User
	}
	_, err = p.establish(ctx, s, evType)
	return err
}

// VerifyUser asks the backend who the current token belongs to and updates
// the cached user if it changed.
func (p *Provider) VerifyUser(ctx context.Context) (*model.User, error) {
	tok := p.AccessToken()
	if tok == "" {
		return nil, ErrNoSession
	}
	au, err := p.auth.GetUser(ctx, tok)
	if err != nil {
		return nil, err
	}

	u := au.Model()
	p.mu.Lock()
	changed := p.user == nil || !p.user.Equal(&u)
	if changed && p.session != nil {
		p.session.User.ID, p.session.User.Email = au.ID, au.Email
		p.user = &u
	}
	p.mu.Unlock()

	if changed {
		p.emit(AuthEvent{Type: UserUpdated, User: &u, AccessToken: tok})
	}
	return &u, nil
}

// SignOut revokes the session and forgets it locally.
func (p *Provider) SignOut(ctx context.Context) error {
	tok := p.AccessToken()
	var err error
	if tok != "" {
		err = p.auth.SignOut(ctx, tok)
		if err != nil {
			p.log.Warn("remote sign out failed", zap.Error(err))
		}
	}
	p.clear(ctx)
	return err
}

func (p *Provider) establish(ctx context.Context, s *supabase.Session, evType AuthEventType) (*model.User, error) {
	if s == nil || s.AccessToken == "" {
		return nil, ErrNoSession
	}
	if err := p.persist(ctx, s); err != nil {
		p.log.Warn("failed to persist session", zap.Error(err))
	}
	u := p.apply(s)
	p.scheduleRefresh()
	p.emit(AuthEvent{Type: evType, User: u, AccessToken: s.AccessToken})
	return u, nil
}

func (p *Provider) clear(ctx context.Context) {
	if err := p.remove(ctx); err != nil {
		p.log.Warn("failed to remove stored session", zap.Error(err))
	}
	had := p.CurrentUser() != nil
	p.apply(nil)
	p.stopRefresh()
	if had {
		p.emit(AuthEvent{Type: SignedOut})
	}
}

// apply swaps the in-memory session and returns the new user.
func (p *Provider) apply(s *supabase.Session) *model.User {
	var u *model.User
	p.mu.Lock()
	p.session = s
	if s != nil {
		mu := s.User.Model()
		u = &mu
	}
	p.user = u
	p.mu.Unlock()

	if sink, ok := p.auth.(tokenSink); ok {
		if s != nil {
			sink.SetAccessToken(s.AccessToken)
		} else {
			sink.SetAccessToken("")
		}
	}
	if u == nil {
		return nil
	}
	cp := *u
	return &cp
}

func (p *Provider) emit(ev AuthEvent) {
	p.mu.RLock()
	ids := make([]int, 0, len(p.listeners))
	for id := range p.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(AuthEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, p.listeners[id])
	}
	p.mu.RUnlock()

	p.log.Debug("auth event", zap.Stringer("type", ev.Type))
	for _, fn := range fns {
		fn(ev)
	}
}

// =============================================================================
// PERSISTENCE
// =============================================================================

func (p *Provider) load(ctx context.Context) (*supabase.Session, error) {
	if p.store == nil {
		return nil, nil
	}
	raw, ok, err := p.store.GetItem(ctx, p.cfg.StorageKey)
	if err != nil || !ok || strings.TrimSpace(raw) == "" {
		return nil, err
	}
	var s supabase.Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("decode stored session: %w", err)
	}
	return &s, nil
}

func (p *Provider) persist(ctx context.Context, s *supabase.Session) error {
	if p.store == nil {
		return nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return p.store.SetItem(ctx, p.cfg.StorageKey, string(data))
}

func (p *Provider) remove(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	return p.store.RemoveItem(ctx, p.cfg.StorageKey)
}

// =============================================================================
// AUTO REFRESH
// =============================================================================

func (p *Provider) scheduleRefresh() {
	if !p.cfg.AutoRefresh {
		return
	}
	s := p.Session()
	if s == nil || s.RefreshToken == "" || s.Expiry().IsZero() {
		return
	}
	delay := time.Until(s.Expiry()) - p.cfg.RefreshMargin
	if delay < time.Second {
		delay = time.Second
	}
	p.armRefresh(delay, 0)
}

func (p *Provider) armRefresh(delay time.Duration, failures int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if p.refreshTimer != nil {
		p.refreshTimer.Stop()
	}
	p.refreshTimer = time.AfterFunc(delay, func() { p.autoRefresh(failures) })
}

// autoRefresh runs a scheduled refresh. A rejected refresh token signs out
// inside Refresh; any other failure is retried with a doubling delay.
func (p *Provider) autoRefresh(failures int) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := p.Refresh(ctx)
	if err == nil {
		return
	}
	var apiErr *supabase.APIError
	if errors.Is(err, supabase.ErrUnauthorized) || errors.Is(err, ErrNoSession) ||
		(errors.As(err, &apiErr) && apiErr.Status < 500 && apiErr.Status != http.StatusTooManyRequests) {
		p.log.Warn("automatic refresh failed", zap.Error(err))
		return
	}

	retry := p.cfg.RetryDelay << failures
	if retry <= 0 || retry > maxRefreshRetry {
		retry = maxRefreshRetry
	}
	p.log.Warn("automatic refresh failed, retrying",
		zap.Error(err), zap.Int("failures", failures+1), zap.Duration("retry_in", retry))
	p.armRefresh(retry, failures+1)
}

func (p *Provider) stopRefresh() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refreshTimer != nil {
		p.refreshTimer.Stop()
		p.refreshTimer = nil
	}
}

// Close stops the refresh timer and the file watcher.
func (p *Provider) Close() error {
	p.mu.Lock()
	p.closed = true
	w := p.watcher
	p.watcher = nil
	p.mu.Unlock()

	p.stopRefresh()
	if w != nil {
		return w.close()
	}
	return nil
}
