// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultAddr is the listen address of cmd/devserver.
	DefaultAddr = "127.0.0.1:54321"

	// DefaultAnonKey is accepted when Options.AnonKey is empty.
	DefaultAnonKey = "dev-anon-key"

	// DefaultTokenTTL is the lifetime of an access token.
	DefaultTokenTTL = time.Hour

	// MaxRequestBodySize caps JSON request bodies.
	MaxRequestBodySize = 64 * 1024

	// MaxTextLength mirrors the check constraint on messages.text.
	MaxTextLength = 2000
)

// ============================================================================
// OPTIONS
// ============================================================================

// Options configures a Server.
type Options struct {
	AnonKey string

	// TokenTTL is the access token lifetime.
	TokenTTL time.Duration

	// AutoConfirm signs new users in immediately. Otherwise signup returns a
	// bare user and ConfirmEmail must be called before password sign-in.
	AutoConfirm bool

	// RateLimit and Burst bound requests per client IP. Zero disables limiting.
	RateLimit rate.Limit
	Burst     int

	Logger *zap.Logger

	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time
}

// ============================================================================
// SERVER
// ============================================================================

// Server is an in-memory stand-in for the hosted backend.
type Server struct {
	opts   Options
	log    *zap.Logger
	router *mux.Router
	hub    *hub
	http   *http.Server

	mu         sync.Mutex
	users      map[string]*user // by email
	usersByID  map[string]*user
	access     map[string]*grant // by access token
	refresh    map[string]*grant // by refresh token
	challenges map[string]*challenge
	rows       []Row
	nextSeq    int64
}

// New creates a Server. Call Handler to mount it or ListenAndServe to run it.
func New(opts Options) *Server {
	if opts.AnonKey == "" {
		opts.AnonKey = DefaultAnonKey
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = DefaultTokenTTL
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Server{
		opts:       opts,
		log:        opts.Logger,
		router:     mux.NewRouter(),
		users:      make(map[string]*user),
		usersByID:  make(map[string]*user),
		access:     make(map[string]*grant),
		refresh:    make(map[string]*grant),
		challenges: make(map[string]*challenge),
	}
	s.hub = newHub(s, opts.Logger.Named("realtime"))
	s.setupRoutes()
	return s
}

// AnonKey returns the key clients must send.
func (s *Server) AnonKey() string {
	return s.opts.AnonKey
}

// ============================================================================
// ROUTES
// ============================================================================

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	auth := s.router.PathPrefix("/auth/v1").Subrouter()
	auth.HandleFunc("/signup", s.handleSignup).Methods(http.MethodPost)
	auth.HandleFunc("/token", s.handleToken).Methods(http.MethodPost)
	auth.HandleFunc("/user", s.handleUser).Methods(http.MethodGet)
	auth.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)
	auth.HandleFunc("/factors/{id}/challenge", s.handleChallenge).Methods(http.MethodPost)
	auth.HandleFunc("/factors/{id}/verify", s.handleVerify).Methods(http.MethodPost)

	rest := s.router.PathPrefix("/rest/v1").Subrouter()
	rest.HandleFunc("/messages", s.handleListMessages).Methods(http.MethodGet)
	rest.HandleFunc("/messages", s.handleInsertMessage).Methods(http.MethodPost)

	s.router.HandleFunc("/realtime/v1/websocket", s.hub.serveWS)
}

// Handler returns the router wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	chain := []func(http.Handler) http.Handler{
		RecoveryMiddleware(s.log),
		LoggingMiddleware(s.log),
	}
	if s.opts.RateLimit > 0 {
		chain = append(chain, RateLimitMiddleware(NewRateLimiter(s.opts.RateLimit, s.opts.Burst)))
	}
	chain = append(chain, APIKeyMiddleware(s.opts.AnonKey, "/health"))
	return Chain(chain...)(s.router)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	users, rows := len(s.users), len(s.rows)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"users":       users,
		"messages":    rows,
		"connections": s.hub.count(),
	})
}

// ============================================================================
// LIFECYCLE
// ============================================================================

// ListenAndServe serves on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	hs := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.mu.Lock()
	s.http = hs
	s.mu.Unlock()

	s.log.Info("devserver listening", zap.String("addr", addr))
	err := hs.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown closes every realtime connection and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.closeAll()
	s.mu.Lock()
	hs := s.http
	s.mu.Unlock()
	if hs == nil {
		return nil
	}
	s.log.Info("devserver shutting down")
	return hs.Shutdown(ctx)
}

// DropConnections closes every realtime socket without a leave, the way a
// network failure would. It returns the number of sockets closed.
func (s *Server) DropConnections() int {
	return s.hub.closeAll()
}

// ============================================================================
// MESSAGES
// ============================================================================

// Row is a stored message in its wire shape.
type Row struct {
	ID        string  `json:"id"`
	Text      string  `json:"text"`
	UserID    *string `json:"user_id"`
	Sender    string  `json:"sender"`
	CreatedAt string  `json:"created_at"`
}

// Messages returns a copy of the stored rows in insert order.
func (s *Server) Messages() []Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Row, len(s.rows))
	copy(out, s.rows)
	return out
}

// SeedMessage stores a row and fans it out. An empty userID stores a legacy
// row with a null user_id.
func (s *Server) SeedMessage(text, sender, userID string) Row {
	var uid *string
	if userID != "" {
		uid = &userID
	}
	return s.insert(text, sender, uid)
}

func (s *Server) insert(text, sender string, userID *string) Row {
	s.mu.Lock()
	s.nextSeq++
	// created_at must be strictly increasing for ordering.
	at := s.opts.Now().UTC().Add(time.Duration(s.nextSeq) * time.Microsecond)
	row := Row{
		ID:        newID(),
		Text:      text,
		UserID:    userID,
		Sender:    sender,
		CreatedAt: at.Format(time.RFC3339Nano),
	}
	s.rows = append(s.rows, row)
	seq := s.nextSeq
	s.mu.Unlock()

	s.hub.publishInsert(seq, row)
	return row
}

func (s *Server) sortedRows(desc bool) []Row {
	rows := s.Messages()
	sort.SliceStable(rows, func(i, j int) bool {
		if desc {
			return rows[i].CreatedAt > rows[j].CreatedAt
		}
		return rows[i].CreatedAt < rows[j].CreatedAt
	})
	return rows
}

// ============================================================================
// HELPERS
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeAuthError writes a GoTrue-shaped error.
func writeAuthError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{
		"code":       status,
		"error_code": code,
		"msg":        msg,
	})
}

// writeGrantError writes the OAuth-shaped error used by /token.
func writeGrantError(w http.ResponseWriter, desc string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error":             "invalid_grant",
		"error_description": desc,
	})
}

// writeRestError writes a PostgREST-shaped error.
func writeRestError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": msg,
		"details": nil,
		"hint":    nil,
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	return json.NewDecoder(r.Body).Decode(v)
}
