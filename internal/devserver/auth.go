// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// auth.go - Email/password accounts, token grants and TOTP factors.

package devserver

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength matches the hosted default.
const MinPasswordLength = 6

// ChallengeTTL bounds how long an MFA challenge may be verified.
const ChallengeTTL = 5 * time.Minute

// ============================================================================
// RECORDS
// ============================================================================

type user struct {
	ID           string
	Email        string
	PasswordHash []byte
	Confirmed    bool
	Factors      []*factor
}

type factor struct {
	ID       string
	Secret   string
	Verified bool
}

type grant struct {
	Access    string
	Refresh   string
	UserID    string
	ExpiresAt time.Time
	AAL       string
}

type challenge struct {
	ID        string
	FactorID  string
	UserID    string
	ExpiresAt time.Time
}

type factorJSON struct {
	ID         string `json:"id"`
	FactorType string `json:"factor_type"`
	Status     string `json:"status"`
}

type userJSON struct {
	ID      string       `json:"id"`
	Aud     string       `json:"aud"`
	Role    string       `json:"role"`
	Email   string       `json:"email"`
	Factors []factorJSON `json:"factors,omitempty"`
}

type sessionJSON struct {
	AccessToken  string   `json:"access_token"`
	TokenType    string   `json:"token_type"`
	ExpiresIn    int64    `json:"expires_in"`
	ExpiresAt    int64    `json:"expires_at"`
	RefreshToken string   `json:"refresh_token"`
	User         userJSON `json:"user"`
}

func newID() string { return uuid.NewString() }

func (u *user) json() userJSON {
	out := userJSON{ID: u.ID, Aud: "authenticated", Role: "authenticated", Email: u.Email}
	for _, f := range u.Factors {
		status := "unverified"
		if f.Verified {
			status = "verified"
		}
		out.Factors = append(out.Factors, factorJSON{ID: f.ID, FactorType: "totp", Status: status})
	}
	return out
}

func (u *user) factor(id string) *factor {
	for _, f := range u.Factors {
		if f.ID == id {
			return f
		}
	}
	return nil
}

// ============================================================================
// GRANTS
// ============================================================================

// issue creates a token pair. Caller holds s.mu.
func (s *Server) issue(u *user, aal string) sessionJSON {
	now := s.opts.Now()
	g := &grant{
		Access:    newID(),
		Refresh:   newID(),
		UserID:    u.ID,
		ExpiresAt: now.Add(s.opts.TokenTTL),
		AAL:       aal,
	}
	s.access[g.Access] = g
	s.refresh[g.Refresh] = g
	return sessionJSON{
		AccessToken:  g.Access,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.opts.TokenTTL / time.Second),
		ExpiresAt:    g.ExpiresAt.Unix(),
		RefreshToken: g.Refresh,
		User:         u.json(),
	}
}

// revoke drops both halves of g. Caller holds s.mu.
func (s *Server) revoke(g *grant) {
	delete(s.access, g.Access)
	delete(s.refresh, g.Refresh)
}

// lookupToken resolves a live access token. Caller holds s.mu.
func (s *Server) lookupToken(token string) (*user, *grant, bool) {
	g, ok := s.access[token]
	if !ok || !s.opts.Now().Before(g.ExpiresAt) {
		return nil, nil, false
	}
	u, ok := s.usersByID[g.UserID]
	return u, g, ok
}

// UserForToken returns the user ID owning a live access token.
func (s *Server) UserForToken(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, _, ok := s.lookupToken(token)
	if !ok {
		return "", false
	}
	return u.ID, true
}

// bearer extracts a user token from the Authorization header. The anon key
// is not a user token.
func (s *Server) bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	tok := strings.TrimSpace(h[len(prefix):])
	if subtle.ConstantTimeCompare([]byte(tok), []byte(s.opts.AnonKey)) == 1 {
		return ""
	}
	return tok
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*user, *grant, bool) {
	tok := s.bearer(r)
	if tok == "" {
		writeAuthError(w, http.StatusUnauthorized, "no_authorization", "This endpoint requires a Bearer token")
		return nil, nil, false
	}
	s.mu.Lock()
	u, g, ok := s.lookupToken(tok)
	s.mu.Unlock()
	if !ok {
		writeAuthError(w, http.StatusUnauthorized, "bad_jwt", "invalid JWT: token is expired or revoked")
		return nil, nil, false
	}
	return u, g, true
}

// ============================================================================
// TEST AND OPERATOR HOOKS
// ============================================================================

// ConfirmEmail marks a pending signup as confirmed.
func (s *Server) ConfirmEmail(email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[normalizeEmail(email)]
	if !ok {
		return fmt.Errorf("no user %q", email)
	}
	u.Confirmed = true
	return nil
}

// CreateUser registers a confirmed account directly.
func (s *Server) CreateUser(email, password string) (string, error) {
	u, err := s.register(email, password, true)
	if err != nil {
		return "", err
	}
	return u.ID, nil
}

// EnrollTOTP adds a verified TOTP factor to the account and returns its
// base32 secret.
func (s *Server) EnrollTOTP(email string) (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "instachat-dev", AccountName: email})
	if err != nil {
		return "", fmt.Errorf("generate totp key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[normalizeEmail(email)]
	if !ok {
		return "", fmt.Errorf("no user %q", email)
	}
	u.Factors = append(u.Factors, &factor{ID: newID(), Secret: key.Secret(), Verified: true})
	return key.Secret(), nil
}

var (
	errUserExists   = errors.New("user already registered")
	errInvalidEmail = errors.New("invalid email")
	errWeakPassword = errors.New("password too short")
)

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Server) register(email, password string, confirmed bool) (*user, error) {
	email = normalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return nil, errInvalidEmail
	}
	if len(password) < MinPasswordLength {
		return nil, errWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[email]; ok {
		return nil, errUserExists
	}
	u := &user{ID: newID(), Email: email, PasswordHash: hash, Confirmed: confirmed}
	s.users[email] = u
	s.usersByID[u.ID] = u
	return u, nil
}

// ============================================================================
// HANDLERS
// ============================================================================

type credentials struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeBody(w, r, &req); err != nil {
		writeAuthError(w, http.StatusBadRequest, "bad_json", "could not parse request body")
		return
	}

	u, err := s.register(req.Email, req.Password, s.opts.AutoConfirm)
	switch {
	case errors.Is(err, errUserExists):
		writeAuthError(w, http.StatusUnprocessableEntity, "user_already_exists", "User already registered")
		return
	case errors.Is(err, errInvalidEmail):
		writeAuthError(w, http.StatusBadRequest, "validation_failed", "Unable to validate email address: invalid format")
		return
	case errors.Is(err, errWeakPassword):
		writeAuthError(w, http.StatusUnprocessableEntity, "weak_password",
			fmt.Sprintf("Password should be at least %d characters.", MinPasswordLength))
		return
	case err != nil:
		writeAuthError(w, http.StatusInternalServerError, "unexpected_failure", err.Error())
		return
	}
	s.log.Info("user signed up", zap.String("user_id", u.ID), zap.Bool("confirmed", u.Confirmed))

	if !u.Confirmed {
		writeJSON(w, http.StatusOK, u.json())
		return
	}
	s.mu.Lock()
	sess := s.issue(u, "aal1")
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeBody(w, r, &req); err != nil {
		writeAuthError(w, http.StatusBadRequest, "bad_json", "could not parse request body")
		return
	}

	switch r.URL.Query().Get("grant_type") {
	case "password":
		s.passwordGrant(w, req)
	case "refresh_token":
		s.refreshGrant(w, req)
	default:
		writeAuthError(w, http.StatusBadRequest, "validation_failed", "unsupported grant_type")
	}
}

func (s *Server) passwordGrant(w http.ResponseWriter, req credentials) {
	s.mu.Lock()
	u, ok := s.users[normalizeEmail(req.Email)]
	s.mu.Unlock()
	if !ok || bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(req.Password)) != nil {
		writeGrantError(w, "Invalid login credentials")
		return
	}
	if !u.Confirmed {
		writeAuthError(w, http.StatusBadRequest, "email_not_confirmed", "Email not confirmed")
		return
	}

	s.mu.Lock()
	sess := s.issue(u, "aal1")
	s.mu.Unlock()
	s.log.Debug("password grant", zap.String("user_id", u.ID))
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) refreshGrant(w http.ResponseWriter, req credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.refresh[req.RefreshToken]
	if !ok {
		writeGrantError(w, "Invalid Refresh Token: Refresh Token Not Found")
		return
	}
	u, ok := s.usersByID[g.UserID]
	if !ok {
		s.revoke(g)
		writeGrantError(w, "Invalid Refresh Token: User Not Found")
		return
	}
	// Refresh tokens rotate: the old pair stops working.
	s.revoke(g)
	writeJSON(w, http.StatusOK, s.issue(u, g.AAL))
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	u, _, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	out := u.json()
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	_, g, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	s.revoke(g)
	s.mu.Unlock()
	s.log.Debug("signed out", zap.String("user_id", g.UserID))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	u, _, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	factorID := mux.Vars(r)["id"]

	s.mu.Lock()
	defer s.mu.Unlock()
	if u.factor(factorID) == nil {
		writeAuthError(w, http.StatusNotFound, "mfa_factor_not_found", "Factor not found")
		return
	}
	c := &challenge{
		ID:        newID(),
		FactorID:  factorID,
		UserID:    u.ID,
		ExpiresAt: s.opts.Now().Add(ChallengeTTL),
	}
	s.challenges[c.ID] = c
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         c.ID,
		"type":       "totp",
		"expires_at": c.ExpiresAt.Unix(),
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	u, g, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req struct {
		ChallengeID string `json:"challenge_id"`
		Code        string `json:"code"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeAuthError(w, http.StatusBadRequest, "bad_json", "could not parse request body")
		return
	}
	factorID := mux.Vars(r)["id"]

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[req.ChallengeID]
	if !ok || c.FactorID != factorID || c.UserID != u.ID {
		writeAuthError(w, http.StatusNotFound, "mfa_challenge_not_found", "Challenge not found")
		return
	}
	delete(s.challenges, c.ID)
	if s.opts.Now().After(c.ExpiresAt) {
		writeAuthError(w, http.StatusUnprocessableEntity, "mfa_challenge_expired", "Challenge has expired")
		return
	}
	f := u.factor(factorID)
	if f == nil || !totp.Validate(strings.TrimSpace(req.Code), f.Secret) {
		writeAuthError(w, http.StatusUnprocessableEntity, "mfa_verification_failed", "Invalid TOTP code entered")
		return
	}

	s.revoke(g)
	writeJSON(w, http.StatusOK, s.issue(u, "aal2"))
}
