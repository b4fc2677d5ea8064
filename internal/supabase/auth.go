// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package supabase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/jeranaias/instachat-tui/internal/model"
)

// ErrMFARequired is returned when a verified TOTP factor exists but no code
// or secret was supplied.
var ErrMFARequired = errors.New("second factor required")

// =============================================================================
// TYPES
// =============================================================================

// Factor is an MFA factor enrolled on the user.
type Factor struct {
	ID         string `json:"id"`
	FactorType string `json:"factor_type"`
	Status     string `json:"status"`
}

// AuthUser is the GoTrue user object.
type AuthUser struct {
	ID      string   `json:"id"`
	Email   string   `json:"email"`
	Factors []Factor `json:"factors,omitempty"`
}

// Model converts the auth user to the feed identity.
func (u AuthUser) Model() model.User {
	return model.User{ID: u.ID, Email: u.Email}
}

// VerifiedTOTP returns the first verified TOTP factor.
func (u AuthUser) VerifiedTOTP() (Factor, bool) {
	for _, f := range u.Factors {
		if f.FactorType == "totp" && f.Status == "verified" {
			return f, true
		}
	}
	return Factor{}, false
}

// Session is the token set returned by GoTrue.
type Session struct {
	AccessToken  string   `json:"access_token"`
	TokenType    string   `json:"token_type"`
	ExpiresIn    int64    `json:"expires_in"`
	ExpiresAt    int64    `json:"expires_at"`
	RefreshToken string   `json:"refresh_token"`
	User         AuthUser `json:"user"`
}

// Expiry returns when the access token expires.
func (s *Session) Expiry() time.Time {
	if s.ExpiresAt > 0 {
		return time.Unix(s.ExpiresAt, 0)
	}
	return time.Time{}
}

// NeedsRefresh reports whether the token expires within margin of now.
func (s *Session) NeedsRefresh(now time.Time, margin time.Duration) bool {
	exp := s.Expiry()
	return !exp.IsZero() && now.Add(margin).After(exp)
}

// fill sets ExpiresAt from ExpiresIn when the server omitted it.
func (s *Session) fill(now time.Time) {
	if s.ExpiresAt == 0 && s.ExpiresIn > 0 {
		s.ExpiresAt = now.Add(time.Duration(s.ExpiresIn) * time.Second).Unix()
	}
}

// Credentials are the inputs of a password sign-in.
type Credentials struct {
	Email    string
	Password string

	// MFACode is a current TOTP code, used when the user has a verified factor.
	MFACode string
	// TOTPSecret generates the code when MFACode is empty.
	TOTPSecret string
}

// =============================================================================
// AUTH CALLS
// =============================================================================

// SignInWithPassword signs in with email and password, completing a TOTP
// challenge when the user has a verified factor.
func (c *Client) SignInWithPassword(ctx context.Context, cred Credentials) (*Session, error) {
	var s Session
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/token?grant_type=password",
		body: map[string]string{
			"email":    strings.TrimSpace(cred.Email),
			"password": cred.Password,
		},
	}, &s)
	if err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}
	s.fill(time.Now())

	factor, ok := s.User.VerifiedTOTP()
	if !ok {
		return &s, nil
	}

	code := cred.MFACode
	if code == "" && cred.TOTPSecret != "" {
		code, err = totp.GenerateCode(cred.TOTPSecret, time.Now())
		if err != nil {
			return nil, fmt.Errorf("generate totp code: %w", err)
		}
	}
	if code == "" {
		return &s, ErrMFARequired
	}
	return c.VerifyTOTP(ctx, &s, factor.ID, code)
}

// VerifyTOTP upgrades a session with a TOTP code for factorID.
func (c *Client) VerifyTOTP(ctx context.Context, s *Session, factorID, code string) (*Session, error) {
	var challenge struct {
		ID        string `json:"id"`
		ExpiresAt int64  `json:"expires_at"`
	}
	path := "/auth/v1/factors/" + url.PathEscape(factorID)
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   path + "/challenge",
		body:   struct{}{},
		token:  s.AccessToken,
	}, &challenge)
	if err != nil {
		return nil, fmt.Errorf("mfa challenge: %w", err)
	}

	var upgraded Session
	err = c.do(ctx, request{
		method: http.MethodPost,
		path:   path + "/verify",
		body: map[string]string{
			"challenge_id": challenge.ID,
			"code":         strings.TrimSpace(code),
		},
		token: s.AccessToken,
	}, &upgraded)
	if err != nil {
		return nil, fmt.Errorf("mfa verify: %w", err)
	}
	upgraded.fill(time.Now())
	if upgraded.User.ID == "" {
		upgraded.User = s.User
	}
	return &upgraded, nil
}

// SignUp registers a new user. When email confirmation is enabled the
// returned session has no access token.
func (c *Client) SignUp(ctx context.Context, email, password string) (*Session, error) {
	var raw struct {
		Session
		// Without auto-confirm GoTrue returns the bare user object.
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/signup",
		body: map[string]string{
			"email":    strings.TrimSpace(email),
			"password": password,
		},
	}, &raw)
	if err != nil {
		return nil, fmt.Errorf("sign up: %w", err)
	}

	s := raw.Session
	if s.User.ID == "" {
		s.User = AuthUser{ID: raw.ID, Email: raw.Email}
	}
	s.fill(time.Now())
	return &s, nil
}

// Refresh exchanges a refresh token for a new session.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	var s Session
	err := c.do(ctx, request{
		method:    http.MethodPost,
		path:      "/auth/v1/token?grant_type=refresh_token",
		body:      map[string]string{"refresh_token": refreshToken},
		retryable: true,
	}, &s)
	if err != nil {
		return nil, fmt.Errorf("refresh session: %w", err)
	}
	s.fill(time.Now())
	return &s, nil
}

// GetUser returns the user the access token belongs to.
func (c *Client) GetUser(ctx context.Context, accessToken string) (*AuthUser, error) {
	var u AuthUser
	err := c.do(ctx, request{
		method:    http.MethodGet,
		path:      "/auth/v1/user",
		token:     accessToken,
		retryable: true,
	}, &u)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// SignOut revokes the session's refresh tokens.
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/logout",
		token:  accessToken,
	}, nil)
	if err != nil && !errors.Is(err, ErrUnauthorized) {
		return fmt.Errorf("sign out: %w", err)
	}
	return nil
}
