// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/instachat-tui/internal/model"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "anon-key").WithHTTPClient(srv.Client())
}

// =============================================================================
// MESSAGES TESTS
// =============================================================================

func TestSelectMessages(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/rest/v1/messages", r.URL.Path)
		assert.Equal(t, "*", r.URL.Query().Get("select"))
		assert.Equal(t, "created_at.asc", r.URL.Query().Get("order"))
		assert.Equal(t, "anon-key", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer user-jwt", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"id":1,"text":"hi","sender":"a@x.com","user_id":"u1","created_at":"2025-01-01T00:00:00+00:00"},
			{"id":2,"text":"yo","sender":"b@x.com","user_id":null,"created_at":"2025-01-01T00:00:01+00:00"}
		]`))
	})
	c.SetAccessToken("user-jwt")

	msgs, err := c.SelectMessages(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "1", msgs[0].ID)
	assert.Equal(t, "u1", msgs[0].AuthorID)
	assert.Equal(t, "", msgs[1].AuthorID)
	assert.Equal(t, "b@x.com", msgs[1].LegacyAuthorLabel)
}

func TestSelectMessages_KeepsRowWithBadTimestamp(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"id":1,"text":"old","created_at":"not a time"},
			{"id":2,"text":"new","created_at":"2025-01-01T00:00:01+00:00"}
		]`))
	})

	msgs, err := c.SelectMessages(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "old", msgs[0].Text)
	assert.True(t, msgs[0].CreatedAt.IsZero())
	assert.False(t, msgs[1].CreatedAt.IsZero())
}

func TestSelectMessages_RejectsRowWithoutID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"text":"orphan"}]`))
	})

	_, err := c.SelectMessages(context.Background())
	assert.Error(t, err)
}

func TestSelectMessages_AnonymousUsesAnonKey(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer anon-key", r.Header.Get("Authorization"))
		w.Write([]byte(`[]`))
	})
	msgs, err := c.SelectMessages(context.Background())
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSelectMessages_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`[{"id":"a"}]`))
	})

	msgs, err := c.SelectMessages(context.Background())
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSelectMessages_Unauthorized(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":"PGRST301","message":"JWT expired"}`))
	})

	_, err := c.SelectMessages(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "PGRST301", apiErr.Code)
	assert.Equal(t, "JWT expired", apiErr.Message)
}

func TestInsertMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/rest/v1/messages", r.URL.Path)
		assert.Equal(t, "return=minimal", r.Header.Get("Prefer"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"text":"hello","sender":"a@x.com","user_id":"u1"}`, string(body))
		w.WriteHeader(http.StatusCreated)
	})

	err := c.InsertMessage(context.Background(), model.NewMessage{Text: "hello", Sender: "a@x.com", AuthorID: "u1"})
	require.NoError(t, err)
}

func TestInsertMessage_NotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	err := c.InsertMessage(context.Background(), model.NewMessage{Text: "x"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_NotConfigured(t *testing.T) {
	c := NewClient("", "")
	_, err := c.SelectMessages(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)
}

// =============================================================================
// AUTH TESTS
// =============================================================================

func TestSignInWithPassword(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/v1/token", r.URL.Path)
		assert.Equal(t, "password", r.URL.Query().Get("grant_type"))

		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "a@x.com", body["email"])
		assert.Equal(t, "secret", body["password"])

		w.Write([]byte(`{"access_token":"jwt","token_type":"bearer","expires_in":3600,"refresh_token":"r1",
			"user":{"id":"u1","email":"a@x.com"}}`))
	})

	s, err := c.SignInWithPassword(context.Background(), Credentials{Email: " a@x.com ", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "jwt", s.AccessToken)
	assert.Equal(t, "r1", s.RefreshToken)
	assert.Equal(t, model.User{ID: "u1", Email: "a@x.com"}, s.User.Model())
	assert.WithinDuration(t, time.Now().Add(time.Hour), s.Expiry(), 5*time.Second)
	assert.False(t, s.NeedsRefresh(time.Now(), time.Minute))
	assert.True(t, s.NeedsRefresh(time.Now().Add(2*time.Hour), time.Minute))
}

func TestSignInWithPassword_BadCredentials(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid login credentials"}`))
	})

	_, err := c.SignInWithPassword(context.Background(), Credentials{Email: "a@x.com", Password: "nope"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Contains(t, err.Error(), "Invalid login credentials")
}

func TestSignInWithPassword_TOTP(t *testing.T) {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "instachat", AccountName: "a@x.com"})
	require.NoError(t, err)

	var verified atomic.Bool
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/v1/token":
			w.Write([]byte(`{"access_token":"aal1","expires_in":3600,"refresh_token":"r1",
				"user":{"id":"u1","email":"a@x.com","factors":[{"id":"f1","factor_type":"totp","status":"verified"}]}}`))
		case "/auth/v1/factors/f1/challenge":
			assert.Equal(t, "Bearer aal1", r.Header.Get("Authorization"))
			w.Write([]byte(`{"id":"ch1","expires_at":0}`))
		case "/auth/v1/factors/f1/verify":
			var body map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "ch1", body["challenge_id"])
			assert.True(t, totp.Validate(body["code"], key.Secret()))
			verified.Store(true)
			w.Write([]byte(`{"access_token":"aal2","expires_in":3600,"refresh_token":"r2","user":{"id":"u1","email":"a@x.com"}}`))
		default:
			http.NotFound(w, r)
		}
	})

	s, err := c.SignInWithPassword(context.Background(), Credentials{
		Email:      "a@x.com",
		Password:   "secret",
		TOTPSecret: key.Secret(),
	})
	require.NoError(t, err)
	assert.True(t, verified.Load())
	assert.Equal(t, "aal2", s.AccessToken)

	_, err = c.SignInWithPassword(context.Background(), Credentials{Email: "a@x.com", Password: "secret"})
	assert.ErrorIs(t, err, ErrMFARequired)
}

func TestSignUp_WithoutAutoConfirm(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/v1/signup", r.URL.Path)
		w.Write([]byte(`{"id":"u9","email":"new@x.com"}`))
	})

	s, err := c.SignUp(context.Background(), "new@x.com", "pw")
	require.NoError(t, err)
	assert.Empty(t, s.AccessToken)
	assert.Equal(t, "u9", s.User.ID)
}

func TestRefreshAndGetUser(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/v1/token":
			assert.Equal(t, "refresh_token", r.URL.Query().Get("grant_type"))
			w.Write([]byte(`{"access_token":"jwt2","expires_at":4102444800,"refresh_token":"r2","user":{"id":"u1","email":"a@x.com"}}`))
		case "/auth/v1/user":
			assert.Equal(t, "Bearer jwt2", r.Header.Get("Authorization"))
			w.Write([]byte(`{"id":"u1","email":"a@x.com"}`))
		case "/auth/v1/logout":
			w.WriteHeader(http.StatusUnauthorized)
		}
	})

	s, err := c.Refresh(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(4102444800), s.ExpiresAt)

	u, err := c.GetUser(context.Background(), s.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)

	// An already-revoked session signs out cleanly.
	assert.NoError(t, c.SignOut(context.Background(), s.AccessToken))
}

func TestParseAPIError(t *testing.T) {
	e := parseAPIError(429, []byte(`{"msg":"slow down","code":429}`))
	assert.Equal(t, "slow down", e.Message)
	assert.ErrorIs(t, e, ErrRateLimited)

	e = parseAPIError(500, []byte(`oops`))
	assert.Equal(t, "oops", e.Message)
	assert.Nil(t, e.Unwrap())

	e = parseAPIError(404, nil)
	assert.Equal(t, "Not Found", e.Message)
	assert.ErrorIs(t, e, ErrNotFound)
}
