// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package supabase provides the REST side of the hosted backend.
//
// It talks to two services of a Supabase project: GoTrue (/auth/v1) for
// password sign-in, sign-up, token refresh and MFA, and PostgREST (/rest/v1)
// for reading and inserting rows of public.messages. Realtime lives in the
// realtime package.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Configuration constants.
const (
	// DefaultTimeout is the default timeout for REST requests.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxRetries is the number of attempts for idempotent requests.
	DefaultMaxRetries = 3

	// retryBaseDelay is the base delay for exponential backoff.
	retryBaseDelay = 500 * time.Millisecond

	// MaxResponseSize is the maximum accepted response body size.
	MaxResponseSize = 10 * 1024 * 1024

	userAgent = "instachat-tui/1.0"
)

// sharedHTTPClient is reused by every Client without its own http.Client.
var sharedHTTPClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	},
	Timeout: DefaultTimeout,
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotConfigured indicates the project URL or anon key is missing.
	ErrNotConfigured = errors.New("supabase project not configured")

	// ErrUnauthorized indicates bad credentials or an expired token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound indicates the endpoint or row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRateLimited indicates too many requests were made.
	ErrRateLimited = errors.New("rate limited")
)

// APIError is an error response from GoTrue or PostgREST.
type APIError struct {
	Status  int
	Code    string
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("supabase error [%s] (HTTP %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("supabase error (HTTP %d): %s", e.Status, e.Message)
}

// Unwrap maps the status onto a sentinel so errors.Is works.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}
	if e.Code == "invalid_grant" {
		return ErrUnauthorized
	}
	return nil
}

// errorBody covers the error shapes of GoTrue and PostgREST.
type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
	Code             any    `json:"code"`
}

func parseAPIError(status int, body []byte) *APIError {
	e := &APIError{Status: status}
	var b errorBody
	if json.Unmarshal(body, &b) == nil {
		switch {
		case b.ErrorDescription != "":
			e.Message = b.ErrorDescription
		case b.Msg != "":
			e.Message = b.Msg
		case b.Message != "":
			e.Message = b.Message
		case b.Error != "":
			e.Message = b.Error
		}
		switch {
		case b.ErrorCode != "":
			e.Code = b.ErrorCode
		case b.Error != "":
			e.Code = b.Error
		default:
			if s, ok := b.Code.(string); ok {
				e.Code = s
			}
		}
	}
	if e.Message == "" {
		e.Message = strings.TrimSpace(string(body))
		if e.Message == "" {
			e.Message = http.StatusText(status)
		}
	}
	return e
}

// =============================================================================
// CLIENT
// =============================================================================

// Client calls the auth and REST endpoints of one project.
// It is safe for concurrent use.
type Client struct {
	baseURL    string
	anonKey    string
	http       *http.Client
	maxRetries int
	log        *zap.Logger

	mu          sync.RWMutex
	accessToken string
}

// NewClient creates a client for the project at baseURL.
func NewClient(baseURL, anonKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		anonKey:    anonKey,
		http:       sharedHTTPClient,
		maxRetries: DefaultMaxRetries,
		log:        zap.NewNop(),
	}
}

// WithHTTPClient sets the HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// WithMaxRetries sets the number of attempts for idempotent requests.
func (c *Client) WithMaxRetries(n int) *Client {
	if n < 1 {
		n = 1
	}
	c.maxRetries = n
	return c
}

// WithLogger sets the logger.
func (c *Client) WithLogger(log *zap.Logger) *Client {
	if log != nil {
		c.log = log.Named("supabase")
	}
	return c
}

// BaseURL returns the project URL.
func (c *Client) BaseURL() string { return c.baseURL }

// AnonKey returns the public API key.
func (c *Client) AnonKey() string { return c.anonKey }

// IsConfigured reports whether the project URL and key are set.
func (c *Client) IsConfigured() bool {
	return c.baseURL != "" && c.anonKey != ""
}

// SetAccessToken sets the user JWT sent with REST requests. Empty means anonymous.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	c.accessToken = token
	c.mu.Unlock()
}

// AccessToken returns the current user JWT.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// request describes one REST call.
type request struct {
	method    string
	path      string
	body      any
	headers   map[string]string
	token     string // overrides the stored access token
	retryable bool
}

// do sends req and decodes a successful JSON response into out (if non-nil).
func (c *Client) do(ctx context.Context, req request, out any) error {
	if !c.IsConfigured() {
		return ErrNotConfigured
	}

	var payload []byte
	if req.body != nil {
		var err error
		payload, err = json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	attempts := 1
	if req.retryable {
		attempts = c.maxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		status, body, err := c.send(ctx, req, payload)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return err
			}
			continue
		}

		if status >= 200 && status < 300 {
			if out == nil || len(bytes.TrimSpace(body)) == 0 {
				return nil
			}
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("failed to parse response: %w", err)
			}
			return nil
		}

		apiErr := parseAPIError(status, body)
		if status < 500 && status != http.StatusTooManyRequests {
			return apiErr
		}
		lastErr = apiErr
	}

	if attempts > 1 {
		return fmt.Errorf("max retries exceeded: %w", lastErr)
	}
	return lastErr
}

// send performs a single HTTP round trip.
func (c *Client) send(ctx context.Context, req request, payload []byte) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, c.baseURL+req.path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	token := req.token
	if token == "" {
		token = c.AccessToken()
	}
	if token == "" {
		token = c.anonKey
	}
	httpReq.Header.Set("apikey", c.anonKey)
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	c.log.Debug("request",
		zap.String("method", req.method),
		zap.String("path", pathOnly(req.path)),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
	)

	data, err := readResponse(resp)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}

// readResponse reads the body with a size limit.
func readResponse(resp *http.Response) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(data) > MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return data, nil
}

// pathOnly strips the query so credentials in grant parameters are not logged.
func pathOnly(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		return p[:i]
	}
	return p
}
