// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package api provides the REST client for the chat backend.
//
// Every call attaches the bearer credential from a TokenSource, is throttled
// by a token-bucket limiter and, for idempotent requests, retried with
// exponential backoff on 5xx, 429 and network failures. Failures surface as
// apperr types: a 401 becomes *apperr.AuthExpiredError (after the
// AuthHandler is told), anything else non-2xx becomes *apperr.TransportError.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jeranaias/ragchat/internal/apperr"
	"github.com/jeranaias/ragchat/internal/logging"
	"github.com/jeranaias/ragchat/internal/metrics"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultTimeout bounds a single REST round-trip.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxRetries is the retry budget for idempotent requests.
	DefaultMaxRetries = 3

	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 10 * time.Second

	// MaxResponseSize caps REST response bodies.
	MaxResponseSize = 10 * 1024 * 1024

	userAgent = "ragchat/1.0"
)

// =============================================================================
// CREDENTIALS
// =============================================================================

// TokenSource supplies the bearer credential. Credential issuance and storage
// live outside this package.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// AuthHandler is told when the backend rejects the credential.
type AuthHandler interface {
	SessionExpired()
}

// AuthHandlerFunc adapts a function to AuthHandler.
type AuthHandlerFunc func()

// SessionExpired implements AuthHandler.
func (f AuthHandlerFunc) SessionExpired() {
	f()
}

// =============================================================================
// CLIENT
// =============================================================================

// Options configures a Client. Only BaseURL is required.
type Options struct {
	BaseURL     string
	TokenSource TokenSource
	AuthHandler AuthHandler

	// HTTPClient is used for REST calls; its Timeout is left alone when set.
	HTTPClient *http.Client
	Timeout    time.Duration
	MaxRetries int
	// RetryBaseDelay is the first backoff step (default 500ms, doubled per retry)
	RetryBaseDelay time.Duration

	// RequestsPerSecond throttles REST calls; zero disables the limiter.
	RequestsPerSecond float64
	Burst             int

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Client talks to the chat backend's REST API.
type Client struct {
	baseURL    *url.URL
	tokens     TokenSource
	auth       AuthHandler
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration
	limiter    *rate.Limiter
	log        *zap.Logger
	metrics    *metrics.Metrics
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL %q: scheme must be http or https", opts.BaseURL)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	retryDelay := opts.RetryBaseDelay
	if retryDelay <= 0 {
		retryDelay = retryBaseDelay
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	return &Client{
		baseURL:    base,
		tokens:     opts.TokenSource,
		auth:       opts.AuthHandler,
		httpClient: httpClient,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		limiter:    limiter,
		log:        logging.OrNop(opts.Logger).Named("api"),
		metrics:    opts.Metrics,
	}, nil
}

// BaseURL returns the backend root URL.
func (c *Client) BaseURL() *url.URL {
	u := *c.baseURL
	return &u
}

// Endpoint resolves path segments against the base URL, escaping each one.
func (c *Client) Endpoint(segments ...string) *url.URL {
	u := c.BaseURL()
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	prefix := strings.TrimRight(u.EscapedPath(), "/")
	u.RawPath = prefix + "/" + strings.Join(escaped, "/")
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Join(segments, "/")
	return u
}

// Authorize sets the bearer credential on h. Push transports call this when
// opening a stream.
func (c *Client) Authorize(ctx context.Context, h http.Header) error {
	if c.tokens == nil {
		return nil
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain credential: %w", err)
	}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return nil
}

// Unauthorized tells the AuthHandler the session expired and returns the
// error to propagate for op.
func (c *Client) Unauthorized(op string) error {
	c.log.Warn("session expired", zap.String("op", op))
	if c.auth != nil {
		c.auth.SessionExpired()
	}
	return &apperr.AuthExpiredError{Op: op}
}

// =============================================================================
// REQUEST PLUMBING
// =============================================================================

// request describes one REST call.
type request struct {
	op     string
	method string
	url    *url.URL
	body   interface{} // JSON-encoded when non-nil
	// raw overrides body with a pre-built stream (uploads); never retried
	raw         io.Reader
	contentType string
}

func (r request) idempotent() bool {
	return r.raw == nil && (r.method == http.MethodGet || r.method == http.MethodDelete)
}

// ServerError carries the message the backend returned with a failure.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return e.Message
}

// do performs r and decodes the JSON response into out (when non-nil).
func (c *Client) do(ctx context.Context, r request, out interface{}) error {
	var payload []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("%s: failed to encode request: %w", r.op, err)
		}
		payload = data
	}

	attempts := 1
	if r.idempotent() {
		attempts += c.maxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := calculateBackoff(c.retryDelay, attempt)
			c.log.Debug("retrying request", zap.String("op", r.op), zap.Int("attempt", attempt), zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return apperr.Transport(r.op, 0, ctx.Err())
			case <-time.After(delay):
			}
		}

		err := c.attempt(ctx, r, payload, out)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (c *Client) attempt(ctx context.Context, r request, payload []byte, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return apperr.Transport(r.op, 0, err)
	}

	var body io.Reader
	switch {
	case r.raw != nil:
		body = r.raw
	case payload != nil:
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, r.url.String(), body)
	if err != nil {
		return apperr.Transport(r.op, 0, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	switch {
	case r.contentType != "":
		req.Header.Set("Content-Type", r.contentType)
	case payload != nil:
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.Authorize(ctx, req.Header); err != nil {
		return apperr.Transport(r.op, 0, err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.Request(r.op, 0, time.Since(start))
		return apperr.Transport(r.op, 0, err)
	}
	defer resp.Body.Close()
	c.metrics.Request(r.op, resp.StatusCode, time.Since(start))

	respBody, err := readResponse(resp)
	if err != nil {
		return apperr.Transport(r.op, resp.StatusCode, err)
	}

	c.log.Debug("request complete",
		zap.String("op", r.op),
		zap.String("method", r.method),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.handleErrorResponse(r.op, resp.StatusCode, respBody)
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return apperr.Transport(r.op, resp.StatusCode, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// readResponse reads the body with a size limit.
func readResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

// handleErrorResponse maps a non-2xx response to the error taxonomy.
func (c *Client) handleErrorResponse(op string, status int, body []byte) error {
	if status == http.StatusUnauthorized {
		return c.Unauthorized(op)
	}
	return apperr.Transport(op, status, &ServerError{Message: serverMessage(status, body)})
}

// serverMessage extracts {"detail": ...} or {"error": ...} from a failure body.
func serverMessage(status int, body []byte) string {
	var parsed struct {
		Detail json.RawMessage `json:"detail"`
		Error  string          `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		var detail string
		if len(parsed.Detail) > 0 && json.Unmarshal(parsed.Detail, &detail) == nil && detail != "" {
			return detail
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" && len(text) <= 200 {
		return text
	}
	return http.StatusText(status)
}

// isRetryable reports whether err should trigger another attempt.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var transportErr *apperr.TransportError
	if !errors.As(err, &transportErr) {
		return false
	}
	switch {
	case transportErr.Status == http.StatusTooManyRequests:
		return true
	case transportErr.Status >= 500:
		return true
	case transportErr.Status == 0:
		var netErr net.Error
		return errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF)
	}
	return false
}

// calculateBackoff returns the delay before retry number attempt (1-based):
// base, 2*base, 4*base, ... capped at retryMaxDelay.
func calculateBackoff(base time.Duration, attempt int) time.Duration {
	delay := base * time.Duration(1<<uint(attempt-1))
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}
