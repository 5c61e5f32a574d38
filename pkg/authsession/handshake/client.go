// Package handshake exchanges a provider identity assertion for a
// backend-issued cookie session.
//
// The backend sets an HTTP-only, Secure, SameSite=None session cookie in
// response to a successful exchange; the cookie lives in the client's
// cookie jar and is never modeled as application data. Registration on the
// backend is idempotent: an "already registered" acknowledgment is
// success, not a conflict.
package handshake

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kaseydoesmarketing/TTPROv5/internal/metrics"
	"github.com/kaseydoesmarketing/TTPROv5/pkg/authsession/autherr"
)

const (
	exchangePath = "/api/auth/firebase"
	sessionPath  = "/api/auth/session"
	logoutPath   = "/api/auth/logout"

	// DefaultTimeout bounds one handshake round trip. Exceeding it
	// surfaces a timeout AuthError instead of hanging the caller.
	DefaultTimeout = 30 * time.Second

	// revokeTimeout bounds the best-effort logout call so sign-out is
	// never held hostage by a dead backend.
	revokeTimeout = 5 * time.Second

	tracerName = "ttpro/authsession/handshake"
)

// AssertionSource re-obtains a fresh assertion from the identity provider.
// The handshake client calls it with forceRefresh=true for the single
// bounded retry after a 401.
type AssertionSource func(ctx context.Context, forceRefresh bool) (string, error)

// UserEcho is the backend's acknowledgment of the registered user.
type UserEcho struct {
	UID               string `json:"uid"`
	Email             string `json:"email"`
	DisplayName       string `json:"display_name,omitempty"`
	AlreadyRegistered bool   `json:"already_registered,omitempty"`
}

// Result is the transient outcome of one Exchange call.
type Result struct {
	Success         bool
	SessionVerified bool
	User            *UserEcho
	Err             string
}

// Client performs the session handshake against the backend.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	source  AssertionSource
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client. A cookie jar is attached if the
// client has none, since the session lives in a cookie.
func WithHTTPClient(c *http.Client) Option {
	return func(h *Client) { h.http = c }
}

// WithTimeout overrides the per-round-trip bound.
func WithTimeout(d time.Duration) Option {
	return func(h *Client) { h.timeout = d }
}

// WithAssertionSource enables the bounded forced-refresh retry on 401.
// Without a source the first 401 is terminal.
func WithAssertionSource(source AssertionSource) Option {
	return func(h *Client) { h.source = source }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Client) { h.logger = l }
}

// WithMetrics wires Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Client) { h.metrics = m }
}

// NewClient returns a handshake client for the backend at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, autherr.New(autherr.CodeConfiguration).WithDetails("backend API base URL is not set")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: DefaultTimeout,
		logger:  slog.Default().With("component", "handshake"),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.http.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, autherr.Wrap(autherr.CodeUnknown, err)
		}
		c.http.Jar = jar
	}
	return c, nil
}

// BaseURL returns the backend base URL the client was built with.
func (c *Client) BaseURL() string { return c.baseURL }

// HTTPClient returns the cookie-bearing HTTP client. The request gateway
// shares it so resource calls carry the same session cookie.
func (c *Client) HTTPClient() *http.Client { return c.http }

// Exchange POSTs the assertion to the backend login endpoint. On a 401
// with forceRefresh false it performs exactly one retry with a
// force-refreshed assertion; the bound is a loop, not recursion, so
// termination is structural. Any other non-2xx response is terminal for
// this call.
func (c *Client) Exchange(ctx context.Context, rawAssertion string, forceRefresh bool) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "handshake.Exchange",
		trace.WithAttributes(attribute.Bool("force_refresh", forceRefresh)))
	defer span.End()

	start := time.Now()
	res, err := c.exchangeLoop(ctx, rawAssertion, forceRefresh)
	if err != nil {
		span.SetStatus(codes.Error, string(autherr.CodeOf(err)))
		c.metrics.ObserveHandshake(string(autherr.CodeOf(err)), time.Since(start))
		return res, err
	}
	span.SetStatus(codes.Ok, "")
	c.metrics.ObserveHandshake("success", time.Since(start))
	return res, nil
}

func (c *Client) exchangeLoop(ctx context.Context, rawAssertion string, forceRefresh bool) (*Result, error) {
	assertion := rawAssertion
	forced := forceRefresh

	// At most two attempts: the original call plus one forced-refresh
	// retry after a 401.
	for attempt := 0; attempt < 2; attempt++ {
		status, body, err := c.postAssertion(ctx, assertion)
		if err != nil {
			return &Result{Err: err.Error()}, err
		}

		if status >= 200 && status < 300 {
			res := &Result{Success: true}
			var echo struct {
				User *UserEcho `json:"user"`
			}
			if jsonErr := json.Unmarshal(body, &echo); jsonErr == nil && echo.User != nil {
				res.User = echo.User
			}
			res.SessionVerified = c.VerifySession(ctx)
			if res.User != nil && res.User.AlreadyRegistered {
				c.logger.Debug("backend reported existing registration", "uid", res.User.UID)
			}
			return res, nil
		}

		if status == http.StatusUnauthorized && !forced && c.source != nil {
			c.logger.Debug("handshake returned 401, retrying with refreshed assertion")
			refreshed, refreshErr := c.source(ctx, true)
			if refreshErr != nil {
				classified := autherr.Classify(refreshErr)
				return &Result{Err: classified.Error()}, classified
			}
			assertion = refreshed
			forced = true
			continue
		}

		classified := autherr.FromStatus(status, string(body))
		return &Result{Err: classified.Error()}, classified
	}

	// Unreachable: the loop either returns or sets forced=true, and a
	// forced 401 returns above.
	classified := autherr.New(autherr.CodeUnauthorized)
	return &Result{Err: classified.Error()}, classified
}

func (c *Client) postAssertion(ctx context.Context, assertion string) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(map[string]string{"idToken": assertion})
	if err != nil {
		return 0, nil, autherr.Wrap(autherr.CodeUnknown, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+exchangePath, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, autherr.Wrap(autherr.CodeUnknown, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+assertion)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, autherr.Classify(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return resp.StatusCode, body, nil
}

// VerifySession probes the session-introspection endpoint. True only on a
// 2xx; transport failures and non-2xx statuses all read as false. It never
// returns an error.
func (c *Client) VerifySession(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+sessionPath, nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("session verification failed", "err", autherr.Redact(err.Error()))
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Revoke invalidates the backend session, best effort. Sign-out proceeds
// regardless of the outcome, so all failures are swallowed.
func (c *Client) Revoke(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, revokeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+logoutPath, nil)
	if err != nil {
		return
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("session revoke failed", "err", autherr.Redact(err.Error()))
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode >= 300 {
		c.logger.Debug("session revoke returned non-2xx", "status", resp.StatusCode)
	}
}
