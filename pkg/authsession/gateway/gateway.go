// Package gateway wraps outbound resource calls with the backend session.
//
// Every request rides the cookie-bearing HTTP client shared with the
// handshake. A 401 triggers exactly one session refresh followed by
// exactly one retry; concurrent 401s coalesce onto a single refresh so the
// backend never sees a re-registration storm.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/kaseydoesmarketing/TTPROv5/internal/metrics"
	"github.com/kaseydoesmarketing/TTPROv5/pkg/authsession/autherr"
)

const tracerName = "ttpro/authsession/gateway"

// ErrNotAuthenticated is returned when a resource request is attempted
// before the first successful handshake of the session's lifetime.
var ErrNotAuthenticated = errors.New("gateway: not authenticated")

// SessionRefresher re-establishes the backend session after a 401. The
// auth manager implements it with a forced assertion refresh followed by
// a forced handshake exchange.
type SessionRefresher interface {
	RefreshSession(ctx context.Context) error
}

// Gateway issues authenticated resource requests.
type Gateway struct {
	baseURL   string
	http      *http.Client
	refresher SessionRefresher
	ready     func() bool
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	sf        singleflight.Group
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithReadyCheck gates requests on the first successful handshake.
func WithReadyCheck(ready func() bool) Option {
	return func(g *Gateway) { g.ready = ready }
}

// WithLogger sets the gateway logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithMetrics wires Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// New returns a gateway for resources under baseURL. The HTTP client must
// be the handshake client's cookie-bearing client; the refresher is
// invoked on 401.
func New(baseURL string, client *http.Client, refresher SessionRefresher, opts ...Option) *Gateway {
	g := &Gateway{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      client,
		refresher: refresher,
		logger:    slog.Default().With("component", "gateway"),
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Request builds and issues an authenticated request for a backend path.
func (g *Gateway) Request(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return g.Do(req)
}

// Do issues req with the session cookie attached. On a 401 it refreshes
// the session once and retries once, in that order; a refresh failure or
// a second 401 is returned to the caller unchanged, with no further
// retries.
//
// Requests with a body must have GetBody set (http.NewRequest does this
// for common body types); otherwise the retry is skipped and the 401
// surfaces directly.
func (g *Gateway) Do(req *http.Request) (*http.Response, error) {
	ctx, span := g.tracer.Start(req.Context(), "gateway.Do",
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.path", req.URL.Path),
		))
	defer span.End()
	req = req.WithContext(ctx)

	if g.ready != nil && !g.ready() {
		span.SetStatus(codes.Error, "not_authenticated")
		g.metrics.ObserveGatewayRequest("not_authenticated")
		return nil, ErrNotAuthenticated
	}

	resp, err := g.http.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, "transport")
		g.metrics.ObserveGatewayRequest("transport_error")
		return nil, autherr.Classify(err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		span.SetStatus(codes.Ok, "")
		g.metrics.ObserveGatewayRequest("ok")
		return resp, nil
	}

	// Hold the original 401 so it can be surfaced unchanged if the
	// refresh fails.
	original, err := bufferResponse(resp)
	if err != nil {
		return nil, autherr.Wrap(autherr.CodeUnknown, err)
	}

	if req.Body != nil && req.GetBody == nil {
		g.logger.Debug("cannot replay request without GetBody, surfacing 401",
			"path", req.URL.Path)
		g.metrics.ObserveGatewayRequest("unauthorized")
		return original, nil
	}

	// Coalesce: concurrent 401s share one in-flight refresh. The backend
	// sees exactly one exchange no matter how many requests failed at
	// the same moment.
	refreshed := false
	_, refreshErr, shared := g.sf.Do("session-refresh", func() (any, error) {
		refreshed = true
		return nil, g.refresher.RefreshSession(ctx)
	})
	if shared && !refreshed {
		g.metrics.ObserveRefreshCoalesced()
	}
	if refreshErr != nil {
		g.logger.Debug("session refresh after 401 failed",
			"path", req.URL.Path, "code", autherr.CodeOf(refreshErr))
		span.SetStatus(codes.Error, "refresh_failed")
		g.metrics.ObserveGatewayRequest("unauthorized")
		return original, nil
	}

	// The retry is issued only after the refresh fully completed; the
	// singleflight call above does not return before the exchange does.
	retry, err := cloneRequest(req)
	if err != nil {
		return original, nil
	}
	g.metrics.ObserveGatewayRetry()
	resp2, err := g.http.Do(retry)
	if err != nil {
		span.SetStatus(codes.Error, "transport")
		g.metrics.ObserveGatewayRequest("transport_error")
		return nil, autherr.Classify(err)
	}
	if resp2.StatusCode == http.StatusUnauthorized {
		span.SetStatus(codes.Error, "unauthorized")
		g.metrics.ObserveGatewayRequest("unauthorized")
	} else {
		span.SetStatus(codes.Ok, "")
		g.metrics.ObserveGatewayRequest("retried_ok")
	}
	return resp2, nil
}

// bufferResponse reads resp fully so its connection is reusable and the
// body can be handed to the caller later.
func bufferResponse(resp *http.Response) (*http.Response, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}

// cloneRequest prepares the single retry, rewinding the body via GetBody.
func cloneRequest(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		clone.Body = body
	}
	return clone, nil
}
