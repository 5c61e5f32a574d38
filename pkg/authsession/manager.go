package authsession

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/kaseydoesmarketing/TTPROv5/internal/metrics"
	"github.com/kaseydoesmarketing/TTPROv5/pkg/authsession/autherr"
	"github.com/kaseydoesmarketing/TTPROv5/pkg/authsession/credential"
	"github.com/kaseydoesmarketing/TTPROv5/pkg/authsession/gateway"
	"github.com/kaseydoesmarketing/TTPROv5/pkg/authsession/handshake"
	"github.com/kaseydoesmarketing/TTPROv5/pkg/authsession/identity"
)

const tracerName = "ttpro/authsession"

// ErrSignInInProgress is returned when SignIn is called while another
// interactive sign-in is still suspended.
var ErrSignInInProgress = errors.New("authsession: sign-in already in progress")

// Manager is the auth state machine. It owns the credential store and the
// published SessionState, invokes the identity bridge and handshake
// client, and notifies subscribed observers on every transition.
//
// Construct one Manager at process start and pass it to consumers; there
// is deliberately no package-level singleton.
type Manager struct {
	bridge identity.Bridge
	hs     *handshake.Client
	creds  *credential.Store
	gw     *gateway.Gateway

	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	refreshSF singleflight.Group

	mu      sync.Mutex
	state   SessionState
	subs    map[uint64]func(SessionState)
	nextSub uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics wires Prometheus instrumentation. The same set is shared
// with the gateway the manager constructs.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mx }
}

// New constructs the manager. The handshake client's cookie-bearing HTTP
// client is shared with the request gateway so resource calls ride the
// same backend session.
func New(bridge identity.Bridge, hs *handshake.Client, opts ...Option) *Manager {
	m := &Manager{
		bridge: bridge,
		hs:     hs,
		creds:  credential.New(),
		logger: slog.Default().With("component", "authsession"),
		tracer: otel.Tracer(tracerName),
		state:  SessionState{Status: StatusUnauthenticated},
		subs:   make(map[uint64]func(SessionState)),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.gw = gateway.New(hs.BaseURL(), hs.HTTPClient(), m,
		gateway.WithReadyCheck(func() bool { return m.State().Status == StatusAuthenticated }),
		gateway.WithLogger(m.logger.With("component", "gateway")),
		gateway.WithMetrics(m.metrics),
	)
	return m
}

// State returns a copy of the current session state.
func (m *Manager) State() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// Credentials exposes the credential store. Read-only for consumers; only
// the manager writes to it.
func (m *Manager) Credentials() *credential.Store { return m.creds }

// Gateway returns the authenticated request gateway bound to this
// session.
func (m *Manager) Gateway() *gateway.Gateway { return m.gw }

// Subscribe registers an observer. The observer immediately receives a
// snapshot of the current state, then one call per transition, on the
// goroutine performing the transition. The returned function removes the
// subscription.
func (m *Manager) Subscribe(fn func(SessionState)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	snapshot := m.state.clone()
	m.mu.Unlock()

	fn(snapshot)

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Start runs the startup probe: restore an existing provider session if
// one exists and complete the handshake, otherwise settle at
// unauthenticated without touching the handshake endpoints.
func (m *Manager) Start(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "authsession.Start")
	defer span.End()

	m.setState(SessionState{Status: StatusAuthenticating})

	id, err := m.bridge.RestoreFromExistingSession(ctx)
	if err != nil {
		classified := autherr.Classify(err)
		m.logger.Debug("session restore probe failed", "code", classified.Code)
		m.setState(SessionState{Status: StatusUnauthenticated, LastError: classified})
		span.SetStatus(codes.Error, string(classified.Code))
		return nil
	}
	if id == nil {
		m.setState(SessionState{Status: StatusUnauthenticated})
		return nil
	}

	if err := m.completeSignIn(ctx, id); err != nil {
		span.SetStatus(codes.Error, string(autherr.CodeOf(err)))
		return err
	}
	return nil
}

// SignIn drives the interactive sign-in flow and the backend handshake.
// On success the state becomes authenticated; a cancelled sign-in returns
// quietly to unauthenticated; other failures land in the error state.
func (m *Manager) SignIn(ctx context.Context) error {
	m.mu.Lock()
	if m.state.Status == StatusAuthenticating {
		m.mu.Unlock()
		return ErrSignInInProgress
	}
	m.mu.Unlock()

	ctx, span := m.tracer.Start(ctx, "authsession.SignIn")
	defer span.End()

	m.setState(SessionState{Status: StatusAuthenticating})

	id, err := m.bridge.StartInteractiveSignIn(ctx)
	if err != nil {
		classified := autherr.Classify(err)
		if classified.Code == autherr.CodeCancelled {
			// User closed the sign-in surface. Not an error worth
			// shouting about.
			m.logger.Debug("interactive sign-in cancelled")
			m.setState(SessionState{Status: StatusUnauthenticated, LastError: classified})
			return classified
		}
		m.logger.Warn("interactive sign-in failed", "code", classified.Code)
		m.setState(SessionState{Status: StatusError, LastError: classified})
		span.SetStatus(codes.Error, string(classified.Code))
		return classified
	}

	if err := m.completeSignIn(ctx, id); err != nil {
		span.SetStatus(codes.Error, string(autherr.CodeOf(err)))
		return err
	}
	return nil
}

// completeSignIn exchanges the assertion for a backend session and
// publishes the authenticated state.
func (m *Manager) completeSignIn(ctx context.Context, id *identity.ProviderIdentity) error {
	res, err := m.hs.Exchange(ctx, id.RawAssertion, false)
	if err != nil {
		classified := autherr.Classify(err)
		m.logger.Warn("backend handshake failed", "code", classified.Code)
		m.setState(SessionState{Status: StatusError, LastError: classified})
		return classified
	}

	m.creds.Set(id)
	user := currentUserFrom(id)
	if res.User != nil && res.User.UID != "" && res.User.UID != id.UID {
		// The backend is the authority on the registered identity.
		m.logger.Warn("backend user does not match provider identity",
			"provider_uid", id.UID, "backend_uid", res.User.UID)
	}
	m.logger.Info("session established",
		"uid", user.UID, "session_verified", res.SessionVerified)
	m.setState(SessionState{Status: StatusAuthenticated, User: user})
	return nil
}

// SignOut tears the session down unconditionally. The backend revoke and
// the provider sign-out are best effort; their failures never prevent the
// local transition to unauthenticated.
func (m *Manager) SignOut(ctx context.Context) {
	ctx, span := m.tracer.Start(ctx, "authsession.SignOut")
	defer span.End()

	m.hs.Revoke(ctx)
	if err := m.bridge.SignOut(ctx); err != nil {
		m.logger.Debug("provider sign-out failed", "err", autherr.Redact(err.Error()))
	}

	m.creds.Clear()
	m.setState(SessionState{Status: StatusUnauthenticated})
	m.logger.Info("signed out")
}

// GetAuthToken returns a valid assertion for the signed-in identity,
// refreshing it transparently. forceRefresh obtains a new assertion even
// if the current one has not expired. No visible state transition occurs;
// only the stored identity and its expiry metadata are superseded.
func (m *Manager) GetAuthToken(ctx context.Context, forceRefresh bool) (string, error) {
	current := m.creds.Get()
	if current == nil {
		return "", autherr.New(autherr.CodeUnauthorized).WithDetails("no signed-in identity")
	}

	raw, err := m.bridge.RefreshAssertion(ctx, forceRefresh)
	if err != nil {
		return "", autherr.Classify(err)
	}
	if raw != current.RawAssertion {
		m.supersedeAssertion(current, raw)
	}
	return raw, nil
}

// RefreshSession implements gateway.SessionRefresher: a forced assertion
// refresh followed by a forced handshake exchange. Concurrent callers
// coalesce onto one exchange.
func (m *Manager) RefreshSession(ctx context.Context) error {
	ran := false
	_, err, shared := m.refreshSF.Do("session", func() (any, error) {
		ran = true
		current := m.creds.Get()
		if current == nil {
			return nil, autherr.New(autherr.CodeUnauthorized).WithDetails("no signed-in identity")
		}
		raw, err := m.bridge.RefreshAssertion(ctx, true)
		if err != nil {
			return nil, autherr.Classify(err)
		}
		if _, err := m.hs.Exchange(ctx, raw, true); err != nil {
			return nil, autherr.Classify(err)
		}
		m.supersedeAssertion(current, raw)
		return nil, nil
	})
	if shared && !ran {
		m.metrics.ObserveRefreshCoalesced()
	}
	return err
}

// ClearError dismisses the last error without any other state change.
func (m *Manager) ClearError() {
	m.mu.Lock()
	if m.state.LastError == nil {
		m.mu.Unlock()
		return
	}
	m.state.LastError = nil
	next := m.state.clone()
	subs := m.snapshotSubs()
	m.mu.Unlock()
	for _, fn := range subs {
		fn(next)
	}
}

// supersedeAssertion installs a refreshed assertion, updating the stored
// identity and the published expiry metadata in place (the self-loop
// transition: status does not change).
func (m *Manager) supersedeAssertion(current *identity.ProviderIdentity, raw string) {
	exp := time.Time{}
	if claims, err := identity.InspectAssertion(raw); err == nil {
		exp = claims.ExpiresAt
	}
	m.creds.Set(current.WithAssertion(raw, exp))

	m.mu.Lock()
	if m.state.User != nil {
		m.state.User.TokenExpiresAt = exp
	}
	m.mu.Unlock()
}

// setState publishes a transition. Observer callbacks run outside the
// lock, on the transitioning goroutine.
func (m *Manager) setState(next SessionState) {
	m.mu.Lock()
	// An explicit new error replaces the previous one; otherwise the
	// last error is retained until explicitly cleared.
	if next.LastError == nil {
		next.LastError = m.state.LastError
	}
	if next.Status == StatusAuthenticated {
		next.LastError = nil
	}
	m.state = next
	published := next.clone()
	subs := m.snapshotSubs()
	m.mu.Unlock()

	m.metrics.ObserveTransition(string(next.Status))
	for _, fn := range subs {
		fn(published)
	}
}

func (m *Manager) snapshotSubs() []func(SessionState) {
	out := make([]func(SessionState), 0, len(m.subs))
	for _, fn := range m.subs {
		out = append(out, fn)
	}
	return out
}
