// Package metrics exposes Prometheus instrumentation for the auth/session
// core. All methods are nil-receiver safe so components can run without
// metrics wired.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures metric registration.
type Config struct {
	// Namespace is the metrics namespace (default: "ttpro").
	Namespace string

	// Subsystem is the metrics subsystem (default: "auth").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registerer to use.
	// Default: prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
}

// Option configures metric registration.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) { c.Namespace = namespace }
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) { c.ConstLabels = labels }
}

// WithRegistry sets the Prometheus registerer. Tests pass a private
// registry so repeated registrations don't collide.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) { c.Registry = registry }
}

// Metrics holds the auth/session instrument set.
type Metrics struct {
	handshakes        *prometheus.CounterVec
	handshakeDuration prometheus.Histogram
	gatewayRequests   *prometheus.CounterVec
	gatewayRetries    prometheus.Counter
	refreshCoalesced  prometheus.Counter
	stateTransitions  *prometheus.CounterVec
}

// New registers and returns the instrument set.
func New(opts ...Option) *Metrics {
	cfg := Config{
		Namespace: "ttpro",
		Subsystem: "auth",
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	factory := promauto.With(cfg.Registry)

	return &Metrics{
		handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "handshakes_total",
			Help:        "Backend session handshakes by outcome.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"outcome"}),
		handshakeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "handshake_duration_seconds",
			Help:        "Round-trip time of the session handshake.",
			ConstLabels: cfg.ConstLabels,
			Buckets:     prometheus.DefBuckets,
		}),
		gatewayRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "gateway_requests_total",
			Help:        "Authenticated resource requests by outcome.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"outcome"}),
		gatewayRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "gateway_retries_total",
			Help:        "Requests retried after a 401-triggered session refresh.",
			ConstLabels: cfg.ConstLabels,
		}),
		refreshCoalesced: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "refresh_coalesced_total",
			Help:        "Refresh requests that joined an in-flight refresh instead of starting one.",
			ConstLabels: cfg.ConstLabels,
		}),
		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "state_transitions_total",
			Help:        "Session state machine transitions by target status.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"to"}),
	}
}

// ObserveHandshake records one handshake round trip.
func (m *Metrics) ObserveHandshake(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(outcome).Inc()
	m.handshakeDuration.Observe(d.Seconds())
}

// ObserveGatewayRequest records one resource request outcome.
func (m *Metrics) ObserveGatewayRequest(outcome string) {
	if m == nil {
		return
	}
	m.gatewayRequests.WithLabelValues(outcome).Inc()
}

// ObserveGatewayRetry records a post-refresh retry.
func (m *Metrics) ObserveGatewayRetry() {
	if m == nil {
		return
	}
	m.gatewayRetries.Inc()
}

// ObserveRefreshCoalesced records a refresh caller that piggybacked on an
// in-flight refresh.
func (m *Metrics) ObserveRefreshCoalesced() {
	if m == nil {
		return
	}
	m.refreshCoalesced.Inc()
}

// ObserveTransition records a state machine transition.
func (m *Metrics) ObserveTransition(to string) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(to).Inc()
}
