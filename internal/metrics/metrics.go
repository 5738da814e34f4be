// Package metrics holds the Prometheus instrumentation for the proxy:
// how many Sessions are alive, how many have a debug client attached, and
// how much wire traffic and framing trouble has been seen.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every Prometheus metric the proxy exposes.
type Collector struct {
	Registry *prometheus.Registry

	sessionsActive      prometheus.Gauge
	sessionsTotal       prometheus.Counter
	debugSessionsActive prometheus.Gauge
	debugAttachesTotal  prometheus.Counter
	framesForwarded     *prometheus.CounterVec
	framingErrorsTotal  prometheus.Counter
	sessionErrorsTotal  *prometheus.CounterVec
}

// New creates and registers every metric on a fresh registry. Safe to call
// more than once (tests, or a hot-reloaded admin server) since each call
// owns an independent registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgdebugproxy_sessions_active",
			Help: "Number of Sessions currently alive.",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgdebugproxy_sessions_total",
			Help: "Total Sessions started since process start.",
		}),
		debugSessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgdebugproxy_debug_sessions_active",
			Help: "Number of Sessions with a debug client currently attached.",
		}),
		debugAttachesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgdebugproxy_debug_attaches_total",
			Help: "Total debug-client attach events since process start.",
		}),
		framesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgdebugproxy_frames_forwarded_total",
			Help: "Wire frames forwarded, by direction.",
		}, []string{"direction"}),
		framingErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgdebugproxy_framing_errors_total",
			Help: "Frames rejected for malformed length headers.",
		}),
		sessionErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgdebugproxy_session_errors_total",
			Help: "Sessions terminated, by error kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		c.sessionsActive,
		c.sessionsTotal,
		c.debugSessionsActive,
		c.debugAttachesTotal,
		c.framesForwarded,
		c.framingErrorsTotal,
		c.sessionErrorsTotal,
	)

	return c
}

// SessionStarted records a new Session beginning its lifetime.
func (c *Collector) SessionStarted() {
	c.sessionsActive.Inc()
	c.sessionsTotal.Inc()
}

// SessionEnded records a Session's teardown, tagging the error kind that
// ended it ("backend_disconnect", "primary_disconnect", "handshake_failure",
// "listener_bind_failure", "framing_error", or "other").
func (c *Collector) SessionEnded(kind string) {
	c.sessionsActive.Dec()
	c.sessionErrorsTotal.WithLabelValues(kind).Inc()
}

// DebugAttached records a debug client attaching to a Session.
func (c *Collector) DebugAttached() {
	c.debugSessionsActive.Inc()
	c.debugAttachesTotal.Inc()
}

// DebugDetached records a debug client detaching (cleanly or by error).
func (c *Collector) DebugDetached() {
	c.debugSessionsActive.Dec()
}

// FrameForwarded counts one forwarded frame in the given direction:
// "client_to_backend", "backend_to_client", "debug_to_backend", or
// "backend_to_debug".
func (c *Collector) FrameForwarded(direction string) {
	c.framesForwarded.WithLabelValues(direction).Inc()
}

// FramingError counts one rejected, malformed frame.
func (c *Collector) FramingError() {
	c.framingErrorsTotal.Inc()
}
