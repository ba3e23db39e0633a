// Package metrics holds the Prometheus collectors for dlogd.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Upgrade routes.
const (
	RouteStream  = "stream"
	RouteIgnored = "ignored"
	RouteOther   = "other"
	RouteLimited = "rate_limited"
)

// Session outcomes.
const (
	OutcomeMissingContainer = "missing_container"
	OutcomeUnauthenticated  = "unauthenticated"
	OutcomeLaunchFailed     = "launch_failed"
	OutcomeTooMany          = "too_many_streams"
	OutcomeStreamed         = "streamed"
)

// Relay directions.
const (
	DirOut = "out"
	DirIn  = "in"
)

// Metrics holds every collector. Methods are safe on a nil *Metrics so
// components can run without a registry.
type Metrics struct {
	Upgrades        *prometheus.CounterVec
	Sessions        *prometheus.CounterVec
	ActiveSessions  prometheus.Gauge
	SessionDuration prometheus.Histogram
	Bytes           *prometheus.CounterVec
	Messages        *prometheus.CounterVec
	InboundErrors   prometheus.Counter
}

// New creates and registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Upgrades: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dlogd",
				Name:      "upgrades_total",
				Help:      "Websocket upgrade requests seen, by routing decision",
			},
			[]string{"route"},
		),
		Sessions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dlogd",
				Name:      "sessions_total",
				Help:      "Log stream sessions, by how setup ended",
			},
			[]string{"outcome"},
		),
		ActiveSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "dlogd",
				Name:      "active_sessions",
				Help:      "Log streams currently relaying",
			},
		),
		SessionDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "dlogd",
				Name:      "session_duration_seconds",
				Help:      "Lifetime of streaming sessions",
				Buckets:   []float64{1, 10, 60, 300, 1800, 3600, 4 * 3600},
			},
		),
		Bytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dlogd",
				Name:      "relay_bytes_total",
				Help:      "Bytes relayed between socket and process",
			},
			[]string{"direction"},
		),
		Messages: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dlogd",
				Name:      "relay_messages_total",
				Help:      "Messages relayed between socket and process",
			},
			[]string{"direction"},
		),
		InboundErrors: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "dlogd",
				Name:      "inbound_errors_total",
				Help:      "Inbound messages that could not be written to the process",
			},
		),
	}
}

func (m *Metrics) Upgrade(route string) {
	if m == nil {
		return
	}
	m.Upgrades.WithLabelValues(route).Inc()
}

func (m *Metrics) Session(outcome string) {
	if m == nil {
		return
	}
	m.Sessions.WithLabelValues(outcome).Inc()
}

// StreamStarted bumps the active gauge and returns a func that records the
// session's end.
func (m *Metrics) StreamStarted() func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	m.ActiveSessions.Inc()
	return func() {
		m.ActiveSessions.Dec()
		m.SessionDuration.Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) Relayed(direction string, n int) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(direction).Inc()
	m.Bytes.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) InboundError() {
	if m == nil {
		return
	}
	m.InboundErrors.Inc()
}
