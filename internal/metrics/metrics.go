// Package metrics exposes the Prometheus collectors shared by the escrow
// components. A nil *Registry is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	registry          *prometheus.Registry
	callsTotal        *prometheus.CounterVec
	queriesTotal      *prometheus.CounterVec
	dryRunFailures    *prometheus.CounterVec
	finalitySeconds   *prometheus.HistogramVec
	pendingCalls      prometheus.Gauge
	notificationsSent *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
}

func New() *Registry {
	calls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowhub_calls_total",
		Help: "State-changing escrow calls by method and outcome",
	}, []string{"method", "outcome"})

	queries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowhub_queries_total",
		Help: "Read-only contract queries by method and result",
	}, []string{"method", "result"})

	dryRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowhub_dry_run_failures_total",
		Help: "Simulations that failed before a dispatch",
	}, []string{"method"})

	finality := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "escrowhub_finality_seconds",
		Help:    "Time from dispatch to terminal status",
		Buckets: []float64{1, 3, 6, 12, 24, 48, 96, 192},
	}, []string{"state"})

	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "escrowhub_pending_calls",
		Help: "Dispatched calls without a terminal outcome",
	})

	notifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowhub_notifications_total",
		Help: "Notification intents by kind and delivery result",
	}, []string{"kind", "result"})

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowhub_http_requests_total",
		Help: "API requests by route and status",
	}, []string{"route", "status"})

	r := prometheus.NewRegistry()
	r.MustRegister(calls, queries, dryRuns, finality, pending, notifications, httpRequests)

	return &Registry{
		registry:          r,
		callsTotal:        calls,
		queriesTotal:      queries,
		dryRunFailures:    dryRuns,
		finalitySeconds:   finality,
		pendingCalls:      pending,
		notificationsSent: notifications,
		httpRequests:      httpRequests,
	}
}

func (m *Registry) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (m *Registry) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

func (m *Registry) IncCall(method, outcome string) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(method, outcome).Inc()
}

func (m *Registry) IncQuery(method, result string) {
	if m == nil {
		return
	}
	m.queriesTotal.WithLabelValues(method, result).Inc()
}

func (m *Registry) IncDryRunFailure(method string) {
	if m == nil {
		return
	}
	m.dryRunFailures.WithLabelValues(method).Inc()
}

func (m *Registry) ObserveFinality(state string, d time.Duration) {
	if m == nil {
		return
	}
	m.finalitySeconds.WithLabelValues(state).Observe(d.Seconds())
}

func (m *Registry) AddPending(delta int) {
	if m == nil {
		return
	}
	m.pendingCalls.Add(float64(delta))
}

func (m *Registry) IncNotification(kind, result string) {
	if m == nil {
		return
	}
	m.notificationsSent.WithLabelValues(kind, result).Inc()
}

func (m *Registry) IncHTTP(route, status string) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, status).Inc()
}
