// Package metrics holds the prometheus collectors shared by the relayer and
// coordinator. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "confbal"

type Metrics struct {
	gatherer prometheus.Gatherer

	relayed             *prometheus.CounterVec
	relayLatency        prometheus.Histogram
	registrations       *prometheus.CounterVec
	finalizations       *prometheus.CounterVec
	finalizationLatency prometheus.Histogram
	operations          *prometheus.CounterVec
	httpRequests        *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		gatherer: reg,
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "transactions_total",
			Help:      "Relayed transactions by outcome category.",
		}, []string{"outcome"}),
		relayLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "duration_seconds",
			Help:      "Time from envelope receipt to confirmation.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "registrations_total",
			Help:      "Relayer registrations by outcome category.",
		}, []string{"outcome"}),
		finalizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "finalization",
			Name:      "waits_total",
			Help:      "Finalization waits by terminal state.",
		}, []string{"state"}),
		finalizationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "finalization",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for a computation to finalize.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "operations_total",
			Help:      "Confidential operations by kind and outcome category.",
		}, []string{"kind", "outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
	}
	reg.MustRegister(
		m.relayed,
		m.relayLatency,
		m.registrations,
		m.finalizations,
		m.finalizationLatency,
		m.operations,
		m.httpRequests,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) ObserveRelay(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.relayed.WithLabelValues(outcome).Inc()
	m.relayLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRegistration(outcome string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveFinalization(state string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.finalizations.WithLabelValues(state).Inc()
	m.finalizationLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveOperation(kind, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) ObserveHTTP(route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, http.StatusText(code)).Inc()
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.gatherer
}
