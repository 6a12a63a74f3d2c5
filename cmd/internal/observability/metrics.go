// Package observability holds pairgate's Prometheus collectors.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pairgate"

var (
	registerOnce sync.Once

	sessionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "started_total",
			Help:      "Session start attempts by result.",
		},
		[]string{"result"},
	)
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Sessions currently held by the registry.",
		},
	)
	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "transitions_total",
			Help:      "Session state transitions.",
		},
		[]string{"from", "to"},
	)
	codesIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pairing",
			Name:      "codes_issued_total",
			Help:      "Pairing codes delivered to callers.",
		},
	)
	codesExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pairing",
			Name:      "codes_expired_total",
			Help:      "Pairing codes that reached their deadline unused.",
		},
	)
	archiveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "duration_seconds",
			Help:      "Credential archive packaging duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	archiveFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "failures_total",
			Help:      "Credential archive packaging failures.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "route", "class"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "class"},
	)
)

// RegisterMetrics registers every collector with the default registry. Safe to call repeatedly.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			sessionsStarted,
			sessionsActive,
			sessionTransitions,
			codesIssued,
			codesExpired,
			archiveDuration,
			archiveFailures,
			httpRequests,
			httpDuration,
		)
	})
}

// RecordSessionStart counts a start attempt. result is "ok", "already_active", "invalid" or "failed".
func RecordSessionStart(result string) {
	RegisterMetrics()
	sessionsStarted.WithLabelValues(result).Inc()
}

// SessionOpened increments the active-session gauge.
func SessionOpened() {
	RegisterMetrics()
	sessionsActive.Inc()
}

// SessionReleased decrements the active-session gauge.
func SessionReleased() {
	RegisterMetrics()
	sessionsActive.Dec()
}

// RecordTransition counts one state change.
func RecordTransition(from, to string) {
	RegisterMetrics()
	sessionTransitions.WithLabelValues(from, to).Inc()
}

// RecordCodeIssued counts a pairing code handed to the caller.
func RecordCodeIssued() {
	RegisterMetrics()
	codesIssued.Inc()
}

// RecordCodeExpired counts a pairing code that expired.
func RecordCodeExpired() {
	RegisterMetrics()
	codesExpired.Inc()
}

// RecordArchive observes one packaging run.
func RecordArchive(d time.Duration, ok bool) {
	RegisterMetrics()
	archiveDuration.Observe(d.Seconds())
	if !ok {
		archiveFailures.Inc()
	}
}

// RecordHTTPRequest observes one HTTP request. class is "2xx", "4xx", ...
func RecordHTTPRequest(method, route, class string, d time.Duration) {
	RegisterMetrics()
	httpRequests.WithLabelValues(method, route, class).Inc()
	httpDuration.WithLabelValues(method, route, class).Observe(d.Seconds())
}
