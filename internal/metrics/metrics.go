// Package metrics instruments file downloads with Prometheus collectors.
//
// Collectors live on a private registry rather than the global one, so an
// invocation can export exactly its own counters as a node-exporter textfile
// when it exits. A nil *Metrics is valid and records nothing.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ordersync"

// File outcome labels.
const (
	StatusSuccess = "success"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

// Metrics holds the download collectors.
type Metrics struct {
	registry *prometheus.Registry

	filesTotal       *prometheus.CounterVec
	bytesTotal       prometheus.Counter
	downloadDuration prometheus.Histogram
	ttfb             prometheus.Histogram
	retriesTotal     prometheus.Counter
	workersWaiting   prometheus.Gauge
	circuitTrips     prometheus.Counter
	escalationAborts *prometheus.CounterVec
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		filesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_total",
			Help:      "Files processed, by outcome.",
		}, []string{"status"}),
		bytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Bytes written to disk.",
		}),
		downloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "download_duration_seconds",
			Help:      "Wall time per file, including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		ttfb: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_first_byte_seconds",
			Help:      "Time to first response byte of successful fetches.",
			Buckets:   prometheus.DefBuckets,
		}),
		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Failed fetch attempts that were followed by a backoff.",
		}),
		workersWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_waiting",
			Help:      "Workers currently sleeping in backoff.",
		}),
		circuitTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_trips_total",
			Help:      "Batches aborted because every worker was stuck in backoff.",
		}),
		escalationAborts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalation_aborts_total",
			Help:      "Batches whose failures were too many for a retry pass.",
		}, []string{"reason"}),
	}

	m.registry.MustRegister(
		m.filesTotal,
		m.bytesTotal,
		m.downloadDuration,
		m.ttfb,
		m.retriesTotal,
		m.workersWaiting,
		m.circuitTrips,
		m.escalationAborts,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// FileFinished records the final outcome of one file.
func (m *Metrics) FileFinished(status string, bytes int64, duration, ttfb time.Duration) {
	if m == nil {
		return
	}
	m.filesTotal.WithLabelValues(status).Inc()
	if status != StatusSuccess {
		return
	}
	m.bytesTotal.Add(float64(bytes))
	m.downloadDuration.Observe(duration.Seconds())
	m.ttfb.Observe(ttfb.Seconds())
}

// Retry records one failed attempt that will be retried.
func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.retriesTotal.Inc()
}

// WorkerWaiting adjusts the number of workers in backoff by delta.
func (m *Metrics) WorkerWaiting(delta int) {
	if m == nil {
		return
	}
	m.workersWaiting.Add(float64(delta))
}

// CircuitTripped records a tripped circuit breaker.
func (m *Metrics) CircuitTripped() {
	if m == nil {
		return
	}
	m.circuitTrips.Inc()
}

// EscalationAborted records a batch abort by reason.
func (m *Metrics) EscalationAborted(reason string) {
	if m == nil {
		return
	}
	m.escalationAborts.WithLabelValues(reason).Inc()
}

// WriteTextfile writes the collectors in the Prometheus text format to
// filename, replacing it atomically.
func (m *Metrics) WriteTextfile(filename string) error {
	if m == nil || filename == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(filename, m.registry); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}
