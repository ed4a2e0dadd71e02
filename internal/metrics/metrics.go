// Package metrics exposes the daemon's Prometheus metrics on a private
// registry. All methods are nil-safe so components can run without a
// metrics sink wired in.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "adaptd"

// Metrics holds every instrument the daemon records.
type Metrics struct {
	registry *prometheus.Registry

	// Counters
	EventsLogged   prometheus.Counter
	Flushes        prometheus.Counter
	FlushErrors    prometheus.Counter
	Rounds         *prometheus.CounterVec
	UpdatesDropped prometheus.Counter

	// Gauges
	LogEvents  prometheus.Gauge
	RoundState prometheus.Gauge

	// Histograms
	RoundDuration  prometheus.Histogram
	ProofGenerate  prometheus.Histogram
	ProofVerify    prometheus.Histogram
	UploadDuration prometheus.Histogram
}

// New builds a Metrics set on a fresh registry, including the standard Go
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		EventsLogged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_logged_total",
			Help:      "Context events appended to the event log.",
		}),
		Flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Event log flushes to disk.",
		}),
		FlushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_errors_total",
			Help:      "Event log flushes that failed.",
		}),
		Rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_total",
			Help:      "Federated rounds by outcome.",
		}, []string{"outcome"}),
		UpdatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_updates_dropped_total",
			Help:      "Status updates dropped because no consumer kept up.",
		}),

		LogEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "log_events",
			Help:      "Events currently held in the event log.",
		}),
		RoundState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "round_state",
			Help:      "Current round state machine position.",
		}),

		RoundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_duration_seconds",
			Help:      "Wall-clock duration of federated rounds.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}),
		ProofGenerate: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proof_generate_seconds",
			Help:      "Duration of proof generation.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		ProofVerify: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proof_verify_seconds",
			Help:      "Duration of proof verification.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		UploadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_duration_seconds",
			Help:      "Duration of adapter uploads including server response.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.EventsLogged, m.Flushes, m.FlushErrors, m.Rounds, m.UpdatesDropped,
		m.LogEvents, m.RoundState,
		m.RoundDuration, m.ProofGenerate, m.ProofVerify, m.UploadDuration,
	)
	return m
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordEventLogged(total int) {
	if m == nil {
		return
	}
	m.EventsLogged.Inc()
	m.LogEvents.Set(float64(total))
}

// SetLogEvents sets the log size gauge without counting an append.
func (m *Metrics) SetLogEvents(total int) {
	if m == nil {
		return
	}
	m.LogEvents.Set(float64(total))
}

func (m *Metrics) RecordFlush(err error) {
	if m == nil {
		return
	}
	m.Flushes.Inc()
	if err != nil {
		m.FlushErrors.Inc()
	}
}

// RecordRound counts a finished round and observes its duration.
func (m *Metrics) RecordRound(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Rounds.WithLabelValues(outcome).Inc()
	m.RoundDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordUpdateDropped() {
	if m == nil {
		return
	}
	m.UpdatesDropped.Inc()
}

// SetRoundState publishes the state machine position as a numeric code.
func (m *Metrics) SetRoundState(code int) {
	if m == nil {
		return
	}
	m.RoundState.Set(float64(code))
}

func (m *Metrics) ObserveProofGenerate(d time.Duration) {
	if m == nil {
		return
	}
	m.ProofGenerate.Observe(d.Seconds())
}

func (m *Metrics) ObserveProofVerify(d time.Duration) {
	if m == nil {
		return
	}
	m.ProofVerify.Observe(d.Seconds())
}

func (m *Metrics) ObserveUpload(d time.Duration) {
	if m == nil {
		return
	}
	m.UploadDuration.Observe(d.Seconds())
}
