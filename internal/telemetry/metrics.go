package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the orchestrator's Prometheus collectors. All methods are
// safe on a nil receiver so components can run without metrics.
type Metrics struct {
	registry     *prometheus.Registry
	attempts     *prometheus.CounterVec
	batches      *prometheus.CounterVec
	placeholders prometheus.Counter
	segments     prometheus.Counter
	jobs         *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "candidate_attempts_total",
			Help:      "Model candidate attempts by outcome.",
		}, []string{"model", "outcome"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "batches_total",
			Help:      "Batch executions by escalation tier and outcome.",
		}, []string{"tier", "outcome"}),
		placeholders: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "placeholders_total",
			Help:      "Placeholder entries synthesized for items the model never returned.",
		}),
		segments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "continuation_segments_total",
			Help:      "Follow-up calls issued to continue truncated output.",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "jobs_total",
			Help:      "Async jobs by final status.",
		}, []string{"status"}),
	}
	reg.MustRegister(
		m.attempts, m.batches, m.placeholders, m.segments, m.jobs,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) CandidateAttempt(model, outcome string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(model, outcome).Inc()
}

func (m *Metrics) Batch(tier, outcome string) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(tier, outcome).Inc()
}

func (m *Metrics) Placeholders(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.placeholders.Add(float64(n))
}

func (m *Metrics) ContinuationSegment() {
	if m == nil {
		return
	}
	m.segments.Inc()
}

func (m *Metrics) Job(status string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(status).Inc()
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
