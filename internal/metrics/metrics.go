// Package metrics exposes Prometheus instruments for the engraving queue.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"engraver/internal/queue"
)

// Outcome labels for JobOutcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
)

// Metrics holds the daemon's collectors on a private registry. All methods
// are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	JobsEnqueued      *prometheus.CounterVec
	JobOutcomes       *prometheus.CounterVec
	EngravingDuration prometheus.Histogram
	QueueDepth        *prometheus.GaugeVec
	SerialErrors      *prometheus.CounterVec
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		JobsEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engraver_jobs_enqueued_total",
				Help: "Total number of engraving jobs accepted, by intake source",
			},
			[]string{"source"},
		),
		JobOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engraver_job_outcomes_total",
				Help: "Finished engraving attempts by outcome (completed, retry, failed)",
			},
			[]string{"outcome"},
		),
		EngravingDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "engraver_engraving_duration_seconds",
				Help:    "Wall time of successful engraving attempts",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600},
			},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "engraver_queue_depth",
				Help: "Number of engraving jobs per status",
			},
			[]string{"status"},
		),
		SerialErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engraver_serial_errors_total",
				Help: "Serial protocol failures by kind (timeout, command, alarm, io)",
			},
			[]string{"kind"},
		),
	}
	m.registry.MustRegister(
		m.JobsEnqueued,
		m.JobOutcomes,
		m.EngravingDuration,
		m.QueueDepth,
		m.SerialErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveEnqueue(source string) {
	if m == nil {
		return
	}
	if source == "" {
		source = "unknown"
	}
	m.JobsEnqueued.WithLabelValues(source).Inc()
}

func (m *Metrics) ObserveOutcome(outcome string) {
	if m == nil {
		return
	}
	m.JobOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.EngravingDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveSerialError(kind string) {
	if m == nil {
		return
	}
	m.SerialErrors.WithLabelValues(kind).Inc()
}

// SetQueueDepth publishes per-status counts, zeroing statuses with no jobs.
func (m *Metrics) SetQueueDepth(stats map[queue.Status]int) {
	if m == nil {
		return
	}
	for _, status := range queue.AllStatuses() {
		m.QueueDepth.WithLabelValues(string(status)).Set(float64(stats[status]))
	}
}
