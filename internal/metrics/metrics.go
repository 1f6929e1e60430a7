// Package metrics exports engine and worker activity as Prometheus
// collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/stepped/internal/ir"
)

const namespace = "stepped"

// Metrics implements engine.Observer and worker.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	actionsCompleted *prometheus.CounterVec
	stepsConcluded   *prometheus.CounterVec
	deadlocks        prometheus.Counter
	recovered        *prometheus.CounterVec
	jobsProcessed    *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
}

// New creates the collectors on a private registry that also carries the
// Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		actionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_completed_total",
			Help:      "Actions that reached a terminal status.",
		}, []string{"status"}),
		stepsConcluded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_concluded_total",
			Help:      "Steps that concluded, by status.",
		}, []string{"status"}),
		deadlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deadlocks_total",
			Help:      "Actions refused because they would wait on their own ancestor.",
		}),
		recovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovered_errors_total",
			Help:      "Errors turned into failed or deadlocked statuses.",
		}, []string{"kind"}),
		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Jobs run by workers, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time spent running one job.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.actionsCompleted,
		m.stepsConcluded,
		m.deadlocks,
		m.recovered,
		m.jobsProcessed,
		m.jobDuration,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ActionCompleted(status ir.ActionStatus) {
	m.actionsCompleted.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) StepConcluded(status ir.StepStatus) {
	m.stepsConcluded.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) Deadlock() {
	m.deadlocks.Inc()
}

func (m *Metrics) Recovered(kind string) {
	m.recovered.WithLabelValues(kind).Inc()
}

func (m *Metrics) JobProcessed(kind ir.JobKind, outcome string, elapsed time.Duration) {
	m.jobsProcessed.WithLabelValues(string(kind), outcome).Inc()
	m.jobDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}
