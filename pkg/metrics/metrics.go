// Package metrics exposes Prometheus metrics for the report engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Task outcomes.
const (
	OutcomeRescheduled = "rescheduled"
	OutcomeCompleted   = "completed"
	OutcomeFailed      = "failed"
	OutcomeSkipped     = "skipped" // claim lost to a concurrent run
)

// Pipeline stages.
const (
	StageFetch      = "fetch"
	StageSynthesize = "synthesize"
	StageDeliver    = "deliver"
)

// Recorder owns a private registry. A nil *Recorder is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	runs           prometheus.Counter
	tasks          *prometheus.CounterVec
	failures       *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	rowsFetched    prometheus.Counter
	deliveryErrors prometheus.Counter
}

// NewRecorder creates a Recorder with Go and process collectors registered.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Recorder{
		registry: registry,
		runs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reports_engine_runs_total",
			Help: "Total number of engine invocations.",
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reports_tasks_total",
			Help: "Total number of report tasks handled, by outcome.",
		}, []string{"outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reports_task_failures_total",
			Help: "Total number of failed report tasks, by error kind.",
		}, []string{"kind"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reports_stage_duration_seconds",
			Help:    "Duration of pipeline stages.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage", "status"}),
		rowsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reports_rows_fetched_total",
			Help: "Total number of data rows fetched from data sources.",
		}),
		deliveryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reports_delivery_errors_total",
			Help: "Total number of report deliveries that failed.",
		}),
	}

	registry.MustRegister(r.runs, r.tasks, r.failures, r.stageDuration, r.rowsFetched, r.deliveryErrors)
	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// RunStarted counts one engine invocation.
func (r *Recorder) RunStarted() {
	if r == nil {
		return
	}
	r.runs.Inc()
}

// TaskFinished counts a task outcome. kind is only used for failures.
func (r *Recorder) TaskFinished(outcome, kind string) {
	if r == nil {
		return
	}
	r.tasks.WithLabelValues(outcome).Inc()
	if outcome == OutcomeFailed {
		r.failures.WithLabelValues(kind).Inc()
	}
}

// ObserveStage records how long a stage took.
func (r *Recorder) ObserveStage(stage string, elapsed time.Duration, err error) {
	if r == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.stageDuration.WithLabelValues(stage, status).Observe(elapsed.Seconds())
}

// RowsFetched adds to the fetched row count.
func (r *Recorder) RowsFetched(n int) {
	if r == nil {
		return
	}
	r.rowsFetched.Add(float64(n))
}

// DeliveryFailed counts a failed delivery.
func (r *Recorder) DeliveryFailed() {
	if r == nil {
		return
	}
	r.deliveryErrors.Inc()
}
