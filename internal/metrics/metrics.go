// Package metrics exposes pipeline counters to Prometheus. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	searchAttempts *prometheus.CounterVec
	taskOutcomes   *prometheus.CounterVec
	searchDuration prometheus.Histogram
	jobRuns        *prometheus.CounterVec
	reconciled     *prometheus.CounterVec
}

// New registers the pipeline collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		searchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "resonance",
			Name:      "search_attempts_total",
			Help:      "Search attempts by result.",
		}, []string{"result"}),
		taskOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "resonance",
			Name:      "task_outcomes_total",
			Help:      "Task processing outcomes by resulting status.",
		}, []string{"status"}),
		searchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "resonance",
			Name:      "search_wait_seconds",
			Help:      "Time spent waiting for backend searches to complete.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "resonance",
			Name:      "job_runs_total",
			Help:      "Job runs by result.",
		}, []string{"result"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "resonance",
			Name:      "transfer_reconciliations_total",
			Help:      "Transfer status changes applied by reconciliation.",
		}, []string{"status"}),
	}
	reg.MustRegister(m.searchAttempts, m.taskOutcomes, m.searchDuration, m.jobRuns, m.reconciled)
	return m
}

func (m *Metrics) SearchAttempt(result string) {
	if m == nil {
		return
	}
	m.searchAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) TaskOutcome(status string) {
	if m == nil {
		return
	}
	m.taskOutcomes.WithLabelValues(status).Inc()
}

func (m *Metrics) SearchWait(d time.Duration) {
	if m == nil {
		return
	}
	m.searchDuration.Observe(d.Seconds())
}

func (m *Metrics) JobRun(result string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) Reconciled(status string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(status).Inc()
}

// DroppedEvents exposes the number of event deliveries skipped by a slow
// subscriber, as reported by dropped.
func DroppedEvents(dropped func() int) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "resonance",
		Name:      "events_dropped_total",
		Help:      "Event deliveries skipped because a subscriber buffer was full.",
	}, func() float64 { return float64(dropped()) })
}
