// Package metrics holds the Prometheus collectors exported at /metrics.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "approvals"

type Metrics struct {
	approvalActions *prometheus.CounterVec
	jobsEnqueued    *prometheus.CounterVec
	jobsProcessed   *prometheus.CounterVec
	jobRetries      *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	jobsReconciled  *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
	externalCalls   *prometheus.CounterVec
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		approvalActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Approval actions by kind.",
		}, []string{"action"}),
		jobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "enqueued_total",
			Help:      "Jobs accepted by the broker.",
		}, []string{"queue", "priority"}),
		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "processed_total",
			Help:      "Job attempts by outcome.",
		}, []string{"queue", "status"}),
		jobRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "retries_total",
			Help:      "Job attempts scheduled for retry.",
		}, []string{"queue"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Handler run time per attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"queue"}),
		jobsReconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "reconciled_total",
			Help:      "Ledger entries repaired by the reconciler.",
		}, []string{"action"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "integration",
			Name:      "breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"integration"}),
		externalCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "integration",
			Name:      "calls_total",
			Help:      "External calls by outcome.",
		}, []string{"integration", "outcome"}),
	}

	reg.MustRegister(
		m.approvalActions,
		m.jobsEnqueued,
		m.jobsProcessed,
		m.jobRetries,
		m.jobDuration,
		m.jobsReconciled,
		m.breakerState,
		m.externalCalls,
	)
	return m
}

func (m *Metrics) ApprovalAction(action string) {
	if m == nil {
		return
	}
	m.approvalActions.WithLabelValues(action).Inc()
}

func (m *Metrics) JobEnqueued(queue, priority string) {
	if m == nil {
		return
	}
	m.jobsEnqueued.WithLabelValues(queue, priority).Inc()
}

func (m *Metrics) JobProcessed(queue, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.jobsProcessed.WithLabelValues(queue, status).Inc()
	m.jobDuration.WithLabelValues(queue).Observe(took.Seconds())
}

func (m *Metrics) JobRetried(queue string) {
	if m == nil {
		return
	}
	m.jobRetries.WithLabelValues(queue).Inc()
}

func (m *Metrics) JobReconciled(action string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.jobsReconciled.WithLabelValues(action).Add(float64(n))
}

// BreakerState records 0 closed, 1 half-open, 2 open.
func (m *Metrics) BreakerState(integration string, state float64) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(integration).Set(state)
}

func (m *Metrics) ExternalCall(integration, outcome string) {
	if m == nil {
		return
	}
	m.externalCalls.WithLabelValues(integration, outcome).Inc()
}
