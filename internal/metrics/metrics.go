// Package metrics exposes engine counters and gauges to Prometheus. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "workforce"

// Metrics holds the engine's collectors.
type Metrics struct {
	queueDepth       prometheus.Gauge
	inFlight         prometheus.Gauge
	tasksTotal       *prometheus.CounterVec
	stepsTotal       *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec
	billedTotal      prometheus.Counter
	tokensTotal      prometheus.Counter
	modelCalls       *prometheus.CounterVec
	approvalsPending prometheus.Gauge
	leaseSweeps      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg, or with the
// default registerer when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Task executions waiting for a worker",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_in_flight",
			Help:      "Tasks currently held by a worker",
		}),
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Tasks that reached a terminal status",
		}, []string{"status"}),
		stepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Executed steps by outcome and error kind",
		}, []string{"status", "error_kind"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of executed steps",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 120},
		}, []string{"skill"}),
		billedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billed_micro_credits_total",
			Help:      "Micro-credits debited for step execution",
		}),
		tokensTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "salary_tokens_total",
			Help:      "Tokens charged against employee budgets",
		}),
		modelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_calls_total",
			Help:      "Metered model calls by model and result",
		}, []string{"model", "result"}),
		approvalsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "approvals_pending",
			Help:      "Tool audit entries awaiting a decision",
		}),
		leaseSweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_sweep_contracts_total",
			Help:      "Contracts handled by the lease sweeper by outcome",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.queueDepth,
		m.inFlight,
		m.tasksTotal,
		m.stepsTotal,
		m.stepDuration,
		m.billedTotal,
		m.tokensTotal,
		m.modelCalls,
		m.approvalsPending,
		m.leaseSweeps,
	)
	return m
}

// SetQueueDepth records the number of queued executions.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// SetInFlight records the number of tasks held by workers.
func (m *Metrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.inFlight.Set(float64(n))
}

// RecordTask counts a task that reached a terminal status.
func (m *Metrics) RecordTask(status string) {
	if m == nil {
		return
	}
	m.tasksTotal.WithLabelValues(status).Inc()
}

// RecordStep counts an executed step and observes its duration.
func (m *Metrics) RecordStep(skill, status, errorKind string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepsTotal.WithLabelValues(status, errorKind).Inc()
	m.stepDuration.WithLabelValues(skill).Observe(d.Seconds())
}

// RecordCharge adds a settled step's cost and tokens.
func (m *Metrics) RecordCharge(cost, tokens int64) {
	if m == nil {
		return
	}
	m.billedTotal.Add(float64(cost))
	m.tokensTotal.Add(float64(tokens))
}

// RecordModelCall counts one metered model call.
func (m *Metrics) RecordModelCall(model string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.modelCalls.WithLabelValues(model, result).Inc()
}

// SetApprovalsPending records the number of pending approvals.
func (m *Metrics) SetApprovalsPending(n int64) {
	if m == nil {
		return
	}
	m.approvalsPending.Set(float64(n))
}

// RecordSweep counts contracts handled by one lease sweep.
func (m *Metrics) RecordSweep(renewed, terminated, lapsed int) {
	if m == nil {
		return
	}
	m.leaseSweeps.WithLabelValues("renewed").Add(float64(renewed))
	m.leaseSweeps.WithLabelValues("terminated").Add(float64(terminated))
	m.leaseSweeps.WithLabelValues("lapsed").Add(float64(lapsed))
}
