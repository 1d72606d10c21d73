// Package metrics wires the daemon's Prometheus surface (SPEC_FULL.md
// domain stack: "resource pool utilization, mailbox queue depth, kernel
// turn latency/retries, loop counts").
//
// Grounded on the pack's only two prometheus/client_golang call sites --
// both test-only, since no shipped teacher source package uses it --
// internal/observability/context_metrics_test.go's
// NewXMetricsWithRegisterer(reg *prometheus.Registry) constructor shape
// and gauge/counter-vec-per-label fields, and
// internal/orchestrator/orchestrator_test.go's stage-duration histogram
// with status labels and a gauge that must return to zero once work
// drains. Both are adapted here to the daemon's own metric names.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the daemon's full Prometheus surface. Construct one with New
// and register it on the registry passed to cmd/fingerd's HTTP /metrics
// handler.
type Metrics struct {
	resourcesByStatus *prometheus.GaugeVec
	resourcesByType   *prometheus.GaugeVec

	mailboxQueueDepth prometheus.Gauge

	kernelTurnDuration *prometheus.HistogramVec
	kernelTurnRetries  prometheus.Counter

	loopsActive    prometheus.Gauge
	loopsCompleted *prometheus.CounterVec

	phaseTransitions *prometheus.CounterVec
}

// New constructs a Metrics registered on reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		resourcesByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "finger_resources_by_status",
			Help: "Current resource count per lifecycle status.",
		}, []string{"status"}),
		resourcesByType: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "finger_resources_by_type",
			Help: "Current resource count per resource type.",
		}, []string{"type"}),
		mailboxQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "finger_mailbox_queue_depth",
			Help: "Entries currently tracked by the Mailbox, across all targets.",
		}),
		kernelTurnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "finger_kernel_turn_duration_seconds",
			Help:    "Kernel bridge turn latency by outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		kernelTurnRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "finger_kernel_turn_retries_total",
			Help: "Kernel bridge turn retry attempts across all sessions.",
		}),
		loopsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "finger_loops_active",
			Help: "Loops currently in the running status.",
		}),
		loopsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finger_loops_completed_total",
			Help: "Loops that reached a terminal status, by phase.",
		}, []string{"phase"}),
		phaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finger_phase_transitions_total",
			Help: "Orchestrator phase transitions, by destination phase.",
		}, []string{"to"}),
	}
	reg.MustRegister(
		m.resourcesByStatus, m.resourcesByType, m.mailboxQueueDepth,
		m.kernelTurnDuration, m.kernelTurnRetries, m.loopsActive,
		m.loopsCompleted, m.phaseTransitions,
	)
	return m
}

// SetResourceCounts replaces the pool gauges wholesale (called by the
// Resource Pool after each resource mutation).
func (m *Metrics) SetResourceCounts(byStatus, byType map[string]int) {
	m.resourcesByStatus.Reset()
	m.resourcesByType.Reset()
	for status, n := range byStatus {
		m.resourcesByStatus.WithLabelValues(status).Set(float64(n))
	}
	for typ, n := range byType {
		m.resourcesByType.WithLabelValues(typ).Set(float64(n))
	}
}

// SetMailboxQueueDepth records the current total entry count across the
// Mailbox's tracked targets.
func (m *Metrics) SetMailboxQueueDepth(depth int) {
	m.mailboxQueueDepth.Set(float64(depth))
}

// ObserveKernelTurn records one kernel turn's latency, labeled by its
// outcome ("success", "timeout", "error", ...).
func (m *Metrics) ObserveKernelTurn(outcome string, seconds float64) {
	m.kernelTurnDuration.WithLabelValues(outcome).Observe(seconds)
}

// IncKernelTurnRetry records one retry attempt.
func (m *Metrics) IncKernelTurnRetry() {
	m.kernelTurnRetries.Inc()
}

// SetLoopsActive records the current count of running loops.
func (m *Metrics) SetLoopsActive(n int) {
	m.loopsActive.Set(float64(n))
}

// IncLoopCompleted records one loop reaching a terminal status.
func (m *Metrics) IncLoopCompleted(phase string) {
	m.loopsCompleted.WithLabelValues(phase).Inc()
}

// IncPhaseTransition records one orchestrator phase transition.
func (m *Metrics) IncPhaseTransition(to string) {
	m.phaseTransitions.WithLabelValues(to).Inc()
}
