package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeCompleted labels workflows that reached a terminal success state.
	OutcomeCompleted = "completed"
	// OutcomeFailed labels workflows that ended in failure or cancellation.
	OutcomeFailed = "failed"
)

var (
	workflowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "runforge",
			Name:      "workflows_total",
			Help:      "Total number of remediation workflows handled, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	phaseDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "runforge",
			Name:      "phase_seconds",
			Help:      "Time spent in each workflow phase, in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 300, 900},
		},
		[]string{"phase"},
	)

	guardrailDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "runforge",
			Name:      "guardrail_decisions_total",
			Help:      "Guardrail authorization decisions, partitioned by decision and role.",
		},
		[]string{"decision", "role"},
	)

	approvalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "runforge",
			Name:      "approvals_total",
			Help:      "Approval requests resolved, partitioned by resolution.",
		},
		[]string{"resolution"},
	)

	investigationConfidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "runforge",
			Name:      "investigation_confidence",
			Help:      "Confidence scores reported by completed investigations.",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.75, 0.8, 0.9, 0.95, 1},
		},
	)

	humanOverridesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "runforge",
			Name:      "human_overrides_total",
			Help:      "Approval resolutions made by a human actor.",
		},
	)
)

// Register attaches runforge collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		workflowsTotal,
		phaseDurationSeconds,
		guardrailDecisionsTotal,
		approvalsTotal,
		investigationConfidence,
		humanOverridesTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveWorkflow records a finished workflow and its total duration
// attributed to the phase it ended in.
func ObserveWorkflow(outcome string, phase string, duration time.Duration) {
	label := outcome
	if label != OutcomeCompleted {
		label = OutcomeFailed
	}
	workflowsTotal.WithLabelValues(label).Inc()
	ObservePhase(phase, duration)
}

// ObservePhase records time spent in one workflow phase.
func ObservePhase(phase string, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	phaseDurationSeconds.WithLabelValues(phase).Observe(duration.Seconds())
}

// CountDecision records one guardrail authorization decision.
func CountDecision(decision, role string) {
	guardrailDecisionsTotal.WithLabelValues(decision, role).Inc()
}

// CountApproval records one approval resolution. Human resolutions are
// additionally counted as overrides of the autonomous path.
func CountApproval(resolution string, human bool) {
	approvalsTotal.WithLabelValues(resolution).Inc()
	if human {
		humanOverridesTotal.Inc()
	}
}

// ObserveConfidence records an investigation confidence score.
func ObserveConfidence(c float64) {
	investigationConfidence.Observe(c)
}
