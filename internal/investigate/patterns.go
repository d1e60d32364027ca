package investigate

import (
	"fmt"
	"sort"

	"github.com/ppiankov/runforge/internal/model"
)

// pattern maps one issue type to a diagnosis. PrimarySignal must be present
// for the base confidence; each distinct corroborating signal type found
// adds confidenceStep, capped at confidenceCap.
type pattern struct {
	PrimarySignal     string
	Corroborating     []string
	RecommendedAction string
	BaseConfidence    float64
	Finding           string
}

const (
	confidenceStep = 0.10
	confidenceCap  = 0.98
	// Confidence reported when the primary signal for the issue type is
	// absent from the diagnostic window.
	uncorroboratedConfidence = 0.30
)

// patternLibrary is keyed by Task.IssueType.
var patternLibrary = map[string]pattern{
	"pod_crash_loop": {
		PrimarySignal:     "restart_spike",
		Corroborating:     []string{"oom_kill", "memory_pressure"},
		RecommendedAction: "increase_memory_limit",
		BaseConfidence:    0.75,
		Finding:           "container restarts correlate with memory exhaustion",
	},
	"high_memory": {
		PrimarySignal:     "memory_pressure",
		Corroborating:     []string{"oom_kill", "gc_pause_spike"},
		RecommendedAction: "increase_memory_limit",
		BaseConfidence:    0.70,
		Finding:           "sustained memory pressure on the workload",
	},
	"high_cpu": {
		PrimarySignal:     "cpu_saturation",
		Corroborating:     []string{"latency_spike", "queue_depth"},
		RecommendedAction: "scale_deployment",
		BaseConfidence:    0.70,
		Finding:           "CPU saturation limiting throughput",
	},
	"deployment_degraded": {
		PrimarySignal:     "error_rate_spike",
		Corroborating:     []string{"latency_spike", "rollout_recent"},
		RecommendedAction: "rollback_deployment",
		BaseConfidence:    0.65,
		Finding:           "error rate rose after a recent rollout",
	},
	"node_unhealthy": {
		PrimarySignal:     "node_not_ready",
		Corroborating:     []string{"kubelet_errors", "disk_pressure"},
		RecommendedAction: "drain_node",
		BaseConfidence:    0.70,
		Finding:           "node reporting not-ready with kubelet faults",
	},
	"cache_degraded": {
		PrimarySignal:     "cache_hit_drop",
		Corroborating:     []string{"latency_spike"},
		RecommendedAction: "clear_cache",
		BaseConfidence:    0.65,
		Finding:           "cache hit ratio collapsed",
	},
	"database_failover_needed": {
		PrimarySignal:     "replication_broken",
		Corroborating:     []string{"primary_unreachable", "error_rate_spike"},
		RecommendedAction: "failover_database",
		BaseConfidence:    0.70,
		Finding:           "primary database unreachable with broken replication",
	},
	"credential_compromise": {
		PrimarySignal:     "auth_anomaly",
		Corroborating:     []string{"unusual_source_ip"},
		RecommendedAction: "rotate_credentials",
		BaseConfidence:    0.70,
		Finding:           "anomalous authentication activity on the target",
	},
}

// KnownIssueTypes returns the issue types the classifier recognizes, sorted.
func KnownIssueTypes() []string {
	types := make([]string, 0, len(patternLibrary))
	for t := range patternLibrary {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Classify matches signals against the pattern for the task's issue type
// and produces a diagnosis. Deterministic: the same signals always yield
// the same findings and confidence.
func Classify(task model.Task, signals []model.Signal) (*model.InvestigationResult, error) {
	p, ok := patternLibrary[task.IssueType]
	if !ok {
		return model.NewInvestigationResult(
			[]string{fmt.Sprintf("issue type %q has no diagnostic pattern", task.IssueType)},
			uncorroboratedConfidence,
			"collect_diagnostics",
			[]string{task.Target},
		)
	}

	present := make(map[string]bool, len(signals))
	for _, s := range signals {
		present[s.Type] = true
	}

	if !present[p.PrimarySignal] {
		return model.NewInvestigationResult(
			[]string{fmt.Sprintf("primary signal %q absent for issue %q", p.PrimarySignal, task.IssueType)},
			uncorroboratedConfidence,
			"collect_diagnostics",
			[]string{task.Target},
		)
	}

	findings := []string{p.Finding}
	confidence := p.BaseConfidence
	for _, c := range p.Corroborating {
		if present[c] {
			findings = append(findings, fmt.Sprintf("corroborated by %s", c))
			confidence += confidenceStep
		}
	}
	if confidence > confidenceCap {
		confidence = confidenceCap
	}

	affected := affectedComponents(task, signals)
	return model.NewInvestigationResult(findings, confidence, p.RecommendedAction, affected)
}

func affectedComponents(task model.Task, signals []model.Signal) []string {
	seen := map[string]bool{task.Target: true}
	out := []string{task.Target}
	for _, s := range signals {
		if s.Source != "" && !seen[s.Source] {
			seen[s.Source] = true
			out = append(out, s.Source)
		}
	}
	sort.Strings(out[1:])
	return out
}
