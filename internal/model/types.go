package model

import (
	"fmt"
	"time"
)

// Severity classifies the blast radius of a remediation action.
type Severity string

const (
	SeverityReadonly Severity = "readonly"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SevRank maps severity to a comparable integer for threshold lookups.
var SevRank = map[Severity]int{
	SeverityReadonly: 0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// IsValidSeverity returns true if s is a recognized severity tier.
func IsValidSeverity(s Severity) bool {
	_, ok := SevRank[s]
	return ok
}

// Decision is the guardrail authorization outcome.
type Decision string

const (
	Allow           Decision = "allow"
	Deny            Decision = "deny"
	RequireApproval Decision = "require_approval"
)

// Role identifies which agent is acting.
type Role string

const (
	RoleInvestigation Role = "investigation"
	RolePlanning      Role = "planning"
	RoleExecution     Role = "execution"
	RoleSupervisor    Role = "supervisor"
)

// StepStatus is the lifecycle state of a single plan step.
type StepStatus string

const (
	StepPending         StepStatus = "pending"
	StepPendingApproval StepStatus = "pending_approval"
	StepApproved        StepStatus = "approved"
	StepDenied          StepStatus = "denied"
	StepExecuted        StepStatus = "executed"
	StepFailed          StepStatus = "failed"
	StepSkipped         StepStatus = "skipped"
)

// Terminal returns true once a step can no longer change state.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepExecuted, StepDenied, StepFailed, StepSkipped:
		return true
	}
	return false
}

// Phase is the supervisor-owned workflow state.
type Phase string

const (
	PhaseReceived         Phase = "received"
	PhaseInvestigating    Phase = "investigating"
	PhasePlanning         Phase = "planning"
	PhaseExecuting        Phase = "executing"
	PhaseAwaitingApproval Phase = "awaiting_approval"
	PhaseCompleted        Phase = "completed"
	PhaseFailed           Phase = "failed"
)

// Terminal returns true for final phases; no further transitions are permitted.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Task is the immutable input to a workflow.
type Task struct {
	IssueType string            `json:"issue_type"`
	Target    string            `json:"target"`
	Context   map[string]string `json:"context,omitempty"`
}

// Validate rejects tasks that cannot be dispatched.
func (t Task) Validate() error {
	if t.IssueType == "" {
		return fmt.Errorf("task issue_type must not be empty")
	}
	if t.Target == "" {
		return fmt.Errorf("task target must not be empty")
	}
	return nil
}

// Signal is a single observed data point from the infrastructure query boundary.
type Signal struct {
	Type      string            `json:"type"`
	Severity  Severity          `json:"severity"`
	Value     float64           `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"`
	Details   map[string]string `json:"details,omitempty"`
}

// InvestigationResult is the immutable output of the investigation agent.
type InvestigationResult struct {
	Findings           []string `json:"findings"`
	Confidence         float64  `json:"confidence"`
	RecommendedAction  string   `json:"recommended_action"`
	AffectedComponents []string `json:"affected_components"`
}

// NewInvestigationResult validates confidence at construction.
// Confidence outside [0.0, 1.0] is rejected, never clamped silently.
func NewInvestigationResult(findings []string, confidence float64, recommendedAction string, affected []string) (*InvestigationResult, error) {
	if confidence < 0.0 || confidence > 1.0 {
		return nil, fmt.Errorf("confidence %.4f out of range [0.0, 1.0]", confidence)
	}
	return &InvestigationResult{
		Findings:           findings,
		Confidence:         confidence,
		RecommendedAction:  recommendedAction,
		AffectedComponents: affected,
	}, nil
}

// PlanStep is one discrete remediation action within a plan.
type PlanStep struct {
	Seq              int               `json:"seq"`
	Action           string            `json:"action"`
	Target           string            `json:"target"`
	Params           map[string]string `json:"params,omitempty"`
	Severity         Severity          `json:"severity"`
	RequiresApproval bool              `json:"requires_approval"`
	DependsOn        []int             `json:"depends_on,omitempty"`
	Status           StepStatus        `json:"status"`
}

// Plan is an ordered remediation plan. Steps mutate status in place as
// execution proceeds; everything else is immutable after planning.
type Plan struct {
	PlanID      string     `json:"plan_id"`
	CreatedFrom string     `json:"created_from"`
	CreatedAt   time.Time  `json:"created_at"`
	Steps       []PlanStep `json:"steps"`
}

// Step returns the step with the given sequence number, or nil.
func (p *Plan) Step(seq int) *PlanStep {
	for i := range p.Steps {
		if p.Steps[i].Seq == seq {
			return &p.Steps[i]
		}
	}
	return nil
}

// Settled returns true when every step has reached a terminal status.
func (p *Plan) Settled() bool {
	for i := range p.Steps {
		if !p.Steps[i].Status.Terminal() {
			return false
		}
	}
	return true
}

// ExecutionReport summarizes step outcomes for one execution pass.
type ExecutionReport struct {
	StepsExecuted         int `json:"steps_executed"`
	StepsDenied           int `json:"steps_denied"`
	StepsAwaitingApproval int `json:"steps_awaiting_approval"`
	StepsFailed           int `json:"steps_failed"`
	StepsSkipped          int `json:"steps_skipped"`
}

// CountSteps rebuilds a report from current step statuses.
func CountSteps(p *Plan) ExecutionReport {
	var r ExecutionReport
	for i := range p.Steps {
		switch p.Steps[i].Status {
		case StepExecuted:
			r.StepsExecuted++
		case StepDenied:
			r.StepsDenied++
		case StepPendingApproval, StepApproved:
			r.StepsAwaitingApproval++
		case StepFailed:
			r.StepsFailed++
		case StepSkipped:
			r.StepsSkipped++
		}
	}
	return r
}

// WorkflowState is the supervisor's per-incident state. Only the supervisor
// mutates it; all other components return results to the supervisor.
type WorkflowState struct {
	WorkflowID    string               `json:"workflow_id"`
	Task          Task                 `json:"task"`
	Phase         Phase                `json:"phase"`
	Investigation *InvestigationResult `json:"investigation,omitempty"`
	Plan          *Plan                `json:"plan,omitempty"`
	Report        *ExecutionReport     `json:"report,omitempty"`
	Outcome       string               `json:"outcome,omitempty"`
	Reason        string               `json:"reason,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}
