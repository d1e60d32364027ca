package audit

// EntryStatus is the outcome recorded with an audit entry.
type EntryStatus string

const (
	StatusSuccess EntryStatus = "success"
	StatusFailure EntryStatus = "failure"
	StatusDenied  EntryStatus = "denied"
)

// Entry is one line in the hash-chained JSONL audit log.
// Fields are scalars and string maps only: encoding/json emits struct fields
// in declaration order and map keys sorted, so marshaling is deterministic
// and the hash chain is reproducible.
type Entry struct {
	Timestamp   string            `json:"ts"`
	WorkflowID  string            `json:"workflow_id"`
	Role        string            `json:"role"`
	Event       string            `json:"event"`
	Description string            `json:"description"`
	Status      EntryStatus       `json:"status"`
	Actor       string            `json:"actor"`
	Action      string            `json:"action,omitempty"`
	Target      string            `json:"target,omitempty"`
	Decision    string            `json:"decision,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
	PrevHash    string            `json:"prev_hash"`
}

// Event name constants. One entry per workflow transition, guardrail
// decision, and step outcome; the audit trail is the source of truth
// for what happened.
const (
	EventWorkflowReceived  = "workflow_received"
	EventPhaseTransition   = "phase_transition"
	EventGuardrailDecision = "guardrail_decision"
	EventStepOutcome       = "step_outcome"
	EventApprovalRequested = "approval_requested"
	EventApprovalResolved  = "approval_resolved"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowCancelled = "workflow_cancelled"
)

// ActorSystem is the actor recorded for orchestrator-initiated entries.
const ActorSystem = "system"
