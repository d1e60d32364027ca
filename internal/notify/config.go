package notify

// WebhookConfig defines one webhook notification destination.
type WebhookConfig struct {
	URL     string            `yaml:"url"     json:"url"`
	Format  string            `yaml:"format"  json:"format"` // "generic", "slack", "pagerduty"
	Events  []string          `yaml:"events"  json:"events"` // ["approval_requested", "approval_timed_out", "deny", "workflow_failed", "workflow_completed"]
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// Event is the payload sent to webhook endpoints.
type Event struct {
	Timestamp  string  `json:"timestamp"`
	Type       string  `json:"type"`
	WorkflowID string  `json:"workflow_id"`
	ApprovalID string  `json:"approval_id,omitempty"`
	Action     string  `json:"action,omitempty"`
	Target     string  `json:"target,omitempty"`
	Severity   string  `json:"severity,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

// Event type constants webhooks can subscribe to.
const (
	EventApprovalRequested = "approval_requested"
	EventApprovalTimedOut  = "approval_timed_out"
	EventDeny              = "deny"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowCompleted = "workflow_completed"
)
