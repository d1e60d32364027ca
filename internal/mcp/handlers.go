package mcp

import (
	"context"
	"fmt"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/runforge/internal/approval"
	"github.com/ppiankov/runforge/internal/audit"
	"github.com/ppiankov/runforge/internal/guardrail"
	"github.com/ppiankov/runforge/internal/model"
)

// --- Input/Output types ---

// RemediateInput defines parameters for the runforge_remediate tool.
type RemediateInput struct {
	IssueType string            `json:"issue_type" jsonschema:"issue type, e.g. pod_crash_loop"`
	Target    string            `json:"target" jsonschema:"affected resource, e.g. prod/web"`
	Context   map[string]string `json:"context,omitempty" jsonschema:"extra task context"`
}

// RemediateOutput reports where the workflow settled or parked.
type RemediateOutput struct {
	WorkflowID            string `json:"workflow_id"`
	Phase                 string `json:"phase"`
	Reason                string `json:"reason,omitempty"`
	StepsExecuted         int    `json:"steps_executed"`
	StepsDenied           int    `json:"steps_denied"`
	StepsFailed           int    `json:"steps_failed"`
	StepsSkipped          int    `json:"steps_skipped"`
	StepsAwaitingApproval int    `json:"steps_awaiting_approval"`
}

// StatusInput defines parameters for the runforge_status tool.
type StatusInput struct {
	WorkflowID string `json:"workflow_id,omitempty" jsonschema:"workflow id, omit to list all workflows"`
}

// StatusOutput carries one workflow state or the full list.
type StatusOutput struct {
	Workflow  *model.WorkflowState  `json:"workflow,omitempty"`
	Workflows []model.WorkflowState `json:"workflows,omitempty"`
}

// CheckInput defines parameters for the runforge_check tool.
type CheckInput struct {
	Role       string  `json:"role" jsonschema:"agent role (investigation/planning/execution/supervisor)"`
	Action     string  `json:"action" jsonschema:"action name from the catalog"`
	Target     string  `json:"target" jsonschema:"resource the action would touch"`
	Confidence float64 `json:"confidence,omitempty" jsonschema:"investigation confidence in [0,1]"`
}

// CheckOutput contains the guardrail decision.
type CheckOutput struct {
	Decision   string `json:"decision"`
	Reason     string `json:"reason"`
	Severity   string `json:"severity,omitempty"`
	PolicyHash string `json:"policy_hash"`
}

// ResolveInput identifies the approval to resolve for runforge_approve and
// runforge_deny.
type ResolveInput struct {
	ApprovalID string `json:"approval_id" jsonschema:"approval request id"`
	Actor      string `json:"actor" jsonschema:"who is resolving, recorded in the audit trail"`
	Note       string `json:"note,omitempty" jsonschema:"optional note for the audit trail"`
}

// ResolveOutput confirms the resolution.
type ResolveOutput struct {
	ApprovalID string `json:"approval_id"`
	WorkflowID string `json:"workflow_id"`
	Decision   string `json:"decision"`
	ResolvedBy string `json:"resolved_by"`
}

// PendingInput is empty, no parameters needed.
type PendingInput struct{}

// PendingOutput lists all pending approvals.
type PendingOutput struct {
	Approvals []PendingItem `json:"approvals"`
}

// PendingItem describes a single approval request.
type PendingItem struct {
	ID         string  `json:"id"`
	WorkflowID string  `json:"workflow_id"`
	Action     string  `json:"action"`
	Target     string  `json:"target"`
	Severity   string  `json:"severity"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
	CreatedAt  string  `json:"created_at"`
	ExpiresAt  string  `json:"expires_at"`
}

// AuditInput defines parameters for the runforge_audit tool.
type AuditInput struct {
	WorkflowID string `json:"workflow_id,omitempty" jsonschema:"filter entries by workflow id"`
	Actor      string `json:"actor,omitempty" jsonschema:"filter entries by actor"`
	Verify     bool   `json:"verify,omitempty" jsonschema:"verify the hash chain instead of querying entries"`
}

// AuditOutput carries query results or the verification verdict.
type AuditOutput struct {
	Entries []audit.Entry  `json:"entries,omitempty"`
	Summary *audit.Summary `json:"summary,omitempty"`
	Valid   *bool          `json:"valid,omitempty"`
	Lines   int            `json:"lines,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// --- Handlers ---

func (s *Server) handleRemediate(ctx context.Context, req *mcpsdk.CallToolRequest, input RemediateInput) (*mcpsdk.CallToolResult, RemediateOutput, error) {
	task := model.Task{
		IssueType: input.IssueType,
		Target:    input.Target,
		Context:   input.Context,
	}

	state, err := s.sup.Handle(ctx, task)
	if err != nil {
		return nil, RemediateOutput{}, fmt.Errorf("remediation rejected: %w", err)
	}

	out := RemediateOutput{
		WorkflowID: state.WorkflowID,
		Phase:      string(state.Phase),
		Reason:     state.Reason,
	}
	if state.Report != nil {
		out.StepsExecuted = state.Report.StepsExecuted
		out.StepsDenied = state.Report.StepsDenied
		out.StepsFailed = state.Report.StepsFailed
		out.StepsSkipped = state.Report.StepsSkipped
		out.StepsAwaitingApproval = state.Report.StepsAwaitingApproval
	}
	if state.Phase == model.PhaseFailed {
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}

func (s *Server) handleStatus(ctx context.Context, req *mcpsdk.CallToolRequest, input StatusInput) (*mcpsdk.CallToolResult, StatusOutput, error) {
	if input.WorkflowID == "" {
		return nil, StatusOutput{Workflows: s.sup.List()}, nil
	}
	state, err := s.sup.Get(input.WorkflowID)
	if err != nil {
		return nil, StatusOutput{}, err
	}
	return nil, StatusOutput{Workflow: &state}, nil
}

func (s *Server) handleCheck(ctx context.Context, req *mcpsdk.CallToolRequest, input CheckInput) (*mcpsdk.CallToolResult, CheckOutput, error) {
	res := s.enforcer.Check(guardrail.Request{
		Role:       model.Role(input.Role),
		Action:     input.Action,
		Target:     input.Target,
		Confidence: input.Confidence,
	})
	out := CheckOutput{
		Decision:   string(res.Decision),
		Reason:     res.Reason,
		Severity:   string(res.Severity),
		PolicyHash: res.PolicyHash,
	}
	if res.Decision == model.Deny {
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}

func (s *Server) handleApprove(ctx context.Context, req *mcpsdk.CallToolRequest, input ResolveInput) (*mcpsdk.CallToolResult, ResolveOutput, error) {
	return s.resolve(input, approval.Approved)
}

func (s *Server) handleDeny(ctx context.Context, req *mcpsdk.CallToolRequest, input ResolveInput) (*mcpsdk.CallToolResult, ResolveOutput, error) {
	return s.resolve(input, approval.Denied)
}

func (s *Server) resolve(input ResolveInput, decision approval.Resolution) (*mcpsdk.CallToolResult, ResolveOutput, error) {
	rec, err := s.sup.Resolve(input.ApprovalID, decision, input.Actor, input.Note)
	if err != nil {
		return nil, ResolveOutput{}, err
	}
	return nil, ResolveOutput{
		ApprovalID: rec.ID,
		WorkflowID: rec.WorkflowID,
		Decision:   string(rec.Decision),
		ResolvedBy: rec.ResolvedBy,
	}, nil
}

func (s *Server) handlePending(ctx context.Context, req *mcpsdk.CallToolRequest, input PendingInput) (*mcpsdk.CallToolResult, PendingOutput, error) {
	pending, err := s.sup.Pending()
	if err != nil {
		return nil, PendingOutput{}, err
	}

	out := PendingOutput{Approvals: make([]PendingItem, 0, len(pending))}
	for _, rec := range pending {
		out.Approvals = append(out.Approvals, PendingItem{
			ID:         rec.ID,
			WorkflowID: rec.WorkflowID,
			Action:     rec.Action,
			Target:     rec.Target,
			Severity:   string(rec.Severity),
			Confidence: rec.Confidence,
			Reason:     rec.Reason,
			CreatedAt:  rec.CreatedAt.UTC().Format(time.RFC3339),
			ExpiresAt:  rec.ExpiresAt.UTC().Format(time.RFC3339),
		})
	}
	return nil, out, nil
}

func (s *Server) handleAudit(ctx context.Context, req *mcpsdk.CallToolRequest, input AuditInput) (*mcpsdk.CallToolResult, AuditOutput, error) {
	if input.Verify {
		res := audit.Verify(s.cfg.AuditPath)
		out := AuditOutput{Valid: &res.Valid, Lines: res.Lines, Error: res.Error}
		if !res.Valid {
			return &mcpsdk.CallToolResult{IsError: true}, out, nil
		}
		return nil, out, nil
	}

	result, err := audit.Query(s.cfg.AuditPath, audit.Filter{
		WorkflowID: input.WorkflowID,
		Actor:      input.Actor,
	})
	if err != nil {
		return nil, AuditOutput{}, err
	}
	return nil, AuditOutput{Entries: result.Entries, Summary: &result.Summary}, nil
}
