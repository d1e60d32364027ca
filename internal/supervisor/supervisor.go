package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ppiankov/runforge/internal/approval"
	"github.com/ppiankov/runforge/internal/audit"
	"github.com/ppiankov/runforge/internal/execute"
	"github.com/ppiankov/runforge/internal/investigate"
	"github.com/ppiankov/runforge/internal/metrics"
	"github.com/ppiankov/runforge/internal/model"
	"github.com/ppiankov/runforge/internal/notify"
	"github.com/ppiankov/runforge/internal/plan"
)

// Config holds supervisor behavior parameters.
type Config struct {
	// MaxConcurrent bounds workflows processed at once. Parked workflows
	// (awaiting approval) do not hold a slot.
	MaxConcurrent int64
	// ResumeTimeout bounds the execution pass that follows an approval
	// resolution.
	ResumeTimeout time.Duration
}

// DefaultConfig returns supervisor defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 16,
		ResumeTimeout: 5 * time.Minute,
	}
}

// ErrWorkflowNotFound is returned when no workflow has the given ID.
var ErrWorkflowNotFound = errors.New("workflow not found")

// workflow pairs a state with its own lock. The supervisor map lock is
// never held while a workflow is being processed.
type workflow struct {
	mu         sync.Mutex
	state      *model.WorkflowState
	confidence float64
	phaseStart time.Time
	startedAt  time.Time
}

// Supervisor drives each task through investigate, plan, and execute, owns
// the workflow state machine, and audits every transition.
type Supervisor struct {
	investigator *investigate.Investigator
	planner      *plan.Planner
	executor     *execute.Executor
	gate         *approval.Gate
	log          *audit.Log
	notifier     *notify.Dispatcher
	logger       *slog.Logger
	cfg          Config

	sem *semaphore.Weighted

	mu        sync.RWMutex
	workflows map[string]*workflow
}

// New builds a supervisor. notifier may be nil.
func New(investigator *investigate.Investigator, planner *plan.Planner, executor *execute.Executor,
	gate *approval.Gate, log *audit.Log, notifier *notify.Dispatcher, cfg Config, logger *slog.Logger) *Supervisor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if cfg.ResumeTimeout <= 0 {
		cfg.ResumeTimeout = DefaultConfig().ResumeTimeout
	}
	return &Supervisor{
		investigator: investigator,
		planner:      planner,
		executor:     executor,
		gate:         gate,
		log:          log,
		notifier:     notifier,
		logger:       logger,
		cfg:          cfg,
		sem:          semaphore.NewWeighted(cfg.MaxConcurrent),
		workflows:    make(map[string]*workflow),
	}
}

// Handle drives one task until it reaches a terminal phase or parks
// awaiting approval. Expected failures (unreachable diagnostics, no
// remediation template, failed steps) end the workflow in PhaseFailed and
// are not errors; the error return covers invalid input and a cancelled
// context only.
func (s *Supervisor) Handle(ctx context.Context, task model.Task) (model.WorkflowState, error) {
	if err := task.Validate(); err != nil {
		return model.WorkflowState{}, err
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return model.WorkflowState{}, fmt.Errorf("acquire workflow slot: %w", err)
	}
	defer s.sem.Release(1)

	now := time.Now().UTC()
	wf := &workflow{
		state: &model.WorkflowState{
			WorkflowID: "wf-" + uuid.NewString(),
			Task:       task,
			Phase:      model.PhaseReceived,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		phaseStart: now,
		startedAt:  now,
	}

	s.mu.Lock()
	s.workflows[wf.state.WorkflowID] = wf
	s.mu.Unlock()

	wf.mu.Lock()
	defer wf.mu.Unlock()

	s.auditEvent(wf, audit.EventWorkflowReceived, audit.StatusSuccess,
		fmt.Sprintf("task %s on %s", task.IssueType, task.Target), "")
	s.logger.Info("workflow received",
		"workflow_id", wf.state.WorkflowID,
		"issue_type", task.IssueType,
		"target", task.Target)

	s.process(ctx, wf)
	return *wf.state, nil
}

// process runs the pipeline from the workflow's current phase. Caller
// holds wf.mu.
func (s *Supervisor) process(ctx context.Context, wf *workflow) {
	if err := s.transition(wf, model.PhaseInvestigating); err != nil {
		s.fail(wf, ReasonExecutionFailed, err.Error())
		return
	}

	inv, err := s.investigator.Investigate(ctx, wf.state.Task)
	if err != nil {
		s.fail(wf, ReasonInvestigationUnavailable, err.Error())
		return
	}
	wf.state.Investigation = inv
	wf.confidence = inv.Confidence

	if err := s.transition(wf, model.PhasePlanning); err != nil {
		s.fail(wf, ReasonExecutionFailed, err.Error())
		return
	}

	p, err := s.planner.Build(wf.state.WorkflowID, wf.state.Task, inv)
	if err != nil {
		s.fail(wf, ReasonPlanningFailed, err.Error())
		return
	}
	wf.state.Plan = p

	if err := s.transition(wf, model.PhaseExecuting); err != nil {
		s.fail(wf, ReasonExecutionFailed, err.Error())
		return
	}

	s.runExecution(ctx, wf)
}

// runExecution runs one executor pass and settles or parks the workflow.
// Caller holds wf.mu.
func (s *Supervisor) runExecution(ctx context.Context, wf *workflow) {
	report, err := s.executor.RunPass(ctx, wf.state.WorkflowID, wf.confidence, wf.state.Plan, s.resumeFunc(wf.state.WorkflowID))
	wf.state.Report = &report
	if err != nil {
		s.fail(wf, ReasonExecutionFailed, err.Error())
		return
	}

	if report.StepsAwaitingApproval > 0 {
		if err := s.transition(wf, model.PhaseAwaitingApproval); err != nil {
			s.fail(wf, ReasonExecutionFailed, err.Error())
		}
		return
	}

	if report.StepsFailed > 0 {
		s.fail(wf, ReasonExecutionFailed,
			fmt.Sprintf("%d step(s) failed", report.StepsFailed))
		return
	}

	s.complete(wf)
}

// resumeFunc returns the callback fired when an approval for this workflow
// resolves. It marks the step from the resolution and reruns execution on
// its own goroutine.
func (s *Supervisor) resumeFunc(workflowID string) approval.ResumeFunc {
	return func(rec approval.Record) {
		go s.resume(workflowID, rec)
	}
}

func (s *Supervisor) resume(workflowID string, rec approval.Record) {
	s.mu.RLock()
	wf, ok := s.workflows[workflowID]
	s.mu.RUnlock()
	if !ok {
		s.logger.Error("approval resolved for unknown workflow", "workflow_id", workflowID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ResumeTimeout)
	defer cancel()

	wf.mu.Lock()
	defer wf.mu.Unlock()

	if wf.state.Phase.Terminal() {
		return
	}

	step := wf.state.Plan.Step(rec.StepSeq)
	if step == nil {
		s.logger.Error("approval resolved for unknown step",
			"workflow_id", workflowID, "seq", rec.StepSeq)
		return
	}

	switch rec.Decision {
	case approval.Approved:
		step.Status = model.StepApproved
	case approval.Cancelled:
		step.Status = model.StepSkipped
		s.auditStepOutcome(wf, step, audit.StatusDenied, "approval cancelled")
	default:
		// Denied and timed out are both refusals.
		step.Status = model.StepDenied
		s.auditStepOutcome(wf, step, audit.StatusDenied,
			fmt.Sprintf("approval %s by %s", rec.Decision, rec.ResolvedBy))
	}

	if err := s.transition(wf, model.PhaseExecuting); err != nil {
		s.fail(wf, ReasonExecutionFailed, err.Error())
		return
	}
	s.runExecution(ctx, wf)
}

// Resolve records a human decision on a pending approval and returns the
// resolved record. The workflow resumes asynchronously.
func (s *Supervisor) Resolve(approvalID string, decision approval.Resolution, actor, note string) (approval.Record, error) {
	return s.gate.Resolve(approvalID, decision, actor, note)
}

// Pending lists approvals awaiting a decision.
func (s *Supervisor) Pending() ([]approval.Record, error) {
	return s.gate.Pending()
}

// Get returns a snapshot of one workflow's state.
func (s *Supervisor) Get(workflowID string) (model.WorkflowState, error) {
	s.mu.RLock()
	wf, ok := s.workflows[workflowID]
	s.mu.RUnlock()
	if !ok {
		return model.WorkflowState{}, ErrWorkflowNotFound
	}
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return *wf.state, nil
}

// List returns snapshots of all workflows, newest first.
func (s *Supervisor) List() []model.WorkflowState {
	s.mu.RLock()
	all := make([]*workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		all = append(all, wf)
	}
	s.mu.RUnlock()

	out := make([]model.WorkflowState, 0, len(all))
	for _, wf := range all {
		wf.mu.Lock()
		out = append(out, *wf.state)
		wf.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Cancel stops a non-terminal workflow: unresolved steps are skipped,
// parked approvals are cancelled, and the workflow fails with reason
// "cancelled".
func (s *Supervisor) Cancel(workflowID string) (model.WorkflowState, error) {
	s.mu.RLock()
	wf, ok := s.workflows[workflowID]
	s.mu.RUnlock()
	if !ok {
		return model.WorkflowState{}, ErrWorkflowNotFound
	}

	wf.mu.Lock()
	defer wf.mu.Unlock()

	if wf.state.Phase.Terminal() {
		return *wf.state, fmt.Errorf("workflow %s already %s", workflowID, wf.state.Phase)
	}

	if err := s.gate.CancelWorkflow(workflowID); err != nil {
		return *wf.state, err
	}

	if wf.state.Plan != nil {
		for i := range wf.state.Plan.Steps {
			step := &wf.state.Plan.Steps[i]
			if !step.Status.Terminal() {
				step.Status = model.StepSkipped
				s.auditStepOutcome(wf, step, audit.StatusDenied, "workflow cancelled")
			}
		}
		report := model.CountSteps(wf.state.Plan)
		wf.state.Report = &report
	}

	s.auditEvent(wf, audit.EventWorkflowCancelled, audit.StatusDenied, "workflow cancelled", ReasonCancelled)
	s.fail(wf, ReasonCancelled, "cancelled by operator")
	return *wf.state, nil
}

// transition moves the workflow to the next phase, audits it, and records
// time spent in the previous phase. Caller holds wf.mu.
func (s *Supervisor) transition(wf *workflow, to model.Phase) error {
	from := wf.state.Phase
	if !canTransition(from, to) {
		return transitionError(from, to)
	}

	now := time.Now().UTC()
	metrics.ObservePhase(string(from), now.Sub(wf.phaseStart))
	wf.state.Phase = to
	wf.state.UpdatedAt = now
	wf.phaseStart = now

	s.auditEvent(wf, audit.EventPhaseTransition, audit.StatusSuccess,
		fmt.Sprintf("%s -> %s", from, to), "")
	return nil
}

// complete settles a workflow as completed. Caller holds wf.mu.
func (s *Supervisor) complete(wf *workflow) {
	now := time.Now().UTC()
	metrics.ObservePhase(string(wf.state.Phase), now.Sub(wf.phaseStart))
	wf.state.Phase = model.PhaseCompleted
	wf.state.Outcome = "completed"
	wf.state.UpdatedAt = now

	s.auditEvent(wf, audit.EventWorkflowCompleted, audit.StatusSuccess, "workflow completed", "")
	metrics.ObserveWorkflow(metrics.OutcomeCompleted, string(model.PhaseCompleted), now.Sub(wf.startedAt))
	s.dispatch(notify.EventWorkflowCompleted, wf, "")

	s.logger.Info("workflow completed",
		"workflow_id", wf.state.WorkflowID,
		"target", wf.state.Task.Target)
}

// fail settles a workflow as failed with a reason. Caller holds wf.mu.
func (s *Supervisor) fail(wf *workflow, reason, detail string) {
	now := time.Now().UTC()
	metrics.ObservePhase(string(wf.state.Phase), now.Sub(wf.phaseStart))
	wf.state.Phase = model.PhaseFailed
	wf.state.Outcome = "failed"
	wf.state.Reason = reason
	wf.state.UpdatedAt = now

	s.auditEvent(wf, audit.EventWorkflowFailed, audit.StatusFailure, detail, reason)
	metrics.ObserveWorkflow(metrics.OutcomeFailed, string(model.PhaseFailed), now.Sub(wf.startedAt))
	s.dispatch(notify.EventWorkflowFailed, wf, reason)

	s.logger.Warn("workflow failed",
		"workflow_id", wf.state.WorkflowID,
		"reason", reason,
		"detail", detail)
}

// auditStepOutcome records the terminal outcome of a step the supervisor
// settled itself (approval refusals and cancellations). Outcomes of steps
// the executor dispatched are recorded by the executor.
func (s *Supervisor) auditStepOutcome(wf *workflow, step *model.PlanStep, status audit.EntryStatus, reason string) {
	err := s.log.Record(audit.Entry{
		WorkflowID:  wf.state.WorkflowID,
		Role:        string(model.RoleSupervisor),
		Event:       audit.EventStepOutcome,
		Description: fmt.Sprintf("step %d %s", step.Seq, step.Status),
		Status:      status,
		Actor:       audit.ActorSystem,
		Action:      step.Action,
		Target:      step.Target,
		Reason:      reason,
	})
	if err != nil {
		s.logger.Error("failed to audit step outcome",
			"workflow_id", wf.state.WorkflowID, "seq", step.Seq, "error", err)
	}
}

func (s *Supervisor) auditEvent(wf *workflow, event string, status audit.EntryStatus, description, reason string) {
	err := s.log.Record(audit.Entry{
		WorkflowID:  wf.state.WorkflowID,
		Role:        string(model.RoleSupervisor),
		Event:       event,
		Description: description,
		Status:      status,
		Actor:       audit.ActorSystem,
		Target:      wf.state.Task.Target,
		Reason:      reason,
	})
	if err != nil {
		s.logger.Error("failed to audit workflow event",
			"workflow_id", wf.state.WorkflowID, "event", event, "error", err)
	}
}

func (s *Supervisor) dispatch(eventType string, wf *workflow, reason string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Dispatch(notify.Event{
		Type:       eventType,
		WorkflowID: wf.state.WorkflowID,
		Target:     wf.state.Task.Target,
		Reason:     reason,
	})
}
