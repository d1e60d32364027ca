package execute

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/runforge/internal/approval"
	"github.com/ppiankov/runforge/internal/audit"
	"github.com/ppiankov/runforge/internal/guardrail"
	"github.com/ppiankov/runforge/internal/model"
)

// Error is an execution failure outside the plan's own step outcomes:
// audit write failures and approval store failures. Step failures are
// recorded in the plan, not returned as errors, and are never auto-retried.
type Error struct {
	StepSeq int
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("execution failed at step %d: %v", e.StepSeq, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Executor runs plan steps under guardrail authorization. Steps whose
// dependencies are settled run concurrently; steps sharing a target are
// serialized so two mutations never race on one resource.
type Executor struct {
	enforcer *guardrail.Enforcer
	gate     *approval.Gate
	runner   Runner
	log      *audit.Log
	logger   *slog.Logger

	mu        sync.Mutex
	targetMus map[string]*sync.Mutex
}

// New builds an executor.
func New(enforcer *guardrail.Enforcer, gate *approval.Gate, runner Runner, log *audit.Log, logger *slog.Logger) *Executor {
	return &Executor{
		enforcer:  enforcer,
		gate:      gate,
		runner:    runner,
		log:       log,
		logger:    logger,
		targetMus: make(map[string]*sync.Mutex),
	}
}

// RunPass makes one pass over the plan: it skips steps whose dependencies
// failed, runs every step whose dependencies are executed, and parks steps
// the guardrail escalates. It loops until no step changes state, so a chain
// of allowed steps completes in a single call. onResolve fires when a
// parked step's approval is resolved.
//
// RunPass mutates step statuses in place and returns the step counts.
// A pass that leaves steps awaiting approval is not an error.
func (ex *Executor) RunPass(ctx context.Context, workflowID string, confidence float64, plan *model.Plan, onResolve approval.ResumeFunc) (model.ExecutionReport, error) {
	for {
		progressed, err := ex.runWave(ctx, workflowID, confidence, plan, onResolve)
		if err != nil {
			return model.CountSteps(plan), err
		}
		if !progressed {
			break
		}
	}
	return model.CountSteps(plan), nil
}

// runWave processes every currently actionable step once. Returns whether
// any step changed state.
func (ex *Executor) runWave(ctx context.Context, workflowID string, confidence float64, plan *model.Plan, onResolve approval.ResumeFunc) (bool, error) {
	var runnable []*model.PlanStep
	progressed := false

	for i := range plan.Steps {
		step := &plan.Steps[i]
		switch step.Status {
		case model.StepPending:
			switch depState(plan, step) {
			case depsExecuted:
				runnable = append(runnable, step)
			case depsBlocked:
				step.Status = model.StepSkipped
				progressed = true
				if err := ex.auditOutcome(workflowID, step, audit.StatusDenied, "dependency not satisfied"); err != nil {
					return progressed, &Error{StepSeq: step.Seq, Err: err}
				}
			}
		case model.StepApproved:
			// Approval already carries the authorization decision.
			runnable = append(runnable, step)
		}
	}

	if len(runnable) == 0 {
		return progressed, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, step := range runnable {
		step := step
		g.Go(func() error {
			return ex.runStep(gctx, workflowID, confidence, step, onResolve)
		})
	}
	if err := g.Wait(); err != nil {
		return true, err
	}
	return true, nil
}

func (ex *Executor) runStep(ctx context.Context, workflowID string, confidence float64, step *model.PlanStep, onResolve approval.ResumeFunc) error {
	unlock := ex.lockTarget(step.Target)
	defer unlock()

	if step.Status == model.StepApproved {
		ex.dispatch(ctx, workflowID, step, "approved")
		return nil
	}

	res, err := ex.enforcer.Authorize(guardrail.Request{
		WorkflowID: workflowID,
		Role:       model.RoleExecution,
		Action:     step.Action,
		Target:     step.Target,
		Confidence: confidence,
	})
	if err != nil {
		return &Error{StepSeq: step.Seq, Err: err}
	}

	switch res.Decision {
	case model.Deny:
		step.Status = model.StepDenied
		if err := ex.auditOutcome(workflowID, step, audit.StatusDenied, res.Reason); err != nil {
			return &Error{StepSeq: step.Seq, Err: err}
		}
		ex.logger.Info("step denied",
			"workflow_id", workflowID, "seq", step.Seq,
			"action", step.Action, "reason", res.Reason)
		return nil

	case model.RequireApproval:
		rec := approval.Record{
			WorkflowID: workflowID,
			StepSeq:    step.Seq,
			Action:     step.Action,
			Target:     step.Target,
			Severity:   res.Severity,
			Confidence: confidence,
			Reason:     res.Reason,
		}
		if _, err := ex.gate.Request(ctx, rec, onResolve); err != nil {
			return &Error{StepSeq: step.Seq, Err: err}
		}
		step.Status = model.StepPendingApproval
		return nil

	default:
		ex.dispatch(ctx, workflowID, step, "")
		return nil
	}
}

// dispatch runs the action and records the outcome. The caller holds the
// target lock.
func (ex *Executor) dispatch(ctx context.Context, workflowID string, step *model.PlanStep, approvedNote string) {
	err := ex.runner.Run(ctx, *step)
	if err != nil {
		step.Status = model.StepFailed
		if aerr := ex.auditOutcome(workflowID, step, audit.StatusFailure, err.Error()); aerr != nil {
			ex.logger.Error("failed to audit step outcome", "seq", step.Seq, "error", aerr)
		}
		ex.logger.Error("step failed",
			"workflow_id", workflowID, "seq", step.Seq,
			"action", step.Action, "error", err)
		return
	}

	step.Status = model.StepExecuted
	reason := approvedNote
	if aerr := ex.auditOutcome(workflowID, step, audit.StatusSuccess, reason); aerr != nil {
		ex.logger.Error("failed to audit step outcome", "seq", step.Seq, "error", aerr)
	}
}

func (ex *Executor) auditOutcome(workflowID string, step *model.PlanStep, status audit.EntryStatus, reason string) error {
	return ex.log.Record(audit.Entry{
		WorkflowID:  workflowID,
		Role:        string(model.RoleExecution),
		Event:       audit.EventStepOutcome,
		Description: fmt.Sprintf("step %d %s", step.Seq, step.Status),
		Status:      status,
		Actor:       audit.ActorSystem,
		Action:      step.Action,
		Target:      step.Target,
		Reason:      reason,
	})
}

// lockTarget serializes steps that mutate the same target.
func (ex *Executor) lockTarget(target string) func() {
	ex.mu.Lock()
	m, ok := ex.targetMus[target]
	if !ok {
		m = &sync.Mutex{}
		ex.targetMus[target] = m
	}
	ex.mu.Unlock()

	m.Lock()
	return m.Unlock
}

type depResult int

const (
	depsExecuted depResult = iota // all dependencies executed
	depsWaiting                   // some dependency not settled yet
	depsBlocked                   // a dependency denied, failed, or skipped
)

func depState(plan *model.Plan, step *model.PlanStep) depResult {
	for _, seq := range step.DependsOn {
		dep := plan.Step(seq)
		if dep == nil {
			return depsBlocked
		}
		switch dep.Status {
		case model.StepExecuted:
		case model.StepDenied, model.StepFailed, model.StepSkipped:
			return depsBlocked
		default:
			return depsWaiting
		}
	}
	return depsExecuted
}
