package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/runforge/internal/audit"
	"github.com/ppiankov/runforge/internal/metrics"
	"github.com/ppiankov/runforge/internal/model"
)

// Notifier delivers escalation notices when a step is parked for approval.
type Notifier interface {
	NotifyEscalation(ctx context.Context, rec Record)
}

// ResumeFunc is invoked once when a parked approval is resolved, with the
// final record. It runs on the resolver's goroutine.
type ResumeFunc func(Record)

// Gate parks workflow steps that need a human decision and resumes them
// when one arrives. Parking is non-blocking: no goroutine waits on a
// human; resolution calls back into the subscribed ResumeFunc.
type Gate struct {
	store    *Store
	log      *audit.Log
	notifier Notifier
	timeout  time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	resumers map[string]ResumeFunc
	now      func() time.Time
}

// NewGate builds a gate over the given store. Timeout is how long an
// approval may stay pending before the sweeper times it out; a timed-out
// approval is treated as denied. Notifier may be nil.
func NewGate(store *Store, log *audit.Log, notifier Notifier, timeout time.Duration, logger *slog.Logger) *Gate {
	return &Gate{
		store:    store,
		log:      log,
		notifier: notifier,
		timeout:  timeout,
		logger:   logger,
		resumers: make(map[string]ResumeFunc),
		now:      time.Now,
	}
}

// Request parks a step pending approval. The returned record carries the
// approval ID a human resolves against. The resume function fires exactly
// once, whichever of resolve, timeout, or cancel happens first.
func (g *Gate) Request(ctx context.Context, rec Record, resume ResumeFunc) (Record, error) {
	now := g.now()
	rec.ID = uuid.NewString()
	rec.Decision = Pending
	rec.CreatedAt = now
	rec.ExpiresAt = now.Add(g.timeout)

	if err := g.store.Create(rec); err != nil {
		return Record{}, err
	}

	if resume != nil {
		g.mu.Lock()
		g.resumers[rec.ID] = resume
		g.mu.Unlock()
	}

	err := g.log.Record(audit.Entry{
		WorkflowID:  rec.WorkflowID,
		Role:        string(model.RoleExecution),
		Event:       audit.EventApprovalRequested,
		Description: fmt.Sprintf("step %d parked for approval", rec.StepSeq),
		Status:      audit.StatusSuccess,
		Actor:       audit.ActorSystem,
		Action:      rec.Action,
		Target:      rec.Target,
		Reason:      rec.Reason,
		Details: map[string]string{
			"approval_id": rec.ID,
			"expires_at":  rec.ExpiresAt.UTC().Format(audit.TimestampFormat),
		},
	})
	if err != nil {
		return Record{}, err
	}

	if g.notifier != nil {
		g.notifier.NotifyEscalation(ctx, rec)
	}

	g.logger.Info("approval requested",
		"approval_id", rec.ID,
		"workflow_id", rec.WorkflowID,
		"action", rec.Action,
		"target", rec.Target)

	return rec, nil
}

// Resolve records a human (or system) decision on a pending approval.
// Only Approved and Denied are accepted from callers; timeouts and
// cancellations go through the sweeper and Cancel. The first resolution
// wins; a second returns ErrAlreadyResolved.
func (g *Gate) Resolve(id string, decision Resolution, actor, note string) (Record, error) {
	if decision != Approved && decision != Denied {
		return Record{}, fmt.Errorf("approval: resolution %q is not accepted here", decision)
	}
	if actor == "" {
		return Record{}, fmt.Errorf("approval: actor is required")
	}
	return g.finish(id, decision, actor, note)
}

// Pending lists all unresolved approvals.
func (g *Gate) Pending() ([]Record, error) {
	return g.store.Pending()
}

// Get returns one approval by ID.
func (g *Gate) Get(id string) (Record, error) {
	return g.store.Get(id)
}

// CancelWorkflow resolves every pending approval for a workflow as
// cancelled. Used when the workflow itself is cancelled.
func (g *Gate) CancelWorkflow(workflowID string) error {
	pending, err := g.store.PendingForWorkflow(workflowID)
	if err != nil {
		return err
	}
	for _, rec := range pending {
		if _, err := g.finish(rec.ID, Cancelled, audit.ActorSystem, "workflow cancelled"); err != nil {
			return err
		}
	}
	return nil
}

// Run sweeps for expired approvals until the context ends. Expired
// approvals resolve as timed out, which downstream treats as a denial.
func (g *Gate) Run(ctx context.Context) {
	ticker := time.NewTicker(g.sweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweep()
		}
	}
}

func (g *Gate) sweepInterval() time.Duration {
	interval := g.timeout / 10
	if interval < time.Second {
		interval = time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	return interval
}

func (g *Gate) sweep() {
	expired, err := g.store.ExpirePending(g.now())
	if err != nil {
		g.logger.Error("approval sweep failed", "error", err)
		return
	}
	for _, rec := range expired {
		g.afterResolve(rec)
	}
}

// finish applies a resolution, audits it, and fires the resume hook.
func (g *Gate) finish(id string, decision Resolution, actor, note string) (Record, error) {
	rec, err := g.store.Resolve(id, decision, actor, note, g.now())
	if err != nil {
		return Record{}, err
	}
	g.afterResolve(rec)
	return rec, nil
}

func (g *Gate) afterResolve(rec Record) {
	status := audit.StatusSuccess
	if rec.Decision != Approved {
		status = audit.StatusDenied
	}

	err := g.log.Record(audit.Entry{
		WorkflowID:  rec.WorkflowID,
		Role:        string(model.RoleSupervisor),
		Event:       audit.EventApprovalResolved,
		Description: fmt.Sprintf("step %d approval resolved", rec.StepSeq),
		Status:      status,
		Actor:       rec.ResolvedBy,
		Action:      rec.Action,
		Target:      rec.Target,
		Decision:    string(rec.Decision),
		Reason:      rec.Note,
		Details:     map[string]string{"approval_id": rec.ID},
	})
	if err != nil {
		g.logger.Error("failed to audit approval resolution", "approval_id", rec.ID, "error", err)
	}

	metrics.CountApproval(string(rec.Decision), rec.ResolvedBy != audit.ActorSystem)

	g.mu.Lock()
	resume := g.resumers[rec.ID]
	delete(g.resumers, rec.ID)
	g.mu.Unlock()

	if resume != nil {
		resume(rec)
	}

	g.logger.Info("approval resolved",
		"approval_id", rec.ID,
		"workflow_id", rec.WorkflowID,
		"decision", string(rec.Decision),
		"actor", rec.ResolvedBy)
}
