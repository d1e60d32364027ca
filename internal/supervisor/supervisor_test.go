package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/ppiankov/runforge/internal/approval"
	"github.com/ppiankov/runforge/internal/audit"
	"github.com/ppiankov/runforge/internal/execute"
	"github.com/ppiankov/runforge/internal/guardrail"
	"github.com/ppiankov/runforge/internal/investigate"
	"github.com/ppiankov/runforge/internal/model"
	"github.com/ppiankov/runforge/internal/plan"
)

type fakeQuerier struct {
	signals []model.Signal
	err     error
}

func (f *fakeQuerier) QuerySignals(ctx context.Context, target string, window time.Duration) ([]model.Signal, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.signals, nil
}

func crashLoopSignals() []model.Signal {
	now := time.Now().UTC()
	return []model.Signal{
		{Type: "restart_spike", Severity: model.SeverityHigh, Value: 14, Timestamp: now, Source: "prod/web"},
		{Type: "oom_kill", Severity: model.SeverityHigh, Value: 3, Timestamp: now, Source: "prod/web"},
		{Type: "memory_pressure", Severity: model.SeverityMedium, Value: 0.97, Timestamp: now, Source: "prod/web"},
	}
}

type harness struct {
	sup       *Supervisor
	gate      *approval.Gate
	auditPath string
}

func newHarness(t *testing.T, querier investigate.Querier) *harness {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	auditPath := filepath.Join(dir, "audit.jsonl")
	log, err := audit.Open(auditPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { log.Close() })

	catalog := guardrail.NewCatalog()
	cfg, hash, err := guardrail.LoadConfigWithHash("", catalog)
	if err != nil {
		t.Fatal(err)
	}
	enforcer := guardrail.NewEnforcer(cfg, hash, catalog, log)

	store, err := approval.OpenStore(filepath.Join(dir, "approvals.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	gate := approval.NewGate(store, log, nil, time.Minute, logger)

	invCfg := investigate.DefaultConfig()
	invCfg.Deadline = 300 * time.Millisecond
	invCfg.MaxRetryInterval = 50 * time.Millisecond
	investigator := investigate.New(querier, nil, invCfg, logger)

	templates, err := plan.LoadTemplates("")
	if err != nil {
		t.Fatal(err)
	}
	planner := plan.New(catalog, cfg.Thresholds, templates, logger)

	runner := execute.NewSimulatedRunner(0, logger)
	executor := execute.New(enforcer, gate, runner, log, logger)

	sup := New(investigator, planner, executor, gate, log, nil, DefaultConfig(), logger)
	return &harness{sup: sup, gate: gate, auditPath: auditPath}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestCrashLoopScenarioCompletesAfterApproval(t *testing.T) {
	h := newHarness(t, &fakeQuerier{signals: crashLoopSignals()})
	task := model.Task{IssueType: "pod_crash_loop", Target: "prod/web"}

	state, err := h.sup.Handle(context.Background(), task)
	if err != nil {
		t.Fatal(err)
	}
	if state.Phase != model.PhaseAwaitingApproval {
		t.Fatalf("got phase %s, want awaiting_approval", state.Phase)
	}
	if state.Investigation.Confidence != 0.95 {
		t.Fatalf("got confidence %v, want 0.95", state.Investigation.Confidence)
	}
	if state.Report.StepsExecuted != 1 || state.Report.StepsAwaitingApproval != 1 {
		t.Fatalf("unexpected report: %+v", state.Report)
	}

	pending, err := h.sup.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Action != "increase_memory_limit" {
		t.Fatalf("unexpected pending approvals: %+v", pending)
	}

	if _, err := h.sup.Resolve(pending[0].ID, approval.Approved, "alice", "quota change reviewed"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 5*time.Second, func() bool {
		got, err := h.sup.Get(state.WorkflowID)
		return err == nil && got.Phase == model.PhaseCompleted
	})

	final, err := h.sup.Get(state.WorkflowID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Outcome != "completed" {
		t.Fatalf("got outcome %q", final.Outcome)
	}
	if final.Report.StepsExecuted != 3 {
		t.Fatalf("unexpected final report: %+v", final.Report)
	}
	for _, step := range final.Plan.Steps {
		if step.Status != model.StepExecuted {
			t.Fatalf("step %d: %s", step.Seq, step.Status)
		}
	}
}

func TestEachPlanStepGetsExactlyOneGuardrailDecision(t *testing.T) {
	h := newHarness(t, &fakeQuerier{signals: crashLoopSignals()})
	task := model.Task{IssueType: "pod_crash_loop", Target: "prod/web"}

	state, err := h.sup.Handle(context.Background(), task)
	if err != nil {
		t.Fatal(err)
	}
	pending, _ := h.sup.Pending()
	h.sup.Resolve(pending[0].ID, approval.Approved, "alice", "")

	waitFor(t, 5*time.Second, func() bool {
		got, _ := h.sup.Get(state.WorkflowID)
		return got.Phase.Terminal()
	})

	res, err := audit.Query(h.auditPath, audit.Filter{WorkflowID: state.WorkflowID})
	if err != nil {
		t.Fatal(err)
	}
	decisions := 0
	for _, e := range res.Entries {
		if e.Event == audit.EventGuardrailDecision {
			decisions++
		}
	}
	final, _ := h.sup.Get(state.WorkflowID)
	if decisions != len(final.Plan.Steps) {
		t.Fatalf("expected %d guardrail decisions, got %d", len(final.Plan.Steps), decisions)
	}

	chain := audit.Verify(h.auditPath)
	if !chain.Valid {
		t.Fatalf("audit chain invalid at line %d: %s", chain.ErrorLine, chain.Error)
	}
}

func TestUnreachableDiagnosticsFailsWorkflow(t *testing.T) {
	h := newHarness(t, &fakeQuerier{err: errors.New("connection refused")})
	task := model.Task{IssueType: "pod_crash_loop", Target: "prod/web"}

	state, err := h.sup.Handle(context.Background(), task)
	if err != nil {
		t.Fatal(err)
	}
	if state.Phase != model.PhaseFailed {
		t.Fatalf("got phase %s, want failed", state.Phase)
	}
	if state.Reason != ReasonInvestigationUnavailable {
		t.Fatalf("got reason %q, want %q", state.Reason, ReasonInvestigationUnavailable)
	}
	if state.Plan != nil {
		t.Fatal("no plan should exist for a failed investigation")
	}
}

func TestDeniedApprovalStillCompletesWorkflow(t *testing.T) {
	h := newHarness(t, &fakeQuerier{signals: crashLoopSignals()})
	task := model.Task{IssueType: "pod_crash_loop", Target: "prod/web"}

	state, err := h.sup.Handle(context.Background(), task)
	if err != nil {
		t.Fatal(err)
	}
	pending, _ := h.sup.Pending()
	if _, err := h.sup.Resolve(pending[0].ID, approval.Denied, "alice", "not in business hours"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 5*time.Second, func() bool {
		got, _ := h.sup.Get(state.WorkflowID)
		return got.Phase.Terminal()
	})

	final, _ := h.sup.Get(state.WorkflowID)
	if final.Phase != model.PhaseCompleted {
		t.Fatalf("got phase %s, want completed", final.Phase)
	}
	if final.Report.StepsDenied != 1 || final.Report.StepsSkipped != 1 {
		t.Fatalf("unexpected report: %+v", final.Report)
	}

	// Every step's terminal outcome is audited exactly once.
	res, err := audit.Query(h.auditPath, audit.Filter{WorkflowID: state.WorkflowID})
	if err != nil {
		t.Fatal(err)
	}
	outcomes := 0
	for _, e := range res.Entries {
		if e.Event == audit.EventStepOutcome {
			outcomes++
		}
	}
	if outcomes != len(final.Plan.Steps) {
		t.Fatalf("expected %d step outcome entries, got %d", len(final.Plan.Steps), outcomes)
	}
}

func TestCancelSkipsStepsAndCancelsApprovals(t *testing.T) {
	h := newHarness(t, &fakeQuerier{signals: crashLoopSignals()})
	task := model.Task{IssueType: "pod_crash_loop", Target: "prod/web"}

	state, err := h.sup.Handle(context.Background(), task)
	if err != nil {
		t.Fatal(err)
	}
	if state.Phase != model.PhaseAwaitingApproval {
		t.Fatalf("got phase %s", state.Phase)
	}

	cancelled, err := h.sup.Cancel(state.WorkflowID)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Phase != model.PhaseFailed || cancelled.Reason != ReasonCancelled {
		t.Fatalf("got phase %s reason %q", cancelled.Phase, cancelled.Reason)
	}

	pending, err := h.sup.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending approvals, got %d", len(pending))
	}
	for _, step := range cancelled.Plan.Steps {
		if !step.Status.Terminal() {
			t.Fatalf("step %d left in %s", step.Seq, step.Status)
		}
	}

	if _, err := h.sup.Cancel(state.WorkflowID); err == nil {
		t.Fatal("cancelling a terminal workflow should error")
	}
}

func TestHandleRejectsInvalidTask(t *testing.T) {
	h := newHarness(t, &fakeQuerier{signals: crashLoopSignals()})

	if _, err := h.sup.Handle(context.Background(), model.Task{IssueType: "", Target: "x"}); err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := h.sup.Handle(context.Background(), model.Task{IssueType: "x", Target: ""}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestGetUnknownWorkflow(t *testing.T) {
	h := newHarness(t, &fakeQuerier{signals: crashLoopSignals()})
	if _, err := h.sup.Get("wf-nope"); !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("got %v", err)
	}
}

func TestIllegalTransitionsAreRejected(t *testing.T) {
	cases := []struct {
		from, to model.Phase
		legal    bool
	}{
		{model.PhaseReceived, model.PhaseInvestigating, true},
		{model.PhaseReceived, model.PhaseExecuting, false},
		{model.PhaseInvestigating, model.PhaseCompleted, false},
		{model.PhaseExecuting, model.PhaseAwaitingApproval, true},
		{model.PhaseAwaitingApproval, model.PhaseExecuting, true},
		{model.PhaseCompleted, model.PhaseExecuting, false},
		{model.PhaseFailed, model.PhaseInvestigating, false},
	}
	for _, tc := range cases {
		if got := canTransition(tc.from, tc.to); got != tc.legal {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.legal)
		}
	}
}

func TestListReturnsNewestFirst(t *testing.T) {
	h := newHarness(t, &fakeQuerier{signals: crashLoopSignals()})

	for i := 0; i < 3; i++ {
		if _, err := h.sup.Handle(context.Background(), model.Task{IssueType: "cache_degraded", Target: "prod/cache"}); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	list := h.sup.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 workflows, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i].CreatedAt.After(list[i-1].CreatedAt) {
			t.Fatal("list not sorted newest first")
		}
	}
}
