package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
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
	"github.com/ppiankov/runforge/internal/supervisor"
)

type fakeQuerier struct{ signals []model.Signal }

func (f *fakeQuerier) QuerySignals(ctx context.Context, target string, window time.Duration) ([]model.Signal, error) {
	return f.signals, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *Server) {
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

	now := time.Now().UTC()
	querier := &fakeQuerier{signals: []model.Signal{
		{Type: "restart_spike", Severity: model.SeverityHigh, Value: 14, Timestamp: now, Source: "prod/web"},
		{Type: "oom_kill", Severity: model.SeverityHigh, Value: 3, Timestamp: now, Source: "prod/web"},
		{Type: "memory_pressure", Severity: model.SeverityMedium, Value: 0.97, Timestamp: now, Source: "prod/web"},
	}}
	investigator := investigate.New(querier, nil, investigate.DefaultConfig(), logger)

	templates, err := plan.LoadTemplates("")
	if err != nil {
		t.Fatal(err)
	}
	planner := plan.New(catalog, cfg.Thresholds, templates, logger)
	executor := execute.New(enforcer, gate, execute.NewSimulatedRunner(0, logger), log, logger)
	sup := supervisor.New(investigator, planner, executor, gate, log, nil, supervisor.DefaultConfig(), logger)

	srv, err := New(sup, enforcer, Config{
		Address:         ":0",
		MetricsAddress:  ":0",
		GracefulTimeout: time.Second,
		AuditPath:       auditPath,
	}, logger)
	if err != nil {
		t.Fatal(err)
	}

	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return ts, srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/tasks", model.Task{IssueType: "pod_crash_loop", Target: "prod/web"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit: HTTP %d", resp.StatusCode)
	}
	state := decode[model.WorkflowState](t, resp)
	if state.Phase != model.PhaseAwaitingApproval {
		t.Fatalf("got phase %s", state.Phase)
	}

	// One approval is pending.
	resp, err := http.Get(ts.URL + "/api/v1/approvals")
	if err != nil {
		t.Fatal(err)
	}
	pending := decode[struct {
		Approvals []approval.Record `json:"approvals"`
	}](t, resp)
	if len(pending.Approvals) != 1 {
		t.Fatalf("expected 1 pending approval, got %d", len(pending.Approvals))
	}
	id := pending.Approvals[0].ID

	resp = postJSON(t, ts.URL+"/api/v1/approvals/"+id+"/resolve",
		resolveRequest{Decision: "approved", Actor: "alice", Note: "reviewed"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve: HTTP %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Second resolve conflicts.
	resp = postJSON(t, ts.URL+"/api/v1/approvals/"+id+"/resolve",
		resolveRequest{Decision: "denied", Actor: "bob"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second resolve: HTTP %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Workflow settles to completed.
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(ts.URL + "/api/v1/workflows/" + state.WorkflowID)
		if err != nil {
			t.Fatal(err)
		}
		got := decode[model.WorkflowState](t, resp)
		if got.Phase == model.PhaseCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("workflow stuck in %s", got.Phase)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestAuditEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/tasks", model.Task{IssueType: "cache_degraded", Target: "prod/cache"})
	state := decode[model.WorkflowState](t, resp)

	resp, err := http.Get(ts.URL + "/api/v1/audit?workflow_id=" + state.WorkflowID)
	if err != nil {
		t.Fatal(err)
	}
	result := decode[audit.QueryResult](t, resp)
	if result.Summary.Total == 0 {
		t.Fatal("expected audit entries for the workflow")
	}

	resp, err = http.Get(ts.URL + "/api/v1/audit/verify")
	if err != nil {
		t.Fatal(err)
	}
	verify := decode[audit.VerifyResult](t, resp)
	if !verify.Valid {
		t.Fatalf("audit chain invalid: %s", verify.Error)
	}
}

func TestCheckEndpointIsSideEffectFree(t *testing.T) {
	ts, _ := newTestServer(t)

	for i := 0; i < 5; i++ {
		resp := postJSON(t, ts.URL+"/api/v1/check", checkRequest{
			Role:       "execution",
			Action:     "rotate_credentials",
			Target:     "prod/web",
			Confidence: 0.95,
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("check: HTTP %d", resp.StatusCode)
		}
		body := decode[map[string]any](t, resp)
		if body["decision"] != "allow" {
			t.Fatalf("check %d: %v", i, body["decision"])
		}
	}

	// Dry runs wrote nothing to the audit log.
	resp, err := http.Get(ts.URL + "/api/v1/audit")
	if err != nil {
		t.Fatal(err)
	}
	result := decode[audit.QueryResult](t, resp)
	if result.Summary.Total != 0 {
		t.Fatalf("expected empty audit log, got %d entries", result.Summary.Total)
	}
}

func TestUnknownWorkflowAndApproval(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/workflows/wf-missing")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("workflow: HTTP %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/api/v1/approvals/missing/resolve",
		resolveRequest{Decision: "approved", Actor: "alice"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("approval: HTTP %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCancelOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/tasks", model.Task{IssueType: "pod_crash_loop", Target: "prod/web"})
	state := decode[model.WorkflowState](t, resp)

	resp = postJSON(t, ts.URL+"/api/v1/workflows/"+state.WorkflowID+"/cancel", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel: HTTP %d", resp.StatusCode)
	}
	got := decode[model.WorkflowState](t, resp)
	if got.Phase != model.PhaseFailed || got.Reason != "cancelled" {
		t.Fatalf("got %s/%s", got.Phase, got.Reason)
	}

	// Cancelling again conflicts.
	resp = postJSON(t, ts.URL+"/api/v1/workflows/"+state.WorkflowID+"/cancel", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second cancel: HTTP %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("HTTP %d", resp.StatusCode)
	}
}
