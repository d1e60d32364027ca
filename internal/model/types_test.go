package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewInvestigationResultRejectsOutOfRangeConfidence(t *testing.T) {
	cases := []struct {
		name       string
		confidence float64
		wantErr    bool
	}{
		{"zero", 0.0, false},
		{"one", 1.0, false},
		{"mid", 0.75, false},
		{"negative", -0.01, true},
		{"above_one", 1.01, true},
		{"large", 42.0, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewInvestigationResult(nil, tc.confidence, "restart_pod", nil)
			if tc.wantErr && err == nil {
				t.Fatalf("confidence %v: expected error, got nil", tc.confidence)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("confidence %v: unexpected error: %v", tc.confidence, err)
			}
		})
	}
}

func TestStepStatusTerminal(t *testing.T) {
	terminal := []StepStatus{StepExecuted, StepDenied, StepFailed, StepSkipped}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	open := []StepStatus{StepPending, StepPendingApproval, StepApproved}
	for _, s := range open {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestPhaseTerminal(t *testing.T) {
	if !PhaseCompleted.Terminal() || !PhaseFailed.Terminal() {
		t.Fatal("completed and failed must be terminal")
	}
	for _, p := range []Phase{PhaseReceived, PhaseInvestigating, PhasePlanning, PhaseExecuting, PhaseAwaitingApproval} {
		if p.Terminal() {
			t.Errorf("%s should not be terminal", p)
		}
	}
}

func TestTaskValidate(t *testing.T) {
	if err := (Task{IssueType: "pod_crash_loop", Target: "ns/pod-x"}).Validate(); err != nil {
		t.Fatalf("valid task rejected: %v", err)
	}
	if err := (Task{Target: "ns/pod-x"}).Validate(); err == nil {
		t.Fatal("missing issue_type accepted")
	}
	if err := (Task{IssueType: "pod_crash_loop"}).Validate(); err == nil {
		t.Fatal("missing target accepted")
	}
}

func TestPlanJSONRoundTripPreservesOrderingAndSeverities(t *testing.T) {
	p := &Plan{
		PlanID:      "plan-1",
		CreatedFrom: "wf-1",
		CreatedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Steps: []PlanStep{
			{Seq: 1, Action: "collect_diagnostics", Target: "ns/pod-x", Severity: SeverityReadonly, Status: StepPending},
			{Seq: 2, Action: "increase_memory_limit", Target: "ns/pod-x", Severity: SeverityMedium, RequiresApproval: true, DependsOn: []int{1}, Status: StepPending},
			{Seq: 3, Action: "restart_pod", Target: "ns/pod-x", Severity: SeverityLow, DependsOn: []int{2}, Status: StepPending},
		},
	}

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got Plan
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if len(got.Steps) != len(p.Steps) {
		t.Fatalf("expected %d steps, got %d", len(p.Steps), len(got.Steps))
	}
	for i := range p.Steps {
		if got.Steps[i].Seq != p.Steps[i].Seq {
			t.Errorf("step %d: seq %d != %d", i, got.Steps[i].Seq, p.Steps[i].Seq)
		}
		if got.Steps[i].Severity != p.Steps[i].Severity {
			t.Errorf("step %d: severity %s != %s", i, got.Steps[i].Severity, p.Steps[i].Severity)
		}
		if got.Steps[i].RequiresApproval != p.Steps[i].RequiresApproval {
			t.Errorf("step %d: requires_approval mismatch", i)
		}
	}
}

func TestPlanSettled(t *testing.T) {
	p := &Plan{Steps: []PlanStep{
		{Seq: 1, Status: StepExecuted},
		{Seq: 2, Status: StepPendingApproval},
	}}
	if p.Settled() {
		t.Fatal("plan with pending approval reported settled")
	}
	p.Steps[1].Status = StepDenied
	if !p.Settled() {
		t.Fatal("fully terminal plan reported unsettled")
	}
}

func TestCountSteps(t *testing.T) {
	p := &Plan{Steps: []PlanStep{
		{Seq: 1, Status: StepExecuted},
		{Seq: 2, Status: StepDenied},
		{Seq: 3, Status: StepSkipped},
		{Seq: 4, Status: StepFailed},
		{Seq: 5, Status: StepPendingApproval},
	}}
	r := CountSteps(p)
	if r.StepsExecuted != 1 || r.StepsDenied != 1 || r.StepsSkipped != 1 || r.StepsFailed != 1 || r.StepsAwaitingApproval != 1 {
		t.Fatalf("unexpected report: %+v", r)
	}
}
