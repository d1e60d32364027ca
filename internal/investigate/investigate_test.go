package investigate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ppiankov/runforge/internal/model"
)

type fakeQuerier struct {
	signals []model.Signal
	err     error
	calls   atomic.Int32
}

func (f *fakeQuerier) QuerySignals(ctx context.Context, target string, window time.Duration) ([]model.Signal, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.signals, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func crashLoopSignals() []model.Signal {
	now := time.Now().UTC()
	return []model.Signal{
		{Type: "restart_spike", Severity: model.SeverityHigh, Value: 14, Timestamp: now, Source: "prod/web"},
		{Type: "oom_kill", Severity: model.SeverityHigh, Value: 3, Timestamp: now, Source: "prod/web"},
		{Type: "memory_pressure", Severity: model.SeverityMedium, Value: 0.97, Timestamp: now, Source: "prod/web"},
	}
}

func TestClassifyCrashLoopWithFullCorroboration(t *testing.T) {
	task := model.Task{IssueType: "pod_crash_loop", Target: "prod/web"}

	result, err := Classify(task, crashLoopSignals())
	if err != nil {
		t.Fatal(err)
	}
	if result.RecommendedAction != "increase_memory_limit" {
		t.Fatalf("got action %q, want increase_memory_limit", result.RecommendedAction)
	}
	if result.Confidence != 0.95 {
		t.Fatalf("got confidence %v, want 0.95", result.Confidence)
	}
	if len(result.Findings) != 3 {
		t.Fatalf("expected 3 findings, got %d: %v", len(result.Findings), result.Findings)
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	task := model.Task{IssueType: "pod_crash_loop", Target: "prod/web"}
	signals := crashLoopSignals()

	first, err := Classify(task, signals)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		again, err := Classify(task, signals)
		if err != nil {
			t.Fatal(err)
		}
		if again.Confidence != first.Confidence || again.RecommendedAction != first.RecommendedAction {
			t.Fatalf("run %d diverged: %+v vs %+v", i, again, first)
		}
	}
}

func TestClassifyMissingPrimarySignalLowersConfidence(t *testing.T) {
	task := model.Task{IssueType: "pod_crash_loop", Target: "prod/web"}
	signals := []model.Signal{
		{Type: "latency_spike", Severity: model.SeverityLow, Value: 1.2},
	}

	result, err := Classify(task, signals)
	if err != nil {
		t.Fatal(err)
	}
	if result.Confidence != uncorroboratedConfidence {
		t.Fatalf("got confidence %v, want %v", result.Confidence, uncorroboratedConfidence)
	}
	if result.RecommendedAction != "collect_diagnostics" {
		t.Fatalf("got action %q, want collect_diagnostics", result.RecommendedAction)
	}
}

func TestClassifyUnknownIssueType(t *testing.T) {
	task := model.Task{IssueType: "gremlins", Target: "prod/web"}

	result, err := Classify(task, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Confidence != uncorroboratedConfidence || result.RecommendedAction != "collect_diagnostics" {
		t.Fatalf("unexpected diagnosis for unknown issue: %+v", result)
	}
}

func TestClassifyConfidenceIsCapped(t *testing.T) {
	for _, p := range patternLibrary {
		max := p.BaseConfidence + float64(len(p.Corroborating))*confidenceStep
		if max > 1.0 && confidenceCap >= 1.0 {
			t.Fatalf("pattern with action %q can exceed confidence 1.0", p.RecommendedAction)
		}
	}
}

func TestInvestigateReturnsUnavailableWhenSourceIsDown(t *testing.T) {
	source := &fakeQuerier{err: errors.New("connection refused")}
	cfg := DefaultConfig()
	cfg.Deadline = 300 * time.Millisecond
	cfg.MaxRetryInterval = 50 * time.Millisecond

	inv := New(source, nil, cfg, discardLogger())
	_, err := inv.Investigate(context.Background(), model.Task{IssueType: "pod_crash_loop", Target: "prod/web"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable", err)
	}
	if source.calls.Load() < 2 {
		t.Fatalf("expected retries before giving up, got %d calls", source.calls.Load())
	}
}

func TestInvestigateUsesSignals(t *testing.T) {
	source := &fakeQuerier{signals: crashLoopSignals()}
	inv := New(source, nil, DefaultConfig(), discardLogger())

	result, err := inv.Investigate(context.Background(), model.Task{IssueType: "pod_crash_loop", Target: "prod/web"})
	if err != nil {
		t.Fatal(err)
	}
	if result.RecommendedAction != "increase_memory_limit" {
		t.Fatalf("got action %q", result.RecommendedAction)
	}
	if len(result.AffectedComponents) == 0 || result.AffectedComponents[0] != "prod/web" {
		t.Fatalf("target missing from affected components: %v", result.AffectedComponents)
	}
}

func TestAnalyzerFailureKeepsRuleBasedResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	source := &fakeQuerier{signals: crashLoopSignals()}
	analyzer := NewAnalyzer(AnalyzerConfig{APIURL: srv.URL, Model: "test", Timeout: time.Second})
	inv := New(source, analyzer, DefaultConfig(), discardLogger())

	result, err := inv.Investigate(context.Background(), model.Task{IssueType: "pod_crash_loop", Target: "prod/web"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Confidence != 0.95 {
		t.Fatalf("rule-based result not preserved: %+v", result)
	}
}

func TestAnalyzerCannotSwapRecommendedAction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"choices": []any{
				map[string]any{
					"message": map[string]any{
						"content": `{"findings":["memory exhaustion confirmed"],"confidence":0.9,"recommended_action":"delete_namespace","affected_components":["prod/web"]}`,
					},
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		if err := writeJSON(w, resp); err != nil {
			t.Error(err)
		}
	}))
	defer srv.Close()

	analyzer := NewAnalyzer(AnalyzerConfig{APIURL: srv.URL, Model: "test", Timeout: time.Second})
	base, _ := model.NewInvestigationResult([]string{"base"}, 0.95, "increase_memory_limit", []string{"prod/web"})

	refined, err := analyzer.Refine(context.Background(),
		model.Task{IssueType: "pod_crash_loop", Target: "prod/web"}, crashLoopSignals(), base)
	if err != nil {
		t.Fatal(err)
	}
	if refined.RecommendedAction != "increase_memory_limit" {
		t.Fatalf("analyzer swapped action to %q", refined.RecommendedAction)
	}
	if refined.Confidence != 0.9 {
		t.Fatalf("refined confidence not applied: %v", refined.Confidence)
	}
}

func TestAnalyzerStripsMarkdownFences(t *testing.T) {
	raw := "```json\n{\"findings\":[\"x\"]}\n```"
	if got := cleanJSON(raw); got != `{"findings":["x"]}` {
		t.Fatalf("cleanJSON: %q", got)
	}
}

func writeJSON(w http.ResponseWriter, v any) error {
	return json.NewEncoder(w).Encode(v)
}
