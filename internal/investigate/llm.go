package investigate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ppiankov/runforge/internal/model"
)

// AnalyzerConfig holds parameters for LLM-based diagnosis refinement.
type AnalyzerConfig struct {
	APIURL    string
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// Analyzer refines a rule-based diagnosis with an OpenAI-compatible LLM.
type Analyzer struct {
	cfg AnalyzerConfig
}

// NewAnalyzer returns an analyzer, or nil when no API URL is configured.
func NewAnalyzer(cfg AnalyzerConfig) *Analyzer {
	if cfg.APIURL == "" {
		return nil
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 600
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Analyzer{cfg: cfg}
}

const refineSystemPrompt = `You are a site reliability diagnosis assistant. You receive an issue type, raw diagnostic signals, and a preliminary rule-based diagnosis. Refine the diagnosis.

Rules:
- Keep recommended_action unchanged unless the signals clearly contradict it.
- confidence is a number in [0,1]; lower it if signals are ambiguous, never raise it above the evidence.
- findings is a short list of plain statements grounded in the signals.

Return ONLY valid JSON, no markdown fences, no commentary:
{"findings":["..."],"confidence":0.0,"recommended_action":"...","affected_components":["..."]}`

type refineResponse struct {
	Findings           []string `json:"findings"`
	Confidence         float64  `json:"confidence"`
	RecommendedAction  string   `json:"recommended_action"`
	AffectedComponents []string `json:"affected_components"`
}

// Refine sends the preliminary diagnosis and signals to the LLM and returns
// the refined result. Parse or transport failures return an error; callers
// keep the rule-based diagnosis in that case.
func (a *Analyzer) Refine(ctx context.Context, task model.Task, signals []model.Signal, base *model.InvestigationResult) (*model.InvestigationResult, error) {
	evidence, _ := json.Marshal(map[string]interface{}{
		"issue_type":  task.IssueType,
		"target":      task.Target,
		"signals":     signals,
		"preliminary": base,
	})

	messages := []map[string]string{
		{"role": "system", "content": refineSystemPrompt},
		{"role": "user", "content": string(evidence)},
	}

	body, _ := json.Marshal(map[string]interface{}{
		"model":       a.cfg.Model,
		"messages":    messages,
		"max_tokens":  a.cfg.MaxTokens,
		"temperature": 0,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: a.cfg.Timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refine request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("refine HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil || len(result.Choices) == 0 {
		return nil, fmt.Errorf("empty refine response")
	}

	raw := cleanJSON(result.Choices[0].Message.Content)
	var rr refineResponse
	if err := json.Unmarshal([]byte(raw), &rr); err != nil {
		return nil, fmt.Errorf("cannot parse refine response: %s", truncate(raw, 200))
	}

	// The LLM must not invent a different remediation path.
	if rr.RecommendedAction != base.RecommendedAction {
		rr.RecommendedAction = base.RecommendedAction
	}
	if len(rr.Findings) == 0 {
		rr.Findings = base.Findings
	}
	if len(rr.AffectedComponents) == 0 {
		rr.AffectedComponents = base.AffectedComponents
	}

	return model.NewInvestigationResult(rr.Findings, rr.Confidence, rr.RecommendedAction, rr.AffectedComponents)
}

// cleanJSON strips markdown fences and leading/trailing whitespace.
func cleanJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
