package plan

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/runforge/internal/guardrail"
	"github.com/ppiankov/runforge/internal/model"
)

// Error is a planning failure. Planning does not retry: a template gap or
// an unregistered action is a configuration problem, not a transient one.
type Error struct {
	Action string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("planning failed for action %q: %v", e.Action, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Planner expands an investigation result into an ordered remediation plan.
// Expansion is deterministic: the same diagnosis always yields the same
// steps in the same order.
type Planner struct {
	catalog    *guardrail.Catalog
	thresholds guardrail.Thresholds
	templates  map[string][]StepTemplate
	logger     *slog.Logger
}

// New builds a planner over the action catalog and template library.
func New(catalog *guardrail.Catalog, thresholds guardrail.Thresholds, templates map[string][]StepTemplate, logger *slog.Logger) *Planner {
	return &Planner{
		catalog:    catalog,
		thresholds: thresholds,
		templates:  templates,
		logger:     logger,
	}
}

// Build expands the template for the diagnosis into a plan. Step severity
// comes from the catalog; RequiresApproval is advisory and the guardrail
// re-decides at execution time.
func (p *Planner) Build(workflowID string, task model.Task, inv *model.InvestigationResult) (*model.Plan, error) {
	tmpl, ok := p.templates[inv.RecommendedAction]
	if !ok {
		return nil, &Error{
			Action: inv.RecommendedAction,
			Err:    fmt.Errorf("no remediation template"),
		}
	}

	plan := &model.Plan{
		PlanID:      uuid.NewString(),
		CreatedFrom: workflowID,
		CreatedAt:   time.Now().UTC(),
		Steps:       make([]model.PlanStep, 0, len(tmpl)),
	}

	for i, st := range tmpl {
		spec, err := p.catalog.Require(st.Action)
		if err != nil {
			return nil, &Error{Action: st.Action, Err: err}
		}

		step := model.PlanStep{
			Seq:              i + 1,
			Action:           st.Action,
			Target:           task.Target,
			Params:           cloneParams(st.Params),
			Severity:         spec.Severity,
			RequiresApproval: p.needsApproval(spec, inv.Confidence),
			Status:           model.StepPending,
		}
		if st.DependsOnPrev && i > 0 {
			step.DependsOn = []int{i}
		}
		plan.Steps = append(plan.Steps, step)
	}

	p.logger.Info("plan built",
		"workflow_id", workflowID,
		"plan_id", plan.PlanID,
		"recommended_action", inv.RecommendedAction,
		"steps", len(plan.Steps))

	return plan, nil
}

func (p *Planner) needsApproval(spec guardrail.ActionSpec, confidence float64) bool {
	if spec.Severity == model.SeverityCritical || spec.RequiresApproval {
		return true
	}
	return confidence < p.thresholds.For(spec.Severity)
}

func cloneParams(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
