package supervisor

import (
	"fmt"

	"github.com/ppiankov/runforge/internal/model"
)

// legalTransitions is the workflow state machine. A transition absent here
// is a bug in the orchestrator, not an expected runtime condition.
var legalTransitions = map[model.Phase][]model.Phase{
	model.PhaseReceived:         {model.PhaseInvestigating},
	model.PhaseInvestigating:    {model.PhasePlanning, model.PhaseFailed},
	model.PhasePlanning:         {model.PhaseExecuting, model.PhaseFailed},
	model.PhaseExecuting:        {model.PhaseAwaitingApproval, model.PhaseCompleted, model.PhaseFailed},
	model.PhaseAwaitingApproval: {model.PhaseExecuting, model.PhaseFailed},
}

func canTransition(from, to model.Phase) bool {
	for _, p := range legalTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// Reasons recorded on failed workflows.
const (
	ReasonInvestigationUnavailable = "investigation_unavailable"
	ReasonPlanningFailed           = "planning_failed"
	ReasonExecutionFailed          = "execution_failed"
	ReasonCancelled                = "cancelled"
)

func transitionError(from, to model.Phase) error {
	return fmt.Errorf("illegal phase transition %s -> %s", from, to)
}
