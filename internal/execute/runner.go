package execute

import (
	"context"
	"log/slog"
	"time"

	"github.com/ppiankov/runforge/internal/model"
)

// Runner dispatches one plan step against the infrastructure.
type Runner interface {
	Run(ctx context.Context, step model.PlanStep) error
}

// SimulatedRunner executes steps against nothing, with a fixed latency.
// Used for dry runs and local development; production deployments plug in
// a real dispatcher.
type SimulatedRunner struct {
	Latency time.Duration
	logger  *slog.Logger
}

// NewSimulatedRunner returns a runner that pretends every action succeeds.
func NewSimulatedRunner(latency time.Duration, logger *slog.Logger) *SimulatedRunner {
	return &SimulatedRunner{Latency: latency, logger: logger}
}

func (r *SimulatedRunner) Run(ctx context.Context, step model.PlanStep) error {
	if r.Latency > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.Latency):
		}
	}
	r.logger.Info("simulated action",
		"action", step.Action,
		"target", step.Target,
		"seq", step.Seq)
	return nil
}
