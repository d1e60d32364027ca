package investigate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ppiankov/runforge/internal/metrics"
	"github.com/ppiankov/runforge/internal/model"
)

// Config holds investigation behavior parameters.
type Config struct {
	// SignalWindow is how far back to query diagnostic signals.
	SignalWindow time.Duration
	// Deadline bounds one investigation, retries included.
	Deadline time.Duration
	// MaxRetryInterval caps the backoff between source retries.
	MaxRetryInterval time.Duration
}

// DefaultConfig returns investigation defaults.
func DefaultConfig() Config {
	return Config{
		SignalWindow:     15 * time.Minute,
		Deadline:         2 * time.Minute,
		MaxRetryInterval: 10 * time.Second,
	}
}

// Investigator diagnoses a task by querying diagnostic signals and matching
// them against the pattern library. An optional Analyzer refines the
// rule-based diagnosis with an LLM; its failure never fails the
// investigation.
type Investigator struct {
	source   Querier
	analyzer *Analyzer
	cfg      Config
	logger   *slog.Logger
}

// New builds an investigator. analyzer may be nil.
func New(source Querier, analyzer *Analyzer, cfg Config, logger *slog.Logger) *Investigator {
	return &Investigator{
		source:   source,
		analyzer: analyzer,
		cfg:      cfg,
		logger:   logger,
	}
}

// Investigate runs the investigation for one task. Source queries retry
// with exponential backoff under a hard deadline; if the source stays
// unreachable the error wraps ErrUnavailable.
func (inv *Investigator) Investigate(ctx context.Context, task model.Task) (*model.InvestigationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, inv.cfg.Deadline)
	defer cancel()

	signals, err := inv.querySignals(ctx, task.Target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	result, err := Classify(task, signals)
	if err != nil {
		return nil, err
	}

	if inv.analyzer != nil {
		refined, err := inv.analyzer.Refine(ctx, task, signals, result)
		if err != nil {
			inv.logger.Warn("analyzer refinement failed, keeping rule-based diagnosis",
				"target", task.Target, "error", err)
		} else {
			result = refined
		}
	}

	metrics.ObserveConfidence(result.Confidence)
	inv.logger.Info("investigation complete",
		"target", task.Target,
		"issue_type", task.IssueType,
		"recommended_action", result.RecommendedAction,
		"confidence", result.Confidence,
		"signals", len(signals))

	return result, nil
}

func (inv *Investigator) querySignals(ctx context.Context, target string) ([]model.Signal, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	// A first interval longer than the retry cap would blow the deadline
	// before a single retry fits.
	if inv.cfg.MaxRetryInterval < bo.InitialInterval {
		bo.InitialInterval = inv.cfg.MaxRetryInterval
	}
	bo.MaxInterval = inv.cfg.MaxRetryInterval
	bo.MaxElapsedTime = inv.cfg.Deadline

	var signals []model.Signal
	err := backoff.Retry(func() error {
		var err error
		signals, err = inv.source.QuerySignals(ctx, target, inv.cfg.SignalWindow)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			inv.logger.Warn("signal query failed, retrying", "target", target, "error", err)
			return err
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, err
	}
	return signals, nil
}
