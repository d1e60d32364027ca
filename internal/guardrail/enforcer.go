package guardrail

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/ppiankov/runforge/internal/audit"
	"github.com/ppiankov/runforge/internal/metrics"
	"github.com/ppiankov/runforge/internal/model"
)

// Request is one authorization question: may this role perform this action
// on this target, given the investigation's confidence in the diagnosis.
type Request struct {
	WorkflowID string
	Role       model.Role
	Action     string
	Target     string
	Confidence float64
}

// Result is the guardrail's answer. Severity is the catalog severity of the
// action; Reason explains deny and require_approval outcomes.
type Result struct {
	Decision   model.Decision
	Reason     string
	Severity   model.Severity
	PolicyHash string
}

// Enforcer applies the guardrail policy to authorization requests.
// Checks run in a fixed order: allowlist (default deny), then confidence
// escalation, then rate limit. A rate limit deny wins over an escalation,
// so a flood of low-confidence requests cannot pile up approval queues.
type Enforcer struct {
	catalog *Catalog
	limiter *Limiter
	log     *audit.Log

	mu         sync.RWMutex
	cfg        *PolicyConfig
	policyHash string
}

// NewEnforcer builds an enforcer over the given policy. The audit log is
// required: every live authorization writes exactly one entry.
func NewEnforcer(cfg *PolicyConfig, policyHash string, catalog *Catalog, log *audit.Log) *Enforcer {
	return &Enforcer{
		catalog:    catalog,
		limiter:    NewLimiter(),
		log:        log,
		cfg:        cfg,
		policyHash: policyHash,
	}
}

// SetPolicy atomically swaps the active policy. In-flight rate limit
// history is kept; ceilings from the new policy apply on the next call.
func (e *Enforcer) SetPolicy(cfg *PolicyConfig, policyHash string) {
	e.mu.Lock()
	e.cfg = cfg
	e.policyHash = policyHash
	e.mu.Unlock()
}

// ReloadPolicy reloads the policy from a YAML file and swaps it in.
func (e *Enforcer) ReloadPolicy(path string) error {
	cfg, hash, err := LoadConfigWithHash(path, e.catalog)
	if err != nil {
		return err
	}
	e.SetPolicy(cfg, hash)
	return nil
}

// PolicyHash returns the hash of the active policy.
func (e *Enforcer) PolicyHash() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policyHash
}

// Authorize evaluates a live request. It consumes rate limit budget,
// records the decision metric, and writes one audit entry. The returned
// error covers audit write failures only; a deny is a Result, not an error.
func (e *Enforcer) Authorize(req Request) (Result, error) {
	res, current := e.evaluate(req, true)

	metrics.CountDecision(string(res.Decision), string(req.Role))

	status := audit.StatusSuccess
	if res.Decision == model.Deny {
		status = audit.StatusDenied
	}

	details := map[string]string{
		"confidence":  strconv.FormatFloat(req.Confidence, 'f', -1, 64),
		"severity":    string(res.Severity),
		"policy_hash": res.PolicyHash,
	}
	if current > 0 {
		details["rate_count"] = strconv.Itoa(current)
	}

	err := e.log.Record(audit.Entry{
		WorkflowID:  req.WorkflowID,
		Role:        string(req.Role),
		Event:       audit.EventGuardrailDecision,
		Description: fmt.Sprintf("authorize %s", req.Action),
		Status:      status,
		Actor:       audit.ActorSystem,
		Action:      req.Action,
		Target:      req.Target,
		Decision:    string(res.Decision),
		Reason:      res.Reason,
		Details:     details,
	})
	if err != nil {
		return res, fmt.Errorf("guardrail: record decision: %w", err)
	}

	return res, nil
}

// Check evaluates a request without side effects: no rate limit budget is
// consumed, nothing is audited, no metrics move. Used for dry runs.
func (e *Enforcer) Check(req Request) Result {
	res, _ := e.evaluate(req, false)
	return res
}

func (e *Enforcer) evaluate(req Request, consume bool) (Result, int) {
	e.mu.RLock()
	cfg := e.cfg
	policyHash := e.policyHash
	e.mu.RUnlock()

	res := Result{Decision: model.Allow, PolicyHash: policyHash}

	spec, known := e.catalog.Lookup(req.Action)
	if known {
		res.Severity = spec.Severity
	}

	// Default deny: an action absent from the role's allowlist is refused
	// no matter how confident the investigation is.
	if !known || !cfg.allowed(req.Role, req.Action) {
		res.Decision = model.Deny
		res.Reason = fmt.Sprintf("action %q is not allowlisted for role %q", req.Action, req.Role)
		return res, 0
	}

	// Escalation. Critical actions never run autonomously. Actions flagged
	// in the catalog, and actions below the confidence threshold for their
	// severity, go to a human.
	switch {
	case spec.Severity == model.SeverityCritical:
		res.Decision = model.RequireApproval
		res.Reason = "critical severity always requires approval"
	case spec.RequiresApproval:
		res.Decision = model.RequireApproval
		res.Reason = fmt.Sprintf("action %q requires approval by policy", req.Action)
	case req.Confidence < cfg.Thresholds.For(spec.Severity):
		res.Decision = model.RequireApproval
		res.Reason = fmt.Sprintf("confidence %.2f below %.2f threshold for %s severity",
			req.Confidence, cfg.Thresholds.For(spec.Severity), spec.Severity)
	}

	// Rate limit last: an exceeded ceiling denies even a request that
	// would otherwise merely escalate.
	limit := cfg.limitFor(req.Role, req.Action)
	var current int
	var ok bool
	if consume {
		current, ok = e.limiter.Take(req.Role, req.Action, limit)
	} else {
		current, ok = e.limiter.Peek(req.Role, req.Action, limit)
	}
	if !ok {
		res.Decision = model.Deny
		res.Reason = fmt.Sprintf("rate limit exceeded: %d/%d requests in %s window",
			current, limit.MaxRequests, limit.Window)
	}

	return res, current
}
