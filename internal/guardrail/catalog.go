package guardrail

import (
	"fmt"
	"sort"

	"github.com/ppiankov/runforge/internal/model"
)

// ActionSpec is the compile-time metadata for one known remediation action.
// The catalog is a closed set: allowlisting an action outside it fails at
// policy load, not at execution time.
type ActionSpec struct {
	Name             string
	Severity         model.Severity
	Idempotent       bool
	RequiresApproval bool
	Description      string
}

// builtinCatalog is the closed set of actions the orchestrator knows how to
// dispatch. Severity follows a fixed classification: read/observe is
// readonly, a reversible single-resource change is low/medium, an
// irreversible or blast-radius-wide change is high/critical.
var builtinCatalog = []ActionSpec{
	{Name: "collect_diagnostics", Severity: model.SeverityReadonly, Idempotent: true, Description: "gather pod/node state, events, and recent logs"},
	{Name: "get_resource_usage", Severity: model.SeverityReadonly, Idempotent: true, Description: "read current CPU/memory usage for the target"},
	{Name: "verify_rollout", Severity: model.SeverityReadonly, Idempotent: true, Description: "confirm a workload converged to its desired state"},
	{Name: "restart_pod", Severity: model.SeverityLow, Description: "delete a pod so its controller recreates it"},
	{Name: "clear_cache", Severity: model.SeverityLow, Idempotent: true, Description: "flush an application cache on the target"},
	{Name: "scale_deployment", Severity: model.SeverityMedium, Description: "change replica count on a deployment"},
	{Name: "increase_memory_limit", Severity: model.SeverityMedium, RequiresApproval: true, Description: "raise the memory limit on a workload; mutates resource quotas"},
	{Name: "cordon_node", Severity: model.SeverityMedium, Idempotent: true, Description: "mark a node unschedulable"},
	{Name: "rollback_deployment", Severity: model.SeverityHigh, Description: "roll a deployment back to its previous revision"},
	{Name: "drain_node", Severity: model.SeverityHigh, Description: "evict all workloads from a node"},
	{Name: "rotate_credentials", Severity: model.SeverityHigh, Description: "rotate service credentials for the target"},
	{Name: "failover_database", Severity: model.SeverityCritical, Description: "promote a replica and demote the primary"},
	{Name: "delete_namespace", Severity: model.SeverityCritical, Description: "remove a namespace and everything in it"},
}

// Catalog is an immutable index over registered action specs.
type Catalog struct {
	specs map[string]ActionSpec
}

// NewCatalog builds a catalog from the built-in action set.
func NewCatalog() *Catalog {
	return newCatalog(builtinCatalog)
}

func newCatalog(specs []ActionSpec) *Catalog {
	c := &Catalog{specs: make(map[string]ActionSpec, len(specs))}
	for _, s := range specs {
		c.specs[s.Name] = s
	}
	return c
}

// Lookup returns the spec for a known action.
func (c *Catalog) Lookup(action string) (ActionSpec, bool) {
	s, ok := c.specs[action]
	return s, ok
}

// Require returns the spec or an error naming the unregistered identifier.
func (c *Catalog) Require(action string) (ActionSpec, error) {
	s, ok := c.specs[action]
	if !ok {
		return ActionSpec{}, fmt.Errorf("action %q is not in the registered catalog", action)
	}
	return s, nil
}

// Names returns all registered action names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.specs))
	for n := range c.specs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
