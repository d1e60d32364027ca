package plan

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StepTemplate is one step in a remediation template. DependsOnPrev chains
// the step after the one before it; independent steps run concurrently.
type StepTemplate struct {
	Action        string            `yaml:"action"`
	Params        map[string]string `yaml:"params"`
	DependsOnPrev bool              `yaml:"depends_on_prev"`
}

// builtinTemplates maps a recommended action to the step sequence that
// remediates it. Every remediation is bracketed by diagnostics before and
// verification after, so the audit trail shows state on both sides of the
// change.
var builtinTemplates = map[string][]StepTemplate{
	"increase_memory_limit": {
		{Action: "collect_diagnostics"},
		{Action: "increase_memory_limit", Params: map[string]string{"increment": "256Mi"}, DependsOnPrev: true},
		{Action: "verify_rollout", DependsOnPrev: true},
	},
	"scale_deployment": {
		{Action: "get_resource_usage"},
		{Action: "scale_deployment", Params: map[string]string{"delta": "+2"}, DependsOnPrev: true},
		{Action: "verify_rollout", DependsOnPrev: true},
	},
	"rollback_deployment": {
		{Action: "collect_diagnostics"},
		{Action: "rollback_deployment", DependsOnPrev: true},
		{Action: "verify_rollout", DependsOnPrev: true},
	},
	"restart_pod": {
		{Action: "collect_diagnostics"},
		{Action: "restart_pod", DependsOnPrev: true},
		{Action: "verify_rollout", DependsOnPrev: true},
	},
	"clear_cache": {
		{Action: "clear_cache"},
		{Action: "verify_rollout", DependsOnPrev: true},
	},
	"drain_node": {
		{Action: "collect_diagnostics"},
		{Action: "cordon_node", DependsOnPrev: true},
		{Action: "drain_node", DependsOnPrev: true},
	},
	"rotate_credentials": {
		{Action: "collect_diagnostics"},
		{Action: "rotate_credentials", DependsOnPrev: true},
		{Action: "verify_rollout", DependsOnPrev: true},
	},
	"failover_database": {
		{Action: "collect_diagnostics"},
		{Action: "failover_database", DependsOnPrev: true},
		{Action: "verify_rollout", DependsOnPrev: true},
	},
	"collect_diagnostics": {
		{Action: "collect_diagnostics"},
	},
}

// LoadTemplates returns the builtin template library, overlaid with any
// templates from the YAML file at path. Missing path returns builtins.
func LoadTemplates(path string) (map[string][]StepTemplate, error) {
	merged := make(map[string][]StepTemplate, len(builtinTemplates))
	for k, v := range builtinTemplates {
		merged[k] = v
	}

	if path == "" {
		return merged, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return merged, nil
		}
		return nil, fmt.Errorf("failed to read plan templates: %w", err)
	}

	var file struct {
		Templates map[string][]StepTemplate `yaml:"templates"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse plan templates: %w", err)
	}
	for k, v := range file.Templates {
		if len(v) == 0 {
			return nil, fmt.Errorf("plan template %q has no steps", k)
		}
		merged[k] = v
	}
	return merged, nil
}
