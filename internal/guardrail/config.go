package guardrail

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/runforge/internal/model"
)

// RateLimit is the ceiling for one (role, action) pair over a rolling window.
// Zero values mean no limit.
type RateLimit struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

// Enabled returns true if the limit is actually configured.
func (rl RateLimit) Enabled() bool {
	return rl.MaxRequests > 0 && rl.Window > 0
}

// Thresholds is the minimum confidence required per severity tier for
// autonomous execution. Below threshold the action escalates to
// require_approval; critical never executes autonomously regardless.
type Thresholds struct {
	Readonly float64 `yaml:"readonly"`
	Low      float64 `yaml:"low"`
	Medium   float64 `yaml:"medium"`
	High     float64 `yaml:"high"`
}

// For returns the threshold for a severity tier.
func (t Thresholds) For(sev model.Severity) float64 {
	switch sev {
	case model.SeverityReadonly:
		return t.Readonly
	case model.SeverityLow:
		return t.Low
	case model.SeverityMedium:
		return t.Medium
	case model.SeverityHigh:
		return t.High
	default:
		// Critical has no autonomous threshold; callers gate it first.
		return 1.0
	}
}

// PolicyConfig holds the guardrail policy: per-role allowlists, confidence
// thresholds, and rate limits. Rate limit lookup order is
// limits[role][action] → limits[role]["*"] → limits["*"]["*"].
type PolicyConfig struct {
	Allowlist  map[model.Role][]string              `yaml:"allowlist"`
	Thresholds Thresholds                           `yaml:"confidence_thresholds"`
	RateLimits map[model.Role]map[string]*RateLimit `yaml:"rate_limits"`
}

// DefaultConfig returns the built-in guardrail policy.
func DefaultConfig() *PolicyConfig {
	return &PolicyConfig{
		Allowlist: map[model.Role][]string{
			model.RoleInvestigation: {"collect_diagnostics", "get_resource_usage", "verify_rollout"},
			model.RoleExecution: {
				"collect_diagnostics", "get_resource_usage", "verify_rollout",
				"restart_pod", "clear_cache", "scale_deployment",
				"increase_memory_limit", "cordon_node", "rollback_deployment",
				"drain_node", "rotate_credentials", "failover_database",
			},
		},
		Thresholds: Thresholds{
			Readonly: 0.0,
			Low:      0.6,
			Medium:   0.75,
			High:     0.9,
		},
		RateLimits: map[model.Role]map[string]*RateLimit{
			"*": {
				"*": {MaxRequests: 30, Window: time.Minute},
			},
			model.RoleExecution: {
				"restart_pod":        {MaxRequests: 5, Window: time.Minute},
				"drain_node":         {MaxRequests: 2, Window: 10 * time.Minute},
				"rotate_credentials": {MaxRequests: 1, Window: 10 * time.Minute},
			},
		},
	}
}

// LoadConfig loads a guardrail policy from a YAML file and validates the
// allowlist against the catalog. Missing file returns defaults. An
// allowlisted action outside the catalog is rejected here, at load time.
func LoadConfig(path string, catalog *Catalog) (*PolicyConfig, error) {
	cfg, _, err := LoadConfigWithHash(path, catalog)
	return cfg, err
}

// LoadConfigWithHash loads the policy and returns the SHA-256 of the raw
// YAML bytes, for audit attribution of which policy made a decision.
// When no file exists (defaults used), the hash is the SHA-256 of empty input.
func LoadConfigWithHash(path string, catalog *Catalog) (*PolicyConfig, string, error) {
	if path == "" {
		h := sha256.Sum256(nil)
		cfg := DefaultConfig()
		if err := cfg.validate(catalog); err != nil {
			return nil, "", err
		}
		return cfg, "sha256:" + hex.EncodeToString(h[:]), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			h := sha256.Sum256(nil)
			cfg := DefaultConfig()
			if err := cfg.validate(catalog); err != nil {
				return nil, "", err
			}
			return cfg, "sha256:" + hex.EncodeToString(h[:]), nil
		}
		return nil, "", fmt.Errorf("failed to read guardrail policy: %w", err)
	}

	// Start with defaults, YAML overwrites only specified fields
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse guardrail policy: %w", err)
	}

	if err := cfg.validate(catalog); err != nil {
		return nil, "", err
	}

	h := sha256.Sum256(data)
	return cfg, "sha256:" + hex.EncodeToString(h[:]), nil
}

// validate rejects allowlist entries that name unregistered actions.
func (cfg *PolicyConfig) validate(catalog *Catalog) error {
	for role, actions := range cfg.Allowlist {
		for _, a := range actions {
			if _, ok := catalog.Lookup(a); !ok {
				return fmt.Errorf("allowlist for role %q names unregistered action %q", role, a)
			}
		}
	}
	return nil
}

// allowed reports whether the action is explicitly registered for the role.
func (cfg *PolicyConfig) allowed(role model.Role, action string) bool {
	for _, a := range cfg.Allowlist[role] {
		if a == action {
			return true
		}
	}
	return false
}

// limitFor resolves the rate limit for a (role, action) pair.
func (cfg *PolicyConfig) limitFor(role model.Role, action string) *RateLimit {
	if byAction, ok := cfg.RateLimits[role]; ok {
		if rl := byAction[action]; rl != nil {
			return rl
		}
		if rl := byAction["*"]; rl != nil {
			return rl
		}
	}
	if byAction, ok := cfg.RateLimits["*"]; ok {
		if rl := byAction[action]; rl != nil {
			return rl
		}
		if rl := byAction["*"]; rl != nil {
			return rl
		}
	}
	return nil
}
