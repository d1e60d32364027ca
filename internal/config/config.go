package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/runforge/internal/notify"
)

// Config captures the settings required to boot the orchestrator.
type Config struct {
	Server        ServerConfig           `yaml:"server"`
	Audit         AuditConfig            `yaml:"audit"`
	Approval      ApprovalConfig         `yaml:"approval"`
	Guardrail     GuardrailConfig        `yaml:"guardrail"`
	Investigation InvestigationConfig    `yaml:"investigation"`
	Planning      PlanningConfig         `yaml:"planning"`
	Workflows     WorkflowsConfig        `yaml:"workflows"`
	Logging       LoggingConfig          `yaml:"logging"`
	Webhooks      []notify.WebhookConfig `yaml:"webhooks"`
}

// ServerConfig controls the HTTP API and metrics listeners.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// AuditConfig controls the append-only audit trail.
type AuditConfig struct {
	Path string `yaml:"path"`
}

// ApprovalConfig controls the approval gate.
type ApprovalConfig struct {
	StorePath string        `yaml:"storePath"`
	Timeout   time.Duration `yaml:"timeout"`
}

// GuardrailConfig controls policy loading.
type GuardrailConfig struct {
	PolicyPath string `yaml:"policyPath"`
	// HotReload watches PolicyPath and swaps the policy on change.
	HotReload bool `yaml:"hotReload"`
}

// InvestigationConfig controls the diagnostics source and the optional LLM
// refinement step.
type InvestigationConfig struct {
	SourceURL        string        `yaml:"sourceURL"`
	SourceTimeout    time.Duration `yaml:"sourceTimeout"`
	SignalWindow     time.Duration `yaml:"signalWindow"`
	Deadline         time.Duration `yaml:"deadline"`
	MaxRetryInterval time.Duration `yaml:"maxRetryInterval"`
	LLMURL           string        `yaml:"llmURL"`
	LLMAPIKey        string        `yaml:"llmAPIKey"`
	LLMModel         string        `yaml:"llmModel"`
}

// PlanningConfig controls remediation template loading.
type PlanningConfig struct {
	TemplatesPath string `yaml:"templatesPath"`
}

// WorkflowsConfig controls supervisor concurrency.
type WorkflowsConfig struct {
	MaxConcurrent int64         `yaml:"maxConcurrent"`
	ResumeTimeout time.Duration `yaml:"resumeTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load initialises Config from a YAML file and optional environment
// overrides. An empty path falls back to RUNFORGE_CONFIG, then defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("RUNFORGE_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8440",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Audit: AuditConfig{
			Path: "data/audit.jsonl",
		},
		Approval: ApprovalConfig{
			StorePath: "data/approvals.db",
			Timeout:   15 * time.Minute,
		},
		Investigation: InvestigationConfig{
			SourceTimeout:    5 * time.Second,
			SignalWindow:     15 * time.Minute,
			Deadline:         2 * time.Minute,
			MaxRetryInterval: 10 * time.Second,
		},
		Workflows: WorkflowsConfig{
			MaxConcurrent: 16,
			ResumeTimeout: 5 * time.Minute,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RUNFORGE_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("RUNFORGE_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("RUNFORGE_AUDIT_PATH"); v != "" {
		cfg.Audit.Path = v
	}
	if v := os.Getenv("RUNFORGE_APPROVAL_STORE"); v != "" {
		cfg.Approval.StorePath = v
	}
	if v := os.Getenv("RUNFORGE_APPROVAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Approval.Timeout = d
		}
	}
	if v := os.Getenv("RUNFORGE_POLICY_PATH"); v != "" {
		cfg.Guardrail.PolicyPath = v
	}
	if v := os.Getenv("RUNFORGE_SOURCE_URL"); v != "" {
		cfg.Investigation.SourceURL = v
	}
	if v := os.Getenv("RUNFORGE_LLM_URL"); v != "" {
		cfg.Investigation.LLMURL = v
	}
	if v := os.Getenv("RUNFORGE_LLM_API_KEY"); v != "" {
		cfg.Investigation.LLMAPIKey = v
	}
	if v := os.Getenv("RUNFORGE_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Workflows.MaxConcurrent = n
		}
	}
	if v := os.Getenv("RUNFORGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
