package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Approval.Timeout != 15*time.Minute {
		t.Fatalf("default approval timeout: %s", cfg.Approval.Timeout)
	}
	if cfg.Workflows.MaxConcurrent != 16 {
		t.Fatalf("default max concurrent: %d", cfg.Workflows.MaxConcurrent)
	}
	if cfg.Server.Address == "" || cfg.Server.MetricsAddress == "" {
		t.Fatal("default addresses missing")
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  address: ":9000"
approval:
  timeout: 30m
webhooks:
  - url: https://hooks.example.com/runforge
    format: slack
    events: [approval_requested]
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Address != ":9000" {
		t.Fatalf("address: %s", cfg.Server.Address)
	}
	if cfg.Approval.Timeout != 30*time.Minute {
		t.Fatalf("timeout: %s", cfg.Approval.Timeout)
	}
	// Untouched fields keep defaults.
	if cfg.Server.MetricsAddress != ":2112" {
		t.Fatalf("metrics address: %s", cfg.Server.MetricsAddress)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].Format != "slack" {
		t.Fatalf("webhooks: %+v", cfg.Webhooks)
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  address: \":9000\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RUNFORGE_SERVER_ADDRESS", ":9100")
	t.Setenv("RUNFORGE_APPROVAL_TIMEOUT", "1h")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Address != ":9100" {
		t.Fatalf("address: %s", cfg.Server.Address)
	}
	if cfg.Approval.Timeout != time.Hour {
		t.Fatalf("timeout: %s", cfg.Approval.Timeout)
	}
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}
