package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadOrchestrator_Defaults(t *testing.T) {
	cfg, err := LoadOrchestrator()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Port != "8083" {
		t.Errorf("expected port 8083, got %s", cfg.Port)
	}
	if cfg.Orchestration.ProviderCallbackTimeout != 30*time.Minute {
		t.Errorf("expected 30m callback timeout, got %v", cfg.Orchestration.ProviderCallbackTimeout)
	}
	if cfg.Orchestration.DeploymentPollInterval != 10*time.Second {
		t.Errorf("expected 10s poll interval, got %v", cfg.Orchestration.DeploymentPollInterval)
	}
	if cfg.Orchestration.DeploymentPollingCeiling != 2*time.Hour {
		t.Errorf("expected 2h polling ceiling, got %v", cfg.Orchestration.DeploymentPollingCeiling)
	}
	if cfg.Runtime.LeaseTTL != 30*time.Second {
		t.Errorf("expected 30s lease, got %v", cfg.Runtime.LeaseTTL)
	}
}

func TestLoadAPI_Overrides(t *testing.T) {
	t.Setenv("API_PORT", "9999")
	t.Setenv("DB_URL", "postgresql://x@db/x")
	t.Setenv("CALLBACK_TTL", "5m")

	cfg, err := LoadAPI()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Port != "9999" {
		t.Errorf("expected 9999, got %s", cfg.Port)
	}
	if cfg.Database.URL != "postgresql://x@db/x" {
		t.Errorf("unexpected db url %s", cfg.Database.URL)
	}
	if cfg.Callback.TTL != 5*time.Minute {
		t.Errorf("expected 5m, got %v", cfg.Callback.TTL)
	}
}

func TestParseEnvError(t *testing.T) {
	t.Setenv("SCHED_INTERVAL", "not-a-duration")

	_, err := LoadScheduler()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}
