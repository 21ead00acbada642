package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("UPDATEPIPELINE_PIPELINE_AUTO_CANARY")
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Pipeline.AutoCanary {
		t.Fatalf("expected default auto_canary true")
	}
	if cfg.Pipeline.DefaultChannel != "stable" {
		t.Fatalf("expected default channel stable, got %q", cfg.Pipeline.DefaultChannel)
	}
	if cfg.Rollout.MaxConcurrentRollouts != 3 {
		t.Fatalf("expected default max_concurrent_rollouts 3, got %d", cfg.Rollout.MaxConcurrentRollouts)
	}
	if cfg.Canary.DefaultTimeout == 0 {
		t.Fatalf("expected non-zero default canary timeout")
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Pipeline.DefaultChannel = "nightly"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for unrecognized default_channel")
	}

	cfg = defaultConfig()
	cfg.Rollout.MaxConcurrentRollouts = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for max_concurrent_rollouts < 1")
	}

	cfg = defaultConfig()
	cfg.Rollout.MaxFailureRate = 1.5
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for max_failure_rate > 1")
	}

	cfg = defaultConfig()
	cfg.Sweep.MaxConcurrentSweeps = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for max_concurrent_sweeps < 1")
	}

	cfg = defaultConfig()
	cfg.Canary.DefaultTimeout = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for canary default_timeout <= 0")
	}

	cfg = defaultConfig()
	cfg.Observability.MetricsPort = 70000
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for metrics_port out of range")
	}
}
