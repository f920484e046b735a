package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFromEnv_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WORKITEMS_URL", "https://tracker.example.com")

	cfg, err := FromEnv(dir)
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}

	if cfg.DatabasePath != filepath.Join(dir, "forecast.db") {
		t.Errorf("Expected database under data path, got %s", cfg.DatabasePath)
	}
	if cfg.ProviderTimeout != 10*time.Second {
		t.Errorf("Expected 10s provider timeout, got %v", cfg.ProviderTimeout)
	}
	if cfg.Policy.Simulation.Trials != 1000 {
		t.Errorf("Expected default 1000 trials, got %d", cfg.Policy.Simulation.Trials)
	}
	if cfg.WorkItems.RequestsPerSecond != 5 {
		t.Errorf("Expected 5 rps, got %v", cfg.WorkItems.RequestsPerSecond)
	}
	if _, err := os.Stat(filepath.Join(dir, "cache")); err != nil {
		t.Errorf("Expected cache directory to be created: %v", err)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	dir := t.TempDir()
	policyFile := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(policyFile, []byte("simulation:\n  hours_per_day: 7\n"), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("WORKITEMS_FIXTURE", filepath.Join("..", "workitems", "testdata", "fixture.yaml"))
	t.Setenv("FORECAST_POLICY_FILE", policyFile)
	t.Setenv("FORECAST_FRESHNESS_HOURS", "6")
	t.Setenv("FORECAST_TRIALS", "400")
	t.Setenv("WORKITEMS_TIMEOUT_SECONDS", "3")
	t.Setenv("FORECAST_BATCH_PARALLELISM", "not-a-number")
	t.Setenv("ENABLE_MERMAID_CHARTS", "true")

	cfg, err := FromEnv(dir)
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}

	if cfg.Policy.Simulation.HoursPerDay != 7 {
		t.Errorf("Expected hours per day from policy file, got %v", cfg.Policy.Simulation.HoursPerDay)
	}
	if time.Duration(cfg.Policy.Cache.Freshness) != 6*time.Hour {
		t.Errorf("Expected 6h freshness, got %v", time.Duration(cfg.Policy.Cache.Freshness))
	}
	if cfg.Policy.Simulation.Trials != 400 {
		t.Errorf("Expected 400 trials, got %d", cfg.Policy.Simulation.Trials)
	}
	if cfg.ProviderTimeout != 3*time.Second {
		t.Errorf("Expected 3s timeout, got %v", cfg.ProviderTimeout)
	}
	if cfg.BatchParallelism != 4 {
		t.Errorf("Expected fallback parallelism 4, got %d", cfg.BatchParallelism)
	}
	if !cfg.EnableMermaidCharts {
		t.Error("Expected mermaid charts to be enabled")
	}

	p, err := cfg.Provider()
	if err != nil {
		t.Fatalf("Provider failed: %v", err)
	}
	if p == nil {
		t.Fatal("Expected a fixture provider")
	}
}

func TestFromEnv_RequiresProvider(t *testing.T) {
	t.Setenv("WORKITEMS_URL", "")
	t.Setenv("WORKITEMS_FIXTURE", "")
	if _, err := FromEnv(t.TempDir()); err == nil {
		t.Error("Expected an error without a work-item source")
	}
}
