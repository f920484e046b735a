package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"
)

// Tokens often carry quotes or '#', which .env quoting must preserve.
func TestDotEnvQuoting(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	content := "WORKITEMS_URL=https://tracker.example.com/api # inline comment\n" +
		"WORKITEMS_TOKEN='abc\"def#123'\n" +
		"METRICS_ADDR=\":9090\"\n"
	if err := os.WriteFile(envFile, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	env, err := godotenv.Read(envFile)
	if err != nil {
		t.Fatalf("Error reading env: %v", err)
	}
	for k, v := range env {
		t.Setenv(k, v)
	}

	cfg, err := FromEnv(dir)
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}

	if cfg.WorkItems.BaseURL != "https://tracker.example.com/api" {
		t.Errorf("Expected inline comment to be stripped, got %q", cfg.WorkItems.BaseURL)
	}
	if cfg.WorkItems.Token != `abc"def#123` {
		t.Errorf("Expected single-quoted token verbatim, got %q", cfg.WorkItems.Token)
	}
	if cfg.MetricsAddr != ":9090" {
		t.Errorf("Expected :9090, got %q", cfg.MetricsAddr)
	}
}
