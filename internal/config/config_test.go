package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Pipeline.Mode != "incremental" || cfg.Pipeline.Window != "30d" {
		t.Errorf("defaults = %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.Provider != "claude_cli" || cfg.Pipeline.MaxWorkers != 4 {
		t.Errorf("defaults = %+v", cfg.Pipeline)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
name: my-insights
notion:
  api_key: ntn_test
  databases:
    analysis_reports: db-123
pipeline:
  provider: openai
  report_limit: 20
stages:
  ingest:
    claude_code: ["python3", "scripts/ingest_claude.py"]
  enrich: ["python3", "scripts/enrich.py"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Notion.APIKey != "ntn_test" {
		t.Errorf("api_key = %q", cfg.Notion.APIKey)
	}
	if cfg.Pipeline.Provider != "openai" || cfg.Pipeline.ReportLimit != 20 {
		t.Errorf("pipeline = %+v", cfg.Pipeline)
	}
	// Unset fields keep their defaults.
	if cfg.Pipeline.Window != "30d" || cfg.Pipeline.TimeoutSec != 180 {
		t.Errorf("pipeline defaults lost: %+v", cfg.Pipeline)
	}
	if got := cfg.Stages.Ingest["claude_code"]; len(got) != 2 || got[0] != "python3" {
		t.Errorf("ingest stage = %v", got)
	}

	dbID, err := cfg.Database("analysis_reports")
	if err != nil || dbID != "db-123" {
		t.Errorf("Database() = %q, %v", dbID, err)
	}
	if _, err := cfg.Database("missing"); err == nil {
		t.Error("missing database should error")
	}
}

func TestEnvOverridesApiKey(t *testing.T) {
	t.Setenv("NOTION_API_KEY", "ntn_env")
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Notion.APIKey != "ntn_env" {
		t.Errorf("api_key = %q", cfg.Notion.APIKey)
	}
}
