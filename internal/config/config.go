// Package config loads the project configuration from config.yaml with
// environment overrides layered on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all conversation-insights configuration.
type Config struct {
	Name string `yaml:"name"`

	// Notion document sync
	Notion NotionConfig `yaml:"notion"`

	// Pipeline defaults
	Pipeline PipelineConfig `yaml:"pipeline"`

	// External stage commands
	Stages StagesConfig `yaml:"stages"`
}

// NotionConfig configures the Notion integration.
type NotionConfig struct {
	APIKey    string            `yaml:"api_key"`
	Databases map[string]string `yaml:"databases"`
}

// PipelineConfig holds defaults for `insights run`.
type PipelineConfig struct {
	Mode        string `yaml:"mode"`
	Window      string `yaml:"window"`
	Provider    string `yaml:"provider"`
	Model       string `yaml:"model"`
	TimeoutSec  int    `yaml:"timeout_sec"`
	MaxWorkers  int    `yaml:"max_workers"`
	ReportLimit int    `yaml:"report_limit"`
}

// StagesConfig maps pipeline stages to external commands. Ingest, enrich,
// stats sync, and dashboard generation live outside this binary; the
// pipeline invokes them as subprocesses with extra flags appended.
type StagesConfig struct {
	Ingest    map[string][]string `yaml:"ingest"`
	Enrich    []string            `yaml:"enrich"`
	StatsSync []string            `yaml:"stats_sync"`
	Dashboard []string            `yaml:"dashboard"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Name: "conversation-insights",
		Notion: NotionConfig{
			Databases: map[string]string{},
		},
		Pipeline: PipelineConfig{
			Mode:        "incremental",
			Window:      "30d",
			Provider:    "claude_cli",
			TimeoutSec:  180,
			MaxWorkers:  4,
			ReportLimit: 50,
		},
		Stages: StagesConfig{
			Ingest: map[string][]string{},
		},
	}
}

// Load reads path and merges it over the defaults. A missing file yields
// the defaults. A .env next to the config file is loaded first so that
// env overrides and provider API keys work without exporting them.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := strings.TrimSpace(os.Getenv("NOTION_API_KEY")); key != "" {
		c.Notion.APIKey = key
	}
	if provider := strings.TrimSpace(os.Getenv("INSIGHTS_SKILL_PROVIDER")); provider != "" {
		c.Pipeline.Provider = provider
	}
	if model := strings.TrimSpace(os.Getenv("INSIGHTS_SKILL_MODEL")); model != "" {
		c.Pipeline.Model = model
	}
}

// Database returns the configured database id for name.
func (c *Config) Database(name string) (string, error) {
	id := strings.TrimSpace(c.Notion.Databases[name])
	if id == "" {
		return "", fmt.Errorf("notion database %q is not configured", name)
	}
	return id, nil
}
