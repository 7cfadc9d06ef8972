// Package store is the filesystem-backed record store: normalized
// conversations, mechanism sidecars, and per-run job bundles, all as
// deterministic JSON files under one root.
package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// Store resolves every persisted path from a single project root.
type Store struct {
	root string
}

// New creates a Store rooted at dir.
func New(root string) *Store {
	return &Store{root: root}
}

// Root returns the project root directory.
func (s *Store) Root() string { return s.root }

// ConversationsDir holds one normalized conversation JSON per session.
func (s *Store) ConversationsDir() string {
	return filepath.Join(s.root, "data", "conversations")
}

// SessionInsightsDir holds one SessionMechanismV1 sidecar per session.
func (s *Store) SessionInsightsDir() string {
	return filepath.Join(s.root, "data", "insights", "session")
}

// IncrementalInsightsDir holds one IncrementalMechanismV1 sidecar per period.
func (s *Store) IncrementalInsightsDir() string {
	return filepath.Join(s.root, "data", "insights", "incremental")
}

// JobsDir holds per-run diagnose bundles.
func (s *Store) JobsDir() string {
	return filepath.Join(s.root, "output", "skill_jobs")
}

// RunDir returns the bundle directory for one run.
func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.JobsDir(), runID)
}

// SkillsDir holds the Skill prompt text files.
func (s *Store) SkillsDir() string {
	return filepath.Join(s.root, "skills")
}

// ConfigPath is the project config.yaml location.
func (s *Store) ConfigPath() string {
	return filepath.Join(s.root, "config.yaml")
}

// SessionSidecarPath returns the sidecar file for one session.
func (s *Store) SessionSidecarPath(sessionID string) string {
	return filepath.Join(s.SessionInsightsDir(), sessionID+".json")
}

// IncrementalSidecarPath returns the sidecar file for one period.
func (s *Store) IncrementalSidecarPath(periodID string) string {
	return filepath.Join(s.IncrementalInsightsDir(), periodID+".json")
}

// EnsureDirs creates the writable directories used by diagnose runs.
func (s *Store) EnsureDirs() error {
	for _, dir := range []string{
		s.SessionInsightsDir(),
		s.IncrementalInsightsDir(),
		s.JobsDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
