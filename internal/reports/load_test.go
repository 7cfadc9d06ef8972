package reports

import (
	"os"
	"path/filepath"
	"testing"

	"convoinsights/internal/store"
)

func writeIncrementalFile(t *testing.T, st *store.Store, periodID string, payload map[string]any) {
	t.Helper()
	if _, err := store.WriteCanonicalJSON(st.IncrementalSidecarPath(periodID), payload); err != nil {
		t.Fatal(err)
	}
}

func TestLoadIncrementalMechanism(t *testing.T) {
	st := store.New(t.TempDir())
	if err := st.EnsureDirs(); err != nil {
		t.Fatal(err)
	}

	older := validIncremental()
	older["period_id"] = "2026-W05"
	newer := validIncremental()
	newer["period_id"] = "2026-W06"
	writeIncrementalFile(t, st, "2026-W05", older)
	writeIncrementalFile(t, st, "2026-W06", newer)

	got := LoadIncrementalMechanism(st, "2026-W05")
	if got == nil || got["period_id"] != "2026-W05" {
		t.Errorf("by period = %v", got)
	}

	// No period id falls back to the most recent sidecar.
	got = LoadIncrementalMechanism(st, "")
	if got == nil || got["period_id"] != "2026-W06" {
		t.Errorf("latest = %v", got)
	}

	if got := LoadIncrementalMechanism(st, "2099-W01"); got != nil {
		t.Errorf("missing period = %v", got)
	}
}

func TestLoadIncrementalMechanismEmptyDir(t *testing.T) {
	st := store.New(t.TempDir())
	if err := st.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	if got := LoadIncrementalMechanism(st, ""); got != nil {
		t.Errorf("empty dir = %v", got)
	}
}

func TestLoadIncrementalMechanismRejectsInvalid(t *testing.T) {
	st := store.New(t.TempDir())
	if err := st.EnsureDirs(); err != nil {
		t.Fatal(err)
	}

	bad := validIncremental()
	bad["schema_version"] = "wrong"
	writeIncrementalFile(t, st, "2026-W06", bad)
	if got := LoadIncrementalMechanism(st, "2026-W06"); got != nil {
		t.Errorf("invalid payload loaded: %v", got)
	}

	path := st.IncrementalSidecarPath("2026-W07")
	if err := os.WriteFile(filepath.Clean(path), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := LoadIncrementalMechanism(st, "2026-W07"); got != nil {
		t.Errorf("malformed payload loaded: %v", got)
	}
}
