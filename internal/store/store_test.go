package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeCanonicalDeterministic(t *testing.T) {
	payload := map[string]any{
		"zeta":  1,
		"alpha": "机制",
		"nested": map[string]any{
			"b": 2,
			"a": 1,
		},
	}

	first, err := EncodeCanonical(payload)
	if err != nil {
		t.Fatal(err)
	}
	second, err := EncodeCanonical(payload)
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Error("canonical encoding is not deterministic")
	}

	want := "{\n  \"alpha\": \"机制\",\n  \"nested\": {\n    \"a\": 1,\n    \"b\": 2\n  },\n  \"zeta\": 1\n}\n"
	if diff := cmp.Diff(want, string(first)); diff != "" {
		t.Errorf("canonical encoding mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteCanonicalJSONIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out", "payload.json")
	payload := map[string]any{"session_id": "s-1", "turn": 3}

	changed, err := WriteCanonicalJSON(path, payload)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Error("first write should report change")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	changed, err = WriteCanonicalJSON(path, payload)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("second write of identical payload should be a no-op")
	}

	after, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if !after.ModTime().Equal(info.ModTime()) {
		t.Error("no-op write must not touch the file")
	}

	payload["turn"] = 4
	changed, err = WriteCanonicalJSON(path, payload)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Error("mutated payload should be written")
	}
}

func TestLoadConversationsFilterAndOrder(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, payload map[string]any) {
		t.Helper()
		if _, err := WriteCanonicalJSON(filepath.Join(dir, name), payload); err != nil {
			t.Fatal(err)
		}
	}

	write("s-1.json", map[string]any{"session_id": "s-1", "source": "claude_code", "created_at": "2026-02-01T08:00:00Z"})
	write("s-2.json", map[string]any{"session_id": "s-2", "source": "codex", "created_at": "2026-02-03T08:00:00Z"})
	write("s-3.json", map[string]any{"session_id": "s-3", "source": "claude_code", "created_at": "2026-01-20T08:00:00Z"})
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	all := LoadConversations(dir, ConversationFilter{})
	if len(all) != 3 {
		t.Fatalf("expected 3 conversations, got %d", len(all))
	}
	wantOrder := []string{"s-2", "s-1", "s-3"}
	for i, want := range wantOrder {
		if got := all[i]["session_id"]; got != want {
			t.Errorf("all[%d].session_id = %v, want %s", i, got, want)
		}
	}

	windowed := LoadConversations(dir, ConversationFilter{Since: "2026-02-01", Until: "2026-02-02"})
	if len(windowed) != 1 || windowed[0]["session_id"] != "s-1" {
		t.Errorf("window filter returned %v", windowed)
	}

	bySource := LoadConversations(dir, ConversationFilter{Source: "codex"})
	if len(bySource) != 1 || bySource[0]["session_id"] != "s-2" {
		t.Errorf("source filter returned %v", bySource)
	}

	if got := LoadConversations(filepath.Join(dir, "missing"), ConversationFilter{}); got != nil {
		t.Errorf("missing dir should yield nil, got %v", got)
	}
}

func TestLoadSessionSidecarsSkipsBlocked(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, payload map[string]any) {
		t.Helper()
		if _, err := WriteCanonicalJSON(filepath.Join(dir, name), payload); err != nil {
			t.Fatal(err)
		}
	}

	write("a.json", map[string]any{
		"session_id":   "a",
		"generated_by": map[string]any{"engine": "api", "provider": "openai", "run_id": "r-1"},
	})
	write("b.json", map[string]any{
		"session_id":   "b",
		"generated_by": map[string]any{"engine": "mock"},
	})

	sidecars := LoadSessionSidecars(dir)
	if len(sidecars) != 1 || sidecars[0]["session_id"] != "a" {
		t.Errorf("expected only unblocked sidecar, got %v", sidecars)
	}
}

func TestStorePaths(t *testing.T) {
	s := New("/tmp/insights-root")
	if got := s.SessionSidecarPath("s-1"); got != filepath.Join("/tmp/insights-root", "data", "insights", "session", "s-1.json") {
		t.Errorf("SessionSidecarPath = %s", got)
	}
	if got := s.IncrementalSidecarPath("rolling_30d"); got != filepath.Join("/tmp/insights-root", "data", "insights", "incremental", "rolling_30d.json") {
		t.Errorf("IncrementalSidecarPath = %s", got)
	}
	if got := s.RunDir("run-1"); got != filepath.Join("/tmp/insights-root", "output", "skill_jobs", "run-1") {
		t.Errorf("RunDir = %s", got)
	}
}
