package diagnose

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"convoinsights/internal/store"
)

func validIncrementalPayload(periodID string) map[string]any {
	return map[string]any{
		"schema_version": "incremental-mechanism.v1",
		"period_id":      periodID,
		"coverage": map[string]any{
			"sessions_total":          10,
			"sessions_with_mechanism": 6,
		},
		"reports": []any{
			map[string]any{
				"dimension":    "incremental-root-causes",
				"layer":        "L3",
				"title":        "路径缺失是工具失败主根因",
				"key_insights": "多个会话因为缺少绝对路径导致工具重试",
				"detail_lines": []any{"根因: 提示未包含路径约束", "干预: 模板中固定路径段"},
			},
		},
	}
}

func TestIncrementalFromResultFile(t *testing.T) {
	d, _, stdout, _ := newTestDiagnoser(t)
	writeConversation(t, d.store, "s-1", "2026-02-05T10:00:00Z", "claude_code")

	payload := validIncrementalPayload("2026-W06")
	delete(payload, "coverage")
	resultPath := filepath.Join(t.TempDir(), "incremental.json")
	if _, err := store.WriteCanonicalJSON(resultPath, payload); err != nil {
		t.Fatal(err)
	}

	rc := d.Incremental(context.Background(), IncrementalOptions{
		PeriodID:   "2026-W06",
		Window:     "30d",
		ResultFile: resultPath,
	})
	if rc != 0 {
		t.Fatalf("rc = %d", rc)
	}

	saved, err := store.ReadJSON(d.store.IncrementalSidecarPath("2026-W06"))
	if err != nil {
		t.Fatal(err)
	}
	if saved["week"] != "2026-W06" || saved["source_run_id"] != "incremental-2026-W06" {
		t.Errorf("envelope = week %v run %v", saved["week"], saved["source_run_id"])
	}
	period := saved["period"].(map[string]any)
	if period["since"] != "2026-01-11" || period["until"] != "2026-02-10" {
		t.Errorf("period = %v", period)
	}
	coverage := saved["coverage"].(map[string]any)
	if coverage["sessions_total"] != float64(1) || coverage["sessions_with_mechanism"] != float64(0) {
		t.Errorf("coverage = %v", coverage)
	}
	if !strings.Contains(stdout.String(), "[diagnose-incremental] written:") {
		t.Errorf("stdout = %q", stdout.String())
	}
}

func TestIncrementalPeriodMismatch(t *testing.T) {
	d, _, _, stderr := newTestDiagnoser(t)

	resultPath := filepath.Join(t.TempDir(), "incremental.json")
	if _, err := store.WriteCanonicalJSON(resultPath, validIncrementalPayload("2026-W05")); err != nil {
		t.Fatal(err)
	}

	rc := d.Incremental(context.Background(), IncrementalOptions{
		PeriodID:   "2026-W06",
		ResultFile: resultPath,
	})
	if rc != 2 {
		t.Fatalf("rc = %d", rc)
	}
	if !strings.Contains(stderr.String(), "ERROR: payload period=2026-W05 does not match --period-id 2026-W06") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestIncrementalValidationFailure(t *testing.T) {
	d, _, _, stderr := newTestDiagnoser(t)

	payload := validIncrementalPayload("2026-W06")
	payload["reports"] = []any{
		map[string]any{
			"dimension":    "unknown-dimension",
			"layer":        "L3",
			"title":        "标题",
			"key_insights": "洞察",
			"detail_lines": []any{"内容"},
		},
	}
	resultPath := filepath.Join(t.TempDir(), "incremental.json")
	if _, err := store.WriteCanonicalJSON(resultPath, payload); err != nil {
		t.Fatal(err)
	}

	rc := d.Incremental(context.Background(), IncrementalOptions{
		PeriodID:   "2026-W06",
		ResultFile: resultPath,
	})
	if rc != 1 {
		t.Fatalf("rc = %d", rc)
	}
	if !strings.Contains(stderr.String(), "ERROR: incremental mechanism validation failed:") {
		t.Errorf("stderr = %q", stderr.String())
	}
	if !strings.Contains(stderr.String(), "reports[0].dimension must be one of [") {
		t.Errorf("stderr = %q", stderr.String())
	}
	if _, err := os.Stat(d.store.IncrementalSidecarPath("2026-W06")); err == nil {
		t.Error("invalid payload persisted")
	}
}

func TestIncrementalDryRunDoesNotWrite(t *testing.T) {
	d, _, stdout, _ := newTestDiagnoser(t)

	resultPath := filepath.Join(t.TempDir(), "incremental.json")
	if _, err := store.WriteCanonicalJSON(resultPath, validIncrementalPayload("2026-W06")); err != nil {
		t.Fatal(err)
	}

	rc := d.Incremental(context.Background(), IncrementalOptions{
		PeriodID:   "2026-W06",
		ResultFile: resultPath,
		DryRun:     true,
	})
	if rc != 0 {
		t.Fatalf("rc = %d", rc)
	}
	if !strings.Contains(stdout.String(), "[diagnose-incremental] period=2026-W06 dry-run") {
		t.Errorf("stdout = %q", stdout.String())
	}
	if !strings.Contains(stdout.String(), "reports=1 coverage=") {
		t.Errorf("stdout = %q", stdout.String())
	}
	if _, err := os.Stat(d.store.IncrementalSidecarPath("2026-W06")); err == nil {
		t.Error("dry-run must not write")
	}
}

func TestIncrementalRunsSkillAndPersists(t *testing.T) {
	d, runner, stdout, _ := newTestDiagnoser(t)
	writeConversation(t, d.store, "s-1", "2026-02-05T10:00:00Z", "claude_code")
	if _, err := store.WriteCanonicalJSON(d.store.SessionSidecarPath("s-1"), validSessionRecord("s-1", "2026-02-05T10:00:00Z")); err != nil {
		t.Fatal(err)
	}

	resultPath := filepath.Join(t.TempDir(), "incremental_result.json")
	if _, err := store.WriteCanonicalJSON(resultPath, validIncrementalPayload("rolling_30d")); err != nil {
		t.Fatal(err)
	}
	runner.incrementalPath = resultPath

	rc := d.Incremental(context.Background(), IncrementalOptions{
		Window:   "30d",
		Provider: "claude_cli",
	})
	if rc != 0 {
		t.Fatalf("rc = %d, stdout = %q", rc, stdout.String())
	}

	if len(runner.incrementalOpts) != 1 {
		t.Fatalf("runner calls = %d", len(runner.incrementalOpts))
	}
	if runner.incrementalOpts[0].RunID != "incremental-rolling_30d" {
		t.Errorf("run id = %q", runner.incrementalOpts[0].RunID)
	}

	input := runner.lastInput
	if input["schema_version"] != "incremental-input.v1" || input["period_id"] != "rolling_30d" {
		t.Errorf("input envelope = %v", input)
	}
	period := input["period"].(map[string]any)
	if period["since"] != "2026-01-11" || period["until"] != "2026-02-10" {
		t.Errorf("input period = %v", period)
	}
	coverage := input["coverage"].(map[string]any)
	if coverage["sessions_total"] != 1 || coverage["sessions_with_mechanism"] != 1 {
		t.Errorf("input coverage = %v", coverage)
	}
	sessions := input["sessions"].([]any)
	compact := sessions[0].(map[string]any)
	if compact["session_id"] != "s-1" {
		t.Errorf("compact = %v", compact)
	}
	mechanism := compact["mechanism"].(map[string]any)
	refs := mechanism["evidence_refs"].([]any)
	if len(refs) != 1 || refs[0] != "s-1#T3" {
		t.Errorf("evidence refs = %v", refs)
	}

	if _, err := os.Stat(d.store.IncrementalSidecarPath("rolling_30d")); err != nil {
		t.Error("incremental sidecar missing")
	}
}

func TestIncrementalWindowOnlyUsesRollingPeriod(t *testing.T) {
	d, _, stdout, _ := newTestDiagnoser(t)
	writeConversation(t, d.store, "s-1", "2026-02-05T10:00:00Z", "claude_code")
	if _, err := store.WriteCanonicalJSON(d.store.SessionSidecarPath("s-1"), validSessionRecord("s-1", "2026-02-05T10:00:00Z")); err != nil {
		t.Fatal(err)
	}

	resultPath := filepath.Join(t.TempDir(), "incremental.json")
	if _, err := store.WriteCanonicalJSON(resultPath, validIncrementalPayload("rolling_30d")); err != nil {
		t.Fatal(err)
	}

	rc := d.Incremental(context.Background(), IncrementalOptions{
		Window:     "30d",
		ResultFile: resultPath,
	})
	if rc != 0 {
		t.Fatalf("rc = %d", rc)
	}

	saved, err := store.ReadJSON(d.store.IncrementalSidecarPath("rolling_30d"))
	if err != nil {
		t.Fatal(err)
	}
	coverage := saved["coverage"].(map[string]any)
	total, _ := coverage["sessions_total"].(float64)
	withMechanism, _ := coverage["sessions_with_mechanism"].(float64)
	if total < withMechanism {
		t.Errorf("coverage = %v", coverage)
	}
	period := saved["period"].(map[string]any)
	if period["since"] != "2026-01-11" || period["until"] != "2026-02-10" {
		t.Errorf("period = %v", period)
	}
	if !strings.Contains(stdout.String(), "rolling_30d.json") {
		t.Errorf("stdout = %q", stdout.String())
	}
}

func TestIncrementalExplicitDatesUseDatedPeriod(t *testing.T) {
	d, _, _, _ := newTestDiagnoser(t)

	resultPath := filepath.Join(t.TempDir(), "incremental.json")
	if _, err := store.WriteCanonicalJSON(resultPath, validIncrementalPayload("2026-01-01_to_2026-01-31")); err != nil {
		t.Fatal(err)
	}

	rc := d.Incremental(context.Background(), IncrementalOptions{
		Since:      "2026-01-01",
		Until:      "2026-01-31",
		Window:     "30d",
		ResultFile: resultPath,
	})
	if rc != 0 {
		t.Fatalf("rc = %d", rc)
	}
	if _, err := os.Stat(d.store.IncrementalSidecarPath("2026-01-01_to_2026-01-31")); err != nil {
		t.Error("dated sidecar missing")
	}
}

func TestIncrementalSkillDryRunPreviewOnly(t *testing.T) {
	d, runner, stdout, _ := newTestDiagnoser(t)
	runner.incrementalPath = ""

	rc := d.Incremental(context.Background(), IncrementalOptions{
		Window:   "30d",
		Provider: "claude_cli",
		DryRun:   true,
	})
	if rc != 0 {
		t.Fatalf("rc = %d", rc)
	}
	if !strings.Contains(stdout.String(), "dry-run (skill runtime preview only)") {
		t.Errorf("stdout = %q", stdout.String())
	}
}

func TestIncrementalSyncHandoff(t *testing.T) {
	d, _, _, _ := newTestDiagnoser(t)

	var syncedPeriod string
	var syncedDry bool
	d.ReportSync = func(ctx context.Context, payload map[string]any, dryRun bool) int {
		syncedPeriod, _ = payload["period_id"].(string)
		syncedDry = dryRun
		return 0
	}

	resultPath := filepath.Join(t.TempDir(), "incremental.json")
	if _, err := store.WriteCanonicalJSON(resultPath, validIncrementalPayload("2026-W06")); err != nil {
		t.Fatal(err)
	}

	rc := d.Incremental(context.Background(), IncrementalOptions{
		PeriodID:   "2026-W06",
		ResultFile: resultPath,
		SyncReport: true,
	})
	if rc != 0 {
		t.Fatalf("rc = %d", rc)
	}
	if syncedPeriod != "2026-W06" || syncedDry {
		t.Errorf("sync got period=%q dry=%v", syncedPeriod, syncedDry)
	}
}

func TestCompactSessionForIncremental(t *testing.T) {
	session := map[string]any{
		"session_id": "s-1",
		"created_at": "2026-02-05T10:00:00Z",
		"labels":     []any{"工具失败", "路径问题"},
		"why": []any{
			map[string]any{
				"hypothesis": strings.Repeat("根", 40),
				"confidence": 0.87654,
				"evidence": []any{
					map[string]any{"session_id": "s-1", "turn_id": 3, "snippet": "用户补全路径后成功"},
					map[string]any{"session_id": "s-1", "turn_id": 5, "snippet": "第二条证据"},
				},
			},
		},
		"how_to_improve": []any{
			map[string]any{"action": strings.Repeat("动", 30)},
		},
	}

	compact := compactSessionForIncremental(session)
	labels := compact["labels"].([]any)
	if len(labels) != 1 || labels[0] != "工具失败" {
		t.Errorf("labels = %v", labels)
	}
	mechanism := compact["mechanism"].(map[string]any)
	if got := mechanism["hypothesis"].(string); len([]rune(got)) != 28 {
		t.Errorf("hypothesis length = %d", len([]rune(got)))
	}
	if mechanism["confidence"] != 0.877 {
		t.Errorf("confidence = %v", mechanism["confidence"])
	}
	refs := mechanism["evidence_refs"].([]any)
	if len(refs) != 1 || refs[0] != "s-1#T3" {
		t.Errorf("evidence refs = %v", refs)
	}
	if got := compact["action_ref"].(string); len([]rune(got)) != 14 {
		t.Errorf("action_ref length = %d", len([]rune(got)))
	}
}

func TestFilterSessionsByPeriod(t *testing.T) {
	sessions := []map[string]any{
		{"session_id": "early", "created_at": "2026-01-01T00:00:00Z"},
		{"session_id": "inside", "created_at": "2026-01-20T12:00:00Z"},
		{"session_id": "until-day", "created_at": "2026-02-10T23:00:00Z"},
		{"session_id": "late", "created_at": "2026-02-12T00:00:00Z"},
		{"session_id": "blank"},
	}

	got := filterSessionsByPeriod(sessions, "2026-01-11", "2026-02-10")
	if len(got) != 2 {
		t.Fatalf("filtered = %d", len(got))
	}
	if got[0]["session_id"] != "inside" || got[1]["session_id"] != "until-day" {
		t.Errorf("filtered = %v", got)
	}
}
