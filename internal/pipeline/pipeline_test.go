package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"convoinsights/internal/config"
	"convoinsights/internal/diagnose"
	"convoinsights/internal/store"
)

type fakeDiagnoser struct {
	backfillOpts    []diagnose.BackfillOptions
	backfillRC      int
	incrementalOpts []diagnose.IncrementalOptions
	incrementalRC   int
}

func (f *fakeDiagnoser) Backfill(ctx context.Context, opts diagnose.BackfillOptions) int {
	f.backfillOpts = append(f.backfillOpts, opts)
	return f.backfillRC
}

func (f *fakeDiagnoser) Incremental(ctx context.Context, opts diagnose.IncrementalOptions) int {
	f.incrementalOpts = append(f.incrementalOpts, opts)
	return f.incrementalRC
}

func fullStagesConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Stages.Ingest = map[string][]string{
		"claude_code": {"python3", "scripts/ingest_claude_code.py"},
		"codex":       {"python3", "scripts/ingest_codex.py"},
	}
	cfg.Stages.Enrich = []string{"python3", "scripts/auto_enricher.py"}
	cfg.Stages.StatsSync = []string{"python3", "scripts/sync_notion_stats.py"}
	cfg.Stages.Dashboard = []string{"python3", "scripts/dashboard.py"}
	return cfg
}

func newTestPipeline(t *testing.T, cfg *config.Config) (*Pipeline, *fakeDiagnoser, *[][]string, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	st := store.New(t.TempDir())
	if err := st.EnsureDirs(); err != nil {
		t.Fatal(err)
	}

	diag := &fakeDiagnoser{}
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	p := New(st, cfg, zap.NewNop(), nil)
	p.diagnoser = diag
	p.stdout = stdout
	p.stderr = stderr
	p.now = func() time.Time { return time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC) }

	executed := &[][]string{}
	p.execCommand = func(ctx context.Context, argv []string) int {
		*executed = append(*executed, argv)
		return 0
	}
	return p, diag, executed, stdout, stderr
}

func defaultRunOptions() RunOptions {
	return RunOptions{
		Mode:            "incremental",
		Window:          "30d",
		ReportLimit:     50,
		SkillProvider:   "claude_cli",
		SkillTimeoutSec: 180,
		SkillMaxWorkers: 4,
	}
}

func TestRunExecutesChainInOrder(t *testing.T) {
	p, diag, executed, stdout, _ := newTestPipeline(t, fullStagesConfig())

	rc := p.Run(context.Background(), defaultRunOptions())
	if rc != 0 {
		t.Fatalf("rc = %d, stdout = %q", rc, stdout.String())
	}

	if len(*executed) != 5 {
		t.Fatalf("executed = %d commands: %v", len(*executed), *executed)
	}
	if (*executed)[0][1] != "scripts/ingest_claude_code.py" || (*executed)[1][1] != "scripts/ingest_codex.py" {
		t.Errorf("ingest order = %v", (*executed)[:2])
	}
	if (*executed)[2][1] != "scripts/auto_enricher.py" {
		t.Errorf("enrich = %v", (*executed)[2])
	}

	stats := (*executed)[3]
	joined := strings.Join(stats, " ")
	if !strings.Contains(joined, "--append") || !strings.Contains(joined, "--period rolling_30d") {
		t.Errorf("stats argv = %v", stats)
	}

	if len(diag.backfillOpts) != 1 || diag.backfillOpts[0].Window != "30d" || diag.backfillOpts[0].MaxWorkers != 4 {
		t.Errorf("backfill opts = %+v", diag.backfillOpts)
	}
	if len(diag.incrementalOpts) != 1 || !diag.incrementalOpts[0].SyncReport {
		t.Errorf("incremental opts = %+v", diag.incrementalOpts)
	}

	out := stdout.String()
	order := []string{
		"step=ingest_claude_code start",
		"step=ingest_codex start",
		"step=enrich_heuristic start",
		"step=diagnose_backfill start",
		"step=diagnose_incremental start",
		"step=sync_stats start",
	}
	last := -1
	for _, marker := range order {
		idx := strings.Index(out, marker)
		if idx < 0 || idx < last {
			t.Errorf("marker %q out of order in output", marker)
		}
		last = idx
	}

	if !strings.Contains(out, `"schema_version": "pipeline-run-summary.v1"`) {
		t.Errorf("summary missing: %q", out)
	}
	if !strings.Contains(out, `"ok": true`) {
		t.Errorf("summary not ok: %q", out)
	}
}

func TestRunDashboardUsesConfiguredStage(t *testing.T) {
	p, _, executed, _, _ := newTestPipeline(t, fullStagesConfig())

	opts := defaultRunOptions()
	opts.Output = "out/dashboard.md"
	opts.NoNotion = true
	rc := p.Run(context.Background(), opts)
	if rc != 0 {
		t.Fatalf("rc = %d", rc)
	}

	dashboard := (*executed)[len(*executed)-1]
	joined := strings.Join(dashboard, " ")
	if !strings.Contains(joined, "scripts/dashboard.py") ||
		!strings.Contains(joined, "--output out/dashboard.md") ||
		!strings.Contains(joined, "--report-limit 50") ||
		!strings.Contains(joined, "--no-notion") {
		t.Errorf("dashboard argv = %v", dashboard)
	}
}

func TestRunFullModeUsesAllTimeWindow(t *testing.T) {
	p, diag, executed, _, _ := newTestPipeline(t, fullStagesConfig())

	opts := defaultRunOptions()
	opts.Mode = "full"
	rc := p.Run(context.Background(), opts)
	if rc != 0 {
		t.Fatalf("rc = %d", rc)
	}
	if diag.backfillOpts[0].Window != "all-time" || diag.incrementalOpts[0].Window != "all-time" {
		t.Errorf("window = %q / %q", diag.backfillOpts[0].Window, diag.incrementalOpts[0].Window)
	}
	stats := strings.Join((*executed)[3], " ")
	if !strings.Contains(stats, "--period rolling_all-time") {
		t.Errorf("stats argv = %v", (*executed)[3])
	}
}

func TestRunStopsOnStageFailure(t *testing.T) {
	p, diag, _, stdout, stderr := newTestPipeline(t, fullStagesConfig())
	p.execCommand = func(ctx context.Context, argv []string) int { return 1 }

	rc := p.Run(context.Background(), defaultRunOptions())
	if rc != 1 {
		t.Fatalf("rc = %d", rc)
	}
	if !strings.Contains(stderr.String(), "[pipeline] step=ingest_claude_code failed rc=1") {
		t.Errorf("stderr = %q", stderr.String())
	}
	if len(diag.backfillOpts) != 0 {
		t.Error("later stages must not run after a failure")
	}
	if !strings.Contains(stdout.String(), `"ok": false`) {
		t.Errorf("summary = %q", stdout.String())
	}
}

func TestRunSkipsUnconfiguredStages(t *testing.T) {
	p, diag, executed, stdout, _ := newTestPipeline(t, config.DefaultConfig())

	rc := p.Run(context.Background(), defaultRunOptions())
	if rc != 0 {
		t.Fatalf("rc = %d", rc)
	}
	if len(*executed) != 0 {
		t.Errorf("executed = %v", *executed)
	}
	out := stdout.String()
	for _, marker := range []string{
		"step=enrich_heuristic skipped (not configured)",
		"step=sync_stats skipped (not configured)",
		"step=dashboard skipped (not configured)",
	} {
		if !strings.Contains(out, marker) {
			t.Errorf("missing %q in %q", marker, out)
		}
	}
	if len(diag.backfillOpts) != 1 || len(diag.incrementalOpts) != 1 {
		t.Error("diagnose stages must still run")
	}
}

func TestRunSkipFlags(t *testing.T) {
	p, diag, executed, _, _ := newTestPipeline(t, fullStagesConfig())

	opts := defaultRunOptions()
	opts.SkipIngest = true
	opts.SkipEnrich = true
	opts.SkipBackfill = true
	rc := p.Run(context.Background(), opts)
	if rc != 0 {
		t.Fatalf("rc = %d", rc)
	}
	for _, argv := range *executed {
		joined := strings.Join(argv, " ")
		if strings.Contains(joined, "ingest") || strings.Contains(joined, "enricher") {
			t.Errorf("skipped stage executed: %v", argv)
		}
	}
	if len(diag.backfillOpts) != 0 {
		t.Error("backfill must be skipped")
	}
	if len(diag.incrementalOpts) != 1 {
		t.Error("incremental always runs")
	}
}

func TestRunDryRunPropagates(t *testing.T) {
	p, diag, executed, _, _ := newTestPipeline(t, fullStagesConfig())

	opts := defaultRunOptions()
	opts.DryRun = true
	rc := p.Run(context.Background(), opts)
	if rc != 0 {
		t.Fatalf("rc = %d", rc)
	}
	if !diag.backfillOpts[0].DryRun || !diag.incrementalOpts[0].DryRun {
		t.Error("dry-run not propagated to diagnose stages")
	}
	stats := strings.Join((*executed)[3], " ")
	if !strings.Contains(stats, "--dry-run") {
		t.Errorf("stats argv = %v", (*executed)[3])
	}
	dashboard := strings.Join((*executed)[4], " ")
	if !strings.Contains(dashboard, "--no-notion") {
		t.Errorf("dashboard argv = %v", (*executed)[4])
	}
}

func TestTestSubcommand(t *testing.T) {
	p, _, executed, _, _ := newTestPipeline(t, config.DefaultConfig())

	rc := p.Test(context.Background(), "segmented")
	if rc != 0 {
		t.Fatalf("rc = %d", rc)
	}
	if len(*executed) != 2 {
		t.Fatalf("executed = %v", *executed)
	}
	if strings.Join((*executed)[0], " ") != "go vet ./..." {
		t.Errorf("vet argv = %v", (*executed)[0])
	}
	test := strings.Join((*executed)[1], " ")
	if !strings.HasPrefix(test, "go test -count=1 ./internal/contract/...") {
		t.Errorf("test argv = %v", (*executed)[1])
	}

	*executed = nil
	if rc := p.Test(context.Background(), "full"); rc != 0 {
		t.Fatalf("rc = %d", rc)
	}
	if strings.Join((*executed)[1], " ") != "go test -count=1 ./..." {
		t.Errorf("full test argv = %v", (*executed)[1])
	}
}

func TestDoctorFailsOnEmptyProject(t *testing.T) {
	p, _, _, stdout, _ := newTestPipeline(t, config.DefaultConfig())

	rc := p.Doctor(false)
	if rc != 1 {
		t.Fatalf("rc = %d", rc)
	}
	out := stdout.String()
	if !strings.Contains(out, "Pipeline Doctor") {
		t.Errorf("header missing: %q", out)
	}
	if !strings.Contains(out, "[FAIL] conversation_files: 0") {
		t.Errorf("out = %q", out)
	}
	if !strings.Contains(out, "[OK] insights_session_dir_exists:") {
		t.Errorf("out = %q", out)
	}
}

func TestDoctorHealthyProject(t *testing.T) {
	p, _, _, stdout, _ := newTestPipeline(t, config.DefaultConfig())

	if err := os.WriteFile(p.store.ConfigPath(), []byte("name: test\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(p.store.ConversationsDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	conv := map[string]any{
		"schema_version": "1.2",
		"session_id":     "s-1",
		"created_at":     "2026-02-05T10:00:00Z",
		"metadata": map[string]any{
			"llm_metadata": map[string]any{"task_type": "debugging"},
		},
	}
	if _, err := store.WriteCanonicalJSON(p.store.ConversationsDir()+"/s-1.json", conv); err != nil {
		t.Fatal(err)
	}

	rc := p.Doctor(false)
	if rc != 0 {
		t.Fatalf("rc = %d, out = %q", rc, stdout.String())
	}
	if strings.Contains(stdout.String(), "[FAIL]") {
		t.Errorf("out = %q", stdout.String())
	}
}

func TestDoctorJSONOutput(t *testing.T) {
	p, _, _, stdout, _ := newTestPipeline(t, config.DefaultConfig())

	rc := p.Doctor(true)
	if rc != 1 {
		t.Fatalf("rc = %d", rc)
	}
	var report map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if report["overall_ok"] != false {
		t.Errorf("overall_ok = %v", report["overall_ok"])
	}
	checks := report["checks"].([]any)
	if len(checks) != 10 {
		t.Errorf("checks = %d", len(checks))
	}
}

func TestDoctorFlagsInvalidSidecars(t *testing.T) {
	p, _, _, stdout, _ := newTestPipeline(t, config.DefaultConfig())

	bad := map[string]any{"schema_version": "wrong"}
	if _, err := store.WriteCanonicalJSON(p.store.SessionSidecarPath("s-bad"), bad); err != nil {
		t.Fatal(err)
	}

	rc := p.Doctor(false)
	if rc != 1 {
		t.Fatalf("rc = %d", rc)
	}
	if !strings.Contains(stdout.String(), "[FAIL] session_mechanism_contract:") {
		t.Errorf("out = %q", stdout.String())
	}
}
