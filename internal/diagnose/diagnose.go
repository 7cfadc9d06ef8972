package diagnose

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"convoinsights/internal/contract"
	"convoinsights/internal/digest"
	"convoinsights/internal/skill"
	"convoinsights/internal/store"
)

// skillRunner is the slice of the skill runtime the diagnoser drives.
// *skill.Runtime satisfies it; tests substitute a fake.
type skillRunner interface {
	RunSessions(ctx context.Context, opts skill.RunOptions) int
	RunIncremental(ctx context.Context, opts skill.RunOptions, incrementalInput map[string]any) (int, string)
}

// Diagnoser orchestrates backfill and incremental diagnosis runs.
type Diagnoser struct {
	store  *store.Store
	logger *zap.Logger
	runner skillRunner
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time

	// ReportSync pushes a validated incremental payload into the analysis
	// reports database. Wired by the CLI when --sync-report is requested.
	ReportSync func(ctx context.Context, payload map[string]any, dryRun bool) int
}

// NewDiagnoser wires a Diagnoser over the given store.
func NewDiagnoser(st *store.Store, logger *zap.Logger) *Diagnoser {
	return &Diagnoser{
		store:  st,
		logger: logger,
		runner: skill.NewRuntime(st, logger),
		stdout: os.Stdout,
		stderr: os.Stderr,
		now:    time.Now,
	}
}

func (d *Diagnoser) fail(rc int, format string, args ...any) int {
	fmt.Fprintf(d.stderr, "ERROR: "+format+"\n", args...)
	return rc
}

func (d *Diagnoser) nowISO() string {
	return d.now().UTC().Format(time.RFC3339)
}

// resolveRange applies the window when no explicit dates are given. Using
// a window pins until to today so the period id stays reproducible.
func (d *Diagnoser) resolveRange(since, until, window string) (string, string, error) {
	if since != "" || until != "" || window == "" {
		return since, until, nil
	}
	parsedSince, err := ParseWindowToSince(window, d.now())
	if err != nil {
		return "", "", err
	}
	if parsedSince == "" {
		return "", "", nil
	}
	return parsedSince, d.now().UTC().Format("2006-01-02"), nil
}

// BackfillOptions parameterize one backfill run.
type BackfillOptions struct {
	Window       string
	Since        string
	Until        string
	Source       string
	Limit        int
	RunID        string
	Provider     string
	Model        string
	Timeout      time.Duration
	MaxWorkers   int
	ForceRefresh bool
	AllowPartial bool
	DryRun       bool
}

// sessionNeedsBackfill reports whether a session sidecar is missing,
// invalid, or carries no usable mechanism signal.
func (d *Diagnoser) sessionNeedsBackfill(sessionID string, forceRefresh bool) bool {
	if forceRefresh {
		return true
	}
	payload, err := store.ReadJSON(d.store.SessionSidecarPath(sessionID))
	if err != nil {
		return true
	}
	if len(contract.ValidateSessionMechanism(payload)) > 0 {
		return true
	}
	return !contract.SessionHasMechanismSignal(payload)
}

// writeRunBundle persists the run bundle and a troubleshooting hint file.
func (d *Diagnoser) writeRunBundle(runID, window, source string, limit int, digests []any) error {
	runDir := d.store.RunDir(runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}

	var limitValue any
	if limit > 0 {
		limitValue = limit
	}
	bundle := map[string]any{
		"schema_version": "diagnose-run.v1",
		"run_id":         runID,
		"created_at":     d.nowISO(),
		"window":         window,
		"source":         source,
		"limit":          limitValue,
		"session_count":  len(digests),
		"sessions":       digests,
	}
	if _, err := store.WriteCanonicalJSON(filepath.Join(runDir, "session_digests.json"), bundle); err != nil {
		return err
	}

	hint := strings.Join([]string{
		"# Diagnose Run (Internal Debug Bundle)",
		"",
		fmt.Sprintf("- run_id: `%s`", runID),
		fmt.Sprintf("- sessions: `%d`", len(digests)),
		"",
		"此目录用于故障排查，不是日常运行入口。",
		"",
		"## Recommended",
		"",
		"请优先使用统一入口：",
		"- `insights run`",
		"- `insights run --mode full`",
	}, "\n")
	return os.WriteFile(filepath.Join(runDir, "README.md"), []byte(hint), 0o644)
}

// Backfill regenerates session sidecars that are missing or low quality,
// then applies the run results. The returned value is the process exit
// code.
func (d *Diagnoser) Backfill(ctx context.Context, opts BackfillOptions) int {
	if err := d.store.EnsureDirs(); err != nil {
		return d.fail(1, "%v", err)
	}

	since, until, err := d.resolveRange(opts.Since, opts.Until, opts.Window)
	if err != nil {
		return d.fail(2, "%v", err)
	}

	source := opts.Source
	if source == "all" {
		source = ""
	}
	conversations := store.LoadConversations(d.store.ConversationsDir(), store.ConversationFilter{
		Since:  since,
		Until:  until,
		Source: source,
	})
	if opts.Limit > 0 && len(conversations) > opts.Limit {
		conversations = conversations[:opts.Limit]
	}

	var targets []map[string]any
	for _, conv := range conversations {
		sessionID, _ := conv["session_id"].(string)
		sessionID = strings.TrimSpace(sessionID)
		if sessionID == "" {
			continue
		}
		if d.sessionNeedsBackfill(sessionID, opts.ForceRefresh) {
			targets = append(targets, conv)
		}
	}
	if len(targets) == 0 {
		fmt.Fprintf(d.stdout, "[diagnose-backfill] no target sessions (checked=%d window=%s)\n",
			len(conversations), opts.Window)
		return 0
	}

	runID := opts.RunID
	if runID == "" {
		runID = "backfill-" + d.now().UTC().Format("20060102T150405Z")
	}
	digests := make([]any, 0, len(targets))
	for _, conv := range targets {
		digests = append(digests, digest.Build(conv))
	}
	if err := d.writeRunBundle(runID, opts.Window, opts.Source, opts.Limit, digests); err != nil {
		return d.fail(1, "write run bundle: %v", err)
	}

	fmt.Fprintf(d.stdout, "[diagnose-backfill] prepared run_id=%s targets=%d checked=%d\n",
		runID, len(targets), len(conversations))

	runRC := d.runner.RunSessions(ctx, skill.RunOptions{
		RunID:        runID,
		Provider:     opts.Provider,
		Model:        opts.Model,
		Timeout:      opts.Timeout,
		MaxWorkers:   opts.MaxWorkers,
		AllowPartial: opts.AllowPartial,
		DryRun:       opts.DryRun,
	})
	if runRC != 0 {
		return runRC
	}
	if opts.DryRun {
		return 0
	}

	resultPath := filepath.Join(d.store.RunDir(runID), fmt.Sprintf("api_%s_results.json", opts.Provider))
	if _, err := os.Stat(resultPath); err != nil {
		return d.fail(2, "backfill result file missing: %s", resultPath)
	}
	return d.ApplySessionResults(runID, resultPath, opts.AllowPartial)
}

// normalizeSessionPayload accepts a list of records, a {"sessions": [...]}
// wrapper, or a map keyed by session id.
func normalizeSessionPayload(raw map[string]any, rawList []any) []map[string]any {
	if rawList != nil {
		var items []map[string]any
		for _, entry := range rawList {
			if m, ok := entry.(map[string]any); ok {
				items = append(items, m)
			}
		}
		return items
	}
	if raw == nil {
		return nil
	}
	if sessions, ok := raw["sessions"].([]any); ok {
		var items []map[string]any
		for _, entry := range sessions {
			if m, ok := entry.(map[string]any); ok {
				items = append(items, m)
			}
		}
		return items
	}

	sids := make([]string, 0, len(raw))
	for sid, value := range raw {
		if _, ok := value.(map[string]any); ok {
			sids = append(sids, sid)
		}
	}
	sort.Strings(sids)

	items := make([]map[string]any, 0, len(sids))
	for _, sid := range sids {
		value := raw[sid].(map[string]any)
		item := make(map[string]any, len(value)+1)
		for k, v := range value {
			item[k] = v
		}
		if _, has := item["session_id"]; !has {
			item["session_id"] = sid
		}
		items = append(items, item)
	}
	return items
}

// ApplySessionResults validates a run's session mechanism payloads and
// persists them as sidecars. Invalid records abort unless allowPartial,
// in which case they are recorded alongside the run.
func (d *Diagnoser) ApplySessionResults(runID, resultPath string, allowPartial bool) int {
	if err := d.store.EnsureDirs(); err != nil {
		return d.fail(1, "%v", err)
	}

	raw, rawList, err := readResultPayload(resultPath)
	if err != nil {
		if os.IsNotExist(err) {
			return d.fail(2, "result file not found: %s", resultPath)
		}
		return d.fail(2, "failed to read result file: %v", err)
	}

	items := normalizeSessionPayload(raw, rawList)
	if len(items) == 0 {
		return d.fail(2, "no session mechanism records found in result payload")
	}

	var invalidLines []string
	var invalidRecords []any
	var validItems []map[string]any

	for index, item := range items {
		record := make(map[string]any, len(item)+3)
		for k, v := range item {
			record[k] = v
		}
		if _, has := record["schema_version"]; !has {
			record["schema_version"] = "session-mechanism.v1"
		}
		generatedBy, _ := record["generated_by"].(map[string]any)
		stamped := make(map[string]any, 5)
		for k, v := range generatedBy {
			stamped[k] = v
		}
		for key, fallback := range map[string]string{
			"engine":       "api",
			"provider":     "api",
			"model":        "skill",
			"run_id":       runID,
			"generated_at": d.nowISO(),
		} {
			if _, has := stamped[key]; !has {
				stamped[key] = fallback
			}
		}
		record["generated_by"] = stamped

		createdAt, _ := record["created_at"].(string)
		if week, _ := record["week"].(string); week == "" && createdAt != "" {
			record["week"] = digest.WeekLabel(createdAt)
		}
		if periodID, _ := record["period_id"].(string); periodID == "" {
			if week, _ := record["week"].(string); week != "" {
				record["period_id"] = week
			}
		}

		errs := contract.ValidateSessionMechanism(record)
		if len(errs) > 0 {
			sessionID, _ := record["session_id"].(string)
			invalidLines = append(invalidLines,
				fmt.Sprintf("index %d session_id=%s: %s", index, sessionID, strings.Join(errs, "; ")))
			errList := make([]any, 0, len(errs))
			for _, msg := range errs {
				errList = append(errList, msg)
			}
			invalidRecords = append(invalidRecords, map[string]any{
				"index":      index,
				"session_id": sessionID,
				"errors":     errList,
			})
			continue
		}
		validItems = append(validItems, record)
	}

	runDir := d.store.RunDir(runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return d.fail(1, "%v", err)
	}

	if len(invalidLines) > 0 && !allowPartial {
		fmt.Fprintln(d.stderr, "ERROR: session mechanism validation failed:")
		for _, line := range invalidLines {
			fmt.Fprintf(d.stderr, "  - %s\n", line)
		}
		return 1
	}
	if len(invalidLines) > 0 {
		invalidPath := filepath.Join(runDir, "invalid_session_mechanisms.json")
		if _, err := store.WriteCanonicalJSON(invalidPath, map[string]any{
			"schema_version":  "diagnose-invalid-session-mechanisms.v1",
			"run_id":          runID,
			"generated_at":    d.nowISO(),
			"invalid_count":   len(invalidRecords),
			"invalid_records": invalidRecords,
		}); err != nil {
			return d.fail(1, "write invalid records: %v", err)
		}
		fmt.Fprintf(d.stdout, "[diagnose-apply] warning: skipped invalid session mechanisms=%d\n", len(invalidRecords))
		fmt.Fprintf(d.stdout, "[diagnose-apply] invalid_details=%s\n", invalidPath)
	}

	if len(validItems) == 0 {
		return d.fail(1, "no valid session mechanisms after validation")
	}

	created, updated := 0, 0
	for _, record := range validItems {
		sessionID, _ := record["session_id"].(string)
		outPath := d.store.SessionSidecarPath(sessionID)
		_, statErr := os.Stat(outPath)
		existed := statErr == nil

		changed, err := store.WriteCanonicalJSON(outPath, record)
		if err != nil {
			return d.fail(1, "write sidecar %s: %v", sessionID, err)
		}
		if !changed {
			continue
		}
		if existed {
			updated++
		} else {
			created++
		}
	}

	if _, err := store.WriteCanonicalJSON(filepath.Join(runDir, "apply_summary.json"), map[string]any{
		"schema_version":  "diagnose-apply-summary.v1",
		"run_id":          runID,
		"applied_at":      d.nowISO(),
		"result_file":     resultPath,
		"records_valid":   len(validItems),
		"records_invalid": len(invalidRecords),
		"created":         created,
		"updated":         updated,
	}); err != nil {
		return d.fail(1, "write apply summary: %v", err)
	}

	fmt.Fprintf(d.stdout, "[diagnose-apply] run_id=%s\n", runID)
	fmt.Fprintf(d.stdout, "[diagnose-apply] valid=%d created=%d updated=%d\n", len(validItems), created, updated)
	return 0
}
