package diagnose

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"convoinsights/internal/contract"
	"convoinsights/internal/digest"
	"convoinsights/internal/dimensions"
	"convoinsights/internal/skill"
	"convoinsights/internal/store"
)

const (
	incrementalHypothesisChars = 28
	incrementalActionChars     = 14
)

// IncrementalOptions parameterize one incremental run.
type IncrementalOptions struct {
	PeriodID   string
	Window     string
	Since      string
	Until      string
	ResultFile string
	RunID      string
	Provider   string
	Model      string
	Timeout    time.Duration
	SyncReport bool
	DryRun     bool
}

func readResultPayload(path string) (map[string]any, []any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var asList []any
	if err := json.Unmarshal(data, &asList); err == nil {
		return nil, asList, nil
	}
	var asMap map[string]any
	if err := json.Unmarshal(data, &asMap); err != nil {
		return nil, nil, err
	}
	return asMap, nil, nil
}

// filterSessionsByPeriod keeps sidecars whose created_at falls inside the
// date range. The until bound is inclusive through the end of that day.
func filterSessionsByPeriod(sessions []map[string]any, since, until string) []map[string]any {
	var sinceTime, untilTime time.Time
	if since != "" {
		sinceTime, _ = time.Parse("2006-01-02", since)
	}
	if until != "" {
		parsed, _ := time.Parse("2006-01-02", until)
		untilTime = parsed.AddDate(0, 0, 1)
	}

	var filtered []map[string]any
	for _, item := range sessions {
		createdAt, _ := item["created_at"].(string)
		if strings.TrimSpace(createdAt) == "" {
			continue
		}
		created := digest.ParseTimestamp(createdAt)
		if !sinceTime.IsZero() && created.Before(sinceTime) {
			continue
		}
		if !untilTime.IsZero() && created.After(untilTime) {
			continue
		}
		filtered = append(filtered, item)
	}
	return filtered
}

// compactSessionForIncremental shrinks one session sidecar into the tight
// per-session record of IncrementalInputV1: one truncated hypothesis, one
// evidence ref, one action ref, one label.
func compactSessionForIncremental(session map[string]any) map[string]any {
	compact := map[string]any{
		"session_id": strings.TrimSpace(stringOf(session["session_id"])),
		"created_at": strings.TrimSpace(stringOf(session["created_at"])),
	}

	if labels, ok := session["labels"].([]any); ok {
		cleaned := make([]any, 0, 1)
		for _, label := range labels {
			if text, ok := label.(string); ok && strings.TrimSpace(text) != "" {
				cleaned = append(cleaned, strings.TrimSpace(text))
			}
			if len(cleaned) == 1 {
				break
			}
		}
		compact["labels"] = cleaned
	}

	whyItems, _ := session["why"].([]any)
	for _, entry := range whyItems {
		why, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		hypothesis := strings.TrimSpace(stringOf(why["hypothesis"]))
		if hypothesis == "" {
			continue
		}
		mechanism := map[string]any{
			"hypothesis": digest.Snippet(hypothesis, incrementalHypothesisChars),
		}
		if confidence, ok := floatOf(why["confidence"]); ok {
			mechanism["confidence"] = math.Round(confidence*1000) / 1000
		}
		if evidenceRaw, ok := why["evidence"].([]any); ok {
			var concrete []map[string]any
			for _, evEntry := range evidenceRaw {
				if ev, ok := evEntry.(map[string]any); ok && contract.HasValidEvidenceItem(ev) {
					concrete = append(concrete, ev)
				}
			}
			var refs []any
			for _, ev := range contract.SelectDiverseEvidence(concrete, 1, 1) {
				sid := strings.TrimSpace(stringOf(ev["session_id"]))
				tid, _ := intValueOf(ev["turn_id"])
				if sid != "" && tid > 0 {
					refs = append(refs, fmt.Sprintf("%s#T%d", sid, tid))
				}
			}
			if len(refs) > 0 {
				mechanism["evidence_refs"] = refs
			}
		}
		compact["mechanism"] = mechanism
		break
	}

	actions, _ := session["how_to_improve"].([]any)
	for _, entry := range actions {
		action, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		doAction := strings.TrimSpace(stringOf(action["action"]))
		if doAction == "" {
			continue
		}
		compact["action_ref"] = digest.Snippet(doAction, incrementalActionChars)
		break
	}
	return compact
}

// buildIncrementalInput assembles the IncrementalInputV1 payload.
func (d *Diagnoser) buildIncrementalInput(periodID, runID, window, since, until string, sessionsTotal int, sessions []map[string]any) map[string]any {
	period := map[string]any{}
	if window != "" {
		period["window"] = window
	}
	if since != "" {
		period["since"] = since
	}
	if until != "" {
		period["until"] = until
	}

	compactSessions := make([]any, 0, len(sessions))
	for _, session := range sessions {
		compactSessions = append(compactSessions, compactSessionForIncremental(session))
	}
	total := sessionsTotal
	if len(compactSessions) > total {
		total = len(compactSessions)
	}

	return map[string]any{
		"schema_version": "incremental-input.v1",
		"period_id":      periodID,
		"generated_at":   d.nowISO(),
		"source_run_id":  runID,
		"period":         period,
		"coverage": map[string]any{
			"sessions_total":          total,
			"sessions_with_mechanism": len(compactSessions),
		},
		"sessions": compactSessions,
	}
}

func coerceIncrementalPayload(raw map[string]any) map[string]any {
	if raw == nil {
		return nil
	}
	if raw["schema_version"] == "incremental-mechanism.v1" {
		return raw
	}
	if wrapped, ok := raw["incremental"].(map[string]any); ok {
		return wrapped
	}
	return nil
}

// Incremental builds or applies one period's incremental mechanism
// payload, optionally syncing it to the reports database. The returned
// value is the process exit code.
func (d *Diagnoser) Incremental(ctx context.Context, opts IncrementalOptions) int {
	if err := d.store.EnsureDirs(); err != nil {
		return d.fail(1, "%v", err)
	}

	since, until, err := d.resolveRange(opts.Since, opts.Until, opts.Window)
	if err != nil {
		return d.fail(2, "%v", err)
	}

	// The period label comes from the caller-supplied range, not the
	// resolved one: a pure window run labels as rolling_<window> while the
	// resolved dates still drive filtering and the period envelope.
	periodID := BuildPeriodID(strings.TrimSpace(opts.Since), strings.TrimSpace(opts.Until), opts.Window, opts.PeriodID)
	runID := opts.RunID
	if runID == "" {
		runID = "incremental-" + periodID
	}

	sourceConversations := store.LoadConversations(d.store.ConversationsDir(), store.ConversationFilter{
		Since: since,
		Until: until,
	})

	sidecars := store.LoadSessionSidecars(d.store.SessionInsightsDir())
	var validSidecars []map[string]any
	for _, item := range sidecars {
		if len(contract.ValidateSessionMechanism(item)) > 0 {
			continue
		}
		validSidecars = append(validSidecars, item)
	}
	filtered := filterSessionsByPeriod(validSidecars, since, until)

	var payload map[string]any
	if opts.ResultFile != "" {
		raw, _, err := readResultPayload(opts.ResultFile)
		if err != nil {
			if os.IsNotExist(err) {
				return d.fail(2, "result file not found: %s", opts.ResultFile)
			}
			return d.fail(2, "failed to read result file: %v", err)
		}
		payload = coerceIncrementalPayload(raw)
		if len(payload) == 0 {
			return d.fail(2, "incremental result payload is empty or malformed")
		}
		payloadPeriod := stringOf(payload["period_id"])
		if payloadPeriod == "" {
			payloadPeriod = stringOf(payload["week"])
		}
		if opts.PeriodID != "" && payloadPeriod != opts.PeriodID {
			return d.fail(2, "payload period=%s does not match --period-id %s", payloadPeriod, opts.PeriodID)
		}
	} else {
		input := d.buildIncrementalInput(periodID, runID, opts.Window, since, until, len(sourceConversations), filtered)
		runtimeRC, generatedPath := d.runner.RunIncremental(ctx, skill.RunOptions{
			RunID:    runID,
			Provider: opts.Provider,
			Model:    opts.Model,
			Timeout:  opts.Timeout,
			DryRun:   opts.DryRun,
		}, input)
		if runtimeRC != 0 {
			return runtimeRC
		}
		if opts.DryRun && generatedPath == "" {
			fmt.Fprintf(d.stdout, "[diagnose-incremental] period=%s dry-run (skill runtime preview only)\n", periodID)
			return 0
		}
		if generatedPath == "" {
			return d.fail(2, "incremental skill result file missing")
		}
		raw, err := store.ReadJSON(generatedPath)
		if err != nil {
			return d.fail(2, "incremental skill result file missing")
		}
		payload = coerceIncrementalPayload(raw)
		if len(payload) == 0 {
			return d.fail(2, "incremental skill result payload is empty or malformed")
		}
	}

	setDefault(payload, "schema_version", "incremental-mechanism.v1")
	setDefault(payload, "period_id", periodID)
	week := stringOf(payload["period_id"])
	if week == "" {
		week = periodID
	}
	setDefault(payload, "week", week)
	setDefault(payload, "source_run_id", runID)
	setDefault(payload, "generated_at", d.nowISO())

	period, ok := payload["period"].(map[string]any)
	if !ok {
		period = map[string]any{}
		payload["period"] = period
	}
	if since != "" && stringOf(period["since"]) == "" {
		period["since"] = since
	}
	if until != "" && stringOf(period["until"]) == "" {
		period["until"] = until
	}

	coverage, ok := payload["coverage"].(map[string]any)
	if !ok {
		coverage = map[string]any{}
		payload["coverage"] = coverage
	}
	setDefault(coverage, "sessions_total", len(sourceConversations))
	setDefault(coverage, "sessions_with_mechanism", len(filtered))

	if reports, ok := payload["reports"].([]any); ok {
		var items []map[string]any
		for _, entry := range reports {
			if m, ok := entry.(map[string]any); ok {
				items = append(items, m)
			}
		}
		sorted := make([]any, 0, len(items))
		for _, item := range dimensions.SortReports(items) {
			sorted = append(sorted, item)
		}
		payload["reports"] = sorted
	}

	if errs := contract.ValidateIncrementalMechanism(payload); len(errs) > 0 {
		fmt.Fprintln(d.stderr, "ERROR: incremental mechanism validation failed:")
		for _, msg := range errs {
			fmt.Fprintf(d.stderr, "  - %s\n", msg)
		}
		return 1
	}

	if opts.DryRun {
		fmt.Fprintf(d.stdout, "[diagnose-incremental] period=%s dry-run\n", periodID)
		coverageJSON, _ := store.EncodeCompact(payload["coverage"])
		reports, _ := payload["reports"].([]any)
		fmt.Fprintf(d.stdout, "[diagnose-incremental] reports=%d coverage=%s\n",
			len(reports), strings.TrimSpace(string(coverageJSON)))
	} else {
		outPath := d.store.IncrementalSidecarPath(periodID)
		if _, err := store.WriteCanonicalJSON(outPath, payload); err != nil {
			return d.fail(1, "write incremental sidecar: %v", err)
		}
		fmt.Fprintf(d.stdout, "[diagnose-incremental] written: %s\n", outPath)
	}

	if opts.SyncReport {
		if d.ReportSync == nil {
			return d.fail(2, "report sync is not configured")
		}
		return d.ReportSync(ctx, payload, opts.DryRun)
	}
	return 0
}

func setDefault(m map[string]any, key string, value any) {
	if existing, has := m[key]; has && existing != nil {
		if text, isText := existing.(string); !isText || strings.TrimSpace(text) != "" {
			return
		}
	}
	m[key] = value
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

func floatOf(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func intValueOf(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == math.Trunc(n) {
			return int(n), true
		}
	}
	return 0, false
}
