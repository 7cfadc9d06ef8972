package skill

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"convoinsights/internal/store"
)

// Runtime executes Skill-backed inference runs against a job bundle.
type Runtime struct {
	store  *store.Store
	logger *zap.Logger
	stdout io.Writer
	stderr io.Writer

	// newClient is swapped in tests to avoid real providers.
	newClient func(provider, model string, timeout time.Duration) (Client, error)
	now       func() time.Time
}

// NewRuntime wires a Runtime over the given store.
func NewRuntime(st *store.Store, logger *zap.Logger) *Runtime {
	return &Runtime{
		store:     st,
		logger:    logger,
		stdout:    os.Stdout,
		stderr:    os.Stderr,
		newClient: NewClient,
		now:       time.Now,
	}
}

// RunOptions parameterize one provider-backed run.
type RunOptions struct {
	RunID        string
	Provider     string
	Model        string
	Timeout      time.Duration
	MaxWorkers   int
	AllowPartial bool
	DryRun       bool
}

func (r *Runtime) nowISO() string {
	return r.now().UTC().Format(time.RFC3339)
}

// LoadRunBundle reads the session_digests.json bundle of one run.
func (r *Runtime) LoadRunBundle(runID string) (map[string]any, error) {
	path := filepath.Join(r.store.RunDir(runID), "session_digests.json")
	bundle, err := store.ReadJSON(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("run bundle not found: %s", path)
		}
		return nil, err
	}
	return bundle, nil
}

func (r *Runtime) fail(rc int, format string, args ...any) int {
	fmt.Fprintf(r.stderr, "ERROR: "+format+"\n", args...)
	return rc
}

type indexedDigest struct {
	index  int
	digest map[string]any
}

// RunSessions executes session mechanism inference for every digest in the
// run bundle, writing preview, results, and error files under the run
// directory. The returned value is the process exit code.
func (r *Runtime) RunSessions(ctx context.Context, opts RunOptions) int {
	if !IsSupportedProvider(opts.Provider) {
		return r.fail(2, "unsupported provider: %s", opts.Provider)
	}
	model := opts.Model
	if model == "" {
		model, _ = DefaultModel(opts.Provider)
	}

	bundle, err := r.LoadRunBundle(opts.RunID)
	if err != nil {
		return r.fail(1, "%v", err)
	}
	sessions := mapSliceOf(bundle["sessions"])
	runDir := r.store.RunDir(opts.RunID)

	previewPath := filepath.Join(runDir, fmt.Sprintf("api_%s_preview.json", opts.Provider))
	if _, err := store.WriteCanonicalJSON(previewPath, map[string]any{
		"schema_version": "diagnose-api-preview.v1",
		"run_id":         opts.RunID,
		"provider":       opts.Provider,
		"model":          model,
		"dry_run":        opts.DryRun,
		"session_count":  len(sessions),
		"generated_at":   r.nowISO(),
		"note":           "API execution preview. Non-dry-run requires valid provider credentials.",
	}); err != nil {
		return r.fail(1, "write preview: %v", err)
	}
	if opts.DryRun {
		fmt.Fprintf(r.stdout, "[diagnose-run] api dry-run preview: %s\n", previewPath)
		return 0
	}

	skillPrompt, err := LoadSessionSkill(r.store.SkillsDir())
	if err != nil {
		return r.fail(2, "%v", err)
	}
	client, err := r.newClient(opts.Provider, model, opts.Timeout)
	if err != nil {
		return r.fail(2, "%v", err)
	}

	var items []indexedDigest
	for idx, digest := range sessions {
		if sessionID, _ := digest["session_id"].(string); sessionID != "" {
			items = append(items, indexedDigest{index: idx + 1, digest: digest})
		}
	}
	total := len(items)
	if total == 0 {
		return r.fail(1, "no valid sessions in run bundle")
	}

	results := make([]map[string]any, len(items))
	var failed []map[string]any
	var mu sync.Mutex
	completed := 0

	workers := opts.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	g := new(errgroup.Group)
	g.SetLimit(workers)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			raw, inferErr := client.InferSession(ctx, skillPrompt, item.digest)

			mu.Lock()
			defer mu.Unlock()
			completed++
			if completed == 1 || completed%10 == 0 || completed == total {
				fmt.Fprintf(r.stdout, "[diagnose-run] provider=%s progress=%d/%d\n",
					opts.Provider, completed, total)
			}
			if inferErr != nil {
				sessionID, _ := item.digest["session_id"].(string)
				failed = append(failed, map[string]any{
					"session_id": sessionID,
					"error":      inferErr.Error(),
				})
				return nil
			}
			results[i] = NormalizeSessionOutput(raw, item.digest, GeneratedBy{
				Engine:      "api",
				Provider:    opts.Provider,
				Model:       model,
				RunID:       opts.RunID,
				GeneratedAt: r.nowISO(),
			})
			return nil
		})
	}
	_ = g.Wait()

	ordered := make([]any, 0, len(results))
	for _, result := range results {
		if result != nil {
			ordered = append(ordered, result)
		}
	}

	resultPath := filepath.Join(runDir, fmt.Sprintf("api_%s_results.json", opts.Provider))
	if _, err := store.WriteCanonicalJSON(resultPath, map[string]any{
		"schema_version": "session-mechanism-batch.v1",
		"run_id":         opts.RunID,
		"sessions":       ordered,
	}); err != nil {
		return r.fail(1, "write results: %v", err)
	}
	if len(failed) > 0 {
		errorsPath := filepath.Join(runDir, fmt.Sprintf("api_%s_errors.json", opts.Provider))
		if _, err := store.WriteCanonicalJSON(errorsPath, map[string]any{
			"schema_version":  "diagnose-api-errors.v1",
			"run_id":          opts.RunID,
			"provider":        opts.Provider,
			"model":           model,
			"failed_sessions": failed,
		}); err != nil {
			return r.fail(1, "write errors: %v", err)
		}
	}

	fmt.Fprintf(r.stdout, "[diagnose-run] api preview: %s\n", previewPath)
	fmt.Fprintf(r.stdout, "[diagnose-run] api results: %s\n", resultPath)
	if len(failed) > 0 {
		fmt.Fprintf(r.stdout, "[diagnose-run] api failed_sessions=%d\n", len(failed))
		if !opts.AllowPartial {
			return r.fail(1, "partial API failures detected; use --allow-partial only when explicitly accepted")
		}
	}
	if len(ordered) == 0 {
		return r.fail(1, "no session mechanisms generated")
	}
	return 0
}

// coerceIncrementalPayload accepts either a bare incremental payload or a
// payload wrapped under an "incremental" key.
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

// RunIncremental executes incremental mechanism inference over the given
// input payload, chunking the session list when it exceeds the per-call
// budget. It returns the exit code and the result file path on success.
func (r *Runtime) RunIncremental(ctx context.Context, opts RunOptions, incrementalInput map[string]any) (int, string) {
	if !IsSupportedProvider(opts.Provider) {
		return r.fail(2, "unsupported provider: %s", opts.Provider), ""
	}
	model := opts.Model
	if model == "" {
		model, _ = DefaultModel(opts.Provider)
	}

	skillPrompt, skillFiles, err := LoadIncrementalBundle(r.store.SkillsDir())
	if err != nil {
		return r.fail(2, "%v", err), ""
	}

	runDir := r.store.RunDir(opts.RunID)
	if _, err := store.WriteCanonicalJSON(filepath.Join(runDir, "incremental_input.json"), incrementalInput); err != nil {
		return r.fail(1, "write incremental input: %v", err), ""
	}

	sessionsWithMechanism := 0
	if coverage, ok := incrementalInput["coverage"].(map[string]any); ok {
		if n, ok := intOf(coverage["sessions_with_mechanism"]); ok {
			sessionsWithMechanism = n
		}
	}
	periodID, _ := incrementalInput["period_id"].(string)

	previewPath := filepath.Join(runDir, fmt.Sprintf("incremental_api_%s_preview.json", opts.Provider))
	if _, err := store.WriteCanonicalJSON(previewPath, map[string]any{
		"schema_version":          "diagnose-incremental-preview.v1",
		"run_id":                  opts.RunID,
		"provider":                opts.Provider,
		"model":                   model,
		"dry_run":                 opts.DryRun,
		"period_id":               periodID,
		"sessions_with_mechanism": sessionsWithMechanism,
		"skill_files":             skillFiles,
		"generated_at":            r.nowISO(),
		"note":                    "Incremental mechanism inference preview.",
	}); err != nil {
		return r.fail(1, "write preview: %v", err), ""
	}
	if opts.DryRun {
		fmt.Fprintf(r.stdout, "[diagnose-incremental] api dry-run preview: %s\n", previewPath)
		return 0, ""
	}

	client, err := r.newClient(opts.Provider, model, opts.Timeout)
	if err != nil {
		return r.fail(2, "%v", err), ""
	}

	sessionItems := mapSliceOf(incrementalInput["sessions"])
	resultPayload, err := r.inferIncremental(ctx, client, skillPrompt, incrementalInput, sessionItems, runDir)
	if err != nil {
		return r.fail(1, "incremental api inference failed: %v", err), ""
	}

	resultPath := filepath.Join(runDir, fmt.Sprintf("incremental_api_%s_result.json", opts.Provider))
	if _, err := store.WriteCanonicalJSON(resultPath, resultPayload); err != nil {
		return r.fail(1, "write result: %v", err), ""
	}
	fmt.Fprintf(r.stdout, "[diagnose-incremental] api preview: %s\n", previewPath)
	fmt.Fprintf(r.stdout, "[diagnose-incremental] api result: %s\n", resultPath)
	return 0, resultPath
}

func (r *Runtime) inferIncremental(
	ctx context.Context,
	client Client,
	skillPrompt string,
	incrementalInput map[string]any,
	sessionItems []map[string]any,
	runDir string,
) (map[string]any, error) {
	if len(sessionItems) <= incrementalChunkSize {
		return client.InferIncremental(ctx, skillPrompt, incrementalInput)
	}

	totalChunks := (len(sessionItems) + incrementalChunkSize - 1) / incrementalChunkSize
	chunkPrompt := chunkPostamble(skillPrompt)
	chunkReports := make([]any, 0, totalChunks)

	for chunkIdx := 0; chunkIdx < totalChunks; chunkIdx++ {
		start := chunkIdx * incrementalChunkSize
		end := start + incrementalChunkSize
		if end > len(sessionItems) {
			end = len(sessionItems)
		}
		chunkSessions := make([]any, 0, end-start)
		for _, item := range sessionItems[start:end] {
			chunkSessions = append(chunkSessions, item)
		}

		chunkInput := make(map[string]any, len(incrementalInput)+1)
		for k, v := range incrementalInput {
			chunkInput[k] = v
		}
		chunkInput["sessions"] = chunkSessions
		coverage := map[string]any{}
		if existing, ok := incrementalInput["coverage"].(map[string]any); ok {
			for k, v := range existing {
				coverage[k] = v
			}
		}
		coverage["sessions_with_mechanism"] = len(chunkSessions)
		chunkInput["coverage"] = coverage

		rawChunk, err := client.InferIncremental(ctx, chunkPrompt, chunkInput)
		if err != nil {
			return nil, err
		}
		chunkPayload := coerceIncrementalPayload(rawChunk)
		if len(chunkPayload) == 0 {
			return nil, fmt.Errorf("chunk %d/%d returned empty payload", chunkIdx+1, totalChunks)
		}

		chunkFile := filepath.Join(runDir, fmt.Sprintf("incremental_chunk_%02d_of_%02d.json", chunkIdx+1, totalChunks))
		if _, err := store.WriteCanonicalJSON(chunkFile, chunkPayload); err != nil {
			return nil, err
		}

		reports, _ := chunkPayload["reports"].([]any)
		chunkCoverage := map[string]any{}
		if c, ok := chunkPayload["coverage"].(map[string]any); ok {
			chunkCoverage = c
		}
		chunkReports = append(chunkReports, map[string]any{
			"chunk_id": fmt.Sprintf("%d/%d", chunkIdx+1, totalChunks),
			"coverage": chunkCoverage,
			"reports":  reports,
		})
		fmt.Fprintf(r.stdout, "[diagnose-incremental] chunk=%d/%d reports=%d\n",
			chunkIdx+1, totalChunks, len(reports))
	}

	mergeInput := make(map[string]any, len(incrementalInput)+2)
	for k, v := range incrementalInput {
		mergeInput[k] = v
	}
	mergeInput["sessions"] = []any{}
	mergeInput["chunk_reports"] = chunkReports

	return client.InferIncremental(ctx, mergePostamble(skillPrompt), mergeInput)
}

func mapSliceOf(v any) []map[string]any {
	items, _ := v.([]any)
	result := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			result = append(result, m)
		}
	}
	return result
}

func intOf(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
