// Package pipeline is the serial orchestrator: ingest, enrich, backfill,
// incremental diagnosis, stats sync, and dashboard, executed in order with
// stop-on-first-failure semantics.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"convoinsights/internal/config"
	"convoinsights/internal/diagnose"
	"convoinsights/internal/store"
)

// diagnoseRunner is the in-process diagnose surface the pipeline drives.
type diagnoseRunner interface {
	Backfill(ctx context.Context, opts diagnose.BackfillOptions) int
	Incremental(ctx context.Context, opts diagnose.IncrementalOptions) int
}

// Pipeline runs the serial chain. External stages (ingest, enrich, stats
// sync, dashboard) come from config.yaml and run as subprocesses; the
// diagnose stages run in process.
type Pipeline struct {
	store     *store.Store
	cfg       *config.Config
	logger    *zap.Logger
	diagnoser diagnoseRunner
	stdout    io.Writer
	stderr    io.Writer
	now       func() time.Time

	// execCommand is swapped in tests to avoid spawning real processes.
	execCommand func(ctx context.Context, argv []string) int
}

// New wires a Pipeline over the given store and config.
func New(st *store.Store, cfg *config.Config, logger *zap.Logger, diagnoser *diagnose.Diagnoser) *Pipeline {
	p := &Pipeline{
		store:     st,
		cfg:       cfg,
		logger:    logger,
		diagnoser: diagnoser,
		stdout:    os.Stdout,
		stderr:    os.Stderr,
		now:       time.Now,
	}
	p.execCommand = p.runSubprocess
	return p
}

// RunOptions parameterize one end-to-end pipeline run.
type RunOptions struct {
	Mode                 string
	Window               string
	Since                string
	RunID                string
	DryRun               bool
	NoNotion             bool
	Output               string
	ReportLimit          int
	SkipIngest           bool
	SkipEnrich           bool
	EnrichLimit          int
	SkipBackfill         bool
	SkillProvider        string
	SkillModel           string
	SkillTimeoutSec      int
	SkillMaxWorkers      int
	BackfillLimit        int
	BackfillForceRefresh bool
	AllowPartialBackfill bool
}

func (p *Pipeline) runSubprocess(ctx context.Context, argv []string) int {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = p.store.Root()
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode()
		}
		fmt.Fprintf(p.stderr, "[pipeline] exec failed: %v\n", err)
		return 1
	}
	return 0
}

// runStage executes one configured external stage with step logging.
// Unconfigured stages are skipped, not failed.
func (p *Pipeline) runStage(ctx context.Context, label string, argv []string, extra []string) int {
	if len(argv) == 0 {
		fmt.Fprintf(p.stdout, "[pipeline] step=%s skipped (not configured)\n", label)
		return 0
	}
	full := append(append([]string{}, argv...), extra...)
	fmt.Fprintf(p.stdout, "[pipeline] step=%s start\n", label)
	fmt.Fprintf(p.stdout, "[pipeline] exec: %s\n", strings.Join(full, " "))
	rc := p.execCommand(ctx, full)
	if rc != 0 {
		fmt.Fprintf(p.stderr, "[pipeline] step=%s failed rc=%d\n", label, rc)
		return rc
	}
	fmt.Fprintf(p.stdout, "[pipeline] step=%s done\n", label)
	return 0
}

// runInProcess wraps an in-process stage with the same step logging.
func (p *Pipeline) runInProcess(label string, fn func() int) int {
	fmt.Fprintf(p.stdout, "[pipeline] step=%s start\n", label)
	rc := fn()
	if rc != 0 {
		fmt.Fprintf(p.stderr, "[pipeline] step=%s failed rc=%d\n", label, rc)
		return rc
	}
	fmt.Fprintf(p.stdout, "[pipeline] step=%s done\n", label)
	return 0
}

// deriveStatsPeriodLabel mirrors the incremental period derivation so the
// stats rows and the incremental sidecar share one label: rolling_<window>
// for pure window runs, a dated range when --since was given.
func (p *Pipeline) deriveStatsPeriodLabel(since, window string) (string, error) {
	if since == "" && window != "" {
		if _, err := diagnose.ParseWindowToSince(window, p.now()); err != nil {
			return "", err
		}
	}
	return diagnose.BuildPeriodID(since, "", window, ""), nil
}

func (p *Pipeline) runCoreChain(ctx context.Context, opts RunOptions) int {
	window := opts.Window
	if opts.Mode == "full" {
		window = "all-time"
	}

	if !opts.SkipIngest {
		labels := make([]string, 0, len(p.cfg.Stages.Ingest))
		for label := range p.cfg.Stages.Ingest {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		for _, label := range labels {
			var extra []string
			if opts.Since != "" {
				extra = []string{"--since", opts.Since}
			}
			if rc := p.runStage(ctx, "ingest_"+label, p.cfg.Stages.Ingest[label], extra); rc != 0 {
				return rc
			}
		}
	}

	if !opts.SkipEnrich {
		var extra []string
		if opts.EnrichLimit > 0 {
			extra = []string{"--limit", strconv.Itoa(opts.EnrichLimit)}
		}
		if rc := p.runStage(ctx, "enrich_heuristic", p.cfg.Stages.Enrich, extra); rc != 0 {
			return rc
		}
	}

	if !opts.SkipBackfill {
		rc := p.runInProcess("diagnose_backfill", func() int {
			return p.diagnoser.Backfill(ctx, diagnose.BackfillOptions{
				Window:       window,
				Source:       "all",
				Limit:        opts.BackfillLimit,
				RunID:        opts.RunID,
				Provider:     opts.SkillProvider,
				Model:        opts.SkillModel,
				Timeout:      time.Duration(opts.SkillTimeoutSec) * time.Second,
				MaxWorkers:   opts.SkillMaxWorkers,
				ForceRefresh: opts.BackfillForceRefresh,
				AllowPartial: opts.AllowPartialBackfill,
				DryRun:       opts.DryRun,
			})
		})
		if rc != 0 {
			return rc
		}
	}

	rc := p.runInProcess("diagnose_incremental", func() int {
		return p.diagnoser.Incremental(ctx, diagnose.IncrementalOptions{
			Window:     window,
			RunID:      opts.RunID,
			Provider:   opts.SkillProvider,
			Model:      opts.SkillModel,
			Timeout:    time.Duration(opts.SkillTimeoutSec) * time.Second,
			SyncReport: true,
			DryRun:     opts.DryRun,
		})
	})
	if rc != 0 {
		return rc
	}

	statsPeriod, err := p.deriveStatsPeriodLabel(opts.Since, window)
	if err != nil {
		fmt.Fprintf(p.stderr, "[pipeline] step=sync_stats failed to derive period label: %v\n", err)
		return 2
	}
	statsExtra := []string{"--append", "--period", statsPeriod}
	if opts.DryRun {
		statsExtra = append(statsExtra, "--dry-run")
	}
	if rc := p.runStage(ctx, "sync_stats", p.cfg.Stages.StatsSync, statsExtra); rc != 0 {
		return rc
	}

	var dashboardExtra []string
	if opts.Output != "" {
		dashboardExtra = append(dashboardExtra, "--output", opts.Output)
	}
	dashboardExtra = append(dashboardExtra, "--report-limit", strconv.Itoa(opts.ReportLimit))
	if opts.NoNotion || opts.DryRun {
		dashboardExtra = append(dashboardExtra, "--no-notion")
	}
	return p.runStage(ctx, "dashboard", p.cfg.Stages.Dashboard, dashboardExtra)
}

// Run executes the chain and prints a machine-readable run summary. The
// returned value is the process exit code.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) int {
	startedAt := p.now().UTC().Format(time.RFC3339)
	rc := p.runCoreChain(ctx, opts)
	finishedAt := p.now().UTC().Format(time.RFC3339)

	summary, err := store.EncodeCanonical(map[string]any{
		"schema_version": "pipeline-run-summary.v1",
		"mode":           opts.Mode,
		"dry_run":        opts.DryRun,
		"started_at":     startedAt,
		"finished_at":    finishedAt,
		"ok":             rc == 0,
		"rc":             rc,
	})
	if err == nil {
		fmt.Fprint(p.stdout, string(summary))
	}
	return rc
}
