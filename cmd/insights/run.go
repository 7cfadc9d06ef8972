package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"convoinsights/internal/pipeline"
)

var runFlags pipeline.RunOptions

func defaultRunFlags() pipeline.RunOptions {
	return pipeline.RunOptions{
		Mode:            "incremental",
		Window:          "30d",
		ReportLimit:     50,
		SkillProvider:   "claude_cli",
		SkillTimeoutSec: 180,
		SkillMaxWorkers: 4,
	}
}

// runCmd executes the serial pipeline end to end.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the serial insights pipeline",
	Long: `Run the serial pipeline: ingest, enrich, session backfill,
incremental diagnosis with report sync, stats sync, and dashboard.

Mode "incremental" analyzes the rolling window; mode "full" forces an
all-time window for both diagnose stages.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if runFlags.Mode != "incremental" && runFlags.Mode != "full" {
			return fmt.Errorf("invalid --mode %q (expected incremental or full)", runFlags.Mode)
		}
		exitCode = executePipelineRun(cmd.Context(), runFlags)
		return nil
	},
}

func executePipelineRun(ctx context.Context, opts pipeline.RunOptions) int {
	st, cfg, err := setup()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return 2
	}
	if opts.SkillModel == "" {
		opts.SkillModel = cfg.Pipeline.Model
	}
	return newPipeline(st, cfg).Run(ctx, opts)
}

func init() {
	runFlags = defaultRunFlags()

	runCmd.Flags().StringVar(&runFlags.Mode, "mode", "incremental", "Pipeline mode: incremental or full")
	runCmd.Flags().StringVar(&runFlags.Window, "window", "30d", "Analysis window, like '30d' or 'all-time'")
	runCmd.Flags().StringVar(&runFlags.Since, "since", "", "Only ingest and analyze from this date (YYYY-MM-DD)")
	runCmd.Flags().StringVar(&runFlags.RunID, "run-id", "", "Run identifier recorded on generated sidecars")
	runCmd.Flags().BoolVar(&runFlags.DryRun, "dry-run", false, "Preview the run without writing sidecars or syncing")
	runCmd.Flags().BoolVar(&runFlags.NoNotion, "no-notion", false, "Skip Notion writes in the dashboard stage")
	runCmd.Flags().StringVar(&runFlags.Output, "output", "", "Dashboard output path override")
	runCmd.Flags().IntVar(&runFlags.ReportLimit, "report-limit", 50, "Max reports rendered on the dashboard")
	runCmd.Flags().BoolVar(&runFlags.SkipIngest, "skip-ingest", false, "Skip the ingest stages")
	runCmd.Flags().BoolVar(&runFlags.SkipEnrich, "skip-enrich", false, "Skip the heuristic enrich stage")
	runCmd.Flags().IntVar(&runFlags.EnrichLimit, "enrich-limit", 0, "Limit enriched conversations (0 = no limit)")
	runCmd.Flags().BoolVar(&runFlags.SkipBackfill, "skip-backfill", false, "Skip the session backfill stage")
	runCmd.Flags().StringVar(&runFlags.SkillProvider, "skill-provider", "claude_cli", "Skill provider: claude_cli, codex_cli, anthropic, or openai")
	runCmd.Flags().StringVar(&runFlags.SkillModel, "skill-model", "", "Model override for the Skill provider")
	runCmd.Flags().IntVar(&runFlags.SkillTimeoutSec, "skill-timeout-sec", 180, "Per-session Skill timeout in seconds")
	runCmd.Flags().IntVar(&runFlags.SkillMaxWorkers, "skill-max-workers", 4, "Concurrent Skill workers for backfill")
	runCmd.Flags().IntVar(&runFlags.BackfillLimit, "backfill-limit", 0, "Max sessions to backfill (0 = no limit)")
	runCmd.Flags().BoolVar(&runFlags.BackfillForceRefresh, "backfill-force-refresh", false, "Re-diagnose sessions that already have valid sidecars")
	runCmd.Flags().BoolVar(&runFlags.AllowPartialBackfill, "allow-partial-backfill", false, "Apply valid session results even when some are invalid")
}
