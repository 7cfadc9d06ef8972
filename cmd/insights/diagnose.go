package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"convoinsights/internal/diagnose"
)

var (
	backfillWindow       string
	backfillSince        string
	backfillUntil        string
	backfillSource       string
	backfillLimit        int
	backfillRunID        string
	backfillProvider     string
	backfillModel        string
	backfillTimeoutSec   int
	backfillMaxWorkers   int
	backfillForceRefresh bool
	backfillAllowPartial bool
	backfillDryRun       bool

	incrementalPeriodID   string
	incrementalWindow     string
	incrementalSince      string
	incrementalUntil      string
	incrementalResultFile string
	incrementalRunID      string
	incrementalProvider   string
	incrementalModel      string
	incrementalTimeoutSec int
	incrementalSync       bool
	incrementalDryRun     bool
)

// diagnoseCmd groups the Skill diagnosis stages.
var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Run Skill diagnosis stages directly",
	Long: `Diagnose runs the two Skill stages outside the pipeline:

  backfill     per-session mechanism reports for sessions missing them
  incremental  a per-period mechanism report aggregated from sessions`,
}

var diagnoseBackfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Diagnose sessions that lack a valid mechanism sidecar",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, cfg, err := setup()
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			exitCode = 2
			return nil
		}
		exitCode = newDiagnoser(st, cfg).Backfill(cmd.Context(), diagnose.BackfillOptions{
			Window:       backfillWindow,
			Since:        backfillSince,
			Until:        backfillUntil,
			Source:       backfillSource,
			Limit:        backfillLimit,
			RunID:        backfillRunID,
			Provider:     backfillProvider,
			Model:        backfillModel,
			Timeout:      time.Duration(backfillTimeoutSec) * time.Second,
			MaxWorkers:   backfillMaxWorkers,
			ForceRefresh: backfillForceRefresh,
			AllowPartial: backfillAllowPartial,
			DryRun:       backfillDryRun,
		})
		return nil
	},
}

var diagnoseIncrementalCmd = &cobra.Command{
	Use:   "incremental",
	Short: "Build the per-period incremental mechanism report",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, cfg, err := setup()
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			exitCode = 2
			return nil
		}
		exitCode = newDiagnoser(st, cfg).Incremental(cmd.Context(), diagnose.IncrementalOptions{
			PeriodID:   incrementalPeriodID,
			Window:     incrementalWindow,
			Since:      incrementalSince,
			Until:      incrementalUntil,
			ResultFile: incrementalResultFile,
			RunID:      incrementalRunID,
			Provider:   incrementalProvider,
			Model:      incrementalModel,
			Timeout:    time.Duration(incrementalTimeoutSec) * time.Second,
			SyncReport: incrementalSync,
			DryRun:     incrementalDryRun,
		})
		return nil
	},
}

func init() {
	diagnoseBackfillCmd.Flags().StringVar(&backfillWindow, "window", "30d", "Analysis window, like '30d' or 'all-time'")
	diagnoseBackfillCmd.Flags().StringVar(&backfillSince, "since", "", "Start date (YYYY-MM-DD), overrides --window")
	diagnoseBackfillCmd.Flags().StringVar(&backfillUntil, "until", "", "End date (YYYY-MM-DD), inclusive")
	diagnoseBackfillCmd.Flags().StringVar(&backfillSource, "source", "all", "Conversation source filter (all, claude_code, chatgpt, ...)")
	diagnoseBackfillCmd.Flags().IntVar(&backfillLimit, "limit", 0, "Max target sessions (0 = no limit)")
	diagnoseBackfillCmd.Flags().StringVar(&backfillRunID, "run-id", "", "Run identifier (default: backfill-<timestamp>)")
	diagnoseBackfillCmd.Flags().StringVar(&backfillProvider, "provider", "claude_cli", "Skill provider: claude_cli, codex_cli, anthropic, or openai")
	diagnoseBackfillCmd.Flags().StringVar(&backfillModel, "model", "", "Model override for the Skill provider")
	diagnoseBackfillCmd.Flags().IntVar(&backfillTimeoutSec, "timeout-sec", 180, "Per-session Skill timeout in seconds")
	diagnoseBackfillCmd.Flags().IntVar(&backfillMaxWorkers, "max-workers", 4, "Concurrent Skill workers")
	diagnoseBackfillCmd.Flags().BoolVar(&backfillForceRefresh, "force-refresh", false, "Re-diagnose sessions that already have valid sidecars")
	diagnoseBackfillCmd.Flags().BoolVar(&backfillAllowPartial, "allow-partial", false, "Apply valid results even when some sessions are invalid")
	diagnoseBackfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Prepare the run bundle without calling the provider")

	diagnoseIncrementalCmd.Flags().StringVar(&incrementalPeriodID, "period-id", "", "Explicit period label (default: derived from the range)")
	diagnoseIncrementalCmd.Flags().StringVar(&incrementalWindow, "window", "30d", "Analysis window, like '30d' or 'all-time'")
	diagnoseIncrementalCmd.Flags().StringVar(&incrementalSince, "since", "", "Start date (YYYY-MM-DD), overrides --window")
	diagnoseIncrementalCmd.Flags().StringVar(&incrementalUntil, "until", "", "End date (YYYY-MM-DD), inclusive")
	diagnoseIncrementalCmd.Flags().StringVar(&incrementalResultFile, "result-file", "", "Apply a prepared Skill result instead of calling the provider")
	diagnoseIncrementalCmd.Flags().StringVar(&incrementalRunID, "run-id", "", "Run identifier (default: incremental-<period>)")
	diagnoseIncrementalCmd.Flags().StringVar(&incrementalProvider, "provider", "claude_cli", "Skill provider: claude_cli, codex_cli, anthropic, or openai")
	diagnoseIncrementalCmd.Flags().StringVar(&incrementalModel, "model", "", "Model override for the Skill provider")
	diagnoseIncrementalCmd.Flags().IntVar(&incrementalTimeoutSec, "timeout-sec", 180, "Skill timeout in seconds")
	diagnoseIncrementalCmd.Flags().BoolVar(&incrementalSync, "sync-report", false, "Sync the validated report to the analysis reports database")
	diagnoseIncrementalCmd.Flags().BoolVar(&incrementalDryRun, "dry-run", false, "Preview without writing the sidecar or syncing")

	diagnoseCmd.AddCommand(diagnoseBackfillCmd)
	diagnoseCmd.AddCommand(diagnoseIncrementalCmd)
}
