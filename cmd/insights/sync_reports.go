package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"convoinsights/internal/reports"
)

var (
	syncPeriodID string
	syncDryRun   bool
)

// syncReportsCmd pushes an already-written incremental sidecar to the
// analysis reports database, outside a pipeline run. Without --period-id
// the most recent sidecar is synced.
var syncReportsCmd = &cobra.Command{
	Use:   "sync-reports",
	Short: "Sync a validated incremental report to Notion",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, cfg, err := setup()
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			exitCode = 2
			return nil
		}
		payload := reports.LoadIncrementalMechanism(st, syncPeriodID)
		if payload == nil {
			fmt.Fprintln(os.Stderr, "WARN: no valid incremental mechanism file found")
			if !syncDryRun {
				exitCode = 1
			}
			return nil
		}
		exitCode = newReportSync(cfg)(cmd.Context(), payload, syncDryRun)
		return nil
	},
}

func init() {
	syncReportsCmd.Flags().StringVar(&syncPeriodID, "period-id", "", "Sync the sidecar for this period label (default: most recent)")
	syncReportsCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "Preview the reports without writing to Notion")
}
