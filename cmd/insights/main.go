package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"convoinsights/internal/config"
	"convoinsights/internal/diagnose"
	"convoinsights/internal/logging"
	"convoinsights/internal/notion"
	"convoinsights/internal/pipeline"
	"convoinsights/internal/reports"
	"convoinsights/internal/store"
)

var (
	// Global flags
	verbose   bool
	workspace string

	// Logger
	logger *zap.Logger

	// exitCode carries the pipeline-style exit code (0 ok, 1 failure,
	// 2 usage/configuration error) through cobra to main.
	exitCode int
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "insights",
	Short: "Conversation Insights - Skill-first diagnosis pipeline",
	Long: `Conversation Insights ingests LLM conversation logs and distills them
into mechanism-level reports.

The serial pipeline runs: ingest -> enrich -> session backfill ->
incremental diagnosis -> report sync -> stats sync -> dashboard.
Session and incremental diagnosis run a Skill prompt against an LLM
provider and hold the output to a strict mechanism contract.

Run without arguments to execute the incremental pipeline with defaults.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(verbose)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default behavior: incremental pipeline run with defaults.
		exitCode = executePipelineRun(cmd.Context(), defaultRunFlags())
		return nil
	},
}

// projectRoot resolves the project directory holding config.yaml, data/,
// skills/, and output/.
func projectRoot() string {
	if workspace != "" {
		return workspace
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return cwd
}

// setup loads the store and config for one command invocation.
func setup() (*store.Store, *config.Config, error) {
	st := store.New(projectRoot())
	cfg, err := config.Load(st.ConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return st, cfg, nil
}

// newReportSync builds the --sync-report handoff. Dry runs never touch
// the Notion API, so missing credentials only fail real syncs.
func newReportSync(cfg *config.Config) func(ctx context.Context, payload map[string]any, dryRun bool) int {
	return func(ctx context.Context, payload map[string]any, dryRun bool) int {
		if dryRun {
			return reports.NewSyncer(nil, "").SyncFromIncremental(ctx, payload, true)
		}
		dbID, err := cfg.Database("analysis_reports")
		if err != nil {
			fmt.Fprintln(os.Stderr, "ERROR: analysis_reports database ID missing in config")
			return 1
		}
		if cfg.Notion.APIKey == "" {
			fmt.Fprintln(os.Stderr, "ERROR: NOTION_API_KEY is not set")
			return 2
		}
		client := notion.NewClient(cfg.Notion.APIKey)
		return reports.NewSyncer(client, dbID).SyncFromIncremental(ctx, payload, false)
	}
}

func newDiagnoser(st *store.Store, cfg *config.Config) *diagnose.Diagnoser {
	d := diagnose.NewDiagnoser(st, logger)
	d.ReportSync = newReportSync(cfg)
	return d
}

func newPipeline(st *store.Store, cfg *config.Config) *pipeline.Pipeline {
	return pipeline.New(st, cfg, logger, newDiagnoser(st, cfg))
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Project directory (default: current)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(diagnoseCmd)
	rootCmd.AddCommand(syncReportsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	os.Exit(exitCode)
}
