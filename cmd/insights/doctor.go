package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var doctorJSON bool

// doctorCmd runs read-only health checks over the project.
var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check project layout, corpus health, and mechanism contracts",
	Long: `Doctor inspects the project without modifying it: config and data
directories, conversation schema and llm_metadata coverage, malformed
JSON, and both mechanism contracts.

Exit code 0 means every check passed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, cfg, err := setup()
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			exitCode = 2
			return nil
		}
		exitCode = newPipeline(st, cfg).Doctor(doctorJSON)
		return nil
	},
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "Emit the doctor report as JSON")
}
