package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var testMode string

// testCmd runs the module's own verification suite.
var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Vet and test the insights module",
	Long: `Test runs go vet over the module, then go test. Mode "segmented"
covers the contract-critical packages; mode "full" runs everything.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if testMode != "segmented" && testMode != "full" {
			return fmt.Errorf("invalid --mode %q (expected segmented or full)", testMode)
		}
		st, cfg, err := setup()
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			exitCode = 2
			return nil
		}
		exitCode = newPipeline(st, cfg).Test(cmd.Context(), testMode)
		return nil
	},
}

func init() {
	testCmd.Flags().StringVar(&testMode, "mode", "segmented", "Test mode: segmented or full")
}
