package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var serverURL string

var rootCmd = &cobra.Command{
	Use:   "runforge",
	Short: "Guardrailed remediation orchestrator for AI agents",
	Long:  "Drives incident remediation through investigate, plan, and execute phases.\nEvery mutating action passes a guardrail; risky steps suspend for human approval.\nEvery decision lands in a hash-chained audit trail.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8440", "Base URL of a running runforge server")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
