package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var checkConfidence float64

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().Float64Var(&checkConfidence, "confidence", 1.0, "Investigation confidence in [0,1]")
}

var checkCmd = &cobra.Command{
	Use:   "check <role> <action> <target>",
	Short: "Dry-run a guardrail decision",
	Long:  "Asks the server whether an action would be authorized, without executing it.\nConsumes no rate limit budget and writes nothing to the audit trail.\nExits 0 on allow, 1 otherwise.",
	Args:  cobra.ExactArgs(3),
	RunE:  runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	body := map[string]any{
		"role":       args[0],
		"action":     args[1],
		"target":     args[2],
		"confidence": checkConfidence,
	}
	var out struct {
		Decision   string `json:"decision"`
		Reason     string `json:"reason"`
		Severity   string `json:"severity"`
		PolicyHash string `json:"policy_hash"`
	}
	if err := apiPost("/api/v1/check", body, &out); err != nil {
		return err
	}

	fmt.Printf("%s: %s\n", out.Decision, out.Reason)
	if out.Decision != "allow" {
		os.Exit(1)
	}
	return nil
}
