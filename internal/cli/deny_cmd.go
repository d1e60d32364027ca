package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/runforge/internal/approval"
)

var (
	denyActor string
	denyNote  string
)

func init() {
	rootCmd.AddCommand(denyCmd)
	denyCmd.Flags().StringVar(&denyActor, "actor", "", "Who is denying (required, recorded in the audit trail)")
	denyCmd.Flags().StringVar(&denyNote, "note", "", "Optional note for the audit trail")
	_ = denyCmd.MarkFlagRequired("actor")
}

var denyCmd = &cobra.Command{
	Use:   "deny <approval_id>",
	Short: "Deny a pending remediation step",
	Long:  "Denies a pending approval request. The suspended step is marked denied and\nnever runs; the rest of the workflow continues.",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeny,
}

func runDeny(cmd *cobra.Command, args []string) error {
	rec, err := resolveApproval(args[0], approval.Denied, denyActor, denyNote)
	if err != nil {
		return err
	}
	fmt.Printf("Denied %s (workflow %s, step %d: %s on %s)\n",
		rec.ID, rec.WorkflowID, rec.StepSeq, rec.Action, rec.Target)
	return nil
}
