package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/runforge/internal/approval"
)

var (
	approveActor string
	approveNote  string
)

func init() {
	rootCmd.AddCommand(approveCmd)
	approveCmd.Flags().StringVar(&approveActor, "actor", "", "Who is approving (required, recorded in the audit trail)")
	approveCmd.Flags().StringVar(&approveNote, "note", "", "Optional note for the audit trail")
	_ = approveCmd.MarkFlagRequired("actor")
}

var approveCmd = &cobra.Command{
	Use:   "approve <approval_id>",
	Short: "Approve a pending remediation step",
	Long:  "Approves a pending approval request. The suspended step resumes and the\nworkflow continues execution.",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprove,
}

func runApprove(cmd *cobra.Command, args []string) error {
	rec, err := resolveApproval(args[0], approval.Approved, approveActor, approveNote)
	if err != nil {
		return err
	}
	fmt.Printf("Approved %s (workflow %s, step %d: %s on %s)\n",
		rec.ID, rec.WorkflowID, rec.StepSeq, rec.Action, rec.Target)
	return nil
}

func resolveApproval(id string, decision approval.Resolution, actor, note string) (*approval.Record, error) {
	body := map[string]string{
		"decision": string(decision),
		"actor":    actor,
		"note":     note,
	}
	var rec approval.Record
	if err := apiPost("/api/v1/approvals/"+id+"/resolve", body, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
