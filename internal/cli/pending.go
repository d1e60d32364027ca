package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/runforge/internal/approval"
)

func init() {
	rootCmd.AddCommand(pendingCmd)
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List pending approval requests",
	Long:  "Shows all unresolved approval requests with their action, target, and expiry.",
	RunE:  runPending,
}

func runPending(cmd *cobra.Command, args []string) error {
	var out struct {
		Approvals []approval.Record `json:"approvals"`
	}
	if err := apiGet("/api/v1/approvals", &out); err != nil {
		return err
	}

	if len(out.Approvals) == 0 {
		fmt.Println("No pending approvals.")
		return nil
	}

	fmt.Printf("%-38s %-22s %-25s %-10s %s\n", "ID", "ACTION", "TARGET", "SEVERITY", "EXPIRES")
	for _, a := range out.Approvals {
		fmt.Printf("%-38s %-22s %-25s %-10s %s\n",
			a.ID,
			a.Action,
			truncate(a.Target, 25),
			a.Severity,
			a.ExpiresAt.Format("15:04:05"),
		)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
