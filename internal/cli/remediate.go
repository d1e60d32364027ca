package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/runforge/internal/model"
)

var (
	remediateContext []string
	remediateLocal   bool
	remediateConfig  string
)

func init() {
	rootCmd.AddCommand(remediateCmd)
	remediateCmd.Flags().StringArrayVar(&remediateContext, "context", nil, "Extra task context as key=value (repeatable)")
	remediateCmd.Flags().BoolVar(&remediateLocal, "local", false, "Run the workflow in-process instead of against a server")
	remediateCmd.Flags().StringVar(&remediateConfig, "config", "", "Config YAML for --local (default: RUNFORGE_CONFIG or built-in defaults)")
}

var remediateCmd = &cobra.Command{
	Use:   "remediate <issue_type> <target>",
	Short: "Submit a remediation task",
	Long:  "Submits a task and prints the workflow state once it completes, fails, or\nparks waiting for approval. By default the task goes to a running runforge\nserver; with --local the whole pipeline runs in this process.",
	Args:  cobra.ExactArgs(2),
	RunE:  runRemediate,
}

func runRemediate(cmd *cobra.Command, args []string) error {
	task := model.Task{
		IssueType: args[0],
		Target:    args[1],
	}
	for _, kv := range remediateContext {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("invalid --context %q, want key=value", kv)
		}
		if task.Context == nil {
			task.Context = make(map[string]string)
		}
		task.Context[k] = v
	}

	var state model.WorkflowState
	if remediateLocal {
		st, err := buildStack(remediateConfig)
		if err != nil {
			return err
		}
		defer st.Close()
		state, err = st.supervisor.Handle(cmd.Context(), task)
		if err != nil {
			return err
		}
	} else {
		if err := apiPost("/api/v1/tasks", task, &state); err != nil {
			return err
		}
	}
	printJSON(state)

	if state.Phase == model.PhaseAwaitingApproval {
		fmt.Printf("\nWorkflow parked; resolve with: runforge pending && runforge approve <id>\n")
	}
	return nil
}
