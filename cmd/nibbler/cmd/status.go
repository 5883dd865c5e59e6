package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nibbler-dev/nibbler/internal/core"
)

var statusJSON bool

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output the raw job state as JSON")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job's persisted status",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	jobID := core.JobID(args[0])

	_, repoRoot, err := loadConfig()
	if err != nil {
		return err
	}

	state, err := loadJobState(repoRoot, jobID)
	if err != nil {
		return err
	}

	if statusJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job:   %s (%s)\n", state.JobID, state.Mode)
	fmt.Fprintf(out, "State: %s\n", state.State)
	fmt.Fprintf(out, "Phase: %s (actor %d)\n", state.CurrentPhaseID, state.CurrentPhaseActorIdx)
	if state.PendingGateID != "" {
		fmt.Fprintf(out, "Gate:  %s pending\n", state.PendingGateID)
	}
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ROLE\tATTEMPTS\tCOMPLETED")
	for _, role := range state.RolesPlanned {
		completed := "no"
		for _, r := range state.RolesCompleted {
			if r == role {
				completed = "yes"
				break
			}
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", role, state.AttemptsByRole[role], completed)
	}
	return w.Flush()
}
