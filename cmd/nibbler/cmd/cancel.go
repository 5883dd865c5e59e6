package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/nibbler-dev/nibbler/internal/core"
)

func init() {
	rootCmd.AddCommand(cancelCmd)
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id> [reason...]",
	Short: "Cancel a running or paused job",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	jobID := core.JobID(args[0])
	info := strings.Join(args[1:], " ")
	if info == "" {
		info = "cancelled via nibbler cancel"
	}

	cfg, repoRoot, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	state, err := loadJobState(repoRoot, jobID)
	if err != nil {
		return err
	}

	mgr, err := buildJobManager(cfg, logger, state, AutoApproveRenderer{})
	if err != nil {
		return err
	}

	result := mgr.Cancel(cmd.Context(), info)
	return reportResult(cmd, result)
}
