package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nibbler-dev/nibbler/internal/core"
	"github.com/nibbler-dev/nibbler/internal/gitadapter"
)

// fixReentryPhase is the phase a fix job resumes at: fix mode re-drives
// the execution phase against feedback recorded on the prior attempt,
// rather than re-running planning.
const fixReentryPhase = core.PhaseID("execution")

func init() {
	fixCmd.Flags().BoolVar(&autoApproveGates, "auto-approve-gates", false,
		"approve every gate automatically instead of prompting on stdin")
	rootCmd.AddCommand(fixCmd)
}

var fixCmd = &cobra.Command{
	Use:   "fix <job-id>",
	Short: "Re-drive a previously completed job's execution phase with new feedback",
	Args:  cobra.ExactArgs(1),
	RunE:  runFix,
}

func runFix(cmd *cobra.Command, args []string) error {
	jobID := core.JobID(args[0])

	cfg, repoRoot, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	state, err := loadJobState(repoRoot, jobID)
	if err != nil {
		return err
	}
	state.Mode = core.JobModeFix

	gitClient, err := gitadapter.NewClient(repoRoot)
	if err != nil {
		return fmt.Errorf("opening git client: %w", err)
	}

	renderer := gateRenderer(cmd)
	mgr, err := buildJobManager(cfg, logger, state, renderer)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	result := mgr.RunContractJobFromPhase(ctx, fixReentryPhase)
	if err := finishJobWorktree(ctx, gitClient, state, result.Outcome); err != nil {
		logger.Error("post-job worktree cleanup failed", "job_id", jobID, "error", err)
	}

	return reportResult(cmd, result)
}
