package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nibbler-dev/nibbler/internal/core"
	"github.com/nibbler-dev/nibbler/internal/gitadapter"
)

func init() {
	resumeCmd.Flags().BoolVar(&autoApproveGates, "auto-approve-gates", false,
		"approve every gate automatically instead of prompting on stdin")
	rootCmd.AddCommand(resumeCmd)
}

var resumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Resume an interrupted job from its last persisted state",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

func runResume(cmd *cobra.Command, args []string) error {
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
	result := mgr.ResumeContractJob(ctx)
	if err := finishJobWorktree(ctx, gitClient, state, result.Outcome); err != nil {
		logger.Error("post-job worktree cleanup failed", "job_id", jobID, "error", err)
	}

	return reportResult(cmd, result)
}
