package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nibbler-dev/nibbler/internal/core"
	"github.com/nibbler-dev/nibbler/internal/gate"
	"github.com/nibbler-dev/nibbler/internal/gitadapter"
	"github.com/nibbler-dev/nibbler/internal/jobstate"
)

var autoApproveGates bool

func init() {
	buildCmd.Flags().BoolVar(&autoApproveGates, "auto-approve-gates", false,
		"approve every gate automatically instead of prompting on stdin")
	rootCmd.AddCommand(buildCmd)
}

var buildCmd = &cobra.Command{
	Use:   "build <description>",
	Short: "Start a new job from scratch",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runBuild,
}

func runBuild(cmd *cobra.Command, args []string) error {
	description := strings.Join(args, " ")

	cfg, repoRoot, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	gitClient, err := gitadapter.NewClient(repoRoot)
	if err != nil {
		return fmt.Errorf("opening git client: %w", err)
	}

	jobID, err := core.NextJobID(jobsRootDir(repoRoot))
	if err != nil {
		return fmt.Errorf("minting job id: %w", err)
	}

	ctx := cmd.Context()
	worktreePath, sourceBranch, jobBranch, err := createJobWorktree(ctx, gitClient, cfg.Git.WorktreeDir, jobID)
	if err != nil {
		return err
	}

	state := jobstate.New(jobID, repoRoot, worktreePath, sourceBranch, jobBranch, core.JobModeBuild)
	state.Description = description
	if err := jobstate.Save(jobstate.PathForJob(repoRoot, jobID), state); err != nil {
		return fmt.Errorf("saving initial job state: %w", err)
	}

	renderer := gateRenderer(cmd)
	mgr, err := buildJobManager(cfg, logger, state, renderer)
	if err != nil {
		return err
	}

	result := mgr.RunContractJob(ctx)
	if err := finishJobWorktree(ctx, gitClient, state, result.Outcome); err != nil {
		logger.Error("post-job worktree cleanup failed", "job_id", jobID, "error", err)
	}

	return reportResult(cmd, result)
}

func jobsRootDir(repoRoot string) string {
	return filepath.Join(repoRoot, ".nibbler", "jobs")
}

func gateRenderer(cmd *cobra.Command) gate.Renderer {
	if autoApproveGates {
		return AutoApproveRenderer{}
	}
	return StdinRenderer{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()}
}

func reportResult(cmd *cobra.Command, result core.Result) error {
	fmt.Fprintf(cmd.OutOrStdout(), "job %s: %s\n", result.JobID, result.Outcome)
	if result.Reason != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "reason: %s\n", result.Reason)
	}
	switch result.Outcome {
	case core.OutcomeOK:
		return nil
	default:
		return fmt.Errorf("job %s finished with outcome %s", result.JobID, result.Outcome)
	}
}
