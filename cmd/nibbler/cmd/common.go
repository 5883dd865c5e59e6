package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nibbler-dev/nibbler/internal/adapters/runner/claudecli"
	"github.com/nibbler-dev/nibbler/internal/adapters/runner/process"
	"github.com/nibbler-dev/nibbler/internal/config"
	"github.com/nibbler-dev/nibbler/internal/contract"
	"github.com/nibbler-dev/nibbler/internal/core"
	"github.com/nibbler-dev/nibbler/internal/evidence"
	"github.com/nibbler-dev/nibbler/internal/gate"
	"github.com/nibbler-dev/nibbler/internal/gitadapter"
	"github.com/nibbler-dev/nibbler/internal/jobmanager"
	"github.com/nibbler-dev/nibbler/internal/jobstate"
	"github.com/nibbler-dev/nibbler/internal/ledger"
	"github.com/nibbler-dev/nibbler/internal/logging"
	"github.com/nibbler-dev/nibbler/internal/runner"
	"github.com/nibbler-dev/nibbler/internal/session"
)

// loadConfig loads and validates configuration the same way every
// mutating subcommand needs it, honoring --config and the log-level/
// log-format overrides bound onto viper in root.go.
func loadConfig() (*config.Config, string, error) {
	loader := config.NewLoader()
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}
	trimEmpty(loader.Viper(), "log.level", logLevel)
	trimEmpty(loader.Viper(), "log.format", logFormat)

	cfg, err := loader.Load()
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, "", fmt.Errorf("validating config: %w", err)
	}
	return cfg, loader.ProjectDir(), nil
}

func newLogger(cfg *config.Config) *logging.Logger {
	return logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: os.Stdout})
}

// jobDir returns the fixed per-job directory layout spec.md §6 describes.
func jobDir(repoRoot string, jobID core.JobID) string {
	return filepath.Join(repoRoot, ".nibbler", "jobs", string(jobID))
}

// newRunnerAndPermissions selects the concrete Runner adapter named by
// cfg.Runner.Kind; "process" (the default) has no permissions model, so
// its PermissionsWriter is nil.
func newRunnerAndPermissions(cfg *config.Config, logger *logging.Logger) (runner.Runner, session.PermissionsWriter) {
	switch cfg.Runner.Kind {
	case "claudecli":
		return claudecli.New(claudecli.Config{Path: cfg.Runner.Binary}, logger), claudecli.OverlayWriter{}
	default:
		path := cfg.Runner.Binary
		if path == "" {
			path = "process"
		}
		return process.New(process.Config{Path: path}, logger), nil
	}
}

// buildJobManager wires every collaborator a jobmanager.Manager needs
// around an already-initialized JobState: git ops, the selected runner
// adapter, the gate renderer, the ledger, and evidence. Shared by every
// subcommand that drives a job (build/fix/resume/cancel), which differ
// only in which JobState they start from and which Manager entry point
// they call.
func buildJobManager(cfg *config.Config, logger *logging.Logger, state *jobstate.JobState, renderer gate.Renderer) (*jobmanager.Manager, error) {
	gitClient, err := gitadapter.NewClient(state.RepoRoot)
	if err != nil {
		return nil, fmt.Errorf("opening git client: %w", err)
	}
	if len(cfg.Git.NoisePrefixes) > 0 {
		gitClient.NoisePrefixes = cfg.Git.NoisePrefixes
	}

	contractDir := filepath.Join(state.RepoRoot, ".nibbler", "contract")
	c, err := contract.Load(contractDir)
	if err != nil {
		return nil, fmt.Errorf("loading contract: %w", err)
	}

	runnerAdapter, permissions := newRunnerAndPermissions(cfg, logger)
	sess := session.New(runnerAdapter, permissions)
	if d, err := time.ParseDuration(cfg.Engine.InactivityTimeout); err == nil {
		sess.InactivityInterval = d
	}

	dir := jobDir(state.RepoRoot, state.JobID)
	led, err := ledger.Open(filepath.Join(dir, "ledger.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	ev, err := evidence.New(dir)
	if err != nil {
		return nil, fmt.Errorf("creating evidence collector: %w", err)
	}

	gates := gate.New(state.RepoRoot, led, ev)
	statusPath := jobstate.PathForJob(state.RepoRoot, state.JobID)

	roleConfigDir := func(roleID core.RoleID) string {
		base := cfg.Runner.ConfigDir
		if base == "" {
			base = filepath.Join(state.RepoRoot, ".nibbler", "config")
		}
		return filepath.Join(base, string(roleID))
	}

	mgrCfg := jobmanager.Config{
		RepoRoot:               state.RepoRoot,
		WorktreePath:           state.WorktreePath,
		ManyThreshold:          cfg.Engine.ManyThreshold,
		MaxPhaseLoopIterations: cfg.Engine.MaxPhaseTransitions,
		ConfigDirForRole:       roleConfigDir,
		EnvVarsForRole:         func(core.RoleID) map[string]string { return nil },
		KillDumpMaxLines:       cfg.Diagnostics.KillDump.MaxLines,
		Logger:                 logger,
	}

	return jobmanager.NewManager(mgrCfg, gitClient, sess, gates, renderer, led, ev, c, state, statusPath), nil
}

// loadJobState loads a previously persisted JobState by id, for fix,
// resume, cancel, and status.
func loadJobState(repoRoot string, jobID core.JobID) (*jobstate.JobState, error) {
	statusPath := jobstate.PathForJob(repoRoot, jobID)
	state, ok, err := jobstate.Load(statusPath)
	if err != nil {
		return nil, fmt.Errorf("loading job state: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("no job found with id %q under %s", jobID, repoRoot)
	}
	return state, nil
}

// createJobWorktree sets up the branch+worktree pair a brand-new job runs
// in, per spec.md §6's git operations (branch, worktree add).
func createJobWorktree(ctx context.Context, git *gitadapter.Client, worktreeDir string, jobID core.JobID) (worktreePath, sourceBranch, jobBranch string, err error) {
	sourceBranch, err = git.GetCurrentBranch(ctx)
	if err != nil {
		return "", "", "", fmt.Errorf("detecting current branch: %w", err)
	}
	jobBranch = fmt.Sprintf("nibbler/%s", jobID)
	if err := git.CreateBranchAt(ctx, jobBranch, sourceBranch); err != nil {
		return "", "", "", fmt.Errorf("creating job branch: %w", err)
	}
	worktreePath = filepath.Join(worktreeDir, string(jobID))
	if err := git.AddWorktree(ctx, worktreePath, jobBranch); err != nil {
		return "", "", "", fmt.Errorf("creating job worktree: %w", err)
	}
	return worktreePath, sourceBranch, jobBranch, nil
}

// finishJobWorktree merges a successfully completed job's branch back into
// its source branch and removes the worktree; a non-ok outcome leaves both
// in place for post-mortem inspection, per spec.md §4.2's lifecycle note.
func finishJobWorktree(ctx context.Context, git *gitadapter.Client, state *jobstate.JobState, outcome core.Outcome) error {
	if outcome != core.OutcomeOK {
		return nil
	}
	if err := git.RemoveWorktree(ctx, state.WorktreePath, false); err != nil {
		return fmt.Errorf("removing job worktree: %w", err)
	}
	current, err := git.GetCurrentBranch(ctx)
	if err != nil {
		return fmt.Errorf("detecting current branch: %w", err)
	}
	if current != state.SourceBranch {
		return fmt.Errorf("refusing to merge: current branch %q is not job's source branch %q", current, state.SourceBranch)
	}
	if err := git.MergeBranch(ctx, state.JobBranch, gitadapter.MergeOptions{AllowNoFF: true}); err != nil {
		return fmt.Errorf("merging job branch: %w", err)
	}
	return git.DeleteBranch(ctx, state.JobBranch, false)
}

// StdinRenderer is the simplest possible gate.Renderer: it prints the
// decision model to out and reads a y/n answer from in. No spinners, no
// color, no retry loop beyond treating anything but y/yes as a rejection.
type StdinRenderer struct {
	In  io.Reader
	Out io.Writer
}

func (r StdinRenderer) Render(_ context.Context, model gate.DecisionModel) (gate.Decision, error) {
	out := r.Out
	if out == nil {
		out = os.Stdout
	}
	fmt.Fprintf(out, "\n--- gate %s (trigger: %s) ---\n", model.GateID, model.Trigger)
	if len(model.ApprovalExpectations) > 0 {
		fmt.Fprintln(out, "expects:")
		for _, e := range model.ApprovalExpectations {
			fmt.Fprintf(out, "  - %s\n", e)
		}
	}
	for _, input := range model.Inputs {
		mark := "missing"
		if input.Exists {
			mark = "present"
		}
		fmt.Fprintf(out, "input %-20s %s (%s)\n", input.Name, input.Path, mark)
	}
	fmt.Fprint(out, "approve? [y/N]: ")

	in := r.In
	if in == nil {
		in = os.Stdin
	}
	line, _ := bufio.NewReader(in).ReadString('\n')
	line = strings.ToLower(strings.TrimSpace(line))
	if line == "y" || line == "yes" {
		return gate.Decision{Outcome: "approve"}, nil
	}
	return gate.Decision{Outcome: "reject"}, nil
}

// AutoApproveRenderer approves every gate without prompting, for
// --auto-approve-gates.
type AutoApproveRenderer struct{}

func (AutoApproveRenderer) Render(_ context.Context, _ gate.DecisionModel) (gate.Decision, error) {
	return gate.Decision{Outcome: "approve", Notes: "auto-approved via --auto-approve-gates"}, nil
}
