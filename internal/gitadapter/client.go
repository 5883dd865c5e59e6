// Package gitadapter wraps the git CLI for the nibbler engine: branch and
// worktree lifecycle, commit/reset/clean, and diff parsing into a
// structured result the Policy Engine can reason about. Grounded on
// hugo-lorenzo-mato/quorum-ai's internal/adapters/git/client.go — same
// exec.CommandContext-based run/runWithOutput split, same worktree and
// merge option shapes, extended with name-status+numstat diff parsing and
// an engine-artifact-aware notion of "clean".
package gitadapter

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nibbler-dev/nibbler/internal/core"
)

// Client wraps git CLI operations scoped to a single repository path.
type Client struct {
	repoPath string
	gitPath  string
	timeout  time.Duration

	// NoisePrefixes lists path prefixes filtered out of untracked-file
	// diff entries (build/cache artifacts such as node_modules/, dist/).
	// Configurable per spec.md §9's open question.
	NoisePrefixes []string

	// EngineManagedPrefixes lists path prefixes the engine itself owns
	// (ledger, evidence, staging, permission overlays). Used by Commit and
	// IsClean to exclude engine bookkeeping from the user-visible diff.
	EngineManagedPrefixes []string
}

// DefaultNoisePrefixes is the operational-guidance default list from
// spec.md §9 (not a contract — callers may override via Config).
var DefaultNoisePrefixes = []string{
	"node_modules/", "dist/", "out/", "coverage/",
	".next/", ".turbo/", ".vercel/",
}

// DefaultEngineManagedPrefixes matches spec.md §6's engine-managed path list.
var DefaultEngineManagedPrefixes = []string{
	".nibbler/jobs/",
	".nibbler/config/cursor-profiles/",
	".nibbler-staging/",
}

// NewClient resolves repoPath to an absolute path, locates the git binary,
// and verifies the path is a git repository.
func NewClient(repoPath string) (*Client, error) {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, core.ErrGit("RESOLVE_PATH", "resolving repo path").WithCause(err)
	}
	gitPath, err := exec.LookPath("git")
	if err != nil {
		return nil, core.ErrGit("GIT_NOT_FOUND", "git binary not found on PATH").WithCause(err)
	}
	c := &Client{
		repoPath:              abs,
		gitPath:                gitPath,
		timeout:               30 * time.Second,
		NoisePrefixes:          append([]string(nil), DefaultNoisePrefixes...),
		EngineManagedPrefixes: append([]string(nil), DefaultEngineManagedPrefixes...),
	}
	if _, err := c.run(context.Background(), "rev-parse", "--git-dir"); err != nil {
		return nil, core.ErrValidation("NOT_GIT_REPO", fmt.Sprintf("%s is not a git repository", abs))
	}
	return c, nil
}

// RepoPath returns the resolved absolute repository root.
func (c *Client) RepoPath() string { return c.repoPath }

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	out, _, err := c.runRaw(ctx, args...)
	return out, err
}

// runRaw executes git and returns stdout, stderr, and an error. Never
// invokes a shell, so arguments are not subject to shell interpolation.
func (c *Client) runRaw(ctx context.Context, args ...string) (stdout, stderr string, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.gitPath, args...)
	cmd.Dir = c.repoPath

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	stdout = strings.TrimSpace(outBuf.String())
	stderr = strings.TrimSpace(errBuf.String())

	if runErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return stdout, stderr, core.ErrTimeout("git command timed out: " + strings.Join(args, " "))
		}
		return stdout, stderr, core.ErrGit("GIT_FAILED", fmt.Sprintf("git %s: %s", strings.Join(args, " "), stderr)).WithCause(runErr)
	}
	return stdout, stderr, nil
}

// GetCurrentCommit returns the current HEAD commit hash.
func (c *Client) GetCurrentCommit(ctx context.Context) (string, error) {
	return c.run(ctx, "rev-parse", "HEAD")
}

// GetCurrentBranch returns the current branch name.
func (c *Client) GetCurrentBranch(ctx context.Context) (string, error) {
	return c.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// CreateBranchAt creates a new branch pointing at ref without checking it out.
func (c *Client) CreateBranchAt(ctx context.Context, name, ref string) error {
	_, err := c.run(ctx, "branch", name, ref)
	return err
}

// DeleteBranch deletes a local branch.
func (c *Client) DeleteBranch(ctx context.Context, name string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := c.run(ctx, "branch", flag, name)
	return err
}

// AddWorktree creates a new worktree at path checked out to branch, which
// must already exist (the Job Manager always creates the job branch first
// via CreateBranchAt).
func (c *Client) AddWorktree(ctx context.Context, path, branch string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return core.ErrGit("WORKTREE_MKDIR", "creating worktree parent directory").WithCause(err)
	}
	_, err := c.run(ctx, "worktree", "add", path, branch)
	return err
}

// RemoveWorktree removes a worktree.
func (c *Client) RemoveWorktree(ctx context.Context, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	_, err := c.run(ctx, args...)
	return err
}

// PruneWorktrees removes stale worktree administrative entries (e.g. after
// a directory was deleted out of band).
func (c *Client) PruneWorktrees(ctx context.Context) error {
	_, err := c.run(ctx, "worktree", "prune")
	return err
}

// MergeOptions configures MergeBranch.
type MergeOptions struct {
	FFOnly    bool
	AllowNoFF bool
}

// MergeBranch merges name into the current branch.
func (c *Client) MergeBranch(ctx context.Context, name string, opts MergeOptions) error {
	args := []string{"merge"}
	switch {
	case opts.FFOnly:
		args = append(args, "--ff-only")
	case opts.AllowNoFF:
		args = append(args, "--no-ff", "--no-edit")
	}
	args = append(args, name)
	_, stderr, err := c.runRaw(ctx, args...)
	if err != nil {
		if strings.Contains(strings.ToLower(stderr), "conflict") {
			return core.ErrGit("MERGE_CONFLICT", "merge conflict merging "+name).WithCause(err)
		}
		return err
	}
	return nil
}

// ResetHard resets the working tree and index to commit.
func (c *Client) ResetHard(ctx context.Context, commit string) error {
	_, err := c.run(ctx, "reset", "--hard", commit)
	return err
}

// Clean removes untracked files and directories.
func (c *Client) Clean(ctx context.Context) error {
	_, err := c.run(ctx, "clean", "-fd")
	return err
}

// LsFiles lists all tracked files.
func (c *Client) LsFiles(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "ls-files")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// lsUntracked lists untracked, non-ignored files.
func (c *Client) lsUntracked(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

func splitLines(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l = strings.TrimRight(l, "\r"); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// hasNoisePrefix reports whether path begins with any configured noise prefix.
func (c *Client) hasNoisePrefix(path string) bool {
	for _, p := range c.NoisePrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// isEngineManaged reports whether path falls under an engine-managed prefix,
// or is the protocol overlay file pattern `.cursor/rules/20-role-*.mdc`.
func (c *Client) isEngineManaged(path string) bool {
	for _, p := range c.EngineManagedPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	if strings.HasPrefix(path, ".cursor/rules/20-role-") && strings.HasSuffix(path, ".mdc") {
		return true
	}
	return false
}

// CommitOptions configures Commit.
type CommitOptions struct {
	// IncludeEngineArtifacts, if true, does not unstage engine-managed
	// paths before committing.
	IncludeEngineArtifacts bool
}

// Commit stages all changes (-A), unstages engine-artifact paths unless
// IncludeEngineArtifacts is set, then commits. Returns the new commit hash,
// or ("", nil) if nothing remained staged.
func (c *Client) Commit(ctx context.Context, message string, opts CommitOptions) (string, error) {
	if _, err := c.run(ctx, "add", "-A"); err != nil {
		return "", err
	}

	if !opts.IncludeEngineArtifacts {
		staged, err := c.run(ctx, "diff", "--cached", "--name-only")
		if err != nil {
			return "", err
		}
		var toUnstage []string
		for _, p := range splitLines(staged) {
			if c.isEngineManaged(p) {
				toUnstage = append(toUnstage, p)
			}
		}
		if len(toUnstage) > 0 {
			args := append([]string{"restore", "--staged", "--"}, toUnstage...)
			if _, err := c.run(ctx, args...); err != nil {
				return "", err
			}
		}
	}

	staged, err := c.run(ctx, "diff", "--cached", "--name-only")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(staged) == "" {
		return "", nil
	}

	if _, err := c.run(ctx, "commit", "-m", message); err != nil {
		return "", err
	}
	return c.GetCurrentCommit(ctx)
}

// IsCleanOptions configures IsClean.
type IsCleanOptions struct {
	// IgnoreNibblerEngineArtifacts, if true, treats a porcelain line as
	// clean when every path on it is engine-managed or matches a
	// conventional build/cache artifact noise prefix.
	IgnoreNibblerEngineArtifacts bool
}

// IsClean reports whether the working tree has no relevant changes.
func (c *Client) IsClean(ctx context.Context, opts IsCleanOptions) (bool, error) {
	out, err := c.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	lines := splitLines(out)
	if !opts.IgnoreNibblerEngineArtifacts {
		return len(lines) == 0, nil
	}
	for _, line := range lines {
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		// Renames report as "old -> new"; check both sides.
		paths := []string{path}
		if idx := strings.Index(path, " -> "); idx >= 0 {
			paths = []string{path[:idx], path[idx+4:]}
		}
		for _, p := range paths {
			if !c.isEngineManaged(p) && !c.hasNoisePrefix(p) {
				return false, nil
			}
		}
	}
	return true, nil
}

// ChangeType classifies how a path was altered between two commits.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
	ChangeRenamed  ChangeType = "renamed"
)

// DiffFile is one changed path in a DiffResult.
type DiffFile struct {
	Path       string     `json:"path"`
	ChangeType ChangeType `json:"change_type"`
	Additions  int        `json:"additions"`
	Deletions  int        `json:"deletions"`
	OldPath    string     `json:"old_path,omitempty"`
}

// DiffSummary aggregates a DiffResult.
type DiffSummary struct {
	Additions    int `json:"additions"`
	Deletions    int `json:"deletions"`
	FilesChanged int `json:"files_changed"`
}

// DiffResult is the structured parse of a git diff plus untracked files.
type DiffResult struct {
	Files   []DiffFile  `json:"files"`
	Summary DiffSummary `json:"summary"`
	Raw     string      `json:"raw"`
}

// Paths returns the changed path list, renamed files reported by their new path.
func (d *DiffResult) Paths() []string {
	paths := make([]string, 0, len(d.Files))
	for _, f := range d.Files {
		paths = append(paths, f.Path)
	}
	return paths
}

// NonEmpty reports whether the diff touched at least one file.
func (d *DiffResult) NonEmpty() bool {
	return len(d.Files) > 0
}

// Diff computes a structured diff between from and to (to defaults to the
// working tree when empty), plus untracked files filtered by NoisePrefixes,
// reported as ChangeAdded with zero counts.
func (c *Client) Diff(ctx context.Context, from, to string) (*DiffResult, error) {
	toRef := to
	if toRef == "" {
		toRef = "HEAD"
	}

	nameStatus, err := c.run(ctx, "diff", "--name-status", from, toRef)
	if err != nil {
		return nil, err
	}
	numstat, err := c.run(ctx, "diff", "--numstat", from, toRef)
	if err != nil {
		return nil, err
	}
	raw, err := c.run(ctx, "diff", from, toRef)
	if err != nil {
		return nil, err
	}

	counts := parseNumstat(numstat)
	files := parseNameStatus(nameStatus, counts)

	if to == "" {
		untracked, err := c.lsUntracked(ctx)
		if err != nil {
			return nil, err
		}
		for _, p := range untracked {
			if c.hasNoisePrefix(p) {
				continue
			}
			files = append(files, DiffFile{Path: p, ChangeType: ChangeAdded})
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	summary := DiffSummary{FilesChanged: len(files)}
	for _, f := range files {
		summary.Additions += f.Additions
		summary.Deletions += f.Deletions
	}

	return &DiffResult{Files: files, Summary: summary, Raw: raw}, nil
}

func parseNumstat(output string) map[string][2]int {
	counts := make(map[string][2]int)
	for _, line := range splitLines(output) {
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			continue
		}
		add, _ := strconv.Atoi(parts[0])
		del, _ := strconv.Atoi(parts[1])
		// Binary files report "-" for both counts; Atoi leaves them 0.
		counts[parts[2]] = [2]int{add, del}
	}
	return counts
}

// WorktreeHealthy reports whether worktreePath's ".git" pointer file
// resolves to an existing gitdir. A worktree becomes unhealthy when its
// backing gitdir under the main repo's .git/worktrees/ is removed out of
// band (e.g. a crashed prior run's cleanup raced a manual `git worktree
// remove`).
func WorktreeHealthy(worktreePath string) bool {
	data, err := os.ReadFile(filepath.Join(worktreePath, ".git"))
	if err != nil {
		return false
	}
	line := strings.TrimSpace(string(data))
	const prefix = "gitdir: "
	if !strings.HasPrefix(line, prefix) {
		return false
	}
	gitdir := strings.TrimPrefix(line, prefix)
	if !filepath.IsAbs(gitdir) {
		gitdir = filepath.Join(worktreePath, gitdir)
	}
	info, err := os.Stat(gitdir)
	return err == nil && info.IsDir()
}

// RepairWorktree re-registers worktreePath's administrative files, for use
// when WorktreeHealthy reports false but the directory itself is intact.
func (c *Client) RepairWorktree(ctx context.Context, worktreePath string) error {
	_, err := c.run(ctx, "worktree", "repair", worktreePath)
	return err
}

func parseNameStatus(output string, counts map[string][2]int) []DiffFile {
	var files []DiffFile
	for _, line := range splitLines(output) {
		parts := strings.Split(line, "\t")
		if len(parts) < 2 {
			continue
		}
		status := parts[0]
		var f DiffFile
		switch status[0] {
		case 'A':
			f.ChangeType = ChangeAdded
			f.Path = parts[1]
		case 'M':
			f.ChangeType = ChangeModified
			f.Path = parts[1]
		case 'D':
			f.ChangeType = ChangeDeleted
			f.Path = parts[1]
		case 'R':
			f.ChangeType = ChangeRenamed
			if len(parts) >= 3 {
				f.OldPath = parts[1]
				f.Path = parts[2]
			} else {
				f.Path = parts[1]
			}
		default:
			f.ChangeType = ChangeModified
			f.Path = parts[1]
		}
		if c, ok := counts[f.Path]; ok {
			f.Additions, f.Deletions = c[0], c[1]
		}
		files = append(files, f)
	}
	return files
}
