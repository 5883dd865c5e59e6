package gitadapter_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nibbler-dev/nibbler/internal/gitadapter"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func newRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-q")
	runGit(t, dir, "checkout", "-q", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# hi\n"), 0o644))
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-q", "-m", "initial")
	return dir
}

func TestNewClient_NotARepo(t *testing.T) {
	_, err := gitadapter.NewClient(t.TempDir())
	require.Error(t, err)
}

func TestNewClient_And_Status(t *testing.T) {
	dir := newRepo(t)
	c, err := gitadapter.NewClient(dir)
	require.NoError(t, err)

	clean, err := c.IsClean(context.Background(), gitadapter.IsCleanOptions{})
	require.NoError(t, err)
	require.True(t, clean)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x"), 0o644))
	clean, err = c.IsClean(context.Background(), gitadapter.IsCleanOptions{})
	require.NoError(t, err)
	require.False(t, clean)
}

func TestIsClean_IgnoresEngineArtifacts(t *testing.T) {
	dir := newRepo(t)
	c, err := gitadapter.NewClient(dir)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".nibbler", "jobs", "j-1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".nibbler", "jobs", "j-1", "status.json"), []byte("{}"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "node_modules"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "node_modules", "x.js"), []byte("x"), 0o644))

	clean, err := c.IsClean(context.Background(), gitadapter.IsCleanOptions{IgnoreNibblerEngineArtifacts: true})
	require.NoError(t, err)
	require.True(t, clean, "engine/noise paths should not count against cleanliness")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "src.go"), []byte("x"), 0o644))
	clean, err = c.IsClean(context.Background(), gitadapter.IsCleanOptions{IgnoreNibblerEngineArtifacts: true})
	require.NoError(t, err)
	require.False(t, clean)
}

func TestDiff_NameStatusAndUntracked(t *testing.T) {
	dir := newRepo(t)
	c, err := gitadapter.NewClient(dir)
	require.NoError(t, err)
	ctx := context.Background()

	base, err := c.GetCurrentCommit(ctx)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# hi\nmore\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "added.go"), []byte("package x"), 0o644))
	runGit(t, dir, "add", "README.md")
	runGit(t, dir, "commit", "-q", "-m", "modify readme")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "untracked.txt"), []byte("x"), 0o644))

	diff, err := c.Diff(ctx, base, "")
	require.NoError(t, err)
	require.Equal(t, 2, diff.Summary.FilesChanged)

	var readme, untracked *gitadapter.DiffFile
	for i := range diff.Files {
		switch diff.Files[i].Path {
		case "README.md":
			readme = &diff.Files[i]
		case "untracked.txt":
			untracked = &diff.Files[i]
		}
	}
	require.NotNil(t, readme)
	require.Equal(t, gitadapter.ChangeModified, readme.ChangeType)
	require.NotNil(t, untracked)
	require.Equal(t, gitadapter.ChangeAdded, untracked.ChangeType)
}

func TestDiff_FiltersNoisePrefixes(t *testing.T) {
	dir := newRepo(t)
	c, err := gitadapter.NewClient(dir)
	require.NoError(t, err)
	ctx := context.Background()
	base, err := c.GetCurrentCommit(ctx)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "dist"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dist", "bundle.js"), []byte("x"), 0o644))

	diff, err := c.Diff(ctx, base, "")
	require.NoError(t, err)
	require.Equal(t, 0, diff.Summary.FilesChanged)
}

func TestCommit_ExcludesEngineArtifactsByDefault(t *testing.T) {
	dir := newRepo(t)
	c, err := gitadapter.NewClient(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "src.go"), []byte("package x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".nibbler", "jobs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".nibbler", "jobs", "j.json"), []byte("{}"), 0o644))

	hash, err := c.Commit(ctx, "work", gitadapter.CommitOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	tracked, err := c.LsFiles(ctx)
	require.NoError(t, err)
	require.Contains(t, tracked, "src.go")
	require.NotContains(t, tracked, ".nibbler/jobs/j.json")
}

func TestCommit_NothingStaged_ReturnsEmpty(t *testing.T) {
	dir := newRepo(t)
	c, err := gitadapter.NewClient(dir)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".nibbler", "jobs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".nibbler", "jobs", "j.json"), []byte("{}"), 0o644))

	hash, err := c.Commit(context.Background(), "nothing", gitadapter.CommitOptions{})
	require.NoError(t, err)
	require.Empty(t, hash, "commit with only engine artifacts staged should no-op")
}

func TestWorktreeLifecycle(t *testing.T) {
	dir := newRepo(t)
	c, err := gitadapter.NewClient(dir)
	require.NoError(t, err)
	ctx := context.Background()

	head, err := c.GetCurrentCommit(ctx)
	require.NoError(t, err)
	require.NoError(t, c.CreateBranchAt(ctx, "job-branch", head))

	wtPath := filepath.Join(t.TempDir(), "wt")
	require.NoError(t, c.AddWorktree(ctx, wtPath, "job-branch"))
	require.True(t, gitadapter.WorktreeHealthy(wtPath))

	require.NoError(t, c.RemoveWorktree(ctx, wtPath, false))
}

func TestResetHardAndClean(t *testing.T) {
	dir := newRepo(t)
	c, err := gitadapter.NewClient(dir)
	require.NoError(t, err)
	ctx := context.Background()

	head, err := c.GetCurrentCommit(ctx)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "tracked.txt"), []byte("x"), 0o644))
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-q", "-m", "add tracked")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "untracked.txt"), []byte("x"), 0o644))

	require.NoError(t, c.ResetHard(ctx, head))
	require.NoError(t, c.Clean(ctx))

	clean, err := c.IsClean(ctx, gitadapter.IsCleanOptions{})
	require.NoError(t, err)
	require.True(t, clean)
}
