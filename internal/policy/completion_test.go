package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nibbler-dev/nibbler/internal/contract"
	"github.com/nibbler-dev/nibbler/internal/delegation"
	"github.com/nibbler-dev/nibbler/internal/gitadapter"
)

func completionContract(t *testing.T) *contract.Contract {
	t.Helper()
	c := baseContract()
	require.NoError(t, contract.Validate(c))
	return c
}

func TestVerifyCompletion_ArtifactExists(t *testing.T) {
	worktree := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(worktree, ".nibbler", "jobs", "j-1", "plan"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(worktree, ".nibbler", "jobs", "j-1", "plan", "acceptance.md"), []byte("# Acceptance"), 0o644))

	phase := contract.Phase{CompletionCriteria: []contract.CompletionCriterion{
		{Kind: "artifact_exists", Params: map[string]any{"pattern": ".nibbler/jobs/<id>/plan/acceptance.md"}},
	}}
	req := CompletionRequest{JobID: "j-1", Role: "architect", Contract: completionContract(t), WorktreePath: worktree, RepoRoot: worktree}

	result := VerifyCompletion(context.Background(), phase, req)
	assert.True(t, result.Passed)
}

func TestVerifyCompletion_ArtifactMissing(t *testing.T) {
	worktree := t.TempDir()
	phase := contract.Phase{CompletionCriteria: []contract.CompletionCriterion{
		{Kind: "artifact_exists", Params: map[string]any{"pattern": "plan/acceptance.md"}},
	}}
	req := CompletionRequest{JobID: "j-1", Role: "architect", Contract: completionContract(t), WorktreePath: worktree, RepoRoot: worktree}

	result := VerifyCompletion(context.Background(), phase, req)
	require.False(t, result.Passed)
	assert.Equal(t, []string{"artifact_exists"}, result.FailedCriteria)
}

func TestVerifyCompletion_MarkdownHasHeadings(t *testing.T) {
	worktree := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(worktree, "vision.md"), []byte("# Vision\n\nWhy this matters.\n\n## Goals\n"), 0o644))

	phase := contract.Phase{CompletionCriteria: []contract.CompletionCriterion{
		{Kind: "markdown_has_headings", Params: map[string]any{
			"path":             "vision.md",
			"requiredHeadings": []any{"Vision", "Goals"},
		}},
	}}
	req := CompletionRequest{JobID: "j-1", Role: "architect", Contract: completionContract(t), WorktreePath: worktree, RepoRoot: worktree}

	result := VerifyCompletion(context.Background(), phase, req)
	assert.True(t, result.Passed)
}

func TestVerifyCompletion_MarkdownMissingHeading(t *testing.T) {
	worktree := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(worktree, "vision.md"), []byte("# Vision\n"), 0o644))

	phase := contract.Phase{CompletionCriteria: []contract.CompletionCriterion{
		{Kind: "markdown_has_headings", Params: map[string]any{
			"path":             "vision.md",
			"requiredHeadings": []any{"Vision", "Architecture"},
		}},
	}}
	req := CompletionRequest{JobID: "j-1", Role: "architect", Contract: completionContract(t), WorktreePath: worktree, RepoRoot: worktree}

	result := VerifyCompletion(context.Background(), phase, req)
	assert.False(t, result.Passed)
}

func TestVerifyCompletion_DiffNonEmpty(t *testing.T) {
	phase := contract.Phase{CompletionCriteria: []contract.CompletionCriterion{{Kind: "diff_non_empty"}}}

	withDiff := CompletionRequest{Contract: completionContract(t), Diff: diffOf("src/a.go")}
	assert.True(t, VerifyCompletion(context.Background(), phase, withDiff).Passed)

	withoutDiff := CompletionRequest{Contract: completionContract(t), Diff: &gitadapter.DiffResult{}}
	assert.False(t, VerifyCompletion(context.Background(), phase, withoutDiff).Passed)
}

func TestVerifyCompletion_DiffWithinBudget(t *testing.T) {
	phase := contract.Phase{CompletionCriteria: []contract.CompletionCriterion{
		{Kind: "diff_within_budget", Params: map[string]any{"maxFiles": 1}},
	}}
	req := CompletionRequest{Contract: completionContract(t), Diff: diffOf("src/a.go", "src/b.go")}
	result := VerifyCompletion(context.Background(), phase, req)
	assert.False(t, result.Passed)
}

func TestVerifyCompletion_DelegationCoverage(t *testing.T) {
	phase := contract.Phase{CompletionCriteria: []contract.CompletionCriterion{{Kind: "delegation_coverage"}}}
	tasks := []delegation.Task{{TaskID: "t1", RoleID: "worker", ScopeHints: []string{"src/api/**"}}}

	covered := CompletionRequest{Contract: completionContract(t), Role: "worker", Diff: diffOf("src/api/handler.go"), DelegatedTasks: tasks}
	assert.True(t, VerifyCompletion(context.Background(), phase, covered).Passed)

	uncovered := CompletionRequest{Contract: completionContract(t), Role: "worker", Diff: diffOf("src/other.go"), DelegatedTasks: tasks, WorktreePath: t.TempDir()}
	assert.False(t, VerifyCompletion(context.Background(), phase, uncovered).Passed)
}

func TestVerifyCompletion_DelegationCoverage_PreexistingFileFallback(t *testing.T) {
	worktree := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(worktree, "src", "api"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(worktree, "src", "api", "handler.go"), []byte("package api"), 0o644))

	phase := contract.Phase{CompletionCriteria: []contract.CompletionCriterion{{Kind: "delegation_coverage"}}}
	tasks := []delegation.Task{{TaskID: "t1", RoleID: "worker", ScopeHints: []string{"src/api/**"}}}
	req := CompletionRequest{Contract: completionContract(t), Role: "worker", Diff: &gitadapter.DiffResult{}, DelegatedTasks: tasks, WorktreePath: worktree}

	assert.True(t, VerifyCompletion(context.Background(), phase, req).Passed)
}

func TestVerifyCompletion_CommandSucceeds(t *testing.T) {
	phase := contract.Phase{CompletionCriteria: []contract.CompletionCriterion{
		{Kind: "command_succeeds", Params: map[string]any{"command": "true"}},
	}}
	req := CompletionRequest{Contract: completionContract(t), WorktreePath: t.TempDir()}
	assert.True(t, VerifyCompletion(context.Background(), phase, req).Passed)
}

func TestVerifyCompletion_CommandFails(t *testing.T) {
	phase := contract.Phase{CompletionCriteria: []contract.CompletionCriterion{
		{Kind: "command_fails", Params: map[string]any{"command": "false"}},
	}}
	req := CompletionRequest{Contract: completionContract(t), WorktreePath: t.TempDir()}
	assert.True(t, VerifyCompletion(context.Background(), phase, req).Passed)
}

func TestVerifyCompletion_RoleScopeDeferral(t *testing.T) {
	// command references a path entirely outside worker's scope and its
	// delegated hints; the criterion should defer (pass) rather than run.
	phase := contract.Phase{CompletionCriteria: []contract.CompletionCriterion{
		{Kind: "command_succeeds", Params: map[string]any{"command": "false # touches web/admin/panel.tsx only"}},
	}}
	req := CompletionRequest{Contract: completionContract(t), Role: "worker", WorktreePath: t.TempDir()}
	result := VerifyCompletion(context.Background(), phase, req)
	require.True(t, result.Passed)
	require.Len(t, result.Outcomes, 1)
	assert.True(t, result.Outcomes[0].Deferred)
}

func TestNormalizeHeading(t *testing.T) {
	assert.Equal(t, "goals and scope", normalizeHeading("Goals & Scope"))
	assert.Equal(t, "architecture", normalizeHeading("Architecture"))
}

func TestCheckGlobalBudget(t *testing.T) {
	lifetime := contract.GlobalLifetime{MaxTimeMs: 1000}
	started := time.Now()
	ok := CheckGlobalBudget(started, started.Add(500*time.Millisecond), lifetime)
	assert.False(t, ok.Exceeded)
	exceeded := CheckGlobalBudget(started, started.Add(2_000*time.Millisecond), lifetime)
	assert.True(t, exceeded.Exceeded)
}
