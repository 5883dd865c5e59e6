package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nibbler-dev/nibbler/internal/contract"
	"github.com/nibbler-dev/nibbler/internal/core"
	"github.com/nibbler-dev/nibbler/internal/gitadapter"
)

func buildContract(t *testing.T, c *contract.Contract) *contract.Contract {
	t.Helper()
	require.NoError(t, contract.Validate(c))
	return c
}

func baseContract() *contract.Contract {
	return &contract.Contract{
		RolesList: []contract.Role{
			{ID: "worker", Scope: []string{"src/**"}, Authority: contract.Authority{AllowedPaths: []string{"docs/generated/**"}}, Budget: contract.Budget{MaxIterations: 3, ExhaustionEscalation: "terminate"}},
			{ID: "frontend", Scope: []string{"web/**"}, Budget: contract.Budget{MaxIterations: 3, ExhaustionEscalation: "terminate"}},
		},
		SharedScopes: []contract.SharedScope{
			{Roles: []core.RoleID{"worker", "frontend"}, Patterns: []string{"shared/**"}},
		},
		Phases: []contract.Phase{
			{ID: "execution", Actors: []core.RoleID{"worker", "frontend"}, IsTerminal: true, CompletionCriteria: []contract.CompletionCriterion{{Kind: "diff_non_empty"}}},
		},
		GatesList:      []contract.Gate{{ID: "g", Trigger: "execution->__END__", Audience: "PO", Outcomes: map[string]string{"approve": "__END__", "reject": "execution"}}},
		GlobalLifetime: contract.GlobalLifetime{MaxTimeMs: 1000},
	}
}

func diffOf(paths ...string) *gitadapter.DiffResult {
	d := &gitadapter.DiffResult{}
	for _, p := range paths {
		d.Files = append(d.Files, gitadapter.DiffFile{Path: p, ChangeType: gitadapter.ChangeModified})
	}
	d.Summary.FilesChanged = len(paths)
	return d
}

func TestVerifyScope_AllowsDirectScope(t *testing.T) {
	c := buildContract(t, baseContract())
	result := VerifyScope(diffOf("src/main.go"), "worker", c)
	assert.True(t, result.Passed)
}

func TestVerifyScope_AllowsAllowedPaths(t *testing.T) {
	c := buildContract(t, baseContract())
	result := VerifyScope(diffOf("docs/generated/api.md"), "worker", c)
	assert.True(t, result.Passed)
}

func TestVerifyScope_AllowsSharedScope(t *testing.T) {
	c := buildContract(t, baseContract())
	result := VerifyScope(diffOf("shared/types.go"), "worker", c)
	assert.True(t, result.Passed)
}

func TestVerifyScope_RejectsOutOfScope(t *testing.T) {
	c := buildContract(t, baseContract())
	result := VerifyScope(diffOf("web/index.html"), "worker", c)
	require.False(t, result.Passed)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, ViolationOutOfScope, result.Violations[0].Kind)
	assert.Equal(t, []string{"web/index.html"}, result.OutOfScopePaths())
}

func TestVerifyScope_RejectsProtectedPath(t *testing.T) {
	c := buildContract(t, baseContract())
	result := VerifyScope(diffOf(".nibbler/jobs/j-1/status.json"), "worker", c)
	require.False(t, result.Passed)
	assert.True(t, result.HasProtectedPathViolation())
}

func TestVerifyScope_MixedDiff(t *testing.T) {
	c := buildContract(t, baseContract())
	result := VerifyScope(diffOf("src/main.go", "web/index.html"), "worker", c)
	require.False(t, result.Passed)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, "web/index.html", result.Violations[0].Path)
}

func TestCheckBudget_ExceedsIterations(t *testing.T) {
	role := contract.Role{Budget: contract.Budget{MaxIterations: 2}}
	res := CheckBudget(Usage{Iterations: 3}, role)
	assert.True(t, res.Exceeded)
	assert.Equal(t, "max_iterations", res.Reason)
}

func TestCheckBudget_WithinLimits(t *testing.T) {
	role := contract.Role{Budget: contract.Budget{MaxIterations: 5, MaxTimeMs: 10_000, MaxDiffLines: 500}}
	res := CheckBudget(Usage{Iterations: 2, ElapsedMs: 1000, DiffLines: 50}, role)
	assert.False(t, res.Exceeded)
}

func TestShouldEnforceGate(t *testing.T) {
	c := buildContract(t, baseContract())
	g, ok := ShouldEnforceGate(c, "execution", core.EndPhase)
	require.True(t, ok)
	assert.Equal(t, core.GateID("g"), g.ID)

	_, ok = ShouldEnforceGate(c, "planning", "execution")
	assert.False(t, ok)
}
