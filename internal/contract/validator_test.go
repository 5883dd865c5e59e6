package contract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nibbler-dev/nibbler/internal/core"
)

// happyPathContract mirrors spec.md §8 scenario 1: architect plans, worker
// executes, gated by a planning->execution PO approval.
func happyPathContract() *Contract {
	return &Contract{
		RolesList: []Role{
			{
				ID:    "architect",
				Scope: []string{"vision.md", "architecture.md", ".nibbler-staging/**"},
				Budget: Budget{MaxIterations: 3, ExhaustionEscalation: "terminate"},
			},
			{
				ID:    "worker",
				Scope: []string{"src/**"},
				Budget: Budget{MaxIterations: 2, ExhaustionEscalation: "terminate"},
			},
		},
		Phases: []Phase{
			{
				ID:     "planning",
				Actors: []core.RoleID{"architect"},
				CompletionCriteria: []CompletionCriterion{
					{Kind: "artifact_exists", Params: map[string]any{"pattern": ".nibbler/jobs/<id>/plan/acceptance.md"}},
				},
				Successors: []Successor{{On: "default", Next: "execution"}},
			},
			{
				ID:     "execution",
				Actors: []core.RoleID{"worker"},
				CompletionCriteria: []CompletionCriterion{
					{Kind: "diff_non_empty"},
				},
				IsTerminal: true,
			},
		},
		GatesList: []Gate{
			{
				ID:                   "plan",
				Trigger:              "planning->execution",
				Audience:             "PO",
				ApprovalScope:        "both",
				BusinessOutcomes:     []string{"ship the feature"},
				FunctionalScope:      []string{"src/**"},
				RequiredInputs: []RequiredInput{
					{Name: "vision", Kind: "path", Value: "vision.md"},
					{Name: "architecture", Kind: "path", Value: "architecture.md"},
					{Name: "acceptance", Kind: "path", Value: ".nibbler/jobs/<id>/plan/acceptance.md"},
				},
				Outcomes: map[string]string{"approve": "execution", "reject": "planning"},
			},
		},
		GlobalLifetime: GlobalLifetime{MaxTimeMs: 3600_000, ExhaustionEscalation: "terminate"},
	}
}

func TestValidate_HappyPath(t *testing.T) {
	err := Validate(happyPathContract())
	assert.NoError(t, err)
}

func TestValidate_EmptyScopeRejected(t *testing.T) {
	c := happyPathContract()
	c.RolesList[1].Scope = nil
	err := Validate(c)
	require.Error(t, err)
	ve, ok := err.(ValidationErrors)
	require.True(t, ok)
	found := false
	for _, e := range ve {
		if e.Invariant == 1 {
			found = true
		}
	}
	assert.True(t, found, "expected an invariant-1 violation, got: %v", ve)
}

func TestValidate_ProtectedPathScopeRejected(t *testing.T) {
	c := happyPathContract()
	c.RolesList[1].Scope = []string{".nibbler/jobs/**"}
	err := Validate(c)
	require.Error(t, err)
	ve := err.(ValidationErrors)
	assertHasInvariant(t, ve, 1)
}

func TestValidate_OverlappingScopeWithoutSharedScopeRejected(t *testing.T) {
	c := happyPathContract()
	c.RolesList[1].Scope = []string{"src/**"}
	c.RolesList = append(c.RolesList, Role{ID: "reviewer", Scope: []string{"src/api/**"}, Budget: Budget{MaxIterations: 1, ExhaustionEscalation: "terminate"}})
	err := Validate(c)
	require.Error(t, err)
	assertHasInvariant(t, err.(ValidationErrors), 2)
}

func TestValidate_OverlappingScopeWithSharedScopeAccepted(t *testing.T) {
	c := happyPathContract()
	c.RolesList = append(c.RolesList, Role{ID: "reviewer", Scope: []string{"src/api/**"}, Budget: Budget{MaxIterations: 1, ExhaustionEscalation: "terminate"}})
	c.SharedScopes = []SharedScope{{Roles: []core.RoleID{"worker", "reviewer"}, Patterns: []string{"src/**"}}}
	err := Validate(c)
	assert.NoError(t, err)
}

func TestValidate_UncoveredOutputBoundaryRejected(t *testing.T) {
	c := happyPathContract()
	c.Phases[1].OutputBoundaries = []string{"docs/README.md"}
	err := Validate(c)
	require.Error(t, err)
	assertHasInvariant(t, err.(ValidationErrors), 3)
}

func TestValidate_EngineManagedOutputBoundaryAccepted(t *testing.T) {
	c := happyPathContract()
	c.Phases[0].OutputBoundaries = []string{".nibbler/jobs/<id>/plan/acceptance.md"}
	err := Validate(c)
	assert.NoError(t, err)
}

func TestValidate_CyclicPhaseGraphRejected(t *testing.T) {
	c := happyPathContract()
	c.Phases[1].IsTerminal = false
	c.Phases[1].Successors = []Successor{{On: "default", Next: "planning"}}
	err := Validate(c)
	require.Error(t, err)
	ve := err.(ValidationErrors)
	assertHasInvariant(t, ve, 5)
}

func TestValidate_NoTerminalPhaseRejected(t *testing.T) {
	c := happyPathContract()
	c.Phases[1].IsTerminal = false
	err := Validate(c)
	require.Error(t, err)
	assertHasInvariant(t, err.(ValidationErrors), 5)
}

func TestValidate_GateMissingOutcomeRejected(t *testing.T) {
	c := happyPathContract()
	c.GatesList[0].Outcomes = map[string]string{"approve": "execution"}
	err := Validate(c)
	require.Error(t, err)
	assertHasInvariant(t, err.(ValidationErrors), 6)
}

func TestValidate_NoPOGateRejected(t *testing.T) {
	c := happyPathContract()
	c.GatesList[0].Audience = "team"
	err := Validate(c)
	require.Error(t, err)
	assertHasInvariant(t, err.(ValidationErrors), 6)
}

func TestValidate_PlanningGateMissingArtifactRejected(t *testing.T) {
	c := happyPathContract()
	c.GatesList[0].RequiredInputs = []RequiredInput{
		{Name: "vision", Kind: "path", Value: "vision.md"},
	}
	err := Validate(c)
	require.Error(t, err)
	assertHasInvariant(t, err.(ValidationErrors), 6)
}

func TestValidate_MissingGlobalLifetimeRejected(t *testing.T) {
	c := happyPathContract()
	c.GlobalLifetime = GlobalLifetime{}
	err := Validate(c)
	require.Error(t, err)
	assertHasInvariant(t, err.(ValidationErrors), 7)
}

func TestContract_EffectiveScopeFor_IncludesSharedScopes(t *testing.T) {
	c := happyPathContract()
	c.SharedScopes = []SharedScope{{Roles: []core.RoleID{"worker", "architect"}, Patterns: []string{"docs/**"}}}
	require.NoError(t, Validate(c))
	eff := c.EffectiveScopeFor("worker")
	assert.Contains(t, eff, "src/**")
	assert.Contains(t, eff, "docs/**")
}

func TestContract_GateFor(t *testing.T) {
	c := happyPathContract()
	require.NoError(t, Validate(c))
	g, ok := c.GateFor("planning", "execution")
	require.True(t, ok)
	assert.Equal(t, core.GateID("plan"), g.ID)

	_, ok = c.GateFor("execution", core.EndPhase)
	assert.False(t, ok)
}

func TestContract_FirstPhase(t *testing.T) {
	c := happyPathContract()
	require.NoError(t, Validate(c))
	p, ok := c.FirstPhase()
	require.True(t, ok)
	assert.Equal(t, core.PhaseID("planning"), p.ID)
}

func assertHasInvariant(t *testing.T, ve ValidationErrors, invariant int) {
	t.Helper()
	for _, e := range ve {
		if e.Invariant == invariant {
			return
		}
	}
	t.Fatalf("expected a violation of invariant %d, got: %v", invariant, ve)
}
