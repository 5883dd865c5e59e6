package gate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nibbler-dev/nibbler/internal/contract"
	"github.com/nibbler-dev/nibbler/internal/core"
	"github.com/nibbler-dev/nibbler/internal/evidence"
	"github.com/nibbler-dev/nibbler/internal/ledger"
)

type scriptedRenderer struct {
	decision Decision
	err      error
	gotModel DecisionModel
}

func (r *scriptedRenderer) Render(_ context.Context, model DecisionModel) (Decision, error) {
	r.gotModel = model
	return r.decision, r.err
}

func planningGate() contract.Gate {
	return contract.Gate{
		ID:                   "po-plan",
		Trigger:              "planning->execution",
		Audience:             "PO",
		ApprovalScope:        "build_requirements",
		ApprovalExpectations: []string{"scope is correct"},
		BusinessOutcomes:     []string{"ship widget"},
		FunctionalScope:      []string{"widget CRUD"},
		RequiredInputs: []contract.RequiredInput{
			{Name: "vision", Kind: "path", Value: ".nibbler/jobs/<id>/plan/vision.md"},
			{Name: "architecture", Kind: "path", Value: ".nibbler/jobs/<id>/plan/architecture.md"},
		},
		Outcomes: map[string]string{"approve": "execution", "reject": "planning"},
	}
}

func newController(t *testing.T) (*Controller, string) {
	t.Helper()
	repoRoot := t.TempDir()
	jobDir := t.TempDir()

	l, err := ledger.Open(filepath.Join(jobDir, "ledger.jsonl"))
	require.NoError(t, err)
	e, err := evidence.New(jobDir)
	require.NoError(t, err)

	return New(repoRoot, l, e), repoRoot
}

func TestPresentGate_ResolvesExistingInputAndRecordsApproval(t *testing.T) {
	ctrl, repoRoot := newController(t)
	gate := planningGate()

	planDir := filepath.Join(repoRoot, ".nibbler", "jobs", "j-1", "plan")
	require.NoError(t, os.MkdirAll(planDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(planDir, "vision.md"), []byte("# Vision\ncontent"), 0o644))

	renderer := &scriptedRenderer{decision: Decision{Outcome: "approve", Notes: "looks good"}}
	result, err := ctrl.PresentGate(context.Background(), gate, core.JobID("j-1"), renderer)
	require.NoError(t, err)

	assert.Equal(t, "approve", result.Decision.Outcome)
	assert.NotEmpty(t, result.Fingerprint)
	require.Len(t, result.Inputs, 2)
	assert.True(t, result.Inputs[0].Exists)
	assert.False(t, result.Inputs[1].Exists)

	assert.Equal(t, []string{"scope is correct"}, renderer.gotModel.ApprovalExpectations)

	entries, err := ctrl.Ledger.ReadAll()
	require.NoError(t, err)
	var types []string
	for _, e := range entries {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, ledger.TypeGateOpened)
	assert.Contains(t, types, ledger.TypeGateDecision)
}

func TestPresentGate_CaseInsensitiveFallbackResolvesInput(t *testing.T) {
	ctrl, repoRoot := newController(t)
	gate := planningGate()

	planDir := filepath.Join(repoRoot, ".nibbler", "jobs", "j-1", "plan")
	require.NoError(t, os.MkdirAll(planDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(planDir, "VISION.MD"), []byte("# Vision"), 0o644))

	renderer := &scriptedRenderer{decision: Decision{Outcome: "reject"}}
	result, err := ctrl.PresentGate(context.Background(), gate, core.JobID("j-1"), renderer)
	require.NoError(t, err)

	require.Len(t, result.Inputs, 2)
	assert.True(t, result.Inputs[0].Exists)
	assert.Contains(t, result.Inputs[0].Path, "VISION.MD")
}

func TestPresentGate_MissingRequiredInputsDoNotAutoReject(t *testing.T) {
	ctrl, _ := newController(t)
	gate := planningGate()

	renderer := &scriptedRenderer{decision: Decision{Outcome: "approve"}}
	result, err := ctrl.PresentGate(context.Background(), gate, core.JobID("j-404"), renderer)
	require.NoError(t, err)
	assert.Equal(t, "approve", result.Decision.Outcome)
	for _, in := range result.Inputs {
		assert.False(t, in.Exists)
	}
}

func TestPresentGate_InvalidDecisionOutcomeRejected(t *testing.T) {
	ctrl, _ := newController(t)
	gate := planningGate()

	renderer := &scriptedRenderer{decision: Decision{Outcome: "maybe"}}
	_, err := ctrl.PresentGate(context.Background(), gate, core.JobID("j-1"), renderer)
	require.Error(t, err)
	assert.Equal(t, core.ErrCatGate, core.Category(err))
}

func TestPresentGate_NonApprovalScopeOmitsBuildRequirementsContent(t *testing.T) {
	ctrl, _ := newController(t)
	gate := planningGate()
	gate.ApprovalScope = "phase_output"

	renderer := &scriptedRenderer{decision: Decision{Outcome: "approve"}}
	_, err := ctrl.PresentGate(context.Background(), gate, core.JobID("j-1"), renderer)
	require.NoError(t, err)
	assert.Empty(t, renderer.gotModel.ApprovalExpectations)
	assert.Empty(t, renderer.gotModel.BusinessOutcomes)
}

func TestFingerprint_StableAcrossInputOrderingAndSensitiveToContent(t *testing.T) {
	gate := planningGate()
	inputsA := []ResolvedInput{
		{Name: "vision", Path: "/tmp/a", Exists: true},
		{Name: "architecture", Path: "/tmp/b", Exists: false},
	}
	inputsB := []ResolvedInput{
		{Name: "architecture", Path: "/tmp/b", Exists: false},
		{Name: "vision", Path: "/tmp/a", Exists: true},
	}
	assert.Equal(t, Fingerprint(gate, inputsA), Fingerprint(gate, inputsB))

	otherGate := gate
	otherGate.ApprovalScope = "phase_output"
	assert.NotEqual(t, Fingerprint(gate, inputsA), Fingerprint(otherGate, inputsA))
}

func TestFingerprint_ChangesWhenFileContentChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vision.md")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	gate := planningGate()
	inputs := []ResolvedInput{{Name: "vision", Path: path, Exists: true}}
	fp1 := Fingerprint(gate, inputs)

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))
	fp2 := Fingerprint(gate, inputs)

	assert.NotEqual(t, fp1, fp2)
}
