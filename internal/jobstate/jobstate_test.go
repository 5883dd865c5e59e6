package jobstate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nibbler-dev/nibbler/internal/core"
	"github.com/nibbler-dev/nibbler/internal/scope"
)

func sampleState() *JobState {
	s := New("j-20260731-001", "/repo", "/repo/../.nibbler-wt-repo/j-20260731-001", "main", "nibbler/j-20260731-001", core.JobModeBuild)
	s.CurrentPhaseID = "execution"
	s.CurrentRoleID = "worker"
	s.RolesPlanned = []core.RoleID{"architect", "worker"}
	s.RolesCompleted = []core.RoleID{"architect"}
	s.AttemptsByRole["worker"] = 2
	s.CurrentRoleMaxIterations = 3
	s.FeedbackByRole["worker"] = "fix the failing check"
	s.FeedbackHistoryByRole["worker"] = []AttemptSummary{
		{
			Attempt:    1,
			Scope:      ScopeResult{Passed: false, ViolationCount: 1, SampleViolations: []string{"web/app.go"}},
			Completion: CompletionResult{Passed: false, FailedCriteria: []string{"diff_non_empty"}},
			EngineHint: "scope violation: web/app.go is owned by frontend",
		},
	}
	s.ScopeOverridesByRole["worker"] = []scope.Override{
		{Kind: scope.OverrideExtraScope, Patterns: []string{"tools/**"}, PhaseID: "execution", GrantedAtIso: "2026-07-31T00:00:00Z"},
	}
	s.SessionActive = true
	s.SessionHandleID = "sess-1"
	s.SessionPID = 4242
	s.SessionSeq = 3
	s.SessionLogPath = ".nibbler/jobs/j-20260731-001/evidence/sessions/worker-3.log"
	s.SessionStartedAtIso = "2026-07-31T00:01:00Z"
	s.SessionLastActivityIso = "2026-07-31T00:02:00Z"
	s.PreSessionCommit = "abc123"
	s.LastDiff = "diff --git a/x b/x\n"
	s.GlobalBudgetLimitMs = 3600000
	return s
}

func TestSaveLoad_RoundTripsAllFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status.json")

	original := sampleState()
	require.NoError(t, Save(path, original))

	loaded, ok, err := Load(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, original, loaded)
}

func TestSaveLoad_IsIdempotentByteForByte(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status.json")

	state := sampleState()
	require.NoError(t, Save(path, state))
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	loaded, ok, err := Load(path)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, Save(path, loaded))

	second, err := os.ReadFile(path)
	require.NoError(t, err)

	var firstEnv, secondEnv envelope
	require.NoError(t, json.Unmarshal(first, &firstEnv))
	require.NoError(t, json.Unmarshal(second, &secondEnv))
	assert.JSONEq(t, string(firstEnv.State), string(secondEnv.State))
}

func TestLoad_MissingFileReturnsNotFoundWithoutError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status.json")

	loaded, ok, err := Load(path)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, loaded)
}

func TestLoad_CorruptedChecksumIsRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status.json")

	require.NoError(t, Save(path, sampleState()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := []byte(string(data[:len(data)-2]) + "}}")
	require.NoError(t, os.WriteFile(path, tampered, 0o600))

	_, _, err = Load(path)
	require.Error(t, err)
	assert.Equal(t, core.ErrCatState, core.Category(err))
}

func TestPathForJob_MatchesConventionalLayout(t *testing.T) {
	p := PathForJob("/repo", "j-20260731-001")
	assert.Equal(t, filepath.Join("/repo", ".nibbler", "jobs", "j-20260731-001", "status.json"), p)
}

func TestNew_InitializesEmptyMapsAndExecutingState(t *testing.T) {
	s := New("j-20260731-002", "/repo", "/wt", "main", "nibbler/j-20260731-002", core.JobModeFix)
	assert.Equal(t, core.JobExecuting, s.State)
	assert.NotNil(t, s.AttemptsByRole)
	assert.NotNil(t, s.FeedbackByRole)
	assert.NotNil(t, s.FeedbackHistoryByRole)
	assert.NotNil(t, s.ScopeOverridesByRole)
	assert.NotEmpty(t, s.StartedAtIso)
}
