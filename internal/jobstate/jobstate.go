// Package jobstate defines the single mutable record the Job Manager owns
// for one job run — spec.md §4.2's JobState — and persists it atomically to
// status.json, grounded on the teacher's internal/adapters/state package:
// an envelope with a checksum, and a rename-based atomic write so a crash
// mid-write never leaves a torn or half-written snapshot behind.
package jobstate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"github.com/nibbler-dev/nibbler/internal/core"
	"github.com/nibbler-dev/nibbler/internal/delegation"
	"github.com/nibbler-dev/nibbler/internal/scope"
)

// AttemptSummary records one role attempt's verification outcome, per
// spec.md §4.12 — the unit that feedbackHistoryByRole accumulates and that
// the next attempt's feedback prompt is built from.
type AttemptSummary struct {
	Attempt    int              `json:"attempt"`
	Scope      ScopeResult      `json:"scope"`
	Completion CompletionResult `json:"completion"`
	EngineHint string           `json:"engineHint,omitempty"`
	Decision   string           `json:"scopeDecision,omitempty"`
}

// ScopeResult is the scope-check half of an AttemptSummary.
type ScopeResult struct {
	Passed           bool     `json:"passed"`
	ViolationCount   int      `json:"violationCount,omitempty"`
	SampleViolations []string `json:"sampleViolations,omitempty"`
}

// CompletionResult is the completion-check half of an AttemptSummary.
type CompletionResult struct {
	Passed         bool     `json:"passed"`
	FailedCriteria []string `json:"failedCriteria,omitempty"`
}

// JobState is the full mutable state of one job run, per spec.md §4.2.
// The Job Manager is its single owner: every field here is read and
// written exclusively through its methods, never mutated ad hoc from
// elsewhere in the engine (spec.md §9's "single owner" design note).
type JobState struct {
	// Identity
	JobID        core.JobID   `json:"jobId"`
	RepoRoot     string       `json:"repoRoot"`
	WorktreePath string       `json:"worktreePath"`
	SourceBranch string       `json:"sourceBranch"`
	JobBranch    string       `json:"jobBranch"`
	Mode         core.JobMode `json:"mode"`
	Description  string       `json:"description,omitempty"`

	// Progress
	CurrentPhaseID       core.PhaseID  `json:"currentPhaseId"`
	CurrentPhaseActorIdx int           `json:"currentPhaseActorIndex"`
	CurrentRoleID        core.RoleID   `json:"currentRoleId,omitempty"`
	RolesPlanned         []core.RoleID `json:"rolesPlanned,omitempty"`
	RolesCompleted       []core.RoleID `json:"rolesCompleted,omitempty"`

	// Attempts
	AttemptsByRole           map[core.RoleID]int `json:"attemptsByRole,omitempty"`
	CurrentRoleMaxIterations int                 `json:"currentRoleMaxIterations,omitempty"`

	// Feedback
	FeedbackByRole        map[core.RoleID]string           `json:"feedbackByRole,omitempty"`
	FeedbackHistoryByRole map[core.RoleID][]AttemptSummary `json:"feedbackHistoryByRole,omitempty"`

	// Scope overrides
	ScopeOverridesByRole map[core.RoleID][]scope.Override `json:"scopeOverridesByRole,omitempty"`

	// Session liveness
	SessionActive          bool   `json:"sessionActive"`
	SessionHandleID        string `json:"sessionHandleId,omitempty"`
	SessionPID             int    `json:"sessionPid,omitempty"`
	SessionSeq             int    `json:"sessionSeq,omitempty"`
	SessionLogPath         string `json:"sessionLogPath,omitempty"`
	SessionStartedAtIso    string `json:"sessionStartedAtIso,omitempty"`
	SessionLastActivityIso string `json:"sessionLastActivityAtIso,omitempty"`

	// Life-cycle
	State         core.JobLifecycleState `json:"state"`
	PendingGateID core.GateID            `json:"pendingGateId,omitempty"`

	// Artifacts
	PreSessionCommit string           `json:"preSessionCommit,omitempty"`
	LastDiff         string           `json:"lastDiff,omitempty"`
	DelegationPlan   *delegation.Plan `json:"delegationPlan,omitempty"`

	// Budgets
	StartedAtIso        string `json:"startedAtIso"`
	GlobalBudgetLimitMs int64  `json:"globalBudgetLimitMs,omitempty"`
}

// New returns a freshly initialized JobState for a job starting now.
func New(jobID core.JobID, repoRoot, worktreePath, sourceBranch, jobBranch string, mode core.JobMode) *JobState {
	return &JobState{
		JobID:                 jobID,
		RepoRoot:              repoRoot,
		WorktreePath:          worktreePath,
		SourceBranch:          sourceBranch,
		JobBranch:             jobBranch,
		Mode:                  mode,
		AttemptsByRole:        map[core.RoleID]int{},
		FeedbackByRole:        map[core.RoleID]string{},
		FeedbackHistoryByRole: map[core.RoleID][]AttemptSummary{},
		ScopeOverridesByRole:  map[core.RoleID][]scope.Override{},
		State:                 core.JobExecuting,
		StartedAtIso:          time.Now().UTC().Format(time.RFC3339),
	}
}

// envelope wraps a JobState with a checksum the way the teacher's
// stateEnvelope wraps a WorkflowState, so a torn or truncated write is
// detected at load time rather than silently trusted.
type envelope struct {
	Version   int             `json:"version"`
	Checksum  string          `json:"checksum"`
	UpdatedAt time.Time       `json:"updatedAt"`
	State     json.RawMessage `json:"state"`
}

// PathForJob returns the conventional status-snapshot path for a job
// rooted under repoRoot, per spec.md §6's ".nibbler/jobs/<id>/status.json"
// layout.
func PathForJob(repoRoot string, jobID core.JobID) string {
	return filepath.Join(repoRoot, ".nibbler", "jobs", string(jobID), "status.json")
}

// Save persists state atomically to path: a checksummed envelope written
// via renameio so a reader never observes a partially written file, mirroring
// the teacher's atomicWriteFile-backed JSONStateManager.Save.
func Save(path string, state *JobState) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return core.ErrState("STATUS_WRITE_FAILED", "creating status directory").WithCause(err)
	}

	stateBytes, err := json.Marshal(state)
	if err != nil {
		return core.ErrState("STATUS_ENCODE_FAILED", "marshaling job state").WithCause(err)
	}

	hash := sha256.Sum256(stateBytes)
	env := envelope{
		Version:   1,
		Checksum:  hex.EncodeToString(hash[:]),
		UpdatedAt: time.Now().UTC(),
		State:     stateBytes,
	}

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return core.ErrState("STATUS_ENCODE_FAILED", "marshaling status envelope").WithCause(err)
	}

	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return core.ErrState("STATUS_WRITE_FAILED", "writing status snapshot").WithCause(err)
	}
	return nil
}

// Load reads and validates the status snapshot at path. A missing file
// returns (nil, nil, false) rather than an error: a job that has never
// been saved yet is not a corruption.
func Load(path string) (*JobState, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, core.ErrState("STATUS_READ_FAILED", "reading status snapshot").WithCause(err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, false, core.ErrState("STATUS_CORRUPTED", "parsing status envelope").WithCause(err)
	}

	hash := sha256.Sum256(env.State)
	if hex.EncodeToString(hash[:]) != env.Checksum {
		return nil, false, core.ErrState("STATUS_CORRUPTED", "status snapshot checksum mismatch")
	}

	var state JobState
	if err := json.Unmarshal(env.State, &state); err != nil {
		return nil, false, core.ErrState("STATUS_CORRUPTED", "parsing job state").WithCause(err)
	}
	return &state, true, nil
}
