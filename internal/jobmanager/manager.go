// Package jobmanager implements the C11 Job Manager: the hub that drives a
// job from its first phase to a terminal outcome. It owns the single
// JobState record for a run, walks the contract's phase graph, spawns one
// role session per actor through the Session Controller, verifies each
// attempt's diff against scope and completion policy, and resolves gates
// through the Gate Controller — enforcing, escalating, or granting scope
// exceptions as spec.md §4.11 describes. Grounded on the teacher's
// internal/orchestrator package: a small coordinating struct that holds
// references to its collaborators and drives them through an explicit
// state machine, rather than owning their logic itself.
package jobmanager

import (
	"context"
	"fmt"
	"time"

	"github.com/nibbler-dev/nibbler/internal/contract"
	"github.com/nibbler-dev/nibbler/internal/core"
	"github.com/nibbler-dev/nibbler/internal/delegation"
	"github.com/nibbler-dev/nibbler/internal/diagnostics"
	"github.com/nibbler-dev/nibbler/internal/evidence"
	"github.com/nibbler-dev/nibbler/internal/gate"
	"github.com/nibbler-dev/nibbler/internal/gitadapter"
	"github.com/nibbler-dev/nibbler/internal/jobstate"
	"github.com/nibbler-dev/nibbler/internal/ledger"
	"github.com/nibbler-dev/nibbler/internal/logging"
	"github.com/nibbler-dev/nibbler/internal/session"
)

// executionPhaseID and planningPhaseID are the two phase ids the Job
// Manager treats specially: execution consults the delegation plan for
// actor order, and planning's completion is additionally gated on
// producing a valid delegation plan. Any other phase id works exactly
// like execution minus delegation-aware ordering.
const (
	executionPhaseID core.PhaseID = "execution"
	planningPhaseID  core.PhaseID = "planning"
)

// gitOps is the subset of *gitadapter.Client the Job Manager needs,
// narrowed to a local interface so tests can supply a fake without
// standing up a real git repository. Worktree creation and branch setup
// happen one layer up, before a Manager exists; gitOps only covers what
// spec.md §4.11 lists as the Job Manager's own concern.
type gitOps interface {
	GetCurrentCommit(ctx context.Context) (string, error)
	Diff(ctx context.Context, from, to string) (*gitadapter.DiffResult, error)
	Commit(ctx context.Context, message string, opts gitadapter.CommitOptions) (string, error)
	ResetHard(ctx context.Context, commit string) error
	Clean(ctx context.Context) error
}

// Config carries the tunables and per-role hooks that vary by deployment,
// per spec.md §9's "configuration as options" design note: nothing here
// is a package-level global, so a test or a second concurrent job can use
// a different Config without interfering with another Manager.
type Config struct {
	RepoRoot     string
	WorktreePath string

	// MaxPhaseLoopIterations bounds the main phase-transition loop, so a
	// contract with a successor cycle fails fast instead of spinning
	// forever. Defaults to 50.
	MaxPhaseLoopIterations int

	// ManyThreshold is the out-of-scope violation count above which
	// scope.IsStructuralOutOfScopeViolation calls a violation structural
	// regardless of ownership concentration. Defaults to 5.
	ManyThreshold int

	// ArchitectRoleID names the role the Job Manager spawns to resolve a
	// NEEDS_ESCALATION event or a scope exception. Defaults to "architect".
	ArchitectRoleID core.RoleID

	ConfigDirForRole func(core.RoleID) string
	EnvVarsForRole   func(core.RoleID) map[string]string

	// WorktreeHealthy and RepairWorktree default to the package-level
	// gitadapter functions; tests override them to avoid exercising real
	// worktree plumbing.
	WorktreeHealthy func(worktreePath string) bool
	RepairWorktree  func(ctx context.Context, worktreePath string) error

	// KillDumpMaxLines bounds how many trailing output lines a kill dump
	// retains when a session is force-stopped after a budget or
	// inactivity timeout. Defaults to diagnostics.DefaultMaxLines.
	KillDumpMaxLines int

	// Logger receives the Job Manager's own lifecycle events, scoped with
	// WithJob/WithRole/WithPhase/WithAttempt as the phase loop moves.
	// Defaults to logging.NewNop().
	Logger *logging.Logger
}

func (cfg Config) manyThreshold() int {
	if cfg.ManyThreshold > 0 {
		return cfg.ManyThreshold
	}
	return 5
}

func (cfg Config) maxPhaseLoopIterations() int {
	if cfg.MaxPhaseLoopIterations > 0 {
		return cfg.MaxPhaseLoopIterations
	}
	return 50
}

// Manager drives a single job run. It is the single owner of state: every
// field of state is read and written exclusively through Manager's
// methods (spec.md §9).
type Manager struct {
	cfg      Config
	git      gitOps
	session  *session.Controller
	gates    *gate.Controller
	renderer gate.Renderer
	ledger   *ledger.Ledger
	evidence *evidence.Collector
	contract *contract.Contract
	state    *jobstate.JobState

	statusPath string
	finalized  bool
	killDumps  *diagnostics.KillDumpWriter
}

// NewManager wires a Manager from its collaborators. git, sess, and c
// must be non-nil; gates/renderer/led/evidence may be nil in
// configurations that never need to enforce a gate (a contract with no
// gates) or don't want ledger/evidence recording.
func NewManager(cfg Config, git gitOps, sess *session.Controller, gates *gate.Controller, renderer gate.Renderer, led *ledger.Ledger, ev *evidence.Collector, c *contract.Contract, state *jobstate.JobState, statusPath string) *Manager {
	if cfg.ArchitectRoleID == "" {
		cfg.ArchitectRoleID = "architect"
	}
	if cfg.ConfigDirForRole == nil {
		cfg.ConfigDirForRole = func(core.RoleID) string { return "" }
	}
	if cfg.EnvVarsForRole == nil {
		cfg.EnvVarsForRole = func(core.RoleID) map[string]string { return nil }
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	m := &Manager{
		cfg: cfg, git: git, session: sess, gates: gates, renderer: renderer,
		ledger: led, evidence: ev, contract: c, state: state, statusPath: statusPath,
	}
	if ev != nil {
		m.killDumps = diagnostics.NewKillDumpWriter(ev, cfg.KillDumpMaxLines)
	}
	return m
}

// RunContractJob is the entry point for a brand-new job: it starts at the
// contract's first phase.
func (m *Manager) RunContractJob(ctx context.Context) core.Result {
	phase, ok := m.contract.FirstPhase()
	if !ok {
		return m.finalize(ctx, core.OutcomeFailed, ledger.TypeJobFailed, map[string]any{"reason": "contract has no entry phase"})
	}
	m.state.CurrentPhaseID = phase.ID
	if m.ledger != nil {
		_ = m.ledger.Append(ledger.TypeJobStarted, map[string]any{"job_id": string(m.state.JobID), "mode": string(m.state.Mode)})
	}
	return m.runPhaseLoop(ctx)
}

// RunContractJobFromPhase starts (or restarts) a job at an explicit phase,
// e.g. when an operator wants to re-run only the execution phase onward.
func (m *Manager) RunContractJobFromPhase(ctx context.Context, phaseID core.PhaseID) core.Result {
	if _, ok := m.contract.Phase(phaseID); !ok {
		return m.finalize(ctx, core.OutcomeFailed, ledger.TypeJobFailed, map[string]any{"reason": fmt.Sprintf("unknown start phase %q", phaseID)})
	}
	m.state.CurrentPhaseID = phaseID
	m.state.CurrentPhaseActorIdx = 0
	return m.runPhaseLoop(ctx)
}

// ResumeContractJob continues a job whose process died mid-run. A job
// that was waiting on a gate decision re-presents that gate (with
// fingerprint-based auto-reapproval) before rejoining the phase loop;
// otherwise it simply re-enters the loop at the persisted current phase.
func (m *Manager) ResumeContractJob(ctx context.Context) core.Result {
	if m.state.State == core.JobPaused && m.state.PendingGateID != "" {
		gateDef, ok := m.contract.Gates[m.state.PendingGateID]
		if !ok {
			return m.finalize(ctx, core.OutcomeFailed, ledger.TypeJobFailed, map[string]any{"reason": fmt.Sprintf("pending gate %q no longer exists in the contract", m.state.PendingGateID)})
		}
		outcome, err := m.enforceGate(ctx, gateDef)
		if err != nil {
			return m.finalize(ctx, core.OutcomeFailed, ledger.TypeJobFailed, map[string]any{"reason": err.Error()})
		}
		next, err := m.mapGateOutcome(gateDef, outcome)
		if err != nil {
			return m.finalize(ctx, core.OutcomeFailed, ledger.TypeJobFailed, map[string]any{"reason": err.Error()})
		}
		m.state.PendingGateID = ""
		m.state.State = core.JobExecuting
		if next == core.EndPhase {
			return m.finalize(ctx, core.OutcomeOK, ledger.TypeJobCompleted, nil)
		}
		m.state.CurrentPhaseID = next
		m.state.CurrentPhaseActorIdx = 0
	}
	m.state.State = core.JobExecuting
	return m.runPhaseLoop(ctx)
}

// Cancel stops a live session (best-effort) and finalizes the job as
// cancelled. Idempotent: a second call against an already-finalized
// Manager just returns the same result.
func (m *Manager) Cancel(ctx context.Context, info string) core.Result {
	m.state.State = core.JobCancelled
	if m.state.SessionActive {
		_ = m.session.StopSession(sessionHandleFromState(m.state))
		m.state.SessionActive = false
	}
	return m.finalize(ctx, core.OutcomeCancelled, ledger.TypeJobCancelled, map[string]any{"info": info})
}

// runPhaseLoop is the main phase-transition loop: for the current phase,
// run every actor's role session in order, then resolve the phase's
// successor (enforcing a gate if one is declared for that transition),
// advancing until a terminal phase, a finalizing outcome from a role
// session, or the iteration guard is hit.
func (m *Manager) runPhaseLoop(ctx context.Context) core.Result {
	for i := 0; i < m.cfg.maxPhaseLoopIterations(); i++ {
		if ctx.Err() != nil {
			return m.finalize(ctx, core.OutcomeCancelled, ledger.TypeJobCancelled, map[string]any{"reason": ctx.Err().Error()})
		}
		if m.state.State == core.JobCancelled {
			return m.finalize(ctx, core.OutcomeCancelled, ledger.TypeJobCancelled, nil)
		}

		phase, ok := m.contract.Phase(m.state.CurrentPhaseID)
		if !ok {
			return m.finalize(ctx, core.OutcomeFailed, ledger.TypeJobFailed, map[string]any{
				"reason": core.ErrValidation(core.CodeUnknownPhase, fmt.Sprintf("job is at unknown phase %q", m.state.CurrentPhaseID)).Error(),
			})
		}
		_ = m.persistStatus()
		if m.ledger != nil {
			_ = m.ledger.Append(ledger.TypePhaseEntered, map[string]any{"phase_id": string(phase.ID)})
		}

		for _, work := range m.actorsForPhase(phase) {
			done, result, err := m.runRoleSession(ctx, work.role, phase, work.tasks)
			if err != nil {
				return m.finalize(ctx, core.OutcomeCancelled, ledger.TypeJobCancelled, map[string]any{"reason": err.Error()})
			}
			if done {
				return result
			}
			m.state.CurrentPhaseActorIdx++
		}

		if m.ledger != nil {
			_ = m.ledger.Append(ledger.TypePhaseCompleted, map[string]any{"phase_id": string(phase.ID)})
		}
		m.state.CurrentPhaseActorIdx = 0

		next, terminal, err := m.resolveSuccessor(ctx, phase)
		if err != nil {
			return m.finalize(ctx, core.OutcomeFailed, ledger.TypeJobFailed, map[string]any{"reason": err.Error()})
		}
		if terminal {
			return m.finalize(ctx, core.OutcomeOK, ledger.TypeJobCompleted, nil)
		}
		m.state.CurrentPhaseID = next
	}
	return m.finalize(ctx, core.OutcomeFailed, ledger.TypeJobFailed, map[string]any{
		"reason": core.ErrInternal(core.CodePhaseLoop, "phase loop exceeded its iteration guard without reaching a terminal phase").Error(),
	})
}

// actorWork pairs a role with the delegated tasks it should carry into its
// session, if any.
type actorWork struct {
	role  core.RoleID
	tasks []delegation.Task
}

// resolveSuccessor determines the next phase after phase's actors have all
// completed: a declared successor (defaulting to the "done" outcome, or
// the phase's only successor), or termination if phase is terminal or has
// none. If a gate is declared for that transition, it is enforced (with
// fingerprint-based auto-reapproval) before the transition is taken.
func (m *Manager) resolveSuccessor(ctx context.Context, phase contract.Phase) (next core.PhaseID, terminal bool, err error) {
	to := core.EndPhase
	if !phase.IsTerminal && len(phase.Successors) > 0 {
		to = firstSuccessorNext(phase)
	}

	if gateDef, ok := m.contract.GateFor(phase.ID, to); ok {
		m.state.PendingGateID = gateDef.ID
		m.state.State = core.JobPaused
		_ = m.persistStatus()

		outcome, gerr := m.enforceGate(ctx, gateDef)
		if gerr != nil {
			return "", false, gerr
		}
		mapped, merr := m.mapGateOutcome(gateDef, outcome)
		if merr != nil {
			return "", false, merr
		}
		m.state.PendingGateID = ""
		m.state.State = core.JobExecuting
		if mapped == core.EndPhase {
			return "", true, nil
		}
		return mapped, false, nil
	}

	if to == core.EndPhase {
		return "", true, nil
	}
	return to, false, nil
}

func firstSuccessorNext(phase contract.Phase) core.PhaseID {
	for _, s := range phase.Successors {
		if s.On == "done" {
			return s.Next
		}
	}
	return phase.Successors[0].Next
}

// enforceGate resolves gate's decision, reusing a previously recorded
// approval without re-prompting when nothing relevant has changed since
// (spec.md §9's "auto-reapply approve on gate" on resume/re-run).
func (m *Manager) enforceGate(ctx context.Context, g contract.Gate) (string, error) {
	if m.gates == nil || m.renderer == nil {
		return "", core.ErrGate("GATE_NOT_CONFIGURED", fmt.Sprintf("gate %q was triggered but no gate controller/renderer is configured", g.ID))
	}

	inputs := m.gates.ResolveInputs(g, m.state.JobID)
	fingerprint := gate.Fingerprint(g, inputs)
	if prior, ok := m.lastApprovalFingerprint(g.ID); ok && prior == fingerprint {
		return "approve", nil
	}

	result, err := m.gates.PresentGate(ctx, g, m.state.JobID, m.renderer)
	if err != nil {
		return "", err
	}
	return result.Decision.Outcome, nil
}

// lastApprovalFingerprint returns the fingerprint of the most recent
// decision recorded for gate id, but only if that decision was an
// approval — a rejection is never silently reused.
func (m *Manager) lastApprovalFingerprint(id core.GateID) (string, bool) {
	if m.ledger == nil {
		return "", false
	}
	entries, err := m.ledger.FindByType(ledger.TypeGateDecision)
	if err != nil {
		return "", false
	}
	for i := len(entries) - 1; i >= 0; i-- {
		gid, _ := entries[i].Data["gate_id"].(string)
		if gid != string(id) {
			continue
		}
		outcome, _ := entries[i].Data["outcome"].(string)
		if outcome != "approve" {
			return "", false
		}
		fp, _ := entries[i].Data["fingerprint"].(string)
		return fp, true
	}
	return "", false
}

// mapGateOutcome resolves a gate's outcomes table for the operator's
// decision ("approve"/"reject") into a phase id or termination, per
// spec.md §4.11's successor-mapping rule: a token equal to a known phase
// id names that phase; "__END__" or one of the legacy completion tokens
// terminates the job.
func (m *Manager) mapGateOutcome(g contract.Gate, decisionOutcome string) (core.PhaseID, error) {
	raw, ok := g.Outcomes[decisionOutcome]
	if !ok {
		return "", core.ErrGate(core.CodeUnknownGateOutcome, fmt.Sprintf("gate %q has no outcome mapping for decision %q", g.ID, decisionOutcome))
	}
	return m.normalizePhaseToken(raw)
}

// legacyEndTokens is accepted for backward compatibility with contracts
// authored against an earlier convention; new contracts should use
// "__END__" directly.
var legacyEndTokens = map[string]bool{"completed": true, "complete": true, "done": true, "success": true}

func (m *Manager) normalizePhaseToken(token string) (core.PhaseID, error) {
	if token == string(core.EndPhase) || legacyEndTokens[token] {
		return core.EndPhase, nil
	}
	if _, ok := m.contract.Phase(core.PhaseID(token)); ok {
		return core.PhaseID(token), nil
	}
	return "", core.ErrValidation(core.CodeUnknownPhase, fmt.Sprintf("gate outcome token %q does not match any phase", token))
}

// finalize records the job's terminal outcome exactly once: it updates
// the lifecycle state, persists the status snapshot, appends the
// ledgerType terminator, and captures a final evidence snapshot.
// Idempotent — a second call returns the same Result without appending a
// second terminator.
func (m *Manager) finalize(ctx context.Context, outcome core.Outcome, ledgerType string, details map[string]any) core.Result {
	if m.finalized {
		return core.Result{Outcome: outcome, JobID: m.state.JobID, Details: details}
	}
	m.finalized = true

	jobLog := m.cfg.Logger.WithJob(string(m.state.JobID))

	if err := m.ensureWorktreeHealthy(ctx); err != nil {
		if details == nil {
			details = map[string]any{}
		}
		details["worktree_health_error"] = err.Error()
		jobLog.Warn("finalize: worktree health check failed", "error", err)
	}

	jobLog.Info("job finalizing", "outcome", string(outcome))

	switch outcome {
	case core.OutcomeOK:
		m.state.State = core.JobCompleted
	case core.OutcomeBudgetExceeded:
		m.state.State = core.JobBudgetExceeded
	case core.OutcomeCancelled:
		m.state.State = core.JobCancelled
	default:
		m.state.State = core.JobFailed
	}
	m.state.SessionActive = false
	_ = m.persistStatus()

	if m.ledger != nil {
		data := map[string]any{"outcome": string(outcome)}
		for k, v := range details {
			data[k] = v
		}
		_ = m.ledger.Append(ledgerType, data)
	}
	if m.evidence != nil {
		_, _ = m.evidence.Finalize(m.cfg.WorktreePath, contract.EngineManagedPrefixes, jobStateToMap(m.state))
	}

	reason, _ := details["reason"].(string)
	return core.Result{Outcome: outcome, JobID: m.state.JobID, Reason: reason, Details: details}
}

func (m *Manager) persistStatus() error {
	if m.statusPath == "" {
		return nil
	}
	return jobstate.Save(m.statusPath, m.state)
}

func (m *Manager) jobStartedAt() time.Time {
	t, err := time.Parse(time.RFC3339, m.state.StartedAtIso)
	if err != nil {
		return time.Now()
	}
	return t
}
