package jobmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nibbler-dev/nibbler/internal/contract"
	"github.com/nibbler-dev/nibbler/internal/core"
	"github.com/nibbler-dev/nibbler/internal/delegation"
	"github.com/nibbler-dev/nibbler/internal/diagnostics"
	"github.com/nibbler-dev/nibbler/internal/gitadapter"
	"github.com/nibbler-dev/nibbler/internal/jobstate"
	"github.com/nibbler-dev/nibbler/internal/ledger"
	"github.com/nibbler-dev/nibbler/internal/policy"
	"github.com/nibbler-dev/nibbler/internal/runner"
	"github.com/nibbler-dev/nibbler/internal/scope"
	"github.com/nibbler-dev/nibbler/internal/session"
)

// actorsForPhase returns the actors to run for phase in order. The
// execution phase, when a delegation plan has been produced during
// planning, uses the plan's dependency-resolved role order and hands each
// role its own tasks; every other phase runs its declared actors in
// contract order with no delegated tasks.
func (m *Manager) actorsForPhase(phase contract.Phase) []actorWork {
	if phase.ID == executionPhaseID && m.state.DelegationPlan != nil {
		if resolution, err := m.state.DelegationPlan.Resolve(); err == nil {
			work := make([]actorWork, 0, len(resolution.RoleOrder))
			for _, r := range resolution.RoleOrder {
				work = append(work, actorWork{role: r, tasks: resolution.TasksByRole[r]})
			}
			return work
		}
	}
	work := make([]actorWork, 0, len(phase.Actors))
	for _, a := range phase.Actors {
		work = append(work, actorWork{role: a})
	}
	return work
}

// runRoleSession drives one actor's attempt loop within phase: spawn a
// session, wait for it to end, and verify what it produced, retrying on
// failure per spec.md §4.11's numbered steps until the attempt passes,
// the role's budget is exhausted, or a job-ending condition is hit.
//
// Returns (true, result, nil) when the job should stop right now (result
// is already finalized); (false, _, nil) when this role's attempt passed
// and the caller should move on to the next actor; (_, _, err) only for
// conditions that abort the whole run outside the normal outcome model
// (context cancellation propagating up through the session wait).
func (m *Manager) runRoleSession(ctx context.Context, roleID core.RoleID, phase contract.Phase, tasks []delegation.Task) (bool, core.Result, error) {
	role, ok := m.contract.Role(roleID)
	if !ok {
		return true, m.finalize(ctx, core.OutcomeFailed, ledger.TypeJobFailed, map[string]any{
			"reason": fmt.Sprintf("phase %q names unknown role %q", phase.ID, roleID),
		}), nil
	}

	m.state.CurrentRoleID = roleID
	m.state.CurrentRoleMaxIterations = role.Budget.MaxIterations
	attempt := m.state.AttemptsByRole[roleID] + 1

	roleLog := m.cfg.Logger.WithJob(string(m.state.JobID)).WithRole(string(roleID)).WithPhase(string(phase.ID))

	for {
		roleLog.WithAttempt(attempt).Info("role session attempt starting")

		if gb := policy.CheckGlobalBudget(m.jobStartedAt(), time.Now(), m.contract.GlobalLifetime); gb.Exceeded {
			return true, m.finalize(ctx, core.OutcomeBudgetExceeded, ledger.TypeJobBudgetExceeded, map[string]any{
				"reason": core.ErrBudget(core.CodeGlobalBudgetExceeded, gb.Reason).Error(),
			}), nil
		}

		if err := m.ensureWorktreeHealthy(ctx); err != nil {
			return true, m.finalize(ctx, core.OutcomeFailed, ledger.TypeJobFailed, map[string]any{"reason": err.Error()}), nil
		}

		preCommit, err := m.git.GetCurrentCommit(ctx)
		if err != nil {
			return true, m.finalize(ctx, core.OutcomeFailed, ledger.TypeJobFailed, map[string]any{"reason": err.Error()}), nil
		}
		m.state.PreSessionCommit = preCommit

		implementationPlanRel := ""
		if phase.ID == executionPhaseID && len(tasks) > 0 {
			rel, perr := m.runDelegatedPlanStep(ctx, role, tasks)
			if perr != nil {
				m.state.FeedbackByRole[roleID] = fmt.Sprintf("your implementation-plan step failed: %v", perr)
				attempt++
				if attempt > role.Budget.MaxIterations {
					return true, m.escalateExhausted(ctx, role, phase, "implementation-plan step kept failing"), nil
				}
				m.state.AttemptsByRole[roleID] = attempt
				continue
			}
			implementationPlanRel = rel
		}

		effective := scope.BuildEffectiveContractForSession(m.contract, roleID, m.state.ScopeOverridesByRole[roleID], phase.ID, attempt)
		prompt := buildBootstrapPrompt(role, phase, effective, tasks, m.state.FeedbackByRole[roleID], implementationPlanRel)

		handle, err := m.session.StartSession(ctx, role, effective, session.StartOptions{
			Mode:                  runner.ModeNormal,
			DelegatedTasks:        tasks,
			ImplementationPlanRel: implementationPlanRel,
			BootstrapPrompt:       prompt,
			WorkspacePath:         m.cfg.WorktreePath,
			ConfigDir:             m.cfg.ConfigDirForRole(roleID),
			EnvVars:               m.cfg.EnvVarsForRole(roleID),
		})
		if err != nil {
			return true, m.finalize(ctx, core.OutcomeFailed, ledger.TypeJobFailed, map[string]any{"reason": err.Error()}), nil
		}
		m.state.SessionActive = true
		m.state.SessionHandleID = handle.ID
		m.state.SessionPID = handle.PID
		m.state.SessionSeq++
		m.state.SessionStartedAtIso = handle.StartedAt.UTC().Format(time.RFC3339)
		if m.ledger != nil {
			_ = m.ledger.Append(ledger.TypeSessionStarted, map[string]any{"role": string(roleID), "attempt": attempt, "session_id": handle.ID})
		}
		_ = m.persistStatus()

		outcome, waitErr := m.session.WaitForCompletion(ctx, handle, role.Budget, session.WaitCallbacks{
			OnHeartbeat: func(h *runner.SessionHandle) {
				m.state.SessionLastActivityIso = h.LastActivityAt.UTC().Format(time.RFC3339)
				_ = m.persistStatus()
			},
		})
		_ = m.session.StopSession(handle)
		m.state.SessionActive = false
		if waitErr != nil {
			return true, m.finalize(ctx, core.OutcomeCancelled, ledger.TypeJobCancelled, map[string]any{"reason": waitErr.Error()}), nil
		}
		if m.ledger != nil {
			_ = m.ledger.Append(ledger.TypeSessionEnded, map[string]any{"role": string(roleID), "outcome": string(outcome.Kind)})
		}
		roleLog.WithAttempt(attempt).Info("role session attempt ended", "outcome", string(outcome.Kind))

		engineHint := ""
		switch outcome.Kind {
		case session.OutcomeBudgetExceeded:
			m.writeKillDump(string(roleID), attempt, handle, "role exceeded its session time budget")
			m.revertAndClean(ctx, preCommit)
			return true, m.finalize(ctx, core.OutcomeBudgetExceeded, ledger.TypeJobBudgetExceeded, map[string]any{
				"reason": core.ErrBudget(core.CodeSessionTimeout, fmt.Sprintf("role %q exceeded its session time budget", roleID)).Error(),
			}), nil

		case session.OutcomeInactiveTimeout:
			m.writeKillDump(string(roleID), attempt, handle, "role session went inactive")
			m.revertAndClean(ctx, preCommit)
			return true, m.finalize(ctx, core.OutcomeFailed, ledger.TypeJobFailed, map[string]any{
				"reason": core.ErrTimeout(fmt.Sprintf("role %q session went inactive", roleID)).Error(),
			}), nil

		case session.OutcomeEvent:
			switch outcome.Event.Kind {
			case runner.EventNeedsEscalation:
				m.revertAndClean(ctx, preCommit)
				guidance, aerr := m.runArchitectEscalation(ctx, roleID, phase, outcome.Event)
				if aerr != nil {
					return true, m.finalize(ctx, core.OutcomeEscalated, ledger.TypeEscalation, map[string]any{"reason": aerr.Error()}), nil
				}
				m.state.FeedbackByRole[roleID] = "architect guidance: " + guidance
				attempt++
				if attempt > role.Budget.MaxIterations {
					return true, m.escalateExhausted(ctx, role, phase, "role kept needing escalation after architect guidance"), nil
				}
				m.state.AttemptsByRole[roleID] = attempt
				continue

			case runner.EventException:
				m.revertAndClean(ctx, preCommit)
				m.state.FeedbackByRole[roleID] = fmt.Sprintf("your previous session raised an exception: %s", outcome.Event.Reason)
				attempt++
				if attempt > role.Budget.MaxIterations {
					return true, m.escalateExhausted(ctx, role, phase, "role kept raising exceptions"), nil
				}
				m.state.AttemptsByRole[roleID] = attempt
				continue
			}
			// EventPhaseComplete: fall through to verification.

		case session.OutcomeProcessExit:
			if outcome.ExitCode != 0 || outcome.Signal != "" {
				m.revertAndClean(ctx, preCommit)
				m.state.FeedbackByRole[roleID] = fmt.Sprintf("your previous session exited unexpectedly (code %d, signal %q) before completing the phase", outcome.ExitCode, outcome.Signal)
				attempt++
				if attempt > role.Budget.MaxIterations {
					return true, m.escalateExhausted(ctx, role, phase, "role kept exiting before completing the phase"), nil
				}
				m.state.AttemptsByRole[roleID] = attempt
				continue
			}
			// A clean exit with no protocol event: the role may still have
			// done real, verifiable work — fall through to verification
			// instead of failing outright, but flag the missing protocol.
			engineHint = "your previous session exited cleanly without emitting a NIBBLER_EVENT PHASE_COMPLETE line; you must emit one when you finish"
		}

		diff, derr := m.git.Diff(ctx, preCommit, "")
		if derr != nil {
			return true, m.finalize(ctx, core.OutcomeFailed, ledger.TypeJobFailed, map[string]any{"reason": derr.Error()}), nil
		}
		m.state.LastDiff = summarizeDiff(diff)

		scopeResult := policy.VerifyScope(diff, roleID, effective)
		complResult := policy.VerifyCompletion(ctx, phase, policy.CompletionRequest{
			JobID: m.state.JobID, Role: roleID, Contract: effective,
			WorktreePath: m.cfg.WorktreePath, RepoRoot: m.cfg.RepoRoot,
			Diff: diff, DelegatedTasks: tasks, PlanningMode: phase.ID == planningPhaseID,
		})
		if phase.ID == planningPhaseID {
			complResult = m.verifyDelegationPlanCriterion(complResult)
		}

		if m.ledger != nil {
			_ = m.ledger.Append(ledger.TypeScopeResult, map[string]any{"role": string(roleID), "attempt": attempt, "passed": scopeResult.Passed, "violations": len(scopeResult.Violations)})
			_ = m.ledger.Append(ledger.TypeCompletionResult, map[string]any{"role": string(roleID), "attempt": attempt, "passed": complResult.Passed, "failed": complResult.FailedCriteria})
		}
		if m.evidence != nil {
			_, _ = m.evidence.RecordDiff(string(roleID), diff)
			_, _ = m.evidence.RecordCheck(string(roleID), "scope", scopeResult)
			_, _ = m.evidence.RecordCheck(string(roleID), "completion", complResult)
		}

		if scopeResult.Passed && complResult.Passed {
			msg := fmt.Sprintf("%s: %s (phase %s, attempt %d)", roleID, role.VerificationMethod, phase.ID, attempt)
			commit, cerr := m.git.Commit(ctx, msg, gitadapter.CommitOptions{})
			if cerr != nil {
				return true, m.finalize(ctx, core.OutcomeFailed, ledger.TypeJobFailed, map[string]any{"reason": cerr.Error()}), nil
			}
			if m.ledger != nil {
				_ = m.ledger.Append(ledger.TypeCommit, map[string]any{"role": string(roleID), "attempt": attempt, "commit": commit})
			}
			m.state.AttemptsByRole[roleID] = attempt
			m.state.FeedbackByRole[roleID] = ""
			m.state.RolesCompleted = appendRoleUnique(m.state.RolesCompleted, roleID)
			return false, core.Result{}, nil
		}

		m.revertAndClean(ctx, preCommit)

		summary := jobstate.AttemptSummary{
			Attempt:    attempt,
			Scope:      jobstate.ScopeResult{Passed: scopeResult.Passed, ViolationCount: len(scopeResult.Violations), SampleViolations: sampleViolationPaths(scopeResult, 5)},
			Completion: jobstate.CompletionResult{Passed: complResult.Passed, FailedCriteria: complResult.FailedCriteria},
			EngineHint: engineHint,
		}
		history := m.state.FeedbackHistoryByRole[roleID]
		var prior *jobstate.AttemptSummary
		if len(history) > 0 {
			prior = &history[len(history)-1]
		}

		usage := policy.Usage{Iterations: attempt, DiffLines: diff.Summary.Additions + diff.Summary.Deletions}
		if br := policy.CheckBudget(usage, role); br.Exceeded {
			m.state.FeedbackHistoryByRole[roleID] = append(history, summary)
			return true, m.escalateExhausted(ctx, role, phase, "role budget exceeded: "+br.Reason), nil
		}

		if scopeResult.Passed && !complResult.Passed && prior != nil && sameFailedCriteria(prior.Completion.FailedCriteria, complResult.FailedCriteria) {
			m.state.FeedbackHistoryByRole[roleID] = append(history, summary)
			return true, m.escalateExhausted(ctx, role, phase, "repeated completion failure on the same criteria"), nil
		}

		if !scopeResult.Passed && roleID != m.cfg.ArchitectRoleID {
			outOfScope := scopeResult.OutOfScopePaths()
			structural := scope.IsStructuralOutOfScopeViolation(outOfScope, roleID, m.contract, m.cfg.manyThreshold())
			if structural.Structural || attempt >= 2 || scopeResult.HasProtectedPathViolation() {
				decision, derr2 := m.runArchitectScopeException(ctx, roleID, phase, attempt, scopeResult, structural)
				if derr2 != nil {
					m.state.FeedbackHistoryByRole[roleID] = append(history, summary)
					return true, m.finalize(ctx, core.OutcomeFailed, ledger.TypeJobFailed, map[string]any{"reason": derr2.Error()}), nil
				}
				summary.Decision = decision.kind
				m.state.FeedbackHistoryByRole[roleID] = append(history, summary)

				switch decision.kind {
				case "grant_narrow_access":
					m.state.FeedbackByRole[roleID] = "you were granted additional scope; re-attempt your task using the expanded writable set"
					attempt++
					if attempt > role.Budget.MaxIterations && !decision.bonusRetry {
						return true, m.escalateExhausted(ctx, role, phase, "role exhausted its budget even after a scope grant"), nil
					}
					m.state.AttemptsByRole[roleID] = attempt
					continue
				case "terminate":
					return true, m.finalize(ctx, core.OutcomeFailed, ledger.TypeJobFailed, map[string]any{"reason": "architect terminated the job over a scope exception: " + decision.notes}), nil
				case "reroute_work":
					m.state.AttemptsByRole[roleID] = attempt
					m.state.RolesCompleted = appendRoleUnique(m.state.RolesCompleted, roleID)
					return false, core.Result{}, nil
				default: // "deny", or a rejected/invalid decision
					m.state.FeedbackByRole[roleID] = "scope exception denied: " + decision.notes
					attempt++
					if attempt > role.Budget.MaxIterations {
						return true, m.escalateExhausted(ctx, role, phase, "role exhausted its budget after a denied scope exception"), nil
					}
					m.state.AttemptsByRole[roleID] = attempt
					continue
				}
			}
		}

		m.state.FeedbackHistoryByRole[roleID] = append(history, summary)
		m.state.FeedbackByRole[roleID] = completionFailureMessage(scopeResult, complResult)
		attempt++
		if attempt > role.Budget.MaxIterations {
			return true, m.escalateExhausted(ctx, role, phase, "role exhausted its attempt budget"), nil
		}
		m.state.AttemptsByRole[roleID] = attempt
	}
}

func (m *Manager) ensureWorktreeHealthy(ctx context.Context) error {
	healthy := gitadapter.WorktreeHealthy
	if m.cfg.WorktreeHealthy != nil {
		healthy = m.cfg.WorktreeHealthy
	}
	if healthy(m.cfg.WorktreePath) {
		return nil
	}
	repair := m.cfg.RepairWorktree
	if repair == nil {
		repair = func(ctx context.Context, path string) error {
			c, err := gitadapter.NewClient(path)
			if err != nil {
				return err
			}
			return c.RepairWorktree(ctx, path)
		}
	}
	if err := repair(ctx, m.cfg.WorktreePath); err != nil {
		return core.ErrGit(core.CodeWorktreeUnhealthy, "worktree was unhealthy and repair failed").WithCause(err)
	}
	return nil
}

func (m *Manager) revertAndClean(ctx context.Context, commit string) {
	_ = m.git.ResetHard(ctx, commit)
	_ = m.git.Clean(ctx)
}

// writeKillDump records a kill dump for a session the Job Manager is
// about to force-stop after a budget or inactivity timeout, capturing
// whatever trailing output the runner retained. A runner that doesn't
// implement diagnostics.LineCapturer, or a Manager with no evidence
// collector, yields an empty-lines dump rather than failing — this is
// purely diagnostic and must never affect the outcome being finalized.
func (m *Manager) writeKillDump(role string, attempt int, handle *runner.SessionHandle, reason string) {
	if m.killDumps == nil || handle == nil {
		return
	}
	var lines []string
	if capturer, ok := m.session.Runner.(diagnostics.LineCapturer); ok {
		lines = capturer.RecentLines(handle)
	}
	_, _ = m.killDumps.Write(role, attempt, reason, lines)
}

// escalateExhausted ends the job run when a role has exhausted its
// budget, kept hitting the same failure, or the architect gave up on its
// behalf. Automatic hand-off to another role named by
// budget.exhaustionEscalation is left to the operator/CLI layer: the
// finalized Result's "escalated_to" detail names the target so a caller
// can decide to re-run with that role. See DESIGN.md.
func (m *Manager) escalateExhausted(ctx context.Context, role contract.Role, phase contract.Phase, reason string) core.Result {
	if m.ledger != nil {
		_ = m.ledger.Append(ledger.TypeEscalation, map[string]any{
			"role": string(role.ID), "phase": string(phase.ID), "reason": reason, "target": role.Budget.ExhaustionEscalation,
		})
	}
	details := map[string]any{"reason": reason, "role": string(role.ID)}
	if role.Budget.ExhaustionEscalation != "" && role.Budget.ExhaustionEscalation != "terminate" {
		details["escalated_to"] = role.Budget.ExhaustionEscalation
	}
	return m.finalize(ctx, core.OutcomeEscalated, ledger.TypeJobFailed, details)
}

// verifyDelegationPlanCriterion additionally checks, during the planning
// phase, that a parseable and valid delegation plan was produced — this
// is not expressible as one of policy's generic completion-criterion
// kinds since it needs the delegation package directly.
func (m *Manager) verifyDelegationPlanCriterion(result policy.CompletionResult) policy.CompletionResult {
	planRel := filepath.Join(".nibbler", "jobs", string(m.state.JobID), "plan", "delegation-plan.yaml")
	data, err := os.ReadFile(filepath.Join(m.cfg.RepoRoot, planRel))
	if err != nil {
		data, err = os.ReadFile(filepath.Join(m.cfg.WorktreePath, planRel))
	}
	if err != nil {
		result.Passed = false
		result.FailedCriteria = append(result.FailedCriteria, "delegation_plan_present")
		result.Outcomes = append(result.Outcomes, policy.CriterionOutcome{Kind: "delegation_plan_present", Passed: false, Message: "no delegation plan found at " + planRel})
		return result
	}

	plan, err := delegation.Parse(data)
	if err == nil {
		err = plan.Validate(m.contract)
	}
	if err != nil {
		result.Passed = false
		result.FailedCriteria = append(result.FailedCriteria, "delegation_plan_valid")
		result.Outcomes = append(result.Outcomes, policy.CriterionOutcome{Kind: "delegation_plan_valid", Passed: false, Message: err.Error()})
		return result
	}

	result.Outcomes = append(result.Outcomes, policy.CriterionOutcome{Kind: "delegation_plan_valid", Passed: true})
	m.state.DelegationPlan = plan
	return result
}

// runDelegatedPlanStep runs a plan-mode sub-session ahead of a delegated
// execution-phase attempt: role may only write to a staging location,
// and on success the resulting plan is copied into the job's durable
// record at .nibbler/jobs/<id>/plan/<role>-impl-plan.md, whose path
// (relative to repoRoot) is returned for the main session's bootstrap
// prompt to reference.
func (m *Manager) runDelegatedPlanStep(ctx context.Context, role contract.Role, tasks []delegation.Task) (string, error) {
	jobID := m.state.JobID
	stagingRel := filepath.Join(".nibbler-staging", "plan", string(jobID))
	stagingAbs := filepath.Join(m.cfg.WorktreePath, stagingRel)
	if err := os.MkdirAll(stagingAbs, 0o755); err != nil {
		return "", core.ErrInternal("PLAN_STAGING_DIR_FAILED", "creating plan staging directory").WithCause(err)
	}

	narrowed := narrowedScopeContract(m.contract, role.ID, []string{stagingRel + "/**"})
	prompt := buildPlanStepPrompt(role, tasks, stagingRel)

	handle, err := m.session.StartSession(ctx, role, narrowed, session.StartOptions{
		Mode:            runner.ModePlan,
		DelegatedTasks:  tasks,
		BootstrapPrompt: prompt,
		WorkspacePath:   m.cfg.WorktreePath,
		ConfigDir:       m.cfg.ConfigDirForRole(role.ID),
		EnvVars:         m.cfg.EnvVarsForRole(role.ID),
		SpawnOpts:       runner.SpawnOptions{Mode: runner.ModePlan, TaskType: runner.TaskPlan},
	})
	if err != nil {
		return "", err
	}
	defer func() { _ = m.session.StopSession(handle) }()

	outcome, err := m.session.WaitForCompletion(ctx, handle, role.Budget, session.WaitCallbacks{})
	if err != nil {
		return "", err
	}
	if outcome.Kind != session.OutcomeEvent || outcome.Event.Kind != runner.EventPhaseComplete {
		return "", core.ErrRunner("PLAN_STEP_INCOMPLETE", "implementation-plan session did not report completion")
	}

	planFiles, _ := filepath.Glob(filepath.Join(stagingAbs, "*"))
	if len(planFiles) == 0 {
		return "", core.ErrValidation("PLAN_STEP_EMPTY", "implementation-plan session wrote nothing to the staging location")
	}

	destDir := filepath.Join(m.cfg.RepoRoot, ".nibbler", "jobs", string(jobID), "plan")
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", core.ErrInternal("PLAN_COPY_FAILED", "creating plan destination directory").WithCause(err)
	}
	destRel := filepath.Join(".nibbler", "jobs", string(jobID), "plan", string(role.ID)+"-impl-plan.md")
	data, err := os.ReadFile(planFiles[0])
	if err != nil {
		return "", core.ErrInternal("PLAN_COPY_FAILED", "reading staged plan").WithCause(err)
	}
	if err := os.WriteFile(filepath.Join(m.cfg.RepoRoot, destRel), data, 0o644); err != nil {
		return "", core.ErrInternal("PLAN_COPY_FAILED", "writing implementation plan").WithCause(err)
	}
	_ = os.RemoveAll(stagingAbs)
	return destRel, nil
}

// runArchitectEscalation spawns the architect to resolve a role's
// NEEDS_ESCALATION event, restricted to a staging area for any written
// guidance, and returns the guidance text for the stuck role's next
// attempt.
func (m *Manager) runArchitectEscalation(ctx context.Context, forRole core.RoleID, phase contract.Phase, event runner.Event) (string, error) {
	architect, ok := m.contract.Role(m.cfg.ArchitectRoleID)
	if !ok {
		return "", core.ErrEscalation("NO_ARCHITECT_ROLE", "contract has no architect role to resolve an escalation")
	}

	stagingRel := filepath.Join(".nibbler-staging", "escalation", string(m.state.JobID))
	stagingAbs := filepath.Join(m.cfg.WorktreePath, stagingRel)
	if err := os.MkdirAll(stagingAbs, 0o755); err != nil {
		return "", core.ErrInternal("ESCALATION_STAGING_FAILED", "creating escalation staging directory").WithCause(err)
	}
	guidancePath := filepath.Join(stagingAbs, "guidance.md")

	preCommit, err := m.git.GetCurrentCommit(ctx)
	if err != nil {
		return "", err
	}

	narrowed := narrowedScopeContract(m.contract, architect.ID, []string{stagingRel + "/**"})
	prompt := buildArchitectEscalationPrompt(forRole, phase, event, stagingRel)

	handle, err := m.session.StartSession(ctx, architect, narrowed, session.StartOptions{
		Mode:            runner.ModeNormal,
		BootstrapPrompt: prompt,
		WorkspacePath:   m.cfg.WorktreePath,
		ConfigDir:       m.cfg.ConfigDirForRole(architect.ID),
		EnvVars:         m.cfg.EnvVarsForRole(architect.ID),
	})
	if err != nil {
		return "", err
	}
	defer func() { _ = m.session.StopSession(handle) }()

	outcome, err := m.session.WaitForCompletion(ctx, handle, architect.Budget, session.WaitCallbacks{})
	if err != nil {
		return "", err
	}
	defer func() {
		_ = m.git.ResetHard(ctx, preCommit)
		_ = m.git.Clean(ctx)
	}()

	if outcome.Kind != session.OutcomeEvent || outcome.Event.Kind != runner.EventPhaseComplete {
		return "", core.ErrEscalation("ESCALATION_UNRESOLVED", "architect session did not resolve the escalation")
	}

	// Verify the architect made no non-engine changes: everything it
	// touched while resolving the escalation must stay under the staging
	// area, the same rule runArchitectScopeException enforces.
	diff, derr := m.git.Diff(ctx, preCommit, "")
	if derr != nil {
		return "", derr
	}
	for _, p := range diff.Paths() {
		if !strings.HasPrefix(filepath.ToSlash(p), stagingRel+"/") {
			if m.ledger != nil {
				_ = m.ledger.Append("escalation_out_of_scope", map[string]any{"role": string(forRole), "path": p})
			}
			return "", core.ErrEscalation("ESCALATION_OUT_OF_SCOPE", "architect modified a path outside the staging area: "+p)
		}
	}

	data, rerr := os.ReadFile(guidancePath)
	if rerr != nil {
		return outcome.Event.Summary, nil
	}
	return string(data), nil
}

// scopeExceptionDecision is the architect's resolution of a scope
// exception: grant, deny, terminate the job, or reroute the work
// elsewhere.
type scopeExceptionDecision struct {
	kind       string
	notes      string
	bonusRetry bool
}

// runArchitectScopeException mediates an out-of-scope diff that looks
// structural (or persists past a first attempt, or touched a protected
// path): the architect is given the violation list and owner hints,
// restricted to a staging area, and must write a JSON decision file there
// naming one of deny/terminate/reroute_work/grant_narrow_access.
func (m *Manager) runArchitectScopeException(ctx context.Context, forRole core.RoleID, phase contract.Phase, attempt int, scopeResult policy.ScopeResult, structural scope.StructuralResult) (scopeExceptionDecision, error) {
	architect, ok := m.contract.Role(m.cfg.ArchitectRoleID)
	if !ok {
		return scopeExceptionDecision{kind: "deny", notes: "no architect role configured"}, nil
	}

	stagingRel := filepath.Join(".nibbler-staging", "scope-exception", string(m.state.JobID))
	stagingAbs := filepath.Join(m.cfg.WorktreePath, stagingRel)
	if err := os.MkdirAll(stagingAbs, 0o755); err != nil {
		return scopeExceptionDecision{}, core.ErrInternal("SCOPE_EXCEPTION_STAGING_FAILED", "creating scope-exception staging directory").WithCause(err)
	}
	decisionPath := filepath.Join(stagingAbs, "decision.json")
	_ = os.Remove(decisionPath)

	preCommit, err := m.git.GetCurrentCommit(ctx)
	if err != nil {
		return scopeExceptionDecision{}, err
	}
	if m.ledger != nil {
		_ = m.ledger.Append("scope_exception_requested", map[string]any{
			"role": string(forRole), "phase": string(phase.ID), "attempt": attempt,
			"violations": scopeViolationPaths(scopeResult), "structural": structural.Structural,
		})
	}

	narrowed := narrowedScopeContract(m.contract, architect.ID, []string{stagingRel + "/**"})
	prompt := buildScopeExceptionPrompt(forRole, scopeResult, structural, stagingRel)

	handle, err := m.session.StartSession(ctx, architect, narrowed, session.StartOptions{
		Mode:            runner.ModeNormal,
		BootstrapPrompt: prompt,
		WorkspacePath:   m.cfg.WorktreePath,
		ConfigDir:       m.cfg.ConfigDirForRole(architect.ID),
		EnvVars:         m.cfg.EnvVarsForRole(architect.ID),
	})
	if err != nil {
		return scopeExceptionDecision{}, err
	}
	defer func() { _ = m.session.StopSession(handle) }()

	outcome, err := m.session.WaitForCompletion(ctx, handle, architect.Budget, session.WaitCallbacks{})
	if err != nil {
		return scopeExceptionDecision{}, err
	}
	defer func() {
		_ = m.git.ResetHard(ctx, preCommit)
		_ = m.git.Clean(ctx)
	}()

	if outcome.Kind != session.OutcomeEvent || outcome.Event.Kind != runner.EventPhaseComplete {
		m.recordScopeExceptionDenied(forRole, "architect session did not resolve the exception")
		return scopeExceptionDecision{kind: "deny", notes: "architect session did not resolve the exception"}, nil
	}

	diff, derr := m.git.Diff(ctx, preCommit, "")
	if derr != nil {
		return scopeExceptionDecision{}, derr
	}
	for _, p := range diff.Paths() {
		if !strings.HasPrefix(filepath.ToSlash(p), stagingRel+"/") {
			m.recordScopeExceptionDenied(forRole, "architect modified a non-staging path: "+p)
			return scopeExceptionDecision{kind: "deny", notes: "architect modified a path outside the staging area"}, nil
		}
	}

	raw, rerr := os.ReadFile(decisionPath)
	if rerr != nil {
		m.recordScopeExceptionDenied(forRole, "architect wrote no decision file")
		return scopeExceptionDecision{kind: "deny", notes: "no decision file was written"}, nil
	}

	var parsed struct {
		Decision            string   `json:"decision"`
		Patterns            []string `json:"patterns"`
		OwnerRoleID         string   `json:"ownerRoleId"`
		ExpiresAfterAttempt int      `json:"expiresAfterAttempt"`
		Notes               string   `json:"notes"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		m.recordScopeExceptionDenied(forRole, "decision file is not valid JSON")
		return scopeExceptionDecision{kind: "deny", notes: "decision file is not valid JSON"}, nil
	}

	switch parsed.Decision {
	case "deny", "terminate", "reroute_work":
		typ := "scope_exception_denied"
		if parsed.Decision != "deny" {
			typ = "scope_exception_" + parsed.Decision
		}
		if m.ledger != nil {
			_ = m.ledger.Append(typ, map[string]any{"role": string(forRole), "notes": parsed.Notes})
		}
		return scopeExceptionDecision{kind: parsed.Decision, notes: parsed.Notes}, nil

	case "grant_narrow_access":
		if len(parsed.Patterns) == 0 {
			m.recordScopeExceptionDenied(forRole, "grant carried no patterns")
			return scopeExceptionDecision{kind: "deny", notes: "grant carried no patterns"}, nil
		}
		if err := scope.ValidateGrant(parsed.Patterns); err != nil {
			m.recordScopeExceptionDenied(forRole, err.Error())
			return scopeExceptionDecision{kind: "deny", notes: err.Error()}, nil
		}
		override := scope.Override{
			Kind:                scope.OverrideExtraScope,
			Patterns:            parsed.Patterns,
			OwnerRoleID:         core.RoleID(parsed.OwnerRoleID),
			PhaseID:             phase.ID,
			GrantedAtIso:        time.Now().UTC().Format(time.RFC3339),
			ExpiresAfterAttempt: parsed.ExpiresAfterAttempt,
			Notes:               parsed.Notes,
		}
		m.state.ScopeOverridesByRole[forRole] = append(m.state.ScopeOverridesByRole[forRole], override)
		if m.ledger != nil {
			_ = m.ledger.Append(ledger.TypeScopeOverride, map[string]any{
				"role": string(forRole), "patterns": parsed.Patterns, "phase": string(phase.ID), "notes": parsed.Notes,
			})
		}
		bonusRetry := false
		if r, ok := m.contract.Role(forRole); ok && attempt >= r.Budget.MaxIterations {
			bonusRetry = true
		}
		return scopeExceptionDecision{kind: "grant_narrow_access", notes: parsed.Notes, bonusRetry: bonusRetry}, nil

	default:
		msg := fmt.Sprintf("unrecognized decision %q", parsed.Decision)
		m.recordScopeExceptionDenied(forRole, msg)
		return scopeExceptionDecision{kind: "deny", notes: msg}, nil
	}
}

func (m *Manager) recordScopeExceptionDenied(roleID core.RoleID, reason string) {
	if m.ledger != nil {
		_ = m.ledger.Append("scope_exception_denied", map[string]any{"role": string(roleID), "reason": reason})
	}
}

// narrowedScopeContract clones base and replaces role's writable set with
// exactly allowedPaths, dropping its declared scope and any shared-scope
// participation — the mirror image of scope.BuildEffectiveContractForSession,
// which only ever adds. Used to confine an architect sub-session (plan
// review, escalation, scope-exception mediation) to a staging area.
func narrowedScopeContract(base *contract.Contract, role core.RoleID, allowedPaths []string) *contract.Contract {
	clone := *base
	clone.RolesList = append([]contract.Role{}, base.RolesList...)
	clone.Roles = make(map[core.RoleID]contract.Role, len(base.Roles))
	for i, r := range clone.RolesList {
		if r.ID == role {
			r.Scope = nil
			r.Authority = contract.Authority{AllowedPaths: allowedPaths}
			clone.RolesList[i] = r
		}
		clone.Roles[clone.RolesList[i].ID] = clone.RolesList[i]
	}
	clone.SharedScopes = nil
	return &clone
}

func scopeViolationPaths(r policy.ScopeResult) []string {
	out := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		out = append(out, v.Path)
	}
	return out
}

func sampleViolationPaths(r policy.ScopeResult, n int) []string {
	paths := scopeViolationPaths(r)
	if len(paths) > n {
		return paths[:n]
	}
	return paths
}

func sameFailedCriteria(a, b []string) bool {
	if len(a) == 0 || len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, v := range a {
		seen[v] = true
	}
	for _, v := range b {
		if !seen[v] {
			return false
		}
	}
	return true
}

func completionFailureMessage(s policy.ScopeResult, c policy.CompletionResult) string {
	var parts []string
	if !s.Passed {
		parts = append(parts, fmt.Sprintf("scope violations: %s", strings.Join(scopeViolationPaths(s), ", ")))
	}
	if !c.Passed {
		parts = append(parts, fmt.Sprintf("failed completion criteria: %s", strings.Join(c.FailedCriteria, ", ")))
	}
	return strings.Join(parts, "; ")
}

func appendRoleUnique(roles []core.RoleID, role core.RoleID) []core.RoleID {
	for _, r := range roles {
		if r == role {
			return roles
		}
	}
	return append(roles, role)
}

func summarizeDiff(d *gitadapter.DiffResult) string {
	if d == nil {
		return ""
	}
	return fmt.Sprintf("%d files changed, +%d/-%d", d.Summary.FilesChanged, d.Summary.Additions, d.Summary.Deletions)
}

func jobStateToMap(state *jobstate.JobState) map[string]any {
	data, err := json.Marshal(state)
	if err != nil {
		return nil
	}
	var out map[string]any
	_ = json.Unmarshal(data, &out)
	return out
}

func sessionHandleFromState(state *jobstate.JobState) *runner.SessionHandle {
	return &runner.SessionHandle{ID: state.SessionHandleID, PID: state.SessionPID}
}
