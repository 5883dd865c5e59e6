package jobmanager

import (
	"fmt"
	"strings"

	"github.com/nibbler-dev/nibbler/internal/contract"
	"github.com/nibbler-dev/nibbler/internal/core"
	"github.com/nibbler-dev/nibbler/internal/delegation"
	"github.com/nibbler-dev/nibbler/internal/policy"
	"github.com/nibbler-dev/nibbler/internal/runner"
	"github.com/nibbler-dev/nibbler/internal/scope"
)

// buildBootstrapPrompt composes the first message a role session receives:
// its writable scope, any delegated tasks, where to find an implementation
// plan if one was staged ahead of it, the phase's completion criteria, and
// feedback from its previous attempt, if any. Every prompt ends with the
// protocol instruction the session controller's wait loop depends on.
func buildBootstrapPrompt(role contract.Role, phase contract.Phase, effective *contract.Contract, tasks []delegation.Task, feedback, implementationPlanRel string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are acting as the %q role in phase %q.\n\n", role.ID, phase.ID)

	scopePatterns := effective.EffectiveScopeFor(role.ID)
	b.WriteString("You may only create or modify files matching:\n")
	for _, p := range scopePatterns {
		fmt.Fprintf(&b, "  - %s\n", p)
	}
	b.WriteString("\n")

	if len(tasks) > 0 {
		b.WriteString("You have been delegated the following tasks:\n")
		for _, t := range tasks {
			fmt.Fprintf(&b, "  - [%s] %s\n", t.TaskID, t.Description)
			if len(t.ScopeHints) > 0 {
				fmt.Fprintf(&b, "    expected to touch: %s\n", strings.Join(t.ScopeHints, ", "))
			}
		}
		b.WriteString("\n")
	}

	if implementationPlanRel != "" {
		fmt.Fprintf(&b, "An implementation plan was written ahead of this session at %s. Read it before making changes, and follow it unless you find a concrete reason to deviate.\n\n", implementationPlanRel)
	}

	if len(phase.CompletionCriteria) > 0 {
		b.WriteString("This phase is considered complete when:\n")
		for _, c := range phase.CompletionCriteria {
			fmt.Fprintf(&b, "  - %s\n", c.Kind)
		}
		b.WriteString("\n")
	}

	if feedback != "" {
		fmt.Fprintf(&b, "Feedback from your previous attempt:\n%s\n\n", feedback)
	}

	b.WriteString("When you have finished, emit a line of the form:\n")
	b.WriteString("  NIBBLER_EVENT {\"kind\":\"PHASE_COMPLETE\",\"summary\":\"...\"}\n")
	b.WriteString("If you get stuck on something outside your authority, emit:\n")
	b.WriteString("  NIBBLER_EVENT {\"kind\":\"NEEDS_ESCALATION\",\"reason\":\"...\"}\n")
	b.WriteString("If you hit an unrecoverable error, emit:\n")
	b.WriteString("  NIBBLER_EVENT {\"kind\":\"EXCEPTION\",\"reason\":\"...\"}\n")

	return b.String()
}

// buildPlanStepPrompt composes the bootstrap prompt for a delegated role's
// plan-mode sub-session, confined to a staging directory.
func buildPlanStepPrompt(role contract.Role, tasks []delegation.Task, stagingRel string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Before doing any implementation work as %q, write an implementation plan.\n\n", role.ID)
	fmt.Fprintf(&b, "Write a single markdown file describing your approach under %s/ — nowhere else.\n\n", stagingRel)
	b.WriteString("Your delegated tasks are:\n")
	for _, t := range tasks {
		fmt.Fprintf(&b, "  - [%s] %s\n", t.TaskID, t.Description)
	}
	b.WriteString("\nWhen your plan file is written, emit:\n")
	b.WriteString("  NIBBLER_EVENT {\"kind\":\"PHASE_COMPLETE\",\"summary\":\"...\"}\n")
	return b.String()
}

// buildArchitectEscalationPrompt composes the prompt for an architect
// sub-session resolving another role's NEEDS_ESCALATION event.
func buildArchitectEscalationPrompt(forRole core.RoleID, phase contract.Phase, event runner.Event, stagingRel string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The %q role, while working in phase %q, escalated and could not proceed.\n\n", forRole, phase.ID)
	fmt.Fprintf(&b, "Its stated reason:\n%s\n\n", event.Reason)
	if event.Context != "" {
		fmt.Fprintf(&b, "Additional context it provided:\n%s\n\n", event.Context)
	}
	fmt.Fprintf(&b, "Write guidance for %q to act on as a single markdown file at %s/guidance.md — do not touch anything outside that directory.\n\n", forRole, stagingRel)
	b.WriteString("When you are done, emit:\n")
	b.WriteString("  NIBBLER_EVENT {\"kind\":\"PHASE_COMPLETE\",\"summary\":\"...\"}\n")
	return b.String()
}

// buildScopeExceptionPrompt composes the prompt for an architect
// sub-session mediating a role's out-of-scope diff.
func buildScopeExceptionPrompt(forRole core.RoleID, scopeResult policy.ScopeResult, structural scope.StructuralResult, stagingRel string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The %q role produced changes outside its writable scope.\n\n", forRole)
	b.WriteString("Violations:\n")
	for _, v := range scopeResult.Violations {
		fmt.Fprintf(&b, "  - %s (%s)\n", v.Path, v.Kind)
	}
	if len(structural.OwnerHints) > 0 {
		b.WriteString("\nLikely owners by directory:\n")
		for _, h := range structural.OwnerHints {
			fmt.Fprintf(&b, "  - %s -> %s\n", h.File, strings.Join(h.Owners, ", "))
		}
	}
	fmt.Fprintf(&b, "\nDecide how to resolve this. Write a single JSON file at %s/decision.json — nowhere else — with this shape:\n", stagingRel)
	b.WriteString(`  {"decision":"grant_narrow_access|deny|terminate|reroute_work","patterns":["..."],"ownerRoleId":"...","expiresAfterAttempt":0,"notes":"..."}` + "\n\n")
	b.WriteString("Use grant_narrow_access only for patterns that do not cover a protected path. Use deny if the role should simply retry within its existing scope. Use terminate if the job cannot proceed. Use reroute_work if this role's remaining work should be considered done without these changes.\n\n")
	b.WriteString("When the decision file is written, emit:\n")
	b.WriteString("  NIBBLER_EVENT {\"kind\":\"PHASE_COMPLETE\",\"summary\":\"...\"}\n")
	return b.String()
}
