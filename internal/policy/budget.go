package policy

import (
	"time"

	"github.com/nibbler-dev/nibbler/internal/contract"
	"github.com/nibbler-dev/nibbler/internal/core"
)

// Usage is a role's accumulated consumption within the current job, used
// by checkBudget to decide whether the role has exhausted its budget.
type Usage struct {
	Iterations int
	ElapsedMs  int64
	DiffLines  int
}

// BudgetResult reports whether a role's usage exceeded its contract
// budget, and which dimension tripped first.
type BudgetResult struct {
	Exceeded bool
	Reason   string
}

// CheckBudget reports whether usage has exceeded role's budget along any
// dimension: iteration count, elapsed time, or changed-line count.
func CheckBudget(usage Usage, role contract.Role) BudgetResult {
	if role.Budget.MaxIterations > 0 && usage.Iterations > role.Budget.MaxIterations {
		return BudgetResult{Exceeded: true, Reason: "max_iterations"}
	}
	if role.Budget.MaxTimeMs > 0 && usage.ElapsedMs > role.Budget.MaxTimeMs {
		return BudgetResult{Exceeded: true, Reason: "max_time_ms"}
	}
	if role.Budget.MaxDiffLines > 0 && usage.DiffLines > role.Budget.MaxDiffLines {
		return BudgetResult{Exceeded: true, Reason: "max_diff_lines"}
	}
	return BudgetResult{}
}

// CheckGlobalBudget reports whether the job's wall-clock time since
// startedAt has exceeded the contract's globalLifetime.
func CheckGlobalBudget(startedAt time.Time, now time.Time, lifetime contract.GlobalLifetime) BudgetResult {
	elapsed := now.Sub(startedAt).Milliseconds()
	if lifetime.MaxTimeMs > 0 && elapsed > lifetime.MaxTimeMs {
		return BudgetResult{Exceeded: true, Reason: "global_max_time_ms"}
	}
	return BudgetResult{}
}

// ShouldEnforceGate returns the gate (if any) whose trigger matches the
// given phase transition.
func ShouldEnforceGate(c *contract.Contract, from, to core.PhaseID) (contract.Gate, bool) {
	return c.GateFor(from, to)
}
