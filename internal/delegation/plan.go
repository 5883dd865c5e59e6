// Package delegation parses and validates the plan the architect produces
// during planning, and resolves it into a deterministic per-role task
// order for the execution phase.
package delegation

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nibbler-dev/nibbler/internal/contract"
	"github.com/nibbler-dev/nibbler/internal/core"
)

// Task is one unit of delegated work assigned to a role.
type Task struct {
	TaskID      core.TaskID   `yaml:"taskId"`
	RoleID      core.RoleID   `yaml:"roleId"`
	Description string        `yaml:"description"`
	ScopeHints  []string      `yaml:"scopeHints"`
	DependsOn   []core.TaskID `yaml:"dependsOn,omitempty"`
	Priority    int           `yaml:"priority,omitempty"`
}

// Plan is the full delegation plan: a version marker plus the task list.
type Plan struct {
	Version string `yaml:"version"`
	Tasks   []Task `yaml:"tasks"`
}

// Parse unmarshals raw YAML bytes into a Plan. It does not validate —
// call Validate separately so callers can distinguish parse errors from
// semantic ones.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, core.ErrValidation(core.CodeDelegationInvalid, "parsing delegation plan").WithCause(err)
	}
	return &p, nil
}

// Validate checks the invariants from spec.md §4.10: version present,
// every task has the required fields, every roleId exists in the
// contract, every scopeHints pattern lies within the assigned role's
// effective scope (or a shared scope naming that role), dependsOn
// references resolve, and the task graph is acyclic.
func (p *Plan) Validate(c *contract.Contract) error {
	var errs []string

	if strings.TrimSpace(p.Version) == "" {
		errs = append(errs, "version is required")
	}

	seen := make(map[core.TaskID]Task, len(p.Tasks))
	for _, t := range p.Tasks {
		if t.TaskID == "" {
			errs = append(errs, "task has empty taskId")
			continue
		}
		if _, dup := seen[t.TaskID]; dup {
			errs = append(errs, fmt.Sprintf("duplicate taskId %q", t.TaskID))
			continue
		}
		seen[t.TaskID] = t

		if t.RoleID == "" {
			errs = append(errs, fmt.Sprintf("task %q has empty roleId", t.TaskID))
		} else if _, ok := c.Role(t.RoleID); !ok {
			errs = append(errs, fmt.Sprintf("task %q references unknown role %q", t.TaskID, t.RoleID))
		}
		if strings.TrimSpace(t.Description) == "" {
			errs = append(errs, fmt.Sprintf("task %q has empty description", t.TaskID))
		}
		if len(t.ScopeHints) == 0 {
			errs = append(errs, fmt.Sprintf("task %q has empty scopeHints", t.TaskID))
		} else if t.RoleID != "" {
			effective := c.EffectiveScopeFor(t.RoleID)
			for _, hint := range t.ScopeHints {
				if !hintWithinScope(hint, effective) {
					errs = append(errs, fmt.Sprintf("task %q scopeHint %q lies outside role %q's effective scope", t.TaskID, hint, t.RoleID))
				}
			}
		}
	}

	for _, t := range p.Tasks {
		for _, dep := range t.DependsOn {
			if _, ok := seen[dep]; !ok {
				errs = append(errs, fmt.Sprintf("task %q depends on unknown task %q", t.TaskID, dep))
			}
		}
	}

	if _, _, err := topoSort(p.Tasks); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return core.ErrValidation(core.CodeDelegationInvalid, strings.Join(errs, "; "))
	}
	return nil
}

// hintWithinScope reports whether a scope hint's static prefix lies
// within at least one effective-scope pattern — a hint is a concrete
// path or narrow glob, not itself a pattern to overlap-test, so we check
// it matches one of the role's patterns directly.
func hintWithinScope(hint string, effective []string) bool {
	if core.MatchAny(effective, hint) {
		return true
	}
	// Hint may itself be a glob narrower than the role's pattern (e.g. role
	// scope "src/**" with hint "src/api/**"): accept when the hint's static
	// prefix falls under some scope pattern's static prefix.
	hintPrefix := core.StaticPrefix(hint)
	if hintPrefix == "" {
		hintPrefix = hint
	}
	for _, pattern := range effective {
		if strings.HasPrefix(hintPrefix, core.StaticPrefix(pattern)) {
			return true
		}
	}
	return false
}

// Resolution is the deterministic output of resolving a plan: the role
// visit order (first occurrence in task order) and each role's tasks in
// dependency-respecting order.
type Resolution struct {
	RoleOrder  []core.RoleID
	TasksByRole map[core.RoleID][]Task
}

// Resolve runs Kahn's algorithm over the task dependency graph with a
// deterministic tie-break (priority ascending, then taskId lexicographic),
// then derives role order from first occurrence in the resolved order.
func (p *Plan) Resolve() (*Resolution, error) {
	ordered, _, err := topoSort(p.Tasks)
	if err != nil {
		return nil, core.ErrValidation(core.CodeDelegationCycle, err.Error())
	}

	res := &Resolution{TasksByRole: make(map[core.RoleID][]Task)}
	seenRole := make(map[core.RoleID]bool)
	for _, t := range ordered {
		if !seenRole[t.RoleID] {
			seenRole[t.RoleID] = true
			res.RoleOrder = append(res.RoleOrder, t.RoleID)
		}
		res.TasksByRole[t.RoleID] = append(res.TasksByRole[t.RoleID], t)
	}
	return res, nil
}

// topoSort runs Kahn's algorithm: at each step, among tasks with no
// unresolved dependency, pick the one with lowest priority, breaking ties
// by taskId. Returns the ordered task list, or an error naming one task
// on a cycle.
func topoSort(tasks []Task) ([]Task, map[core.TaskID]int, error) {
	byID := make(map[core.TaskID]Task, len(tasks))
	indegree := make(map[core.TaskID]int, len(tasks))
	dependents := make(map[core.TaskID][]core.TaskID)

	for _, t := range tasks {
		byID[t.TaskID] = t
		if _, ok := indegree[t.TaskID]; !ok {
			indegree[t.TaskID] = 0
		}
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				continue // unknown deps are reported by Validate, not here
			}
			indegree[t.TaskID]++
			dependents[dep] = append(dependents[dep], t.TaskID)
		}
	}

	var ready []core.TaskID
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	ordered := make([]Task, 0, len(tasks))
	position := make(map[core.TaskID]int, len(tasks))

	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			ti, tj := byID[ready[i]], byID[ready[j]]
			if ti.Priority != tj.Priority {
				return ti.Priority < tj.Priority
			}
			return ti.TaskID < tj.TaskID
		})
		next := ready[0]
		ready = ready[1:]

		ordered = append(ordered, byID[next])
		position[next] = len(ordered)

		for _, dependent := range dependents[next] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(ordered) != len(tasks) {
		var stuck []string
		for id, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, string(id))
			}
		}
		sort.Strings(stuck)
		return nil, nil, fmt.Errorf("delegation plan has a cycle involving tasks: %s", strings.Join(stuck, ", "))
	}
	return ordered, position, nil
}
