// Package contract holds the validated, immutable description of a job's
// roles, phases, and gates — parsed from team.yaml/phases.yaml and checked
// once at job start by Validate.
package contract

import "github.com/nibbler-dev/nibbler/internal/core"

// Budget bounds a role's attempts within a single job.
type Budget struct {
	MaxIterations        int           `yaml:"maxIterations"`
	MaxTimeMs            int64         `yaml:"maxTimeMs,omitempty"`
	MaxDiffLines         int           `yaml:"maxDiffLines,omitempty"`
	ExhaustionEscalation string        `yaml:"exhaustionEscalation"` // role id, or "terminate"
}

// Authority lists the extra paths a role may write beyond its declared scope.
type Authority struct {
	AllowedPaths []string `yaml:"allowedPaths,omitempty"`
}

// Role is a contract participant: a scope of writable paths, a budget, and
// a declared verification method tag surfaced to evidence/reporting.
type Role struct {
	ID                core.RoleID `yaml:"id"`
	Scope             []string    `yaml:"scope"`
	Authority         Authority   `yaml:"authority"`
	VerificationMethod string     `yaml:"verificationMethod"`
	Budget            Budget      `yaml:"budget"`
}

// EffectiveScope returns the role's direct scope plus its allowedPaths,
// without resolving sharedScopes (callers needing the full effective set
// should combine this with contract.SharedScopesFor).
func (r Role) EffectiveScope() []string {
	out := make([]string, 0, len(r.Scope)+len(r.Authority.AllowedPaths))
	out = append(out, r.Scope...)
	out = append(out, r.Authority.AllowedPaths...)
	return out
}

// CompletionCriterion is one tagged check gating phase advancement.
// Kind selects which fields in Params are meaningful; see internal/policy.
type CompletionCriterion struct {
	Kind   string         `yaml:"kind"`
	Params map[string]any `yaml:"params,omitempty"`
}

// Successor maps a phase-exit outcome token to the next phase.
type Successor struct {
	On   string       `yaml:"on"`
	Next core.PhaseID `yaml:"next"`
}

// Phase is one stage of the job's workflow: an ordered list of actors who
// each get a session, boundaries for inputs/outputs, and completion
// criteria deciding when it's done.
type Phase struct {
	ID                core.PhaseID           `yaml:"id"`
	Actors            []core.RoleID          `yaml:"actors"`
	InputBoundaries   []string               `yaml:"inputBoundaries,omitempty"`
	OutputBoundaries  []string               `yaml:"outputBoundaries,omitempty"`
	CompletionCriteria []CompletionCriterion `yaml:"completionCriteria"`
	Successors        []Successor            `yaml:"successors"`
	IsTerminal        bool                   `yaml:"isTerminal,omitempty"`
}

// RequiredInput is a named artifact a gate needs present before it can be
// evaluated (kind is currently always "path").
type RequiredInput struct {
	Name  string `yaml:"name"`
	Kind  string `yaml:"kind"`
	Value string `yaml:"value"`
}

// Gate is a human checkpoint triggered by a specific phase transition.
type Gate struct {
	ID                  core.GateID       `yaml:"id"`
	Trigger             string            `yaml:"trigger"` // "<from>-><to>" or "<from>->__END__"
	Audience            string            `yaml:"audience"`
	ApprovalScope        string            `yaml:"approvalScope"`
	ApprovalExpectations []string          `yaml:"approvalExpectations,omitempty"`
	BusinessOutcomes     []string          `yaml:"businessOutcomes,omitempty"`
	FunctionalScope      []string          `yaml:"functionalScope,omitempty"`
	OutOfScope           []string          `yaml:"outOfScope,omitempty"`
	RequiredInputs       []RequiredInput   `yaml:"requiredInputs,omitempty"`
	Outcomes             map[string]string `yaml:"outcomes"` // "approve"/"reject" -> phase id or "__END__"
}

// SharedScope declares a set of path patterns that multiple roles may
// legally both touch without tripping the overlap-protection invariant.
type SharedScope struct {
	Roles    []core.RoleID `yaml:"roles"`
	Patterns []string      `yaml:"patterns"`
}

// GlobalLifetime bounds the whole job's wall-clock duration.
type GlobalLifetime struct {
	MaxTimeMs            int64  `yaml:"maxTimeMs"`
	ExhaustionEscalation string `yaml:"exhaustionEscalation"`
}

// Contract is the full, validated description of a job's roles, phases,
// and gates. Once Validate succeeds, a Contract is treated as immutable
// for the lifetime of the job it governs.
type Contract struct {
	Roles          map[core.RoleID]Role   `yaml:"-"`
	RolesList      []Role                 `yaml:"roles"`
	Phases         []Phase                `yaml:"phases"`
	Gates          map[core.GateID]Gate   `yaml:"-"`
	GatesList      []Gate                 `yaml:"gates"`
	SharedScopes   []SharedScope          `yaml:"sharedScopes,omitempty"`
	GlobalLifetime GlobalLifetime         `yaml:"globalLifetime"`
}

// index rebuilds the Roles/Gates lookup maps from RolesList/GatesList.
// Must be called after unmarshalling or after any programmatic mutation
// of RolesList/GatesList.
func (c *Contract) index() {
	c.Roles = make(map[core.RoleID]Role, len(c.RolesList))
	for _, r := range c.RolesList {
		c.Roles[r.ID] = r
	}
	c.Gates = make(map[core.GateID]Gate, len(c.GatesList))
	for _, g := range c.GatesList {
		c.Gates[g.ID] = g
	}
}

// Role looks up a role by id.
func (c *Contract) Role(id core.RoleID) (Role, bool) {
	r, ok := c.Roles[id]
	return r, ok
}

// Phase looks up a phase by id.
func (c *Contract) Phase(id core.PhaseID) (Phase, bool) {
	for _, p := range c.Phases {
		if p.ID == id {
			return p, true
		}
	}
	return Phase{}, false
}

// FirstPhase returns the phase with indegree 0 that sorts first in
// declaration order; Validate guarantees at least one exists.
func (c *Contract) FirstPhase() (Phase, bool) {
	hasIncoming := make(map[core.PhaseID]bool)
	for _, p := range c.Phases {
		for _, s := range p.Successors {
			if s.Next != core.EndPhase {
				hasIncoming[s.Next] = true
			}
		}
	}
	for _, p := range c.Phases {
		if !hasIncoming[p.ID] {
			return p, true
		}
	}
	return Phase{}, false
}

// GateFor returns the gate (if any) whose trigger matches the given
// from->to phase transition.
func (c *Contract) GateFor(from, to core.PhaseID) (Gate, bool) {
	trigger := string(from) + "->" + string(to)
	for _, g := range c.GatesList {
		if g.Trigger == trigger {
			return g, true
		}
	}
	return Gate{}, false
}

// SharedScopesFor returns every shared-scope pattern list that names the
// given role.
func (c *Contract) SharedScopesFor(role core.RoleID) [][]string {
	var out [][]string
	for _, ss := range c.SharedScopes {
		for _, r := range ss.Roles {
			if r == role {
				out = append(out, ss.Patterns)
				break
			}
		}
	}
	return out
}

// EffectiveScopeFor returns a role's direct scope, its allowedPaths, and
// every shared-scope pattern list it participates in, flattened.
func (c *Contract) EffectiveScopeFor(role core.RoleID) []string {
	r, ok := c.Role(role)
	if !ok {
		return nil
	}
	out := r.EffectiveScope()
	for _, patterns := range c.SharedScopesFor(role) {
		out = append(out, patterns...)
	}
	return out
}
