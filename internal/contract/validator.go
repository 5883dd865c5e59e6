package contract

import (
	"fmt"
	"strings"

	"github.com/nibbler-dev/nibbler/internal/core"
)

// ValidationError is one invariant violation found while validating a
// Contract.
type ValidationError struct {
	Invariant int
	Subject   string
	Message   string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("contract invariant %d (%s): %s", e.Invariant, e.Subject, e.Message)
}

// ValidationErrors collects every violation found by Validate so a caller
// can report them all at once instead of stopping at the first.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors reports whether any violations were collected.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator runs the structural invariants from the data model against a
// Contract. Unlike the Policy Engine's runtime checks, Validator never
// touches a job's diff or filesystem — it only inspects contract shape.
type Validator struct {
	errors ValidationErrors
}

// NewValidator returns a Validator ready to run Validate.
func NewValidator() *Validator {
	return &Validator{}
}

// Errors returns every violation collected by the most recent Validate
// call.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(invariant int, subject, msg string) {
	v.errors = append(v.errors, ValidationError{Invariant: invariant, Subject: subject, Message: msg})
}

// Validate checks all seven contract invariants and returns a
// ValidationErrors (nil if the contract is sound). It also calls index()
// on c so Role/Gate lookups work afterward.
func (v *Validator) Validate(c *Contract) error {
	c.index()

	v.validateRoleScopes(c)
	v.validateScopeOverlap(c)
	v.validateOutputBoundaries(c)
	v.validatePhaseGraph(c)
	v.validateGates(c)
	v.validateGlobalLifetime(c)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// Validate is a convenience wrapper that creates a Validator, runs it, and
// returns the result directly.
func Validate(c *Contract) error {
	return NewValidator().Validate(c)
}

// --- Invariant 1: scopes non-empty, no protected-path pattern ---

func (v *Validator) validateRoleScopes(c *Contract) {
	for _, r := range c.RolesList {
		subject := string(r.ID)
		if len(r.Scope) == 0 {
			v.addError(1, subject, "role scope must be non-empty")
			continue
		}
		for _, pattern := range r.Scope {
			if PatternCoversProtectedPath(pattern) {
				v.addError(1, subject, fmt.Sprintf("scope pattern %q covers a protected path", pattern))
			}
		}
	}
}

// --- Invariant 2: overlapping scopes require a sharedScopes entry ---

func (v *Validator) validateScopeOverlap(c *Contract) {
	for i := 0; i < len(c.RolesList); i++ {
		for j := i + 1; j < len(c.RolesList); j++ {
			a, b := c.RolesList[i], c.RolesList[j]
			if !rolesMayOverlap(a, b) {
				continue
			}
			if !c.declaresSharedScope(a.ID, b.ID) {
				v.addError(2, fmt.Sprintf("%s,%s", a.ID, b.ID),
					"scope patterns may overlap but roles do not co-appear in any sharedScopes entry")
			}
		}
	}
}

func rolesMayOverlap(a, b Role) bool {
	for _, pa := range a.Scope {
		for _, pb := range b.Scope {
			if core.PatternsMayOverlap(pa, pb) {
				return true
			}
		}
	}
	return false
}

// declaresSharedScope reports whether some sharedScopes entry names both
// roles.
func (c *Contract) declaresSharedScope(a, b core.RoleID) bool {
	for _, ss := range c.SharedScopes {
		hasA, hasB := false, false
		for _, r := range ss.Roles {
			if r == a {
				hasA = true
			}
			if r == b {
				hasB = true
			}
		}
		if hasA && hasB {
			return true
		}
	}
	return false
}

// --- Invariant 3: non-engine-managed output boundaries must be covered ---

func (v *Validator) validateOutputBoundaries(c *Contract) {
	for _, p := range c.Phases {
		for _, boundary := range p.OutputBoundaries {
			if isEngineManagedBoundary(boundary) {
				continue
			}
			if !c.anyActorCovers(p.Actors, boundary) {
				v.addError(3, fmt.Sprintf("%s:%s", p.ID, boundary),
					"output boundary is not covered by any actor's effective scope")
			}
		}
	}
}

func isEngineManagedBoundary(boundary string) bool {
	for _, prefix := range EngineManagedPrefixes {
		if strings.HasPrefix(boundary, prefix) {
			return true
		}
	}
	return false
}

func (c *Contract) anyActorCovers(actors []core.RoleID, boundary string) bool {
	for _, actor := range actors {
		if core.MatchAny(c.EffectiveScopeFor(actor), boundary) {
			return true
		}
	}
	return false
}

// --- Invariant 5: phase graph is a DAG with indegree-0 root and reachable terminal ---

func (v *Validator) validatePhaseGraph(c *Contract) {
	ids := make(map[core.PhaseID]bool, len(c.Phases))
	for _, p := range c.Phases {
		ids[p.ID] = true
	}

	indegree := make(map[core.PhaseID]int, len(c.Phases))
	adj := make(map[core.PhaseID][]core.PhaseID, len(c.Phases))
	for _, p := range c.Phases {
		indegree[p.ID] += 0
		for _, s := range p.Successors {
			if s.Next == core.EndPhase {
				continue
			}
			if !ids[s.Next] {
				v.addError(5, string(p.ID), fmt.Sprintf("successor %q references unknown phase %q", s.On, s.Next))
				continue
			}
			adj[p.ID] = append(adj[p.ID], s.Next)
			indegree[s.Next]++
		}
	}

	var roots []core.PhaseID
	for _, p := range c.Phases {
		if indegree[p.ID] == 0 {
			roots = append(roots, p.ID)
		}
	}
	if len(roots) == 0 {
		v.addError(5, "phases", "no phase has indegree 0; at least one root phase is required")
	}

	if cyclePhase, ok := detectCycle(c.Phases, adj); ok {
		v.addError(5, string(cyclePhase), "phase graph contains a cycle")
		return // reachability is meaningless once a cycle is present
	}

	hasTerminal := false
	for _, p := range c.Phases {
		if p.IsTerminal {
			hasTerminal = true
		}
		for _, s := range p.Successors {
			if s.Next == core.EndPhase {
				hasTerminal = true
			}
		}
	}
	if !hasTerminal {
		v.addError(5, "phases", "no terminal phase is reachable (no phase marked isTerminal and no successor targets __END__)")
	}
}

func detectCycle(phases []Phase, adj map[core.PhaseID][]core.PhaseID) (core.PhaseID, bool) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[core.PhaseID]int, len(phases))
	var visit func(core.PhaseID) (core.PhaseID, bool)
	visit = func(id core.PhaseID) (core.PhaseID, bool) {
		color[id] = gray
		for _, next := range adj[id] {
			switch color[next] {
			case gray:
				return next, true
			case white:
				if cyc, found := visit(next); found {
					return cyc, true
				}
			}
		}
		color[id] = black
		return "", false
	}
	for _, p := range phases {
		if color[p.ID] == white {
			if cyc, found := visit(p.ID); found {
				return cyc, true
			}
		}
	}
	return "", false
}

// --- Invariant 6: gate shape and planning-PO content requirements ---

func (v *Validator) validateGates(c *Contract) {
	hasPO := false
	for _, g := range c.GatesList {
		subject := string(g.ID)
		if _, ok := g.Outcomes["approve"]; !ok {
			v.addError(6, subject, `gate must define an "approve" outcome`)
		}
		if _, ok := g.Outcomes["reject"]; !ok {
			v.addError(6, subject, `gate must define a "reject" outcome`)
		}
		if g.Audience == "PO" {
			hasPO = true
		}
		if g.Audience == "PO" && strings.HasPrefix(g.Trigger, "planning->") {
			v.validatePlanningGateContent(g)
		}
	}
	if !hasPO {
		v.addError(6, "gates", `at least one gate must have audience="PO"`)
	}
}

func (v *Validator) validatePlanningGateContent(g Gate) {
	subject := string(g.ID)
	required := map[string]bool{"vision.md": false, "architecture.md": false}
	for _, ri := range g.RequiredInputs {
		if _, ok := required[ri.Value]; ok {
			required[ri.Value] = true
		}
	}
	for artifact, found := range required {
		if !found {
			v.addError(6, subject, fmt.Sprintf("planning PO gate must list %q as a required input", artifact))
		}
	}
	if len(g.BusinessOutcomes) == 0 {
		v.addError(6, subject, "planning PO gate must have non-empty businessOutcomes")
	}
	if len(g.FunctionalScope) == 0 {
		v.addError(6, subject, "planning PO gate must have non-empty functionalScope")
	}
}

// --- Invariant 7: globalLifetime present ---

func (v *Validator) validateGlobalLifetime(c *Contract) {
	if c.GlobalLifetime.MaxTimeMs <= 0 {
		v.addError(7, "globalLifetime", "maxTimeMs must be present and positive")
	}
}
