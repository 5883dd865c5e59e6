// Package scope implements the C9 Scope-Override Mediator: folding a
// job's accumulated scope-override grants into a per-session effective
// contract, and classifying an out-of-scope diff as structural (needing
// escalation) versus incidental. Grounded on the teacher's pure
// functions-over-core-types style (no side effects, everything a plain
// fold over inputs) seen throughout internal/core.
package scope

import (
	"github.com/nibbler-dev/nibbler/internal/contract"
	"github.com/nibbler-dev/nibbler/internal/core"
)

// OverrideKind selects how an override grant is folded into the effective
// contract: as a new shared-scope entry, or as an addition to the role's
// own allowedPaths.
type OverrideKind string

const (
	OverrideSharedScope OverrideKind = "shared_scope"
	OverrideExtraScope  OverrideKind = "extra_scope"
)

// Override is one scope-exception grant recorded against a role, per
// spec.md §4.2's scopeOverridesByRole shape.
type Override struct {
	Kind                OverrideKind  `json:"kind"`
	Patterns            []string      `json:"patterns"`
	OwnerRoleID         core.RoleID   `json:"ownerRoleId,omitempty"`
	PhaseID             core.PhaseID  `json:"phaseId"`
	GrantedAtIso        string        `json:"grantedAtIso"`
	ExpiresAfterAttempt int           `json:"expiresAfterAttempt,omitempty"`
	Notes               string        `json:"notes,omitempty"`
}

// IsActive reports whether the override still applies at the given phase
// and attempt: it must have been granted for this phase, and — if it
// carries an expiry — the current attempt must not yet have passed it.
func (o Override) IsActive(phaseID core.PhaseID, attempt int) bool {
	if o.PhaseID != phaseID {
		return false
	}
	if o.ExpiresAfterAttempt > 0 && attempt > o.ExpiresAfterAttempt {
		return false
	}
	return true
}

// ValidateGrant rejects an override whose patterns would cover a
// protected path; protected-path writes are never grantable (spec.md
// §8's "always a scope violation even when granted").
func ValidateGrant(patterns []string) error {
	for _, p := range patterns {
		if contract.PatternCoversProtectedPath(p) {
			return core.ErrScope(core.CodeProtectedPath, "scope override pattern \""+p+"\" covers a protected path")
		}
	}
	return nil
}

// BuildEffectiveContractForSession clones base and folds every override
// recorded against role that is active for phaseID/attempt into either a
// new sharedScopes entry or the role's authority.allowedPaths, per the
// override's kind. The base contract is never mutated.
func BuildEffectiveContractForSession(base *contract.Contract, role core.RoleID, overrides []Override, phaseID core.PhaseID, attempt int) *contract.Contract {
	clone := cloneContract(base)

	for _, o := range overrides {
		if !o.IsActive(phaseID, attempt) {
			continue
		}
		switch o.Kind {
		case OverrideSharedScope:
			roles := []core.RoleID{role}
			if o.OwnerRoleID != "" {
				roles = append(roles, o.OwnerRoleID)
			}
			clone.SharedScopes = append(clone.SharedScopes, contract.SharedScope{
				Roles:    roles,
				Patterns: append([]string{}, o.Patterns...),
			})
		case OverrideExtraScope:
			r, ok := clone.Roles[role]
			if !ok {
				continue
			}
			r.Authority.AllowedPaths = append(append([]string{}, r.Authority.AllowedPaths...), o.Patterns...)
			clone.Roles[role] = r
			for i := range clone.RolesList {
				if clone.RolesList[i].ID == role {
					clone.RolesList[i] = r
				}
			}
		}
	}
	return clone
}

// cloneContract makes a deep-enough copy of c that folding overrides into
// the clone's RolesList/SharedScopes never mutates the caller's contract.
// Phases and Gates are shared by reference: buildEffectiveContractForSession
// never changes them.
func cloneContract(c *contract.Contract) *contract.Contract {
	clone := &contract.Contract{
		Phases:         c.Phases,
		GatesList:      c.GatesList,
		Gates:          c.Gates,
		GlobalLifetime: c.GlobalLifetime,
	}
	clone.RolesList = make([]contract.Role, len(c.RolesList))
	copy(clone.RolesList, c.RolesList)
	for i := range clone.RolesList {
		clone.RolesList[i].Authority.AllowedPaths = append([]string{}, clone.RolesList[i].Authority.AllowedPaths...)
	}
	clone.Roles = make(map[core.RoleID]contract.Role, len(clone.RolesList))
	for _, r := range clone.RolesList {
		clone.Roles[r.ID] = r
	}
	clone.SharedScopes = append([]contract.SharedScope{}, c.SharedScopes...)
	return clone
}

// OwnerHint names a structurally out-of-scope file and the roles whose
// declared scope best matches its directory.
type OwnerHint struct {
	File   string   `json:"file"`
	Owners []string `json:"owners"`
}

// StructuralResult is isStructuralOutOfScopeViolation's return value.
type StructuralResult struct {
	Structural bool        `json:"structural"`
	OwnerHints []OwnerHint `json:"ownerHints,omitempty"`
}

// IsStructuralOutOfScopeViolation classifies a set of out-of-scope paths
// as structural (warranting escalation rather than a simple retry) when
// there are more than manyThreshold of them, or when a majority of them
// fall inside a single other role's owned directory — a few stray files
// are an accident; most of the diff landing in another role's territory
// is a planning or scope-boundary problem the role itself can't fix.
func IsStructuralOutOfScopeViolation(paths []string, role core.RoleID, c *contract.Contract, manyThreshold int) StructuralResult {
	hints := make([]OwnerHint, 0, len(paths))
	ownerCounts := make(map[string]int)

	for _, path := range paths {
		owners := bestMatchOwners(path, role, c)
		for _, o := range owners {
			ownerCounts[o]++
		}
		hints = append(hints, OwnerHint{File: path, Owners: owners})
	}

	concentrated := false
	for _, count := range ownerCounts {
		if count*2 > len(paths) {
			concentrated = true
			break
		}
	}

	structural := len(paths) > manyThreshold || concentrated
	return StructuralResult{Structural: structural, OwnerHints: hints}
}

// bestMatchOwners returns every role other than role whose scope's
// longest static prefix matches path, i.e. the role(s) that most
// specifically "own" the directory the path lives in.
func bestMatchOwners(path string, role core.RoleID, c *contract.Contract) []string {
	bestLen := -1
	var owners []string

	for _, r := range c.RolesList {
		if r.ID == role {
			continue
		}
		for _, pattern := range r.EffectiveScope() {
			if !core.MatchGlob(pattern, path) {
				continue
			}
			l := len(core.StaticPrefix(pattern))
			switch {
			case l > bestLen:
				bestLen = l
				owners = []string{string(r.ID)}
			case l == bestLen:
				owners = appendUnique(owners, string(r.ID))
			}
		}
	}
	return owners
}

func appendUnique(owners []string, owner string) []string {
	for _, o := range owners {
		if o == owner {
			return owners
		}
	}
	return append(owners, owner)
}

