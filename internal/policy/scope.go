// Package policy implements the pure, side-effect-free decision functions
// that gate every role session: scope enforcement, completion-criterion
// verification, and budget checks. Nothing here touches git, the runner,
// or the ledger directly — callers hand in a DiffResult/Contract/JobState
// and get back a typed result they can persist.
package policy

import (
	"github.com/nibbler-dev/nibbler/internal/contract"
	"github.com/nibbler-dev/nibbler/internal/core"
	"github.com/nibbler-dev/nibbler/internal/gitadapter"
)

// ViolationKind classifies why a changed path failed scope verification.
type ViolationKind string

const (
	ViolationProtectedPath ViolationKind = "protected_path"
	ViolationOutOfScope    ViolationKind = "out_of_scope"
)

// ScopeViolation is one changed path that a role was not allowed to touch.
type ScopeViolation struct {
	Path string        `json:"path"`
	Kind ViolationKind `json:"kind"`
}

// ScopeResult is the outcome of verifyScope over an entire diff.
type ScopeResult struct {
	Passed     bool             `json:"passed"`
	Violations []ScopeViolation `json:"violations,omitempty"`
}

// OutOfScopePaths returns every violating path classified out_of_scope
// (excluding protected-path violations, which are never grantable).
func (r ScopeResult) OutOfScopePaths() []string {
	var out []string
	for _, v := range r.Violations {
		if v.Kind == ViolationOutOfScope {
			out = append(out, v.Path)
		}
	}
	return out
}

// HasProtectedPathViolation reports whether any violation is a
// protected-path hit.
func (r ScopeResult) HasProtectedPathViolation() bool {
	for _, v := range r.Violations {
		if v.Kind == ViolationProtectedPath {
			return true
		}
	}
	return false
}

// VerifyScope checks every path in diff against role's effective scope
// under c, in the order spec'd: protected paths first (always a
// violation), then direct scope, then allowedPaths, then any sharedScopes
// entry naming the role.
func VerifyScope(diff *gitadapter.DiffResult, role core.RoleID, c *contract.Contract) ScopeResult {
	r, ok := c.Role(role)
	if !ok {
		return ScopeResult{Passed: false, Violations: []ScopeViolation{{Path: "*", Kind: ViolationOutOfScope}}}
	}

	shared := c.SharedScopesFor(role)
	result := ScopeResult{Passed: true}

	for _, path := range diff.Paths() {
		switch {
		case matchesProtectedPath(path):
			result.Passed = false
			result.Violations = append(result.Violations, ScopeViolation{Path: path, Kind: ViolationProtectedPath})
		case core.MatchAny(r.Scope, path):
			// allowed
		case core.MatchAny(r.Authority.AllowedPaths, path):
			// allowed
		case matchesAnySharedScope(shared, path):
			// allowed
		default:
			result.Passed = false
			result.Violations = append(result.Violations, ScopeViolation{Path: path, Kind: ViolationOutOfScope})
		}
	}
	return result
}

func matchesProtectedPath(path string) bool {
	for _, p := range contract.ProtectedPaths {
		if core.MatchGlob(p, path) {
			return true
		}
	}
	return false
}

func matchesAnySharedScope(shared [][]string, path string) bool {
	for _, patterns := range shared {
		if core.MatchAny(patterns, path) {
			return true
		}
	}
	return false
}
