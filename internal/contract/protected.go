package contract

import (
	"strings"

	"github.com/nibbler-dev/nibbler/internal/core"
)

// ProtectedPaths are engine-reserved: no role's scope may cover them, and
// a diff touching one is always an out-of-scope (protected_path) violation
// regardless of which role produced it. This is narrower than
// EngineManagedPrefixes — staging is engine-managed but roles (the
// architect, during planning) are expected to write there.
var ProtectedPaths = []string{
	".nibbler/**",
	".cursor/rules/20-role-*.mdc",
}

// EngineManagedPrefixes are path prefixes the engine itself writes to
// (job ledgers, evidence, staging, generated rule overlays). A phase's
// outputBoundaries entry under one of these is satisfied without requiring
// an actor's scope to cover it — see invariant 3 in Validate.
var EngineManagedPrefixes = []string{
	".nibbler/",
	".nibbler-staging/",
	".cursor/rules/",
}

// PatternCoversProtectedPath reports whether a scope-expanding glob
// pattern (e.g. one proposed for a scope-override grant) would cover any
// ProtectedPaths entry, the same test invariant 1 applies to a role's
// declared scope. Callers granting scope overrides use this to reject a
// grant at grant time rather than relying on VerifyScope to catch it
// later.
func PatternCoversProtectedPath(pattern string) bool {
	for _, protected := range ProtectedPaths {
		if patternCoversProtected(pattern, protected) {
			return true
		}
	}
	return false
}

// patternCoversProtected tests a scope pattern against a protected-path
// literal (with ** collapsed to its static directory) via a standard glob
// matcher.
func patternCoversProtected(pattern, protected string) bool {
	collapsed := core.CollapseDoubleStar(protected)
	return core.MatchGlob(pattern, collapsed) || strings.HasPrefix(collapsed+"/", core.StaticPrefix(pattern))
}
