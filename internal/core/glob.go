package core

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// MatchGlob reports whether path matches the glob pattern. Patterns follow
// doublestar semantics: "**" matches any number of path segments, "*"
// matches within a single segment. Paths are always compared using "/"
// separators regardless of host OS.
func MatchGlob(pattern, path string) bool {
	pattern = strings.TrimPrefix(pattern, "./")
	path = strings.TrimPrefix(path, "./")
	ok, err := doublestar.Match(pattern, path)
	if err != nil {
		return false
	}
	return ok
}

// MatchAny reports whether path matches any of patterns.
func MatchAny(patterns []string, path string) bool {
	for _, p := range patterns {
		if MatchGlob(p, path) {
			return true
		}
	}
	return false
}

// StaticPrefix returns the portion of a glob pattern before its first glob
// metacharacter ('*', '?', '[', '{'). Used by the contract validator's
// conservative overlap heuristic.
func StaticPrefix(pattern string) string {
	idx := strings.IndexAny(pattern, "*?[{")
	if idx < 0 {
		return pattern
	}
	prefix := pattern[:idx]
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		return prefix[:i+1]
	}
	return ""
}

// IsBroadPattern reports whether a pattern matches "almost everything"
// (e.g. "**", "**/*", "*", "") for the purposes of the overlap heuristic.
func IsBroadPattern(pattern string) bool {
	switch pattern {
	case "", "*", "**", "**/*":
		return true
	}
	return StaticPrefix(pattern) == ""
}

// PatternsMayOverlap applies the contract validator's conservative
// static-prefix heuristic: two patterns "may" overlap when their static
// prefixes share a common prefix, or when either is broad.
func PatternsMayOverlap(a, b string) bool {
	if IsBroadPattern(a) || IsBroadPattern(b) {
		return true
	}
	pa, pb := StaticPrefix(a), StaticPrefix(b)
	return strings.HasPrefix(pa, pb) || strings.HasPrefix(pb, pa)
}

// CollapseDoubleStar simplifies "**" segments for literal-prefix matching
// against protected paths, per spec.md §4.4's "protected-path literal
// with ** collapsed" rule.
func CollapseDoubleStar(pattern string) string {
	return strings.ReplaceAll(pattern, "/**", "")
}
