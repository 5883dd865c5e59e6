package logging

import (
	"regexp"
)

// secretPattern is one regex in the sanitizer's set, tagged with the kind of
// credential it matches.
type secretPattern struct {
	category string
	re       *regexp.Regexp
}

// Sanitizer redacts sensitive information from log messages and captured
// role-session output before it reaches a log line, the evidence ledger, or
// a diagnostics dump. A role session runs an arbitrary CLI (see
// internal/adapters/runner) against a worktree and its stdout/stderr is
// captured verbatim, so the set below covers both the credentials nibbler's
// own runners authenticate with and the generic shapes a role's shell
// commands might echo back from the target repo's own environment.
type Sanitizer struct {
	patterns []secretPattern
	redacted string
}

// NewSanitizer creates a sanitizer with the default pattern set.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{
		patterns: defaultSecretPatterns(),
		redacted: "[REDACTED]",
	}
}

func defaultSecretPatterns() []secretPattern {
	groups := []struct {
		category string
		patterns []string
	}{
		{
			// Credentials the runner CLIs themselves authenticate with.
			category: "agent-cli-key",
			patterns: []string{
				`sk-ant-[a-zA-Z0-9-]{40,}`, // Anthropic (claudecli runner)
				`sk-[A-Za-z0-9]{20,}`,      // OpenAI-compatible runners
				`AIza[a-zA-Z0-9_-]{35}`,    // Google AI
			},
		},
		{
			// Tokens a role might use to push a job's worktree or open a PR.
			category: "vcs-token",
			patterns: []string{
				`ghp_[A-Za-z0-9]{36}`,
				`gho_[A-Za-z0-9]{36}`,
				`ghu_[A-Za-z0-9]{36}`,
				`ghs_[A-Za-z0-9]{36}`,
			},
		},
		{
			// Cloud/chat credentials a role's shell commands could echo from
			// the target repo's own environment or config files.
			category: "third-party-credential",
			patterns: []string{
				`AKIA[0-9A-Z]{16}`,
				`(?i)aws[_-]?secret[_-]?access[_-]?key["'\s:=]+[A-Za-z0-9/+=]{40}`,
				`xox[baprs]-[0-9a-zA-Z-]{10,}`,
			},
		},
		{
			// Generic key=value shapes that don't identify a specific vendor.
			category: "generic-secret",
			patterns: []string{
				`(?i)bearer\s+[a-zA-Z0-9._-]{20,}`,
				`(?i)api[_-]?key["'\s:=]+[a-zA-Z0-9_-]{20,}`,
				`(?i)secret["'\s:=]+[a-zA-Z0-9_-]{20,}`,
				`(?i)password["'\s:=]+[^\s"']{8,}`,
				`(?i)token["'\s:=]+[a-zA-Z0-9_-]{20,}`,
			},
		},
	}

	var compiled []secretPattern
	for _, g := range groups {
		for _, p := range g.patterns {
			compiled = append(compiled, secretPattern{category: g.category, re: regexp.MustCompile(p)})
		}
	}
	return compiled
}

// Sanitize redacts sensitive information from a string.
func (s *Sanitizer) Sanitize(input string) string {
	result := input
	for _, p := range s.patterns {
		result = p.re.ReplaceAllString(result, s.redacted)
	}
	return result
}

// SanitizeMap redacts values in a map.
func (s *Sanitizer) SanitizeMap(m map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{})
	for k, v := range m {
		switch val := v.(type) {
		case string:
			result[k] = s.Sanitize(val)
		case map[string]interface{}:
			result[k] = s.SanitizeMap(val)
		default:
			result[k] = v
		}
	}
	return result
}

// AddPattern adds a custom pattern, tagged under a "custom" category.
func (s *Sanitizer) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	s.patterns = append(s.patterns, secretPattern{category: "custom", re: re})
	return nil
}

// SetRedactedPlaceholder sets the placeholder text for redacted content.
func (s *Sanitizer) SetRedactedPlaceholder(placeholder string) {
	s.redacted = placeholder
}
