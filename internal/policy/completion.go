package policy

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/nibbler-dev/nibbler/internal/contract"
	"github.com/nibbler-dev/nibbler/internal/core"
	"github.com/nibbler-dev/nibbler/internal/delegation"
	"github.com/nibbler-dev/nibbler/internal/gitadapter"
)

// CriterionOutcome is the per-criterion record kept for evidence and for
// the "repeated completion failure" retry-policy comparison.
type CriterionOutcome struct {
	Kind     string `json:"kind"`
	Passed   bool   `json:"passed"`
	Message  string `json:"message,omitempty"`
	Deferred bool   `json:"deferred,omitempty"`
}

// CompletionResult is the outcome of verifying every completion criterion
// of a phase for one role's attempt.
type CompletionResult struct {
	Passed         bool               `json:"passed"`
	Outcomes       []CriterionOutcome `json:"outcomes"`
	FailedCriteria []string           `json:"failed_criteria,omitempty"`
}

// CompletionRequest carries everything a criterion needs to evaluate
// itself: the job/role identity, both filesystem roots (the job's
// worktree and the original repo, since artifact_exists searches both),
// the attempt's diff, and any tasks delegated to this role.
type CompletionRequest struct {
	JobID          core.JobID
	Role           core.RoleID
	Contract       *contract.Contract
	WorktreePath   string
	RepoRoot       string
	Diff           *gitadapter.DiffResult
	DelegatedTasks []delegation.Task
	PlanningMode   bool
}

// VerifyCompletion evaluates every completion criterion of phase in
// order; the overall result passes iff every criterion passes (deferred
// criteria count as passing).
func VerifyCompletion(ctx context.Context, phase contract.Phase, req CompletionRequest) CompletionResult {
	result := CompletionResult{Passed: true}
	for _, criterion := range phase.CompletionCriteria {
		outcome := evaluateCriterion(ctx, criterion, req)
		result.Outcomes = append(result.Outcomes, outcome)
		if !outcome.Passed {
			result.Passed = false
			result.FailedCriteria = append(result.FailedCriteria, outcome.Kind)
		}
	}
	return result
}

func evaluateCriterion(ctx context.Context, criterion contract.CompletionCriterion, req CompletionRequest) CriterionOutcome {
	if cmdText, ok := commandText(criterion); ok {
		if deferred, msg := deferIfOutOfRoleScope(cmdText, req); deferred {
			return CriterionOutcome{Kind: criterion.Kind, Passed: true, Deferred: true, Message: msg}
		}
	}

	switch criterion.Kind {
	case "artifact_exists":
		return checkArtifactExists(criterion, req)
	case "markdown_has_headings":
		return checkMarkdownHasHeadings(criterion, req)
	case "command_succeeds":
		return checkCommand(ctx, criterion, req, true)
	case "command_fails":
		return checkCommand(ctx, criterion, req, false)
	case "diff_non_empty":
		return checkDiffNonEmpty(req)
	case "delegation_coverage":
		return checkDelegationCoverage(criterion, req)
	case "diff_within_budget":
		return checkDiffWithinBudget(criterion, req)
	case "local_http_smoke":
		return checkLocalHTTPSmoke(ctx, criterion, req)
	case "custom":
		return checkCustom(ctx, criterion, req)
	default:
		return CriterionOutcome{Kind: criterion.Kind, Passed: false, Message: "unknown criterion kind"}
	}
}

// commandText extracts the "command"/"script" param from criteria that
// carry a shell command, for the role-scope-deferral check.
func commandText(c contract.CompletionCriterion) (string, bool) {
	switch c.Kind {
	case "command_succeeds", "command_fails":
		if cmd, ok := c.Params["command"].(string); ok {
			return cmd, true
		}
	case "custom":
		if script, ok := c.Params["script"].(string); ok {
			return script, true
		}
	}
	return "", false
}

var pathTokenPattern = regexp.MustCompile(`[./\w-]+/[./\w-]+`)

// deferIfOutOfRoleScope implements spec.md §4.5's role-scope deferral: if
// every path-like token referenced in a criterion's command lies outside
// the role's effective writable set and its delegated scope hints, the
// role cannot be judged on those files and the criterion defers to pass.
func deferIfOutOfRoleScope(cmdText string, req CompletionRequest) (bool, string) {
	tokens := pathTokenPattern.FindAllString(cmdText, -1)
	if len(tokens) == 0 {
		return false, ""
	}
	effective := req.Contract.EffectiveScopeFor(req.Role)
	var hints []string
	for _, t := range req.DelegatedTasks {
		hints = append(hints, t.ScopeHints...)
	}
	for _, tok := range tokens {
		if core.MatchAny(effective, tok) || core.MatchAny(hints, tok) {
			return false, ""
		}
	}
	return true, fmt.Sprintf("deferred: criterion references paths outside role %q's effective scope", req.Role)
}

func substituteJobID(pattern string, jobID core.JobID) string {
	return strings.ReplaceAll(pattern, "<id>", string(jobID))
}

// searchRoots returns the filesystem roots to check, in priority order,
// for artifact_exists: the planning staging locations first (when in
// planning mode), then the worktree and repo roots.
func (r CompletionRequest) searchRoots() []string {
	var roots []string
	if r.PlanningMode {
		roots = append(roots,
			filepath.Join(r.WorktreePath, ".nibbler-staging", "plan", string(r.JobID)),
			filepath.Join(r.RepoRoot, ".nibbler", "jobs", string(r.JobID), "plan"),
		)
	}
	roots = append(roots, r.WorktreePath, r.RepoRoot)
	return roots
}

func checkArtifactExists(c contract.CompletionCriterion, req CompletionRequest) CriterionOutcome {
	pattern, _ := c.Params["pattern"].(string)
	pattern = substituteJobID(pattern, req.JobID)

	for _, root := range req.searchRoots() {
		matches, _ := filepath.Glob(filepath.Join(root, pattern))
		if len(matches) > 0 {
			return CriterionOutcome{Kind: c.Kind, Passed: true, Message: matches[0]}
		}
	}
	return CriterionOutcome{Kind: c.Kind, Passed: false, Message: fmt.Sprintf("no artifact matching %q found under any search root", pattern)}
}

var headingPattern = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)

func checkMarkdownHasHeadings(c contract.CompletionCriterion, req CompletionRequest) CriterionOutcome {
	path, _ := c.Params["path"].(string)
	path = substituteJobID(path, req.JobID)
	required, _ := c.Params["requiredHeadings"].([]any)
	minChars, _ := c.Params["minChars"].(int)

	var content string
	found := false
	for _, root := range req.searchRoots() {
		data, err := os.ReadFile(filepath.Join(root, path))
		if err == nil {
			content = string(data)
			found = true
			break
		}
	}
	if !found {
		return CriterionOutcome{Kind: c.Kind, Passed: false, Message: fmt.Sprintf("%s not found", path)}
	}
	if minChars > 0 && len(content) < minChars {
		return CriterionOutcome{Kind: c.Kind, Passed: false, Message: fmt.Sprintf("%s is %d chars, want >= %d", path, len(content), minChars)}
	}

	extracted := make([]string, 0)
	for _, m := range headingPattern.FindAllStringSubmatch(content, -1) {
		extracted = append(extracted, normalizeHeading(m[1]))
	}

	for _, reqHeading := range required {
		text, _ := reqHeading.(string)
		normReq := normalizeHeading(text)
		matched := false
		for _, h := range extracted {
			if h == normReq || strings.HasPrefix(h, normReq) {
				matched = true
				break
			}
		}
		if !matched {
			return CriterionOutcome{Kind: c.Kind, Passed: false, Message: fmt.Sprintf("missing required heading %q", text)}
		}
	}
	return CriterionOutcome{Kind: c.Kind, Passed: true}
}

// normalizeHeading applies NFKD decomposition, strips combining marks,
// lower-cases, and collapses non letter/digit runs to single spaces, per
// spec.md §4.5's heading-comparison rule.
func normalizeHeading(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))
	decomposed, _, err := transform.String(t, s)
	if err != nil {
		decomposed = s
	}
	decomposed = strings.ToLower(decomposed)

	var b strings.Builder
	lastWasSpace := true
	for _, r := range decomposed {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastWasSpace = false
		} else if !lastWasSpace {
			b.WriteRune(' ')
			lastWasSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

func checkCommand(ctx context.Context, c contract.CompletionCriterion, req CompletionRequest, wantSuccess bool) CriterionOutcome {
	cmdText, _ := c.Params["command"].(string)
	err := runShell(ctx, cmdText, req.WorktreePath, nil)
	passed := (err == nil) == wantSuccess
	msg := "ok"
	if err != nil {
		msg = err.Error()
	}
	return CriterionOutcome{Kind: c.Kind, Passed: passed, Message: msg}
}

func checkCustom(ctx context.Context, c contract.CompletionCriterion, req CompletionRequest) CriterionOutcome {
	script, _ := c.Params["script"].(string)
	err := runShell(ctx, script, req.WorktreePath, nil)
	if err != nil {
		return CriterionOutcome{Kind: c.Kind, Passed: false, Message: err.Error()}
	}
	return CriterionOutcome{Kind: c.Kind, Passed: true}
}

func checkDiffNonEmpty(req CompletionRequest) CriterionOutcome {
	if req.Diff != nil && req.Diff.NonEmpty() {
		return CriterionOutcome{Kind: "diff_non_empty", Passed: true}
	}
	return CriterionOutcome{Kind: "diff_non_empty", Passed: false, Message: "diff touched no files"}
}

func checkDiffWithinBudget(c contract.CompletionCriterion, req CompletionRequest) CriterionOutcome {
	maxFiles, _ := c.Params["maxFiles"].(int)
	maxLines, _ := c.Params["maxLines"].(int)
	if req.Diff == nil {
		return CriterionOutcome{Kind: c.Kind, Passed: true}
	}
	if maxFiles > 0 && req.Diff.Summary.FilesChanged > maxFiles {
		return CriterionOutcome{Kind: c.Kind, Passed: false, Message: fmt.Sprintf("%d files changed, budget %d", req.Diff.Summary.FilesChanged, maxFiles)}
	}
	lines := req.Diff.Summary.Additions + req.Diff.Summary.Deletions
	if maxLines > 0 && lines > maxLines {
		return CriterionOutcome{Kind: c.Kind, Passed: false, Message: fmt.Sprintf("%d lines changed, budget %d", lines, maxLines)}
	}
	return CriterionOutcome{Kind: c.Kind, Passed: true}
}

func checkDelegationCoverage(c contract.CompletionCriterion, req CompletionRequest) CriterionOutcome {
	requireAll := true
	if v, ok := c.Params["requireAllTasks"].(bool); ok {
		requireAll = v
	}
	requireHints := true
	if v, ok := c.Params["requireScopeHints"].(bool); ok {
		requireHints = v
	}

	changed := []string{}
	if req.Diff != nil {
		changed = req.Diff.Paths()
	}

	var uncovered []string
	for _, task := range req.DelegatedTasks {
		if requireHints && len(task.ScopeHints) == 0 {
			uncovered = append(uncovered, string(task.TaskID))
			continue
		}
		covered := false
		for _, p := range changed {
			if core.MatchAny(task.ScopeHints, p) {
				covered = true
				break
			}
		}
		if !covered {
			covered = preexistingFileMatches(req.WorktreePath, task.ScopeHints)
		}
		if !covered {
			uncovered = append(uncovered, string(task.TaskID))
		}
	}

	if requireAll && len(uncovered) > 0 {
		return CriterionOutcome{Kind: c.Kind, Passed: false, Message: fmt.Sprintf("uncovered tasks: %s", strings.Join(uncovered, ", "))}
	}
	return CriterionOutcome{Kind: c.Kind, Passed: true}
}

// preexistingFileMatches is the lenient "already implemented" fallback:
// a task counts as covered if some file matching its scope hints already
// exists in the workspace, even if this attempt didn't touch it.
func preexistingFileMatches(workspace string, hints []string) bool {
	for _, hint := range hints {
		matches, _ := filepath.Glob(filepath.Join(workspace, hint))
		if len(matches) > 0 {
			return true
		}
	}
	return false
}

var fatalLogPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)cannot find module`),
	regexp.MustCompile(`(?i)module not found`),
	regexp.MustCompile(`(?i)cannot resolve`),
	regexp.MustCompile(`(?i)ENOENT`),
}

var urlCandidatePattern = regexp.MustCompile(`https?://(?:localhost|127\.0\.0\.1|\[::1\]):\d+[^\s"']*`)

func checkLocalHTTPSmoke(ctx context.Context, c contract.CompletionCriterion, req CompletionRequest) CriterionOutcome {
	startCommand, _ := c.Params["startCommand"].(string)
	url, _ := c.Params["url"].(string)
	timeoutMs, _ := c.Params["timeoutMs"].(int)
	requestTimeoutMs, _ := c.Params["requestTimeoutMs"].(int)
	if timeoutMs <= 0 {
		timeoutMs = 15_000
	}
	if requestTimeoutMs <= 0 {
		requestTimeoutMs = 2_000
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", startCommand)
	cmd.Dir = req.WorktreePath
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	var logBuf strings.Builder
	stdout, _ := cmd.StdoutPipe()
	stderr, _ := cmd.StderrPipe()
	if err := cmd.Start(); err != nil {
		return CriterionOutcome{Kind: c.Kind, Passed: false, Message: fmt.Sprintf("starting command: %v", err)}
	}
	defer killProcessGroup(cmd)

	done := make(chan struct{})
	go streamToBuilder(stdout, &logBuf, done)
	go streamToBuilder(stderr, &logBuf, done)

	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	candidates := []string{url}
	client := &http.Client{Timeout: time.Duration(requestTimeoutMs) * time.Millisecond}

	for time.Now().Before(deadline) {
		candidates = append(candidates, urlCandidatePattern.FindAllString(logBuf.String(), -1)...)
		for _, candidate := range dedupe(candidates) {
			if candidate == "" {
				continue
			}
			resp, err := client.Get(candidate)
			if err != nil {
				continue
			}
			status := resp.StatusCode
			resp.Body.Close()
			if status >= 200 && status < 400 {
				time.Sleep(500 * time.Millisecond) // settle
				if fatal := firstFatalMatch(logBuf.String()); fatal != "" {
					return CriterionOutcome{Kind: c.Kind, Passed: false, Message: fmt.Sprintf("fatal log pattern after successful probe: %s", fatal)}
				}
				return CriterionOutcome{Kind: c.Kind, Passed: true, Message: candidate}
			}
		}
		time.Sleep(250 * time.Millisecond)
	}
	return CriterionOutcome{Kind: c.Kind, Passed: false, Message: "no candidate URL answered within timeout"}
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func firstFatalMatch(log string) string {
	for _, pattern := range fatalLogPatterns {
		if pattern.MatchString(log) {
			return pattern.String()
		}
	}
	return ""
}

func streamToBuilder(r interface{ Read([]byte) (int, error) }, b *strings.Builder, done chan struct{}) {
	if r == nil {
		return
	}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		b.WriteString(scanner.Text())
		b.WriteByte('\n')
	}
	select {
	case done <- struct{}{}:
	default:
	}
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Kill()
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	time.Sleep(300 * time.Millisecond)
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}

// runShell runs command via "sh -c" rooted at dir, returning the command's
// error (nil on exit code 0) so callers can compare against the criterion's
// desired success/failure direction.
func runShell(ctx context.Context, command, dir string, env []string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	if env != nil {
		cmd.Env = env
	}
	return cmd.Run()
}
