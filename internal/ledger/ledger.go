// Package ledger implements the append-only JSON-lines event history for a
// job. Every decision that affects retry, resume, or reporting must be
// reconstructable by replaying a job's ledger.
package ledger

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nibbler-dev/nibbler/internal/core"
)

// Entry is one line of the ledger: a timestamped, typed, opaque record.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
}

// Well-known ledger entry types. The job manager appends these at the
// points spec.md §4.11/§4.12 call out; other components append their own
// supporting types (e.g. "scope_violation", "gate_decision").
const (
	TypeJobStarted         = "job_started"
	TypeJobCompleted       = "job_completed"
	TypeJobFailed          = "job_failed"
	TypeJobBudgetExceeded  = "job_budget_exceeded"
	TypeJobCancelled       = "job_cancelled"
	TypePhaseEntered       = "phase_entered"
	TypePhaseCompleted     = "phase_completed"
	TypeSessionStarted     = "session_started"
	TypeSessionEnded       = "session_ended"
	TypeScopeResult        = "scope_result"
	TypeCompletionResult   = "completion_result"
	TypeCommit             = "commit"
	TypeRevert             = "revert"
	TypeGateOpened         = "gate_opened"
	TypeGateDecision       = "gate_decision"
	TypeEscalation         = "escalation"
	TypeScopeOverride      = "scope_override"
	TypeDelegationPlan     = "delegation_plan"
)

// terminalTypes are the job-terminal event types referenced by spec.md's
// JobState lifecycle description.
var terminalTypes = map[string]bool{
	TypeJobCompleted:      true,
	TypeJobFailed:         true,
	TypeJobBudgetExceeded: true,
	TypeJobCancelled:      true,
}

// IsTerminalType reports whether t is one of the four job terminators.
func IsTerminalType(t string) bool {
	return terminalTypes[t]
}

// Ledger appends and reads the JSON-lines event log for a single job.
// Safe for concurrent use by multiple goroutines within one process; it
// does not coordinate across processes beyond O_APPEND's atomicity for
// writes smaller than the OS pipe buffer, which every ledger line is.
type Ledger struct {
	path string
	mu   sync.Mutex
}

// Open returns a Ledger backed by path, creating the parent directory and
// an empty file if neither exists yet.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, core.ErrState(core.CodeContractInvalid, "creating ledger directory").WithCause(err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, core.ErrState("LEDGER_OPEN_FAILED", "opening ledger file").WithCause(err)
	}
	f.Close()
	return &Ledger{path: path}, nil
}

// Path returns the ledger's backing file path.
func (l *Ledger) Path() string {
	return l.path
}

// Append writes one record, stamped with the current time, as a single
// JSON line. Concurrent appends within this process are serialized by mu;
// each write is issued with O_APPEND so cross-process appenders never
// interleave partial lines.
func (l *Ledger) Append(entryType string, data map[string]any) error {
	return l.appendAt(time.Now().UTC(), entryType, data)
}

func (l *Ledger) appendAt(ts time.Time, entryType string, data map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{Timestamp: ts, Type: entryType, Data: data}
	line, err := json.Marshal(entry)
	if err != nil {
		return core.ErrState("LEDGER_ENCODE_FAILED", "encoding ledger entry").WithCause(err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return core.ErrState("LEDGER_APPEND_FAILED", "opening ledger for append").WithCause(err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return core.ErrState("LEDGER_APPEND_FAILED", "writing ledger entry").WithCause(err)
	}
	return f.Sync()
}

// ReadAll parses every line of the ledger in order, silently skipping
// malformed lines (a corrupt trailing write from a killed process should
// not make the rest of the history unreadable).
func (l *Ledger) ReadAll() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, core.ErrState("LEDGER_READ_FAILED", "opening ledger for read").WithCause(err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return entries, core.ErrState("LEDGER_READ_FAILED", "scanning ledger").WithCause(err)
	}
	return entries, nil
}

// FindByType returns every entry matching entryType, in append order.
func (l *Ledger) FindByType(entryType string) ([]Entry, error) {
	all, err := l.ReadAll()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		if e.Type == entryType {
			out = append(out, e)
		}
	}
	return out, nil
}

// Last returns the most recently appended entry, or false if the ledger
// is empty.
func (l *Ledger) Last() (Entry, bool, error) {
	all, err := l.ReadAll()
	if err != nil {
		return Entry{}, false, err
	}
	if len(all) == 0 {
		return Entry{}, false, nil
	}
	return all[len(all)-1], true, nil
}

// PathForJob returns the conventional ledger file path for a job rooted
// under repoRoot, per spec.md §6's ".nibbler/jobs/<id>/ledger.jsonl" layout.
func PathForJob(repoRoot string, jobID core.JobID) string {
	return filepath.Join(repoRoot, ".nibbler", "jobs", string(jobID), "ledger.jsonl")
}
