package diagnostics

import (
	"fmt"
	"time"

	"github.com/nibbler-dev/nibbler/internal/core"
)

// recorder is the subset of evidence.Collector a KillDumpWriter needs,
// narrowed to a local interface so tests don't have to stand up a real
// evidence root.
type recorder interface {
	Record(kind, role, name string, v any) (string, error)
}

// KillDump is the post-mortem record written when the Job Manager forces
// a session to stop after a budget or inactivity timeout: it captures
// the session's most recently observed output so an operator can see
// what it was doing when it was killed.
type KillDump struct {
	Role      string    `json:"role"`
	Attempt   int       `json:"attempt"`
	Reason    string    `json:"reason"`
	KilledAt  time.Time `json:"killed_at"`
	LastLines []string  `json:"last_lines,omitempty"`
}

// KillDumpWriter writes KillDump records into a job's evidence tree.
type KillDumpWriter struct {
	evidence recorder
	maxLines int
}

// DefaultMaxLines is the tail length retained when a caller doesn't
// configure one, matching config.DiagnosticsConfig.KillDump.MaxLines's
// default.
const DefaultMaxLines = 200

// NewKillDumpWriter returns a KillDumpWriter recording through evidence.
// A non-positive maxLines falls back to DefaultMaxLines.
func NewKillDumpWriter(evidence recorder, maxLines int) *KillDumpWriter {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	return &KillDumpWriter{evidence: evidence, maxLines: maxLines}
}

// Write records a kill dump for role's attempt, truncating lines to the
// writer's configured tail length, and returns the evidence-relative path
// written (evidence/sessions/<role>-<attempt>-killdump.json).
func (w *KillDumpWriter) Write(role string, attempt int, reason string, lines []string) (string, error) {
	if w == nil || w.evidence == nil {
		return "", nil
	}
	if len(lines) > w.maxLines {
		lines = lines[len(lines)-w.maxLines:]
	}
	dump := KillDump{
		Role:      role,
		Attempt:   attempt,
		Reason:    reason,
		KilledAt:  time.Now().UTC(),
		LastLines: lines,
	}
	path, err := w.evidence.Record("sessions", role, fmt.Sprintf("%d-killdump", attempt), dump)
	if err != nil {
		return "", core.ErrState("KILLDUMP_WRITE_FAILED", "writing kill dump").WithCause(err)
	}
	return path, nil
}
