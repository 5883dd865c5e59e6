package core

// JobID identifies a single job run, formatted "j-YYYYMMDD-NNN".
type JobID string

// RoleID identifies a role declared in a contract (e.g. "architect", "worker").
type RoleID string

// PhaseID identifies a phase declared in a contract (e.g. "planning", "execution").
type PhaseID string

// GateID identifies a gate declared in a contract.
type GateID string

// TaskID identifies a delegation-plan task.
type TaskID string

// EndPhase is the sentinel successor/outcome value meaning "terminate the job".
const EndPhase PhaseID = "__END__"

// JobMode is the entry point a job was started from.
type JobMode string

const (
	JobModeBuild  JobMode = "build"
	JobModeFix    JobMode = "fix"
	JobModeResume JobMode = "resume"
)

// JobLifecycleState is the coarse-grained state of a job.
type JobLifecycleState string

const (
	JobExecuting      JobLifecycleState = "executing"
	JobPaused         JobLifecycleState = "paused"
	JobCompleted      JobLifecycleState = "completed"
	JobFailed         JobLifecycleState = "failed"
	JobCancelled      JobLifecycleState = "cancelled"
	JobBudgetExceeded JobLifecycleState = "budget_exceeded"
)

// Outcome is the user-visible result of a job run, returned to the CLI.
type Outcome string

const (
	OutcomeOK             Outcome = "ok"
	OutcomeFailed         Outcome = "failed"
	OutcomeBudgetExceeded Outcome = "budget_exceeded"
	OutcomeEscalated      Outcome = "escalated"
	OutcomeCancelled      Outcome = "cancelled"
)

// Result is returned by every Job Manager entry point.
type Result struct {
	Outcome Outcome        `json:"outcome"`
	JobID   JobID          `json:"job_id"`
	Reason  string         `json:"reason,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}
