// Package runner defines the abstraction a Session Controller uses to
// spawn, drive, and observe an agent CLI process, independent of which
// concrete agent binary is behind it.
package runner

import (
	"context"
	"time"
)

// Capabilities describes what a runner implementation supports, so the
// Session Controller can pick the right interaction model.
type Capabilities struct {
	Interactive bool
	Permissions bool
	StreamJSON  bool
}

// SpawnMode selects the agent's task framing for this session.
type SpawnMode string

const (
	ModeNormal SpawnMode = "normal"
	ModePlan   SpawnMode = "plan"
)

// TaskType further narrows what the spawned agent is meant to do.
type TaskType string

const (
	TaskPlan    TaskType = "plan"
	TaskExecute TaskType = "execute"
)

// SpawnOptions configures a single session spawn.
type SpawnOptions struct {
	Mode        SpawnMode
	Interactive bool
	TaskType    TaskType
}

// SessionHandle identifies a live or finished runner session.
type SessionHandle struct {
	ID             string
	PID            int
	StartedAt      time.Time
	LastActivityAt time.Time
	ExitCode       *int
	Signal         string
}

// Runner spawns and drives one agent CLI process per session.
type Runner interface {
	Capabilities() Capabilities
	Spawn(ctx context.Context, workspacePath string, envVars map[string]string, configDir string, opts SpawnOptions) (*SessionHandle, error)
	Send(handle *SessionHandle, promptText string) error
	ReadEvents(handle *SessionHandle) (<-chan Event, error)
	IsAlive(handle *SessionHandle) bool
	Stop(handle *SessionHandle) error
}
