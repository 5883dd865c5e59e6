// Package session implements the C7 Session Controller: it starts an agent
// session through a runner.Runner adapter, waits for one of a small set of
// terminal outcomes, and stops a session idempotently. It is grounded on
// the suspension-point/outcome shape of internal/control/plane.go, adapted
// from a pause/resume control plane to a single-session wait loop.
package session

import (
	"context"
	"time"

	"github.com/nibbler-dev/nibbler/internal/contract"
	"github.com/nibbler-dev/nibbler/internal/core"
	"github.com/nibbler-dev/nibbler/internal/delegation"
	"github.com/nibbler-dev/nibbler/internal/runner"
)

// DefaultInactivityInterval is how long a session may go without producing
// any output before waitForCompletion reports inactive_timeout.
const DefaultInactivityInterval = 2 * time.Minute

// StartOptions carries the per-session parameters that vary by phase and
// role, as opposed to the role/job/contract identity arguments to
// startSession.
type StartOptions struct {
	Mode                  runner.SpawnMode
	DelegatedTasks        []delegation.Task
	ImplementationPlanRel string
	BootstrapPrompt       string
	WorkspacePath         string
	ConfigDir             string
	EnvVars               map[string]string
	SpawnOpts             runner.SpawnOptions
}

// PermissionsWriter installs and clears a vendor's permissions overlay for
// a role's config directory. claudecli.Adapter's WritePermissionsOverlay
// satisfies a wrapped form of this; runners without a permissions model
// (Capabilities().Permissions == false) get a no-op Controller field.
type PermissionsWriter interface {
	WriteOverlay(configDir string, allowedPaths, deniedPaths []string) error
	ClearOverlay(configDir string) error
}

// Controller drives one session's lifecycle on behalf of the Job Manager.
type Controller struct {
	Runner             runner.Runner
	Permissions        PermissionsWriter
	InactivityInterval time.Duration
}

// New creates a Controller. permissions may be nil if the runner has no
// permissions model to install.
func New(rnr runner.Runner, permissions PermissionsWriter) *Controller {
	return &Controller{Runner: rnr, Permissions: permissions, InactivityInterval: DefaultInactivityInterval}
}

// StartSession installs the role's permissions overlay, spawns via the
// runner using the role's config directory, and sends the bootstrap prompt
// as the session's first message.
func (c *Controller) StartSession(ctx context.Context, role contract.Role, contractRef *contract.Contract, opts StartOptions) (*runner.SessionHandle, error) {
	if c.Permissions != nil {
		if err := c.Permissions.ClearOverlay(opts.ConfigDir); err != nil {
			return nil, core.ErrRunner("OVERLAY_CLEAR_FAILED", "clearing stale permissions overlay").WithCause(err)
		}
		allowed := contractRef.EffectiveScopeFor(role.ID)
		if err := c.Permissions.WriteOverlay(opts.ConfigDir, allowed, nil); err != nil {
			return nil, core.ErrRunner("OVERLAY_WRITE_FAILED", "writing permissions overlay").WithCause(err)
		}
	}

	spawnOpts := opts.SpawnOpts
	spawnOpts.Mode = opts.Mode
	handle, err := c.Runner.Spawn(ctx, opts.WorkspacePath, opts.EnvVars, opts.ConfigDir, spawnOpts)
	if err != nil {
		return nil, err
	}

	if opts.BootstrapPrompt != "" {
		if err := c.Runner.Send(handle, opts.BootstrapPrompt); err != nil {
			return handle, err
		}
	}
	return handle, nil
}

// OutcomeKind tags which field of SessionOutcome is populated.
type OutcomeKind string

const (
	OutcomeEvent           OutcomeKind = "event"
	OutcomeProcessExit     OutcomeKind = "process_exit"
	OutcomeInactiveTimeout OutcomeKind = "inactive_timeout"
	OutcomeBudgetExceeded  OutcomeKind = "budget_exceeded"
)

// SessionOutcome is the sum type waitForCompletion resolves to.
type SessionOutcome struct {
	Kind     OutcomeKind
	Event    runner.Event
	ExitCode int
	Signal   string
}

// WaitCallbacks lets the caller observe heartbeats (every event or log
// line) without participating in the wait loop's control flow.
type WaitCallbacks struct {
	OnHeartbeat func(handle *runner.SessionHandle)
}

// terminalKinds are the only EventKinds that end waitForCompletion; QUESTION
// and QUESTIONS are heartbeat-only and surfaced through OnHeartbeat, since
// the Job Manager's phase loop has no notion of pausing mid-attempt to
// answer a question — escalation/gate handling covers that need instead.
var terminalKinds = map[runner.EventKind]bool{
	runner.EventPhaseComplete:   true,
	runner.EventNeedsEscalation: true,
	runner.EventException:      true,
}

// WaitForCompletion blocks until a terminal protocol event, process exit,
// inactivity timeout, or role budget is exceeded, whichever comes first.
func (c *Controller) WaitForCompletion(ctx context.Context, handle *runner.SessionHandle, roleBudget contract.Budget, cb WaitCallbacks) (SessionOutcome, error) {
	events, err := c.Runner.ReadEvents(handle)
	if err != nil {
		return SessionOutcome{}, err
	}

	inactivity := c.InactivityInterval
	if inactivity <= 0 {
		inactivity = DefaultInactivityInterval
	}

	var budgetDeadline <-chan time.Time
	if roleBudget.MaxTimeMs > 0 {
		timer := time.NewTimer(time.Duration(roleBudget.MaxTimeMs) * time.Millisecond)
		defer timer.Stop()
		budgetDeadline = timer.C
	}

	inactivityTimer := time.NewTimer(inactivity)
	defer inactivityTimer.Stop()

	heartbeat := func() {
		handle.LastActivityAt = time.Now()
		if !inactivityTimer.Stop() {
			select {
			case <-inactivityTimer.C:
			default:
			}
		}
		inactivityTimer.Reset(inactivity)
		if cb.OnHeartbeat != nil {
			cb.OnHeartbeat(handle)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return SessionOutcome{}, core.ErrCancelled("session wait cancelled")

		case ev, ok := <-events:
			if !ok {
				code := 0
				if handle.ExitCode != nil {
					code = *handle.ExitCode
				}
				return SessionOutcome{Kind: OutcomeProcessExit, ExitCode: code, Signal: handle.Signal}, nil
			}
			heartbeat()
			if terminalKinds[ev.Kind] {
				return SessionOutcome{Kind: OutcomeEvent, Event: ev}, nil
			}

		case <-budgetDeadline:
			return SessionOutcome{Kind: OutcomeBudgetExceeded}, nil

		case <-inactivityTimer.C:
			return SessionOutcome{Kind: OutcomeInactiveTimeout}, nil
		}
	}
}

// StopSession idempotently terminates the session and drains any remaining
// events, so callers never block on a channel nobody will close sooner.
func (c *Controller) StopSession(handle *runner.SessionHandle) error {
	err := c.Runner.Stop(handle)
	events, readErr := c.Runner.ReadEvents(handle)
	if readErr == nil {
		for range events {
		}
	}
	return err
}
