// Package claudecli adapts the generic process runner to a claude-shaped
// CLI binary: model selection, reasoning-effort env var, workspace-scoping
// flags, and a per-role permissions overlay file. It is one concrete
// vendor binding behind the C6 Runner interface; spec.md deliberately
// keeps this wire format out of the core engine.
package claudecli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nibbler-dev/nibbler/internal/adapters/runner/process"
	"github.com/nibbler-dev/nibbler/internal/logging"
	"github.com/nibbler-dev/nibbler/internal/runner"
)

// Config shapes the claude CLI invocation.
type Config struct {
	// Path is the claude binary; defaults to "claude".
	Path string
	// Model is passed via --model.
	Model string
	// EffortLevel sets CLAUDE_CODE_EFFORT_LEVEL for the child process.
	EffortLevel string
	// AddDirs are extra workspace roots passed via --add-dir, beyond the
	// session's own workspacePath.
	AddDirs []string
}

// PermissionsOverlay is the shape of the per-role permissions file written
// alongside the workspace before a session starts: it tells the CLI which
// paths the role may touch without prompting, mirroring the contract's
// effective scope so the agent doesn't waste a turn asking.
type PermissionsOverlay struct {
	AllowedPaths []string `json:"allowedPaths"`
	DeniedPaths  []string `json:"deniedPaths,omitempty"`
}

// Adapter is the claude-CLI-flavored Runner.
type Adapter struct {
	inner *process.Adapter
	cfg   Config
}

// New creates a claudecli Adapter.
func New(cfg Config, logger *logging.Logger) *Adapter {
	path := cfg.Path
	if path == "" {
		path = "claude"
	}
	inner := process.New(process.Config{
		Path: path,
		Args: []string{"--print", "--output-format", "stream-json", "--dangerously-skip-permissions"},
	}, logger)
	return &Adapter{inner: inner, cfg: cfg}
}

// WritePermissionsOverlay writes the role's allowed/denied paths as JSON
// into configDir, for the claude binary's own permission-prompt-skip
// resolution; it is the adapter's answer to spec.md's generic
// "configDir" spawn parameter.
func WritePermissionsOverlay(configDir string, overlay PermissionsOverlay) error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("creating permissions overlay dir: %w", err)
	}
	data, err := json.MarshalIndent(overlay, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling permissions overlay: %w", err)
	}
	return os.WriteFile(filepath.Join(configDir, "permissions.json"), data, 0o644)
}

// overlayPath is the fixed filename WritePermissionsOverlay writes and
// ClearPermissionsOverlay removes.
func overlayPath(configDir string) string {
	return filepath.Join(configDir, "permissions.json")
}

// ClearPermissionsOverlay removes a previously written overlay file, if
// any. A missing file is not an error: the overlay may never have been
// written for this config directory before.
func ClearPermissionsOverlay(configDir string) error {
	err := os.Remove(overlayPath(configDir))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clearing permissions overlay: %w", err)
	}
	return nil
}

// OverlayWriter adapts the package-level overlay functions to
// internal/session's PermissionsWriter interface.
type OverlayWriter struct{}

// WriteOverlay implements session.PermissionsWriter.
func (OverlayWriter) WriteOverlay(configDir string, allowedPaths, deniedPaths []string) error {
	return WritePermissionsOverlay(configDir, PermissionsOverlay{AllowedPaths: allowedPaths, DeniedPaths: deniedPaths})
}

// ClearOverlay implements session.PermissionsWriter.
func (OverlayWriter) ClearOverlay(configDir string) error {
	return ClearPermissionsOverlay(configDir)
}

// Capabilities reports claude CLI's support: interactive stdin prompting,
// a permissions overlay, and streaming JSON events.
func (a *Adapter) Capabilities() runner.Capabilities {
	return runner.Capabilities{Interactive: true, Permissions: true, StreamJSON: true}
}

// Spawn starts the claude binary with model/effort/workspace-scoping flags
// layered onto the generic process adapter's spawn.
func (a *Adapter) Spawn(ctx context.Context, workspacePath string, envVars map[string]string, configDir string, opts runner.SpawnOptions) (*runner.SessionHandle, error) {
	extraArgs := []string{}
	if a.cfg.Model != "" {
		extraArgs = append(extraArgs, "--model", a.cfg.Model)
	}
	for _, dir := range a.cfg.AddDirs {
		extraArgs = append(extraArgs, "--add-dir", dir)
	}
	if configDir != "" {
		extraArgs = append(extraArgs, "--add-dir", configDir)
	}

	env := map[string]string{}
	for k, v := range envVars {
		env[k] = v
	}
	if a.cfg.EffortLevel != "" {
		env["CLAUDE_CODE_EFFORT_LEVEL"] = a.cfg.EffortLevel
	}

	return a.inner.SpawnWithArgs(ctx, workspacePath, env, configDir, opts, extraArgs)
}

// Send delegates to the underlying process session.
func (a *Adapter) Send(handle *runner.SessionHandle, promptText string) error {
	return a.inner.Send(handle, promptText)
}

// ReadEvents delegates to the underlying process session.
func (a *Adapter) ReadEvents(handle *runner.SessionHandle) (<-chan runner.Event, error) {
	return a.inner.ReadEvents(handle)
}

// IsAlive delegates to the underlying process session.
func (a *Adapter) IsAlive(handle *runner.SessionHandle) bool {
	return a.inner.IsAlive(handle)
}

// Stop delegates to the underlying process session.
func (a *Adapter) Stop(handle *runner.SessionHandle) error {
	return a.inner.Stop(handle)
}

var _ runner.Runner = (*Adapter)(nil)
