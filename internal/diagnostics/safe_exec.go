package diagnostics

import (
	"fmt"
	"os"
	"os/exec"
)

// PreflightResult reports whether a runner binary is safe to spawn.
type PreflightResult struct {
	OK     bool
	Errors []string
}

// CheckBinary resolves path the same way exec.Command would (through
// $PATH for a bare command name, directly for anything containing a
// path separator) and confirms the result exists, is not a directory,
// and carries an executable bit for someone.
func CheckBinary(path string) PreflightResult {
	if path == "" {
		return PreflightResult{Errors: []string{"runner binary path is empty"}}
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return PreflightResult{Errors: []string{fmt.Sprintf("runner binary %q: %v", path, err)}}
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return PreflightResult{Errors: []string{fmt.Sprintf("runner binary %q: %v", path, err)}}
	}
	if info.IsDir() {
		return PreflightResult{Errors: []string{fmt.Sprintf("runner binary %q is a directory", path)}}
	}
	if info.Mode()&0o111 == 0 {
		return PreflightResult{Errors: []string{fmt.Sprintf("runner binary %q is not executable", path)}}
	}
	return PreflightResult{OK: true}
}
