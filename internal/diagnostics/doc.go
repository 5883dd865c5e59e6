// Package diagnostics wraps agent subprocess spawns with two purely
// diagnostic concerns: a preflight check that the configured runner
// binary actually exists and is executable, and a kill-dump writer that
// captures a session's last captured output lines when the Job Manager
// forces it to stop after a budget or inactivity timeout. Neither changes
// control flow; both exist to make a post-mortem possible.
package diagnostics
