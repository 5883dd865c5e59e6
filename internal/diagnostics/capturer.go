package diagnostics

import "github.com/nibbler-dev/nibbler/internal/runner"

// LineCapturer is implemented by a runner.Runner that retains a tail of
// a session's captured output. The Job Manager type-asserts for it when
// writing a kill dump; a runner that doesn't implement it simply yields
// an empty kill dump rather than failing.
type LineCapturer interface {
	RecentLines(handle *runner.SessionHandle) []string
}
