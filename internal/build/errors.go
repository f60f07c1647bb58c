package build

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStepFailed is returned by a step that failed in an expected way.
	ErrStepFailed = errors.New("step failed")

	ErrLockClaimedByStepAndBuild = errors.New("lock claimed by both step and build")
	ErrNoLockRegistry            = errors.New("locks configured but no lock registry")
)

// WorkerTooOldError means the worker lacks a command a step depends on.
type WorkerTooOldError struct {
	Command string
	Need    string
	Have    string
}

func (e *WorkerTooOldError) Error() string {
	switch {
	case e.Have == "":
		return fmt.Sprintf("worker does not have the %q command; upgrade the worker", e.Command)
	case e.Need != "":
		return fmt.Sprintf("worker has %s %s, need %s; upgrade the worker", e.Command, e.Have, e.Need)
	default:
		return fmt.Sprintf("worker %s command is too old (%s)", e.Command, e.Have)
	}
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

// errorReport renders err and everything it wraps, plus a stack when err
// came from a recovered panic.
func errorReport(err error) string {
	var b strings.Builder
	depth := 0
	for e := err; e != nil; e = errors.Unwrap(e) {
		fmt.Fprintf(&b, "%s%s\n", strings.Repeat("  ", depth), e.Error())
		depth++
	}
	var pe *panicError
	if errors.As(err, &pe) && len(pe.stack) > 0 {
		b.WriteString("\n")
		b.Write(pe.stack)
	}
	return b.String()
}
