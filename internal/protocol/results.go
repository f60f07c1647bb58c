package protocol

import (
	"fmt"
	"strings"
)

// Result is the outcome of a step or a build.
type Result int

const (
	Success Result = iota
	Warnings
	Failure
	Skipped
	Exception
	Retry
	Cancelled
)

var resultNames = map[Result]string{
	Success:   "success",
	Warnings:  "warnings",
	Failure:   "failure",
	Skipped:   "skipped",
	Exception: "exception",
	Retry:     "retry",
	Cancelled: "cancelled",
}

// severity orders results for folding. Skipped ranks below Success so that
// a skipped step never changes an otherwise successful build.
var severity = map[Result]int{
	Skipped:   0,
	Success:   1,
	Warnings:  2,
	Failure:   3,
	Retry:     4,
	Exception: 5,
	Cancelled: 6,
}

func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// Text is the short human readable summary used for build and step status.
func (r Result) Text() string {
	switch r {
	case Success:
		return "build successful"
	case Warnings:
		return "warnings"
	case Failure:
		return "failed"
	case Skipped:
		return "skipped"
	case Exception:
		return "exception"
	case Retry:
		return "retry"
	case Cancelled:
		return "cancelled"
	default:
		return r.String()
	}
}

func (r Result) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Result) UnmarshalText(b []byte) error {
	v, err := ParseResult(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

func ParseResult(s string) (Result, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	for r, name := range resultNames {
		if name == norm {
			return r, nil
		}
	}
	return Success, fmt.Errorf("unknown result %q", s)
}

// Worse reports whether a is strictly more severe than b.
func Worse(a, b Result) bool {
	return severity[a] > severity[b]
}

// WorstResult returns the more severe of a and b.
func WorstResult(a, b Result) Result {
	if Worse(b, a) {
		return b
	}
	return a
}

func IsTerminalFailure(r Result) bool {
	switch r {
	case Exception, Retry, Cancelled:
		return true
	default:
		return false
	}
}
