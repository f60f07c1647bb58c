package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/izzyreal/buildmaster/internal/build"
	"github.com/izzyreal/buildmaster/internal/protocol"
)

// Test is a shell command whose output is read as go test output, either
// verbose text or -json events.
type Test struct {
	ShellCommand
}

// TestCounts summarises one test run.
type TestCounts struct {
	Passed  int
	Failed  int
	Skipped int
	// FailedNames lists failing tests in the order they were reported.
	FailedNames []string
}

func (c TestCounts) Total() int { return c.Passed + c.Failed + c.Skipped }

type goTestEvent struct {
	Action string `json:"Action"`
	Test   string `json:"Test"`
}

var goTestResultRE = regexp.MustCompile(`^\s*--- (PASS|FAIL|SKIP): (\S+)`)

// ParseTestOutput counts the test results found in lines.
func ParseTestOutput(lines []string) TestCounts {
	var counts TestCounts
	record := func(action, name string) {
		switch action {
		case "pass":
			counts.Passed++
		case "fail":
			counts.Failed++
			counts.FailedNames = append(counts.FailedNames, name)
		case "skip":
			counts.Skipped++
		}
	}
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "{") {
			var ev goTestEvent
			if err := json.Unmarshal([]byte(trimmed), &ev); err == nil {
				if ev.Test != "" {
					record(ev.Action, ev.Test)
				}
				continue
			}
		}
		if m := goTestResultRE.FindStringSubmatch(line); m != nil {
			record(strings.ToLower(m[1]), m[2])
		}
	}
	return counts
}

func (t *Test) Describe(done bool) []string {
	if text := t.ShellCommand.Describe(done); len(text) > 0 {
		return text
	}
	if done {
		return []string{"test"}
	}
	return []string{"testing"}
}

func (t *Test) Start(ctx context.Context, bs *build.BuildStep) (protocol.Result, error) {
	t.captureOutput = true
	result, err := t.ShellCommand.Start(ctx, bs)
	if err != nil {
		return result, err
	}

	counts := ParseTestOutput(t.output.Lines())
	bs.SetProperty("tests-total", strconv.Itoa(counts.Total()))
	bs.SetProperty("tests-passed", strconv.Itoa(counts.Passed))
	bs.SetProperty("tests-failed", strconv.Itoa(counts.Failed))
	bs.SetProperty("tests-skipped", strconv.Itoa(counts.Skipped))
	if counts.Failed > 0 {
		bs.AddCompleteLog("failed-tests", strings.Join(counts.FailedNames, "\n")+"\n")
		if result == protocol.Success || result == protocol.Warnings {
			result = protocol.Failure
		}
	}

	text := append([]string(nil), t.Describe(true)...)
	if counts.Total() == 0 {
		text = append(text, "no test results")
	} else {
		text = append(text, fmt.Sprintf("%d tests", counts.Total()), fmt.Sprintf("%d passed", counts.Passed))
		if counts.Failed > 0 {
			text = append(text, fmt.Sprintf("%d failed", counts.Failed))
		}
		if counts.Skipped > 0 {
			text = append(text, fmt.Sprintf("%d skipped", counts.Skipped))
		}
	}
	if result == protocol.Failure && counts.Failed == 0 {
		text = append(text, "failed")
	}
	bs.SetText(text...)
	if counts.Failed > 0 {
		bs.SetText2(fmt.Sprintf("%d %s failed", counts.Failed, plural(counts.Failed, "test", "tests")))
	}
	return result, nil
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
