package steps

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/izzyreal/buildmaster/internal/build"
	"github.com/izzyreal/buildmaster/internal/protocol"
)

// DefaultWarningPattern matches the usual compiler warning lines.
const DefaultWarningPattern = `^.*[Ww]arning[: ].*$`

// Compile is a shell command whose output is scanned for warnings. Any match
// turns a SUCCESS into WARNINGS; the matching lines go to a "warnings" log.
type Compile struct {
	ShellCommand
	WarningPattern string
}

func (c *Compile) Describe(done bool) []string {
	if text := c.ShellCommand.Describe(done); len(text) > 0 {
		return text
	}
	if done {
		return []string{"compile"}
	}
	return []string{"compiling"}
}

func (c *Compile) Start(ctx context.Context, bs *build.BuildStep) (protocol.Result, error) {
	pattern := c.WarningPattern
	if pattern == "" {
		pattern = DefaultWarningPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return protocol.Exception, fmt.Errorf("compile warning pattern: %w", err)
	}

	c.captureOutput = true
	result, err := c.ShellCommand.Start(ctx, bs)
	if err != nil {
		return result, err
	}

	var warnings []string
	for _, line := range c.output.Lines() {
		if re.MatchString(line) {
			warnings = append(warnings, line)
		}
	}
	bs.SetProperty("warnings-count", strconv.Itoa(len(warnings)))
	if len(warnings) == 0 {
		return result, nil
	}
	bs.AddCompleteLog("warnings", strings.Join(warnings, "\n")+"\n")
	if result == protocol.Success {
		result = protocol.Warnings
	}
	text := append(append([]string(nil), c.Describe(true)...), fmt.Sprintf("%d warnings", len(warnings)))
	if result == protocol.Failure {
		text = append(text, "failed")
	}
	bs.SetText(text...)
	return result, nil
}
