// Package steps holds the concrete step kinds a builder is configured with.
package steps

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/izzyreal/buildmaster/internal/build"
	"github.com/izzyreal/buildmaster/internal/protocol"
	"github.com/izzyreal/buildmaster/internal/remote"
)

// ErrNoExitCode is returned when a command completed without reporting rc.
var ErrNoExitCode = errors.New("command finished without an exit code")

// ShellCommand runs one shell command on the worker and maps its exit code
// to a result.
type ShellCommand struct {
	Command string
	Workdir string
	Env     map[string]string
	// Timeout kills the command after this long without output.
	Timeout time.Duration
	// MaxTime kills the command after this long in total.
	MaxTime time.Duration
	// DecodeRC maps exit codes to results. Codes missing from the table are
	// FAILURE; an empty table means {0: SUCCESS}.
	DecodeRC map[int]protocol.Result
	// LogFiles names files on the worker that are streamed into extra logs.
	LogFiles map[string]string

	Description     []string
	DescriptionDone []string

	IDs remote.IDGenerator

	// captureOutput keeps the output lines for compile and test parsing.
	captureOutput bool
	output        *lineCapture
}

func (s *ShellCommand) Describe(done bool) []string {
	if done && len(s.DescriptionDone) > 0 {
		return s.DescriptionDone
	}
	if len(s.Description) > 0 {
		return s.Description
	}
	return nil
}

func (s *ShellCommand) Start(ctx context.Context, bs *build.BuildStep) (protocol.Result, error) {
	cmd, err := s.command(bs)
	if err != nil {
		return protocol.Exception, err
	}

	stdio := bs.AddLog("stdio")
	defer stdio.Finish()
	if s.captureOutput {
		s.output = &lineCapture{LogFile: stdio}
		cmd.UseLog("stdio", s.output)
	} else {
		cmd.UseLog("stdio", stdio)
	}
	for _, name := range sortedKeys(s.LogFiles) {
		l := bs.AddLog(name)
		defer l.Finish()
		cmd.UseLog(name, l)
	}

	if err := bs.RunCommand(ctx, cmd); err != nil {
		return protocol.Exception, err
	}
	rc, ok := cmd.RC()
	if !ok {
		return protocol.Exception, ErrNoExitCode
	}
	result := s.decodeRC(rc)
	bs.SetText(s.resultText(bs, result)...)
	return result, nil
}

// command renders the configured command against the build's properties.
func (s *ShellCommand) command(bs *build.BuildStep) (*remote.Command, error) {
	props := bs.Properties()
	command, err := props.Render(s.Command)
	if err != nil {
		return nil, fmt.Errorf("render command: %w", err)
	}
	workdir, err := props.Render(s.Workdir)
	if err != nil {
		return nil, fmt.Errorf("render workdir: %w", err)
	}
	args := map[string]any{
		"command": command,
		"workdir": workdir,
	}
	if len(s.Env) > 0 {
		env := make(map[string]any, len(s.Env))
		for k, v := range s.Env {
			rendered, err := props.Render(v)
			if err != nil {
				return nil, fmt.Errorf("render env %s: %w", k, err)
			}
			env[k] = rendered
		}
		args["env"] = env
	}
	if s.Timeout > 0 {
		args["timeout"] = s.Timeout.Seconds()
	}
	if s.MaxTime > 0 {
		args["max_time"] = s.MaxTime.Seconds()
	}
	if len(s.LogFiles) > 0 {
		files := make(map[string]any, len(s.LogFiles))
		for name, path := range s.LogFiles {
			files[name] = path
		}
		args["logfiles"] = files
	}
	cmd := remote.New(protocol.CommandShell, args)
	cmd.IDs = s.IDs
	return cmd, nil
}

func (s *ShellCommand) decodeRC(rc int) protocol.Result {
	table := s.DecodeRC
	if len(table) == 0 {
		table = map[int]protocol.Result{0: protocol.Success}
	}
	if r, ok := table[rc]; ok {
		return r
	}
	return protocol.Failure
}

func (s *ShellCommand) resultText(bs *build.BuildStep, result protocol.Result) []string {
	text := s.Describe(true)
	if len(text) == 0 {
		text = []string{bs.Name}
	}
	text = append([]string(nil), text...)
	switch result {
	case protocol.Warnings:
		text = append(text, "warnings")
	case protocol.Failure:
		text = append(text, "failed")
	case protocol.Exception, protocol.Retry, protocol.Cancelled:
		text = append(text, result.String())
	}
	return text
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// lineCapture passes output on to its log and keeps the complete lines.
type lineCapture struct {
	build.LogFile
	partial strings.Builder
	lines   []string
}

func (c *lineCapture) AddStdout(text string) {
	c.LogFile.AddStdout(text)
	c.add(text)
}

func (c *lineCapture) AddStderr(text string) {
	c.LogFile.AddStderr(text)
	c.add(text)
}

func (c *lineCapture) add(text string) {
	c.partial.WriteString(text)
	buf := c.partial.String()
	idx := strings.LastIndexByte(buf, '\n')
	if idx < 0 {
		return
	}
	c.lines = append(c.lines, strings.Split(buf[:idx], "\n")...)
	c.partial.Reset()
	c.partial.WriteString(buf[idx+1:])
}

func (c *lineCapture) Lines() []string {
	if c == nil {
		return nil
	}
	if c.partial.Len() == 0 {
		return c.lines
	}
	return append(append([]string(nil), c.lines...), c.partial.String())
}
