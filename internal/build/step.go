package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/izzyreal/buildmaster/internal/locks"
	"github.com/izzyreal/buildmaster/internal/protocol"
	"github.com/izzyreal/buildmaster/internal/remote"
	"github.com/izzyreal/buildmaster/internal/requirements"
)

// Step is the behaviour plugged into a BuildStep. Start runs the work and
// returns its result. Returning ErrStepFailed finishes the step with FAILURE;
// a *WorkerTooOldError finishes it with FAILURE and an explanation; any other
// error (or a panic) is an EXCEPTION.
type Step interface {
	Start(ctx context.Context, s *BuildStep) (protocol.Result, error)
}

// Interrupter is implemented by steps that need to react to an interrupt
// beyond the in-flight remote command being interrupted for them.
type Interrupter interface {
	Interrupt(s *BuildStep, reason error)
}

// Describer lets a step describe itself in status text.
type Describer interface {
	Describe(done bool) []string
}

// Flags decide how a step's result folds into its build.
type Flags struct {
	HaltOnFailure   bool `yaml:"halt_on_failure" json:"halt_on_failure"`
	FlunkOnFailure  bool `yaml:"flunk_on_failure" json:"flunk_on_failure"`
	FlunkOnWarnings bool `yaml:"flunk_on_warnings" json:"flunk_on_warnings"`
	WarnOnFailure   bool `yaml:"warn_on_failure" json:"warn_on_failure"`
	WarnOnWarnings  bool `yaml:"warn_on_warnings" json:"warn_on_warnings"`
	AlwaysRun       bool `yaml:"always_run" json:"always_run"`
}

// StepFactory makes fresh step instances for each build.
type StepFactory struct {
	Name     string
	Flags    Flags
	Locks    []locks.Access
	DoStepIf func(s *BuildStep) (bool, error)
	New      func() (Step, error)
}

type stepOutcome struct {
	result protocol.Result
	// err is set when the step could not be started at all; the build treats
	// it as a build-level exception.
	err error
}

// BuildStep runs one Step inside a Build.
type BuildStep struct {
	Name     string
	Flags    Flags
	Accesses []locks.Access
	DoStepIf func(s *BuildStep) (bool, error)

	impl     Step
	build    *Build
	status   StepStatus
	progress *StepProgress
	logger   *slog.Logger

	mu         sync.Mutex
	started    bool
	completed  bool
	result     protocol.Result
	text       []string
	text2      []string
	stopped    bool
	reason     error
	held       []locks.Held
	acquired   bool
	lockCancel context.CancelCauseFunc
	cancel     context.CancelCauseFunc
	command    *remote.Command
	startedAt  time.Time
	finishedAt time.Time
	outcome    chan stepOutcome
	conn       remote.Conn
}

func (s *BuildStep) Build() *Build           { return s.build }
func (s *BuildStep) Logger() *slog.Logger    { return s.logger }
func (s *BuildStep) Impl() Step              { return s.impl }
func (s *BuildStep) Progress() *StepProgress { return s.progress }

func (s *BuildStep) Properties() *Properties {
	return s.build.props
}

// Conn is the worker connection the step runs against.
func (s *BuildStep) Conn() remote.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Result returns the terminal result and whether the step has finished.
func (s *BuildStep) Result() (protocol.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.completed
}

func (s *BuildStep) Text() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.text...)
}

// SetText replaces the step's status text.
func (s *BuildStep) SetText(text ...string) {
	s.mu.Lock()
	s.text = append([]string(nil), text...)
	s.mu.Unlock()
	s.status.SetText(text)
}

// SetText2 sets the text the step contributes to its build's summary.
func (s *BuildStep) SetText2(text ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text2 = append([]string(nil), text...)
}

func (s *BuildStep) summaryText() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.text2) > 0 {
		return append([]string(nil), s.text2...)
	}
	return []string{s.Name}
}

func (s *BuildStep) Interrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *BuildStep) InterruptReason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// SetProperty records a build property with this step as its source.
func (s *BuildStep) SetProperty(name, value string) {
	s.build.setProperty(name, value, s.Name)
}

// AddLog opens a named log on the step's status.
func (s *BuildStep) AddLog(name string) LogFile {
	l := s.status.AddLog(name)
	if s.progress == nil {
		return l
	}
	return &progressLog{LogFile: l, progress: s.progress}
}

// AddCompleteLog writes a whole log at once.
func (s *BuildStep) AddCompleteLog(name, text string) {
	l := s.AddLog(name)
	l.AddStdout(text)
	l.Finish()
}

// RunCommand runs cmd on the step's worker. While it runs, interrupting the
// step interrupts the command.
func (s *BuildStep) RunCommand(ctx context.Context, cmd *remote.Command) error {
	s.mu.Lock()
	if s.stopped {
		reason := s.reason
		s.mu.Unlock()
		return reason
	}
	s.command = cmd
	conn := s.conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.command == cmd {
			s.command = nil
		}
		s.mu.Unlock()
	}()
	if cmd.Logger == nil {
		cmd.Logger = s.logger
	}
	if cmd.Scheduler == nil {
		cmd.Scheduler = s.build.Scheduler
	}
	return cmd.Run(ctx, conn)
}

// WorkerCommandVersion returns the version the worker advertised for name, or
// a *WorkerTooOldError when it has none.
func (s *BuildStep) WorkerCommandVersion(name string) (string, error) {
	v, ok := s.Conn().CommandVersion(name)
	if !ok || v == "" {
		return "", &WorkerTooOldError{Command: name}
	}
	return v, nil
}

// WorkerVersionIsOlderThan reports whether the worker's version of command is
// older than minVersion. A missing command counts as older.
func (s *BuildStep) WorkerVersionIsOlderThan(command, minVersion string) bool {
	v, err := s.WorkerCommandVersion(command)
	if err != nil {
		return true
	}
	return requirements.VersionOlderThan(v, minVersion)
}

func (s *BuildStep) describe(done bool) []string {
	if d, ok := s.impl.(Describer); ok {
		if text := d.Describe(done); len(text) > 0 {
			return text
		}
	}
	return []string{s.Name}
}

// start launches the step and returns a channel that yields its outcome once.
func (s *BuildStep) start(ctx context.Context, conn remote.Conn) <-chan stepOutcome {
	s.mu.Lock()
	s.outcome = make(chan stepOutcome, 1)
	s.conn = conn
	out := s.outcome
	s.mu.Unlock()
	go s.startStep(ctx, conn)
	return out
}

func (s *BuildStep) startStep(ctx context.Context, conn remote.Conn) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	held, err := s.build.resolveLocks(s.Accesses, conn.WorkerName())
	if err != nil {
		s.abort(fmt.Errorf("step %s: %w", s.Name, err))
		return
	}
	for _, h := range held {
		if s.build.holdsLock(h.Lock) {
			s.logger.Error("lock claimed by both step and build", "lock", h.Lock.String())
			s.abort(fmt.Errorf("step %s: %s: %w", s.Name, h.Lock, ErrLockClaimedByStepAndBuild))
			return
		}
	}

	now := time.Now()
	s.mu.Lock()
	s.held = held
	s.started = true
	s.startedAt = now
	s.mu.Unlock()
	s.status.SetText(s.describe(false))
	s.status.StepStarted()
	if s.progress != nil {
		s.progress.Start(now)
		s.status.SetProgress(s.progress)
	}
	s.logger.Info("step started")

	if len(held) > 0 {
		lockCtx, lockCancel := context.WithCancelCause(ctx)
		s.mu.Lock()
		s.lockCancel = lockCancel
		stopped, reason := s.stopped, s.reason
		s.mu.Unlock()
		if stopped {
			lockCancel(reason)
		}
		err := s.build.Locks.Acquire(lockCtx, s, held)
		lockCancel(nil)
		s.mu.Lock()
		s.lockCancel = nil
		if err == nil {
			s.acquired = true
		} else if !s.stopped {
			s.stopped = true
			s.reason = err
		}
		s.mu.Unlock()
	}

	if s.Interrupted() {
		if errors.Is(s.InterruptReason(), remote.ErrConnectionLost) {
			s.finished(protocol.Retry)
		} else {
			s.finished(protocol.Exception)
		}
		return
	}

	if s.DoStepIf != nil {
		run, err := s.callDoStepIf()
		if err != nil {
			s.failed(fmt.Errorf("evaluate step condition: %w", err))
			return
		}
		if !run {
			s.SetText(append(s.describe(true), "skipped")...)
			s.finished(protocol.Skipped)
			return
		}
	}

	result, err := s.callStart(ctx)
	var tooOld *WorkerTooOldError
	switch {
	case err == nil:
		s.finished(result)
	case errors.Is(err, ErrStepFailed):
		s.finished(protocol.Failure)
	case errors.As(err, &tooOld):
		s.logger.Warn("worker too old for step", "error", err)
		s.AddCompleteLog("err.text", err.Error()+"\n")
		s.SetText(append(s.describe(true), "failed", "(worker too old)")...)
		s.finished(protocol.Failure)
	case errors.Is(err, remote.ErrConnectionLost):
		s.SetText(append(s.describe(true), "lost", "remote")...)
		s.finished(protocol.Retry)
	case s.Interrupted():
		s.finished(protocol.Exception)
	default:
		s.failed(err)
	}
}

func (s *BuildStep) callStart(ctx context.Context) (result protocol.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return s.impl.Start(ctx, s)
}

func (s *BuildStep) callDoStepIf() (run bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return s.DoStepIf(s)
}

// Interrupt stops the step: a pending lock wait is abandoned and the in-flight
// remote command, if any, is interrupted. Steps implementing Interrupter get
// called as well.
func (s *BuildStep) Interrupt(reason error) {
	if reason == nil {
		reason = errors.New("interrupted")
	}
	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.reason = reason
	lockCancel, cmd := s.lockCancel, s.command
	s.mu.Unlock()

	s.logger.Info("interrupting step", "reason", reason)
	if lockCancel != nil {
		lockCancel(reason)
	}
	if cmd != nil {
		if err := cmd.Interrupt(context.Background(), reason); err != nil {
			s.logger.Warn("interrupt remote command", "error", err)
		}
	}
	if i, ok := s.impl.(Interrupter); ok {
		i.Interrupt(s, reason)
	}
}

// abandon cancels the step's context and completes it with RETRY whether or
// not the Step implementation ever returns.
func (s *BuildStep) abandon(cause error) {
	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel(cause)
	}
	s.logger.Warn("step did not finish after interrupt; abandoning it", "reason", cause)
	s.SetText(append(s.describe(true), "lost", "remote")...)
	s.complete(protocol.Retry)
}

// finished completes the step with result. A step interrupted by a user stop
// finishes with EXCEPTION unless it asked to be retried.
func (s *BuildStep) finished(result protocol.Result) {
	s.mu.Lock()
	userStop := s.stopped && !errors.Is(s.reason, remote.ErrConnectionLost)
	s.mu.Unlock()
	if userStop && result != protocol.Retry {
		result = protocol.Exception
		s.SetText(append(s.describe(true), "interrupted")...)
		s.SetText2("interrupted")
	}
	s.complete(result)
}

// failed completes the step with EXCEPTION and attaches the error report.
func (s *BuildStep) failed(err error) {
	s.logger.Error("step raised an error", "error", err)
	s.AddCompleteLog("err.text", errorReport(err))
	s.SetText(s.Name, "exception")
	s.SetText2(s.Name)
	s.complete(protocol.Exception)
}

func (s *BuildStep) complete(result protocol.Result) {
	now := time.Now()
	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return
	}
	s.completed = true
	s.result = result
	s.finishedAt = now
	held, acquired := s.held, s.acquired
	s.held = nil
	out := s.outcome
	s.mu.Unlock()

	if s.progress != nil {
		s.progress.Finish(now)
	}
	s.status.StepFinished(result)
	s.logger.Info("step finished", "result", result.String())
	if len(held) > 0 {
		err := s.build.Locks.ReleaseAll(s, held)
		if err != nil && acquired {
			s.logger.Error("release step locks", "error", err)
		}
	}
	out <- stepOutcome{result: result}
}

// abort reports a step that could not start; no status callbacks fire.
func (s *BuildStep) abort(err error) {
	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return
	}
	s.completed = true
	s.result = protocol.Exception
	out := s.outcome
	s.mu.Unlock()
	out <- stepOutcome{result: protocol.Exception, err: err}
}

// Times returns when the step started and finished.
func (s *BuildStep) Times() (started, finished time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt, s.finishedAt
}

type progressLog struct {
	LogFile
	progress *StepProgress
}

func (l *progressLog) AddStdout(text string) {
	l.progress.AddOutput(len(text))
	l.LogFile.AddStdout(text)
}

func (l *progressLog) AddStderr(text string) {
	l.progress.AddOutput(len(text))
	l.LogFile.AddStderr(text)
}
