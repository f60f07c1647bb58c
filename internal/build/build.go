// Package build runs an ordered sequence of steps against one worker and
// folds their results into a build result.
package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/izzyreal/buildmaster/internal/locks"
	"github.com/izzyreal/buildmaster/internal/loop"
	"github.com/izzyreal/buildmaster/internal/protocol"
	"github.com/izzyreal/buildmaster/internal/remote"
)

// Build is one execution of a builder's steps for one or more coalesced
// build requests.
type Build struct {
	Builder           string
	Number            int
	Requests          []protocol.BuildRequest
	Factories         []StepFactory
	LockAccesses      []locks.Access
	Locks             *locks.Registry
	BuilderProperties map[string]string
	// Scheduler is handed to remote commands run by the steps. The build
	// also uses it to release its locks one tick after it finishes.
	Scheduler loop.Scheduler
	// InterruptTimeout bounds how long a step interrupted by a lost worker
	// may take to finish. Zero waits for the step indefinitely.
	InterruptTimeout time.Duration
	Logger           *slog.Logger
	Now              func() time.Time

	props  *Properties
	source protocol.SourceStamp

	mu               sync.Mutex
	status           BuildStatus
	conn             remote.Conn
	connLost         bool
	result           protocol.Result
	text             []string
	terminate        bool
	stopped          bool
	finished         bool
	pending          []*BuildStep
	executed         []*BuildStep
	current          *BuildStep
	stepNames        map[string]int
	held             []locks.Held
	acquired         bool
	lockCancel       context.CancelCauseFunc
	progress         *BuildProgress
	expectations     *Expectations
	stopWatch        func() bool
	cancelDisconnect func()
	done             chan struct{}
	completion       chan *Build
	startedAt        time.Time
	finishedAt       time.Time
	logger           *slog.Logger
}

// New creates a build for requests. Their source stamps are merged in order.
func New(builder string, number int, requests []protocol.BuildRequest, factories []StepFactory) *Build {
	b := &Build{
		Builder:   builder,
		Number:    number,
		Requests:  requests,
		Factories: factories,
		props:     NewProperties(),
		result:    protocol.Success,
		stepNames: map[string]int{},
		done:      make(chan struct{}),
		logger:    slog.Default(),
	}
	for i, req := range requests {
		if i == 0 {
			b.source = req.Source
			continue
		}
		b.source = b.source.MergeWith(req.Source)
	}
	return b
}

func (b *Build) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// StartBuild runs the build on conn and returns a channel that yields the
// build once it has finished. It never fails: problems surface as the
// build's result.
func (b *Build) StartBuild(ctx context.Context, status BuildStatus, expectations *Expectations, conn remote.Conn) <-chan *Build {
	if status == nil {
		status = discardStatus{}
	}
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b.mu.Lock()
	if b.completion != nil {
		out := b.completion
		b.mu.Unlock()
		return out
	}
	b.completion = make(chan *Build, 1)
	b.status = status
	b.conn = conn
	b.startedAt = b.now()
	b.expectations = expectations
	b.logger = logger.With("builder", b.Builder, "build", b.Number, "worker", conn.WorkerName())
	out := b.completion
	b.mu.Unlock()

	b.logger.Info("build started", "requests", len(b.Requests))
	status.BuildStarted(conn.WorkerName())
	b.setupProperties(conn)

	cancelDisconnect := conn.NotifyOnDisconnect(b.LostRemote)
	stopWatch := context.AfterFunc(ctx, func() {
		b.StopBuild(fmt.Sprintf("context done: %v", context.Cause(ctx)))
	})
	b.mu.Lock()
	b.cancelDisconnect = cancelDisconnect
	b.stopWatch = stopWatch
	b.mu.Unlock()

	go b.run(ctx)
	return out
}

func (b *Build) run(ctx context.Context) {
	if err := b.setupBuild(); err != nil {
		b.logger.Error("set up build", "error", err)
		b.mu.Lock()
		b.result = protocol.WorstResult(b.result, protocol.Exception)
		b.mu.Unlock()
		b.buildFinished([]string{"Build.setupBuild", "failed"}, protocol.Exception)
		return
	}
	acquired, err := b.acquireLocks(ctx)
	if err != nil {
		b.buildException(err)
		return
	}
	if !acquired {
		b.lockWaitInterrupted()
		return
	}

	for {
		step := b.getNextStep()
		if step == nil {
			break
		}
		outcome := <-step.start(ctx, b.conn)
		b.mu.Lock()
		b.current = nil
		b.mu.Unlock()
		if outcome.err != nil {
			b.buildException(outcome.err)
			return
		}
		if b.stepDone(outcome.result, step) {
			b.mu.Lock()
			b.terminate = true
			b.mu.Unlock()
		}
	}
	b.allStepsDone()
}

func (b *Build) setupProperties(conn remote.Conn) {
	for _, req := range b.Requests {
		for name, value := range req.Properties {
			b.setProperty(name, value, "buildrequest")
		}
	}
	for name, value := range b.BuilderProperties {
		b.setProperty(name, value, "builder")
	}
	b.setProperty("buildername", b.Builder, "Build")
	b.setProperty("buildnumber", strconv.Itoa(b.Number), "Build")
	b.setProperty("workername", conn.WorkerName(), "Build")
	if b.source.Branch != "" {
		b.setProperty("branch", b.source.Branch, "Build")
	}
	if b.source.Revision != "" {
		b.setProperty("revision", b.source.Revision, "Build")
	}
	if b.source.Repository != "" {
		b.setProperty("repository", b.source.Repository, "Build")
	}
}

func (b *Build) setProperty(name, value, source string) {
	b.props.Set(name, value, source)
	b.mu.Lock()
	status := b.status
	b.mu.Unlock()
	if status != nil {
		status.SetProperty(name, value, source)
	}
}

func (b *Build) setupBuild() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("expand steps: %w", &panicError{value: r})
		}
	}()
	b.mu.Lock()
	b.progress = NewBuildProgress(b.Now)
	b.mu.Unlock()

	steps, err := b.expand(b.Factories)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.pending = steps
	b.mu.Unlock()
	b.progress.SetExpectations(b.expectations)
	return nil
}

// expand instantiates factories into steps with unique names.
func (b *Build) expand(factories []StepFactory) ([]*BuildStep, error) {
	out := make([]*BuildStep, 0, len(factories))
	for _, f := range factories {
		if f.New == nil {
			return nil, fmt.Errorf("step factory %q has no constructor", f.Name)
		}
		impl, err := f.New()
		if err != nil {
			return nil, fmt.Errorf("create step %q: %w", f.Name, err)
		}
		name := b.uniqueStepName(f.Name)
		step := &BuildStep{
			Name:     name,
			Flags:    f.Flags,
			Accesses: append([]locks.Access(nil), f.Locks...),
			DoStepIf: f.DoStepIf,
			impl:     impl,
			build:    b,
			status:   b.status.NewStep(name),
			progress: b.progress.Step(name),
			logger:   b.logger.With("step", name),
		}
		out = append(out, step)
	}
	return out, nil
}

func (b *Build) uniqueStepName(name string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	count, seen := b.stepNames[name]
	if !seen {
		b.stepNames[name] = 0
		return name
	}
	count++
	b.stepNames[name] = count
	return name + "_" + strconv.Itoa(count)
}

// AddStepsAfterCurrentStep queues new steps to run right after the current one.
func (b *Build) AddStepsAfterCurrentStep(factories []StepFactory) error {
	steps, err := b.expand(factories)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(steps, b.pending...)
	return nil
}

// AddStepsAfterLastStep appends new steps to the end of the build.
func (b *Build) AddStepsAfterLastStep(factories []StepFactory) error {
	steps, err := b.expand(factories)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, steps...)
	return nil
}

func (b *Build) resolveLocks(accesses []locks.Access, worker string) ([]locks.Held, error) {
	if len(accesses) == 0 {
		return nil, nil
	}
	if b.Locks == nil {
		return nil, ErrNoLockRegistry
	}
	return b.Locks.Resolve(accesses, worker)
}

func (b *Build) holdsLock(l *locks.Lock) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, h := range b.held {
		if h.Lock == l {
			return true
		}
	}
	return false
}

// acquireLocks claims the build's own locks and reports whether it holds
// them. A build stopped before or while waiting holds none.
func (b *Build) acquireLocks(ctx context.Context) (bool, error) {
	held, err := b.resolveLocks(b.LockAccesses, b.conn.WorkerName())
	if err != nil {
		return false, fmt.Errorf("build locks: %w", err)
	}
	if len(held) == 0 {
		return true, nil
	}
	b.mu.Lock()
	b.held = held
	if b.stopped || b.connLost {
		b.mu.Unlock()
		return false, nil
	}
	lockCtx, cancel := context.WithCancelCause(ctx)
	b.lockCancel = cancel
	b.mu.Unlock()

	b.logger.Debug("acquiring build locks", "locks", len(held))
	err = b.Locks.Acquire(lockCtx, b, held)
	cancel(nil)
	b.mu.Lock()
	b.lockCancel = nil
	b.acquired = err == nil
	b.mu.Unlock()
	if err != nil {
		b.logger.Info("stopped waiting for build locks", "reason", err)
		return false, nil
	}
	return true, nil
}

// lockWaitInterrupted finishes a build that never got its locks. No step
// runs, not even an always-run one.
func (b *Build) lockWaitInterrupted() {
	b.mu.Lock()
	connLost := b.connLost
	result := b.result
	b.mu.Unlock()
	if connLost {
		b.allStepsDone()
		return
	}
	b.buildFinished([]string{"build", "interrupted"}, result)
}

// getNextStep pops the next step to run. After a halt or stop only
// always-run steps are left; after losing the worker nothing is.
func (b *Build) getNextStep() *BuildStep {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connLost {
		return nil
	}
	for len(b.pending) > 0 {
		step := b.pending[0]
		b.pending = b.pending[1:]
		if (b.terminate || b.stopped) && !step.Flags.AlwaysRun {
			continue
		}
		b.executed = append(b.executed, step)
		b.current = step
		return step
	}
	return nil
}

// stepDone folds a step result into the build and reports whether the build
// should stop running ordinary steps.
func (b *Build) stepDone(result protocol.Result, step *BuildStep) bool {
	terminate := false
	contribution := result
	switch result {
	case protocol.Failure:
		contribution = protocol.Success
		if step.Flags.WarnOnFailure {
			contribution = protocol.Warnings
		}
		if step.Flags.FlunkOnFailure {
			contribution = protocol.Failure
		}
		if step.Flags.HaltOnFailure {
			terminate = true
		}
	case protocol.Warnings:
		contribution = protocol.Success
		if step.Flags.WarnOnWarnings {
			contribution = protocol.Warnings
		}
		if step.Flags.FlunkOnWarnings {
			contribution = protocol.Failure
		}
	case protocol.Exception, protocol.Retry, protocol.Cancelled:
		terminate = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connLost {
		terminate = true
	}
	if result != protocol.Success && result != protocol.Skipped {
		b.text = append(b.text, step.summaryText()...)
	}
	if result != protocol.Skipped {
		b.result = protocol.WorstResult(b.result, contribution)
	}
	b.logger.Info("step complete", "step", step.Name, "result", result.String(), "build_result", b.result.String())
	return terminate
}

func (b *Build) allStepsDone() {
	b.mu.Lock()
	result := b.result
	text := append([]string{result.Text()}, b.text...)
	b.mu.Unlock()
	b.buildFinished(text, result)
}

func (b *Build) buildException(err error) {
	b.logger.Error("build raised an exception", "error", err)
	b.mu.Lock()
	b.result = protocol.WorstResult(b.result, protocol.Exception)
	result := b.result
	b.mu.Unlock()
	b.buildFinished([]string{"build", "exception"}, result)
}

// LostRemote handles the worker going away. An active step is interrupted
// and left to finish on its own; otherwise the build is marked for retry.
func (b *Build) LostRemote() {
	b.mu.Lock()
	if b.finished || b.connLost {
		b.mu.Unlock()
		return
	}
	b.connLost = true
	current := b.current
	lockCancel := b.lockCancel
	if current == nil {
		b.result = protocol.WorstResult(b.result, protocol.Retry)
		b.text = []string{"lost", "remote"}
		b.stopped = true
	}
	logger := b.logger
	b.mu.Unlock()

	if logger != nil {
		logger.Warn("lost connection to worker")
	}
	if current != nil {
		current.Interrupt(remote.ErrConnectionLost)
		if b.InterruptTimeout > 0 {
			time.AfterFunc(b.InterruptTimeout, func() { current.abandon(remote.ErrConnectionLost) })
		}
		return
	}
	if lockCancel != nil {
		lockCancel(remote.ErrConnectionLost)
	}
}

// StopBuild cancels the build. It is a no-op once the build has finished.
func (b *Build) StopBuild(reason string) {
	b.mu.Lock()
	if b.finished {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.result = protocol.WorstResult(b.result, protocol.Cancelled)
	current := b.current
	lockCancel := b.lockCancel
	logger := b.logger
	b.mu.Unlock()

	if logger != nil {
		logger.Info("stopping build", "reason", reason)
	}
	err := &StopError{Reason: reason}
	if current != nil {
		current.Interrupt(err)
	}
	if lockCancel != nil {
		lockCancel(err)
	}
}

// StopError is the interrupt reason for a stopped build.
type StopError struct {
	Reason string
}

func (e *StopError) Error() string {
	if e.Reason == "" {
		return "build stopped"
	}
	return "build stopped: " + e.Reason
}

func (b *Build) buildFinished(text []string, result protocol.Result) {
	b.mu.Lock()
	if b.finished {
		b.mu.Unlock()
		return
	}
	b.finished = true
	b.result = result
	b.text = text
	b.finishedAt = b.now()
	b.pending = nil
	stopWatch, cancelDisconnect := b.stopWatch, b.cancelDisconnect
	held, acquired := b.held, b.acquired
	status, progress, expectations := b.status, b.progress, b.expectations
	b.mu.Unlock()

	if stopWatch != nil {
		stopWatch()
	}
	if cancelDisconnect != nil {
		cancelDisconnect()
	}
	b.logger.Info("build finished", "result", result.String(), "text", text)
	status.SetText(text)
	status.SetResults(result)
	status.BuildFinished()
	if result == protocol.Success && expectations != nil {
		expectations.Update(progress)
	}
	b.scheduler().Eventually(func() {
		if len(held) > 0 {
			if err := b.Locks.ReleaseAll(b, held); err != nil && acquired {
				b.logger.Error("release build locks", "error", err)
			}
		}
		close(b.done)
		b.completion <- b
		close(b.completion)
	})
}

func (b *Build) scheduler() loop.Scheduler {
	if b.Scheduler != nil {
		return b.Scheduler
	}
	return loop.Default
}

// Done is closed when the build has finished.
func (b *Build) Done() <-chan struct{} {
	return b.done
}

func (b *Build) Result() protocol.Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.result
}

func (b *Build) Text() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.text...)
}

func (b *Build) Finished() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finished
}

func (b *Build) Stopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

// Steps returns the steps that have been run so far, in order.
func (b *Build) Steps() []*BuildStep {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*BuildStep(nil), b.executed...)
}

// PendingSteps returns the names of steps not yet run.
func (b *Build) PendingSteps() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.pending))
	for _, s := range b.pending {
		out = append(out, s.Name)
	}
	return out
}

func (b *Build) CurrentStep() *BuildStep {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *Build) Properties() *Properties { return b.props }

// Source is the merged source stamp of every request in the build.
func (b *Build) Source() protocol.SourceStamp { return b.source }

func (b *Build) Changes() []protocol.Change {
	return append([]protocol.Change(nil), b.source.Changes...)
}

// ChangedFiles lists every file touched by the build's changes.
func (b *Build) ChangedFiles() []string {
	var out []string
	for _, c := range b.source.Changes {
		out = append(out, c.Files...)
	}
	return out
}

func (b *Build) Reason() string {
	if len(b.Requests) == 0 {
		return ""
	}
	return b.Requests[0].Reason
}

func (b *Build) RequestIDs() []string {
	out := make([]string, 0, len(b.Requests))
	for _, r := range b.Requests {
		out = append(out, r.ID)
	}
	return out
}

func (b *Build) WorkerName() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return ""
	}
	return b.conn.WorkerName()
}

// Times returns when the build started and finished.
func (b *Build) Times() (started, finished time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startedAt, b.finishedAt
}

// ETA estimates the time left, when expectations exist for every step.
func (b *Build) ETA() (time.Duration, bool) {
	b.mu.Lock()
	progress, finished := b.progress, b.finished
	b.mu.Unlock()
	if finished {
		return 0, true
	}
	if progress == nil {
		return 0, false
	}
	return progress.ETA()
}

// IsStopError reports whether err is the interrupt reason of a stopped build.
func IsStopError(err error) bool {
	var se *StopError
	return errors.As(err, &se)
}
