package build

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/izzyreal/buildmaster/internal/protocol"
	"github.com/izzyreal/buildmaster/internal/remote"
)

type fakeConn struct {
	name     string
	versions map[string]string

	mu          sync.Mutex
	subscribers map[int]func()
	nextSub     int
}

func newFakeConn(name string) *fakeConn {
	return &fakeConn{name: name, subscribers: map[int]func(){}}
}

func (c *fakeConn) WorkerName() string { return c.name }

func (c *fakeConn) StartCommand(context.Context, remote.Receiver, uint64, string, map[string]any) error {
	return remote.ErrUnknownCommand
}

func (c *fakeConn) InterruptCommand(context.Context, uint64, error) error { return nil }

func (c *fakeConn) NotifyOnDisconnect(fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subscribers, id)
	}
}

func (c *fakeConn) CommandVersion(name string) (string, bool) {
	v, ok := c.versions[name]
	return v, ok
}

func (c *fakeConn) subscriberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribers)
}

func (c *fakeConn) disconnect() {
	c.mu.Lock()
	var fns []func()
	for _, fn := range c.subscribers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// recorder is an in-memory BuildStatus that keeps an ordered event list.
type recorder struct {
	mu     sync.Mutex
	events []string
	props  map[string]string
	logs   map[string]*memLog
	result protocol.Result
	text   []string
}

func newRecorder() *recorder {
	return &recorder{props: map[string]string{}, logs: map[string]*memLog{}}
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) count(event string) int {
	n := 0
	for _, e := range r.Events() {
		if e == event {
			n++
		}
	}
	return n
}

func (r *recorder) log(name string) *memLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logs[name]
}

func (r *recorder) BuildStarted(worker string) { r.add("build-started " + worker) }

func (r *recorder) NewStep(name string) StepStatus { return &stepRecorder{r: r, name: name} }

func (r *recorder) SetProperty(name, value, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.props[name] = value
}

func (r *recorder) SetText(text []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.text = text
}

func (r *recorder) SetResults(result protocol.Result) {
	r.mu.Lock()
	r.result = result
	r.mu.Unlock()
	r.add("results " + result.String())
}

func (r *recorder) BuildFinished() { r.add("build-finished") }

type stepRecorder struct {
	r    *recorder
	name string
}

func (s *stepRecorder) StepStarted()              { s.r.add("step-started " + s.name) }
func (s *stepRecorder) SetText([]string)          {}
func (s *stepRecorder) SetProgress(*StepProgress) {}

func (s *stepRecorder) AddLog(name string) LogFile {
	l := &memLog{name: name}
	s.r.mu.Lock()
	s.r.logs[s.name+"/"+name] = l
	s.r.mu.Unlock()
	return l
}

func (s *stepRecorder) StepFinished(result protocol.Result) {
	s.r.add(fmt.Sprintf("step-finished %s %s", s.name, result))
}

type memLog struct {
	name string
	mu   sync.Mutex
	buf  strings.Builder
	done bool
}

func (l *memLog) Name() string { return l.name }

func (l *memLog) AddStdout(text string) { l.write(text) }
func (l *memLog) AddStderr(text string) { l.write(text) }
func (l *memLog) AddHeader(text string) { l.write(text) }

func (l *memLog) write(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.WriteString(text)
}

func (l *memLog) Finish() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.done = true
}

func (l *memLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

// stubStep returns a fixed result.
type stubStep struct {
	result    protocol.Result
	err       error
	panicWith any
	onStart   func(s *BuildStep)
}

func (s *stubStep) Start(_ context.Context, bs *BuildStep) (protocol.Result, error) {
	if s.onStart != nil {
		s.onStart(bs)
	}
	if s.panicWith != nil {
		panic(s.panicWith)
	}
	return s.result, s.err
}

// waitStep runs until it is interrupted, then reports onInterrupt.
type waitStep struct {
	started     chan struct{}
	reasons     chan error
	onInterrupt protocol.Result
}

func newWaitStep(onInterrupt protocol.Result) *waitStep {
	return &waitStep{started: make(chan struct{}), reasons: make(chan error, 1), onInterrupt: onInterrupt}
}

func (w *waitStep) Start(context.Context, *BuildStep) (protocol.Result, error) {
	close(w.started)
	<-w.reasons
	return w.onInterrupt, nil
}

func (w *waitStep) Interrupt(_ *BuildStep, reason error) {
	select {
	case w.reasons <- reason:
	default:
	}
}

// gateStep blocks until release is closed.
type gateStep struct {
	started chan struct{}
	release chan struct{}
	onExit  func()
}

func (g *gateStep) Start(context.Context, *BuildStep) (protocol.Result, error) {
	close(g.started)
	<-g.release
	if g.onExit != nil {
		g.onExit()
	}
	return protocol.Success, nil
}

func factory(name string, flags Flags, step Step) StepFactory {
	return StepFactory{Name: name, Flags: flags, New: func() (Step, error) { return step, nil }}
}

func waitBuild(t *testing.T, ch <-chan *Build) *Build {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(5 * time.Second):
		t.Fatal("build did not finish")
		return nil
	}
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func stepNames(steps []*BuildStep) []string {
	out := make([]string, 0, len(steps))
	for _, s := range steps {
		out = append(out, s.Name)
	}
	return out
}

var defaultFlags = Flags{HaltOnFailure: true, FlunkOnFailure: true}
