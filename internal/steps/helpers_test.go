package steps

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/izzyreal/buildmaster/internal/build"
	"github.com/izzyreal/buildmaster/internal/config"
	"github.com/izzyreal/buildmaster/internal/protocol"
	"github.com/izzyreal/buildmaster/internal/remote"
)

type sentCommand struct {
	name string
	args map[string]any
}

// scriptedConn answers every command with the updates its handler returns.
type scriptedConn struct {
	versions map[string]string
	handler  func(name string, args map[string]any) ([]map[string]any, error)

	mu   sync.Mutex
	sent []sentCommand
}

func newScriptedConn(handler func(string, map[string]any) ([]map[string]any, error)) *scriptedConn {
	return &scriptedConn{
		versions: map[string]string{"shell": "1.0.0", "git": "1.2.0", "svn": "1.0.0", "rmdir": "1.0.0"},
		handler:  handler,
	}
}

func (c *scriptedConn) WorkerName() string { return "w1" }

func (c *scriptedConn) StartCommand(_ context.Context, r remote.Receiver, _ uint64, name string, args map[string]any) error {
	c.mu.Lock()
	c.sent = append(c.sent, sentCommand{name: name, args: args})
	c.mu.Unlock()
	go func() {
		updates, err := c.handler(name, args)
		for i, u := range updates {
			r.RemoteUpdate([]protocol.SequencedUpdate{{Update: u, Seq: uint64(i)}})
		}
		r.RemoteComplete(err)
	}()
	return nil
}

func (c *scriptedConn) InterruptCommand(context.Context, uint64, error) error { return nil }
func (c *scriptedConn) NotifyOnDisconnect(func()) func()                      { return func() {} }

func (c *scriptedConn) CommandVersion(name string) (string, bool) {
	v, ok := c.versions[name]
	return v, ok
}

func (c *scriptedConn) commands() []sentCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentCommand(nil), c.sent...)
}

func output(text string, rc int) []map[string]any {
	return []map[string]any{
		{protocol.UpdateStdout: text},
		{protocol.UpdateRC: rc},
	}
}

// memStatus keeps step texts and logs in memory.
type memStatus struct {
	mu      sync.Mutex
	props   map[string]string
	texts   map[string][]string
	logs    map[string]*strings.Builder
	results map[string]protocol.Result
}

func newMemStatus() *memStatus {
	return &memStatus{
		props:   map[string]string{},
		texts:   map[string][]string{},
		logs:    map[string]*strings.Builder{},
		results: map[string]protocol.Result{},
	}
}

func (m *memStatus) BuildStarted(string)                  {}
func (m *memStatus) NewStep(name string) build.StepStatus { return &memStep{m: m, name: name} }
func (m *memStatus) SetText([]string)                     {}
func (m *memStatus) SetResults(protocol.Result)           {}
func (m *memStatus) BuildFinished()                       {}

func (m *memStatus) SetProperty(name, value, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.props[name] = value
}

func (m *memStatus) log(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.logs[key]; ok {
		return b.String()
	}
	return ""
}

func (m *memStatus) text(step string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.texts[step]
}

type memStep struct {
	m    *memStatus
	name string
}

func (s *memStep) StepStarted()                    {}
func (s *memStep) SetProgress(*build.StepProgress) {}

func (s *memStep) SetText(text []string) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.texts[s.name] = text
}

func (s *memStep) AddLog(name string) build.LogFile {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	b := &strings.Builder{}
	s.m.logs[s.name+"/"+name] = b
	return &memLog{m: s.m, name: name, b: b}
}

func (s *memStep) StepFinished(result protocol.Result) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.results[s.name] = result
}

type memLog struct {
	m    *memStatus
	name string
	b    *strings.Builder
}

func (l *memLog) Name() string          { return l.name }
func (l *memLog) AddStdout(text string) { l.write(text) }
func (l *memLog) AddStderr(text string) { l.write(text) }
func (l *memLog) AddHeader(text string) { l.write(text) }
func (l *memLog) Finish()               {}

func (l *memLog) write(text string) {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	l.b.WriteString(text)
}

func runBuild(t *testing.T, conn remote.Conn, req protocol.BuildRequest, props map[string]string, factories ...build.StepFactory) (*build.Build, *memStatus) {
	t.Helper()
	if req.ID == "" {
		req.ID = "r1"
	}
	b := build.New("builder", 1, []protocol.BuildRequest{req}, factories)
	b.BuilderProperties = props
	st := newMemStatus()
	select {
	case <-b.StartBuild(context.Background(), st, nil, conn):
	case <-time.After(5 * time.Second):
		t.Fatal("build did not finish")
	}
	return b, st
}

func mustFactory(t *testing.T, st config.Step) build.StepFactory {
	t.Helper()
	f, err := FromConfig(st, nil)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	return f
}
