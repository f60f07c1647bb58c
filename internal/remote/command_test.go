package remote

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/izzyreal/buildmaster/internal/loop"
	"github.com/izzyreal/buildmaster/internal/protocol"
)

type fakeConn struct {
	mu           sync.Mutex
	startErr     error
	interruptErr error
	started      []uint64
	interrupts   []uint64
	receiver     Receiver
	onStart      func(r Receiver)
}

func (f *fakeConn) WorkerName() string { return "w1" }

func (f *fakeConn) StartCommand(_ context.Context, r Receiver, id uint64, _ string, _ map[string]any) error {
	f.mu.Lock()
	f.started = append(f.started, id)
	f.receiver = r
	onStart, err := f.onStart, f.startErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if onStart != nil {
		onStart(r)
	}
	return nil
}

func (f *fakeConn) InterruptCommand(_ context.Context, id uint64, _ error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts = append(f.interrupts, id)
	return f.interruptErr
}

func (f *fakeConn) NotifyOnDisconnect(func()) func() { return func() {} }

func (f *fakeConn) CommandVersion(string) (string, bool) { return "1.0.0", true }

type recordingLog struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (l *recordingLog) AddStdout(text string) { l.add("o:" + text) }
func (l *recordingLog) AddStderr(text string) { l.add("e:" + text) }
func (l *recordingLog) AddHeader(text string) { l.add("h:" + text) }

func (l *recordingLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.WriteString(s)
}

func (l *recordingLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

func runAsync(ctx context.Context, cmd *Command, conn Conn) <-chan error {
	out := make(chan error, 1)
	go func() { out <- cmd.Run(ctx, conn) }()
	return out
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("command did not finish")
		return nil
	}
}

func TestRunStreamsUpdatesAndCompletes(t *testing.T) {
	conn := &fakeConn{}
	stdio := &recordingLog{}
	extra := &recordingLog{}
	cmd := New(protocol.CommandShell, map[string]any{"command": "make"})
	cmd.IDs = &Counter{}
	cmd.UseLog("stdio", stdio)
	cmd.UseLog("junit", extra)
	conn.onStart = func(r Receiver) {
		seq := r.RemoteUpdate([]protocol.SequencedUpdate{
			{Seq: 1, Update: map[string]any{"stdout": "building\n"}},
			{Seq: 2, Update: map[string]any{"stderr": "warn\n", "got_revision": "abc"}},
			{Seq: 3, Update: map[string]any{"log": []any{"junit", "<xml/>"}}},
			{Seq: 4, Update: map[string]any{"rc": float64(0), "elapsed": 1.5}},
		})
		if seq != 4 {
			t.Errorf("expected highest seq 4, got %d", seq)
		}
		r.RemoteComplete(nil)
	}

	if err := waitErr(t, runAsync(context.Background(), cmd, conn)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if cmd.ID() != 1 {
		t.Fatalf("expected command id 1, got %d", cmd.ID())
	}
	if got := stdio.String(); got != "o:building\ne:warn\nh:program finished with exit code 0\n" {
		t.Fatalf("unexpected stdio log: %q", got)
	}
	if extra.String() != "o:<xml/>" {
		t.Fatalf("unexpected named log: %q", extra.String())
	}
	if rc, ok := cmd.RC(); !ok || rc != 0 {
		t.Fatalf("unexpected rc: %d %v", rc, ok)
	}
	if v, ok := cmd.LastUpdate("got_revision"); !ok || v != "abc" {
		t.Fatalf("unexpected got_revision: %v", v)
	}
	if cmd.Elapsed() != 1.5 {
		t.Fatalf("unexpected elapsed: %v", cmd.Elapsed())
	}
	if cmd.Active() {
		t.Fatal("command must be inactive after completion")
	}
}

func TestUpdatesAfterCompletionAreIgnoredButAcknowledged(t *testing.T) {
	conn := &fakeConn{}
	stdio := &recordingLog{}
	cmd := New(protocol.CommandShell, nil)
	cmd.UseLog("stdio", stdio)
	conn.onStart = func(r Receiver) { r.RemoteComplete(nil) }

	if err := waitErr(t, runAsync(context.Background(), cmd, conn)); err != nil {
		t.Fatalf("run: %v", err)
	}
	seq := cmd.RemoteUpdate([]protocol.SequencedUpdate{{Seq: 9, Update: map[string]any{"stdout": "late"}}})
	if seq != 9 {
		t.Fatalf("late update must still be acknowledged, got %d", seq)
	}
	if stdio.String() != "" {
		t.Fatalf("late update must not reach the log: %q", stdio.String())
	}
}

func TestStartFailureFinishesImmediately(t *testing.T) {
	conn := &fakeConn{startErr: ErrUnknownCommand}
	cmd := New("bogus", nil)
	err := waitErr(t, runAsync(context.Background(), cmd, conn))
	if !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
}

func TestBadUpdateFailsFastAndSkipsRestOfBatch(t *testing.T) {
	conn := &fakeConn{}
	stdio := &recordingLog{}
	cmd := New(protocol.CommandShell, nil)
	cmd.UseLog("stdio", stdio)
	conn.onStart = func(r Receiver) {
		seq := r.RemoteUpdate([]protocol.SequencedUpdate{
			{Seq: 1, Update: map[string]any{"rc": "zero"}},
			{Seq: 2, Update: map[string]any{"stdout": "after"}},
		})
		if seq != 2 {
			t.Errorf("expected seq 2, got %d", seq)
		}
	}
	err := waitErr(t, runAsync(context.Background(), cmd, conn))
	if err == nil || !strings.Contains(err.Error(), "rc update") {
		t.Fatalf("expected rc processing error, got %v", err)
	}
	if stdio.String() != "" {
		t.Fatalf("updates after a failure must not be processed: %q", stdio.String())
	}
}

func TestRemoteCompleteIsDeferredThroughScheduler(t *testing.T) {
	q := &loop.Queue{}
	conn := &fakeConn{}
	cmd := New(protocol.CommandShell, nil)
	cmd.Scheduler = q
	conn.onStart = func(r Receiver) { r.RemoteComplete(nil) }

	done := runAsync(context.Background(), cmd, conn)
	deadline := time.Now().Add(2 * time.Second)
	for q.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("completion was never scheduled")
		}
		time.Sleep(time.Millisecond)
	}
	if !cmd.Active() {
		t.Fatal("command must stay active until the scheduler runs completion")
	}
	q.Drain()
	if err := waitErr(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestInterruptSemantics(t *testing.T) {
	t.Run("inactive is a no-op", func(t *testing.T) {
		conn := &fakeConn{}
		cmd := New(protocol.CommandShell, nil)
		if err := cmd.Interrupt(context.Background(), errors.New("stop")); err != nil {
			t.Fatalf("interrupt: %v", err)
		}
		if len(conn.interrupts) != 0 {
			t.Fatal("inactive command must not send an interrupt")
		}
	})

	t.Run("unsupported is swallowed", func(t *testing.T) {
		conn := &fakeConn{interruptErr: ErrInterruptUnsupported}
		cmd := New(protocol.CommandShell, nil)
		done := runAsync(context.Background(), cmd, conn)
		waitActive(t, cmd)
		if err := cmd.Interrupt(context.Background(), errors.New("stop")); err != nil {
			t.Fatalf("interrupt: %v", err)
		}
		if !cmd.Active() {
			t.Fatal("unsupported interrupt must leave the command running")
		}
		cmd.RemoteComplete(nil)
		if err := waitErr(t, done); err != nil {
			t.Fatalf("run: %v", err)
		}
	})

	t.Run("lost connection finishes now", func(t *testing.T) {
		conn := &fakeConn{}
		cmd := New(protocol.CommandShell, nil)
		done := runAsync(context.Background(), cmd, conn)
		waitActive(t, cmd)
		if err := cmd.Interrupt(context.Background(), ErrConnectionLost); err != nil {
			t.Fatalf("interrupt: %v", err)
		}
		if err := waitErr(t, done); !errors.Is(err, ErrConnectionLost) {
			t.Fatalf("expected ErrConnectionLost, got %v", err)
		}
		if len(conn.interrupts) != 0 {
			t.Fatal("no interrupt should be sent over a lost connection")
		}
	})
}

func TestRunHonoursContextCause(t *testing.T) {
	conn := &fakeConn{}
	cmd := New(protocol.CommandShell, nil)
	ctx, cancel := context.WithCancelCause(context.Background())
	done := runAsync(ctx, cmd, conn)
	waitActive(t, cmd)
	cancel(ErrConnectionLost)
	if err := waitErr(t, done); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("expected context cause, got %v", err)
	}
}

func TestCounterIsMonotonic(t *testing.T) {
	c := &Counter{}
	if c.Next() != 1 || c.Next() != 2 || c.Next() != 3 {
		t.Fatal("counter must increase by one")
	}
}

func waitActive(t *testing.T, cmd *Command) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cmd.Active() {
		if time.Now().After(deadline) {
			t.Fatal("command never became active")
		}
		time.Sleep(time.Millisecond)
	}
}

// blockingLog holds the first write until release is closed and records
// whether the command was still active for each write.
type blockingLog struct {
	cmd     *Command
	entered chan struct{}
	release chan struct{}

	mu       sync.Mutex
	once     sync.Once
	inactive int
}

func (l *blockingLog) AddStdout(text string) { l.write() }
func (l *blockingLog) AddStderr(text string) { l.write() }
func (l *blockingLog) AddHeader(text string) { l.write() }

func (l *blockingLog) write() {
	l.once.Do(func() {
		close(l.entered)
		<-l.release
	})
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.cmd.Active() {
		l.inactive++
	}
}

func TestFinishWaitsForUpdateInProgress(t *testing.T) {
	conn := &fakeConn{}
	cmd := New(protocol.CommandShell, nil)
	stdio := &blockingLog{cmd: cmd, entered: make(chan struct{}), release: make(chan struct{})}
	cmd.UseLog("stdio", stdio)

	ctx, cancel := context.WithCancelCause(context.Background())
	done := runAsync(ctx, cmd, conn)
	waitActive(t, cmd)

	batch := make(chan uint64, 1)
	go func() {
		batch <- cmd.RemoteUpdate([]protocol.SequencedUpdate{
			{Seq: 1, Update: map[string]any{"stdout": "a"}},
			{Seq: 2, Update: map[string]any{"stdout": "b", "got_revision": "abc"}},
		})
	}()
	<-stdio.entered
	cancel(ErrConnectionLost)

	select {
	case err := <-done:
		t.Fatalf("command finished while an update was being processed: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(stdio.release)

	if err := waitErr(t, done); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("expected context cause, got %v", err)
	}
	if seq := <-batch; seq != 2 {
		t.Fatalf("expected highest seq 2, got %d", seq)
	}
	stdio.mu.Lock()
	inactive := stdio.inactive
	stdio.mu.Unlock()
	if inactive != 0 {
		t.Fatalf("%d log writes happened after the command finished", inactive)
	}

	before := len(cmd.Updates("got_revision"))
	cmd.RemoteUpdate([]protocol.SequencedUpdate{{Seq: 3, Update: map[string]any{"got_revision": "def"}}})
	if got := len(cmd.Updates("got_revision")); got != before {
		t.Fatalf("updates changed after completion: %d -> %d", before, got)
	}
}
