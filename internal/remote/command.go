// Package remote tracks commands dispatched to a worker: their lifecycle,
// the streamed updates they produce and the logs those updates feed.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/izzyreal/buildmaster/internal/loop"
	"github.com/izzyreal/buildmaster/internal/protocol"
)

var (
	ErrConnectionLost       = errors.New("connection to worker lost")
	ErrInterruptUnsupported = errors.New("worker does not support interrupt")
	ErrUnknownCommand       = errors.New("worker does not know this command")
	ErrAlreadyRunning       = errors.New("remote command is already running")
)

// Receiver is what a transport delivers worker messages to.
type Receiver interface {
	RemoteUpdate(updates []protocol.SequencedUpdate) uint64
	RemoteComplete(err error)
}

// Conn is the master's handle on one attached worker.
type Conn interface {
	WorkerName() string
	StartCommand(ctx context.Context, r Receiver, id uint64, name string, args map[string]any) error
	InterruptCommand(ctx context.Context, id uint64, reason error) error
	// NotifyOnDisconnect registers fn to run once when the worker goes away.
	// The returned function unregisters it.
	NotifyOnDisconnect(fn func()) (cancel func())
	// CommandVersion reports the version the worker advertised for a command.
	CommandVersion(name string) (string, bool)
}

// Log is a sink for streamed command output.
type Log interface {
	AddStdout(text string)
	AddStderr(text string)
	AddHeader(text string)
}

type IDGenerator interface {
	Next() uint64
}

// Counter is an IDGenerator backed by an atomic counter.
type Counter struct {
	n atomic.Uint64
}

func (c *Counter) Next() uint64 { return c.n.Add(1) }

// DefaultIDs is shared by every command that does not carry its own generator.
var DefaultIDs IDGenerator = &Counter{}

// Command is one command run on a worker.
type Command struct {
	Name string
	Args map[string]any

	// Scheduler defers completion so the transport's acknowledgement returns
	// before step-side processing runs. Defaults to loop.Default.
	Scheduler loop.Scheduler
	IDs       IDGenerator
	Logger    *slog.Logger

	// procMu serializes update processing with finish, so nothing reaches
	// the logs or updates after the command went inactive.
	procMu sync.Mutex

	mu      sync.Mutex
	id      uint64
	active  bool
	done    chan struct{}
	err     error
	updates map[string][]any
	rc      *int
	elapsed float64
	logs    map[string]Log
	conn    Conn
}

func New(name string, args map[string]any) *Command {
	return &Command{Name: name, Args: args}
}

// UseLog attaches a sink. "stdio" receives stdout, stderr and headers; any
// other name receives "log" updates addressed to it.
func (c *Command) UseLog(name string, l Log) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.logs == nil {
		c.logs = map[string]Log{}
	}
	c.logs[name] = l
}

func (c *Command) ID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Command) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Run sends the command and blocks until it has finished. The returned
// error is why it finished abnormally; a non-zero exit code is not an error.
func (c *Command) Run(ctx context.Context, conn Conn) error {
	ids := c.IDs
	if ids == nil {
		ids = DefaultIDs
	}
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.id = ids.Next()
	c.active = true
	c.done = make(chan struct{})
	c.err = nil
	c.updates = map[string][]any{}
	c.rc = nil
	c.conn = conn
	id, done := c.id, c.done
	c.mu.Unlock()

	c.logger().Debug("starting remote command", "command", c.Name, "command_id", id, "worker", conn.WorkerName())
	if err := conn.StartCommand(ctx, c, id, c.Name, c.Args); err != nil {
		c.finish(fmt.Errorf("start %s: %w", c.Name, err))
	}

	select {
	case <-done:
	case <-ctx.Done():
		c.finish(context.Cause(ctx))
	}
	return c.Err()
}

// Done is closed once the command has finished.
func (c *Command) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Command) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// RemoteUpdate processes a batch of worker updates and returns the highest
// sequence number seen, which the transport acknowledges. Updates that arrive
// while the command is inactive are acknowledged but ignored.
func (c *Command) RemoteUpdate(updates []protocol.SequencedUpdate) uint64 {
	c.procMu.Lock()
	defer c.procMu.Unlock()
	var maxSeq uint64
	for _, u := range updates {
		if u.Seq > maxSeq {
			maxSeq = u.Seq
		}
		if !c.Active() {
			continue
		}
		if err := c.processUpdate(u.Update); err != nil {
			c.finishLocked(fmt.Errorf("process update from %s: %w", c.Name, err))
		}
	}
	return maxSeq
}

// RemoteComplete records that the worker finished the command. The effect is
// deferred through the scheduler.
func (c *Command) RemoteComplete(err error) {
	s := c.Scheduler
	if s == nil {
		s = loop.Default
	}
	s.Eventually(func() { c.finish(err) })
}

// Interrupt asks the worker to stop the command. A lost connection finishes
// the command right away.
func (c *Command) Interrupt(ctx context.Context, reason error) error {
	c.mu.Lock()
	active, id, conn := c.active, c.id, c.conn
	c.mu.Unlock()
	if !active {
		return nil
	}
	if errors.Is(reason, ErrConnectionLost) {
		c.finish(reason)
		return nil
	}
	err := conn.InterruptCommand(ctx, id, reason)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInterruptUnsupported):
		c.logger().Info("worker cannot interrupt command", "command", c.Name, "command_id", id)
		return nil
	case errors.Is(err, ErrConnectionLost):
		c.finish(err)
		return nil
	default:
		return fmt.Errorf("interrupt %s: %w", c.Name, err)
	}
}

// Updates returns the values received for key, in arrival order.
func (c *Command) Updates(key string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.updates[key]...)
}

// LastUpdate returns the most recent value received for key.
func (c *Command) LastUpdate(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	vals := c.updates[key]
	if len(vals) == 0 {
		return nil, false
	}
	return vals[len(vals)-1], true
}

func (c *Command) RC() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rc == nil {
		return 0, false
	}
	return *c.rc, true
}

// DidFail reports a non-zero exit code.
func (c *Command) DidFail() bool {
	rc, ok := c.RC()
	return ok && rc != 0
}

// Elapsed is the worker-reported runtime in seconds.
func (c *Command) Elapsed() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsed
}

func (c *Command) finish(err error) {
	c.procMu.Lock()
	defer c.procMu.Unlock()
	c.finishLocked(err)
}

// finishLocked requires c.procMu.
func (c *Command) finishLocked(err error) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	c.err = err
	done := c.done
	id := c.id
	c.mu.Unlock()
	if err != nil {
		c.logger().Debug("remote command finished with error", "command", c.Name, "command_id", id, "error", err)
	}
	close(done)
}

// Known keys are handled in a fixed order so output lands in the log before
// the exit code header.
var updateOrder = []string{
	protocol.UpdateStdout,
	protocol.UpdateStderr,
	protocol.UpdateHeader,
	protocol.UpdateLog,
	protocol.UpdateRC,
	protocol.UpdateElapsed,
}

func orderedKeys(update map[string]any) []string {
	keys := make([]string, 0, len(update))
	for _, k := range updateOrder {
		if _, ok := update[k]; ok {
			keys = append(keys, k)
		}
	}
	var rest []string
	for k := range update {
		if !slices.Contains(updateOrder, k) {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}

func (c *Command) processUpdate(update map[string]any) error {
	for _, key := range orderedKeys(update) {
		value := update[key]
		switch key {
		case protocol.UpdateStdout, protocol.UpdateStderr, protocol.UpdateHeader:
			text, ok := value.(string)
			if !ok {
				return fmt.Errorf("%s update is %T, want string", key, value)
			}
			if l := c.log("stdio"); l != nil {
				switch key {
				case protocol.UpdateStdout:
					l.AddStdout(text)
				case protocol.UpdateStderr:
					l.AddStderr(text)
				default:
					l.AddHeader(text)
				}
			}
		case protocol.UpdateLog:
			name, text, err := namedLogUpdate(value)
			if err != nil {
				return err
			}
			l := c.log(name)
			if l == nil {
				return fmt.Errorf("update for unknown log %q", name)
			}
			l.AddStdout(text)
		case protocol.UpdateRC:
			rc, err := asInt(value)
			if err != nil {
				return fmt.Errorf("rc update: %w", err)
			}
			c.mu.Lock()
			c.rc = &rc
			c.mu.Unlock()
			if l := c.log("stdio"); l != nil {
				l.AddHeader(fmt.Sprintf("program finished with exit code %d\n", rc))
			}
		case protocol.UpdateElapsed:
			f, ok := value.(float64)
			if !ok {
				n, err := asInt(value)
				if err != nil {
					return fmt.Errorf("elapsed update: %w", err)
				}
				f = float64(n)
			}
			c.mu.Lock()
			c.elapsed = f
			c.mu.Unlock()
		default:
			c.mu.Lock()
			c.updates[key] = append(c.updates[key], value)
			c.mu.Unlock()
		}
	}
	return nil
}

func (c *Command) log(name string) Log {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logs[name]
}

func (c *Command) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func namedLogUpdate(value any) (string, string, error) {
	switch v := value.(type) {
	case []any:
		if len(v) == 2 {
			name, ok1 := v[0].(string)
			text, ok2 := v[1].(string)
			if ok1 && ok2 {
				return name, text, nil
			}
		}
	case []string:
		if len(v) == 2 {
			return v[0], v[1], nil
		}
	}
	return "", "", fmt.Errorf("log update must be [name, text], got %v", value)
}

func asInt(value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case uint64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("%v is not an integer", v)
		}
		return int(v), nil
	}
	return 0, fmt.Errorf("unexpected type %T", value)
}
