package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/izzyreal/buildmaster/internal/protocol"
	"github.com/izzyreal/buildmaster/internal/remote"
	"github.com/izzyreal/buildmaster/internal/requirements"
	"github.com/izzyreal/buildmaster/internal/workerapi"
)

// ackTimeout bounds how long the master waits for a worker to acknowledge a
// start or interrupt.
const ackTimeout = 30 * time.Second

// workerConn is one attached worker. It implements remote.Conn.
type workerConn struct {
	hello     protocol.Hello
	maxBuilds int
	send      func(*structpb.Struct) error
	logger    *slog.Logger

	sendMu sync.Mutex

	mu          sync.Mutex
	nextRequest uint64
	acks        map[uint64]chan string
	receivers   map[uint64]remote.Receiver
	onLost      map[int]func()
	nextLost    int
	closed      bool
	running     int
	lastSeen    time.Time
	done        chan struct{}
}

var _ remote.Conn = (*workerConn)(nil)

func newWorkerConn(hello protocol.Hello, maxBuilds int, send func(*structpb.Struct) error) *workerConn {
	return &workerConn{
		hello:     hello,
		maxBuilds: maxBuilds,
		send:      send,
		logger:    slog.Default().With("worker", hello.WorkerName),
		acks:      map[uint64]chan string{},
		receivers: map[uint64]remote.Receiver{},
		onLost:    map[int]func(){},
		lastSeen:  time.Now(),
		done:      make(chan struct{}),
	}
}

func (c *workerConn) WorkerName() string { return c.hello.WorkerName }

func (c *workerConn) CommandVersion(name string) (string, bool) {
	v, ok := c.hello.Commands[name]
	return v, ok
}

func (c *workerConn) snapshot() requirements.WorkerSnapshot {
	return requirements.WorkerSnapshot{
		Name:     c.hello.WorkerName,
		OS:       c.hello.OS,
		Arch:     c.hello.Arch,
		Commands: c.hello.Commands,
	}
}

func (c *workerConn) sendMessage(msg any) error {
	env, err := workerapi.Encode(msg)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.send(env); err != nil {
		return fmt.Errorf("%w: %v", remote.ErrConnectionLost, err)
	}
	return nil
}

// request sends msg built around a fresh request id and waits for the ack.
func (c *workerConn) request(ctx context.Context, build func(requestID uint64) any) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", remote.ErrConnectionLost
	}
	c.nextRequest++
	id := c.nextRequest
	ch := make(chan string, 1)
	c.acks[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.acks, id)
		c.mu.Unlock()
	}()

	if err := c.sendMessage(build(id)); err != nil {
		return "", err
	}

	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()
	select {
	case ackErr, ok := <-ch:
		if !ok {
			return "", remote.ErrConnectionLost
		}
		return ackErr, nil
	case <-c.done:
		return "", remote.ErrConnectionLost
	case <-ctx.Done():
		return "", context.Cause(ctx)
	case <-timer.C:
		return "", fmt.Errorf("worker %s did not acknowledge request %d", c.WorkerName(), id)
	}
}

func (c *workerConn) StartCommand(ctx context.Context, r remote.Receiver, id uint64, name string, args map[string]any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return remote.ErrConnectionLost
	}
	c.receivers[id] = r
	c.mu.Unlock()

	ackErr, err := c.request(ctx, func(requestID uint64) any {
		return protocol.StartCommand{Type: protocol.MessageStart, RequestID: requestID, CommandID: id, Name: name, Args: args}
	})
	if err == nil && ackErr != "" {
		err = ackError(ackErr)
	}
	if err != nil {
		c.mu.Lock()
		delete(c.receivers, id)
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *workerConn) InterruptCommand(ctx context.Context, id uint64, reason error) error {
	msg := ""
	if reason != nil {
		msg = reason.Error()
	}
	ackErr, err := c.request(ctx, func(requestID uint64) any {
		return protocol.InterruptCommand{Type: protocol.MessageInterrupt, RequestID: requestID, CommandID: id, Reason: msg}
	})
	if err != nil {
		return err
	}
	if ackErr == protocol.AckErrNoSuchCommand {
		return nil
	}
	if ackErr != "" {
		return ackError(ackErr)
	}
	return nil
}

func ackError(msg string) error {
	switch msg {
	case protocol.AckErrUnknownCommand:
		return remote.ErrUnknownCommand
	case protocol.AckErrInterruptUnsupported:
		return remote.ErrInterruptUnsupported
	default:
		return errors.New(msg)
	}
}

func (c *workerConn) NotifyOnDisconnect(fn func()) func() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		go fn()
		return func() {}
	}
	c.nextLost++
	key := c.nextLost
	c.onLost[key] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.onLost, key)
	}
}

// handle processes one message from the worker.
func (c *workerConn) handle(env *structpb.Struct) error {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()

	switch workerapi.Type(env) {
	case protocol.MessageAck:
		var ack protocol.Ack
		if err := workerapi.Decode(env, &ack); err != nil {
			return err
		}
		c.mu.Lock()
		ch, ok := c.acks[ack.RequestID]
		c.mu.Unlock()
		if !ok {
			c.logger.Warn("ack for unknown request", "request_id", ack.RequestID)
			return nil
		}
		select {
		case ch <- ack.Error:
		default:
			c.logger.Warn("duplicate ack", "request_id", ack.RequestID)
		}
	case protocol.MessageUpdate:
		var batch protocol.UpdateBatch
		if err := workerapi.Decode(env, &batch); err != nil {
			return err
		}
		c.mu.Lock()
		r, ok := c.receivers[batch.CommandID]
		c.mu.Unlock()
		var seq uint64
		if ok {
			seq = r.RemoteUpdate(batch.Updates)
		} else {
			for _, u := range batch.Updates {
				seq = max(seq, u.Seq)
			}
			c.logger.Debug("updates for unknown command acknowledged", "command_id", batch.CommandID)
		}
		return c.sendMessage(protocol.UpdateAck{Type: protocol.MessageUpdateAck, CommandID: batch.CommandID, Seq: seq})
	case protocol.MessageComplete:
		var done protocol.Complete
		if err := workerapi.Decode(env, &done); err != nil {
			return err
		}
		c.mu.Lock()
		r, ok := c.receivers[done.CommandID]
		delete(c.receivers, done.CommandID)
		c.mu.Unlock()
		if !ok {
			c.logger.Warn("completion for unknown command", "command_id", done.CommandID)
			return nil
		}
		var err error
		if done.Error != "" {
			err = errors.New(done.Error)
		}
		r.RemoteComplete(err)
	default:
		c.logger.Warn("ignoring unexpected worker message", "type", workerapi.Type(env))
	}
	return nil
}

// close marks the connection lost. Disconnect callbacks run before any
// outstanding command is completed so builds see the loss first.
func (c *workerConn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	callbacks := make([]func(), 0, len(c.onLost))
	keys := make([]int, 0, len(c.onLost))
	for k := range c.onLost {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	for _, k := range keys {
		callbacks = append(callbacks, c.onLost[k])
	}
	c.onLost = map[int]func(){}
	receivers := c.receivers
	c.receivers = map[uint64]remote.Receiver{}
	c.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
	for _, r := range receivers {
		r.RemoteComplete(remote.ErrConnectionLost)
	}
}

// reserve claims a build slot on the worker.
func (c *workerConn) reserve() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.running >= c.maxBuilds {
		return false
	}
	c.running++
	return true
}

func (c *workerConn) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running > 0 {
		c.running--
	}
}

func (c *workerConn) view() protocol.WorkerView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return protocol.WorkerView{
		Name:         c.hello.WorkerName,
		Connected:    !c.closed,
		Hostname:     c.hello.Hostname,
		OS:           c.hello.OS,
		Arch:         c.hello.Arch,
		Version:      c.hello.Version,
		Commands:     c.hello.Commands,
		RunningBuild: c.running,
		MaxBuilds:    c.maxBuilds,
		LastSeenUTC:  c.lastSeen.UTC(),
	}
}

// workerService accepts worker streams.
type workerService struct {
	m *Master
}

func (s *workerService) Attach(stream workerapi.AttachServer) error {
	first, err := stream.Recv()
	if err != nil {
		return err
	}
	if workerapi.Type(first) != protocol.MessageHello {
		return status.Errorf(codes.InvalidArgument, "expected %s, got %q", protocol.MessageHello, workerapi.Type(first))
	}
	var hello protocol.Hello
	if err := workerapi.Decode(first, &hello); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode hello: %v", err)
	}

	conn, err := s.m.attachWorker(hello, stream.Send)
	if err != nil {
		reply, encErr := workerapi.Encode(protocol.Welcome{Type: protocol.MessageWelcome, Accepted: false, Message: err.Error()})
		if encErr == nil {
			_ = stream.Send(reply)
		}
		return status.Error(codes.PermissionDenied, err.Error())
	}
	defer s.m.detachWorker(conn)

	if err := conn.sendMessage(protocol.Welcome{Type: protocol.MessageWelcome, Accepted: true, Message: s.m.name()}); err != nil {
		return err
	}
	s.m.dispatch()

	for {
		env, err := stream.Recv()
		if err != nil {
			conn.logger.Info("worker stream closed", "error", err)
			return nil
		}
		if err := conn.handle(env); err != nil {
			conn.logger.Error("handle worker message", "error", err)
			return status.Error(codes.InvalidArgument, err.Error())
		}
	}
}
