package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/izzyreal/buildmaster/internal/protocol"
	"github.com/izzyreal/buildmaster/internal/version"
	"github.com/izzyreal/buildmaster/internal/workerapi"
)

// ErrRejected is returned when the master refuses the worker.
var ErrRejected = errors.New("master rejected worker")

// errMasterLost interrupts commands whose session ended.
var errMasterLost = errors.New("connection to master lost")

type session struct {
	w      *Worker
	stream workerapi.AttachClient
	logger *slog.Logger

	sendMu sync.Mutex

	mu      sync.Mutex
	running map[uint64]*runningCommand
	wg      sync.WaitGroup
}

type runningCommand struct {
	name          string
	cancel        context.CancelCauseFunc
	interruptible bool
	updates       *Updates
}

// Attach runs one session with the master reachable through cc. It returns
// when the stream ends; every command still running is stopped first.
func (w *Worker) Attach(ctx context.Context, cc grpc.ClientConnInterface) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := workerapi.Attach(ctx, cc)
	if err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	s := &session{
		w:       w,
		stream:  stream,
		logger:  w.logger(),
		running: map[uint64]*runningCommand{},
	}
	if err := s.hello(); err != nil {
		return err
	}
	return s.serve(ctx)
}

func (s *session) hello() error {
	host, _ := os.Hostname()
	if err := s.send(protocol.Hello{
		Type:         protocol.MessageHello,
		WorkerName:   s.w.Name,
		SessionID:    uuid.NewString(),
		Version:      version.Current(),
		Hostname:     host,
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		Commands:     s.w.versions(),
		TimestampUTC: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	env, err := s.stream.Recv()
	if err != nil {
		return fmt.Errorf("receive welcome: %w", err)
	}
	if workerapi.Type(env) != protocol.MessageWelcome {
		return fmt.Errorf("expected %s, got %q", protocol.MessageWelcome, workerapi.Type(env))
	}
	var welcome protocol.Welcome
	if err := workerapi.Decode(env, &welcome); err != nil {
		return fmt.Errorf("decode welcome: %w", err)
	}
	if !welcome.Accepted {
		return fmt.Errorf("%w: %s", ErrRejected, welcome.Message)
	}
	s.logger.Info("attached to master", "master", welcome.Message)
	return nil
}

func (s *session) serve(ctx context.Context) error {
	defer s.stopAll()
	for {
		env, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}
		switch workerapi.Type(env) {
		case protocol.MessageStart:
			var start protocol.StartCommand
			if err := workerapi.Decode(env, &start); err != nil {
				return fmt.Errorf("decode start: %w", err)
			}
			s.start(ctx, start)
		case protocol.MessageInterrupt:
			var in protocol.InterruptCommand
			if err := workerapi.Decode(env, &in); err != nil {
				return fmt.Errorf("decode interrupt: %w", err)
			}
			s.interrupt(in)
		case protocol.MessageUpdateAck:
			var ack protocol.UpdateAck
			if err := workerapi.Decode(env, &ack); err != nil {
				return fmt.Errorf("decode update ack: %w", err)
			}
			s.mu.Lock()
			r, ok := s.running[ack.CommandID]
			s.mu.Unlock()
			if ok {
				r.updates.ack(ack.Seq)
			}
		default:
			s.logger.Warn("ignoring unexpected master message", "type", workerapi.Type(env))
		}
	}
}

func (s *session) send(msg any) error {
	env, err := workerapi.Encode(msg)
	if err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.stream.Send(env)
}

func (s *session) ack(requestID uint64, ackErr string) {
	if err := s.send(protocol.Ack{Type: protocol.MessageAck, RequestID: requestID, Error: ackErr}); err != nil {
		s.logger.Warn("send ack failed", "request_id", requestID, "error", err)
	}
}

func (s *session) start(ctx context.Context, start protocol.StartCommand) {
	cmd, ok := s.w.Commands[start.Name]
	if !ok {
		s.ack(start.RequestID, protocol.AckErrUnknownCommand)
		return
	}

	s.mu.Lock()
	if _, dup := s.running[start.CommandID]; dup {
		s.mu.Unlock()
		s.ack(start.RequestID, fmt.Sprintf("command %d is already running", start.CommandID))
		return
	}
	cctx, cancel := context.WithCancelCause(ctx)
	r := &runningCommand{
		name:          start.Name,
		cancel:        cancel,
		interruptible: cmd.Interruptible,
		updates:       newUpdates(start.CommandID, s.w.flushInterval(), s.send),
	}
	s.running[start.CommandID] = r
	s.mu.Unlock()

	s.ack(start.RequestID, "")
	s.wg.Add(1)
	go s.execute(cctx, start, cmd, r)
}

func (s *session) execute(ctx context.Context, start protocol.StartCommand, cmd Command, r *runningCommand) {
	defer s.wg.Done()
	defer r.cancel(nil)
	logger := s.logger.With("command", start.Name, "command_id", start.CommandID)
	logger.Info("running command")

	err := cmd.Run(ctx, s.w, Args(start.Args), r.updates)
	flushErr := r.updates.Close()

	s.mu.Lock()
	delete(s.running, start.CommandID)
	s.mu.Unlock()

	if flushErr != nil {
		logger.Warn("could not deliver command output", "error", flushErr)
		return
	}
	done := protocol.Complete{Type: protocol.MessageComplete, CommandID: start.CommandID}
	if err != nil {
		done.Error = err.Error()
		logger.Error("command failed", "error", err)
	} else {
		logger.Info("command finished")
	}
	if err := s.send(done); err != nil {
		logger.Warn("send completion failed", "error", err)
	}
}

func (s *session) interrupt(in protocol.InterruptCommand) {
	s.mu.Lock()
	r, ok := s.running[in.CommandID]
	s.mu.Unlock()
	switch {
	case !ok:
		s.ack(in.RequestID, protocol.AckErrNoSuchCommand)
	case !r.interruptible:
		s.ack(in.RequestID, protocol.AckErrInterruptUnsupported)
	default:
		reason := in.Reason
		if reason == "" {
			reason = "interrupted by master"
		}
		s.logger.Info("interrupting command", "command", r.name, "command_id", in.CommandID, "reason", reason)
		r.cancel(errors.New(reason))
		s.ack(in.RequestID, "")
	}
}

// stopAll interrupts every running command and waits for them to end.
func (s *session) stopAll() {
	s.mu.Lock()
	for _, r := range s.running {
		r.cancel(errMasterLost)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
