package worker

import (
	"sync"
	"time"

	"github.com/izzyreal/buildmaster/internal/protocol"
)

// maxPendingBytes forces a flush before the batch interval when a command is
// chatty.
const maxPendingBytes = 64 << 10

// Updates collects the updates of one running command and sends them to the
// master in sequenced batches.
type Updates struct {
	commandID uint64
	send      func(msg any) error

	mu           sync.Mutex
	seq          uint64
	pending      []protocol.SequencedUpdate
	pendingBytes int
	acked        uint64
	sendErr      error

	stop chan struct{}
	done chan struct{}
}

func newUpdates(commandID uint64, interval time.Duration, send func(msg any) error) *Updates {
	u := &Updates{
		commandID: commandID,
		send:      send,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go u.loop(interval)
	return u
}

func (u *Updates) loop(interval time.Duration) {
	defer close(u.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-u.stop:
			return
		case <-ticker.C:
			_ = u.Flush()
		}
	}
}

// Send queues one update. Consecutive output on the same stream is merged.
func (u *Updates) Send(key string, value any) {
	u.mu.Lock()
	text, isText := value.(string)
	mergeable := isText && (key == protocol.UpdateStdout || key == protocol.UpdateStderr)
	if n := len(u.pending); mergeable && n > 0 {
		last := u.pending[n-1].Update
		if prev, ok := last[key].(string); ok && len(last) == 1 {
			last[key] = prev + text
			u.pendingBytes += len(text)
			full := u.pendingBytes >= maxPendingBytes
			u.mu.Unlock()
			if full {
				_ = u.Flush()
			}
			return
		}
	}
	u.pending = append(u.pending, protocol.SequencedUpdate{Seq: u.seq, Update: map[string]any{key: value}})
	u.seq++
	if isText {
		u.pendingBytes += len(text)
	}
	full := u.pendingBytes >= maxPendingBytes
	u.mu.Unlock()
	if full {
		_ = u.Flush()
	}
}

func (u *Updates) Stdout(text string) { u.Send(protocol.UpdateStdout, text) }
func (u *Updates) Stderr(text string) { u.Send(protocol.UpdateStderr, text) }
func (u *Updates) Header(text string) { u.Send(protocol.UpdateHeader, text) }
func (u *Updates) RC(rc int)          { u.Send(protocol.UpdateRC, rc) }

// Log sends text for a named log file.
func (u *Updates) Log(name, text string) {
	u.Send(protocol.UpdateLog, []any{name, text})
}

// Flush sends the queued updates. Once a send failed every later flush
// returns the same error.
func (u *Updates) Flush() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.sendErr != nil {
		return u.sendErr
	}
	if len(u.pending) == 0 {
		return nil
	}
	batch := protocol.UpdateBatch{Type: protocol.MessageUpdate, CommandID: u.commandID, Updates: u.pending}
	u.pending = nil
	u.pendingBytes = 0
	if err := u.send(batch); err != nil {
		u.sendErr = err
		return err
	}
	return nil
}

// Close stops the batching loop and sends what is left.
func (u *Updates) Close() error {
	select {
	case <-u.stop:
	default:
		close(u.stop)
	}
	<-u.done
	return u.Flush()
}

func (u *Updates) ack(seq uint64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if seq > u.acked {
		u.acked = seq
	}
}

// Acked is the highest sequence number the master confirmed.
func (u *Updates) Acked() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.acked
}
