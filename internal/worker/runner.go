package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/izzyreal/buildmaster/internal/protocol"
)

// killGrace is how long an interrupted process tree gets before SIGKILL.
const killGrace = 2 * time.Second

// process is one program run on behalf of a command.
type process struct {
	argv []string
	dir  string
	env  map[string]string
	// timeout kills the process after this long without output.
	timeout time.Duration
	// maxTime kills the process after this long in total.
	maxTime  time.Duration
	logFiles map[string]string
	// quiet suppresses the command header and stdout streaming.
	quiet   bool
	capture *bytes.Buffer

	logPollInterval time.Duration
}

// outputWriter forwards process output to the master.
type outputWriter struct {
	send    func(string)
	touch   func()
	capture *bytes.Buffer
	mu      *sync.Mutex
}

func (w *outputWriter) Write(p []byte) (int, error) {
	w.touch()
	if w.capture != nil {
		w.mu.Lock()
		w.capture.Write(p)
		w.mu.Unlock()
	}
	if w.send != nil {
		w.send(string(p))
	}
	return len(p), nil
}

// run executes p and returns its exit code. A process killed for a timeout
// or an interrupt reports -1. The error is set only when the process could
// not be started.
func run(ctx context.Context, p process, up *Updates) (int, error) {
	if len(p.argv) == 0 {
		return -1, errors.New("empty command")
	}
	if !p.quiet {
		up.Header(fmt.Sprintf("%s\n in dir %s\n", strings.Join(p.argv, " "), p.dir))
	}

	cmd := exec.Command(p.argv[0], p.argv[1:]...)
	cmd.Dir = p.dir
	cmd.Env = os.Environ()
	for _, k := range sortedKeys(p.env) {
		cmd.Env = append(cmd.Env, k+"="+p.env[k])
	}
	cmd.Stdin = nil
	cmd.WaitDelay = killGrace
	prepareCommandForCancellation(cmd)

	var lastOutput atomic.Int64
	lastOutput.Store(time.Now().UnixNano())
	touch := func() { lastOutput.Store(time.Now().UnixNano()) }
	var captureMu sync.Mutex
	stdout := &outputWriter{touch: touch, capture: p.capture, mu: &captureMu}
	if !p.quiet {
		stdout.send = up.Stdout
	}
	cmd.Stdout = stdout
	cmd.Stderr = &outputWriter{send: up.Stderr, touch: touch}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		up.Header(fmt.Sprintf("failed to start %s: %v\n", p.argv[0], err))
		return -1, fmt.Errorf("start %s: %w", p.argv[0], err)
	}

	stopLogs := watchLogFiles(p.dir, p.logFiles, p.logPollInterval, up)

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
	}()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var killReason string
	var waitErr error
wait:
	for {
		select {
		case waitErr = <-waitCh:
			break wait
		case <-ctx.Done():
			killReason = fmt.Sprintf("command interrupted: %v", context.Cause(ctx))
		case <-ticker.C:
			now := time.Now()
			if p.maxTime > 0 && now.Sub(started) > p.maxTime {
				killReason = fmt.Sprintf("command timed out: %s elapsed", p.maxTime)
			} else if p.timeout > 0 && now.Sub(time.Unix(0, lastOutput.Load())) > p.timeout {
				killReason = fmt.Sprintf("command timed out: %s without output", p.timeout)
			}
		}
		if killReason != "" {
			waitErr = stopProcess(cmd, waitCh)
			break
		}
	}
	stopLogs()

	elapsed := time.Since(started)
	up.Send(protocol.UpdateElapsed, elapsed.Seconds())
	if killReason != "" {
		up.Header(killReason + "\n")
		return -1, nil
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			// Output copying failed after the process exited.
			up.Header(fmt.Sprintf("wait: %v\n", waitErr))
		}
	}
	return cmd.ProcessState.ExitCode(), nil
}

// stopProcess interrupts the process tree and kills it if it does not exit
// within killGrace.
func stopProcess(cmd *exec.Cmd, waitCh <-chan error) error {
	_ = interruptCommandTree(cmd)
	timer := time.NewTimer(killGrace)
	defer timer.Stop()
	select {
	case err := <-waitCh:
		return err
	case <-timer.C:
	}
	_ = killCommandTree(cmd)
	select {
	case err := <-waitCh:
		return err
	case <-time.After(killGrace):
		return errors.New("process did not exit after kill")
	}
}

// watchLogFiles streams files the command writes into named logs.
func watchLogFiles(dir string, files map[string]string, interval time.Duration, up *Updates) func() {
	if len(files) == 0 {
		return func() {}
	}
	if interval <= 0 {
		interval = time.Second
	}
	offsets := map[string]int64{}
	poll := func() {
		for _, name := range sortedKeys(files) {
			path, err := resolveDir(dir, files[name])
			if err != nil {
				continue
			}
			offsets[name] = tailFile(path, offsets[name], func(text string) { up.Log(name, text) })
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				poll()
				return
			case <-ticker.C:
				poll()
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

// tailFile sends what was appended to path since offset and returns the new
// offset.
func tailFile(path string, offset int64, send func(string)) int64 {
	f, err := os.Open(path)
	if err != nil {
		return offset
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return offset
	}
	if info.Size() < offset {
		// Truncated; start over.
		offset = 0
	}
	if info.Size() == offset {
		return offset
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset
	}
	data, _ := io.ReadAll(io.LimitReader(f, info.Size()-offset))
	if len(data) > 0 {
		send(string(data))
	}
	return offset + int64(len(data))
}
