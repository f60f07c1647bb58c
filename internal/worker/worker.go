// Package worker is the remote side of a build: it attaches to a master and
// runs the commands the master's steps send it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	defaultFlushInterval = 200 * time.Millisecond
	maxReconnectDelay    = 30 * time.Second
)

type Worker struct {
	Name    string
	BaseDir string
	// Commands maps command names to their implementations.
	Commands map[string]Command
	// FlushInterval is how often queued updates are sent to the master.
	FlushInterval time.Duration
	// LogPollInterval is how often log files named by a shell command are
	// read for new output.
	LogPollInterval time.Duration
	Logger          *slog.Logger
}

// New returns a worker offering the built-in commands its host supports.
func New(name, baseDir string) *Worker {
	tools := detectToolVersions()
	w := &Worker{
		Name:     name,
		BaseDir:  baseDir,
		Commands: defaultCommands(tools),
	}
	for tool, v := range tools {
		w.logger().Debug("detected tool", "tool", tool, "version", v)
	}
	return w
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default().With("worker", w.Name)
}

func (w *Worker) flushInterval() time.Duration {
	if w.FlushInterval > 0 {
		return w.FlushInterval
	}
	return defaultFlushInterval
}

// versions is what the worker advertises in its hello.
func (w *Worker) versions() map[string]string {
	out := make(map[string]string, len(w.Commands))
	for name, c := range w.Commands {
		out[name] = c.Version
	}
	return out
}

// Run attaches to the master until ctx is done, reconnecting with backoff.
// Without BUILDMASTER_MASTER_ADDR the master is found over mDNS.
func Run(ctx context.Context) error {
	host, _ := os.Hostname()
	name := strings.TrimSpace(envOrDefault("BUILDMASTER_WORKER_NAME", host))
	if name == "" {
		return errors.New("worker name is required (set BUILDMASTER_WORKER_NAME)")
	}
	baseDir, err := filepath.Abs(envOrDefault("BUILDMASTER_WORKER_BASEDIR", ".buildmaster-worker"))
	if err != nil {
		return fmt.Errorf("resolve worker basedir: %w", err)
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return fmt.Errorf("create worker basedir: %w", err)
	}

	w := New(name, baseDir)
	slog.Info("buildmaster worker started", "worker", name, "basedir", baseDir)
	defer slog.Info("buildmaster worker stopped", "worker", name)

	delay := time.Second
	for {
		var err error
		addr := strings.TrimSpace(os.Getenv("BUILDMASTER_MASTER_ADDR"))
		if addr == "" {
			addr, err = discoverMaster(ctx, 3*time.Second)
		}
		started := time.Now()
		if err == nil {
			slog.Info("connecting to master", "addr", addr)
			err = w.connect(ctx, addr)
		}
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > maxReconnectDelay {
			delay = time.Second
		}
		slog.Warn("worker session ended", "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

func (w *Worker) connect(ctx context.Context, addr string) error {
	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial master: %w", err)
	}
	defer cc.Close()
	return w.Attach(ctx, cc)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
