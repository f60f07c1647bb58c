package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/izzyreal/buildmaster/internal/config"
	"github.com/izzyreal/buildmaster/internal/server"
	"github.com/izzyreal/buildmaster/internal/worker"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	initLogging()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "master":
		err = server.Run(ctx)
	case "worker":
		err = worker.Run(ctx)
	case "all-in-one":
		err = runAllInOne(ctx)
	case "check-config":
		err = checkConfig(os.Stdout, os.Args[2:])
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "buildmaster: %v\n", err)
		os.Exit(1)
	}
}

func initLogging() {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(os.Getenv("BUILDMASTER_LOG_LEVEL"))) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func runAllInOne(ctx context.Context) error {
	if os.Getenv("BUILDMASTER_MASTER_ADDR") == "" {
		_ = os.Setenv("BUILDMASTER_MASTER_ADDR", localMasterAddr(os.Getenv("BUILDMASTER_GRPC_ADDR")))
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 2)

	go func() {
		errCh <- server.Run(ctx)
	}()
	go func() {
		errCh <- worker.Run(ctx)
	}()

	err := <-errCh
	cancel()
	<-errCh
	return err
}

// localMasterAddr turns the master's listen address into one a worker on the
// same host can dial.
func localMasterAddr(listen string) string {
	listen = strings.TrimSpace(listen)
	if listen == "" {
		listen = ":9989"
	}
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "127.0.0.1:9989"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func checkConfig(out io.Writer, args []string) error {
	path := os.Getenv("BUILDMASTER_CONFIG")
	if len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		path = "buildmaster.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	steps := 0
	for _, b := range cfg.Builders {
		steps += len(b.Steps)
	}
	fmt.Fprintf(out, "%s: ok (%d builders, %d steps, %d workers, %d locks)\n", path, len(cfg.Builders), steps, len(cfg.Workers), len(cfg.Locks))
	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `buildmaster - build orchestrator

Usage:
  buildmaster <command>

Commands:
  master        Run the master (worker endpoint, HTTP API)
  worker        Run a worker
  all-in-one    Run master and worker in one process (dev mode)
  check-config  Validate a master config file
  help          Show this help
`)
}
