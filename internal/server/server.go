package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"

	"github.com/izzyreal/buildmaster/internal/config"
	"github.com/izzyreal/buildmaster/internal/metrics"
	"github.com/izzyreal/buildmaster/internal/store"
	"github.com/izzyreal/buildmaster/internal/workerapi"
)

// Run starts the master: the worker gRPC endpoint, the HTTP API and the
// mDNS advertiser. It returns once ctx is done and running builds finish.
func Run(ctx context.Context) error {
	configPath := envOrDefault("BUILDMASTER_CONFIG", "buildmaster.yaml")
	httpAddr := envOrDefault("BUILDMASTER_HTTP_ADDR", ":8112")
	grpcAddr := envOrDefault("BUILDMASTER_GRPC_ADDR", ":9989")
	dbPath := envOrDefault("BUILDMASTER_DB", "buildmaster.db")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	met := metrics.New(reg)

	m, err := NewMaster(cfg, db, met)
	if err != nil {
		return err
	}
	m.Start(ctx)

	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("listen worker endpoint: %w", err)
	}
	grpcSrv := grpc.NewServer()
	workerapi.RegisterWorkerServiceServer(grpcSrv, m.WorkerService())

	srv := &http.Server{
		Addr:              httpAddr,
		Handler:           buildRouter(m, met.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("worker endpoint started", "addr", lis.Addr().String())
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("serve workers: %w", err)
		}
	}()
	go func() {
		slog.Info("buildmaster started", "name", m.name(), "addr", httpAddr)
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen and serve: %w", err)
		}
	}()

	stopMDNS := startMDNSAdvertiser(m.name(), grpcAddr, httpAddr)
	defer stopMDNS()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("shutdown server: %w", err)
	}
	// Stopping the gRPC server drops every worker stream, which ends the
	// builds still running on them.
	grpcSrv.Stop()
	m.Wait()
	slog.Info("buildmaster stopped")
	return runErr
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
