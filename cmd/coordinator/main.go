// Command coordinator runs the shared-state maintenance loops: retry and
// reclaim sweepers, the auto-scaler, and the metrics endpoint. One
// coordinator per deployment is enough; a second one is harmless since
// every mutation goes through conditional writes.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/agentcoord/internal/adapter/observability"
	"github.com/fairyhunter13/agentcoord/internal/app"
	"github.com/fairyhunter13/agentcoord/internal/config"
	"github.com/fairyhunter13/agentcoord/internal/service/scaler"
	"github.com/fairyhunter13/agentcoord/internal/service/spawner"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = observability.ContextWithLogger(ctx, logger)

	client, err := app.Session(ctx, cfg, app.SessionSpec{
		Role:      "coordinator",
		Name:      "coordinator",
		WorkingOn: "queue maintenance",
	})
	if err != nil {
		slog.Error("session open failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := client.Close(); err != nil {
			slog.Error("session close failed", slog.Any("error", err))
		}
	}()
	slog.Info("coordinator up",
		slog.String("agent_id", client.AgentID),
		slog.String("backend", string(client.Mode)))

	// Maintenance loops.
	go client.Queue().RunRetrySweeper(ctx, cfg.RetrySweepInterval)
	go client.Queue().RunReclaimSweeper(ctx, client.Registry(), cfg.ReclaimSweepInterval)

	// Worker pool under scaler policy.
	var spawnOpts []spawner.Option
	if cfg.WorkerBinary != "" {
		spawnOpts = append(spawnOpts, spawner.WithProcessRuntime(cfg.WorkerBinary))
	}
	if cfg.WorkerImage != "" {
		spawnOpts = append(spawnOpts, spawner.WithDockerRuntime(cfg.WorkerImage))
	}
	pool := spawner.New(cfg.RedisURL, cfg.FallbackDir, spawnOpts...)
	if cfg.MaxWorkers > 0 && len(spawnOpts) > 0 {
		sc := scaler.New(client.Backend(), client.Queue(), pool, scaler.Policy{
			MinWorkers:     cfg.MinWorkers,
			MaxWorkers:     cfg.MaxWorkers,
			TasksPerWorker: cfg.TasksPerWorker,
			Mode:           spawner.Mode(cfg.SpawnMode),
			IdleGrace:      cfg.WorkerIdleGrace,
		})
		go sc.Run(ctx, cfg.ScalerInterval)
	}

	// Metrics + health endpoint.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := client.Ready(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("metrics server starting", slog.Int("port", cfg.MetricsPort))
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", slog.Any("error", err))
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := pool.TerminateAll(shutdownCtx, 10*time.Second); err != nil {
		slog.Error("worker shutdown failed", slog.Any("error", err))
	}
}
