package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/crmsync/internal/api"
	"github.com/hyperengineering/crmsync/internal/service"
	"github.com/hyperengineering/crmsync/internal/types"
	"github.com/hyperengineering/crmsync/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run scheduled syncs and the status API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration and initialize logger
	cfg, err := loadConfig(os.Stdout)
	if err != nil {
		return err
	}
	if err := cfg.ValidateServer(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	slog.Info("configuration loaded", "level", cfg.Log.Level)

	// 3. Open source client, target store, ledger and exporter
	svc, err := service.Open(ctx, cfg)
	if err != nil {
		return err
	}

	// 4. Coordinators and schedule
	entities := cfg.EnabledEntities()
	syncs := worker.NewSyncCoordinator(svc, entities)
	snapshots := worker.NewSnapshotCoordinator(svc, entities)

	scheduler := worker.NewScheduler()
	if err := scheduler.AddSync(cfg.Schedule.Sync, syncs); err != nil {
		svc.Close()
		return err
	}
	if err := scheduler.AddSnapshot(cfg.Schedule.Snapshot, snapshots); err != nil {
		svc.Close()
		return err
	}
	slog.Info("scheduler initialized", "jobs", scheduler.Jobs(), "entities", len(entities))

	// 5. Initialize HTTP router
	handler := api.NewHandler(svc.Ledger(), syncs, snapshots, types.AllEntities, cfg.Auth.APIKey, Version)
	router := api.NewRouter(handler)
	slog.Info("router initialized")

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 6. Workers
	var wg sync.WaitGroup
	startWorker(ctx, &wg, "scheduler", scheduler.Run)

	// 7. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 8. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdown(srv, time.Duration(cfg.Server.ShutdownTimeout), &wg, syncs, snapshots)

	if err := svc.Close(); err != nil {
		slog.Error("service close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

type stopper interface {
	Stop()
}

// shutdown drains the HTTP server first so no new runs are triggered, then
// cancels in-flight runs and waits for workers.
func shutdown(srv *http.Server, timeout time.Duration, wg *sync.WaitGroup, coordinators ...stopper) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	for _, c := range coordinators {
		c.Stop()
	}
	wg.Wait()
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
