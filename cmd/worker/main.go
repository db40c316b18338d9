package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"opticast/internal/api"
	"opticast/internal/bootstrap"
	"opticast/internal/config"
	"opticast/internal/observability/logging"
	"opticast/internal/observability/metrics"
	"opticast/internal/serverutil"
	"opticast/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "opticast worker: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	config.LoadEnvFiles(nil, ".env")
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !cfg.RedisEnabled() {
		return errors.New("worker requires OPTICAST_REDIS_ADDR; use the server's -inline-workers without Redis")
	}

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	recorder := metrics.Default()

	repo, err := bootstrap.OpenRepository(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open datastore: %w", err)
	}
	defer bootstrap.CloseRepository(repo, logger)

	queue, err := bootstrap.OpenQueue(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open job queue: %w", err)
	}
	defer queue.Close()

	workers, err := bootstrap.Workers(cfg, repo, queue, logger, recorder)
	if err != nil {
		return err
	}
	tasks := make([]serverutil.Task, 0, len(workers))
	for _, worker := range workers {
		tasks = append(tasks, serverutil.Task{Name: worker.Queue() + "-worker", Run: worker.Run})
	}

	logger.Info("opticast worker starting",
		"transcode_workers", cfg.TranscodeWorkers,
		"deletion_workers", cfg.DeletionWorkers,
		"media_root", cfg.MediaRoot,
		"metrics_addr", cfg.MetricsAddr,
	)
	err = serverutil.Run(ctx, serverutil.Config{
		Server:          newOpsServer(cfg.MetricsAddr, repo, queue, recorder, logger),
		ShutdownTimeout: cfg.ShutdownTimeout,
		Tasks:           tasks,
		Logger:          logger,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("worker stopped")
	return nil
}

// newOpsServer exposes health and metrics for the worker process.
func newOpsServer(addr string, repo storage.Repository, queue *bootstrap.Queue, recorder *metrics.Recorder, logger *slog.Logger) *http.Server {
	r := chi.NewRouter()
	r.Get("/healthz", api.HealthHandler(repo, api.Probe{Name: "queue", Check: queue.Ping}))
	r.Handle("/metrics", recorder.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
}
