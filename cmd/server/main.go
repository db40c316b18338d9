package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"opticast/internal/api"
	"opticast/internal/bootstrap"
	"opticast/internal/config"
	"opticast/internal/contentgate"
	"opticast/internal/ingest"
	"opticast/internal/observability/logging"
	"opticast/internal/observability/metrics"
	"opticast/internal/playback"
	"opticast/internal/server"
	"opticast/internal/serverutil"
	"opticast/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "opticast server: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	config.LoadEnvFiles(nil, ".env")
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	inlineWorkers := fs.Bool("inline-workers", false, "run transcode and deletion workers inside this process")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := cfg.ValidateServer(); err != nil {
		return err
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

	// Without Redis the queue lives in this process, so nothing else can
	// drain it.
	inline := *inlineWorkers || queue.Redis == nil

	gate, err := newContentGate(cfg, logger, recorder)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return fmt.Errorf("prepare upload directory: %w", err)
	}
	svc, err := ingest.NewService(ingest.ServiceConfig{
		Repository: repo,
		Gate:       gate,
		Queue:      queue.Client,
		Logger:     logging.WithComponent(logger, "ingest"),
	})
	if err != nil {
		return err
	}
	apiHandler, err := api.NewHandler(api.HandlerConfig{
		Store:          repo,
		Ingest:         svc,
		UploadDir:      cfg.UploadDir,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Probes:         []api.Probe{{Name: "queue", Check: queue.Ping}},
		Logger:         logging.WithComponent(logger, "api"),
	})
	if err != nil {
		return err
	}
	playbackHandler, err := newPlaybackHandler(cfg, repo, logger, recorder)
	if err != nil {
		return err
	}

	srv, err := server.New(apiHandler, playbackHandler, server.Config{
		Addr: cfg.Addr,
		TLS:  server.TLSConfig{CertFile: cfg.TLSCertFile, KeyFile: cfg.TLSKeyFile},
		RateLimit: server.RateLimitConfig{
			RequestLimit:  cfg.RequestLimit,
			RequestWindow: cfg.RequestWindow,
			StrictLimit:   cfg.StrictLimit,
			StrictWindow:  cfg.StrictWindow,
			TrustProxy:    cfg.TrustProxy,
			Redis:         queue.Redis,
			RedisTimeout:  cfg.RedisTimeout,
			Disabled:      cfg.RateLimitDisabled,
		},
		CORS:    server.CORSConfig{ManagementOrigins: cfg.ManagementOrigins},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		return fmt.Errorf("initialise server: %w", err)
	}

	tasks, err := backgroundTasks(cfg, repo, queue, inline, logger, recorder)
	if err != nil {
		return err
	}

	logger.Info("opticast server starting", newStartupSummary(cfg, inline).LogArgs()...)
	tlsFiles := srv.TLS()
	err = serverutil.Run(ctx, serverutil.Config{
		Server:          srv.HTTPServer(),
		TLS:             serverutil.TLSConfig{CertFile: tlsFiles.CertFile, KeyFile: tlsFiles.KeyFile},
		ShutdownTimeout: cfg.ShutdownTimeout,
		Tasks:           tasks,
		Logger:          logger,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("server stopped")
	return nil
}

func newContentGate(cfg config.Config, logger *slog.Logger, recorder *metrics.Recorder) (*contentgate.Gate, error) {
	classifier, err := contentgate.NewHTTPClassifier(contentgate.HTTPClassifierConfig{
		Endpoint:   cfg.ClassifierURL,
		Token:      cfg.ClassifierToken,
		Timeout:    cfg.ClassifierTimeout,
		MaxRetries: cfg.ClassifierRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("configure classifier: %w", err)
	}
	opts := []contentgate.Option{
		contentgate.WithLogger(logging.WithComponent(logger, "contentgate")),
		contentgate.WithMetrics(recorder),
	}
	if cfg.GateCacheSize > 0 {
		opts = append(opts, contentgate.WithCache(contentgate.NewFIFOCache(cfg.GateCacheSize)))
	}
	return contentgate.New(contentgate.Config{
		SampleInterval: cfg.SampleInterval,
		MaxFrames:      cfg.MaxFrames,
		FlagThreshold:  cfg.FlagThreshold,
		RejectRatio:    cfg.RejectRatio,
		Workers:        cfg.GateWorkers,
	}, contentgate.FFmpegExtractor{Binary: cfg.FFmpegBinary}, classifier, opts...)
}

func newPlaybackHandler(cfg config.Config, repo playback.Store, logger *slog.Logger, recorder *metrics.Recorder) (*playback.Handler, error) {
	tokens, err := playback.NewTokenService(playback.TokenConfig{
		TokenSecret:  cfg.TokenSecret,
		CookieSecret: cfg.CookieSecret,
		TTL:          cfg.TokenTTL,
	})
	if err != nil {
		return nil, err
	}
	cookie := playback.CookiePolicy{SecureMode: playback.CookieSecureAuto}
	if cfg.CookieSecure == "always" {
		cookie.SecureMode = playback.CookieSecureAlways
	}
	return playback.NewHandler(playback.HandlerConfig{
		Store:     repo,
		Tokens:    tokens,
		MediaRoot: cfg.MediaRoot,
		Cookie:    cookie,
		Logger:    logging.WithComponent(logger, "playback"),
		Metrics:   recorder,
	})
}

func backgroundTasks(cfg config.Config, repo storage.Repository, queue *bootstrap.Queue, inline bool, logger *slog.Logger, recorder *metrics.Recorder) ([]serverutil.Task, error) {
	mirror, err := ingest.NewStatusMirror(repo, queue.Bus, queue.Client, logging.WithComponent(logger, "status-mirror"))
	if err != nil {
		return nil, err
	}
	tasks := []serverutil.Task{{Name: "status-mirror", Run: mirror.Run}}
	if cfg.ReconcileInterval > 0 {
		reconciler := ingest.NewReconciler(repo, logging.WithComponent(logger, "reconciler"))
		tasks = append(tasks, serverutil.Task{
			Name: "reconciler",
			Run: func(ctx context.Context) error {
				return reconciler.RunEvery(ctx, cfg.ReconcileInterval)
			},
		})
	}
	if !inline {
		return tasks, nil
	}
	workers, err := bootstrap.Workers(cfg, repo, queue, logger, recorder)
	if err != nil {
		return nil, err
	}
	for _, worker := range workers {
		tasks = append(tasks, serverutil.Task{Name: worker.Queue() + "-worker", Run: worker.Run})
	}
	return tasks, nil
}
