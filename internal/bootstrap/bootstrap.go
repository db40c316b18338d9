// Package bootstrap assembles the datastore, job queue and worker pools from
// resolved configuration so every binary wires them the same way.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"opticast/internal/config"
	"opticast/internal/deletion"
	"opticast/internal/jobqueue"
	"opticast/internal/observability/logging"
	"opticast/internal/observability/metrics"
	"opticast/internal/storage"
	"opticast/internal/transcode"
)

// OpenRepository opens the configured datastore.
func OpenRepository(ctx context.Context, cfg config.Config) (storage.Repository, error) {
	switch cfg.StorageDriver {
	case config.StorageDriverJSON:
		return storage.NewJSONRepository(cfg.DataPath)
	case config.StorageDriverPostgres:
		var opts []storage.Option
		if cfg.PostgresMaxConns > 0 || cfg.PostgresMinConns > 0 {
			opts = append(opts, storage.WithPostgresPoolLimits(int32(cfg.PostgresMaxConns), int32(cfg.PostgresMinConns)))
		}
		if cfg.PostgresAcquireTimeout > 0 {
			opts = append(opts, storage.WithPostgresAcquireTimeout(cfg.PostgresAcquireTimeout))
		}
		if cfg.PostgresAppName != "" {
			opts = append(opts, storage.WithPostgresApplicationName(cfg.PostgresAppName))
		}
		return storage.NewPostgresRepository(ctx, cfg.PostgresDSN, opts...)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

// Policy builds the queue retry policy from cfg.
func Policy(cfg config.Config) jobqueue.Policy {
	policy := jobqueue.DefaultPolicy()
	if cfg.JobAttempts > 0 {
		policy.Attempts = cfg.JobAttempts
	}
	if cfg.JobBackoff > 0 {
		policy.BaseDelay = cfg.JobBackoff
	}
	if cfg.JobLease > 0 {
		policy.Lease = cfg.JobLease
	}
	return policy
}

// Queue bundles the job store, its event bus and the producer client.
type Queue struct {
	Store  jobqueue.Store
	Bus    jobqueue.EventBus
	Client *jobqueue.Client
	Policy jobqueue.Policy
	// Redis is nil when jobs are kept in process.
	Redis redis.UniversalClient
}

// OpenQueue connects to Redis when configured and falls back to an in-process
// store otherwise. The in-process queue only reaches workers running in the
// same binary.
func OpenQueue(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	policy := Policy(cfg)
	if !cfg.RedisEnabled() {
		store := jobqueue.NewMemoryStore(nil)
		return &Queue{
			Store:  store,
			Bus:    jobqueue.NewMemoryBus(256),
			Client: jobqueue.NewClient(store, policy),
			Policy: policy,
		}, nil
	}
	client, err := jobqueue.NewRedisClient(jobqueue.RedisConfig{
		Addr:         cfg.RedisAddr,
		Addrs:        cfg.RedisAddrs,
		Username:     cfg.RedisUsername,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		MasterName:   cfg.RedisMasterName,
		DialTimeout:  cfg.RedisTimeout,
		ReadTimeout:  cfg.RedisTimeout,
		WriteTimeout: cfg.RedisTimeout,
	})
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	bus, err := jobqueue.NewRedisBus(ctx, jobqueue.RedisBusConfig{
		Client: client,
		Logger: logging.WithComponent(logger, "event-bus"),
		MaxLen: 100000,
	})
	if err != nil {
		client.Close()
		return nil, err
	}
	store := jobqueue.NewRedisStore(client)
	return &Queue{
		Store:  store,
		Bus:    bus,
		Client: jobqueue.NewClient(store, policy),
		Policy: policy,
		Redis:  client,
	}, nil
}

// Ping checks the queue backend.
func (q *Queue) Ping(ctx context.Context) error {
	if q.Redis == nil {
		return nil
	}
	return q.Redis.Ping(ctx).Err()
}

// Close releases the Redis connection, if any.
func (q *Queue) Close() error {
	if q.Redis == nil {
		return nil
	}
	return q.Redis.Close()
}

// Workers builds the transcode and deletion pools.
func Workers(cfg config.Config, repo storage.Repository, queue *Queue, logger *slog.Logger, recorder *metrics.Recorder) ([]*jobqueue.Worker, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	ladder, err := transcode.LoadLadderPolicy(cfg.LadderPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.MediaRoot, 0o755); err != nil {
		return nil, fmt.Errorf("prepare media root: %w", err)
	}

	transcodeLogger := logging.WithComponent(logger, "transcode")
	processor, err := transcode.NewProcessor(
		transcode.Config{MediaRoot: cfg.MediaRoot, ProgressInterval: cfg.ProgressInterval},
		transcode.FFprobe{Binary: cfg.FFprobeBinary},
		transcode.FFmpegEncoder{Binary: cfg.FFmpegBinary, Logger: transcodeLogger},
		transcode.WithLadderPolicy(ladder),
		transcode.WithLogger(transcodeLogger),
		transcode.WithMetrics(recorder),
	)
	if err != nil {
		return nil, err
	}
	remover, err := deletion.NewProcessor(cfg.MediaRoot, repo, logging.WithComponent(logger, "deletion"))
	if err != nil {
		return nil, err
	}

	pools := []struct {
		queue       string
		concurrency int
		handler     jobqueue.Handler
	}{
		{jobqueue.QueueTranscode, cfg.TranscodeWorkers, processor.Handle},
		{jobqueue.QueueDeletion, cfg.DeletionWorkers, remover.Handle},
	}
	workers := make([]*jobqueue.Worker, 0, len(pools))
	for _, pool := range pools {
		worker, err := jobqueue.NewWorker(jobqueue.WorkerConfig{
			Queue:       pool.queue,
			Concurrency: pool.concurrency,
			Handler:     pool.handler,
			Store:       queue.Store,
			Bus:         queue.Bus,
			Policy:      queue.Policy,
			Logger:      logging.WithComponent(logger, "worker"),
			Metrics:     recorder,
		})
		if err != nil {
			return nil, fmt.Errorf("%s worker: %w", pool.queue, err)
		}
		workers = append(workers, worker)
	}
	return workers, nil
}

// CloseRepository closes repo with a bounded timeout.
func CloseRepository(repo storage.Repository, logger *slog.Logger) {
	if repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := repo.Close(ctx); err != nil && !errors.Is(err, context.Canceled) && logger != nil {
		logger.Warn("failed to close datastore", "error", err)
	}
}
