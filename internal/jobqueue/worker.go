package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"opticast/internal/observability/logging"
	"opticast/internal/observability/metrics"
)

// Handler processes one job attempt. The returned value is JSON encoded as
// the job result; an error or panic fails the attempt.
type Handler func(ctx context.Context, job *Job) (any, error)

// WorkerConfig configures a bounded worker pool for one queue.
type WorkerConfig struct {
	Queue       string
	Concurrency int
	Handler     Handler
	Store       Store
	Bus         EventBus
	Policy      Policy
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
	// PollTimeout is how long one reservation call blocks.
	PollTimeout time.Duration
	// ReapInterval is how often expired leases are recovered.
	ReapInterval time.Duration
	Clock        func() time.Time
}

// Worker runs Concurrency handlers for a queue until its context ends.
type Worker struct {
	cfg    WorkerConfig
	logger *slog.Logger
}

// NewWorker validates cfg and applies defaults.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if strings.TrimSpace(cfg.Queue) == "" {
		return nil, errors.New("worker queue is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("worker handler is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("worker store is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	cfg.Policy = cfg.Policy.withDefaults()
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = cfg.Policy.Lease / 2
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:    cfg,
		logger: logger.With("queue", cfg.Queue),
	}, nil
}

// Queue names the queue this pool drains.
func (w *Worker) Queue() string {
	return w.cfg.Queue
}

// Run blocks until ctx is cancelled. In-flight jobs see their context
// cancelled and are released back to the queue.
func (w *Worker) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		slot := i
		group.Go(func() error {
			w.loop(ctx, slot)
			return nil
		})
	}
	group.Go(func() error {
		w.reapLoop(ctx)
		return nil
	})
	w.logger.Info("worker pool started", "concurrency", w.cfg.Concurrency)
	err := group.Wait()
	w.logger.Info("worker pool stopped")
	return err
}

func (w *Worker) loop(ctx context.Context, slot int) {
	for ctx.Err() == nil {
		rec, err := w.cfg.Store.Reserve(ctx, w.cfg.Queue, w.cfg.Policy.Lease, w.cfg.PollTimeout)
		if errors.Is(err, ErrNoJob) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("reserve job failed", "slot", slot, "error", err)
			sleepCtx(ctx, w.cfg.PollTimeout)
			continue
		}
		w.process(ctx, rec)
	}
}

func (w *Worker) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		reaped, err := w.cfg.Store.Reap(ctx, w.cfg.Queue, w.cfg.Policy.Lease)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Warn("reap expired leases failed", "error", err)
			}
			continue
		}
		w.cfg.Metrics.JobsReaped(w.cfg.Queue, reaped.Total())
		if reaped.Requeued > 0 {
			w.logger.Warn("requeued jobs with expired leases", "count", reaped.Requeued)
		}
		for _, rec := range reaped.Failed {
			w.logger.Error("job failed permanently", "job_id", rec.ID, "attempt", rec.Attempt, "error", rec.LastError)
			if err := w.publish(ctx, Event{
				Type:    EventFailed,
				Queue:   rec.Queue,
				JobID:   rec.ID,
				Payload: rec.Payload,
				Error:   rec.LastError,
				Attempt: rec.Attempt,
				Final:   true,
			}); err != nil {
				w.logger.Error("publish failed event failed", "job_id", rec.ID, "error", err)
			}
		}
	}
}

func (w *Worker) process(parent context.Context, rec Record) {
	jobCtx, cancel := context.WithCancelCause(logging.ContextWithJobID(parent, rec.ID))
	defer cancel(nil)
	logger := w.logger.With("job_id", rec.ID, "attempt", rec.Attempt, "max_attempts", rec.MaxAttempts)
	jobCtx = logging.ContextWithLogger(jobCtx, logger)

	job := &Job{
		ID:          rec.ID,
		Queue:       rec.Queue,
		Attempt:     rec.Attempt,
		MaxAttempts: rec.MaxAttempts,
		Payload:     rec.Payload,
	}
	job.progress = func(ctx context.Context, percent int) error {
		return w.publish(ctx, Event{
			Type:     EventProgress,
			Queue:    rec.Queue,
			JobID:    rec.ID,
			Payload:  rec.Payload,
			Progress: percent,
			Attempt:  rec.Attempt,
		})
	}

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		w.heartbeat(jobCtx, cancel, rec, logger)
	}()

	started := w.cfg.Clock()
	w.cfg.Metrics.StartJob(rec.Queue)
	result, err := w.invoke(jobCtx, job)
	cancel(nil)
	<-heartbeatDone
	elapsed := w.cfg.Clock().Sub(started)

	// Bookkeeping must outlive a shutdown that cancelled the handler.
	ctx, done := context.WithTimeout(context.WithoutCancel(parent), 10*time.Second)
	defer done()

	switch {
	case err == nil:
		w.complete(ctx, rec, result, elapsed, logger)
	case parent.Err() != nil:
		w.cfg.Metrics.FinishJob(rec.Queue, metrics.OutcomeReleased, elapsed)
		if relErr := w.cfg.Store.Release(ctx, rec); relErr != nil && !errors.Is(relErr, ErrLeaseLost) {
			logger.Warn("release job on shutdown failed", "error", relErr)
		}
		logger.Info("job released on shutdown")
	default:
		w.fail(ctx, rec, err, elapsed, logger)
	}
}

func (w *Worker) invoke(ctx context.Context, job *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.FromContext(ctx, w.logger).Error("job handler panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return w.cfg.Handler(ctx, job)
}

// heartbeat renews the lease at a third of its length. Losing the lease
// cancels the handler with ErrLeaseLost as the cause; another worker now
// owns the job.
func (w *Worker) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, rec Record, logger *slog.Logger) {
	interval := w.cfg.Policy.Lease / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := w.cfg.Store.Extend(ctx, rec, w.cfg.Policy.Lease)
		if errors.Is(err, ErrLeaseLost) || errors.Is(err, ErrJobNotFound) {
			logger.Warn("job lease lost; abandoning attempt")
			cancel(ErrLeaseLost)
			return
		}
		if err != nil && ctx.Err() == nil {
			logger.Warn("extend job lease failed", "error", err)
		}
	}
}

func (w *Worker) complete(ctx context.Context, rec Record, result any, elapsed time.Duration, logger *slog.Logger) {
	var raw json.RawMessage
	if result != nil {
		encoded, err := json.Marshal(result)
		if err != nil {
			w.fail(ctx, rec, fmt.Errorf("encode job result: %w", err), elapsed, logger)
			return
		}
		raw = encoded
	}
	if err := w.cfg.Store.Complete(ctx, rec, raw, w.cfg.Policy.RemoveOnComplete); err != nil {
		w.cfg.Metrics.FinishJob(rec.Queue, metrics.OutcomeReleased, elapsed)
		logger.Warn("complete job failed", "error", err)
		return
	}
	w.cfg.Metrics.FinishJob(rec.Queue, metrics.OutcomeCompleted, elapsed)
	logger.Info("job completed", "duration_ms", elapsed.Milliseconds())
	if err := w.publish(ctx, Event{
		Type:    EventCompleted,
		Queue:   rec.Queue,
		JobID:   rec.ID,
		Payload: rec.Payload,
		Result:  raw,
		Attempt: rec.Attempt,
	}); err != nil {
		logger.Error("publish completed event failed", "error", err)
	}
}

func (w *Worker) fail(ctx context.Context, rec Record, cause error, elapsed time.Duration, logger *slog.Logger) {
	reason := cause.Error()
	final := IsUnrecoverable(cause) || rec.Attempt >= rec.MaxAttempts
	var err error
	if final {
		err = w.cfg.Store.Fail(ctx, rec, reason)
	} else {
		delay := w.cfg.Policy.Backoff(rec.Attempt)
		err = w.cfg.Store.Retry(ctx, rec, w.cfg.Clock().Add(delay), reason)
		logger = logger.With("retry_in", delay.String())
	}
	if err != nil {
		w.cfg.Metrics.FinishJob(rec.Queue, metrics.OutcomeReleased, elapsed)
		logger.Warn("record job failure failed", "error", err, "cause", reason)
		return
	}
	if final {
		w.cfg.Metrics.FinishJob(rec.Queue, metrics.OutcomeFailed, elapsed)
		logger.Error("job failed permanently", "error", reason)
	} else {
		w.cfg.Metrics.FinishJob(rec.Queue, metrics.OutcomeRetried, elapsed)
		logger.Warn("job attempt failed", "error", reason)
	}
	if pubErr := w.publish(ctx, Event{
		Type:    EventFailed,
		Queue:   rec.Queue,
		JobID:   rec.ID,
		Payload: rec.Payload,
		Error:   reason,
		Attempt: rec.Attempt,
		Final:   final,
	}); pubErr != nil {
		logger.Error("publish failed event failed", "error", pubErr)
	}
}

func (w *Worker) publish(ctx context.Context, event Event) error {
	if w.cfg.Bus == nil {
		return nil
	}
	event.OccurredAt = w.cfg.Clock().UTC()
	return w.cfg.Bus.Publish(ctx, event)
}
