// Package transcode turns admitted uploads into an encrypted adaptive HLS
// ladder.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"opticast/internal/jobqueue"
	"opticast/internal/models"
	"opticast/internal/observability/logging"
	"opticast/internal/observability/metrics"
)

// DefaultConcurrency is the transcode worker pool size.
const DefaultConcurrency = 2

// Config locates outputs and tunes progress reporting.
type Config struct {
	// MediaRoot is the directory delivery paths are relative to.
	MediaRoot string
	// KeyURIBase prefixes the key URI written into playlists.
	KeyURIBase       string
	Cores            int
	ProgressInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.KeyURIBase == "" {
		c.KeyURIBase = "/media"
	}
	if c.Cores <= 0 {
		c.Cores = runtime.NumCPU()
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 2 * time.Second
	}
	return c
}

// Processor handles transcode jobs.
type Processor struct {
	cfg     Config
	policy  LadderPolicy
	prober  Prober
	encoder Encoder
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time
}

// ProcessorOption customises a Processor.
type ProcessorOption func(*Processor)

func WithLadderPolicy(policy LadderPolicy) ProcessorOption {
	return func(p *Processor) { p.policy = policy }
}

func WithLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithMetrics(recorder *metrics.Recorder) ProcessorOption {
	return func(p *Processor) {
		if recorder != nil {
			p.metrics = recorder
		}
	}
}

// NewProcessor validates the configuration and wires the ffmpeg tooling.
func NewProcessor(cfg Config, prober Prober, encoder Encoder, opts ...ProcessorOption) (*Processor, error) {
	if strings.TrimSpace(cfg.MediaRoot) == "" {
		return nil, errors.New("transcode: media root is required")
	}
	if prober == nil {
		return nil, errors.New("transcode: prober is required")
	}
	if encoder == nil {
		return nil, errors.New("transcode: encoder is required")
	}
	p := &Processor{
		cfg:     cfg.withDefaults(),
		policy:  DefaultLadderPolicy(),
		prober:  prober,
		encoder: encoder,
		logger:  logging.Discard(),
		metrics: metrics.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Handle is the jobqueue handler for the transcode queue.
func (p *Processor) Handle(ctx context.Context, job *jobqueue.Job) (any, error) {
	var payload models.TranscodePayload
	if err := job.Decode(&payload); err != nil {
		return nil, jobqueue.Unrecoverable(err)
	}
	if err := payload.Validate(); err != nil {
		return nil, jobqueue.Unrecoverable(fmt.Errorf("invalid transcode payload: %w", err))
	}
	ctx = logging.ContextWithAssetID(ctx, payload.AssetID)
	logger := logging.FromContext(ctx, p.logger).With("asset_id", payload.AssetID, "attempt", job.Attempt)

	relDir := models.AssetDir(payload.CollectionID, payload.AssetID)
	workDir := filepath.Join(p.cfg.MediaRoot, filepath.FromSlash(relDir))

	// A redelivered job starts from an empty directory.
	if err := os.RemoveAll(workDir); err != nil {
		return nil, fmt.Errorf("reset working directory: %w", err)
	}

	result, err := p.transcode(ctx, job, payload, relDir, workDir, logger)
	if jobqueue.LeaseLost(ctx) {
		logger.Warn("lease lost mid-transcode; leaving working directory to the new attempt", "dir", workDir)
		if err == nil {
			err = jobqueue.ErrLeaseLost
		}
		return nil, err
	}
	if err != nil {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			logger.Error("failed to clean up working directory", "dir", workDir, "error", rmErr)
		}
		return nil, err
	}

	if err := os.Remove(payload.InputPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to remove source upload", "path", payload.InputPath, "error", err)
	}
	logger.Info("transcode completed", "delivery_path", result.DeliveryPath, "renditions", len(result.Renditions))
	return result, nil
}

func (p *Processor) transcode(ctx context.Context, job *jobqueue.Job, payload models.TranscodePayload, relDir, workDir string, logger *slog.Logger) (models.TranscodeResult, error) {
	if err := job.ReportProgress(ctx, 0); err != nil {
		logger.Debug("progress report dropped", "error", err)
	}
	info, err := p.prober.Probe(ctx, payload.InputPath)
	if err != nil {
		return models.TranscodeResult{}, fmt.Errorf("probe source: %w", err)
	}
	logger.Debug("source probed", "height", info.Height, "duration", info.Duration, "audio", info.HasAudio)

	ladder := p.policy.Prune(info.Height, p.cfg.Cores)
	if len(ladder) == 0 {
		return models.TranscodeResult{}, jobqueue.Unrecoverable(fmt.Errorf("%w: source height %d", ErrEmptyLadder, info.Height))
	}

	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return models.TranscodeResult{}, fmt.Errorf("create working directory: %w", err)
	}
	keyURI := path.Join(p.cfg.KeyURIBase, relDir, keyFileName)
	keys, err := GenerateKeyMaterial(workDir, keyURI)
	if err != nil {
		return models.TranscodeResult{}, err
	}

	plan, err := BuildPlan(PlanInput{
		Input:       payload.InputPath,
		OutputDir:   workDir,
		Renditions:  ladder,
		HasAudio:    info.HasAudio,
		KeyInfoPath: keys.InfoPath,
		Duration:    info.Duration,
	})
	if err != nil {
		return models.TranscodeResult{}, fmt.Errorf("build plan: %w", err)
	}

	throttle := rate.Sometimes{First: 1, Interval: p.cfg.ProgressInterval}
	report := func(progress Progress) {
		throttle.Do(func() {
			if err := job.ReportProgress(ctx, progress.Percent()); err != nil {
				logger.Debug("progress report dropped", "error", err)
			}
		})
	}

	started := p.now()
	if err := p.encoder.Run(ctx, plan, report); err != nil {
		return models.TranscodeResult{}, fmt.Errorf("encode: %w", err)
	}
	p.metrics.ObserveEncode(p.now().Sub(started))

	names := make([]string, 0, len(plan.Renditions))
	for _, r := range plan.Renditions {
		names = append(names, r.Name)
	}
	return models.TranscodeResult{
		DeliveryPath: models.DeliveryPathFor(payload.CollectionID, payload.AssetID),
		Renditions:   names,
	}, nil
}
