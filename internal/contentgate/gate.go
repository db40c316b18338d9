// Package contentgate screens uploaded videos for explicit content before
// they are admitted for transcoding.
package contentgate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"opticast/internal/observability/logging"
	"opticast/internal/observability/metrics"
)

const (
	DefaultSampleInterval = 2 * time.Second
	DefaultMaxFrames      = 300
	DefaultFlagThreshold  = 0.7
	DefaultRejectRatio    = 0.3
	DefaultWorkers        = 4
)

// ReasonNoFrames is reported when extraction yields nothing to classify.
const ReasonNoFrames = "no frames could be extracted"

// ReasonUndecodable is reported when the extractor cannot read the upload.
const ReasonUndecodable = "video could not be decoded"

// ErrExtraction wraps extractor failures that are not the upload's fault.
var ErrExtraction = errors.New("contentgate: frame extraction failed")

// DefaultFlaggedClasses are the classifier labels treated as explicit.
func DefaultFlaggedClasses() []string {
	return []string{"Porn", "Hentai"}
}

// Config tunes the screening thresholds.
type Config struct {
	SampleInterval time.Duration
	MaxFrames      int
	FlagThreshold  float64
	RejectRatio    float64
	FlaggedClasses []string
	TempRoot       string
	Workers        int
}

func (c Config) withDefaults() Config {
	if c.SampleInterval <= 0 {
		c.SampleInterval = DefaultSampleInterval
	}
	if c.MaxFrames <= 0 {
		c.MaxFrames = DefaultMaxFrames
	}
	if c.FlagThreshold <= 0 {
		c.FlagThreshold = DefaultFlagThreshold
	}
	if c.RejectRatio <= 0 {
		c.RejectRatio = DefaultRejectRatio
	}
	if len(c.FlaggedClasses) == 0 {
		c.FlaggedClasses = DefaultFlaggedClasses()
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	return c
}

// Decision is the outcome of screening one video.
type Decision struct {
	Admitted bool    `json:"admitted"`
	Sampled  int     `json:"sampled"`
	Flagged  int     `json:"flagged"`
	Ratio    float64 `json:"ratio"`
	Reason   string  `json:"reason,omitempty"`
}

// Gate samples frames from a video and rejects it when too many are flagged.
type Gate struct {
	cfg        Config
	extractor  FrameExtractor
	classifier Classifier
	cache      Cache
	logger     *slog.Logger
	metrics    *metrics.Recorder
	readFile   func(string) ([]byte, error)
}

// Option customises a Gate.
type Option func(*Gate)

func WithCache(cache Cache) Option {
	return func(g *Gate) {
		if cache != nil {
			g.cache = cache
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func WithMetrics(recorder *metrics.Recorder) Option {
	return func(g *Gate) {
		if recorder != nil {
			g.metrics = recorder
		}
	}
}

// New builds a gate. The classifier and extractor are required.
func New(cfg Config, extractor FrameExtractor, classifier Classifier, opts ...Option) (*Gate, error) {
	if extractor == nil {
		return nil, errors.New("contentgate: frame extractor is required")
	}
	if classifier == nil {
		return nil, errors.New("contentgate: classifier is required")
	}
	g := &Gate{
		cfg:        cfg.withDefaults(),
		extractor:  extractor,
		classifier: classifier,
		cache:      NewFIFOCache(DefaultCacheCapacity),
		logger:     logging.Discard(),
		metrics:    metrics.Default(),
		readFile:   os.ReadFile,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

// Screen extracts frames from inputPath into a private temporary directory,
// classifies a bounded subsample, and decides admission. The temporary
// directory is removed on every return path.
func (g *Gate) Screen(ctx context.Context, inputPath string) (Decision, error) {
	logger := logging.FromContext(ctx, g.logger)

	dir, err := os.MkdirTemp(g.cfg.TempRoot, "opticast-frames-")
	if err != nil {
		return Decision{}, fmt.Errorf("create frame dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			logger.Warn("failed to remove frame dir", "dir", dir, "error", rmErr)
		}
	}()

	frames, err := g.extractor.Extract(ctx, inputPath, dir, g.cfg.SampleInterval)
	if err != nil {
		if extractorUnavailable(ctx, err) {
			g.metrics.GateDecision("error")
			return Decision{}, fmt.Errorf("%w: %w", ErrExtraction, err)
		}
		decision := Decision{Admitted: false, Reason: ReasonUndecodable}
		g.metrics.GateDecision("rejected")
		logger.Info("content gate rejected video", "reason", decision.Reason, "error", err)
		return decision, nil
	}
	if len(frames) == 0 {
		decision := Decision{Admitted: false, Reason: ReasonNoFrames}
		g.metrics.GateDecision("rejected")
		logger.Info("content gate rejected video", "reason", decision.Reason)
		return decision, nil
	}

	selected := Subsample(frames, g.cfg.MaxFrames)
	flagged, err := g.classifyAll(ctx, selected)
	if err != nil {
		g.metrics.GateDecision("error")
		return Decision{}, err
	}

	decision := Decision{
		Sampled: len(selected),
		Flagged: flagged,
		Ratio:   float64(flagged) / float64(len(selected)),
	}
	decision.Admitted = decision.Ratio < g.cfg.RejectRatio
	if decision.Admitted {
		g.metrics.GateDecision("admitted")
	} else {
		decision.Reason = fmt.Sprintf("%.1f%% of sampled frames flagged", decision.Ratio*100)
		g.metrics.GateDecision("rejected")
	}
	logger.Info("content gate decision",
		"admitted", decision.Admitted,
		"sampled", decision.Sampled,
		"flagged", decision.Flagged,
		"ratio", decision.Ratio,
	)
	return decision, nil
}

// extractorUnavailable separates failures of the gate itself (cancelled
// request, missing binary or scratch space) from input the extractor could
// not decode.
func extractorUnavailable(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, exec.ErrNotFound) ||
		errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, fs.ErrPermission)
}

// Subsample picks at most limit frames spread evenly across frames using
// index floor(i*n/limit).
func Subsample(frames []string, limit int) []string {
	n := len(frames)
	if limit <= 0 || n <= limit {
		out := make([]string, n)
		copy(out, frames)
		return out
	}
	out := make([]string, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, frames[i*n/limit])
	}
	return out
}

func (g *Gate) classifyAll(ctx context.Context, frames []string) (int, error) {
	var flagged atomic.Int64
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(g.cfg.Workers)
	for _, frame := range frames {
		group.Go(func() error {
			hit, err := g.classifyFrame(gctx, frame)
			if err != nil {
				return err
			}
			if hit {
				flagged.Add(1)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return 0, err
	}
	return int(flagged.Load()), nil
}

func (g *Gate) classifyFrame(ctx context.Context, path string) (bool, error) {
	data, err := g.readFile(path)
	if err != nil {
		return false, fmt.Errorf("read frame: %w", err)
	}
	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:])
	if flagged, ok := g.cache.Get(key); ok {
		g.metrics.GateFrames("cache", 1)
		return flagged, nil
	}
	predictions, err := g.classifier.Classify(ctx, data)
	if err != nil {
		return false, fmt.Errorf("classify frame: %w", err)
	}
	g.metrics.GateFrames("classifier", 1)
	flagged := g.isFlagged(predictions)
	g.cache.Put(key, flagged)
	return flagged, nil
}

func (g *Gate) isFlagged(predictions []Prediction) bool {
	for _, p := range predictions {
		if p.Probability < g.cfg.FlagThreshold {
			continue
		}
		for _, class := range g.cfg.FlaggedClasses {
			if strings.EqualFold(p.ClassName, class) {
				return true
			}
		}
	}
	return false
}
