// Package deletion removes asset records and their delivered files.
package deletion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"opticast/internal/jobqueue"
	"opticast/internal/models"
	"opticast/internal/observability/logging"
	"opticast/internal/storage"
)

// DefaultConcurrency is the deletion worker pool size.
const DefaultConcurrency = 5

// AssetRemover is the slice of the repository the processor needs.
type AssetRemover interface {
	DeleteAssets(ctx context.Context, ids []string) (int, error)
}

var _ AssetRemover = (storage.Repository)(nil)

// Processor handles deletion jobs.
type Processor struct {
	root      string
	repo      AssetRemover
	logger    *slog.Logger
	removeAll func(string) error
}

// NewProcessor deletes files under mediaRoot and records in repo.
func NewProcessor(mediaRoot string, repo AssetRemover, logger *slog.Logger) (*Processor, error) {
	if strings.TrimSpace(mediaRoot) == "" {
		return nil, errors.New("deletion: media root is required")
	}
	if repo == nil {
		return nil, errors.New("deletion: repository is required")
	}
	abs, err := filepath.Abs(mediaRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve media root: %w", err)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Processor{root: abs, repo: repo, logger: logger, removeAll: os.RemoveAll}, nil
}

// Handle is the jobqueue handler for the deletion queue. Records go first in
// one batch; directory failures are joined so the whole job retries.
func (p *Processor) Handle(ctx context.Context, job *jobqueue.Job) (any, error) {
	var payload models.DeletionPayload
	if err := job.Decode(&payload); err != nil {
		return nil, jobqueue.Unrecoverable(err)
	}
	logger := logging.FromContext(ctx, p.logger).With("collection_id", payload.CollectionID)

	removed, err := p.repo.DeleteAssets(ctx, payload.AssetIDs)
	if err != nil {
		return nil, fmt.Errorf("delete asset records: %w", err)
	}

	var errs []error
	for _, deliveryPath := range payload.DeliveryPaths {
		dir, ok := p.resolve(deliveryPath)
		if !ok {
			logger.Warn("skipping delivery path outside media root", "delivery_path", deliveryPath)
			continue
		}
		if err := p.removeAll(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", deliveryPath, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	logger.Info("deletion completed", "records", removed, "paths", len(payload.DeliveryPaths))
	return map[string]int{"records": removed, "paths": len(payload.DeliveryPaths)}, nil
}

// resolve maps a delivery path to its asset directory, refusing anything
// that would land outside the media root.
func (p *Processor) resolve(deliveryPath string) (string, bool) {
	clean := path.Clean("/" + strings.TrimSpace(deliveryPath))
	if clean == "/" {
		return "", false
	}
	dir := clean
	if path.Ext(clean) == ".m3u8" {
		dir = path.Dir(clean)
	}
	if dir == "/" || strings.Count(strings.Trim(dir, "/"), "/") < 2 {
		return "", false
	}
	abs := filepath.Join(p.root, filepath.FromSlash(strings.TrimPrefix(dir, "/")))
	rel, err := filepath.Rel(p.root, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return abs, true
}
