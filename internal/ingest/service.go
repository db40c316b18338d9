// Package ingest admits uploads into the pipeline and mirrors job outcomes
// back onto asset records.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"opticast/internal/contentgate"
	"opticast/internal/jobqueue"
	"opticast/internal/models"
	"opticast/internal/observability/logging"
	"opticast/internal/storage"
)

var (
	// ErrForbidden is returned when the caller does not own the collection.
	ErrForbidden = errors.New("collection belongs to another owner")
	// ErrAssetNotInCollection is returned when an asset is addressed through
	// a collection it is not linked to.
	ErrAssetNotInCollection = errors.New("asset does not belong to collection")
)

// AdmissionError reports a content gate rejection.
type AdmissionError struct {
	Decision contentgate.Decision
}

func (e *AdmissionError) Error() string {
	if e.Decision.Reason != "" {
		return "upload rejected: " + e.Decision.Reason
	}
	return "upload rejected"
}

// Screener decides whether an upload may enter the pipeline.
type Screener interface {
	Screen(ctx context.Context, inputPath string) (contentgate.Decision, error)
}

// Enqueuer submits jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload any, opts ...jobqueue.EnqueueOption) (string, error)
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Repository storage.Repository
	Gate       Screener
	Queue      Enqueuer
	Logger     *slog.Logger
}

// Service owns the write path from upload to queued job.
type Service struct {
	repo       storage.Repository
	gate       Screener
	queue      Enqueuer
	logger     *slog.Logger
	removeFile func(string) error
}

// NewService validates cfg.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Repository == nil {
		return nil, errors.New("ingest: repository is required")
	}
	if cfg.Gate == nil {
		return nil, errors.New("ingest: content gate is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("ingest: queue is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Service{
		repo:       cfg.Repository,
		gate:       cfg.Gate,
		queue:      cfg.Queue,
		logger:     cfg.Logger,
		removeFile: os.Remove,
	}, nil
}

// UploadRequest describes a stored upload awaiting admission.
type UploadRequest struct {
	OwnerID       string
	CollectionID  string
	LocalFilePath string
	Name          string
}

// Admission is the outcome of a successful Admit.
type Admission struct {
	AssetID  string               `json:"assetId"`
	JobID    string               `json:"jobId"`
	Decision contentgate.Decision `json:"decision"`
}

// Admit screens the upload and, when admitted, records a queued asset and
// enqueues its transcode job. Rejected or unscreenable uploads are removed
// from disk.
func (s *Service) Admit(ctx context.Context, req UploadRequest) (Admission, error) {
	logger := logging.FromContext(ctx, s.logger).With("collection_id", req.CollectionID)
	if strings.TrimSpace(req.LocalFilePath) == "" {
		return Admission{}, errors.New("upload file is required")
	}

	collection, err := s.repo.GetCollection(ctx, req.CollectionID)
	if err != nil {
		s.discard(req.LocalFilePath, logger)
		return Admission{}, fmt.Errorf("load collection: %w", err)
	}
	if collection.OwnerID != req.OwnerID {
		s.discard(req.LocalFilePath, logger)
		return Admission{}, ErrForbidden
	}

	decision, err := s.gate.Screen(ctx, req.LocalFilePath)
	if err != nil {
		s.discard(req.LocalFilePath, logger)
		return Admission{}, fmt.Errorf("screen upload: %w", err)
	}
	if !decision.Admitted {
		s.discard(req.LocalFilePath, logger)
		logger.Info("upload rejected by content gate", "reason", decision.Reason, "ratio", decision.Ratio)
		return Admission{Decision: decision}, &AdmissionError{Decision: decision}
	}

	jobID := jobqueue.NewJobID()
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "untitled"
	}
	asset, err := s.repo.CreateAsset(ctx, models.Asset{
		OwnerID:      req.OwnerID,
		CollectionID: req.CollectionID,
		Name:         name,
		Status:       models.AssetStatusQueued,
		JobID:        jobID,
	})
	if err != nil {
		s.discard(req.LocalFilePath, logger)
		return Admission{}, fmt.Errorf("create asset: %w", err)
	}
	logger = logger.With("asset_id", asset.ID, "job_id", jobID)
	if err := s.repo.AddCollectionAsset(ctx, req.CollectionID, asset.ID); err != nil {
		s.markFailed(ctx, asset.ID, "could not link asset to collection", logger)
		s.discard(req.LocalFilePath, logger)
		return Admission{}, fmt.Errorf("link asset: %w", err)
	}

	if _, err := s.EnqueueTranscode(ctx, models.TranscodePayload{
		AssetID:      asset.ID,
		CollectionID: req.CollectionID,
		InputPath:    req.LocalFilePath,
	}, jobqueue.WithJobID(jobID)); err != nil {
		s.markFailed(ctx, asset.ID, "could not queue transcode", logger)
		s.discard(req.LocalFilePath, logger)
		return Admission{}, err
	}

	logger.Info("upload admitted", "sampled", decision.Sampled, "flagged", decision.Flagged)
	return Admission{AssetID: asset.ID, JobID: jobID, Decision: decision}, nil
}

// EnqueueTranscode submits a transcode job.
func (s *Service) EnqueueTranscode(ctx context.Context, payload models.TranscodePayload, opts ...jobqueue.EnqueueOption) (string, error) {
	if err := payload.Validate(); err != nil {
		return "", fmt.Errorf("invalid transcode payload: %w", err)
	}
	id, err := s.queue.Enqueue(ctx, jobqueue.QueueTranscode, payload, opts...)
	if err != nil {
		return "", fmt.Errorf("enqueue transcode: %w", err)
	}
	return id, nil
}

// EnqueueDeletion submits a deletion job.
func (s *Service) EnqueueDeletion(ctx context.Context, payload models.DeletionPayload, opts ...jobqueue.EnqueueOption) (string, error) {
	if payload.AssetIDs == nil {
		payload.AssetIDs = []string{}
	}
	if payload.DeliveryPaths == nil {
		payload.DeliveryPaths = []string{}
	}
	id, err := s.queue.Enqueue(ctx, jobqueue.QueueDeletion, payload, opts...)
	if err != nil {
		return "", fmt.Errorf("enqueue deletion: %w", err)
	}
	return id, nil
}

// DeleteCollection queues removal of every asset and delivered file of the
// collection, then removes the collection record.
func (s *Service) DeleteCollection(ctx context.Context, ownerID, collectionID string) (string, error) {
	collection, err := s.owned(ctx, ownerID, collectionID)
	if err != nil {
		return "", err
	}
	assets, err := s.repo.ListAssets(ctx, collectionID)
	if err != nil {
		return "", fmt.Errorf("list assets: %w", err)
	}
	ids := append([]string(nil), collection.AssetIDs...)
	paths := append([]string(nil), collection.DeliveryPaths...)
	for _, asset := range assets {
		ids = appendUnique(ids, asset.ID)
		// Directories of unfinished assets may hold partial output.
		paths = appendUnique(paths, models.DeliveryPathFor(collectionID, asset.ID))
	}

	jobID, err := s.EnqueueDeletion(ctx, models.DeletionPayload{
		CollectionID:  collectionID,
		AssetIDs:      ids,
		DeliveryPaths: paths,
	})
	if err != nil {
		return "", err
	}
	if err := s.repo.DeleteCollection(ctx, collectionID); err != nil {
		return jobID, fmt.Errorf("delete collection: %w", err)
	}
	logging.FromContext(ctx, s.logger).Info("collection deletion queued",
		"collection_id", collectionID, "job_id", jobID, "assets", len(ids))
	return jobID, nil
}

// DeleteAsset queues removal of a single asset and detaches it from its
// collection.
func (s *Service) DeleteAsset(ctx context.Context, ownerID, collectionID, assetID string) (string, error) {
	collection, err := s.owned(ctx, ownerID, collectionID)
	if err != nil {
		return "", err
	}
	if !collection.HasAsset(assetID) {
		return "", ErrAssetNotInCollection
	}
	asset, err := s.repo.GetAsset(ctx, assetID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("load asset: %w", err)
	}
	deliveryPath := asset.DeliveryPath
	jobID, err := s.EnqueueDeletion(ctx, models.DeletionPayload{
		CollectionID:  collectionID,
		AssetIDs:      []string{assetID},
		DeliveryPaths: []string{models.DeliveryPathFor(collectionID, assetID)},
	})
	if err != nil {
		return "", err
	}
	if err := s.repo.DetachCollectionAsset(ctx, collectionID, assetID, deliveryPath); err != nil {
		return jobID, fmt.Errorf("detach asset: %w", err)
	}
	return jobID, nil
}

func (s *Service) owned(ctx context.Context, ownerID, collectionID string) (models.Collection, error) {
	collection, err := s.repo.GetCollection(ctx, collectionID)
	if err != nil {
		return models.Collection{}, fmt.Errorf("load collection: %w", err)
	}
	if collection.OwnerID != ownerID {
		return models.Collection{}, ErrForbidden
	}
	return collection, nil
}

func (s *Service) markFailed(ctx context.Context, assetID, reason string, logger *slog.Logger) {
	status := models.AssetStatusFailed
	if _, err := s.repo.UpdateAsset(ctx, assetID, storage.AssetUpdate{Status: &status, FailureReason: &reason}); err != nil {
		logger.Error("failed to mark asset failed", "error", err)
	}
}

func (s *Service) discard(path string, logger *slog.Logger) {
	if err := s.removeFile(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to remove upload", "path", path, "error", err)
	}
}

func appendUnique(values []string, value string) []string {
	for _, existing := range values {
		if existing == value {
			return values
		}
	}
	return append(values, value)
}
