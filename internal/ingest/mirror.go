package ingest

import (
	"context"
	"errors"
	"log/slog"

	"opticast/internal/jobqueue"
	"opticast/internal/models"
	"opticast/internal/observability/logging"
	"opticast/internal/storage"
)

// failureReason is the only failure detail exposed on asset records.
const failureReason = "transcoding failed"

// StatusMirror applies transcode lifecycle events to asset records.
type StatusMirror struct {
	repo    storage.Repository
	bus     jobqueue.EventBus
	cleanup Enqueuer
	logger  *slog.Logger
}

// NewStatusMirror subscribes repo to bus. cleanup, when set, receives
// deletion jobs for output produced by assets removed mid-transcode.
func NewStatusMirror(repo storage.Repository, bus jobqueue.EventBus, cleanup Enqueuer, logger *slog.Logger) (*StatusMirror, error) {
	if repo == nil {
		return nil, errors.New("ingest: repository is required")
	}
	if bus == nil {
		return nil, errors.New("ingest: event bus is required")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &StatusMirror{repo: repo, bus: bus, cleanup: cleanup, logger: logger}, nil
}

// Run consumes events until ctx ends or the subscription closes.
func (m *StatusMirror) Run(ctx context.Context) error {
	sub := m.bus.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}
			m.Apply(ctx, event)
		}
	}
}

// Apply mirrors one event. Stale or out-of-order events are dropped.
func (m *StatusMirror) Apply(ctx context.Context, event jobqueue.Event) {
	if event.Queue != jobqueue.QueueTranscode {
		return
	}
	var payload models.TranscodePayload
	if err := event.DecodePayload(&payload); err != nil || payload.AssetID == "" {
		m.logger.Warn("dropping transcode event without payload", "job_id", event.JobID, "type", event.Type)
		return
	}
	logger := m.logger.With("job_id", event.JobID, "asset_id", payload.AssetID, "event", event.Type)

	switch event.Type {
	case jobqueue.EventProgress:
		status := models.AssetStatusProcessing
		progress := event.Progress
		m.update(ctx, payload.AssetID, storage.AssetUpdate{Status: &status, Progress: &progress}, logger)
	case jobqueue.EventCompleted:
		var result models.TranscodeResult
		if err := event.DecodeResult(&result); err != nil || result.DeliveryPath == "" {
			logger.Error("completed event without delivery path")
			return
		}
		status := models.AssetStatusCompleted
		deliveryPath := result.DeliveryPath
		if err := m.update(ctx, payload.AssetID, storage.AssetUpdate{Status: &status, DeliveryPath: &deliveryPath}, logger); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				m.removeOrphan(ctx, payload, deliveryPath, logger)
			}
			return
		}
		if err := m.repo.AppendDeliveryPath(ctx, payload.CollectionID, deliveryPath); err != nil {
			// The reconciler repairs the collection later.
			logger.Warn("failed to record delivery path on collection", "error", err)
		}
	case jobqueue.EventFailed:
		if !event.Final {
			logger.Info("transcode attempt failed, retry scheduled", "attempt", event.Attempt)
			return
		}
		status := models.AssetStatusFailed
		reason := failureReason
		m.update(ctx, payload.AssetID, storage.AssetUpdate{Status: &status, FailureReason: &reason}, logger)
	}
}

func (m *StatusMirror) update(ctx context.Context, assetID string, update storage.AssetUpdate, logger *slog.Logger) error {
	_, err := m.repo.UpdateAsset(ctx, assetID, update)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrInvalidTransition):
		logger.Debug("ignoring event for asset in terminal state")
	case errors.Is(err, storage.ErrNotFound):
		logger.Debug("ignoring event for deleted asset")
	default:
		logger.Error("failed to mirror job status", "error", err)
	}
	return err
}

func (m *StatusMirror) removeOrphan(ctx context.Context, payload models.TranscodePayload, deliveryPath string, logger *slog.Logger) {
	if m.cleanup == nil {
		return
	}
	_, err := m.cleanup.Enqueue(ctx, jobqueue.QueueDeletion, models.DeletionPayload{
		CollectionID:  payload.CollectionID,
		AssetIDs:      []string{},
		DeliveryPaths: []string{deliveryPath},
	})
	if err != nil {
		logger.Warn("failed to queue cleanup for orphaned output", "error", err)
		return
	}
	logger.Info("queued cleanup for output of deleted asset")
}
