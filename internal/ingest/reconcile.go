package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"opticast/internal/models"
	"opticast/internal/observability/logging"
	"opticast/internal/storage"
)

// ReconcileReport summarises one repair pass.
type ReconcileReport struct {
	Collections   int `json:"collections"`
	Assets        int `json:"assets"`
	DeliveryPaths int `json:"deliveryPaths"`
	FailedRepairs int `json:"failedRepairs"`
}

// Reconciler repairs collection arrays that drifted from their assets, for
// example when a delivery path append failed after an asset completed.
type Reconciler struct {
	repo   storage.Repository
	logger *slog.Logger
}

// NewReconciler builds a reconciler over repo.
func NewReconciler(repo storage.Repository, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Reconciler{repo: repo, logger: logger}
}

// Run performs a single pass.
func (r *Reconciler) Run(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	collections, err := r.repo.ListCollections(ctx)
	if err != nil {
		return report, fmt.Errorf("list collections: %w", err)
	}
	var errs []error
	for _, collection := range collections {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Collections++
		assets, err := r.repo.ListAssets(ctx, collection.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("list assets of %s: %w", collection.ID, err))
			continue
		}
		known := make(map[string]struct{}, len(collection.DeliveryPaths))
		for _, p := range collection.DeliveryPaths {
			known[p] = struct{}{}
		}
		for _, asset := range assets {
			report.Assets++
			// Detached assets are awaiting deletion.
			if !collection.HasAsset(asset.ID) {
				continue
			}
			if asset.Status != models.AssetStatusCompleted || asset.DeliveryPath == "" {
				continue
			}
			if _, ok := known[asset.DeliveryPath]; ok {
				continue
			}
			if err := r.repo.AppendDeliveryPath(ctx, collection.ID, asset.DeliveryPath); err != nil {
				report.FailedRepairs++
				errs = append(errs, err)
				continue
			}
			report.DeliveryPaths++
		}
	}
	if report.DeliveryPaths > 0 {
		r.logger.Info("reconciled collections", "delivery_paths", report.DeliveryPaths)
	}
	return report, errors.Join(errs...)
}

// RunEvery repeats Run on interval until ctx ends.
func (r *Reconciler) RunEvery(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("reconcile interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Run(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("reconcile pass failed", "error", err)
			}
		}
	}
}
