package ingest

import (
	"context"
	"testing"

	"opticast/internal/models"
	"opticast/internal/storage"
)

func TestReconcilerAddsMissingDeliveryPaths(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemoryRepository()
	if _, err := repo.CreateCollection(ctx, models.Collection{ID: "col-1", OwnerID: "o", Name: "n"}); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	assets := []models.Asset{
		{ID: "done", Status: models.AssetStatusCompleted, DeliveryPath: models.DeliveryPathFor("col-1", "done")},
		{ID: "busy", Status: models.AssetStatusProcessing},
		{ID: "detached", Status: models.AssetStatusCompleted, DeliveryPath: models.DeliveryPathFor("col-1", "detached")},
	}
	for _, asset := range assets {
		asset.CollectionID = "col-1"
		asset.OwnerID = "o"
		if _, err := repo.CreateAsset(ctx, asset); err != nil {
			t.Fatalf("CreateAsset: %v", err)
		}
		if asset.ID == "detached" {
			continue
		}
		if err := repo.AddCollectionAsset(ctx, "col-1", asset.ID); err != nil {
			t.Fatalf("AddCollectionAsset: %v", err)
		}
	}

	reconciler := NewReconciler(repo, nil)
	report, err := reconciler.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.DeliveryPaths != 1 || report.Assets != 3 || report.Collections != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	collection, _ := repo.GetCollection(ctx, "col-1")
	if len(collection.DeliveryPaths) != 1 || collection.DeliveryPaths[0] != "col-1/hls/done/master.m3u8" {
		t.Fatalf("unexpected delivery paths %v", collection.DeliveryPaths)
	}

	again, err := reconciler.Run(ctx)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if again.DeliveryPaths != 0 {
		t.Fatalf("second pass should be a no-op, got %+v", again)
	}
}
