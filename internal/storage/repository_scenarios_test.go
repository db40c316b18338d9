package storage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"opticast/internal/models"
)

// RepositoryFactory constructs a repository for cross-backend scenarios.
type RepositoryFactory func(t *testing.T, opts ...Option) Repository

func statusPtr(s models.AssetStatus) *models.AssetStatus { return &s }
func stringPtr(s string) *string                       { return &s }
func intPtr(v int) *int                                { return &v }

func seedCollection(t *testing.T, repo Repository) models.Collection {
	t.Helper()
	collection, err := repo.CreateCollection(context.Background(), models.Collection{
		OwnerID:         "owner-1",
		Name:            "Lectures",
		AccessTokenHash: "hash",
	})
	if err != nil {
		t.Fatalf("create collection: %v", err)
	}
	return collection
}

// RunAssetLifecycle walks an asset from queued to completed and checks
// that terminal states refuse further transitions.
func RunAssetLifecycle(t *testing.T, factory RepositoryFactory) {
	ctx := context.Background()
	repo := factory(t)
	collection := seedCollection(t, repo)

	asset, err := repo.CreateAsset(ctx, models.Asset{OwnerID: "owner-1", CollectionID: collection.ID, Name: "intro.mp4", JobID: "job-1"})
	if err != nil {
		t.Fatalf("create asset: %v", err)
	}
	if asset.Status != models.AssetStatusQueued {
		t.Fatalf("expected queued status, got %s", asset.Status)
	}

	asset, err = repo.UpdateAsset(ctx, asset.ID, AssetUpdate{Status: statusPtr(models.AssetStatusProcessing), Progress: intPtr(40)})
	if err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if asset.Progress != 40 {
		t.Fatalf("expected progress 40, got %d", asset.Progress)
	}

	if _, err := repo.UpdateAsset(ctx, asset.ID, AssetUpdate{Status: statusPtr(models.AssetStatusCompleted)}); !errors.Is(err, ErrInvariant) {
		t.Fatalf("expected invariant error without delivery path, got %v", err)
	}

	path := collection.ID + "/hls/" + asset.ID + "/master.m3u8"
	asset, err = repo.UpdateAsset(ctx, asset.ID, AssetUpdate{Status: statusPtr(models.AssetStatusCompleted), DeliveryPath: &path})
	if err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if asset.DeliveryPath != path || asset.Progress != 100 {
		t.Fatalf("unexpected completed asset: %+v", asset)
	}

	if _, err := repo.UpdateAsset(ctx, asset.ID, AssetUpdate{Status: statusPtr(models.AssetStatusProcessing)}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition after completion, got %v", err)
	}
	if _, err := repo.UpdateAsset(ctx, asset.ID, AssetUpdate{Status: statusPtr(models.AssetStatusCompleted), DeliveryPath: &path}); err != nil {
		t.Fatalf("expected repeated completion to be idempotent: %v", err)
	}

	stored, err := repo.GetAsset(ctx, asset.ID)
	if err != nil {
		t.Fatalf("get asset: %v", err)
	}
	if stored.Status != models.AssetStatusCompleted || stored.DeliveryPath != path {
		t.Fatalf("unexpected stored asset: %+v", stored)
	}
}

// RunCollectionArrays checks that link and delivery-path edits are set
// additions and that detaching removes both entries.
func RunCollectionArrays(t *testing.T, factory RepositoryFactory) {
	ctx := context.Background()
	repo := factory(t)
	collection := seedCollection(t, repo)

	for i := 0; i < 2; i++ {
		if err := repo.AddCollectionAsset(ctx, collection.ID, "asset-1"); err != nil {
			t.Fatalf("add asset: %v", err)
		}
		if err := repo.AppendDeliveryPath(ctx, collection.ID, "c/hls/asset-1/master.m3u8"); err != nil {
			t.Fatalf("append delivery path: %v", err)
		}
	}
	if err := repo.AddCollectionAsset(ctx, collection.ID, "asset-2"); err != nil {
		t.Fatalf("add asset-2: %v", err)
	}

	stored, err := repo.GetCollection(ctx, collection.ID)
	if err != nil {
		t.Fatalf("get collection: %v", err)
	}
	if diff := cmp.Diff([]string{"asset-1", "asset-2"}, stored.AssetIDs); diff != "" {
		t.Fatalf("asset ids mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"c/hls/asset-1/master.m3u8"}, stored.DeliveryPaths); diff != "" {
		t.Fatalf("delivery paths mismatch (-want +got):\n%s", diff)
	}

	if err := repo.DetachCollectionAsset(ctx, collection.ID, "asset-1", "c/hls/asset-1/master.m3u8"); err != nil {
		t.Fatalf("detach asset: %v", err)
	}
	stored, _ = repo.GetCollection(ctx, collection.ID)
	if diff := cmp.Diff([]string{"asset-2"}, stored.AssetIDs); diff != "" {
		t.Fatalf("asset ids after detach mismatch (-want +got):\n%s", diff)
	}
	if len(stored.DeliveryPaths) != 0 {
		t.Fatalf("expected no delivery paths, got %v", stored.DeliveryPaths)
	}

	if err := repo.AppendDeliveryPath(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for missing collection, got %v", err)
	}
}

// RunConcurrentDeliveryAppends appends from many goroutines and expects no
// lost writes.
func RunConcurrentDeliveryAppends(t *testing.T, factory RepositoryFactory) {
	ctx := context.Background()
	repo := factory(t)
	collection := seedCollection(t, repo)

	var wg sync.WaitGroup
	paths := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, path := range paths {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			if err := repo.AppendDeliveryPath(ctx, collection.ID, p+"/master.m3u8"); err != nil {
				t.Errorf("append %s: %v", p, err)
			}
		}(path)
	}
	wg.Wait()

	stored, err := repo.GetCollection(ctx, collection.ID)
	if err != nil {
		t.Fatalf("get collection: %v", err)
	}
	if len(stored.DeliveryPaths) != len(paths) {
		t.Fatalf("expected %d delivery paths, got %v", len(paths), stored.DeliveryPaths)
	}
}

// RunDeleteAssets removes a batch and tolerates an empty id list.
func RunDeleteAssets(t *testing.T, factory RepositoryFactory) {
	ctx := context.Background()
	repo := factory(t)
	collection := seedCollection(t, repo)

	var ids []string
	for i := 0; i < 3; i++ {
		asset, err := repo.CreateAsset(ctx, models.Asset{OwnerID: "owner-1", CollectionID: collection.ID, Name: "clip"})
		if err != nil {
			t.Fatalf("create asset: %v", err)
		}
		ids = append(ids, asset.ID)
	}

	removed, err := repo.DeleteAssets(ctx, nil)
	if err != nil || removed != 0 {
		t.Fatalf("expected empty delete to be a no-op, got %d, %v", removed, err)
	}
	removed, err = repo.DeleteAssets(ctx, append(ids[:2:2], "unknown"))
	if err != nil {
		t.Fatalf("delete assets: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	remaining, err := repo.ListAssets(ctx, collection.ID)
	if err != nil {
		t.Fatalf("list assets: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != ids[2] {
		t.Fatalf("unexpected remaining assets: %+v", remaining)
	}
	if _, err := repo.GetAsset(ctx, ids[0]); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted asset to be gone, got %v", err)
	}

	if err := repo.DeleteCollection(ctx, collection.ID); err != nil {
		t.Fatalf("delete collection: %v", err)
	}
	if _, err := repo.GetCollection(ctx, collection.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected collection to be gone, got %v", err)
	}
}

func runAllScenarios(t *testing.T, factory RepositoryFactory) {
	t.Run("AssetLifecycle", func(t *testing.T) { RunAssetLifecycle(t, factory) })
	t.Run("CollectionArrays", func(t *testing.T) { RunCollectionArrays(t, factory) })
	t.Run("ConcurrentDeliveryAppends", func(t *testing.T) { RunConcurrentDeliveryAppends(t, factory) })
	t.Run("DeleteAssets", func(t *testing.T) { RunDeleteAssets(t, factory) })
}
