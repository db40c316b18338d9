package deletion

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"opticast/internal/jobqueue"
	"opticast/internal/models"
	"opticast/internal/storage"
)

func deletionJob(t *testing.T, payload models.DeletionPayload) *jobqueue.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return jobqueue.NewJob(jobqueue.QueueDeletion, "del-1", raw, nil)
}

func seedAsset(t *testing.T, repo storage.Repository, root, collectionID, id string) string {
	t.Helper()
	ctx := context.Background()
	asset := models.Asset{
		ID:           id,
		CollectionID: collectionID,
		OwnerID:      "owner",
		Status:       models.AssetStatusCompleted,
		DeliveryPath: models.DeliveryPathFor(collectionID, id),
		CreatedAt:    time.Now().UTC(),
	}
	if _, err := repo.CreateAsset(ctx, asset); err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}
	dir := filepath.Join(root, filepath.FromSlash(models.AssetDir(collectionID, id)))
	if err := os.MkdirAll(filepath.Join(dir, "720p"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, models.MasterPlaylist), []byte("#EXTM3U"), 0o644); err != nil {
		t.Fatalf("write playlist: %v", err)
	}
	return asset.DeliveryPath
}

func TestHandleRemovesRecordsAndDirectories(t *testing.T) {
	root := t.TempDir()
	repo := storage.NewMemoryRepository()
	first := seedAsset(t, repo, root, "col-1", "a1")
	second := seedAsset(t, repo, root, "col-1", "a2")
	processor, err := NewProcessor(root, repo, nil)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}

	_, err = processor.Handle(context.Background(), deletionJob(t, models.DeletionPayload{
		CollectionID:  "col-1",
		AssetIDs:      []string{"a1", "a2", "gone"},
		DeliveryPaths: []string{first, "col-1/hls/never-written/master.m3u8", second},
	}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	for _, id := range []string{"a1", "a2"} {
		if _, err := repo.GetAsset(context.Background(), id); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected %s to be deleted, got %v", id, err)
		}
		if _, err := os.Stat(filepath.Join(root, "col-1", "hls", id)); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("expected %s directory to be removed, got %v", id, err)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "col-1")); err != nil {
		t.Fatalf("collection directory itself should remain: %v", err)
	}
}

func TestHandlePropagatesRemovalErrors(t *testing.T) {
	root := t.TempDir()
	repo := storage.NewMemoryRepository()
	path := seedAsset(t, repo, root, "col-1", "a1")
	processor, err := NewProcessor(root, repo, nil)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	var attempted []string
	processor.removeAll = func(dir string) error {
		attempted = append(attempted, dir)
		if filepath.Base(dir) == "a1" {
			return os.ErrPermission
		}
		return os.RemoveAll(dir)
	}

	_, err = processor.Handle(context.Background(), deletionJob(t, models.DeletionPayload{
		AssetIDs:      []string{"a1"},
		DeliveryPaths: []string{path, "col-1/hls/a2/master.m3u8"},
	}))
	if !errors.Is(err, os.ErrPermission) {
		t.Fatalf("expected permission error, got %v", err)
	}
	if len(attempted) != 2 {
		t.Fatalf("expected every path to be attempted, got %v", attempted)
	}
}

func TestHandleSkipsPathsOutsideRoot(t *testing.T) {
	root := t.TempDir()
	processor, err := NewProcessor(root, storage.NewMemoryRepository(), nil)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	var attempted []string
	processor.removeAll = func(dir string) error {
		attempted = append(attempted, dir)
		return nil
	}
	_, err = processor.Handle(context.Background(), deletionJob(t, models.DeletionPayload{
		DeliveryPaths: []string{"../../etc/passwd", "", "/", "col-1"},
	}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(attempted) != 0 {
		t.Fatalf("expected nothing removed, got %v", attempted)
	}
}

func TestHandleEmptyPayloadIsNoop(t *testing.T) {
	processor, err := NewProcessor(t.TempDir(), storage.NewMemoryRepository(), nil)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	if _, err := processor.Handle(context.Background(), deletionJob(t, models.DeletionPayload{})); err != nil {
		t.Fatalf("Handle: %v", err)
	}
}
