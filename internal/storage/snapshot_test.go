package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"opticast/internal/models"
)

func seedSnapshotSource(t *testing.T, path string) {
	t.Helper()
	ctx := context.Background()
	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	if _, err := store.CreateCollection(ctx, models.Collection{ID: "col-1", OwnerID: "owner-1", Name: "films", AccessTokenHash: "hash-1", AllowedOrigins: []string{"https://example.com"}}); err != nil {
		t.Fatalf("create collection: %v", err)
	}
	if _, err := store.CreateAsset(ctx, models.Asset{ID: "a1", OwnerID: "owner-1", CollectionID: "col-1", Name: "clip"}); err != nil {
		t.Fatalf("create asset: %v", err)
	}
	if err := store.AddCollectionAsset(ctx, "col-1", "a1"); err != nil {
		t.Fatalf("link asset: %v", err)
	}
	if _, err := store.CreateAsset(ctx, models.Asset{ID: "a0", OwnerID: "owner-1", CollectionID: "col-1", Name: "orphan"}); err != nil {
		t.Fatalf("create asset: %v", err)
	}
}

func TestLoadSnapshotFromJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	seedSnapshotSource(t, path)

	snap, err := LoadSnapshotFromJSON(path)
	if err != nil {
		t.Fatalf("LoadSnapshotFromJSON: %v", err)
	}
	if diff := cmp.Diff(SnapshotCounts{Collections: 1, Assets: 2}, snap.Counts()); diff != "" {
		t.Fatalf("counts (-want +got):\n%s", diff)
	}
	if snap.Assets[0].ID != "a0" || snap.Assets[1].ID != "a1" {
		t.Fatalf("assets should be ordered by id: %+v", snap.Assets)
	}
	if snap.Collections[0].AccessTokenHash != "hash-1" {
		t.Fatal("snapshot should carry the access hash")
	}
	if _, err := LoadSnapshotFromJSON(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestImportSnapshotIsRerunnable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")
	seedSnapshotSource(t, path)
	snap, err := LoadSnapshotFromJSON(path)
	if err != nil {
		t.Fatalf("LoadSnapshotFromJSON: %v", err)
	}

	target := NewMemoryRepository()
	imported, err := ImportSnapshot(ctx, target, snap)
	if err != nil {
		t.Fatalf("ImportSnapshot: %v", err)
	}
	if diff := cmp.Diff(snap.Counts(), imported); diff != "" {
		t.Fatalf("imported (-want +got):\n%s", diff)
	}

	got, err := target.GetCollection(ctx, "col-1")
	if err != nil {
		t.Fatalf("GetCollection: %v", err)
	}
	ignoreTimes := cmpopts.IgnoreFields(models.Collection{}, "CreatedAt", "UpdatedAt")
	if diff := cmp.Diff(snap.Collections[0], got, ignoreTimes); diff != "" {
		t.Fatalf("collection (-want +got):\n%s", diff)
	}

	again, err := ImportSnapshot(ctx, target, snap)
	if err != nil {
		t.Fatalf("second ImportSnapshot: %v", err)
	}
	if again != (SnapshotCounts{}) {
		t.Fatalf("rerun should skip existing documents, got %+v", again)
	}
}
