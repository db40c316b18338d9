package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"opticast/internal/models"
)

func memoryFactory(t *testing.T, opts ...Option) Repository {
	t.Helper()
	return NewMemoryRepository(opts...)
}

func snapshotFactory(t *testing.T, opts ...Option) Repository {
	t.Helper()
	store, err := NewStorage(filepath.Join(t.TempDir(), "store.json"), opts...)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	return store
}

func TestMemoryRepositoryScenarios(t *testing.T) {
	runAllScenarios(t, memoryFactory)
}

func TestSnapshotRepositoryScenarios(t *testing.T) {
	runAllScenarios(t, snapshotFactory)
}

func TestSnapshotReloadKeepsAccessHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store, err := NewStorage(path, WithClock(func() time.Time { return fixed }))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	collection, err := store.CreateCollection(context.Background(), models.Collection{OwnerID: "o", Name: "n", AccessTokenHash: "bcrypt-hash"})
	if err != nil {
		t.Fatalf("create collection: %v", err)
	}

	reopened, err := NewStorage(path)
	if err != nil {
		t.Fatalf("reopen storage: %v", err)
	}
	loaded, err := reopened.GetCollection(context.Background(), collection.ID)
	if err != nil {
		t.Fatalf("get collection: %v", err)
	}
	if loaded.AccessTokenHash != "bcrypt-hash" {
		t.Fatalf("expected access hash to survive reload, got %q", loaded.AccessTokenHash)
	}
	if !loaded.CreatedAt.Equal(fixed) {
		t.Fatalf("expected createdAt %v, got %v", fixed, loaded.CreatedAt)
	}
}

func TestPersistFailureRollsBack(t *testing.T) {
	store := NewMemoryRepository()
	collection, err := store.CreateCollection(context.Background(), models.Collection{OwnerID: "o", Name: "n"})
	if err != nil {
		t.Fatalf("create collection: %v", err)
	}
	store.persistOverride = func(dataset) error { return errors.New("disk full") }

	if err := store.AddCollectionAsset(context.Background(), collection.ID, "asset-1"); err == nil {
		t.Fatal("expected persist failure to surface")
	}
	store.persistOverride = nil
	loaded, _ := store.GetCollection(context.Background(), collection.ID)
	if len(loaded.AssetIDs) != 0 {
		t.Fatalf("expected rollback, got %v", loaded.AssetIDs)
	}
}
