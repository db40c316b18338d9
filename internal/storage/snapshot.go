package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"opticast/internal/models"
)

// Snapshot is a point-in-time copy of every document in a store, used to
// move data from the JSON store into Postgres.
type Snapshot struct {
	Collections []models.Collection
	Assets      []models.Asset
}

// SnapshotCounts summarises a snapshot.
type SnapshotCounts struct {
	Collections int
	Assets      int
}

func (s Snapshot) Counts() SnapshotCounts {
	return SnapshotCounts{Collections: len(s.Collections), Assets: len(s.Assets)}
}

// LoadSnapshotFromJSON reads the JSON store at path, including access
// credential hashes.
func LoadSnapshotFromJSON(path string) (Snapshot, error) {
	store, err := NewStorage(path)
	if err != nil {
		return Snapshot{}, err
	}
	if store.filePath == "" {
		return Snapshot{}, errors.New("json snapshot path is required")
	}
	return store.Snapshot(), nil
}

// Snapshot copies the current dataset ordered by id.
func (s *Storage) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Collections: make([]models.Collection, 0, len(s.data.Collections)),
		Assets:      make([]models.Asset, 0, len(s.data.Assets)),
	}
	for id, collection := range s.data.Collections {
		collection = cloneCollection(collection)
		collection.AccessTokenHash = s.data.AccessHashes[id]
		snap.Collections = append(snap.Collections, collection)
	}
	for _, asset := range s.data.Assets {
		snap.Assets = append(snap.Assets, asset)
	}
	sort.Slice(snap.Collections, func(i, j int) bool { return snap.Collections[i].ID < snap.Collections[j].ID })
	sort.Slice(snap.Assets, func(i, j int) bool { return snap.Assets[i].ID < snap.Assets[j].ID })
	return snap
}

// ImportSnapshot creates every document of snap in repo, skipping ids that
// already exist so an interrupted import can be rerun. Timestamps are
// assigned by the target store.
func ImportSnapshot(ctx context.Context, repo Repository, snap Snapshot) (SnapshotCounts, error) {
	var imported SnapshotCounts
	for _, collection := range snap.Collections {
		if _, err := repo.GetCollection(ctx, collection.ID); err == nil {
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return imported, fmt.Errorf("check collection %s: %w", collection.ID, err)
		}
		if _, err := repo.CreateCollection(ctx, collection); err != nil {
			return imported, fmt.Errorf("import collection %s: %w", collection.ID, err)
		}
		imported.Collections++
	}
	for _, asset := range snap.Assets {
		if _, err := repo.GetAsset(ctx, asset.ID); err == nil {
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return imported, fmt.Errorf("check asset %s: %w", asset.ID, err)
		}
		if _, err := repo.CreateAsset(ctx, asset); err != nil {
			return imported, fmt.Errorf("import asset %s: %w", asset.ID, err)
		}
		imported.Assets++
	}
	return imported, nil
}
