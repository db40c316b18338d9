package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"opticast/internal/models"
)

type dataset struct {
	Assets      map[string]models.Asset      `json:"assets"`
	Collections map[string]models.Collection `json:"collections"`
	// Access credential hashes are kept beside the collections because the
	// collection type never serialises them.
	AccessHashes map[string]string `json:"accessHashes"`
}

func newDataset() dataset {
	return dataset{
		Assets:       make(map[string]models.Asset),
		Collections:  make(map[string]models.Collection),
		AccessHashes: make(map[string]string),
	}
}

// Storage is the in-process document store. When a file path is supplied
// every mutation is snapshotted to disk atomically; an empty path keeps the
// data in memory only.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	now      func() time.Time
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

// NewStorage opens (or creates) the snapshot at path.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath: strings.TrimSpace(path),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

// NewMemoryRepository returns a Storage that never touches disk.
func NewMemoryRepository(opts ...Option) *Storage {
	store, _ := NewStorage("", opts...)
	return store
}

// NewJSONRepository opens the snapshot-backed store as a Repository.
func NewJSONRepository(path string, opts ...Option) (Repository, error) {
	return NewStorage(path, opts...)
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = newDataset()
	if s.filePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	raw, err := os.ReadFile(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("read store file: %w", err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return fmt.Errorf("decode store file: %w", err)
	}
	if s.data.Assets == nil {
		s.data.Assets = make(map[string]models.Asset)
	}
	if s.data.Collections == nil {
		s.data.Collections = make(map[string]models.Collection)
	}
	if s.data.AccessHashes == nil {
		s.data.AccessHashes = make(map[string]string)
	}
	for id, hash := range s.data.AccessHashes {
		if collection, ok := s.data.Collections[id]; ok {
			collection.AccessTokenHash = hash
			s.data.Collections[id] = collection
		}
	}
	return nil
}

func (s *Storage) persistLocked() error {
	if s.persistOverride != nil {
		if err := s.persistOverride(s.data); err != nil {
			return err
		}
	}
	if s.filePath == "" {
		return nil
	}
	payload, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := renameio.WriteFile(s.filePath, payload, 0o600); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	return nil
}

// mutate runs fn against a copy of the dataset and commits it only when both
// fn and the snapshot write succeed.
func (s *Storage) mutate(fn func(*dataset) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := s.data
	working := cloneDataset(s.data)
	if err := fn(&working); err != nil {
		return err
	}
	s.data = working
	if err := s.persistLocked(); err != nil {
		s.data = previous
		return err
	}
	return nil
}

func cloneDataset(src dataset) dataset {
	dst := newDataset()
	for id, asset := range src.Assets {
		dst.Assets[id] = asset
	}
	for id, collection := range src.Collections {
		dst.Collections[id] = cloneCollection(collection)
	}
	for id, hash := range src.AccessHashes {
		dst.AccessHashes[id] = hash
	}
	return dst
}

func cloneCollection(c models.Collection) models.Collection {
	c.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	c.AssetIDs = append([]string(nil), c.AssetIDs...)
	c.DeliveryPaths = append([]string(nil), c.DeliveryPaths...)
	return c
}

func (s *Storage) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Storage) Close(ctx context.Context) error {
	return nil
}

func (s *Storage) CreateAsset(ctx context.Context, asset models.Asset) (models.Asset, error) {
	if asset.ID == "" {
		asset.ID = generateID()
	}
	if asset.Status == "" {
		asset.Status = models.AssetStatusQueued
	}
	if err := asset.Validate(); err != nil {
		return models.Asset{}, err
	}
	now := s.now()
	asset.CreatedAt = now
	asset.UpdatedAt = now
	err := s.mutate(func(data *dataset) error {
		if _, exists := data.Assets[asset.ID]; exists {
			return fmt.Errorf("asset %s already exists", asset.ID)
		}
		data.Assets[asset.ID] = asset
		return nil
	})
	if err != nil {
		return models.Asset{}, err
	}
	return asset, nil
}

func (s *Storage) GetAsset(ctx context.Context, id string) (models.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	asset, ok := s.data.Assets[id]
	if !ok {
		return models.Asset{}, ErrNotFound
	}
	return asset, nil
}

func (s *Storage) UpdateAsset(ctx context.Context, id string, update AssetUpdate) (models.Asset, error) {
	var updated models.Asset
	err := s.mutate(func(data *dataset) error {
		asset, ok := data.Assets[id]
		if !ok {
			return ErrNotFound
		}
		next, err := applyAssetUpdate(asset, update)
		if err != nil {
			return err
		}
		next.UpdatedAt = s.now()
		data.Assets[id] = next
		updated = next
		return nil
	})
	if err != nil {
		return models.Asset{}, err
	}
	return updated, nil
}

func (s *Storage) DeleteAssets(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	removed := 0
	err := s.mutate(func(data *dataset) error {
		for _, id := range ids {
			if _, ok := data.Assets[id]; ok {
				delete(data.Assets, id)
				removed++
			}
		}
		return nil
	})
	return removed, err
}

func (s *Storage) ListAssets(ctx context.Context, collectionID string) ([]models.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	assets := make([]models.Asset, 0)
	for _, asset := range s.data.Assets {
		if collectionID == "" || asset.CollectionID == collectionID {
			assets = append(assets, asset)
		}
	}
	sort.Slice(assets, func(i, j int) bool {
		if assets[i].CreatedAt.Equal(assets[j].CreatedAt) {
			return assets[i].ID < assets[j].ID
		}
		return assets[i].CreatedAt.Before(assets[j].CreatedAt)
	})
	return assets, nil
}

func (s *Storage) CreateCollection(ctx context.Context, collection models.Collection) (models.Collection, error) {
	if collection.ID == "" {
		collection.ID = generateID()
	}
	now := s.now()
	collection.CreatedAt = now
	collection.UpdatedAt = now
	collection = cloneCollection(collection)
	err := s.mutate(func(data *dataset) error {
		if _, exists := data.Collections[collection.ID]; exists {
			return fmt.Errorf("collection %s already exists", collection.ID)
		}
		data.Collections[collection.ID] = collection
		data.AccessHashes[collection.ID] = collection.AccessTokenHash
		return nil
	})
	if err != nil {
		return models.Collection{}, err
	}
	return cloneCollection(collection), nil
}

func (s *Storage) GetCollection(ctx context.Context, id string) (models.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	collection, ok := s.data.Collections[id]
	if !ok {
		return models.Collection{}, ErrNotFound
	}
	return cloneCollection(collection), nil
}

func (s *Storage) UpdateCollection(ctx context.Context, id string, update CollectionUpdate) (models.Collection, error) {
	var updated models.Collection
	err := s.mutate(func(data *dataset) error {
		collection, ok := data.Collections[id]
		if !ok {
			return ErrNotFound
		}
		collection = applyCollectionUpdate(collection, update)
		collection.UpdatedAt = s.now()
		data.Collections[id] = collection
		data.AccessHashes[id] = collection.AccessTokenHash
		updated = cloneCollection(collection)
		return nil
	})
	if err != nil {
		return models.Collection{}, err
	}
	return updated, nil
}

func (s *Storage) AddCollectionAsset(ctx context.Context, collectionID, assetID string) error {
	return s.editCollection(collectionID, func(c *models.Collection) bool {
		var changed bool
		c.AssetIDs, changed = appendUnique(c.AssetIDs, assetID)
		return changed
	})
}

func (s *Storage) DetachCollectionAsset(ctx context.Context, collectionID, assetID, deliveryPath string) error {
	return s.editCollection(collectionID, func(c *models.Collection) bool {
		before := len(c.AssetIDs) + len(c.DeliveryPaths)
		c.AssetIDs = removeValue(c.AssetIDs, assetID)
		c.DeliveryPaths = removeValue(c.DeliveryPaths, deliveryPath)
		return before != len(c.AssetIDs)+len(c.DeliveryPaths)
	})
}

func (s *Storage) AppendDeliveryPath(ctx context.Context, collectionID, deliveryPath string) error {
	if strings.TrimSpace(deliveryPath) == "" {
		return errors.New("delivery path is required")
	}
	return s.editCollection(collectionID, func(c *models.Collection) bool {
		var changed bool
		c.DeliveryPaths, changed = appendUnique(c.DeliveryPaths, deliveryPath)
		return changed
	})
}

func (s *Storage) editCollection(id string, edit func(*models.Collection) bool) error {
	return s.mutate(func(data *dataset) error {
		collection, ok := data.Collections[id]
		if !ok {
			return ErrNotFound
		}
		if edit(&collection) {
			collection.UpdatedAt = s.now()
		}
		data.Collections[id] = collection
		return nil
	})
}

func (s *Storage) DeleteCollection(ctx context.Context, id string) error {
	return s.mutate(func(data *dataset) error {
		if _, ok := data.Collections[id]; !ok {
			return ErrNotFound
		}
		delete(data.Collections, id)
		delete(data.AccessHashes, id)
		return nil
	})
}

func (s *Storage) ListCollections(ctx context.Context) ([]models.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	collections := make([]models.Collection, 0, len(s.data.Collections))
	for _, collection := range s.data.Collections {
		collections = append(collections, cloneCollection(collection))
	}
	sort.Slice(collections, func(i, j int) bool {
		return collections[i].ID < collections[j].ID
	})
	return collections, nil
}
