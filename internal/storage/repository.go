package storage

import (
	"context"
	"errors"

	"opticast/internal/models"
)

var (
	// ErrNotFound is returned when the referenced document does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a status update violates the
	// asset lifecycle.
	ErrInvalidTransition = errors.New("invalid asset status transition")
	// ErrConflict is returned when an optimistic update lost every retry.
	ErrConflict = errors.New("concurrent update conflict")
	// ErrInvariant is returned when an update would leave an asset whose
	// delivery path disagrees with its status.
	ErrInvariant = models.ErrDeliveryPathInvariant
)

// Repository is the shared document store. Every method is safe for
// concurrent use across processes; updates are optimistic per document.
type Repository interface {
	Ping(ctx context.Context) error

	CreateAsset(ctx context.Context, asset models.Asset) (models.Asset, error)
	GetAsset(ctx context.Context, id string) (models.Asset, error)
	UpdateAsset(ctx context.Context, id string, update AssetUpdate) (models.Asset, error)
	DeleteAssets(ctx context.Context, ids []string) (int, error)
	ListAssets(ctx context.Context, collectionID string) ([]models.Asset, error)

	CreateCollection(ctx context.Context, collection models.Collection) (models.Collection, error)
	GetCollection(ctx context.Context, id string) (models.Collection, error)
	UpdateCollection(ctx context.Context, id string, update CollectionUpdate) (models.Collection, error)
	AddCollectionAsset(ctx context.Context, collectionID, assetID string) error
	DetachCollectionAsset(ctx context.Context, collectionID, assetID, deliveryPath string) error
	AppendDeliveryPath(ctx context.Context, collectionID, deliveryPath string) error
	DeleteCollection(ctx context.Context, id string) error
	ListCollections(ctx context.Context) ([]models.Collection, error)

	Close(ctx context.Context) error
}

// AssetUpdate carries the fields to change; nil pointers are left untouched.
type AssetUpdate struct {
	Status        *models.AssetStatus
	DeliveryPath  *string
	Progress      *int
	FailureReason *string
	JobID         *string
}

// CollectionUpdate carries the collection fields to change.
type CollectionUpdate struct {
	Name            *string
	AccessTokenHash *string
	AllowedOrigins  *[]string
	DeletionJobID   *string
}

// applyAssetUpdate is shared by every backend so the lifecycle rules cannot
// drift between them.
func applyAssetUpdate(asset models.Asset, update AssetUpdate) (models.Asset, error) {
	if update.Status != nil {
		next := *update.Status
		if !models.CanTransition(asset.Status, next) {
			return models.Asset{}, ErrInvalidTransition
		}
		asset.Status = next
		if next != models.AssetStatusCompleted {
			asset.DeliveryPath = ""
		}
		if next == models.AssetStatusCompleted {
			asset.Progress = 100
		}
	}
	if update.DeliveryPath != nil {
		asset.DeliveryPath = *update.DeliveryPath
	}
	if update.Progress != nil && asset.Status != models.AssetStatusCompleted {
		progress := *update.Progress
		if progress < 0 {
			progress = 0
		}
		if progress > 100 {
			progress = 100
		}
		asset.Progress = progress
	}
	if update.FailureReason != nil {
		asset.FailureReason = *update.FailureReason
	}
	if update.JobID != nil {
		asset.JobID = *update.JobID
	}
	if err := asset.Validate(); err != nil {
		return models.Asset{}, err
	}
	return asset, nil
}

func applyCollectionUpdate(collection models.Collection, update CollectionUpdate) models.Collection {
	if update.Name != nil {
		collection.Name = *update.Name
	}
	if update.AccessTokenHash != nil {
		collection.AccessTokenHash = *update.AccessTokenHash
	}
	if update.AllowedOrigins != nil {
		collection.AllowedOrigins = append([]string(nil), (*update.AllowedOrigins)...)
	}
	if update.DeletionJobID != nil {
		collection.DeletionJobID = *update.DeletionJobID
	}
	return collection
}

func appendUnique(values []string, value string) ([]string, bool) {
	for _, existing := range values {
		if existing == value {
			return values, false
		}
	}
	return append(values, value), true
}

func removeValue(values []string, value string) []string {
	if value == "" {
		return values
	}
	out := values[:0:0]
	for _, existing := range values {
		if existing != value {
			out = append(out, existing)
		}
	}
	return out
}
