package models

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// AssetStatus is the coarse lifecycle state exposed to callers. Encoder
// diagnostics never leak through it.
type AssetStatus string

const (
	AssetStatusQueued     AssetStatus = "queued"
	AssetStatusProcessing AssetStatus = "processing"
	AssetStatusCompleted  AssetStatus = "completed"
	AssetStatusFailed     AssetStatus = "failed"
)

// Valid reports whether the status is one of the known values.
func (s AssetStatus) Valid() bool {
	switch s {
	case AssetStatusQueued, AssetStatusProcessing, AssetStatusCompleted, AssetStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are permitted.
func (s AssetStatus) Terminal() bool {
	return s == AssetStatusCompleted || s == AssetStatusFailed
}

// CanTransition reports whether an asset may move from one status to
// another. Completed and failed are terminal; rewriting the same terminal
// status is accepted so redelivered completions stay idempotent.
func CanTransition(from, to AssetStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	switch from {
	case AssetStatusQueued:
		return to != AssetStatusQueued
	case AssetStatusProcessing:
		return to == AssetStatusCompleted || to == AssetStatusFailed
	default:
		return false
	}
}

// ErrDeliveryPathInvariant marks an asset whose delivery path disagrees with
// its status.
var ErrDeliveryPathInvariant = errors.New("delivery path must be set exactly when status is completed")

// Asset is a single uploaded video.
type Asset struct {
	ID            string      `json:"id"`
	OwnerID       string      `json:"ownerId"`
	CollectionID  string      `json:"collectionId"`
	Name          string      `json:"name"`
	Status        AssetStatus `json:"status"`
	JobID         string      `json:"jobId,omitempty"`
	DeliveryPath  string      `json:"deliveryPath,omitempty"`
	Progress      int         `json:"progress"`
	FailureReason string      `json:"failureReason,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// Validate checks the status/delivery path pairing.
func (a Asset) Validate() error {
	if !a.Status.Valid() {
		return fmt.Errorf("unknown asset status %q", a.Status)
	}
	hasPath := strings.TrimSpace(a.DeliveryPath) != ""
	if hasPath != (a.Status == AssetStatusCompleted) {
		return ErrDeliveryPathInvariant
	}
	return nil
}

// Collection groups assets under one owner and one access credential.
type Collection struct {
	ID              string    `json:"id"`
	OwnerID         string    `json:"ownerId"`
	Name            string    `json:"name"`
	AccessTokenHash string    `json:"-"`
	AllowedOrigins  []string  `json:"allowedOrigins"`
	AssetIDs        []string  `json:"assetIds"`
	DeliveryPaths   []string  `json:"deliveryPaths"`
	DeletionJobID   string    `json:"deletionJobId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// HasAsset reports whether the asset id is linked to the collection.
func (c Collection) HasAsset(assetID string) bool {
	for _, id := range c.AssetIDs {
		if id == assetID {
			return true
		}
	}
	return false
}

// IsOriginAllowed reports whether an already-normalised origin may embed
// the collection. An empty allow-list admits every origin.
func (c Collection) IsOriginAllowed(origin string) bool {
	if len(c.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range c.AllowedOrigins {
		if allowed == origin {
			return true
		}
	}
	return false
}

// TranscodePayload is the immutable body of a transcode job.
type TranscodePayload struct {
	AssetID      string `json:"assetId"`
	CollectionID string `json:"collectionId"`
	InputPath    string `json:"inputPath"`
}

// Validate ensures every field is populated.
func (p TranscodePayload) Validate() error {
	switch {
	case strings.TrimSpace(p.AssetID) == "":
		return errors.New("assetId is required")
	case strings.TrimSpace(p.CollectionID) == "":
		return errors.New("collectionId is required")
	case strings.TrimSpace(p.InputPath) == "":
		return errors.New("inputPath is required")
	}
	return nil
}

// DeletionPayload is the body of a deletion job.
type DeletionPayload struct {
	CollectionID  string   `json:"collectionId,omitempty"`
	AssetIDs      []string `json:"assetIds"`
	DeliveryPaths []string `json:"deliveryPaths"`
}

// TranscodeResult is returned by a successful transcode job.
type TranscodeResult struct {
	DeliveryPath string   `json:"deliveryPath"`
	Renditions   []string `json:"renditions,omitempty"`
}

// MasterPlaylist is the file name of an asset's HLS entry point.
const MasterPlaylist = "master.m3u8"

// AssetDir returns the asset's output directory relative to the media root.
func AssetDir(collectionID, assetID string) string {
	return path.Join(collectionID, "hls", assetID)
}

// DeliveryPathFor returns the delivery path recorded for a completed asset.
func DeliveryPathFor(collectionID, assetID string) string {
	return path.Join(AssetDir(collectionID, assetID), MasterPlaylist)
}
