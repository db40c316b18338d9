package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"opticast/internal/ingest"
	"opticast/internal/models"
	"opticast/internal/storage"
)

// uploadField is the multipart field holding the video.
const uploadField = "video"

type assetResponse struct {
	ID           string `json:"id"`
	CollectionID string `json:"collectionId"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	Progress     int    `json:"progress"`
	DeliveryPath string `json:"deliveryPath,omitempty"`
	Error        string `json:"error,omitempty"`
	CreatedAt    string `json:"createdAt"`
	UpdatedAt    string `json:"updatedAt"`
}

func newAssetResponse(asset models.Asset) assetResponse {
	return assetResponse{
		ID:           asset.ID,
		CollectionID: asset.CollectionID,
		Name:         asset.Name,
		Status:       string(asset.Status),
		Progress:     asset.Progress,
		DeliveryPath: asset.DeliveryPath,
		Error:        asset.FailureReason,
		CreatedAt:    asset.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:    asset.UpdatedAt.Format(time.RFC3339Nano),
	}
}

type uploadResponse struct {
	AssetID string `json:"assetId"`
	JobID   string `json:"jobId"`
	Status  string `json:"status"`
}

type uploadedMedia struct {
	tempPath     string
	size         int64
	originalName string
}

// Upload streams the multipart video to the upload directory and runs
// admission on it. The gate runs before the response is written.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	collectionID := chi.URLParam(r, "collectionID")
	r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadBytes)
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid multipart payload"))
		return
	}

	var media *uploadedMedia
	var name string
	discard := func() {
		if media != nil {
			_ = os.Remove(media.tempPath)
		}
	}
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			discard()
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", maxErr.Limit))
				return
			}
			writeError(w, http.StatusBadRequest, fmt.Errorf("read multipart data: %w", err))
			return
		}
		switch part.FormName() {
		case uploadField:
			if media != nil {
				_ = part.Close()
				continue
			}
			saved, saveErr := h.saveMultipartFile(part)
			if saveErr != nil {
				var maxErr *http.MaxBytesError
				if errors.As(saveErr, &maxErr) {
					writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", maxErr.Limit))
					return
				}
				h.writeServiceError(w, r, saveErr)
				return
			}
			media = saved
		case "name":
			value, readErr := io.ReadAll(io.LimitReader(part, 1024))
			_ = part.Close()
			if readErr != nil {
				discard()
				writeError(w, http.StatusBadRequest, fmt.Errorf("read form field: %w", readErr))
				return
			}
			name = strings.TrimSpace(string(value))
		default:
			_ = part.Close()
		}
	}
	if media == nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("multipart field %q is required", uploadField))
		return
	}
	if media.size == 0 {
		discard()
		writeError(w, http.StatusBadRequest, errors.New("uploaded file is empty"))
		return
	}
	if name == "" {
		name = strings.TrimSuffix(media.originalName, filepath.Ext(media.originalName))
	}

	// Admit owns the file from here: it is removed on rejection or handed to
	// the transcode job on success.
	admission, err := h.Ingest.Admit(r.Context(), ingest.UploadRequest{
		OwnerID:       owner,
		CollectionID:  collectionID,
		LocalFilePath: media.tempPath,
		Name:          name,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, uploadResponse{
		AssetID: admission.AssetID,
		JobID:   admission.JobID,
		Status:  string(models.AssetStatusQueued),
	})
}

func (h *Handler) saveMultipartFile(part *multipart.Part) (*uploadedMedia, error) {
	defer part.Close()
	if err := os.MkdirAll(h.UploadDir, 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(part.FileName()))
	if len(ext) > 8 {
		ext = ""
	}
	tmp, err := os.CreateTemp(h.UploadDir, "upload-*"+ext)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer tmp.Close()
	written, err := io.Copy(tmp, part)
	if err != nil {
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("save upload: %w", err)
	}
	return &uploadedMedia{
		tempPath:     tmp.Name(),
		size:         written,
		originalName: filepath.Base(part.FileName()),
	}, nil
}

func (h *Handler) ListAssets(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	collectionID, ok := h.ownedCollection(w, r, owner)
	if !ok {
		return
	}
	assets, err := h.Store.ListAssets(r.Context(), collectionID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	response := make([]assetResponse, 0, len(assets))
	for _, asset := range assets {
		response = append(response, newAssetResponse(asset))
	}
	writeJSON(w, http.StatusOK, response)
}

// GetAsset reports coarse status only; encoder output never reaches the
// asset record.
func (h *Handler) GetAsset(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	collectionID, ok := h.ownedCollection(w, r, owner)
	if !ok {
		return
	}
	asset, err := h.Store.GetAsset(r.Context(), chi.URLParam(r, "assetID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if asset.CollectionID != collectionID {
		h.writeServiceError(w, r, storage.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, newAssetResponse(asset))
}

func (h *Handler) DeleteAsset(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	jobID, err := h.Ingest.DeleteAsset(r.Context(), owner, chi.URLParam(r, "collectionID"), chi.URLParam(r, "assetID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse{JobID: jobID})
}
