package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"opticast/internal/ingest"
	"opticast/internal/observability/logging"
	"opticast/internal/storage"
)

// OwnerHeader carries the authenticated owner id set by the upstream gateway.
const OwnerHeader = "X-Owner-Id"

// DefaultMaxUploadBytes bounds a single multipart upload.
const DefaultMaxUploadBytes int64 = 4 << 30

// Ingest is the write path the handlers delegate to.
type Ingest interface {
	Admit(ctx context.Context, req ingest.UploadRequest) (ingest.Admission, error)
	DeleteCollection(ctx context.Context, ownerID, collectionID string) (string, error)
	DeleteAsset(ctx context.Context, ownerID, collectionID, assetID string) (string, error)
}

// Probe reports the health of one dependency.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// HandlerConfig wires the management API.
type HandlerConfig struct {
	Store          storage.Repository
	Ingest         Ingest
	UploadDir      string
	MaxUploadBytes int64
	Probes         []Probe
	Logger         *slog.Logger
}

// Handler serves collection, upload and asset routes.
type Handler struct {
	Store          storage.Repository
	Ingest         Ingest
	UploadDir      string
	MaxUploadBytes int64
	Probes         []Probe
	Logger         *slog.Logger
}

// NewHandler validates cfg.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Store == nil {
		return nil, errors.New("api: store is required")
	}
	if cfg.Ingest == nil {
		return nil, errors.New("api: ingest service is required")
	}
	if strings.TrimSpace(cfg.UploadDir) == "" {
		return nil, errors.New("api: upload directory is required")
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Handler{
		Store:          cfg.Store,
		Ingest:         cfg.Ingest,
		UploadDir:      cfg.UploadDir,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Probes:         cfg.Probes,
		Logger:         cfg.Logger,
	}, nil
}

// Mount registers the management routes on r. Sensitive routes are wrapped
// with strict when it is non-nil.
func (h *Handler) Mount(r chi.Router, strict func(http.Handler) http.Handler) {
	limited := r
	if strict != nil {
		limited = r.With(strict)
	}
	limited.Post("/v1/collections", h.CreateCollection)
	limited.Post("/v1/collections/{collectionID}/uploads", h.Upload)
	limited.Post("/v1/collections/{collectionID}/access-token", h.RegenerateAccessToken)

	r.Get("/v1/collections/{collectionID}", h.GetCollection)
	r.Delete("/v1/collections/{collectionID}", h.DeleteCollection)
	r.Post("/v1/collections/{collectionID}/origins", h.AddOrigins)
	r.Delete("/v1/collections/{collectionID}/origins", h.RemoveOrigin)
	r.Get("/v1/collections/{collectionID}/assets", h.ListAssets)
	r.Get("/v1/collections/{collectionID}/assets/{assetID}", h.GetAsset)
	r.Delete("/v1/collections/{collectionID}/assets/{assetID}", h.DeleteAsset)
}

// Health reports every configured probe.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	HealthHandler(h.Store, h.Probes...)(w, r)
}

func requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
	if owner == "" {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("%s header is required", OwnerHeader))
		return "", false
	}
	return owner, true
}

// ownedCollection loads the routed collection and checks it belongs to owner.
func (h *Handler) ownedCollection(w http.ResponseWriter, r *http.Request, owner string) (string, bool) {
	collectionID := chi.URLParam(r, "collectionID")
	collection, err := h.Store.GetCollection(r.Context(), collectionID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return "", false
	}
	if collection.OwnerID != owner {
		h.writeServiceError(w, r, ingest.ErrForbidden)
		return "", false
	}
	return collection.ID, true
}

type admissionErrorResponse struct {
	Error   string  `json:"error"`
	Sampled int     `json:"sampledFrames"`
	Flagged int     `json:"flaggedFrames"`
	Ratio   float64 `json:"flaggedRatio"`
}

// writeServiceError is the single mapping from domain errors to responses.
// Unexpected errors are logged and reported without detail.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var admission *ingest.AdmissionError
	switch {
	case errors.As(err, &admission):
		writeJSON(w, http.StatusUnprocessableEntity, admissionErrorResponse{
			Error:   admission.Error(),
			Sampled: admission.Decision.Sampled,
			Flagged: admission.Decision.Flagged,
			Ratio:   admission.Decision.Ratio,
		})
	case errors.Is(err, ingest.ErrForbidden):
		writeError(w, http.StatusForbidden, errors.New("forbidden"))
	case errors.Is(err, ingest.ErrAssetNotInCollection):
		writeError(w, http.StatusNotFound, errors.New("asset not found"))
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, errors.New("not found"))
	case errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, errors.New("concurrent update, retry the request"))
	case errors.Is(err, context.Canceled):
		// The client went away; nothing useful can be written.
	default:
		logging.FromContext(r.Context(), h.Logger).Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}
