package playback

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"opticast/internal/auth"
	"opticast/internal/models"
	"opticast/internal/observability/logging"
	"opticast/internal/observability/metrics"
	"opticast/internal/storage"
)

// Store is the read side of the document store the gate needs.
type Store interface {
	GetCollection(ctx context.Context, id string) (models.Collection, error)
	GetAsset(ctx context.Context, id string) (models.Asset, error)
}

// HandlerConfig wires the playback gate.
type HandlerConfig struct {
	Store     Store
	Tokens    *TokenService
	MediaRoot string
	Cookie    CookiePolicy
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

// Handler serves playback credential issuance, stream redirects and the
// gated media tree.
type Handler struct {
	store     Store
	tokens    *TokenService
	mediaRoot string
	cookie    CookiePolicy
	logger    *slog.Logger
	metrics   *metrics.Recorder
}

// NewHandler validates cfg.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Store == nil {
		return nil, errors.New("playback: store is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("playback: token service is required")
	}
	if strings.TrimSpace(cfg.MediaRoot) == "" {
		return nil, errors.New("playback: media root is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	return &Handler{
		store:     cfg.Store,
		tokens:    cfg.Tokens,
		mediaRoot: cfg.MediaRoot,
		cookie:    cfg.Cookie,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}, nil
}

// Mount registers the playback routes on r.
func (h *Handler) Mount(r chi.Router) {
	const asset = "/v1/collections/{collectionID}/assets/{assetID}"
	r.Post(asset+"/playback", h.issue)
	r.Post(asset+"/playback/refresh", h.refresh)
	r.Get(asset+"/stream", h.stream)
	r.Get("/media/{collectionID}/hls/{assetID}/*", h.media)
}

func (h *Handler) issue(w http.ResponseWriter, r *http.Request) {
	collectionID := chi.URLParam(r, "collectionID")
	assetID := chi.URLParam(r, "assetID")
	logger := logging.FromContext(r.Context(), h.logger)

	collection, err := h.store.GetCollection(r.Context(), collectionID)
	if err != nil {
		h.storeError(w, err, "collection")
		return
	}
	token, err := auth.BearerToken(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	if err := auth.CompareAccessToken(collection.AccessTokenHash, token); err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		logger.Error("access token comparison failed", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	if !h.originAllowed(r, collection) {
		writeError(w, http.StatusForbidden, errors.New("origin not allowed"))
		return
	}
	if !collection.HasAsset(assetID) {
		writeError(w, http.StatusNotFound, errors.New("asset not found"))
		return
	}
	h.setCookie(w, r, collectionID, assetID)
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	collectionID := chi.URLParam(r, "collectionID")
	assetID := chi.URLParam(r, "assetID")
	if !h.verify(w, r, collectionID, assetID) {
		return
	}
	collection, err := h.store.GetCollection(r.Context(), collectionID)
	if err != nil {
		h.storeError(w, err, "collection")
		return
	}
	if !h.originAllowed(r, collection) {
		writeError(w, http.StatusForbidden, errors.New("origin not allowed"))
		return
	}
	h.setCookie(w, r, collectionID, assetID)
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	collectionID := chi.URLParam(r, "collectionID")
	assetID := chi.URLParam(r, "assetID")
	if !h.verify(w, r, collectionID, assetID) {
		return
	}
	asset, ok := h.playableAsset(w, r, collectionID, assetID)
	if !ok {
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, "/media/"+strings.TrimPrefix(asset.DeliveryPath, "/"), http.StatusFound)
}

func (h *Handler) media(w http.ResponseWriter, r *http.Request) {
	collectionID := chi.URLParam(r, "collectionID")
	assetID := chi.URLParam(r, "assetID")
	if !h.verify(w, r, collectionID, assetID) {
		return
	}
	// Output of unfinished encodes stays unreachable until the asset completes.
	if _, ok := h.playableAsset(w, r, collectionID, assetID); !ok {
		return
	}
	name := strings.TrimPrefix(path.Clean("/"+chi.URLParam(r, "*")), "/")
	if name == "" || !fs.ValidPath(name) || path.Base(name) == "enc-info" {
		writeError(w, http.StatusNotFound, errors.New("not found"))
		return
	}
	dir := filepath.Join(h.mediaRoot, filepath.FromSlash(models.AssetDir(collectionID, assetID)))
	if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(name))); err != nil {
		writeError(w, http.StatusNotFound, errors.New("not found"))
		return
	}
	switch path.Ext(name) {
	case ".m3u8":
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	case ".ts":
		w.Header().Set("Content-Type", "video/mp2t")
	case ".key":
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Cache-Control", "private, no-store")
	http.ServeFileFS(w, r, os.DirFS(dir), name)
}

// playableAsset loads the asset and writes 404 or 409 unless it belongs to
// the collection and has completed.
func (h *Handler) playableAsset(w http.ResponseWriter, r *http.Request, collectionID, assetID string) (models.Asset, bool) {
	asset, err := h.store.GetAsset(r.Context(), assetID)
	if err != nil {
		h.storeError(w, err, "asset")
		return models.Asset{}, false
	}
	if asset.CollectionID != collectionID {
		writeError(w, http.StatusNotFound, errors.New("asset not found"))
		return models.Asset{}, false
	}
	if asset.Status != models.AssetStatusCompleted || asset.DeliveryPath == "" {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "asset is not ready for playback",
			"status": string(asset.Status),
		})
		return models.Asset{}, false
	}
	return asset, true
}

// verify checks the playback cookie for exactly this scope and writes the
// failure response itself.
func (h *Handler) verify(w http.ResponseWriter, r *http.Request, collectionID, assetID string) bool {
	value := h.cookie.read(r)
	if value == "" {
		h.metrics.TokenCheck("missing")
		writeError(w, http.StatusUnauthorized, errors.New("playback token missing"))
		return false
	}
	if _, err := h.tokens.VerifyCookie(value, collectionID, assetID); err != nil {
		switch {
		case errors.Is(err, ErrExpiredToken):
			h.metrics.TokenCheck("expired")
		case errors.Is(err, ErrScopeMismatch):
			h.metrics.TokenCheck("scope_mismatch")
		default:
			h.metrics.TokenCheck("invalid")
		}
		writeError(w, http.StatusUnauthorized, errors.New("invalid or expired playback token"))
		return false
	}
	h.metrics.TokenCheck("valid")
	return true
}

func (h *Handler) setCookie(w http.ResponseWriter, r *http.Request, collectionID, assetID string) {
	value, expires, err := h.tokens.IssueCookie(collectionID, assetID)
	if err != nil {
		logging.FromContext(r.Context(), h.logger).Error("issue playback cookie", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	h.metrics.TokenCheck("issued")
	h.cookie.set(w, r, value, expires, h.tokens.now())
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) originAllowed(r *http.Request, collection models.Collection) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	normalized, err := auth.NormalizeOrigin(origin)
	if err != nil {
		return false
	}
	return collection.IsOriginAllowed(normalized)
}

func (h *Handler) storeError(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, errors.New(what+" not found"))
		return
	}
	h.logger.Error("playback lookup failed", "what", what, "error", err)
	writeError(w, http.StatusInternalServerError, errors.New("internal error"))
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

