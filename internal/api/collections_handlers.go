package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"opticast/internal/auth"
	"opticast/internal/models"
	"opticast/internal/storage"
)

type collectionResponse struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	AllowedOrigins []string `json:"allowedOrigins"`
	AssetIDs       []string `json:"assetIds"`
	DeliveryPaths  []string `json:"deliveryPaths"`
	CreatedAt      string   `json:"createdAt"`
	UpdatedAt      string   `json:"updatedAt"`
}

func newCollectionResponse(collection models.Collection) collectionResponse {
	resp := collectionResponse{
		ID:             collection.ID,
		Name:           collection.Name,
		AllowedOrigins: collection.AllowedOrigins,
		AssetIDs:       collection.AssetIDs,
		DeliveryPaths:  collection.DeliveryPaths,
		CreatedAt:      collection.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:      collection.UpdatedAt.Format(time.RFC3339Nano),
	}
	if resp.AllowedOrigins == nil {
		resp.AllowedOrigins = []string{}
	}
	if resp.AssetIDs == nil {
		resp.AssetIDs = []string{}
	}
	if resp.DeliveryPaths == nil {
		resp.DeliveryPaths = []string{}
	}
	return resp
}

// createdCollectionResponse is the only response that carries the raw access
// token; it is not recoverable afterwards.
type createdCollectionResponse struct {
	Collection  collectionResponse `json:"collection"`
	AccessToken string             `json:"accessToken"`
}

type createCollectionRequest struct {
	Name           string   `json:"name"`
	AllowedOrigins []string `json:"allowedOrigins"`
}

type originsRequest struct {
	Origins []string `json:"origins"`
}

type accessTokenResponse struct {
	AccessToken string `json:"accessToken"`
}

type jobResponse struct {
	JobID string `json:"jobId"`
}

func (h *Handler) CreateCollection(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	var req createCollectionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, errors.New("name is required"))
		return
	}
	origins, err := auth.NormalizeOrigins(req.AllowedOrigins)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	token, hash, err := auth.GenerateHashedAccessToken()
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	collection, err := h.Store.CreateCollection(r.Context(), models.Collection{
		OwnerID:         owner,
		Name:            name,
		AccessTokenHash: hash,
		AllowedOrigins:  origins,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.Logger.Info("collection created", "collection_id", collection.ID, "owner_id", owner)
	writeJSON(w, http.StatusCreated, createdCollectionResponse{
		Collection:  newCollectionResponse(collection),
		AccessToken: token,
	})
}

func (h *Handler) GetCollection(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	collectionID, ok := h.ownedCollection(w, r, owner)
	if !ok {
		return
	}
	collection, err := h.Store.GetCollection(r.Context(), collectionID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newCollectionResponse(collection))
}

// RegenerateAccessToken replaces the collection credential. Playback cookies
// already issued stay valid until they expire.
func (h *Handler) RegenerateAccessToken(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	collectionID, ok := h.ownedCollection(w, r, owner)
	if !ok {
		return
	}
	token, hash, err := auth.GenerateHashedAccessToken()
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if _, err := h.Store.UpdateCollection(r.Context(), collectionID, storage.CollectionUpdate{AccessTokenHash: &hash}); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.Logger.Info("collection access token regenerated", "collection_id", collectionID)
	writeJSON(w, http.StatusOK, accessTokenResponse{AccessToken: token})
}

func (h *Handler) AddOrigins(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	collectionID, ok := h.ownedCollection(w, r, owner)
	if !ok {
		return
	}
	var req originsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	added, err := auth.NormalizeOrigins(req.Origins)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(added) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("origins are required"))
		return
	}
	h.editOrigins(w, r, collectionID, func(current []string) []string {
		for _, origin := range added {
			current = appendMissing(current, origin)
		}
		return current
	})
}

// RemoveOrigin drops the origin named by the origin query parameter.
func (h *Handler) RemoveOrigin(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	collectionID, ok := h.ownedCollection(w, r, owner)
	if !ok {
		return
	}
	origin, err := auth.NormalizeOrigin(r.URL.Query().Get("origin"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("origin: %w", err))
		return
	}
	h.editOrigins(w, r, collectionID, func(current []string) []string {
		kept := current[:0]
		for _, existing := range current {
			if existing != origin {
				kept = append(kept, existing)
			}
		}
		return kept
	})
}

func (h *Handler) editOrigins(w http.ResponseWriter, r *http.Request, collectionID string, edit func([]string) []string) {
	collection, err := h.Store.GetCollection(r.Context(), collectionID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	origins := edit(append([]string(nil), collection.AllowedOrigins...))
	updated, err := h.Store.UpdateCollection(r.Context(), collectionID, storage.CollectionUpdate{AllowedOrigins: &origins})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newCollectionResponse(updated))
}

func (h *Handler) DeleteCollection(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	jobID, err := h.Ingest.DeleteCollection(r.Context(), owner, chi.URLParam(r, "collectionID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse{JobID: jobID})
}

func appendMissing(values []string, value string) []string {
	for _, existing := range values {
		if existing == value {
			return values
		}
	}
	return append(values, value)
}
