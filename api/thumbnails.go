package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"listing-aggregator/models"
	"listing-aggregator/storage"
	"listing-aggregator/utils"
)

// ThumbnailStore looks thumbnails up by id.
type ThumbnailStore interface {
	GetThumbnail(ctx context.Context, id uuid.UUID) (*models.Thumbnail, error)
}

// ThumbnailHandler serves stored thumbnail bytes.
type ThumbnailHandler struct {
	store  ThumbnailStore
	logger *utils.Logger
}

func NewThumbnailHandler(store ThumbnailStore, logger *utils.Logger) *ThumbnailHandler {
	if logger == nil {
		logger = utils.NewDiscardLogger()
	}
	return &ThumbnailHandler{store: store, logger: logger}
}

// GetThumbnail handles GET /api/v1/thumbnails/{id} and the ?id= form.
func (h *ThumbnailHandler) GetThumbnail(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	if raw == "" {
		raw = r.URL.Query().Get("id")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		notFound(w)
		return
	}

	thumb, err := h.store.GetThumbnail(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		notFound(w)
		return
	}
	if err != nil {
		h.logger.Error("[api] thumbnail %s: %v", id, err)
		internalError(w)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "public, max-age=86400, immutable")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(thumb.Image)
}
