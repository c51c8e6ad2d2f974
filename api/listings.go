package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"listing-aggregator/aggregate"
	"listing-aggregator/models"
	"listing-aggregator/queue"
	"listing-aggregator/utils"
)

// Streamer is the part of aggregate.Runner the listings handler needs.
type Streamer interface {
	Stream(ctx context.Context, req aggregate.Request, emit func(models.Listing) bool) (queue.Admission, error)
}

var _ Streamer = (*aggregate.Runner)(nil)

// ListingsHandler serves GET /api/v1/listings.
type ListingsHandler struct {
	streamer Streamer
	logger   *utils.Logger
}

func NewListingsHandler(streamer Streamer, logger *utils.Logger) *ListingsHandler {
	if logger == nil {
		logger = utils.NewDiscardLogger()
	}
	return &ListingsHandler{streamer: streamer, logger: logger}
}

// GetListings validates the query and streams matching listings as
// newline-delimited JSON, flushing after each one.
func (h *ListingsHandler) GetListings(w http.ResponseWriter, r *http.Request) {
	req, err := ParseListingRequest(r.URL.Query())
	if err != nil {
		var invalid *InvalidParameterError
		if errors.As(err, &invalid) {
			invalidParameter(w, invalid.Param)
			return
		}
		internalError(w)
		return
	}

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	started := false
	written := 0

	start := func() {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(http.StatusOK)
		started = true
	}

	admission, err := h.streamer.Stream(r.Context(), req.Request, func(l models.Listing) bool {
		if !started {
			start()
		}
		if err := enc.Encode(l); err != nil {
			h.logger.Debug("[api] client went away after %d listings: %v", written, err)
			return false
		}
		written++
		if flusher != nil {
			flusher.Flush()
		}
		return true
	})
	if err != nil {
		h.logger.Error("[api] listings for %q: %v", req.Query, err)
		if !started {
			internalError(w)
		}
		return
	}
	if !started {
		start()
	}
	h.logger.Info("[api] %q (%s, %s): %s, %d listings sent", req.Query, req.Location, req.Criteria.Key(), admission, written)
}
