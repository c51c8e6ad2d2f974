package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

type messageResponse struct {
	Message string `json:"message"`
}

type rateLimitedResponse struct {
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter"`
}

// RespondWithJSON writes payload as a JSON response.
func RespondWithJSON(w http.ResponseWriter, code int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Failed to marshal JSON response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func invalidParameter(w http.ResponseWriter, param string) {
	RespondWithJSON(w, http.StatusBadRequest, messageResponse{Message: fmt.Sprintf("Parameter '%s' is invalid.", param)})
}

func notFound(w http.ResponseWriter) {
	RespondWithJSON(w, http.StatusNotFound, messageResponse{Message: "Not found"})
}

func internalError(w http.ResponseWriter) {
	RespondWithJSON(w, http.StatusInternalServerError, messageResponse{Message: "Unknown error occurred."})
}

func forbidden(w http.ResponseWriter) {
	RespondWithJSON(w, http.StatusForbidden, messageResponse{Message: "Forbidden"})
}

func rateLimited(w http.ResponseWriter, retryAfter int) {
	w.Header().Set("Retry-After", fmt.Sprint(retryAfter))
	RespondWithJSON(w, http.StatusTooManyRequests, rateLimitedResponse{
		Message:    "Too many requests, please try again later.",
		RetryAfter: retryAfter,
	})
}
