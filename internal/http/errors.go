// Package httpapi exposes the HTTP API layer of the service.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/fairyhunter13/product-catalog-service/internal/catalog"
	"github.com/fairyhunter13/product-catalog-service/internal/obs"
	"github.com/fairyhunter13/product-catalog-service/internal/search"
)

// jsonError represents a JSON error payload.
type jsonError struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// WriteJSONError writes a JSON error payload with the given status code.
func WriteJSONError(w http.ResponseWriter, status int, message, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonError{Error: message, Details: details})
}

// writeServiceError maps catalog errors onto status codes.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *catalog.ValidationError
	var perr *catalog.PersistenceError
	var serr *catalog.SecondaryStoreError
	switch {
	case errors.As(err, &verr):
		WriteJSONError(w, http.StatusBadRequest, "validation_error", strings.Join(verr.Problems, "; "))
		return
	case errors.Is(err, catalog.ErrNotFound):
		WriteJSONError(w, http.StatusNotFound, "not_found", "")
		return
	case errors.Is(err, search.ErrInvalidPage):
		WriteJSONError(w, http.StatusBadRequest, "invalid_page", "page must be >= 0 and size > 0")
		return
	case errors.As(err, &perr):
		WriteJSONError(w, http.StatusInternalServerError, "persistence_error", "")
	case errors.As(err, &serr):
		WriteJSONError(w, http.StatusBadGateway, serr.Store+"_unavailable", "")
	default:
		WriteJSONError(w, http.StatusInternalServerError, "internal_error", "")
	}
	obs.Logger.Error("request_failed",
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", RequestIDFromContext(r.Context()),
		"error", err,
	)
}
