package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/reanahub/reana-job-controller/internal/store"
)

// ErrorResponse is the standard error body
type ErrorResponse struct {
	Message string `json:"message"`
}

// BaseHandler provides common functionality for all handlers
type BaseHandler struct{}

// respondWithJSON writes a JSON response
func (h *BaseHandler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"message":"Failed to marshal response"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

// respondWithError maps the sentinel error kinds onto status codes
func (h *BaseHandler) respondWithError(w http.ResponseWriter, err error) {
	var code int
	var message string

	switch {
	case errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
		message = "Resource not found"
	case errors.Is(err, store.ErrInvalidInput):
		code = http.StatusBadRequest
		message = err.Error()
	case errors.Is(err, store.ErrShuttingDown):
		code = http.StatusServiceUnavailable
		message = "Controller is shutting down"
	case errors.Is(err, store.ErrBackendStopFailure):
		code = http.StatusBadGateway
		message = err.Error()
	case errors.Is(err, store.ErrAlreadyExists):
		code = http.StatusConflict
		message = "Resource already exists"
	default:
		code = http.StatusInternalServerError
		message = "Internal server error"
	}

	h.respondWithJSON(w, code, ErrorResponse{Message: message})
}

// getID gets a path parameter ID from the request context
func (h *BaseHandler) getID(r *http.Request, key string) string {
	return GetIDFromContext(r, key)
}
