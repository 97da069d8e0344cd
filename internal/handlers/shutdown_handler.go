package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/reanahub/reana-job-controller/internal/shutdown"
)

// ShutdownHandler exposes the pre-stop endpoint
type ShutdownHandler struct {
	BaseHandler
	coordinator *shutdown.Coordinator
}

// NewShutdownHandler creates a new shutdown handler
func NewShutdownHandler(coordinator *shutdown.Coordinator) *ShutdownHandler {
	return &ShutdownHandler{coordinator: coordinator}
}

// Shutdown handles DELETE /shutdown: quiesce submissions, stop all live
// jobs and wait for them to terminalize. Jobs left after the deadline are
// reported but the controller still proceeds to exit.
func (h *ShutdownHandler) Shutdown(w http.ResponseWriter, r *http.Request) {
	unfinished := h.coordinator.Shutdown(r.Context())

	if len(unfinished) > 0 {
		h.respondWithJSON(w, http.StatusInternalServerError, map[string]string{
			"message": fmt.Sprintf("Could not stop jobs %s", strings.Join(unfinished, ", ")),
		})
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]string{
		"message": "All jobs stopped, controller shutting down",
	})
}
