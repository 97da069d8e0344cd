package handlers

import (
	"net/http"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/gorilla/websocket"
	"github.com/reanahub/reana-job-controller/internal/registry"
	"github.com/reanahub/reana-job-controller/internal/store"
)

// StreamHandler follows a job's logs over a websocket. Clients receive
// the current log buffer, then increments as the monitor appends, and a
// close once the job terminalizes.
type StreamHandler struct {
	BaseHandler
	registry *registry.Registry
	store    store.Store
	upgrader websocket.Upgrader
	interval time.Duration
}

// NewStreamHandler creates a new log stream handler
func NewStreamHandler(reg *registry.Registry, st store.Store) *StreamHandler {
	return &StreamHandler{
		registry: reg,
		store:    st,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		interval: time.Second,
	}
}

// StreamLogs handles GET /jobs/{id}/logs/stream
func (h *StreamHandler) StreamLogs(w http.ResponseWriter, r *http.Request) {
	jobID := h.getID(r, "job_id")

	// Reject unknown ids before the upgrade so clients get a proper 404
	if _, err := h.registry.Get(jobID); err != nil {
		if _, dbErr := h.store.GetJobByID(r.Context(), jobID); dbErr != nil {
			h.respondNoSuchJob(w, jobID)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Log.WithError(err).WithField("job_id", jobID).Warn("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	sent := 0
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		job, err := h.registry.Get(jobID)
		if err != nil {
			// The job left the registry: send the final logs from the DB
			// and close
			dbJob, dbErr := h.store.GetJobByID(r.Context(), jobID)
			if dbErr == nil && len(dbJob.Logs) > sent {
				if writeErr := conn.WriteMessage(websocket.TextMessage, []byte(dbJob.Logs[sent:])); writeErr != nil {
					return
				}
			}
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job terminalized"))
			return
		}

		if len(job.Logs) > sent {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(job.Logs[sent:])); err != nil {
				return
			}
			sent = len(job.Logs)
		}
	}
}

func (h *StreamHandler) respondNoSuchJob(w http.ResponseWriter, jobID string) {
	h.respondWithJSON(w, http.StatusNotFound, ErrorResponse{
		Message: "The job " + jobID + " doesn't exist",
	})
}
