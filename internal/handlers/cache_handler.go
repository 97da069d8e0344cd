package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/reanahub/reana-job-controller/internal/cache"
	"github.com/reanahub/reana-job-controller/internal/store"
	"github.com/reanahub/reana-job-controller/internal/store/models"
)

// CacheHandler answers GET /job_cache lookups for the workflow engine
type CacheHandler struct {
	BaseHandler
	cache *cache.Cache
}

// NewCacheHandler creates a new cache handler
func NewCacheHandler(jobCache *cache.Cache) *CacheHandler {
	return &CacheHandler{cache: jobCache}
}

// cacheJobSpec is the job_spec query payload: the submission fields that
// participate in the fingerprint.
type cacheJobSpec struct {
	Cmd                  string            `json:"cmd"`
	DockerImage          string            `json:"docker_img"`
	EnvVars              map[string]string `json:"env_vars"`
	ComputeBackendParams models.JSONB      `json:"compute_backend_params"`
}

// CheckCache handles GET /job_cache?job_spec&workflow_json&workflow_workspace
func (h *CacheHandler) CheckCache(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	jobSpecRaw := query.Get("job_spec")
	workflowJSON := query.Get("workflow_json")
	workspace := query.Get("workflow_workspace")

	if jobSpecRaw == "" || workspace == "" {
		h.respondWithError(w, fmt.Errorf("%w: job_spec and workflow_workspace are required", store.ErrInvalidInput))
		return
	}

	var spec cacheJobSpec
	if err := json.Unmarshal([]byte(jobSpecRaw), &spec); err != nil {
		h.respondWithError(w, fmt.Errorf("%w: malformed job_spec", store.ErrInvalidInput))
		return
	}

	fingerprint, err := cache.Fingerprint(cache.FingerprintInput{
		Cmd:                  spec.Cmd,
		DockerImage:          spec.DockerImage,
		Env:                  spec.EnvVars,
		ComputeBackendParams: spec.ComputeBackendParams,
		WorkflowJSON:         json.RawMessage(workflowJSON),
		Workspace:            workspace,
	})
	if err != nil {
		h.respondWithError(w, fmt.Errorf("%w: %v", store.ErrInvalidInput, err))
		return
	}

	entry, err := h.cache.Lookup(r.Context(), fingerprint)
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	if entry == nil {
		h.respondWithJSON(w, http.StatusOK, map[string]interface{}{"cached": false})
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"cached":      true,
		"result_path": entry.ResultPath,
	})
}
