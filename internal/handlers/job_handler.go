package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/reanahub/reana-job-controller/internal/backend"
	"github.com/reanahub/reana-job-controller/internal/config"
	"github.com/reanahub/reana-job-controller/internal/manager"
	"github.com/reanahub/reana-job-controller/internal/registry"
	"github.com/reanahub/reana-job-controller/internal/shutdown"
	"github.com/reanahub/reana-job-controller/internal/store"
	"github.com/reanahub/reana-job-controller/internal/store/models"
)

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	BaseHandler
	manager     *manager.Manager
	registry    *registry.Registry
	store       store.Store
	coordinator *shutdown.Coordinator
}

// NewJobHandler creates a new job handler
func NewJobHandler(mgr *manager.Manager, reg *registry.Registry, st store.Store, coordinator *shutdown.Coordinator) *JobHandler {
	return &JobHandler{
		manager:     mgr,
		registry:    reg,
		store:       st,
		coordinator: coordinator,
	}
}

// JobRequest is the POST /jobs payload. The per-backend parameter bags
// arrive flat and are parsed into exactly one typed variant here, at the
// boundary.
type JobRequest struct {
	DockerImage       string `json:"docker_img"`
	JobName           string `json:"job_name"`
	WorkflowUUID      string `json:"workflow_uuid"`
	WorkflowWorkspace string `json:"workflow_workspace"`

	Cmd              string            `json:"cmd"`
	PrettifiedCmd    string            `json:"prettified_cmd"`
	EnvVars          map[string]string `json:"env_vars"`
	ComputeBackend   string            `json:"compute_backend"`
	CVMFSMounts      string            `json:"cvmfs_mounts"`
	SharedFileSystem *bool             `json:"shared_file_system"`
	UnpackedImage    bool              `json:"unpacked_img"`
	Kerberos         bool              `json:"kerberos"`
	VomsProxy        bool              `json:"voms_proxy"`
	Rucio            bool              `json:"rucio"`

	WorkflowJSON json.RawMessage `json:"workflow_json,omitempty"`

	KubernetesUID         *int64 `json:"kubernetes_uid,omitempty"`
	KubernetesMemoryLimit string `json:"kubernetes_memory_limit,omitempty"`
	KubernetesJobTimeout  *int64 `json:"kubernetes_job_timeout,omitempty"`

	HTCondorAccountingGroup string `json:"htcondor_accounting_group,omitempty"`
	HTCondorMaxRuntime      string `json:"htcondor_max_runtime,omitempty"`

	SlurmPartition string `json:"slurm_partition,omitempty"`
	SlurmTime      string `json:"slurm_time,omitempty"`

	C4PCPUCores               string `json:"c4p_cpu_cores,omitempty"`
	C4PMemoryLimit            string `json:"c4p_memory_limit,omitempty"`
	C4PAdditionalRequirements string `json:"c4p_additional_requirements,omitempty"`
}

// JobView is the job shape returned by the query endpoints
type JobView struct {
	Cmd             string   `json:"cmd"`
	CVMFSMounts     []string `json:"cvmfs_mounts"`
	DockerImage     string   `json:"docker_img"`
	JobID           string   `json:"job_id"`
	Status          string   `json:"status"`
	RestartCount    int      `json:"restart_count"`
	MaxRestartCount int      `json:"max_restart_count"`
}

// CreateJob handles POST /jobs
func (h *JobHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	if !h.coordinator.AcceptingSubmissions() {
		h.respondWithError(w, store.ErrShuttingDown)
		return
	}

	var req JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, fmt.Errorf("%w: malformed request body", store.ErrInvalidInput))
		return
	}

	job, err := h.jobFromRequest(&req)
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	if _, err := h.manager.Execute(r.Context(), job, req.WorkflowJSON); err != nil {
		h.respondWithError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusCreated, map[string]string{"job_id": job.ID})
}

// ListJobs handles GET /jobs: live jobs from the registry snapshot; the
// lock is released before any serialization happens.
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := map[string]JobView{}
	for id, job := range h.registry.Snapshot() {
		jobs[id] = jobToView(job)
	}
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

// GetJob handles GET /jobs/{id}. Terminal jobs left the registry; the DB
// answers for them.
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := h.getID(r, "job_id")

	job, err := h.lookupJob(r, jobID)
	if err != nil {
		h.respondNoSuchJob(w, jobID)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]JobView{"job": jobToView(job)})
}

// GetJobLogs handles GET /jobs/{id}/logs
func (h *JobHandler) GetJobLogs(w http.ResponseWriter, r *http.Request) {
	jobID := h.getID(r, "job_id")

	job, err := h.lookupJob(r, jobID)
	if err != nil {
		h.respondNoSuchJob(w, jobID)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]string{"log": job.Logs})
}

// DeleteJob handles DELETE /jobs/{id}/?compute_backend=...
func (h *JobHandler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := h.getID(r, "job_id")

	job, err := h.lookupJob(r, jobID)
	if err != nil {
		h.respondNoSuchJob(w, jobID)
		return
	}

	// The query parameter is advisory; a mismatch would dispatch the stop
	// to the wrong adapter, so reject it instead
	if requested := r.URL.Query().Get("compute_backend"); requested != "" && requested != job.Backend {
		h.respondWithError(w, fmt.Errorf("%w: job %s runs on %s, not %s",
			store.ErrInvalidInput, jobID, job.Backend, requested))
		return
	}

	if err := h.manager.Stop(r.Context(), jobID); err != nil {
		h.respondWithError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *JobHandler) lookupJob(r *http.Request, jobID string) (*models.Job, error) {
	if job, err := h.registry.Get(jobID); err == nil {
		return job, nil
	}
	return h.store.GetJobByID(r.Context(), jobID)
}

func (h *JobHandler) respondNoSuchJob(w http.ResponseWriter, jobID string) {
	h.respondWithJSON(w, http.StatusNotFound, ErrorResponse{
		Message: fmt.Sprintf("The job %s doesn't exist", jobID),
	})
}

// jobFromRequest validates the request and builds the job entity
func (h *JobHandler) jobFromRequest(req *JobRequest) (*models.Job, error) {
	switch {
	case req.DockerImage == "":
		return nil, fmt.Errorf("%w: docker_img is required", store.ErrInvalidInput)
	case req.JobName == "":
		return nil, fmt.Errorf("%w: job_name is required", store.ErrInvalidInput)
	case req.WorkflowUUID == "":
		return nil, fmt.Errorf("%w: workflow_uuid is required", store.ErrInvalidInput)
	case req.WorkflowWorkspace == "":
		return nil, fmt.Errorf("%w: workflow_workspace is required", store.ErrInvalidInput)
	}

	backendName := req.ComputeBackend
	if backendName == "" {
		backendName = config.DefaultComputeBackend
	}
	if !backend.IsKnownBackend(backendName) {
		return nil, fmt.Errorf("%w: unknown compute backend %s", store.ErrInvalidInput, backendName)
	}

	params, err := parseBackendParams(backendName, req)
	if err != nil {
		return nil, err
	}

	env := models.JSONB{}
	for k, v := range req.EnvVars {
		env[k] = v
	}

	sharedFileSystem := true
	if req.SharedFileSystem != nil {
		sharedFileSystem = *req.SharedFileSystem
	}

	return &models.Job{
		Backend:              backendName,
		WorkflowUUID:         req.WorkflowUUID,
		WorkflowWorkspace:    req.WorkflowWorkspace,
		Name:                 req.JobName,
		DockerImage:          req.DockerImage,
		Cmd:                  req.Cmd,
		PrettifiedCmd:        req.PrettifiedCmd,
		Env:                  env,
		CVMFSMounts:          splitCSV(req.CVMFSMounts),
		SharedFileSystem:     sharedFileSystem,
		UnpackedImage:        req.UnpackedImage,
		Kerberos:             req.Kerberos,
		VomsProxy:            req.VomsProxy,
		Rucio:                req.Rucio,
		ComputeBackendParams: params.ToMap(),
		MaxRestartCount:      config.MaxRestartCount,
	}, nil
}

// parseBackendParams builds the typed variant matching the chosen backend
// and rejects parameter bags that belong to another one.
func parseBackendParams(backendName string, req *JobRequest) (backend.Params, error) {
	hasKubernetes := req.KubernetesUID != nil || req.KubernetesMemoryLimit != "" || req.KubernetesJobTimeout != nil
	hasHTCondor := req.HTCondorAccountingGroup != "" || req.HTCondorMaxRuntime != ""
	hasSlurm := req.SlurmPartition != "" || req.SlurmTime != ""
	hasC4P := req.C4PCPUCores != "" || req.C4PMemoryLimit != "" || req.C4PAdditionalRequirements != ""

	mismatch := func(family string) error {
		return fmt.Errorf("%w: %s parameters are not valid for backend %s",
			store.ErrInvalidInput, family, backendName)
	}

	switch backendName {
	case backend.BackendKubernetes:
		if hasHTCondor || hasSlurm || hasC4P {
			return backend.Params{}, mismatch("non-kubernetes")
		}
		return backend.Params{Kubernetes: &backend.KubernetesParams{
			UID:         req.KubernetesUID,
			MemoryLimit: req.KubernetesMemoryLimit,
			JobTimeout:  req.KubernetesJobTimeout,
		}}, nil
	case backend.BackendHTCondorCERN:
		if hasKubernetes || hasSlurm || hasC4P {
			return backend.Params{}, mismatch("non-htcondor")
		}
		return backend.Params{HTCondor: &backend.HTCondorParams{
			AccountingGroup: req.HTCondorAccountingGroup,
			MaxRuntime:      req.HTCondorMaxRuntime,
		}}, nil
	case backend.BackendSlurmCERN:
		if hasKubernetes || hasHTCondor || hasC4P {
			return backend.Params{}, mismatch("non-slurm")
		}
		return backend.Params{Slurm: &backend.SlurmParams{
			Partition: req.SlurmPartition,
			Time:      req.SlurmTime,
		}}, nil
	case backend.BackendCompute4PUNCH:
		if hasKubernetes || hasHTCondor || hasSlurm {
			return backend.Params{}, mismatch("non-compute4punch")
		}
		return backend.Params{C4P: &backend.C4PParams{
			CPUCores:               req.C4PCPUCores,
			MemoryLimit:            req.C4PMemoryLimit,
			AdditionalRequirements: req.C4PAdditionalRequirements,
		}}, nil
	}
	return backend.Params{}, fmt.Errorf("%w: unknown compute backend %s", store.ErrInvalidInput, backendName)
}

func jobToView(job *models.Job) JobView {
	mounts := []string{}
	for _, m := range job.CVMFSMounts {
		mounts = append(mounts, m)
	}
	return JobView{
		Cmd:             job.Cmd,
		CVMFSMounts:     mounts,
		DockerImage:     job.DockerImage,
		JobID:           job.ID,
		Status:          job.Status,
		RestartCount:    job.RestartCount,
		MaxRestartCount: job.MaxRestartCount,
	}
}

func splitCSV(csv string) []string {
	if csv == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(csv, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
