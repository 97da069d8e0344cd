// Package manager is the single entry point the HTTP layer uses to run
// and stop jobs. Execute is an ordered pipeline - validate, cache check,
// adapter submit, DB commit, registry publish - with explicit rollback at
// each step so a crash between any two steps leaves no orphan.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/google/uuid"
	"github.com/reanahub/reana-job-controller/internal/backend"
	"github.com/reanahub/reana-job-controller/internal/cache"
	"github.com/reanahub/reana-job-controller/internal/config"
	"github.com/reanahub/reana-job-controller/internal/metrics"
	"github.com/reanahub/reana-job-controller/internal/registry"
	"github.com/reanahub/reana-job-controller/internal/store"
	"github.com/reanahub/reana-job-controller/internal/store/models"
)

// Manager ties adapters, registry, cache and DB together
type Manager struct {
	adapters backend.Set
	registry *registry.Registry
	store    store.Store
	cache    *cache.Cache

	workspaceRoot string
	stopDeadline  time.Duration
	retryConfig   *backend.RetryConfig
}

// New creates the manager
func New(adapters backend.Set, reg *registry.Registry, st store.Store, jobCache *cache.Cache) *Manager {
	return &Manager{
		adapters:      adapters,
		registry:      reg,
		store:         st,
		cache:         jobCache,
		workspaceRoot: config.WorkspaceRoot,
		stopDeadline:  time.Duration(config.StopRequestDeadlineSeconds) * time.Second,
		retryConfig:   backend.DefaultRetryConfig(),
	}
}

// Execute validates and runs a job. The returned job already has an ID and
// a DB row; on a cache hit it is already finished and no adapter was
// involved. A job that failed submission permanently is also returned
// without error - it exists and is failed, which is the honest outcome.
func (m *Manager) Execute(ctx context.Context, job *models.Job, workflowJSON json.RawMessage) (cached bool, err error) {
	if err := m.validateWorkspace(job.WorkflowWorkspace); err != nil {
		return false, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}

	adapter, err := m.adapters.Get(job.Backend)
	if err != nil {
		return false, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}

	job.ID = uuid.New().String()
	job.Status = models.StatusQueued

	// Cache check precedes any backend work
	var fingerprint string
	if m.cache.Enabled() {
		fingerprint, err = cache.Fingerprint(cache.FingerprintInput{
			Cmd:                  job.Cmd,
			DockerImage:          job.DockerImage,
			Env:                  job.EnvStrings(),
			ComputeBackendParams: job.ComputeBackendParams,
			WorkflowJSON:         workflowJSON,
			Workspace:            job.WorkflowWorkspace,
		})
		if err != nil {
			return false, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
		}

		entry, err := m.cache.Lookup(ctx, fingerprint)
		if err != nil {
			return false, err
		}
		if entry != nil {
			return true, m.satisfyFromCache(ctx, job, entry)
		}
	}

	// A queued row lands before the submit so a crash mid-submit leaves a
	// recoverable record; the idempotent submit covers the other half.
	if err := m.store.CreateJob(ctx, job); err != nil {
		return false, err
	}

	retryConfig := *m.retryConfig
	retryConfig.MaxRetries = job.MaxRestartCount

	attempts := 0
	backendJobID, err := backend.RetrySubmit(ctx, &retryConfig, job.Backend, func() (string, error) {
		attempts++
		return adapter.Submit(ctx, job)
	})
	job.RestartCount = attempts - 1

	if err != nil {
		return false, m.terminalizeFailedSubmission(ctx, job, err)
	}

	job.BackendJobID = &backendJobID
	if err := m.store.SetBackendJobID(ctx, job.ID, backendJobID); err != nil {
		// The backend job exists but the row update failed: stop the
		// external job so nothing runs untracked, then surface the error
		logging.Log.WithError(err).WithField("job_id", job.ID).
			Error("Failed to persist backend job id, rolling back submission")
		stopCtx, cancel := context.WithTimeout(context.Background(), m.stopDeadline)
		defer cancel()
		if stopErr := adapter.Stop(stopCtx, job); stopErr != nil {
			logging.Log.WithError(stopErr).WithField("job_id", job.ID).
				Warn("Rollback stop failed; monitor will reconcile")
		}
		return false, err
	}

	if err := m.registry.Insert(job.Clone()); err != nil {
		return false, err
	}
	m.cache.Remember(job.ID, fingerprint)
	metrics.RecordJobSubmission(job.Backend)

	logging.Log.WithField("job_id", job.ID).
		WithField("backend", job.Backend).
		WithField("backend_job_id", backendJobID).
		Info("Job submitted")
	return false, nil
}

// satisfyFromCache hydrates the workspace and synthesizes a finished job.
// Hydration copies out of the archive; the cached result path is never
// mutated.
func (m *Manager) satisfyFromCache(ctx context.Context, job *models.Job, entry *models.JobCache) error {
	if err := m.cache.Hydrate(ctx, entry.ResultPath, job.WorkflowWorkspace); err != nil {
		return err
	}

	job.Status = models.StatusFinished
	job.Logs = ""
	if err := m.store.CreateJob(ctx, job); err != nil {
		return err
	}

	logging.Log.WithField("job_id", job.ID).
		WithField("result_path", entry.ResultPath).
		Info("Job satisfied from cache")
	return nil
}

// terminalizeFailedSubmission records a permanent or retries-exhausted
// submission failure as a failed job. The HTTP caller still gets the job
// id; the failure lives in the job's status and logs.
func (m *Manager) terminalizeFailedSubmission(ctx context.Context, job *models.Job, submitErr error) error {
	diagnostic := fmt.Sprintf("[job-controller] job submission failed: %v", submitErr)
	job.Status = models.StatusFailed
	job.Logs = diagnostic + "\n"

	if err := m.store.UpdateJobStatus(ctx, job.ID, models.StatusFailed, job.Logs); err != nil {
		logging.Log.WithError(err).WithField("job_id", job.ID).
			Error("Failed to record submission failure")
		return err
	}

	metrics.RecordJobTerminal(job.Backend, models.StatusFailed, 0)
	logging.Log.WithField("job_id", job.ID).
		WithField("backend", job.Backend).
		WithError(submitErr).
		Warn("Job terminalized after failed submission")
	return nil
}

// Stop cancels a job. Stopping a job that already reached a terminal
// state is a no-op success.
func (m *Manager) Stop(ctx context.Context, jobID string) error {
	job, err := m.registry.Get(jobID)
	if err != nil {
		// Not live: a terminal DB row makes the stop a no-op success
		dbJob, dbErr := m.store.GetJobByID(ctx, jobID)
		if dbErr != nil {
			return dbErr
		}
		if dbJob.IsTerminal() {
			return nil
		}
		job = dbJob
	}

	adapter, err := m.adapters.Get(job.Backend)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, m.stopDeadline)
	defer cancel()
	if err := adapter.Stop(stopCtx, job); err != nil {
		return fmt.Errorf("%w: %v", store.ErrBackendStopFailure, err)
	}

	// Mark stopped in memory if still present; already-terminal and
	// already-removed are both fine. The monitor observes the terminal
	// state and removes the entry.
	switch err := m.registry.UpdateStatus(jobID, models.StatusStopped); err {
	case nil, registry.ErrNotFound, registry.ErrInvalidTransition:
	default:
		return err
	}
	m.cache.Forget(jobID)

	if err := m.store.UpdateJobStatus(ctx, jobID, models.StatusStopped, ""); err != nil && err != store.ErrNotFound {
		return err
	}

	logging.Log.WithField("job_id", jobID).Info("Job stop requested")
	return nil
}

// validateWorkspace enforces the workspace path check: the path must be
// absolute, clean and inside the configured root.
func (m *Manager) validateWorkspace(workspace string) error {
	if workspace == "" {
		return fmt.Errorf("workflow workspace is required")
	}
	if !filepath.IsAbs(workspace) {
		return fmt.Errorf("workflow workspace must be an absolute path")
	}
	cleaned := filepath.Clean(workspace)
	root := filepath.Clean(m.workspaceRoot)
	if cleaned != root && !strings.HasPrefix(cleaned, root+string(filepath.Separator)) {
		return fmt.Errorf("workflow workspace %s is outside %s", workspace, root)
	}
	return nil
}
