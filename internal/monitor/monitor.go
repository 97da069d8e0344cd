// Package monitor runs one long-lived observation loop per enabled
// backend and drives the shared job state machine. The Kubernetes monitor
// subscribes to pod events; the batch backends are polled. Either way,
// every observed change funnels through the same transition handler.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/reanahub/reana-job-controller/internal/backend"
	"github.com/reanahub/reana-job-controller/internal/cache"
	"github.com/reanahub/reana-job-controller/internal/metrics"
	"github.com/reanahub/reana-job-controller/internal/objects"
	"github.com/reanahub/reana-job-controller/internal/registry"
	"github.com/reanahub/reana-job-controller/internal/store"
	"github.com/reanahub/reana-job-controller/internal/store/models"
)

// Monitor is one per-backend observation loop. Run blocks until the
// context is cancelled; Drain waits for the loop to exit.
type Monitor interface {
	Backend() string
	Run(ctx context.Context)
}

// MonitorSet owns the monitors for every enabled backend. It is
// explicitly constructed by the serve entrypoint and passed by reference;
// there is no ambient global.
type MonitorSet struct {
	monitors []Monitor

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitorSet builds the set: an event-subscription monitor for
// kubernetes, poll monitors for everything else.
func NewMonitorSet(adapters backend.Set, handler *Handler, pollInterval time.Duration, workflowUUID string) *MonitorSet {
	set := &MonitorSet{}
	for name, adapter := range adapters {
		if name == backend.BackendKubernetes {
			if ka, ok := adapter.(*backend.KubernetesAdapter); ok {
				set.monitors = append(set.monitors, NewKubernetesMonitor(ka, handler, workflowUUID))
				continue
			}
		}
		set.monitors = append(set.monitors, NewPollMonitor(name, adapter, handler, pollInterval))
	}
	return set
}

// Start launches every monitor goroutine
func (ms *MonitorSet) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	ms.cancel = cancel

	for _, m := range ms.monitors {
		ms.wg.Add(1)
		go func(m Monitor) {
			defer ms.wg.Done()
			logging.Log.WithField("backend", m.Backend()).Info("Monitor started")
			m.Run(ctx)
			logging.Log.WithField("backend", m.Backend()).Info("Monitor stopped")
		}(m)
	}
}

// Drain signals every monitor to exit its loop and joins them
func (ms *MonitorSet) Drain() {
	if ms.cancel != nil {
		ms.cancel()
	}
	ms.wg.Wait()
}

// Handler applies one observed backend change to the job state machine:
// map the phase, fetch final logs when terminal, update the registry,
// project the transition into the DB, ship logs, and drop terminal jobs
// from the registry.
type Handler struct {
	Registry  *registry.Registry
	Store     store.Store
	Cache     *cache.Cache
	LogStore  objects.ObjectStore
	Adapters  backend.Set
	OpTimeout time.Duration

	// StallAfter is how many consecutive failed-container observations a
	// never-started job survives before being declared failed
	StallAfter int
}

// Observe processes one phase observation for a job. diagnostic is a
// backend-supplied explanation for failures (OOM kill, deadline exceeded,
// node gone); it is appended to the job logs with the controller prefix.
func (h *Handler) Observe(ctx context.Context, jobID string, phase backend.Phase, diagnostic string) {
	job, err := h.Registry.Get(jobID)
	if err != nil {
		// Already observed terminal and removed
		return
	}
	metrics.RecordMonitorObservation(job.Backend, string(phase))

	// A job the manager already stopped only needs its terminal
	// observation completed
	if job.IsTerminal() {
		h.finalize(ctx, job, job.Status, "")
		return
	}

	switch phase {
	case backend.PhaseRunning:
		if job.Status != models.StatusQueued {
			return
		}
		if err := h.Registry.UpdateStatus(jobID, models.StatusRunning); err != nil {
			h.logTransitionError(jobID, models.StatusRunning, err)
			return
		}
		if err := h.Store.UpdateJobStatus(ctx, jobID, models.StatusRunning, ""); err != nil {
			logging.Log.WithError(err).WithField("job_id", jobID).Error("Failed to persist running status")
		}

	case backend.PhaseFinished, backend.PhaseFailed:
		logs := h.fetchLogs(ctx, job)
		status := models.StatusFailed

		if phase == backend.PhaseFinished {
			status = models.StatusFinished
			// The wrapper reports the user command's exit code in-band; a
			// terminal non-zero exit is a failure even when the backend
			// considers the job complete
			if code, ok := backend.ExitCodeFromLogs(logs); ok && code != 0 {
				status = models.StatusFailed
				diagnostic = fmt.Sprintf("user command exited with code %d", code)
			}
		}

		// A job first seen finished (it ran between two observations)
		// still passed through running; record that step first
		if status == models.StatusFinished && job.Status == models.StatusQueued {
			if err := h.Registry.UpdateStatus(jobID, models.StatusRunning); err == nil {
				job.Status = models.StatusRunning
				if err := h.Store.UpdateJobStatus(ctx, jobID, models.StatusRunning, ""); err != nil {
					logging.Log.WithError(err).WithField("job_id", jobID).Error("Failed to persist running status")
				}
			}
		}

		if diagnostic != "" {
			logs = appendDiagnostic(logs, diagnostic)
		}
		h.finalize(ctx, job, status, logs)

	case backend.PhaseUnknown:
		// Nothing observable yet; the next poll or event decides
	}
}

// ObserveStopped completes the terminal observation of a job the manager
// marked stopped whose backend object is already gone.
func (h *Handler) ObserveStopped(ctx context.Context, jobID string) {
	job, err := h.Registry.Get(jobID)
	if err != nil || !job.IsTerminal() {
		return
	}
	h.finalize(ctx, job, job.Status, "")
}

// finalize records the terminal transition and removes the job from the
// registry. The DB retains the row.
func (h *Handler) finalize(ctx context.Context, job *models.Job, status, logs string) {
	if logs == "" {
		logs = h.fetchLogs(ctx, job)
	}

	if job.Status != status {
		if err := h.Registry.UpdateStatus(job.ID, status); err != nil {
			h.logTransitionError(job.ID, status, err)
			if err == registry.ErrNotFound {
				return
			}
			// InvalidTransition: the registry already holds a terminal
			// status (e.g. a concurrent stop); keep that one
			current, getErr := h.Registry.Get(job.ID)
			if getErr != nil {
				return
			}
			status = current.Status
		}
	}
	if logs != "" {
		if err := h.Registry.AppendLogs(job.ID, logs); err != nil && err != registry.ErrNotFound {
			logging.Log.WithError(err).WithField("job_id", job.ID).Warn("Failed to append logs")
		}
	}

	if err := h.Store.UpdateJobStatus(ctx, job.ID, status, logs); err != nil {
		logging.Log.WithError(err).WithField("job_id", job.ID).Error("Failed to persist terminal status")
	}
	h.shipLogs(ctx, job, logs)

	if status == models.StatusFinished {
		h.Cache.ArchiveFinished(ctx, job)
	} else {
		h.Cache.Forget(job.ID)
	}

	h.Registry.Remove(job.ID)
	metrics.RecordJobTerminal(job.Backend, status, time.Since(job.CreatedAt).Seconds())

	logging.Log.WithField("job_id", job.ID).
		WithField("status", status).
		Info("Job terminalized")
}

// fetchLogs pulls final logs with the per-operation timeout. A timeout
// yields empty logs rather than blocking the monitor loop.
func (h *Handler) fetchLogs(ctx context.Context, job *models.Job) string {
	adapter, err := h.Adapters.Get(job.Backend)
	if err != nil {
		return ""
	}

	opCtx, cancel := context.WithTimeout(ctx, h.OpTimeout)
	defer cancel()

	logs, err := adapter.FetchLogs(opCtx, job)
	if err != nil {
		logging.Log.WithError(err).WithField("job_id", job.ID).Warn("Failed to fetch job logs")
		return ""
	}
	return logs
}

func (h *Handler) shipLogs(ctx context.Context, job *models.Job, logs string) {
	if h.LogStore == nil || logs == "" {
		return
	}
	key := objects.LogKey(job.WorkflowUUID, job.ID)
	if err := h.LogStore.Put(ctx, key, strings.NewReader(logs), "text/plain"); err != nil {
		logging.Log.WithError(err).WithField("job_id", job.ID).Warn("Failed to ship logs to object store")
	}
}

// logTransitionError surfaces invalid transitions: they indicate a bug,
// not a backend condition.
func (h *Handler) logTransitionError(jobID, status string, err error) {
	logging.Log.WithError(err).
		WithField("job_id", jobID).
		WithField("target_status", status).
		Error("Registry rejected status transition")
}

func appendDiagnostic(logs, diagnostic string) string {
	if logs != "" && !strings.HasSuffix(logs, "\n") {
		logs += "\n"
	}
	return logs + "[job-controller] " + diagnostic + "\n"
}
