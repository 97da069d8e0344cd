// Package registry holds the process-wide map of live jobs. It is the
// single point of truth for in-memory job state: the manager publishes
// jobs into it after a successful submit and marks stopped jobs, and the
// monitors drive every other status transition through it. A job stays in the registry until a
// monitor observes it terminal and removes it; the database keeps the row.
package registry

import (
	"errors"
	"sync"

	"github.com/reanahub/reana-job-controller/internal/metrics"
	"github.com/reanahub/reana-job-controller/internal/store/models"
)

var (
	ErrDuplicate         = errors.New("job already registered")
	ErrNotFound          = errors.New("job not registered")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Registry is a mutex-protected map of job_id to Job. The lock is held
// only around map mutation, never across I/O.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

// New returns an empty registry
func New() *Registry {
	return &Registry{jobs: make(map[string]*models.Job)}
}

// Insert adds a job. The registry takes ownership of the value; callers
// must not mutate it afterwards.
func (r *Registry) Insert(job *models.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[job.ID]; ok {
		return ErrDuplicate
	}
	r.jobs[job.ID] = job
	metrics.RegistryJobs.Set(float64(len(r.jobs)))
	return nil
}

// Get returns a deep copy of the job, so readers never race writers
func (r *Registry) Get(jobID string) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

// UpdateStatus moves a job along the allowed transition paths. For a given
// job the transitions are serialized through this lock, so no out-of-order
// transition is ever visible to readers.
func (r *Registry) UpdateStatus(jobID, newStatus string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if !models.ValidTransition(job.Status, newStatus) {
		return ErrInvalidTransition
	}
	job.Status = newStatus
	return nil
}

// SetBackendJobID records the external identifier. It is set exactly once,
// while the job is still queued.
func (r *Registry) SetBackendJobID(jobID, backendJobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.BackendJobID != nil {
		return nil
	}
	job.BackendJobID = &backendJobID
	return nil
}

// AppendLogs appends a chunk to the job's log buffer
func (r *Registry) AppendLogs(jobID, chunk string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	job.Logs += chunk
	return nil
}

// Remove deletes the job from the registry. Monitors call this after
// observing a terminal status.
func (r *Registry) Remove(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.jobs, jobID)
	metrics.RegistryJobs.Set(float64(len(r.jobs)))
}

// Snapshot returns a deep copy of all entries. The list-jobs endpoint
// serializes from the copy so the lock is not held across serialization.
func (r *Registry) Snapshot() map[string]*models.Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]*models.Job, len(r.jobs))
	for id, job := range r.jobs {
		out[id] = job.Clone()
	}
	return out
}

// Len returns the number of live jobs
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}
