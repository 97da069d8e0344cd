// Package storetest provides an in-memory Store plus fixture factories
// for package tests.
package storetest

import (
	"context"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/reanahub/reana-job-controller/internal/store"
	"github.com/reanahub/reana-job-controller/internal/store/models"
)

// FakeStore implements store.Store over maps
type FakeStore struct {
	mu           sync.Mutex
	Jobs         map[string]*models.Job
	CacheEntries map[string]*models.JobCache

	// StatusHistory records every status written per job, for
	// monotonicity assertions
	StatusHistory map[string][]string
}

// New creates an empty fake store
func New() *FakeStore {
	return &FakeStore{
		Jobs:          map[string]*models.Job{},
		CacheEntries:  map[string]*models.JobCache{},
		StatusHistory: map[string][]string{},
	}
}

var _ store.Store = (*FakeStore)(nil)

func (f *FakeStore) Initialize() (func(), error) {
	return nil, nil
}

func (f *FakeStore) CreateJob(ctx context.Context, job *models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Jobs[job.ID]; ok {
		return store.ErrAlreadyExists
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	f.Jobs[job.ID] = job.Clone()
	f.StatusHistory[job.ID] = append(f.StatusHistory[job.ID], job.Status)
	return nil
}

func (f *FakeStore) GetJobByID(ctx context.Context, jobID string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.Jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return job.Clone(), nil
}

func (f *FakeStore) UpdateJob(ctx context.Context, job *models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Jobs[job.ID]; !ok {
		return store.ErrNotFound
	}
	f.Jobs[job.ID] = job.Clone()
	return nil
}

func (f *FakeStore) UpdateJobStatus(ctx context.Context, jobID, status, logs string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.Jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	job.Status = status
	if logs != "" {
		job.Logs = logs
	}
	job.UpdatedAt = time.Now().UTC()
	f.StatusHistory[jobID] = append(f.StatusHistory[jobID], status)
	return nil
}

func (f *FakeStore) SetBackendJobID(ctx context.Context, jobID, backendJobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.Jobs[jobID]
	if !ok || job.BackendJobID != nil {
		return store.ErrNotFound
	}
	job.BackendJobID = &backendJobID
	return nil
}

func (f *FakeStore) DeleteJob(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Jobs[jobID]; !ok {
		return store.ErrNotFound
	}
	delete(f.Jobs, jobID)
	return nil
}

func (f *FakeStore) ListJobs(ctx context.Context, filters map[string]interface{}, limit, offset int) ([]models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var jobs []models.Job
	for _, job := range f.Jobs {
		if status, ok := filters["status"]; ok && job.Status != status {
			continue
		}
		jobs = append(jobs, *job.Clone())
	}
	return jobs, nil
}

func (f *FakeStore) GetCacheEntry(ctx context.Context, fingerprint string) (*models.JobCache, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.CacheEntries[fingerprint]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := *entry
	return &dup, nil
}

func (f *FakeStore) UpsertCacheEntry(ctx context.Context, entry *models.JobCache) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	dup := *entry
	f.CacheEntries[entry.Fingerprint] = &dup
	return nil
}

func (f *FakeStore) TouchCacheEntry(ctx context.Context, fingerprint string, accessedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.CacheEntries[fingerprint]
	if !ok {
		return store.ErrNotFound
	}
	entry.AccessTimestamp = accessedAt.UTC()
	return nil
}

// StatusOf returns the stored status for a job, or "" when unknown
func (f *FakeStore) StatusOf(jobID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.Jobs[jobID]; ok {
		return job.Status
	}
	return ""
}

// RandomJob builds a plausible job for the given backend
func RandomJob(backendName, workspace string) *models.Job {
	return &models.Job{
		ID:                uuid.New().String(),
		Backend:           backendName,
		WorkflowUUID:      uuid.New().String(),
		WorkflowWorkspace: workspace,
		Name:              gofakeit.Word(),
		DockerImage:       "busybox",
		Cmd:               "echo " + gofakeit.Word(),
		Env:               models.JSONB{"JOB_VAR": gofakeit.Word()},
		Status:            models.StatusQueued,
		SharedFileSystem:  true,
		MaxRestartCount:   3,
		CreatedAt:         time.Now().UTC(),
	}
}
