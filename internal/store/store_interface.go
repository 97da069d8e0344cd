package store

import (
	"context"
	"time"

	"github.com/reanahub/reana-job-controller/internal/store/models"
	"gorm.io/gorm"
)

var AppStore Store

// GetDB returns the database connection
func GetDB() *gorm.DB {
	// This is a convenience function to access the DB from other packages
	// It's used by the transaction middleware
	if store, ok := AppStore.(interface{ GetDB() *gorm.DB }); ok {
		return store.GetDB()
	}
	return nil
}

type Store interface {
	Initialize() (deferredFunc func(), err error)

	// Job operations. Every status transition is one commit; the store
	// never decides transitions, it projects what the registry observed.
	CreateJob(ctx context.Context, job *models.Job) error
	GetJobByID(ctx context.Context, jobID string) (*models.Job, error)
	UpdateJob(ctx context.Context, job *models.Job) error
	UpdateJobStatus(ctx context.Context, jobID, status, logs string) error
	SetBackendJobID(ctx context.Context, jobID, backendJobID string) error
	DeleteJob(ctx context.Context, jobID string) error
	ListJobs(ctx context.Context, filters map[string]interface{}, limit, offset int) ([]models.Job, error)

	// Job cache operations
	GetCacheEntry(ctx context.Context, fingerprint string) (*models.JobCache, error)
	UpsertCacheEntry(ctx context.Context, entry *models.JobCache) error
	TouchCacheEntry(ctx context.Context, fingerprint string, accessedAt time.Time) error
}
