package postgres_store

import (
	"context"
	"fmt"
	"time"

	"github.com/reanahub/reana-job-controller/internal/store"
	"github.com/reanahub/reana-job-controller/internal/store/models"
	"gorm.io/gorm"
)

// CreateJob inserts a new job row
func (ps PostgresDbStore) CreateJob(ctx context.Context, job *models.Job) error {
	if err := ps.getDB(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJobByID retrieves a job by its ID
func (ps PostgresDbStore) GetJobByID(ctx context.Context, jobID string) (*models.Job, error) {
	if !isValidUUID(jobID) {
		return nil, store.ErrNotFound
	}

	var job models.Job

	if err := ps.getDB(ctx).Where("id = ?", jobID).First(&job).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}

	return &job, nil
}

// UpdateJob updates an existing job row
func (ps PostgresDbStore) UpdateJob(ctx context.Context, job *models.Job) error {
	job.UpdatedAt = time.Now().UTC()
	result := ps.getDB(ctx).Save(job)
	if result.Error != nil {
		return fmt.Errorf("failed to update job %s: %w", job.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpdateJobStatus projects one observed status transition into the DB.
// One commit per transition; callers never batch transitions.
func (ps PostgresDbStore) UpdateJobStatus(ctx context.Context, jobID, status, logs string) error {
	if !isValidUUID(jobID) {
		return store.ErrNotFound
	}

	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if logs != "" {
		updates["logs"] = logs
	}

	result := ps.getDB(ctx).Model(&models.Job{}).Where("id = ?", jobID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update status of job %s: %w", jobID, result.Error)
	}
	if result.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SetBackendJobID records the external identifier once. A populated column
// is never overwritten.
func (ps PostgresDbStore) SetBackendJobID(ctx context.Context, jobID, backendJobID string) error {
	if !isValidUUID(jobID) {
		return store.ErrNotFound
	}

	result := ps.getDB(ctx).Model(&models.Job{}).
		Where("id = ? AND backend_job_id IS NULL", jobID).
		Updates(map[string]interface{}{
			"backend_job_id": backendJobID,
			"updated_at":     time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to set backend job id for %s: %w", jobID, result.Error)
	}
	if result.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeleteJob deletes a job by its ID
func (ps PostgresDbStore) DeleteJob(ctx context.Context, jobID string) error {
	if !isValidUUID(jobID) {
		return store.ErrNotFound
	}

	result := ps.getDB(ctx).Where("id = ?", jobID).Delete(&models.Job{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete job %s: %w", jobID, result.Error)
	}
	if result.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListJobs retrieves jobs with optional filters and pagination
func (ps PostgresDbStore) ListJobs(ctx context.Context, filters map[string]interface{}, limit, offset int) ([]models.Job, error) {
	var jobs []models.Job

	query := ps.getDB(ctx).Model(&models.Job{})

	for key, value := range filters {
		switch key {
		case "status":
			query = query.Where("status = ?", value)
		case "backend":
			query = query.Where("backend = ?", value)
		case "workflow_uuid":
			query = query.Where("workflow_uuid = ?", value)
		}
	}

	query = query.Order("created_at DESC").
		Limit(limit).
		Offset(offset)

	if err := query.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}
