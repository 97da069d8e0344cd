package postgres_store

import (
	"context"
	"fmt"
	"time"

	"github.com/reanahub/reana-job-controller/internal/store"
	"github.com/reanahub/reana-job-controller/internal/store/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetCacheEntry retrieves a cache row by fingerprint
func (ps PostgresDbStore) GetCacheEntry(ctx context.Context, fingerprint string) (*models.JobCache, error) {
	var entry models.JobCache

	if err := ps.getDB(ctx).Where("fingerprint = ?", fingerprint).First(&entry).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get cache entry %s: %w", fingerprint, err)
	}

	return &entry, nil
}

// UpsertCacheEntry inserts or replaces the row for a fingerprint. The
// archive on disk is already complete (rename happened) by the time this
// runs, so overwriting the row is safe for concurrent finishers.
func (ps PostgresDbStore) UpsertCacheEntry(ctx context.Context, entry *models.JobCache) error {
	err := ps.getDB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "fingerprint"}},
		DoUpdates: clause.AssignmentColumns([]string{"result_path", "access_timestamp"}),
	}).Create(entry).Error
	if err != nil {
		return fmt.Errorf("failed to upsert cache entry %s: %w", entry.Fingerprint, err)
	}
	return nil
}

// TouchCacheEntry refreshes access_timestamp so external retention can evict LRU rows
func (ps PostgresDbStore) TouchCacheEntry(ctx context.Context, fingerprint string, accessedAt time.Time) error {
	result := ps.getDB(ctx).Model(&models.JobCache{}).
		Where("fingerprint = ?", fingerprint).
		Update("access_timestamp", accessedAt.UTC())
	if result.Error != nil {
		return fmt.Errorf("failed to touch cache entry %s: %w", fingerprint, result.Error)
	}
	if result.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}
