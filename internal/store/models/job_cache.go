package models

import "time"

// JobCache maps a job fingerprint to an archived workspace snapshot.
// The fingerprint is the SHA-256 hex of the canonical JSON cache key;
// ResultPath points at a complete archive directory (writes are
// temp-dir-then-rename, so a row never references a partial archive).
type JobCache struct {
	Fingerprint     string    `gorm:"primaryKey;type:text" json:"fingerprint"`
	ResultPath      string    `gorm:"type:text;not null" json:"result_path"`
	AccessTimestamp time.Time `gorm:"default:timezone('utc', now())" json:"access_timestamp"`
}

// TableName specifies the table name for the model
func (JobCache) TableName() string {
	return "job_cache"
}
