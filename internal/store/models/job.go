package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// JSONB represents a JSON field that can be stored in PostgreSQL JSONB column
type JSONB map[string]interface{}

// Value implements driver.Valuer interface for database storage
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements sql.Scanner interface for database retrieval
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}

	return json.Unmarshal(bytes, j)
}

// Job statuses. Transitions are monotonic:
// queued -> running -> {finished | failed | stopped},
// queued -> failed (submission failed),
// queued -> stopped (cancelled before run).
const (
	StatusQueued   = "queued"
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
	StatusStopped  = "stopped"
)

// Job is one job submission tracked by this controller. The in-memory copy
// held by the registry is authoritative during the process lifetime; the
// row is authoritative across restarts.
type Job struct {
	ID        string    `gorm:"column:id;primaryKey;type:uuid" json:"job_id"`
	CreatedAt time.Time `gorm:"autoCreateTime:false;default:timezone('utc', now())" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false;default:timezone('utc', now())" json:"updated_at"`

	Backend string `gorm:"type:text;not null" json:"compute_backend"`
	// BackendJobID is the identifier assigned by the external compute
	// system. Recorded right after a successful submit, while the job is
	// still queued; once set, never overwritten.
	BackendJobID *string `gorm:"type:text" json:"backend_job_id"`

	WorkflowUUID      string `gorm:"column:workflow_uuid;type:uuid;not null" json:"workflow_uuid"`
	WorkflowWorkspace string `gorm:"column:workspace;type:text;not null" json:"workflow_workspace"`

	Name          string `gorm:"type:text" json:"job_name"`
	DockerImage   string `gorm:"type:text;not null" json:"docker_img"`
	Cmd           string `gorm:"type:text" json:"cmd"`
	PrettifiedCmd string `gorm:"type:text" json:"prettified_cmd"`

	Env         JSONB          `gorm:"type:jsonb" json:"env_vars"`
	CVMFSMounts pq.StringArray `gorm:"column:cvmfs_mounts;type:text[]" json:"cvmfs_mounts"`

	SharedFileSystem bool `gorm:"default:true" json:"shared_file_system"`
	UnpackedImage    bool `gorm:"default:false" json:"unpacked_img"`
	Kerberos         bool `gorm:"default:false" json:"kerberos"`
	VomsProxy        bool `gorm:"default:false" json:"voms_proxy"`
	Rucio            bool `gorm:"default:false" json:"rucio"`

	Status string `gorm:"type:text;not null;default:'queued';check:status IN ('queued', 'running', 'finished', 'failed', 'stopped')" json:"status"`

	// Logs grows append-only; the final value is set on terminalization
	Logs string `gorm:"type:text" json:"logs"`

	// ComputeBackendParams is the opaque per-backend parameter bag as
	// received at the HTTP boundary
	ComputeBackendParams JSONB `gorm:"type:jsonb" json:"compute_backend_params"`

	RestartCount    int `gorm:"default:0" json:"restart_count"`
	MaxRestartCount int `gorm:"default:3" json:"max_restart_count"`
}

// TableName specifies the table name for the model
func (Job) TableName() string {
	return "job"
}

// IsTerminal returns true if the job reached a terminal status
func (j *Job) IsTerminal() bool {
	return IsTerminalStatus(j.Status)
}

// IsTerminalStatus returns true for finished, failed and stopped
func IsTerminalStatus(status string) bool {
	return status == StatusFinished || status == StatusFailed || status == StatusStopped
}

// ValidTransition reports whether from -> to is an allowed status move.
// No transition leaves a terminal state.
func ValidTransition(from, to string) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusFailed || to == StatusStopped
	case StatusRunning:
		return to == StatusFinished || to == StatusFailed || to == StatusStopped
	default:
		return false
	}
}

// Clone returns a deep copy of the job
func (j *Job) Clone() *Job {
	dup := *j
	if j.BackendJobID != nil {
		id := *j.BackendJobID
		dup.BackendJobID = &id
	}
	if j.Env != nil {
		dup.Env = make(JSONB, len(j.Env))
		for k, v := range j.Env {
			dup.Env[k] = v
		}
	}
	if j.ComputeBackendParams != nil {
		dup.ComputeBackendParams = make(JSONB, len(j.ComputeBackendParams))
		for k, v := range j.ComputeBackendParams {
			dup.ComputeBackendParams[k] = v
		}
	}
	if j.CVMFSMounts != nil {
		dup.CVMFSMounts = append(pq.StringArray{}, j.CVMFSMounts...)
	}
	return &dup
}

// EnvStrings returns the env map as string values
func (j *Job) EnvStrings() map[string]string {
	out := make(map[string]string, len(j.Env))
	for k, v := range j.Env {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}
