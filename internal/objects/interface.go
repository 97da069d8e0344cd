// Package objects persists terminal job logs outside the database row.
// Monitors ship logs here on terminalization; the filesystem store is the
// default, S3 serves off-cluster retention and the memory store backs
// tests.
package objects

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	ErrNotFound   = errors.New("object not found")
	ErrInvalidKey = errors.New("invalid object key")
)

// ObjectStore defines the interface for interacting with object storage
type ObjectStore interface {
	// Put stores an object under the key
	Put(ctx context.Context, key string, data io.Reader, contentType string) error

	// Get retrieves an object
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes an object
	Delete(ctx context.Context, key string) error

	// Exists checks if an object exists
	Exists(ctx context.Context, key string) (bool, error)

	// List objects with a prefix
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// ObjectInfo contains metadata about an object
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	ContentType  string    `json:"content_type"`
}

// ObjectStoreConfig contains configuration for object store implementations
type ObjectStoreConfig struct {
	Type   string            `json:"type"` // "s3", "filesystem", "memory"
	Config map[string]string `json:"config"`
}

// NewObjectStore creates a new object store based on the provided configuration
func NewObjectStore(config ObjectStoreConfig) (ObjectStore, error) {
	switch config.Type {
	case "filesystem":
		basePath := config.Config["base_path"]
		if basePath == "" {
			basePath = "./job-logs"
		}
		return NewFilesystemObjectStore(basePath), nil
	case "memory":
		return NewMemoryObjectStore(), nil
	case "s3":
		return NewS3ObjectStoreFromEnv(config.Config["bucket"], config.Config["prefix"])
	default:
		return nil, errors.New("unsupported object store type: " + config.Type)
	}
}

// LogKey is the canonical object key for a job's terminal logs
func LogKey(workflowUUID, jobID string) string {
	return workflowUUID + "/" + jobID + "/logs"
}
