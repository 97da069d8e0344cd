// Package cache implements the content-addressed job cache. A hit copies
// a previously archived workspace snapshot back into a fresh workspace so
// the workflow skips re-executing a byte-equivalent job.
package cache

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/reanahub/reana-job-controller/internal/metrics"
	"github.com/reanahub/reana-job-controller/internal/store"
	"github.com/reanahub/reana-job-controller/internal/store/models"
)

const (
	archiveDirName = "archive"
	spoolDirName   = ".reana"
)

// Cache drives lookup, hydration and archival. When disabled no
// fingerprints are computed and no rows are written; fingerprinting costs
// I/O on large workspaces, so disabling is a measured optimization.
type Cache struct {
	store   store.Store
	enabled bool

	// fingerprints of submitted jobs awaiting a finished observation
	mu      sync.Mutex
	pending map[string]string // job_id -> fingerprint
}

// New creates the cache
func New(st store.Store, enabled bool) *Cache {
	return &Cache{
		store:   st,
		enabled: enabled,
		pending: make(map[string]string),
	}
}

// Enabled reports whether caching is on for this workflow
func (c *Cache) Enabled() bool {
	return c.enabled
}

// Lookup checks for a cache row with the given fingerprint, refreshing its
// access timestamp on a hit.
func (c *Cache) Lookup(ctx context.Context, fingerprint string) (*models.JobCache, error) {
	entry, err := c.store.GetCacheEntry(ctx, fingerprint)
	if err != nil {
		if err == store.ErrNotFound {
			metrics.RecordCacheLookup(false)
			return nil, nil
		}
		return nil, err
	}

	metrics.RecordCacheLookup(true)
	if err := c.store.TouchCacheEntry(ctx, fingerprint, time.Now()); err != nil {
		logging.Log.WithError(err).WithField("fingerprint", fingerprint).
			Warn("Failed to refresh cache access timestamp")
	}
	return entry, nil
}

// Hydrate copies the archived snapshot into the workspace. The archive is
// read without locking: rows only ever reference complete archives, and
// hits never mutate the archived tree.
func (c *Cache) Hydrate(ctx context.Context, resultPath, workspace string) error {
	started := time.Now()
	if err := copyTree(resultPath, workspace); err != nil {
		return fmt.Errorf("failed to hydrate workspace from %s: %w", resultPath, err)
	}
	metrics.CacheHydrationDuration.Observe(time.Since(started).Seconds())
	return nil
}

// Remember associates a submitted job with its fingerprint so the archive
// step can find it when the monitor observes the job finished.
func (c *Cache) Remember(jobID, fingerprint string) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[jobID] = fingerprint
}

// Forget drops the pending fingerprint for a job that will never finish
func (c *Cache) Forget(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, jobID)
}

func (c *Cache) takePending(jobID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fingerprint, ok := c.pending[jobID]
	if ok {
		delete(c.pending, jobID)
	}
	return fingerprint, ok
}

// ArchiveFinished archives the workspace of a job that just finished and
// records the cache row. Called by monitors on the finished transition
// only; failed and stopped jobs are never cached.
func (c *Cache) ArchiveFinished(ctx context.Context, job *models.Job) {
	if !c.enabled {
		return
	}
	fingerprint, ok := c.takePending(job.ID)
	if !ok {
		return
	}

	if err := c.archive(ctx, job, fingerprint); err != nil {
		logging.Log.WithError(err).
			WithField("job_id", job.ID).
			WithField("fingerprint", fingerprint).
			Error("Failed to archive finished job workspace")
	}
}

// archive writes the snapshot under an exclusive advisory lock so two
// concurrent finishers of the same fingerprint cannot corrupt it. The
// write is atomic: temp dir first, then rename, then the DB row. A crash
// leaves either no row or a complete archive, never a referenced partial.
func (c *Cache) archive(ctx context.Context, job *models.Job, fingerprint string) error {
	resultPath := filepath.Join(job.WorkflowWorkspace, archiveDirName, fingerprint)
	if err := os.MkdirAll(filepath.Dir(resultPath), 0o755); err != nil {
		return err
	}

	lock := flock.New(resultPath + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock archive %s: %w", resultPath, err)
	}
	defer lock.Unlock()

	tmpPath := fmt.Sprintf("%s.tmp-%s", resultPath, uuid.New().String()[:8])
	if err := copyWorkspace(job.WorkflowWorkspace, tmpPath); err != nil {
		os.RemoveAll(tmpPath)
		return err
	}

	// Replace an existing archive only after the new one is complete
	if _, err := os.Stat(resultPath); err == nil {
		if err := os.RemoveAll(resultPath); err != nil {
			os.RemoveAll(tmpPath)
			return err
		}
	}
	if err := os.Rename(tmpPath, resultPath); err != nil {
		os.RemoveAll(tmpPath)
		return err
	}

	entry := &models.JobCache{
		Fingerprint:     fingerprint,
		ResultPath:      resultPath,
		AccessTimestamp: time.Now().UTC(),
	}
	if err := c.store.UpsertCacheEntry(ctx, entry); err != nil {
		return err
	}

	logging.Log.WithField("job_id", job.ID).
		WithField("result_path", resultPath).
		Info("Archived finished job workspace")
	return nil
}

// copyWorkspace snapshots the workspace, skipping the archive tree itself
// and the controller spool directory.
func copyWorkspace(workspace, dst string) error {
	return copyTreeFiltered(workspace, dst, func(rel string) bool {
		return rel == archiveDirName || rel == spoolDirName
	})
}

func copyTree(src, dst string) error {
	return copyTreeFiltered(src, dst, func(string) bool { return false })
}

func copyTreeFiltered(src, dst string, skip func(rel string) bool) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return os.MkdirAll(dst, 0o755)
		}
		if skip(rel) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(dst, filepath.FromSlash(rel))
		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			// sockets, devices and symlinks are not workflow outputs
			return nil
		}
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
