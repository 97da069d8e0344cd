// Package shutdown quiesces the controller: no new submissions, stop all
// live jobs with bounded concurrency, wait for monitors to terminalize
// them, then drain the monitors.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/gammazero/workerpool"
	"github.com/reanahub/reana-job-controller/internal/monitor"
	"github.com/reanahub/reana-job-controller/internal/registry"
)

// JobStopper is the slice of the manager the coordinator needs
type JobStopper interface {
	Stop(ctx context.Context, jobID string) error
}

// Coordinator owns the accepting-submissions flag and the orderly stop
// sequence. One instance is constructed by serve and shared with the HTTP
// surface.
type Coordinator struct {
	manager  JobStopper
	registry *registry.Registry
	monitors *monitor.MonitorSet

	stopConcurrency int
	deadline        time.Duration

	accepting atomic.Bool
	once      sync.Once
}

// New creates the coordinator; submissions are accepted until Shutdown
func New(mgr JobStopper, reg *registry.Registry, monitors *monitor.MonitorSet, stopConcurrency int, deadline time.Duration) *Coordinator {
	c := &Coordinator{
		manager:         mgr,
		registry:        reg,
		monitors:        monitors,
		stopConcurrency: stopConcurrency,
		deadline:        deadline,
	}
	c.accepting.Store(true)
	return c
}

// AcceptingSubmissions reports whether POST /jobs is still open
func (c *Coordinator) AcceptingSubmissions() bool {
	return c.accepting.Load()
}

// Shutdown runs the stop sequence once. It returns the ids of jobs that
// did not terminalize before the deadline; an empty slice means a clean
// shutdown. Repeat calls re-check the registry but do not restart
// submissions.
func (c *Coordinator) Shutdown(ctx context.Context) []string {
	c.accepting.Store(false)

	snapshot := c.registry.Snapshot()
	if len(snapshot) > 0 {
		logging.Log.WithField("jobs", len(snapshot)).Info("Stopping all live jobs")

		pool := workerpool.New(c.stopConcurrency)
		for jobID := range snapshot {
			jobID := jobID
			pool.Submit(func() {
				if err := c.manager.Stop(ctx, jobID); err != nil {
					logging.Log.WithError(err).WithField("job_id", jobID).
						Warn("Failed to stop job during shutdown")
				}
			})
		}
		pool.StopWait()
	}

	unfinished := c.waitForTerminalization(ctx)

	c.once.Do(func() {
		if c.monitors != nil {
			c.monitors.Drain()
		}
	})

	if len(unfinished) > 0 {
		logging.Log.WithField("job_ids", unfinished).Error("Shutdown deadline passed with unfinished jobs")
	} else {
		logging.Log.Info("Shutdown complete, all jobs terminalized")
	}
	return unfinished
}

// waitForTerminalization waits for the monitors to observe every stop,
// with the global deadline.
func (c *Coordinator) waitForTerminalization(ctx context.Context) []string {
	deadline := time.NewTimer(c.deadline)
	defer deadline.Stop()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		if c.registry.Len() == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return c.remainingIDs()
		case <-deadline.C:
			return c.remainingIDs()
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) remainingIDs() []string {
	var ids []string
	for jobID := range c.registry.Snapshot() {
		ids = append(ids, jobID)
	}
	sort.Strings(ids)
	return ids
}

// HandleSignals triggers the shutdown sequence on SIGTERM or SIGINT and
// then cancels the process context.
func (c *Coordinator) HandleSignals(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		logging.Log.WithField("signal", sig.String()).Info("Received termination signal, shutting down")
		c.Shutdown(context.Background())
		cancel()
	}()
}
