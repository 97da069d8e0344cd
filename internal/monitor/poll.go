package monitor

import (
	"context"
	"math/rand"
	"time"

	"github.com/reanahub/reana-job-controller/internal/backend"
	"github.com/reanahub/reana-job-controller/internal/metrics"
)

// PollMonitor observes one backend by polling every registry job of that
// backend at a bounded, jittered interval. A poll that errors or times
// out requeues the job for the next tick; it never terminalizes.
type PollMonitor struct {
	backendName string
	adapter     backend.Adapter
	handler     *Handler
	interval    time.Duration
}

// NewPollMonitor creates a poll monitor for one backend
func NewPollMonitor(backendName string, adapter backend.Adapter, handler *Handler, interval time.Duration) *PollMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &PollMonitor{
		backendName: backendName,
		adapter:     adapter,
		handler:     handler,
		interval:    interval,
	}
}

// Backend implements Monitor
func (pm *PollMonitor) Backend() string {
	return pm.backendName
}

// Run implements Monitor
func (pm *PollMonitor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(pm.interval)):
			pm.tick(ctx)
		}
	}
}

// tick polls every job of this backend currently in the registry
func (pm *PollMonitor) tick(ctx context.Context) {
	for jobID, job := range pm.handler.Registry.Snapshot() {
		if job.Backend != pm.backendName {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		// A job the manager already stopped just needs its terminal
		// observation completed
		if job.IsTerminal() {
			pm.handler.ObserveStopped(ctx, jobID)
			continue
		}
		if job.BackendJobID == nil {
			continue
		}

		opCtx, cancel := context.WithTimeout(ctx, pm.handler.OpTimeout)
		phase, err := pm.adapter.PollStatus(opCtx, *job.BackendJobID)
		cancel()
		if err != nil {
			// Requeue: the job stays in the registry for the next tick
			metrics.RecordMonitorError(pm.backendName)
			continue
		}

		pm.handler.Observe(ctx, jobID, phase, "")
	}
}

// jitter spreads ticks over [0.5p, 1.5p) so co-located controllers do not
// stampede a shared head node.
func jitter(p time.Duration) time.Duration {
	return p/2 + time.Duration(rand.Int63n(int64(p)))
}
