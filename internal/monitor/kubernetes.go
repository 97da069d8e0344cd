package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/reanahub/reana-job-controller/internal/backend"
	"github.com/reanahub/reana-job-controller/internal/metrics"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/watch"
)

// KubernetesMonitor observes pod events through a label-filtered watch
// instead of polling. Pod-level events carry both phase transitions and
// the container waiting reasons the stall detector counts.
type KubernetesMonitor struct {
	adapter      *backend.KubernetesAdapter
	handler      *Handler
	workflowUUID string

	// consecutive failed-container observations per job
	mu     sync.Mutex
	stalls map[string]int
}

// NewKubernetesMonitor creates the watch-based monitor
func NewKubernetesMonitor(adapter *backend.KubernetesAdapter, handler *Handler, workflowUUID string) *KubernetesMonitor {
	return &KubernetesMonitor{
		adapter:      adapter,
		handler:      handler,
		workflowUUID: workflowUUID,
		stalls:       make(map[string]int),
	}
}

// Backend implements Monitor
func (km *KubernetesMonitor) Backend() string {
	return backend.BackendKubernetes
}

// Run implements Monitor: it keeps a watch open, reconnecting with a
// short delay when the API server closes it.
func (km *KubernetesMonitor) Run(ctx context.Context) {
	for {
		if err := km.watchOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.RecordMonitorError(backend.BackendKubernetes)
			logging.Log.WithError(err).Warn("Pod watch failed, reconnecting")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (km *KubernetesMonitor) watchOnce(ctx context.Context) error {
	watcher, err := km.adapter.WatchPods(ctx, fmt.Sprintf("%s=%s", backend.LabelWorkflow, km.workflowUUID))
	if err != nil {
		return fmt.Errorf("failed to open pod watch: %w", err)
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.ResultChan():
			if !ok {
				return fmt.Errorf("watch channel closed")
			}
			km.handleEvent(ctx, event)
		}
	}
}

func (km *KubernetesMonitor) handleEvent(ctx context.Context, event watch.Event) {
	if event.Type == watch.Error {
		metrics.RecordMonitorError(backend.BackendKubernetes)
		return
	}

	pod, ok := event.Object.(*corev1.Pod)
	if !ok {
		return
	}
	jobID := pod.Labels[backend.LabelJobID]
	if jobID == "" {
		return
	}

	if event.Type == watch.Deleted {
		// Either the manager stopped the job (deletion is the stop
		// observation) or the pod vanished under a live job
		job, err := km.handler.Registry.Get(jobID)
		if err != nil {
			return
		}
		if job.IsTerminal() {
			km.handler.ObserveStopped(ctx, jobID)
		} else {
			km.handler.Observe(ctx, jobID, backend.PhaseFailed, "job pod was deleted by the backend")
		}
		km.clearStall(jobID)
		return
	}

	switch pod.Status.Phase {
	case corev1.PodRunning:
		km.clearStall(jobID)
		km.handler.Observe(ctx, jobID, backend.PhaseRunning, "")

	case corev1.PodSucceeded:
		km.clearStall(jobID)
		km.handler.Observe(ctx, jobID, backend.PhaseFinished, "")

	case corev1.PodFailed:
		km.clearStall(jobID)
		km.handler.Observe(ctx, jobID, backend.PhaseFailed, backend.ClassifyPodFailure(pod))

	case corev1.PodPending:
		// Stall detection: a pod whose job container keeps failing to
		// start is declared failed after N consecutive observations, and
		// whatever logs exist are harvested
		reason := backend.PodWaitingReason(pod)
		if !isStartupFailureReason(reason) {
			return
		}
		if km.bumpStall(jobID) >= km.handler.StallAfter {
			km.clearStall(jobID)
			km.handler.Observe(ctx, jobID, backend.PhaseFailed,
				fmt.Sprintf("job never started: %s", reason))
		}
	}
}

func isStartupFailureReason(reason string) bool {
	switch reason {
	case "ErrImagePull", "ImagePullBackOff", "CrashLoopBackOff",
		"CreateContainerError", "CreateContainerConfigError", "InvalidImageName":
		return true
	}
	return false
}

func (km *KubernetesMonitor) bumpStall(jobID string) int {
	km.mu.Lock()
	defer km.mu.Unlock()
	km.stalls[jobID]++
	return km.stalls[jobID]
}

func (km *KubernetesMonitor) clearStall(jobID string) {
	km.mu.Lock()
	defer km.mu.Unlock()
	delete(km.stalls, jobID)
}
