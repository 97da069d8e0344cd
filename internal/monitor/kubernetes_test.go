package monitor

import (
	"context"
	"testing"

	"github.com/reanahub/reana-job-controller/internal/backend"
	"github.com/reanahub/reana-job-controller/internal/registry"
	"github.com/reanahub/reana-job-controller/internal/store/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes/fake"
)

func newKubernetesMonitorFixture(t *testing.T) (*KubernetesMonitor, *handlerFixture) {
	t.Helper()
	f := newHandlerFixture(t, backend.BackendKubernetes)
	adapter := backend.NewKubernetesAdapterWithClient(fake.NewSimpleClientset(), backend.KubernetesAdapterConfig{
		Namespace: "reana-runtime",
	})
	km := NewKubernetesMonitor(adapter, f.handler, "w-uuid")
	return km, f
}

func podEvent(eventType watch.EventType, jobID string, phase corev1.PodPhase, waitingReason string) watch.Event {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:   "reana-run-job-" + jobID,
			Labels: map[string]string{backend.LabelJobID: jobID},
		},
		Status: corev1.PodStatus{Phase: phase},
	}
	if waitingReason != "" {
		pod.Status.ContainerStatuses = []corev1.ContainerStatus{{
			Name:  "job",
			State: corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: waitingReason}},
		}}
	}
	return watch.Event{Type: eventType, Object: pod}
}

func TestKubernetesMonitorPodPhases(t *testing.T) {
	km, f := newKubernetesMonitorFixture(t)
	job := f.addJob(t, "/var/reana/w1")
	ctx := context.Background()

	km.handleEvent(ctx, podEvent(watch.Modified, job.ID, corev1.PodRunning, ""))
	live, err := f.registry.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, live.Status)

	f.adapter.setPhase(backend.PhaseUnknown, "hi\njob-exit-code:0\n")
	km.handleEvent(ctx, podEvent(watch.Modified, job.ID, corev1.PodSucceeded, ""))
	_, err = f.registry.Get(job.ID)
	assert.Equal(t, registry.ErrNotFound, err)
	assert.Equal(t, models.StatusFinished, f.store.StatusOf(job.ID))
}

func TestKubernetesMonitorStallDetection(t *testing.T) {
	km, f := newKubernetesMonitorFixture(t)
	f.adapter.setPhase(backend.PhaseUnknown, "image pull logs")
	job := f.addJob(t, "/var/reana/w1")
	ctx := context.Background()

	// Two consecutive failed-container observations are tolerated
	km.handleEvent(ctx, podEvent(watch.Modified, job.ID, corev1.PodPending, "ImagePullBackOff"))
	km.handleEvent(ctx, podEvent(watch.Modified, job.ID, corev1.PodPending, "ImagePullBackOff"))
	_, err := f.registry.Get(job.ID)
	require.NoError(t, err)

	// The third crosses the threshold: failed, logs harvested
	km.handleEvent(ctx, podEvent(watch.Modified, job.ID, corev1.PodPending, "ImagePullBackOff"))
	assert.Equal(t, models.StatusFailed, f.store.StatusOf(job.ID))
	stored, err := f.store.GetJobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.Logs, "[job-controller] job never started: ImagePullBackOff")
}

func TestKubernetesMonitorStallCounterResetsOnRunning(t *testing.T) {
	km, f := newKubernetesMonitorFixture(t)
	job := f.addJob(t, "/var/reana/w1")
	ctx := context.Background()

	km.handleEvent(ctx, podEvent(watch.Modified, job.ID, corev1.PodPending, "ErrImagePull"))
	km.handleEvent(ctx, podEvent(watch.Modified, job.ID, corev1.PodPending, "ErrImagePull"))
	km.handleEvent(ctx, podEvent(watch.Modified, job.ID, corev1.PodRunning, ""))
	km.handleEvent(ctx, podEvent(watch.Modified, job.ID, corev1.PodPending, "ErrImagePull"))

	// The counter restarted after the pod ran
	live, err := f.registry.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, live.Status)
}

func TestKubernetesMonitorDeletionObservesStop(t *testing.T) {
	km, f := newKubernetesMonitorFixture(t)
	job := f.addJob(t, "/var/reana/w1")
	ctx := context.Background()

	// The manager stopped the job; the pod deletion completes the observation
	require.NoError(t, f.registry.UpdateStatus(job.ID, models.StatusStopped))
	km.handleEvent(ctx, podEvent(watch.Deleted, job.ID, corev1.PodRunning, ""))

	_, err := f.registry.Get(job.ID)
	assert.Equal(t, registry.ErrNotFound, err)
	assert.Equal(t, models.StatusStopped, f.store.StatusOf(job.ID))
}

func TestKubernetesMonitorUnexpectedDeletionFails(t *testing.T) {
	km, f := newKubernetesMonitorFixture(t)
	job := f.addJob(t, "/var/reana/w1")
	ctx := context.Background()

	km.handleEvent(ctx, podEvent(watch.Modified, job.ID, corev1.PodRunning, ""))
	km.handleEvent(ctx, podEvent(watch.Deleted, job.ID, corev1.PodRunning, ""))

	assert.Equal(t, models.StatusFailed, f.store.StatusOf(job.ID))
	stored, err := f.store.GetJobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.Logs, "job pod was deleted by the backend")
}

func TestKubernetesMonitorIgnoresForeignPods(t *testing.T) {
	km, f := newKubernetesMonitorFixture(t)

	pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "unrelated"}}
	km.handleEvent(context.Background(), watch.Event{Type: watch.Modified, Object: pod})
	assert.Empty(t, f.store.Jobs)
}
