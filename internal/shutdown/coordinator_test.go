package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/reanahub/reana-job-controller/internal/registry"
	"github.com/reanahub/reana-job-controller/internal/store/models"
	"github.com/reanahub/reana-job-controller/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stopRecorder stops jobs by marking them stopped and, when observe is
// set, plays the monitor's part by removing them from the registry.
type stopRecorder struct {
	registry *registry.Registry
	observe  bool
	failFor  map[string]bool

	mu      sync.Mutex
	stopped []string
}

func (s *stopRecorder) Stop(ctx context.Context, jobID string) error {
	s.mu.Lock()
	s.stopped = append(s.stopped, jobID)
	s.mu.Unlock()

	if s.failFor[jobID] {
		return errors.New("backend refused")
	}
	s.registry.UpdateStatus(jobID, models.StatusStopped)
	if s.observe {
		s.registry.Remove(jobID)
	}
	return nil
}

func (s *stopRecorder) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stopped)
}

func TestShutdownStopsAllJobsAndQuiesces(t *testing.T) {
	reg := registry.New()
	stopper := &stopRecorder{registry: reg, observe: true}
	c := New(stopper, reg, nil, 4, time.Second)

	for i := 0; i < 10; i++ {
		require.NoError(t, reg.Insert(storetest.RandomJob("kubernetes", "/var/reana/w1")))
	}
	require.True(t, c.AcceptingSubmissions())

	unfinished := c.Shutdown(context.Background())

	assert.Empty(t, unfinished)
	assert.False(t, c.AcceptingSubmissions())
	// Shutdown completeness: the registry snapshot is empty afterwards
	assert.Empty(t, reg.Snapshot())
	assert.Equal(t, 10, stopper.stopCount())
}

func TestShutdownReportsUnfinishedJobs(t *testing.T) {
	reg := registry.New()
	stuck := storetest.RandomJob("slurmcern", "/var/reana/w1")
	stopper := &stopRecorder{
		registry: reg,
		observe:  true,
		failFor:  map[string]bool{stuck.ID: true},
	}
	c := New(stopper, reg, nil, 4, 300*time.Millisecond)

	require.NoError(t, reg.Insert(stuck))
	require.NoError(t, reg.Insert(storetest.RandomJob("slurmcern", "/var/reana/w1")))

	unfinished := c.Shutdown(context.Background())

	require.Len(t, unfinished, 1)
	assert.Equal(t, stuck.ID, unfinished[0])
	assert.False(t, c.AcceptingSubmissions())
}

func TestShutdownWithEmptyRegistry(t *testing.T) {
	reg := registry.New()
	c := New(&stopRecorder{registry: reg}, reg, nil, 4, time.Second)

	assert.Empty(t, c.Shutdown(context.Background()))
	assert.False(t, c.AcceptingSubmissions())
}

func TestShutdownWaitsForMonitorObservation(t *testing.T) {
	reg := registry.New()
	// Stops mark jobs stopped but do not remove them; a delayed
	// "monitor" does, within the deadline
	stopper := &stopRecorder{registry: reg}
	c := New(stopper, reg, nil, 4, 2*time.Second)

	job := storetest.RandomJob("htcondorcern", "/var/reana/w1")
	require.NoError(t, reg.Insert(job))

	go func() {
		time.Sleep(200 * time.Millisecond)
		reg.Remove(job.ID)
	}()

	unfinished := c.Shutdown(context.Background())
	assert.Empty(t, unfinished)
}
