package backend

import (
	"context"
	"strings"
	"testing"

	"github.com/reanahub/reana-job-controller/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHTCondorAdapter(runner CommandRunner) *HTCondorAdapter {
	return NewHTCondorAdapter(runner, HTCondorAdapterConfig{
		ContainerRuntime: "apptainer",
		CVMFSImageRoot:   "/cvmfs/unpacked.cern.ch",
	})
}

func TestHTCondorSubmit(t *testing.T) {
	runner := newFakeRunner()
	runner.on("condor_submit", "1 job(s) submitted to cluster 4242.", 0)
	adapter := newTestHTCondorAdapter(runner)

	job := storetest.RandomJob(BackendHTCondorCERN, "/var/reana/w1")
	job.ComputeBackendParams = Params{HTCondor: &HTCondorParams{
		AccountingGroup: "group_u_ATLAS",
		MaxRuntime:      "7200",
	}}.ToMap()

	backendJobID, err := adapter.Submit(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "4242", backendJobID)

	// Wrapper and submit description were uploaded into the job spool
	var wrapper, description string
	for path, content := range runner.uploads {
		switch {
		case strings.HasSuffix(path, "wrapper.sh"):
			wrapper = string(content)
		case strings.HasSuffix(path, "job.sub"):
			description = string(content)
		}
	}
	require.NotEmpty(t, wrapper)
	require.NotEmpty(t, description)

	assert.Contains(t, wrapper, "apptainer exec")
	assert.Contains(t, wrapper, "base64 -d")
	assert.Contains(t, description, "batch_name = reana-"+job.ID)
	assert.Contains(t, description, "accounting_group = group_u_ATLAS")
	assert.Contains(t, description, "+MaxRuntime = 7200")
}

func TestHTCondorSubmitIdempotent(t *testing.T) {
	runner := newFakeRunner()
	// The idempotency probe finds a previously queued cluster
	runner.on("condor_q", "4242\n", 0)
	adapter := newTestHTCondorAdapter(runner)

	job := storetest.RandomJob(BackendHTCondorCERN, "/var/reana/w1")
	backendJobID, err := adapter.Submit(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "4242", backendJobID)
	assert.Zero(t, runner.commandCount("condor_submit"))
}

func TestHTCondorSubmitRejectedDescription(t *testing.T) {
	runner := newFakeRunner()
	runner.onError("condor_submit", "ERROR: Invalid submit description", 1)
	adapter := newTestHTCondorAdapter(runner)

	_, err := adapter.Submit(context.Background(), storetest.RandomJob(BackendHTCondorCERN, "/var/reana/w1"))
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}

func TestHTCondorUnpackedImage(t *testing.T) {
	runner := newFakeRunner()
	runner.on("condor_submit", "1 job(s) submitted to cluster 7.", 0)
	adapter := newTestHTCondorAdapter(runner)

	job := storetest.RandomJob(BackendHTCondorCERN, "/var/reana/w1")
	job.DockerImage = "atlas/analysisbase:25.2"
	job.UnpackedImage = true

	_, err := adapter.Submit(context.Background(), job)
	require.NoError(t, err)

	for path, content := range runner.uploads {
		if strings.HasSuffix(path, "wrapper.sh") {
			// The image is resolved from the CVMFS unpacked tree, not pulled
			assert.Contains(t, string(content), "/cvmfs/unpacked.cern.ch/atlas/analysisbase:25.2")
		}
	}
}

func TestHTCondorStop(t *testing.T) {
	runner := newFakeRunner()
	adapter := newTestHTCondorAdapter(runner)

	job := storetest.RandomJob(BackendHTCondorCERN, "/var/reana/w1")
	require.NoError(t, adapter.Stop(context.Background(), job)) // never submitted

	cluster := "4242"
	job.BackendJobID = &cluster
	require.NoError(t, adapter.Stop(context.Background(), job))

	// A cluster that already left the queue is still a successful stop
	gone := newFakeRunner()
	gone.onError("condor_rm", "job 4242 not found", 1)
	require.NoError(t, newTestHTCondorAdapter(gone).Stop(context.Background(), job))
}

func TestHTCondorPollStatus(t *testing.T) {
	tests := []struct {
		name      string
		queue     string
		history   string
		wantPhase Phase
	}{
		{"running", "2\n", "", PhaseRunning},
		{"idle", "1\n", "", PhaseUnknown},
		{"held", "5\n", "", PhaseFailed},
		{"completed ok", "", "4 0\n", PhaseFinished},
		{"completed non-zero", "", "4 2\n", PhaseFailed},
		{"vanished", "", "", PhaseUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := newFakeRunner()
			runner.on("condor_q", tt.queue, 0)
			runner.on("condor_history", tt.history, 0)
			adapter := newTestHTCondorAdapter(runner)

			phase, err := adapter.PollStatus(context.Background(), "4242")
			require.NoError(t, err)
			assert.Equal(t, tt.wantPhase, phase)
		})
	}
}

func TestHTCondorFetchLogs(t *testing.T) {
	runner := newFakeRunner()
	runner.on("cat", "hi\njob-exit-code:0\n", 0)
	adapter := newTestHTCondorAdapter(runner)

	job := storetest.RandomJob(BackendHTCondorCERN, "/var/reana/w1")
	logs, err := adapter.FetchLogs(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "hi\njob-exit-code:0\n", logs)
}
