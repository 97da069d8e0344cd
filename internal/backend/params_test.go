package backend

import (
	"testing"

	"github.com/reanahub/reana-job-controller/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParamsRoundTrip(t *testing.T) {
	uid := int64(1234)
	timeout := int64(600)

	tests := []struct {
		name    string
		backend string
		params  Params
	}{
		{
			name:    "kubernetes",
			backend: BackendKubernetes,
			params: Params{Kubernetes: &KubernetesParams{
				UID:         &uid,
				MemoryLimit: "8Gi",
				JobTimeout:  &timeout,
			}},
		},
		{
			name:    "htcondor",
			backend: BackendHTCondorCERN,
			params: Params{HTCondor: &HTCondorParams{
				AccountingGroup: "group_u_ATLAS",
				MaxRuntime:      "7200",
			}},
		},
		{
			name:    "slurm",
			backend: BackendSlurmCERN,
			params: Params{Slurm: &SlurmParams{
				Partition: "gpu",
				Time:      "02:00:00",
			}},
		},
		{
			name:    "compute4punch",
			backend: BackendCompute4PUNCH,
			params: Params{C4P: &C4PParams{
				CPUCores:               "4",
				MemoryLimit:            "8G",
				AdditionalRequirements: "gpu=1",
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := storetest.RandomJob(tt.backend, "/var/reana/w1")
			job.ComputeBackendParams = tt.params.ToMap()

			decoded, err := ParamsFromJob(job)
			require.NoError(t, err)
			assert.Equal(t, tt.params, decoded)
		})
	}
}

func TestParamsFromJobUnknownBackend(t *testing.T) {
	job := storetest.RandomJob("mesos", "/var/reana/w1")
	_, err := ParamsFromJob(job)
	assert.Error(t, err)
}

func TestEmptyParamsToMap(t *testing.T) {
	assert.Nil(t, Params{Kubernetes: &KubernetesParams{}}.ToMap())
	assert.Nil(t, Params{}.ToMap())
}
