package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/reanahub/reana-job-controller/internal/backend"
	"github.com/reanahub/reana-job-controller/internal/cache"
	"github.com/reanahub/reana-job-controller/internal/config"
	"github.com/reanahub/reana-job-controller/internal/manager"
	"github.com/reanahub/reana-job-controller/internal/monitor"
	"github.com/reanahub/reana-job-controller/internal/objects"
	"github.com/reanahub/reana-job-controller/internal/registry"
	"github.com/reanahub/reana-job-controller/internal/shutdown"
	"github.com/reanahub/reana-job-controller/internal/store/models"
	"github.com/reanahub/reana-job-controller/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedAdapter lets tests decide what the backend reports
type scriptedAdapter struct {
	name        string
	submitCalls atomic.Int64
	stopCalls   atomic.Int64

	phase atomic.Value // backend.Phase
	logs  atomic.Value // string
}

func newScriptedAdapter(name string) *scriptedAdapter {
	a := &scriptedAdapter{name: name}
	a.phase.Store(backend.PhaseUnknown)
	a.logs.Store("")
	return a
}

func (a *scriptedAdapter) Name() string { return a.name }

func (a *scriptedAdapter) Submit(ctx context.Context, job *models.Job) (string, error) {
	a.submitCalls.Add(1)
	return "external-" + job.ID, nil
}

func (a *scriptedAdapter) Stop(ctx context.Context, job *models.Job) error {
	a.stopCalls.Add(1)
	return nil
}

func (a *scriptedAdapter) FetchLogs(ctx context.Context, job *models.Job) (string, error) {
	return a.logs.Load().(string), nil
}

func (a *scriptedAdapter) PollStatus(ctx context.Context, backendJobID string) (backend.Phase, error) {
	return a.phase.Load().(backend.Phase), nil
}

type apiFixture struct {
	adapter     *scriptedAdapter
	registry    *registry.Registry
	store       *storetest.FakeStore
	cache       *cache.Cache
	manager     *manager.Manager
	coordinator *shutdown.Coordinator
	server      *httptest.Server
	root        string
}

func newAPIFixture(t *testing.T, cacheEnabled bool) *apiFixture {
	t.Helper()

	f := &apiFixture{
		adapter:  newScriptedAdapter(backend.BackendKubernetes),
		registry: registry.New(),
		store:    storetest.New(),
		root:     t.TempDir(),
	}

	// The manager reads the workspace root from process config
	oldRoot := config.WorkspaceRoot
	config.WorkspaceRoot = f.root
	t.Cleanup(func() { config.WorkspaceRoot = oldRoot })

	adapters := backend.Set{backend.BackendKubernetes: f.adapter}
	f.cache = cache.New(f.store, cacheEnabled)
	f.manager = manager.New(adapters, f.registry, f.store, f.cache)

	handler := &monitor.Handler{
		Registry:   f.registry,
		Store:      f.store,
		Cache:      f.cache,
		LogStore:   objects.NewMemoryObjectStore(),
		Adapters:   adapters,
		OpTimeout:  time.Second,
		StallAfter: 3,
	}
	monitors := monitor.NewMonitorSet(adapters, handler, 10*time.Millisecond, "w-uuid")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	monitors.Start(ctx)

	f.coordinator = shutdown.New(f.manager, f.registry, monitors, 4, 2*time.Second)

	f.server = httptest.NewServer(NewRouter(Deps{
		Manager:     f.manager,
		Registry:    f.registry,
		Store:       f.store,
		Cache:       f.cache,
		Coordinator: f.coordinator,
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *apiFixture) workspace(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(f.root, "w1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	return dir
}

func (f *apiFixture) submitRequest(t *testing.T, workspace, cmd string) map[string]interface{} {
	t.Helper()
	return map[string]interface{}{
		"docker_img":         "busybox",
		"job_name":           "j1",
		"workflow_uuid":      "22a3e212-a950-41f1-a21f-c38bbda10996",
		"workflow_workspace": workspace,
		"cmd":                cmd,
	}
}

func (f *apiFixture) post(t *testing.T, path string, payload interface{}) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(f.server.URL+path, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return decoded
}

func TestSubmitAndFinishLifecycle(t *testing.T) {
	f := newAPIFixture(t, false)

	resp := f.post(t, "/jobs", f.submitRequest(t, f.workspace(t), "echo hi"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	jobID := decodeBody(t, resp)["job_id"].(string)
	require.NotEmpty(t, jobID)

	// The backend starts running, then finishes with captured output
	f.adapter.phase.Store(backend.PhaseRunning)
	require.Eventually(t, func() bool {
		r, err := http.Get(f.server.URL + "/jobs/" + jobID)
		if err != nil {
			return false
		}
		body := decodeBody(t, r)
		job := body["job"].(map[string]interface{})
		return job["status"] == models.StatusRunning
	}, 3*time.Second, 10*time.Millisecond)

	f.adapter.logs.Store("hi\njob-exit-code:0\n")
	f.adapter.phase.Store(backend.PhaseFinished)

	require.Eventually(t, func() bool {
		r, err := http.Get(f.server.URL + "/jobs/" + jobID)
		if err != nil {
			return false
		}
		body := decodeBody(t, r)
		job := body["job"].(map[string]interface{})
		return job["status"] == models.StatusFinished
	}, 3*time.Second, 10*time.Millisecond)

	r, err := http.Get(f.server.URL + "/jobs/" + jobID + "/logs")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, r.StatusCode)
	assert.Contains(t, decodeBody(t, r)["log"], "hi\n")
}

func TestSubmitFailedCommand(t *testing.T) {
	f := newAPIFixture(t, false)

	resp := f.post(t, "/jobs", f.submitRequest(t, f.workspace(t), "exit 2"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	jobID := decodeBody(t, resp)["job_id"].(string)

	f.adapter.logs.Store("job-exit-code:2\n")
	f.adapter.phase.Store(backend.PhaseFinished)

	require.Eventually(t, func() bool {
		return f.store.StatusOf(jobID) == models.StatusFailed
	}, 3*time.Second, 10*time.Millisecond)

	r, err := http.Get(f.server.URL + "/jobs/" + jobID + "/logs")
	require.NoError(t, err)
	assert.Contains(t, decodeBody(t, r)["log"], "job-exit-code:2")
}

func TestSubmitValidation(t *testing.T) {
	f := newAPIFixture(t, false)
	workspace := f.workspace(t)

	tests := []struct {
		name   string
		mutate func(map[string]interface{})
	}{
		{"missing docker_img", func(m map[string]interface{}) { delete(m, "docker_img") }},
		{"missing job_name", func(m map[string]interface{}) { delete(m, "job_name") }},
		{"missing workflow_uuid", func(m map[string]interface{}) { delete(m, "workflow_uuid") }},
		{"missing workspace", func(m map[string]interface{}) { delete(m, "workflow_workspace") }},
		{"unknown backend", func(m map[string]interface{}) { m["compute_backend"] = "mesos" }},
		{"workspace escape", func(m map[string]interface{}) { m["workflow_workspace"] = "/etc" }},
		{"foreign params", func(m map[string]interface{}) { m["slurm_partition"] = "gpu" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := f.submitRequest(t, workspace, "echo hi")
			tt.mutate(payload)
			resp := f.post(t, "/jobs", payload)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	t.Run("malformed body", func(t *testing.T) {
		resp, err := http.Post(f.server.URL+"/jobs", "application/json", bytes.NewReader([]byte("{not json")))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestGetUnknownJob(t *testing.T) {
	f := newAPIFixture(t, false)

	r, err := http.Get(f.server.URL + "/jobs/deadbeef")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, r.StatusCode)
	assert.Equal(t, "The job deadbeef doesn't exist", decodeBody(t, r)["message"])

	r, err = http.Get(f.server.URL + "/jobs/deadbeef/logs")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, r.StatusCode)
	r.Body.Close()
}

func TestListJobs(t *testing.T) {
	f := newAPIFixture(t, false)
	workspace := f.workspace(t)

	first := decodeBody(t, f.post(t, "/jobs", f.submitRequest(t, workspace, "sleep 100")))["job_id"].(string)
	second := decodeBody(t, f.post(t, "/jobs", f.submitRequest(t, workspace, "sleep 200")))["job_id"].(string)

	r, err := http.Get(f.server.URL + "/jobs")
	require.NoError(t, err)
	jobs := decodeBody(t, r)["jobs"].(map[string]interface{})
	assert.Contains(t, jobs, first)
	assert.Contains(t, jobs, second)

	view := jobs[first].(map[string]interface{})
	assert.Equal(t, "busybox", view["docker_img"])
	assert.Equal(t, "sleep 100", view["cmd"])
	assert.Equal(t, models.StatusQueued, view["status"])
}

func TestDeleteJobStopsIt(t *testing.T) {
	f := newAPIFixture(t, false)

	jobID := decodeBody(t, f.post(t, "/jobs", f.submitRequest(t, f.workspace(t), "sleep 600")))["job_id"].(string)

	req, err := http.NewRequest(http.MethodDelete, f.server.URL+"/jobs/"+jobID+"/", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, int64(1), f.adapter.stopCalls.Load())

	// Eventually the monitor observes the stop and the job terminalizes
	require.Eventually(t, func() bool {
		return f.store.StatusOf(jobID) == models.StatusStopped && f.registry.Len() == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestDeleteJobBackendMismatch(t *testing.T) {
	f := newAPIFixture(t, false)
	jobID := decodeBody(t, f.post(t, "/jobs", f.submitRequest(t, f.workspace(t), "sleep 600")))["job_id"].(string)

	req, err := http.NewRequest(http.MethodDelete,
		fmt.Sprintf("%s/jobs/%s/?compute_backend=slurmcern", f.server.URL, jobID), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, f.adapter.stopCalls.Load())
}

func TestDeleteUnknownJob(t *testing.T) {
	f := newAPIFixture(t, false)

	req, err := http.NewRequest(http.MethodDelete, f.server.URL+"/jobs/deadbeef/", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCachedResubmission(t *testing.T) {
	f := newAPIFixture(t, true)
	workspace := f.workspace(t)
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "input.dat"), []byte("data"), 0o644))

	payload := f.submitRequest(t, workspace, "echo hi")
	payload["workflow_json"] = map[string]interface{}{"version": "0.9.0"}

	first := decodeBody(t, f.post(t, "/jobs", payload))["job_id"].(string)

	// Run to completion; the monitor archives the finished workspace
	f.adapter.logs.Store("hi\njob-exit-code:0\n")
	f.adapter.phase.Store(backend.PhaseFinished)
	require.Eventually(t, func() bool {
		return f.store.StatusOf(first) == models.StatusFinished && f.registry.Len() == 0
	}, 3*time.Second, 10*time.Millisecond)

	// An identical spec is served from the cache: no new backend job
	started := time.Now()
	resp := f.post(t, "/jobs", payload)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	second := decodeBody(t, resp)["job_id"].(string)
	assert.Less(t, time.Since(started), time.Second)
	assert.NotEqual(t, first, second)

	assert.Equal(t, int64(1), f.adapter.submitCalls.Load())
	assert.Equal(t, models.StatusFinished, f.store.StatusOf(second))
}

func TestCacheLookupEndpoint(t *testing.T) {
	f := newAPIFixture(t, true)
	workspace := f.workspace(t)

	jobSpec := `{"cmd": "echo hi", "docker_img": "busybox"}`
	url := fmt.Sprintf("%s/job_cache?job_spec=%s&workflow_json=%s&workflow_workspace=%s",
		f.server.URL,
		escapeQuery(jobSpec),
		escapeQuery(`{"version": "0.9.0"}`),
		escapeQuery(workspace))

	r, err := http.Get(url)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, r.StatusCode)
	assert.Equal(t, false, decodeBody(t, r)["cached"])

	// Missing parameters are malformed
	r, err = http.Get(f.server.URL + "/job_cache")
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)
}

func TestShutdownEndpoint(t *testing.T) {
	f := newAPIFixture(t, false)
	workspace := f.workspace(t)

	f.post(t, "/jobs", f.submitRequest(t, workspace, "sleep 100")).Body.Close()
	f.post(t, "/jobs", f.submitRequest(t, workspace, "sleep 200")).Body.Close()
	require.Equal(t, 2, f.registry.Len())

	req, err := http.NewRequest(http.MethodDelete, f.server.URL+"/shutdown", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Shutdown completeness: registry empty, submissions refused
	assert.Equal(t, 0, f.registry.Len())

	resp = f.post(t, "/jobs", f.submitRequest(t, workspace, "echo hi"))
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t, false)

	r, err := http.Get(f.server.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, r.StatusCode)
	body := decodeBody(t, r)
	assert.Equal(t, "OK", body["status"])
	assert.Equal(t, true, body["accepting_submissions"])
}

func escapeQuery(s string) string {
	return url.QueryEscape(s)
}
