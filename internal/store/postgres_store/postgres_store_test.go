package postgres_store

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"github.com/reanahub/reana-job-controller/internal/config"
	"github.com/reanahub/reana-job-controller/internal/migrations"
	"github.com/reanahub/reana-job-controller/internal/store"
	"github.com/reanahub/reana-job-controller/internal/store/models"
	"github.com/reanahub/reana-job-controller/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var postgresContainer *postgres.PostgresContainer

// TestMain spins up a disposable postgres for the store tests; skipped in
// short mode.
func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		fmt.Println("Skipping database integration tests in short mode")
		os.Exit(0)
	}

	ctx := context.Background()
	var err error

	postgresContainer, err = postgres.Run(ctx,
		"postgres:17",
		postgres.WithDatabase("reana"),
		postgres.WithUsername("reana"),
		postgres.WithPassword("reana"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		fmt.Printf("Failed to start postgres container: %v\n", err)
		os.Exit(1)
	}

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Printf("Failed to get connection string: %v\n", err)
		terminateContainer(ctx)
		os.Exit(1)
	}
	config.DbUri = connStr

	deferredFunc, err := PostgresStore.Initialize()
	if err != nil {
		fmt.Printf("Failed to initialize store: %v\n", err)
		terminateContainer(ctx)
		os.Exit(1)
	}

	sqldb, err := PostgresStore.GetDB().DB()
	if err == nil {
		goose.SetBaseFS(migrations.FS)
		err = goose.Up(sqldb, migrations.Dir)
	}
	if err != nil {
		fmt.Printf("Failed to run migrations: %v\n", err)
		terminateContainer(ctx)
		os.Exit(1)
	}

	code := m.Run()

	if deferredFunc != nil {
		deferredFunc()
	}
	terminateContainer(ctx)
	os.Exit(code)
}

func terminateContainer(ctx context.Context) {
	if postgresContainer != nil {
		_ = postgresContainer.Terminate(ctx)
	}
}

func TestJobRowLifecycle(t *testing.T) {
	ctx := context.Background()
	job := storetest.RandomJob("kubernetes", "/var/reana/w1")

	require.NoError(t, PostgresStore.CreateJob(ctx, job))

	fetched, err := PostgresStore.GetJobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, fetched.ID)
	assert.Equal(t, models.StatusQueued, fetched.Status)
	assert.Nil(t, fetched.BackendJobID)
	assert.Equal(t, "busybox", fetched.DockerImage)

	// backend_job_id is written once and never overwritten
	require.NoError(t, PostgresStore.SetBackendJobID(ctx, job.ID, "pod-1"))
	assert.Equal(t, store.ErrNotFound, PostgresStore.SetBackendJobID(ctx, job.ID, "pod-2"))
	fetched, err = PostgresStore.GetJobByID(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, fetched.BackendJobID)
	assert.Equal(t, "pod-1", *fetched.BackendJobID)

	// One commit per transition
	require.NoError(t, PostgresStore.UpdateJobStatus(ctx, job.ID, models.StatusRunning, ""))
	require.NoError(t, PostgresStore.UpdateJobStatus(ctx, job.ID, models.StatusFinished, "hi\n"))

	fetched, err = PostgresStore.GetJobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFinished, fetched.Status)
	assert.Equal(t, "hi\n", fetched.Logs)
}

func TestGetJobByIDNotFound(t *testing.T) {
	ctx := context.Background()

	_, err := PostgresStore.GetJobByID(ctx, uuid.New().String())
	assert.Equal(t, store.ErrNotFound, err)

	// Non-UUID ids are not found, not errors
	_, err = PostgresStore.GetJobByID(ctx, "deadbeef")
	assert.Equal(t, store.ErrNotFound, err)
}

func TestListJobsFilters(t *testing.T) {
	ctx := context.Background()

	job := storetest.RandomJob("slurmcern", "/var/reana/w2")
	require.NoError(t, PostgresStore.CreateJob(ctx, job))

	jobs, err := PostgresStore.ListJobs(ctx, map[string]interface{}{"workflow_uuid": job.WorkflowUUID}, 10, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)

	jobs, err = PostgresStore.ListJobs(ctx, map[string]interface{}{"backend": "htcondorcern"}, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestCacheEntryRoundTrip(t *testing.T) {
	ctx := context.Background()
	fingerprint := uuid.New().String() // uniqueness is all that matters here

	_, err := PostgresStore.GetCacheEntry(ctx, fingerprint)
	assert.Equal(t, store.ErrNotFound, err)

	entry := &models.JobCache{
		Fingerprint:     fingerprint,
		ResultPath:      "/var/reana/w1/archive/" + fingerprint,
		AccessTimestamp: time.Now().UTC(),
	}
	require.NoError(t, PostgresStore.UpsertCacheEntry(ctx, entry))

	fetched, err := PostgresStore.GetCacheEntry(ctx, fingerprint)
	require.NoError(t, err)
	assert.Equal(t, entry.ResultPath, fetched.ResultPath)

	// Upsert overwrites the row for a concurrent finisher
	entry.ResultPath = entry.ResultPath + "-v2"
	require.NoError(t, PostgresStore.UpsertCacheEntry(ctx, entry))
	fetched, err = PostgresStore.GetCacheEntry(ctx, fingerprint)
	require.NoError(t, err)
	assert.Equal(t, entry.ResultPath, fetched.ResultPath)

	// Touch refreshes the access timestamp for LRU retention
	later := time.Now().Add(time.Hour)
	require.NoError(t, PostgresStore.TouchCacheEntry(ctx, fingerprint, later))
	fetched, err = PostgresStore.GetCacheEntry(ctx, fingerprint)
	require.NoError(t, err)
	assert.WithinDuration(t, later.UTC(), fetched.AccessTimestamp, time.Second)
}
