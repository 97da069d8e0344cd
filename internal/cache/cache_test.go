package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/reanahub/reana-job-controller/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFingerprint = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func TestArchiveAndHydrateRoundTrip(t *testing.T) {
	st := storetest.New()
	c := New(st, true)

	workspace := t.TempDir()
	writeFile(t, workspace, "result.out", "the answer is 42\n")
	writeFile(t, workspace, "sub/dir/data.csv", "a,b\n1,2\n")
	writeFile(t, workspace, ".reana/job-1/job.out", "spool, not an output")

	job := storetest.RandomJob("kubernetes", workspace)
	c.Remember(job.ID, testFingerprint)
	c.ArchiveFinished(context.Background(), job)

	entry, err := c.Lookup(context.Background(), testFingerprint)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, filepath.Join(workspace, "archive", testFingerprint), entry.ResultPath)

	// No partial archives left behind
	siblings, err := filepath.Glob(filepath.Join(workspace, "archive", "*.tmp-*"))
	require.NoError(t, err)
	assert.Empty(t, siblings)

	// Hydrate into a fresh workspace and compare bytes
	fresh := t.TempDir()
	require.NoError(t, c.Hydrate(context.Background(), entry.ResultPath, fresh))

	got, err := os.ReadFile(filepath.Join(fresh, "result.out"))
	require.NoError(t, err)
	assert.Equal(t, "the answer is 42\n", string(got))

	got, err = os.ReadFile(filepath.Join(fresh, "sub", "dir", "data.csv"))
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(got))

	// The spool tree was not archived
	_, err = os.Stat(filepath.Join(fresh, ".reana"))
	assert.True(t, os.IsNotExist(err))
}

func TestArchiveSecondFinisherOverwrites(t *testing.T) {
	st := storetest.New()
	c := New(st, true)

	workspace := t.TempDir()
	writeFile(t, workspace, "result.out", "first\n")

	job := storetest.RandomJob("kubernetes", workspace)
	c.Remember(job.ID, testFingerprint)
	c.ArchiveFinished(context.Background(), job)

	writeFile(t, workspace, "result.out", "second\n")
	other := storetest.RandomJob("kubernetes", workspace)
	c.Remember(other.ID, testFingerprint)
	c.ArchiveFinished(context.Background(), other)

	entry, err := c.Lookup(context.Background(), testFingerprint)
	require.NoError(t, err)
	require.NotNil(t, entry)

	got, err := os.ReadFile(filepath.Join(entry.ResultPath, "result.out"))
	require.NoError(t, err)
	assert.Equal(t, "second\n", string(got))
}

func TestArchiveSkippedWhenDisabled(t *testing.T) {
	st := storetest.New()
	c := New(st, false)

	workspace := t.TempDir()
	writeFile(t, workspace, "result.out", "data\n")

	job := storetest.RandomJob("kubernetes", workspace)
	c.Remember(job.ID, testFingerprint)
	c.ArchiveFinished(context.Background(), job)

	assert.Empty(t, st.CacheEntries)
	_, err := os.Stat(filepath.Join(workspace, "archive"))
	assert.True(t, os.IsNotExist(err))
}

func TestArchiveSkippedWithoutPendingFingerprint(t *testing.T) {
	st := storetest.New()
	c := New(st, true)

	job := storetest.RandomJob("kubernetes", t.TempDir())
	// No Remember call: e.g. the job was hydrated from the cache itself
	c.ArchiveFinished(context.Background(), job)
	assert.Empty(t, st.CacheEntries)
}

func TestForgetDropsPendingFingerprint(t *testing.T) {
	st := storetest.New()
	c := New(st, true)

	job := storetest.RandomJob("kubernetes", t.TempDir())
	c.Remember(job.ID, testFingerprint)
	c.Forget(job.ID)
	c.ArchiveFinished(context.Background(), job)
	assert.Empty(t, st.CacheEntries)
}

func TestLookupMiss(t *testing.T) {
	c := New(storetest.New(), true)
	entry, err := c.Lookup(context.Background(), testFingerprint)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestLookupRefreshesAccessTimestamp(t *testing.T) {
	st := storetest.New()
	c := New(st, true)

	workspace := t.TempDir()
	writeFile(t, workspace, "result.out", "data\n")
	job := storetest.RandomJob("kubernetes", workspace)
	c.Remember(job.ID, testFingerprint)
	c.ArchiveFinished(context.Background(), job)

	before := st.CacheEntries[testFingerprint].AccessTimestamp
	_, err := c.Lookup(context.Background(), testFingerprint)
	require.NoError(t, err)
	assert.False(t, st.CacheEntries[testFingerprint].AccessTimestamp.Before(before))
}
