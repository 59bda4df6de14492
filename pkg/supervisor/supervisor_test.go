package supervisor

import (
	"context"
	"crypto/sha256"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sl224/casparianflow/pkg/config"
	"github.com/sl224/casparianflow/pkg/storage"
	"github.com/sl224/casparianflow/pkg/types"
)

func seedClaimedJob(t *testing.T, store storage.Store) int64 {
	t.Helper()
	ctx := context.Background()

	rootID, err := store.UpsertSourceRoot(ctx, t.TempDir(), types.RootKindLocal)
	require.NoError(t, err)
	locID, err := store.UpsertLocation(ctx, rootID, "a.csv", "a.csv")
	require.NoError(t, err)
	hash := sha256.Sum256([]byte("content"))
	versionID, _, err := store.RecordVersion(ctx, locID, hash[:], 7, time.Now(), nil)
	require.NoError(t, err)

	_, err = store.InsertManifest(ctx, &types.PluginManifest{
		Name: "p", Source: []byte("src"), SourceHash: "h",
		EnvHash: "env-a", ArtifactID: "a1", Status: types.ManifestActive,
	})
	require.NoError(t, err)

	_, err = store.EnqueueJobs(ctx, versionID, []types.JobSpec{{PluginName: "p"}})
	require.NoError(t, err)

	job, err := store.ClaimNextJob(ctx, []string{"env-a"}, "dead-host", 1)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job.ID
}

func TestSweepReclaimsStalledJobs(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "meta.db"), storage.Options{})
	require.NoError(t, err)
	defer store.Close()

	jobID := seedClaimedJob(t, store)

	// A worker row that went silent.
	require.NoError(t, store.UpsertWorker(context.Background(), types.WorkerInfo{
		ID: "dead-worker", Hostname: "dead-host", PID: 1, Status: types.WorkerOnline,
	}))

	time.Sleep(20 * time.Millisecond)
	s := New(store, config.ClusterConfig{
		HeartbeatInterval: config.Duration(time.Millisecond),
		LeaseMultiplier:   3,
	}, nil)
	require.NoError(t, s.sweep())

	job, err := store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobPending, job.Status)
	assert.Zero(t, job.RetryCount)

	workers, err := store.ListWorkers(context.Background())
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, types.WorkerOffline, workers[0].Status)
}

func TestSweepSparesLiveLeases(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "meta.db"), storage.Options{})
	require.NoError(t, err)
	defer store.Close()

	jobID := seedClaimedJob(t, store)

	s := New(store, config.ClusterConfig{
		HeartbeatInterval: config.Duration(time.Minute),
		LeaseMultiplier:   3,
	}, nil)
	require.NoError(t, s.sweep())

	job, err := store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobClaimed, job.Status)

	// The holder can still refresh after the sweep.
	assert.NoError(t, store.Heartbeat(context.Background(), jobID, "dead-host"))
}

func TestStartStop(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "meta.db"), storage.Options{})
	require.NoError(t, err)
	defer store.Close()

	s := New(store, config.ClusterConfig{
		HeartbeatInterval: config.Duration(10 * time.Millisecond),
		LeaseMultiplier:   3,
	}, nil)
	s.Start()
	time.Sleep(30 * time.Millisecond)
	s.Stop()
}
