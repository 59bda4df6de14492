package sentinel

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sl224/casparianflow/pkg/config"
	"github.com/sl224/casparianflow/pkg/protocol"
	"github.com/sl224/casparianflow/pkg/storage"
	"github.com/sl224/casparianflow/pkg/types"
)

func testCluster(t *testing.T) (*Sentinel, storage.Store, context.CancelFunc) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "meta.db"), storage.Options{})
	require.NoError(t, err)

	cfg := config.ClusterConfig{
		DispatchMode:      config.DispatchPull,
		BrokerAddr:        "127.0.0.1:0",
		HeartbeatInterval: config.Duration(time.Second),
		LeaseMultiplier:   3,
	}
	s := New(store, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		store.Close()
	})
	return s, store, cancel
}

func dialSentinel(t *testing.T, s *Sentinel) *protocol.Conn {
	t.Helper()
	raw, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return protocol.NewConn(raw)
}

func identify(t *testing.T, conn *protocol.Conn, workerID string, caps []string) {
	t.Helper()
	msg, err := protocol.NewIdentify(protocol.IdentifyPayload{
		WorkerID:     workerID,
		Capabilities: caps,
	})
	require.NoError(t, err)
	require.NoError(t, conn.Write(msg))
}

func TestIdentifyRegistersWorker(t *testing.T) {
	s, store, _ := testCluster(t)

	conn := dialSentinel(t, s)
	identify(t, conn, "w-1", []string{"env-a"})

	require.Eventually(t, func() bool {
		return len(s.Workers()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	workers, err := store.ListWorkers(context.Background())
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "w-1", workers[0].ID)
	assert.Equal(t, []string{"env-a"}, workers[0].EnvSignatures)
}

func TestFirstFrameMustBeIdentify(t *testing.T) {
	s, _, _ := testCluster(t)

	conn := dialSentinel(t, s)
	msg, err := protocol.NewHeartbeat(0, protocol.HeartbeatPayload{Status: "IDLE"})
	require.NoError(t, err)
	require.NoError(t, conn.Write(msg))

	// Session is reset: the read side observes EOF.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read()
	assert.Error(t, err)
	assert.Empty(t, s.Workers())
}

func TestHeartbeatUpdatesRegistry(t *testing.T) {
	s, store, _ := testCluster(t)

	conn := dialSentinel(t, s)
	identify(t, conn, "w-1", []string{"env-a"})
	require.Eventually(t, func() bool { return len(s.Workers()) == 1 }, 2*time.Second, 10*time.Millisecond)

	job := int64(42)
	msg, err := protocol.NewHeartbeat(uint64(job), protocol.HeartbeatPayload{
		Status:       "BUSY",
		CurrentJobID: &job,
	})
	require.NoError(t, err)
	require.NoError(t, conn.Write(msg))

	require.Eventually(t, func() bool {
		workers := s.Workers()
		return len(workers) == 1 && workers[0].CurrentJobID != nil && *workers[0].CurrentJobID == 42
	}, 2*time.Second, 10*time.Millisecond)

	registry, err := store.ListWorkers(context.Background())
	require.NoError(t, err)
	require.Len(t, registry, 1)
	require.NotNil(t, registry[0].CurrentJobID)
	assert.EqualValues(t, 42, *registry[0].CurrentJobID)
}

func TestRoutingReload(t *testing.T) {
	s, store, _ := testCluster(t)
	ctx := context.Background()

	// Initially empty.
	_, ok := s.Routing().Lookup("csv_processor")
	assert.False(t, ok)

	_, err := store.InsertManifest(ctx, &types.PluginManifest{
		Name: "csv_processor", Source: []byte("src"), SourceHash: "h",
		EnvHash: "env-a", ArtifactID: "a1", Status: types.ManifestActive,
	})
	require.NoError(t, err)

	old := s.Routing()
	require.NoError(t, s.Reload(ctx))

	entry, ok := s.Routing().Lookup("csv_processor")
	require.True(t, ok)
	assert.Equal(t, "env-a", entry.EnvHash)

	// The old snapshot is untouched: in-flight readers keep their view.
	_, ok = old.Lookup("csv_processor")
	assert.False(t, ok)
}

func TestReloadFrameTriggersRehydrate(t *testing.T) {
	s, store, _ := testCluster(t)
	ctx := context.Background()

	conn := dialSentinel(t, s)
	identify(t, conn, "w-1", nil)
	require.Eventually(t, func() bool { return len(s.Workers()) == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err := store.InsertManifest(ctx, &types.PluginManifest{
		Name: "p", Source: []byte("src"), SourceHash: "h",
		EnvHash: "env-b", ArtifactID: "a2", Status: types.ManifestActive,
	})
	require.NoError(t, err)

	msg, err := protocol.NewReload()
	require.NoError(t, err)
	require.NoError(t, conn.Write(msg))

	require.Eventually(t, func() bool {
		_, ok := s.Routing().Lookup("p")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatchToIdentifiedWorker(t *testing.T) {
	s, _, _ := testCluster(t)

	conn := dialSentinel(t, s)
	identify(t, conn, "w-1", []string{"env-a"})
	require.Eventually(t, func() bool { return len(s.Workers()) == 1 }, 2*time.Second, 10*time.Millisecond)

	err := s.Dispatch(7, protocol.DispatchPayload{
		PluginName: "p",
		FilePath:   "/data/a.csv",
		EnvHash:    "env-a",
	})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	msg, err := conn.Read()
	require.NoError(t, err)
	assert.Equal(t, protocol.OpDispatch, msg.Header.Op)
	assert.EqualValues(t, 7, msg.Header.JobID)

	var payload protocol.DispatchPayload
	require.NoError(t, msg.JSON(&payload))
	assert.Equal(t, "p", payload.PluginName)
}

func TestDispatchDefersWithoutCapacity(t *testing.T) {
	s, _, _ := testCluster(t)

	// No worker for env-x: the dispatch queues in memory.
	err := s.Dispatch(1, protocol.DispatchPayload{PluginName: "p", EnvHash: "env-x"})
	require.NoError(t, err)

	// Overflow the bounded queue.
	var deferred error
	for i := 0; i < deferredQueueCap+4; i++ {
		if err := s.Dispatch(int64(i+10), protocol.DispatchPayload{PluginName: "p", EnvHash: "env-x"}); err != nil {
			deferred = err
			break
		}
	}
	assert.ErrorIs(t, deferred, ErrDispatchDeferred)
}

func TestConcludeGatesNextDispatch(t *testing.T) {
	s, _, _ := testCluster(t)

	conn := dialSentinel(t, s)
	identify(t, conn, "w-1", []string{"env-a"})
	require.Eventually(t, func() bool { return len(s.Workers()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Dispatch(1, protocol.DispatchPayload{PluginName: "p", EnvHash: "env-a"}))

	// Worker is busy: the second dispatch must defer, not deliver.
	require.NoError(t, s.Dispatch(2, protocol.DispatchPayload{PluginName: "p", EnvHash: "env-a"}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	first, err := conn.Read()
	require.NoError(t, err)
	assert.EqualValues(t, 1, first.Header.JobID)

	// CONCLUDE for job 1 releases the gate; job 2 arrives.
	msg, err := protocol.NewConclude(1, protocol.ConcludePayload{RowsPerTopic: map[string]int64{}})
	require.NoError(t, err)
	require.NoError(t, conn.Write(msg))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	second, err := conn.Read()
	require.NoError(t, err)
	assert.Equal(t, protocol.OpDispatch, second.Header.Op)
	assert.EqualValues(t, 2, second.Header.JobID)
}
