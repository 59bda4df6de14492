package worker

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubPython stands in for the base interpreter: "python -m venv <dir>"
// just creates the directory tree a venv would have
func stubPython(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, "python3")
	content := "#!/bin/sh\n# $1=-m $2=venv $3=target\nmkdir -p \"$3/bin\"\n"
	require.NoError(t, os.WriteFile(script, []byte(content), 0o755))
	return script
}

func testEnvManager(t *testing.T) *EnvManager {
	t.Helper()
	m, err := NewEnvManager(t.TempDir(), stubPython(t))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestEnsurePreparesEnvironment(t *testing.T) {
	m := testEnvManager(t)

	dir, err := m.Ensure(context.Background(), "env-abc", nil)
	require.NoError(t, err)

	// Ready marker, lockfile copy, and bridge are in place.
	_, err = os.Stat(filepath.Join(dir, ".ready"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "requirements.txt"))
	require.NoError(t, err)
	bridge, err := os.ReadFile(m.Bridge(dir))
	require.NoError(t, err)
	assert.Contains(t, string(bridge), "Casparian sandbox bridge")

	// Preparation lock is released.
	_, err = os.Stat(dir + ".lock")
	assert.True(t, os.IsNotExist(err))
}

func TestEnsureIsIdempotent(t *testing.T) {
	m := testEnvManager(t)
	ctx := context.Background()

	dir1, err := m.Ensure(ctx, "env-abc", nil)
	require.NoError(t, err)

	// Drop a sentinel file; a second Ensure must reuse, not rebuild.
	sentinel := filepath.Join(dir1, "sentinel")
	require.NoError(t, os.WriteFile(sentinel, []byte("x"), 0o644))

	dir2, err := m.Ensure(ctx, "env-abc", nil)
	require.NoError(t, err)
	assert.Equal(t, dir1, dir2)
	_, err = os.Stat(sentinel)
	assert.NoError(t, err)
}

func TestEnsureRebuildsPartialEnvironment(t *testing.T) {
	m := testEnvManager(t)
	ctx := context.Background()

	// A partial environment has files but no ready marker.
	partial := filepath.Join(m.root, "env-partial")
	require.NoError(t, os.MkdirAll(partial, 0o755))
	leftover := filepath.Join(partial, "half-written")
	require.NoError(t, os.WriteFile(leftover, []byte("junk"), 0o644))

	dir, err := m.Ensure(ctx, "env-partial", nil)
	require.NoError(t, err)
	assert.Equal(t, partial, dir)

	_, err = os.Stat(leftover)
	assert.True(t, os.IsNotExist(err), "partial contents must be rebuilt")
	_, err = os.Stat(filepath.Join(dir, ".ready"))
	assert.NoError(t, err)
}

func TestEnsureConcurrentSerializes(t *testing.T) {
	m := testEnvManager(t)

	var wg sync.WaitGroup
	dirs := make([]string, 8)
	for i := range dirs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dir, err := m.Ensure(context.Background(), "env-shared", nil)
			assert.NoError(t, err)
			dirs[i] = dir
		}(i)
	}
	wg.Wait()

	for _, dir := range dirs {
		assert.Equal(t, dirs[0], dir)
	}
}

func TestAcquireReleaseRefCount(t *testing.T) {
	m := testEnvManager(t)
	ctx := context.Background()

	_, err := m.Ensure(ctx, "env-abc", nil)
	require.NoError(t, err)

	require.NoError(t, m.Acquire("env-abc"))
	require.NoError(t, m.Acquire("env-abc"))
	require.NoError(t, m.Release("env-abc"))
	require.NoError(t, m.Release("env-abc"))
	// Releasing past zero clamps rather than going negative.
	require.NoError(t, m.Release("env-abc"))
}

func TestPythonAndBridgePaths(t *testing.T) {
	m := testEnvManager(t)
	assert.Equal(t, filepath.Join("/envs/x", "bin", "python"), m.Python("/envs/x"))
	assert.Equal(t, filepath.Join("/envs/x", "casparian_bridge.py"), m.Bridge("/envs/x"))
}
