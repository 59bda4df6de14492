package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/sl224/casparianflow/pkg/log"
	"github.com/sl224/casparianflow/pkg/sandbox"
)

var bucketEnvs = []byte("envs")

// envRecord is the bbolt bookkeeping row for one prepared environment
type envRecord struct {
	EnvHash   string    `json:"env_hash"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used"`
	RefCount  int       `json:"ref_count"`
}

// EnvManager maps environment signatures to prepared interpreter roots
// under the cache directory. Preparation is idempotent: concurrent
// ensures serialize on a per-env file lock, and a registry database
// tracks creation time, last use, and reference counts.
type EnvManager struct {
	root   string
	python string
	db     *bolt.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEnvManager opens the environment cache at root. python names the
// base interpreter used to seed new environments.
func NewEnvManager(root, python string) (*EnvManager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create env cache root: %w", err)
	}
	db, err := bolt.Open(filepath.Join(root, "envs.db"), 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open env registry: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEnvs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create env bucket: %w", err)
	}
	return &EnvManager{
		root:   root,
		python: python,
		db:     db,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Close closes the registry database
func (m *EnvManager) Close() error {
	return m.db.Close()
}

// envLock returns the in-process mutex for one env hash
func (m *EnvManager) envLock(envHash string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[envHash]
	if !ok {
		l = &sync.Mutex{}
		m.locks[envHash] = l
	}
	return l
}

// Ensure prepares (or reuses) the environment for envHash and returns
// its root directory. lockfile is the dependency list the environment
// is built from; the env hash is its content hash, so a hash hit means
// the prepared root is exactly what the plugin needs.
func (m *EnvManager) Ensure(ctx context.Context, envHash string, lockfile []byte) (string, error) {
	l := m.envLock(envHash)
	l.Lock()
	defer l.Unlock()

	dir := filepath.Join(m.root, envHash)
	readyMarker := filepath.Join(dir, ".ready")

	unlock, err := m.acquireFileLock(dir + ".lock")
	if err != nil {
		return "", err
	}
	defer unlock()

	if _, err := os.Stat(readyMarker); err == nil {
		if err := m.touch(envHash); err != nil {
			return "", err
		}
		return dir, nil
	}

	logger := log.WithComponent("envmanager")
	logger.Info().Str("env_hash", envHash).Msg("Preparing environment")

	// A partial prior attempt leaves no ready marker; rebuild from
	// scratch.
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clear partial environment: %w", err)
	}

	venv := exec.CommandContext(ctx, m.python, "-m", "venv", dir)
	if out, err := venv.CombinedOutput(); err != nil {
		return "", fmt.Errorf("create venv for %s: %w: %s", envHash, err, out)
	}

	reqPath := filepath.Join(dir, "requirements.txt")
	if err := os.WriteFile(reqPath, lockfile, 0o644); err != nil {
		return "", fmt.Errorf("write lockfile: %w", err)
	}
	if len(lockfile) > 0 {
		pip := exec.CommandContext(ctx, filepath.Join(dir, "bin", "pip"), "install", "--no-input", "-r", reqPath)
		if out, err := pip.CombinedOutput(); err != nil {
			return "", fmt.Errorf("install environment %s: %w: %s", envHash, err, out)
		}
	}

	// The bridge ships with the host so guest and host protocol
	// versions never drift.
	if err := os.WriteFile(filepath.Join(dir, "casparian_bridge.py"), sandbox.BridgeSource, 0o644); err != nil {
		return "", fmt.Errorf("install bridge: %w", err)
	}

	if err := os.WriteFile(readyMarker, []byte(time.Now().UTC().Format(time.RFC3339)), 0o644); err != nil {
		return "", fmt.Errorf("mark environment ready: %w", err)
	}

	if err := m.register(envHash); err != nil {
		return "", err
	}
	logger.Info().Str("env_hash", envHash).Msg("Environment ready")
	return dir, nil
}

// Python returns the interpreter path inside a prepared environment
func (m *EnvManager) Python(envDir string) string {
	return filepath.Join(envDir, "bin", "python")
}

// Bridge returns the bridge script path inside a prepared environment
func (m *EnvManager) Bridge(envDir string) string {
	return filepath.Join(envDir, "casparian_bridge.py")
}

// Acquire increments the environment's reference count
func (m *EnvManager) Acquire(envHash string) error {
	return m.updateRecord(envHash, func(r *envRecord) {
		r.RefCount++
		r.LastUsed = time.Now().UTC()
	})
}

// Release decrements the environment's reference count
func (m *EnvManager) Release(envHash string) error {
	return m.updateRecord(envHash, func(r *envRecord) {
		if r.RefCount > 0 {
			r.RefCount--
		}
		r.LastUsed = time.Now().UTC()
	})
}

func (m *EnvManager) register(envHash string) error {
	now := time.Now().UTC()
	rec := envRecord{EnvHash: envHash, CreatedAt: now, LastUsed: now}
	return m.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketEnvs).Put([]byte(envHash), data)
	})
}

func (m *EnvManager) touch(envHash string) error {
	return m.updateRecord(envHash, func(r *envRecord) {
		r.LastUsed = time.Now().UTC()
	})
}

func (m *EnvManager) updateRecord(envHash string, mutate func(*envRecord)) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnvs)
		rec := envRecord{EnvHash: envHash, CreatedAt: time.Now().UTC()}
		if data := b.Get([]byte(envHash)); data != nil {
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("decode env record %s: %w", envHash, err)
			}
		}
		mutate(&rec)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(envHash), data)
	})
}

// acquireFileLock takes the cross-process preparation lock. A lock file
// older than the stale horizon belongs to a dead preparer and is
// broken.
func (m *EnvManager) acquireFileLock(lockPath string) (func(), error) {
	const staleAfter = 10 * time.Minute
	deadline := time.Now().Add(15 * time.Minute)

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquire env lock: %w", err)
		}
		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > staleAfter {
			os.Remove(lockPath)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("env lock %s held too long", lockPath)
		}
		time.Sleep(250 * time.Millisecond)
	}
}
