package scout

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sl224/casparianflow/pkg/config"
	"github.com/sl224/casparianflow/pkg/events"
	"github.com/sl224/casparianflow/pkg/log"
	"github.com/sl224/casparianflow/pkg/metrics"
	"github.com/sl224/casparianflow/pkg/storage"
	"github.com/sl224/casparianflow/pkg/types"
)

// Summary reports the outcome of one scan
type Summary struct {
	Root         string        `json:"root"`
	Dirs         int64         `json:"dirs"`
	Files        int64         `json:"files"`
	BytesHashed  int64         `json:"bytes_hashed"`
	NewVersions  int64         `json:"new_versions"`
	JobsEnqueued int64         `json:"jobs_enqueued"`
	Errors       int64         `json:"errors"`
	Duration     time.Duration `json:"duration_ns"`
}

// Scout walks source roots, versions files, computes applied tags, and
// enqueues jobs for subscribed plugins
type Scout struct {
	store  storage.Store
	cfg    config.ScanConfig
	broker *events.Broker
	logger zerolog.Logger
}

// New creates a scout. broker may be nil.
func New(store storage.Store, cfg config.ScanConfig, broker *events.Broker) *Scout {
	if cfg.Workers <= 0 {
		cfg.Workers = 32
	}
	return &Scout{
		store:  store,
		cfg:    cfg,
		broker: broker,
		logger: log.WithComponent("scout"),
	}
}

// routing is the immutable per-scan view of the routing catalog
type routing struct {
	tagger        *Tagger
	byTag         map[string][]types.PluginConfig
	manualPlugins []string
	defaults      map[string]map[string]any
}

func (s *Scout) loadRouting(ctx context.Context, manualPlugins []string) (*routing, error) {
	rules, err := s.store.ListRoutingRules(ctx)
	if err != nil {
		return nil, err
	}
	plugins, err := s.store.ListPluginConfigs(ctx)
	if err != nil {
		return nil, err
	}

	r := &routing{
		tagger:        NewTagger(rules),
		byTag:         make(map[string][]types.PluginConfig),
		manualPlugins: manualPlugins,
		defaults:      make(map[string]map[string]any),
	}
	for _, p := range plugins {
		r.defaults[p.PluginName] = p.DefaultParams
		for _, tag := range p.Subscriptions {
			r.byTag[tag] = append(r.byTag[tag], p)
		}
	}
	return r, nil
}

// jobSpecs resolves the applied tag set into the deduplicated plugin set
func (r *routing) jobSpecs(tags []string) []types.JobSpec {
	seen := make(map[string]bool)
	var specs []types.JobSpec
	add := func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		specs = append(specs, types.JobSpec{PluginName: name, Params: r.defaults[name]})
	}
	for _, tag := range tags {
		for _, p := range r.byTag[tag] {
			add(p.PluginName)
		}
	}
	for _, name := range r.manualPlugins {
		add(name)
	}
	return specs
}

// dirQueue is the dynamic fan-out work queue: scanning a directory
// schedules its subdirectories as new units of work, and workers drain
// until no unit is queued or in flight.
type dirQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	dirs    []string
	pending int
}

func newDirQueue() *dirQueue {
	q := &dirQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *dirQueue) push(dir string) {
	q.mu.Lock()
	q.dirs = append(q.dirs, dir)
	q.pending++
	q.mu.Unlock()
	q.cond.Signal()
}

// pop blocks until a directory is available or the walk is drained
func (q *dirQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.dirs) == 0 && q.pending > 0 {
		q.cond.Wait()
	}
	if len(q.dirs) == 0 {
		return "", false
	}
	dir := q.dirs[0]
	q.dirs = q.dirs[1:]
	return dir, true
}

// done marks one directory unit finished
func (q *dirQueue) done() {
	q.mu.Lock()
	q.pending--
	drained := q.pending == 0
	q.mu.Unlock()
	if drained {
		q.cond.Broadcast()
	}
}

// Scan runs one full discovery pass over rootPath. Restarting a scan
// after a crash produces a superset of the interrupted run; the store
// upserts make every step idempotent.
func (s *Scout) Scan(ctx context.Context, rootPath string, manualPlugins []string) (*Summary, error) {
	start := time.Now()

	absRoot, err := filepath.Abs(rootPath)
	if err != nil {
		return nil, fmt.Errorf("resolve scan root: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("stat scan root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scan root %s is not a directory", absRoot)
	}

	rootID, err := s.store.UpsertSourceRoot(ctx, absRoot, types.RootKindLocal)
	if err != nil {
		return nil, err
	}

	routing, err := s.loadRouting(ctx, manualPlugins)
	if err != nil {
		return nil, err
	}

	filter := NewPathFilter(s.cfg.IgnoreRules)
	summary := &Summary{Root: absRoot}

	s.publish(events.EventScanStarted, absRoot, nil)
	s.logger.Info().Str("root", absRoot).Int("workers", s.cfg.Workers).Msg("Scan started")

	queue := newDirQueue()
	queue.push(absRoot)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				dir, ok := queue.pop()
				if !ok {
					return nil
				}
				if gctx.Err() != nil {
					queue.done()
					return gctx.Err()
				}
				s.scanDir(gctx, dir, absRoot, rootID, routing, filter, queue, summary)
				queue.done()
			}
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}

	summary.Duration = time.Since(start)
	s.publish(events.EventScanCompleted, absRoot, map[string]string{
		"files":    strconv.FormatInt(summary.Files, 10),
		"versions": strconv.FormatInt(summary.NewVersions, 10),
		"jobs":     strconv.FormatInt(summary.JobsEnqueued, 10),
	})
	s.logger.Info().
		Int64("dirs", summary.Dirs).
		Int64("files", summary.Files).
		Int64("new_versions", summary.NewVersions).
		Int64("jobs", summary.JobsEnqueued).
		Int64("errors", summary.Errors).
		Dur("duration", summary.Duration).
		Msg("Scan complete")
	return summary, nil
}

// scanDir processes one directory: schedules subdirectories, handles
// files inline. Per-directory and per-file errors are absorbed; they
// never fail the walk.
func (s *Scout) scanDir(ctx context.Context, dir, root string, rootID int64, routing *routing, filter *PathFilter, queue *dirQueue, summary *Summary) {
	atomic.AddInt64(&summary.Dirs, 1)
	metrics.ScanDirsTotal.Inc()

	entries, err := os.ReadDir(dir)
	if err != nil {
		atomic.AddInt64(&summary.Errors, 1)
		s.logger.Debug().Err(err).Str("dir", dir).Msg("Directory unreadable, skipping")
		return
	}

	for _, entry := range entries {
		full := filepath.Join(dir, entry.Name())
		rel, err := filepath.Rel(root, full)
		if err != nil {
			continue
		}
		rel = filepath.ToSlash(rel)

		if entry.IsDir() {
			if filter.SkipDir(rel, entry.Name()) {
				continue
			}
			queue.push(full)
			continue
		}
		if !entry.Type().IsRegular() {
			if entry.Type()&os.ModeSymlink == 0 || !s.cfg.FollowSymlinks {
				continue
			}
		}
		if filter.SkipFile(rel, entry.Name()) {
			continue
		}

		if err := s.processFile(ctx, full, rel, entry.Name(), rootID, routing, summary); err != nil {
			atomic.AddInt64(&summary.Errors, 1)
			s.logger.Debug().Err(err).Str("path", full).Msg("File skipped")
		}
	}
}

// processFile hashes one file, records its version, and enqueues jobs
// when the version is new
func (s *Scout) processFile(ctx context.Context, full, rel, name string, rootID int64, routing *routing, summary *Summary) error {
	atomic.AddInt64(&summary.Files, 1)
	metrics.ScanFilesTotal.Inc()

	info, err := os.Stat(full)
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}

	hash, n, err := hashFile(full)
	if err != nil {
		return fmt.Errorf("hash: %w", err)
	}
	atomic.AddInt64(&summary.BytesHashed, n)

	tags := routing.tagger.Tags(rel)

	locationID, err := s.store.UpsertLocation(ctx, rootID, rel, name)
	if err != nil {
		return err
	}
	versionID, isNew, err := s.store.RecordVersion(ctx, locationID, hash, info.Size(), info.ModTime(), tags)
	if err != nil {
		return err
	}
	if !isNew {
		return nil
	}

	atomic.AddInt64(&summary.NewVersions, 1)
	metrics.FileVersionsCreated.Inc()
	s.publish(events.EventVersionCreated, rel, map[string]string{
		"version_id": strconv.FormatInt(versionID, 10),
	})

	specs := routing.jobSpecs(tags)
	if len(specs) == 0 {
		return nil
	}
	inserted, err := s.store.EnqueueJobs(ctx, versionID, specs)
	if err != nil {
		return fmt.Errorf("enqueue jobs: %w", err)
	}
	atomic.AddInt64(&summary.JobsEnqueued, int64(inserted))
	metrics.JobsEnqueued.Add(float64(inserted))
	if inserted > 0 {
		s.publish(events.EventJobEnqueued, rel, map[string]string{
			"version_id": strconv.FormatInt(versionID, 10),
			"count":      strconv.Itoa(inserted),
		})
	}
	return nil
}

func (s *Scout) publish(t events.EventType, msg string, meta map[string]string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{Type: t, Message: msg, Metadata: meta})
}
