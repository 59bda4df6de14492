package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/sl224/casparianflow/pkg/config"
	"github.com/sl224/casparianflow/pkg/events"
	"github.com/sl224/casparianflow/pkg/gatekeeper"
	"github.com/sl224/casparianflow/pkg/log"
	"github.com/sl224/casparianflow/pkg/metrics"
	"github.com/sl224/casparianflow/pkg/protocol"
	"github.com/sl224/casparianflow/pkg/sandbox"
	"github.com/sl224/casparianflow/pkg/sink"
	"github.com/sl224/casparianflow/pkg/storage"
	"github.com/sl224/casparianflow/pkg/types"
)

// Worker is a host process: it claims jobs, prepares environments,
// drives sandboxes, stages and commits sink output, and reports status.
type Worker struct {
	id       string
	hostname string
	pid      int
	cfg      config.Config
	store    storage.Store
	envs     *EnvManager
	factory  *sink.Factory
	sinkDB   *sqlx.DB
	broker   *events.Broker
	logger   zerolog.Logger

	conn   *protocol.Conn // sentinel control connection, may be nil in pull mode
	connMu sync.Mutex

	jobMu      sync.Mutex
	currentJob int64
	cancelJob  context.CancelCauseFunc

	stopCh chan struct{}
}

// New constructs a worker from configuration. broker may be nil.
func New(cfg config.Config, store storage.Store, broker *events.Broker) (*Worker, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	envs, err := NewEnvManager(cfg.Worker.EnvCacheDir, cfg.Worker.Python)
	if err != nil {
		return nil, err
	}

	sinkDB, err := sqlx.Open("sqlite", "file:"+cfg.Worker.SinkDatabase)
	if err != nil {
		envs.Close()
		return nil, fmt.Errorf("open sink database: %w", err)
	}
	sinkDB.SetMaxOpenConns(1)
	if _, err := sinkDB.Exec("PRAGMA journal_mode = WAL"); err != nil {
		sinkDB.Close()
		envs.Close()
		return nil, fmt.Errorf("configure sink database: %w", err)
	}

	id := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])
	return &Worker{
		id:       id,
		hostname: hostname,
		pid:      os.Getpid(),
		cfg:      cfg,
		store:    store,
		envs:     envs,
		factory:  &sink.Factory{ParquetRoot: cfg.Worker.ParquetRoot, DB: sinkDB},
		sinkDB:   sinkDB,
		broker:   broker,
		logger:   log.WithComponent("worker").With().Str("worker_id", id).Logger(),
		stopCh:   make(chan struct{}),
	}, nil
}

// ID returns the worker's cluster identity
func (w *Worker) ID() string { return w.id }

// Close releases worker resources
func (w *Worker) Close() error {
	w.sinkDB.Close()
	return w.envs.Close()
}

// capabilities lists the environment signatures of all ACTIVE plugins;
// this worker can prepare any of them on demand
func (w *Worker) capabilities(ctx context.Context) ([]string, error) {
	manifests, err := w.store.ListManifests(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var envs []string
	for _, m := range manifests {
		if m.Status == types.ManifestActive && !seen[m.EnvHash] {
			seen[m.EnvHash] = true
			envs = append(envs, m.EnvHash)
		}
	}
	return envs, nil
}

// Run executes the worker until ctx is done. Shutdown is cooperative:
// the current job finishes before the loop exits.
func (w *Worker) Run(ctx context.Context) error {
	caps, err := w.capabilities(ctx)
	if err != nil {
		return err
	}

	w.connectSentinel(caps)
	defer w.closeSentinel()

	go w.heartbeatLoop(ctx)

	if w.cfg.Cluster.DispatchMode == config.DispatchPush {
		if w.conn == nil {
			return fmt.Errorf("push dispatch requires a reachable sentinel at %s", w.cfg.Cluster.BrokerAddr)
		}
		return w.runPush(ctx)
	}
	return w.runPull(ctx, caps)
}

// runPull polls the store for claimable jobs
func (w *Worker) runPull(ctx context.Context, caps []string) error {
	w.logger.Info().Int("capabilities", len(caps)).Msg("Worker online (pull mode)")

	ticker := time.NewTicker(w.cfg.Worker.PollInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Worker draining")
			return nil
		case <-ticker.C:
		}

		// Capabilities follow plugin publishes without a restart.
		if fresh, err := w.capabilities(ctx); err == nil {
			caps = fresh
		}

		job, err := w.store.ClaimNextJob(ctx, caps, w.hostname, w.pid)
		if err != nil {
			w.logger.Error().Err(err).Msg("Claim failed")
			continue
		}
		if job == nil {
			continue
		}
		metrics.JobsClaimed.Inc()
		w.publish(events.EventJobClaimed, job.ID, nil)
		w.executeJob(ctx, job)
	}
}

// runPush waits for DISPATCH frames and claims the referenced job by id
func (w *Worker) runPush(ctx context.Context) error {
	w.logger.Info().Msg("Worker online (push mode)")

	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, err := w.conn.Read()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("sentinel connection lost: %w", err)
		}

		switch msg.Header.Op {
		case protocol.OpDispatch:
			jobID := int64(msg.Header.JobID)
			job, err := w.store.ClaimJob(ctx, jobID, w.hostname, w.pid)
			if err != nil {
				w.logger.Error().Err(err).Int64("job_id", jobID).Msg("Push claim failed")
				continue
			}
			if job == nil {
				// Lost the race; the sentinel will hear no CONCLUDE and
				// move on via heartbeats.
				w.sendHeartbeatFrame(nil)
				continue
			}
			metrics.JobsClaimed.Inc()
			w.publish(events.EventJobClaimed, job.ID, nil)
			w.executeJob(ctx, job)
			w.sendHeartbeatFrame(nil)

		case protocol.OpCancel:
			w.cancel(int64(msg.Header.JobID))

		default:
			metrics.ProtocolErrors.Inc()
			w.logger.Warn().Str("op", msg.Header.Op.String()).Msg("Unexpected frame from sentinel")
		}
	}
}

// cancel aborts the named job if this worker is running it
func (w *Worker) cancel(jobID int64) {
	w.jobMu.Lock()
	defer w.jobMu.Unlock()
	if w.currentJob == jobID && w.cancelJob != nil {
		w.logger.Warn().Int64("job_id", jobID).Msg("Cancelling job")
		w.cancelJob(types.Errorf(types.ErrKindLeaseLost, "cancelled by operator"))
	}
}

// executeJob drives one claimed job to a terminal state
func (w *Worker) executeJob(ctx context.Context, job *types.ProcessingJob) {
	timer := metrics.NewTimer()
	start := time.Now()
	logger := w.logger.With().Int64("job_id", job.ID).Str("plugin", job.PluginName).Logger()
	logger.Info().Msg("Job started")

	// The job context does not inherit the run context's cancellation, so
	// shutdown drains the current job instead of aborting it.
	jobCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	defer cancel(nil)
	if timeout := w.jobTimeout(job); timeout > 0 {
		var cancelTimeout context.CancelFunc
		jobCtx, cancelTimeout = context.WithTimeout(jobCtx, timeout)
		defer cancelTimeout()
	}

	w.jobMu.Lock()
	w.currentJob = job.ID
	w.cancelJob = cancel
	w.jobMu.Unlock()
	defer func() {
		w.jobMu.Lock()
		w.currentJob = 0
		w.cancelJob = nil
		w.jobMu.Unlock()
	}()

	// Background lease refresh for the lifetime of the claim.
	hbStop := make(chan struct{})
	defer close(hbStop)
	go w.jobHeartbeat(job.ID, cancel, hbStop)

	wctx, conclude, err := w.runJob(jobCtx, job, logger)
	if err != nil {
		if wctx != nil {
			wctx.DestroyAll(context.Background())
		}
		w.failJob(job, err, logger)
		timer.ObserveDuration(metrics.JobDuration)
		return
	}

	outcomes, commitErr := wctx.CommitAll(context.Background())
	if commitErr != nil {
		detail, _ := json.Marshal(outcomes)
		w.failJob(job, types.NewJobError(types.ErrKindCommit,
			fmt.Sprintf("sink commit failed; outcomes: %s", detail), commitErr), logger)
		timer.ObserveDuration(metrics.JobDuration)
		return
	}

	rows := wctx.RowsPerTopic()
	if conclude != nil && len(conclude.RowsPerTopic) > 0 && len(rows) == 0 {
		rows = conclude.RowsPerTopic
	}
	summary, _ := json.Marshal(types.JobSummary{
		RowsPerTopic: rows,
		Commits:      outcomes,
		DurationMS:   time.Since(start).Milliseconds(),
	})
	if err := w.store.CompleteJob(context.Background(), job.ID, string(summary)); err != nil {
		// Post-commit status write failed: record as commit kind so a
		// retry stays a no-op on the promoted destinations.
		w.failJob(job, types.NewJobError(types.ErrKindCommit, "terminal status write failed", err), logger)
		timer.ObserveDuration(metrics.JobDuration)
		return
	}

	metrics.JobsCompleted.Inc()
	timer.ObserveDuration(metrics.JobDuration)
	w.publish(events.EventJobCompleted, job.ID, map[string]string{"plugin": job.PluginName})
	logger.Info().Dur("duration", time.Since(start)).Msg("Job completed")
}

// runJob performs steps claim..stream; commit stays with the caller
func (w *Worker) runJob(ctx context.Context, job *types.ProcessingJob, logger zerolog.Logger) (*Context, *protocol.ConcludePayload, error) {
	if err := w.store.StartJob(ctx, job.ID, w.hostname); err != nil {
		return nil, nil, err
	}

	manifest, err := w.store.GetActiveManifest(ctx, job.PluginName)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, nil, types.Errorf(types.ErrKindArtifactDrift, "no active manifest for plugin %s", job.PluginName)
		}
		return nil, nil, types.NewJobError(types.ErrKindTransientIO, "load manifest", err)
	}
	if gatekeeper.SourceHash(manifest.Source) != manifest.SourceHash {
		return nil, nil, types.Errorf(types.ErrKindArtifactDrift,
			"artifact drift: stored source hash %s does not match manifest", manifest.SourceHash)
	}

	envDir, err := w.envs.Ensure(ctx, manifest.EnvHash, manifest.Lockfile)
	if err != nil {
		return nil, nil, types.NewJobError(types.ErrKindTransientIO, "prepare environment", err)
	}
	if err := w.envs.Acquire(manifest.EnvHash); err != nil {
		logger.Warn().Err(err).Msg("Env refcount update failed")
	}
	defer func() {
		if err := w.envs.Release(manifest.EnvHash); err != nil {
			logger.Warn().Err(err).Msg("Env refcount update failed")
		}
	}()

	filePath, err := w.store.ResolveVersionPath(ctx, job.FileVersionID)
	if err != nil {
		return nil, nil, types.NewJobError(types.ErrKindTransientIO, "resolve input path", err)
	}
	if _, err := os.Stat(filePath); err != nil {
		return nil, nil, types.NewJobError(types.ErrKindTransientIO, "input file inaccessible", err)
	}

	topicConfigs, err := w.store.ListTopicConfigs(ctx, job.PluginName)
	if err != nil {
		return nil, nil, types.NewJobError(types.ErrKindTransientIO, "resolve topic configs", err)
	}
	wctx := NewContext(w.factory, job.ID, job.FileVersionID, topicConfigs)

	envelope := sandbox.Envelope{
		JobID:         job.ID,
		FileVersionID: job.FileVersionID,
		PluginName:    job.PluginName,
		FilePath:      filePath,
		Params:        job.Params,
		Source:        string(manifest.Source),
	}

	conclude, err := runSandbox(ctx, w.envs.Python(envDir), w.envs.Bridge(envDir), envelope, wctx)
	if err != nil {
		return wctx, nil, err
	}
	return wctx, conclude, nil
}

// failJob records a classified failure and destroys nothing further
// (staging cleanup happened in the caller)
func (w *Worker) failJob(job *types.ProcessingJob, err error, logger zerolog.Logger) {
	var je *types.JobError
	kind := types.ErrKindTransientIO
	message := err.Error()
	if errors.As(err, &je) {
		kind = je.Kind
		message = je.Error()
	}

	if kind == types.ErrKindLeaseLost {
		// The supervisor already returned the job to PENDING; there is
		// no terminal write to make.
		logger.Warn().Msg("Claim lost; job will be re-run elsewhere")
		metrics.JobsFailed.WithLabelValues(string(kind)).Inc()
		return
	}

	retryable := kind.Retryable()
	if ferr := w.store.FailJob(context.Background(), job.ID, kind, message, retryable); ferr != nil {
		if errors.Is(ferr, types.ErrLeaseLost) {
			logger.Warn().Msg("Claim lost during failure write")
			return
		}
		logger.Error().Err(ferr).Msg("Failure status write failed")
		return
	}

	metrics.JobsFailed.WithLabelValues(string(kind)).Inc()
	w.publish(events.EventJobFailed, job.ID, map[string]string{"kind": string(kind)})
	logger.Error().Str("kind", string(kind)).Bool("retryable", retryable).Msg(message)
}

// jobHeartbeat refreshes the claim until the job ends; losing the lease
// cancels the job context
func (w *Worker) jobHeartbeat(jobID int64, cancel context.CancelCauseFunc, stop <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.Cluster.HeartbeatInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.store.Heartbeat(context.Background(), jobID, w.hostname); err != nil {
				if errors.Is(err, types.ErrLeaseLost) {
					cancel(types.ErrLeaseLost)
					return
				}
				w.logger.Warn().Err(err).Int64("job_id", jobID).Msg("Lease refresh failed")
				continue
			}
			metrics.HeartbeatsSent.Inc()
		case <-stop:
			return
		}
	}
}

// heartbeatLoop maintains the worker registry row and the sentinel
// liveness beacon
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Cluster.HeartbeatInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
		}

		caps, err := w.capabilities(ctx)
		if err != nil {
			w.logger.Warn().Err(err).Msg("Capability refresh failed")
			continue
		}

		w.jobMu.Lock()
		var currentJob *int64
		if w.currentJob != 0 {
			job := w.currentJob
			currentJob = &job
		}
		w.jobMu.Unlock()

		info := types.WorkerInfo{
			ID:            w.id,
			Hostname:      w.hostname,
			PID:           w.pid,
			EnvSignatures: caps,
			Status:        types.WorkerOnline,
			CurrentJobID:  currentJob,
		}
		if err := w.store.UpsertWorker(ctx, info); err != nil {
			w.logger.Warn().Err(err).Msg("Registry heartbeat failed")
		} else {
			metrics.HeartbeatsSent.Inc()
		}
		w.sendHeartbeatFrame(currentJob)
	}
}

// connectSentinel establishes the control connection and identifies. In
// pull mode a missing sentinel is tolerated.
func (w *Worker) connectSentinel(caps []string) {
	raw, err := netDial(w.cfg.Cluster.BrokerAddr)
	if err != nil {
		w.logger.Warn().Err(err).Str("addr", w.cfg.Cluster.BrokerAddr).Msg("Sentinel unreachable")
		return
	}
	conn := protocol.NewConn(raw)
	msg, err := protocol.NewIdentify(protocol.IdentifyPayload{
		WorkerID:     w.id,
		Capabilities: caps,
	})
	if err == nil {
		err = conn.Write(msg)
	}
	if err != nil {
		w.logger.Warn().Err(err).Msg("IDENTIFY failed")
		conn.Close()
		return
	}
	w.connMu.Lock()
	w.conn = conn
	w.connMu.Unlock()

	// In pull mode the sentinel only sends CANCEL; drain it in the
	// background.
	if w.cfg.Cluster.DispatchMode == config.DispatchPull {
		go func() {
			for {
				msg, err := conn.Read()
				if err != nil {
					return
				}
				if msg.Header.Op == protocol.OpCancel {
					w.cancel(int64(msg.Header.JobID))
				}
			}
		}()
	}
}

func (w *Worker) closeSentinel() {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}

// sendHeartbeatFrame mirrors liveness onto the control socket
func (w *Worker) sendHeartbeatFrame(currentJob *int64) {
	w.connMu.Lock()
	conn := w.conn
	w.connMu.Unlock()
	if conn == nil {
		return
	}

	status := "IDLE"
	var jobID uint64
	if currentJob != nil {
		status = "BUSY"
		jobID = uint64(*currentJob)
	}
	msg, err := protocol.NewHeartbeat(jobID, protocol.HeartbeatPayload{
		Status:       status,
		CurrentJobID: currentJob,
	})
	if err != nil {
		return
	}
	if err := conn.Write(msg); err != nil {
		w.logger.Debug().Err(err).Msg("Control heartbeat failed")
	}
}

// jobTimeout resolves the wall-clock budget: per-job params override the
// global default; zero means unbounded
func (w *Worker) jobTimeout(job *types.ProcessingJob) time.Duration {
	if v, ok := job.Params["timeout_seconds"]; ok {
		if secs, ok := v.(float64); ok && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return w.cfg.Worker.JobTimeout.Std()
}

func (w *Worker) publish(t events.EventType, jobID int64, meta map[string]string) {
	if w.broker == nil {
		return
	}
	if meta == nil {
		meta = map[string]string{}
	}
	meta["job_id"] = fmt.Sprintf("%d", jobID)
	w.broker.Publish(&events.Event{Type: t, Message: fmt.Sprintf("job %d", jobID), Metadata: meta})
}
