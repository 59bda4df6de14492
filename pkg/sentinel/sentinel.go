package sentinel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sl224/casparianflow/pkg/config"
	"github.com/sl224/casparianflow/pkg/events"
	"github.com/sl224/casparianflow/pkg/log"
	"github.com/sl224/casparianflow/pkg/metrics"
	"github.com/sl224/casparianflow/pkg/protocol"
	"github.com/sl224/casparianflow/pkg/storage"
	"github.com/sl224/casparianflow/pkg/types"
)

// ErrDispatchDeferred is returned when no matching worker is available
// and the deferred queue for the environment is full
var ErrDispatchDeferred = errors.New("dispatch deferred: no capacity")

const deferredQueueCap = 128

// workerConn is one identified worker connection
type workerConn struct {
	id     string
	conn   *protocol.Conn
	envSet map[string]bool

	mu         sync.Mutex
	busy       bool
	currentJob int64
	lastSeen   time.Time
}

// Sentinel owns the cluster control socket. It tracks identified
// workers, serves routing snapshots, and (in push mode) dispatches
// pending jobs to workers whose environment signature matches.
type Sentinel struct {
	cfg    config.ClusterConfig
	store  storage.Store
	broker *events.Broker
	logger zerolog.Logger

	routing atomic.Pointer[RoutingTable]

	mu       sync.RWMutex
	workers  map[string]*workerConn
	deferred map[string][]deferredDispatch

	listener net.Listener
	stopCh   chan struct{}
	stopOnce sync.Once
}

type deferredDispatch struct {
	jobID   int64
	payload protocol.DispatchPayload
}

// New creates a sentinel. broker may be nil.
func New(store storage.Store, cfg config.ClusterConfig, broker *events.Broker) *Sentinel {
	return &Sentinel{
		cfg:      cfg,
		store:    store,
		broker:   broker,
		logger:   log.WithComponent("sentinel"),
		workers:  make(map[string]*workerConn),
		deferred: make(map[string][]deferredDispatch),
		stopCh:   make(chan struct{}),
	}
}

// Run binds the control socket and serves until ctx is done
func (s *Sentinel) Run(ctx context.Context) error {
	if err := s.Reload(ctx); err != nil {
		return fmt.Errorf("initial routing load: %w", err)
	}

	ln, err := net.Listen("tcp", s.cfg.BrokerAddr)
	if err != nil {
		return fmt.Errorf("bind control socket %s: %w", s.cfg.BrokerAddr, err)
	}
	s.listener = ln
	s.logger.Info().Str("addr", s.cfg.BrokerAddr).Str("mode", string(s.cfg.DispatchMode)).Msg("Sentinel listening")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	if s.cfg.DispatchMode == config.DispatchPush {
		go s.dispatchLoop(ctx)
	}

	for {
		raw, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		go s.handleConn(ctx, protocol.NewConn(raw))
	}
}

// Stop closes the listener and all worker connections
func (s *Sentinel) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Lock()
		for _, w := range s.workers {
			w.conn.Close()
		}
		s.mu.Unlock()
	})
}

// Addr reports the bound control socket address, or "" before Run
func (s *Sentinel) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Reload atomically swaps in a fresh routing table from the store.
// In-flight dispatches keep their old snapshot.
func (s *Sentinel) Reload(ctx context.Context) error {
	table, err := loadRoutingTable(ctx, s.store)
	if err != nil {
		return err
	}
	s.routing.Store(table)
	if s.broker != nil {
		s.broker.Publish(&events.Event{Type: events.EventRoutingReload, Message: fmt.Sprintf("%d plugins routed", len(table.entries))})
	}
	s.logger.Info().Int("plugins", len(table.entries)).Msg("Routing table reloaded")
	return nil
}

// Routing returns the current routing snapshot
func (s *Sentinel) Routing() *RoutingTable {
	return s.routing.Load()
}

// handleConn runs one worker session. The first frame must be IDENTIFY;
// anything else is a protocol error and the session is reset.
func (s *Sentinel) handleConn(ctx context.Context, conn *protocol.Conn) {
	defer conn.Close()

	first, err := conn.Read()
	if err != nil {
		metrics.ProtocolErrors.Inc()
		s.logger.Warn().Err(err).Msg("Session rejected before IDENTIFY")
		return
	}
	if first.Header.Op != protocol.OpIdentify {
		metrics.ProtocolErrors.Inc()
		s.logger.Warn().Str("op", first.Header.Op.String()).Msg("Expected IDENTIFY, resetting session")
		return
	}
	var ident protocol.IdentifyPayload
	if err := first.JSON(&ident); err != nil {
		metrics.ProtocolErrors.Inc()
		s.logger.Warn().Err(err).Msg("Malformed IDENTIFY, resetting session")
		return
	}
	if ident.WorkerID == "" {
		metrics.ProtocolErrors.Inc()
		return
	}

	w := &workerConn{
		id:       ident.WorkerID,
		conn:     conn,
		envSet:   make(map[string]bool, len(ident.Capabilities)),
		lastSeen: time.Now(),
	}
	for _, env := range ident.Capabilities {
		w.envSet[env] = true
	}
	if ident.CurrentJobID != nil {
		w.busy = true
		w.currentJob = *ident.CurrentJobID
	}

	s.mu.Lock()
	s.workers[ident.WorkerID] = w
	s.mu.Unlock()
	s.registerWorker(ctx, ident)
	s.logger.Info().Str("worker_id", ident.WorkerID).Int("capabilities", len(ident.Capabilities)).Msg("Worker identified")

	defer func() {
		s.mu.Lock()
		if s.workers[ident.WorkerID] == w {
			delete(s.workers, ident.WorkerID)
		}
		s.mu.Unlock()
		s.logger.Info().Str("worker_id", ident.WorkerID).Msg("Worker disconnected")
	}()

	for {
		msg, err := conn.Read()
		if err != nil {
			var perr *protocol.Error
			if errors.As(err, &perr) {
				metrics.ProtocolErrors.Inc()
				s.logger.Warn().Err(err).Str("worker_id", ident.WorkerID).Msg("Protocol violation, resetting session")
			}
			return
		}
		w.mu.Lock()
		w.lastSeen = time.Now()
		w.mu.Unlock()

		switch msg.Header.Op {
		case protocol.OpHeartbeat:
			var hb protocol.HeartbeatPayload
			if err := msg.JSON(&hb); err != nil {
				metrics.ProtocolErrors.Inc()
				return
			}
			s.onHeartbeat(ctx, w, ident, hb)

		case protocol.OpConclude:
			// Acknowledges job completion on this logical connection:
			// the worker becomes eligible for the next DISPATCH.
			w.mu.Lock()
			w.busy = false
			w.currentJob = 0
			w.mu.Unlock()
			s.drainDeferred(w)

		case protocol.OpError:
			var ep protocol.ErrorPayload
			_ = msg.JSON(&ep)
			w.mu.Lock()
			w.busy = false
			w.currentJob = 0
			w.mu.Unlock()
			s.logger.Warn().
				Str("worker_id", ident.WorkerID).
				Uint64("job_id", msg.Header.JobID).
				Str("kind", ep.Kind).
				Msg("Worker reported job error")
			s.drainDeferred(w)

		case protocol.OpReload:
			if err := s.Reload(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Routing reload failed")
			}

		default:
			metrics.ProtocolErrors.Inc()
			s.logger.Warn().
				Str("worker_id", ident.WorkerID).
				Str("op", msg.Header.Op.String()).
				Msg("Unexpected frame, resetting session")
			return
		}
	}
}

func (s *Sentinel) onHeartbeat(ctx context.Context, w *workerConn, ident protocol.IdentifyPayload, hb protocol.HeartbeatPayload) {
	w.mu.Lock()
	w.busy = hb.Status == "BUSY"
	if hb.CurrentJobID != nil {
		w.currentJob = *hb.CurrentJobID
	} else {
		w.currentJob = 0
	}
	w.mu.Unlock()

	info := types.WorkerInfo{
		ID:            ident.WorkerID,
		Hostname:      hostnameOf(ident.WorkerID),
		EnvSignatures: ident.Capabilities,
		Status:        types.WorkerOnline,
		CurrentJobID:  hb.CurrentJobID,
	}
	if err := s.store.UpsertWorker(ctx, info); err != nil {
		s.logger.Warn().Err(err).Str("worker_id", ident.WorkerID).Msg("Worker registry update failed")
	}
	if !w.busy {
		s.drainDeferred(w)
	}
}

func (s *Sentinel) registerWorker(ctx context.Context, ident protocol.IdentifyPayload) {
	info := types.WorkerInfo{
		ID:            ident.WorkerID,
		Hostname:      hostnameOf(ident.WorkerID),
		EnvSignatures: ident.Capabilities,
		Status:        types.WorkerOnline,
		CurrentJobID:  ident.CurrentJobID,
	}
	if err := s.store.UpsertWorker(ctx, info); err != nil {
		s.logger.Warn().Err(err).Str("worker_id", ident.WorkerID).Msg("Worker registration failed")
	}
	if s.broker != nil {
		s.broker.Publish(&events.Event{Type: events.EventWorkerOnline, Message: ident.WorkerID})
	}
}

// Dispatch routes one job to an idle worker whose environment matches.
// With no capacity the dispatch is queued in memory, bounded; overflow
// returns ErrDispatchDeferred.
func (s *Sentinel) Dispatch(jobID int64, payload protocol.DispatchPayload) error {
	if w := s.pickWorker(payload.EnvHash); w != nil {
		return s.sendDispatch(w, jobID, payload)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.deferred[payload.EnvHash]
	if len(q) >= deferredQueueCap {
		return ErrDispatchDeferred
	}
	s.deferred[payload.EnvHash] = append(q, deferredDispatch{jobID: jobID, payload: payload})
	metrics.DispatchQueueDepth.WithLabelValues(payload.EnvHash).Set(float64(len(q) + 1))
	return nil
}

// pickWorker selects an idle identified worker for an env signature
func (s *Sentinel) pickWorker(envHash string) *workerConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.workers {
		if !w.envSet[envHash] {
			continue
		}
		w.mu.Lock()
		free := !w.busy
		w.mu.Unlock()
		if free {
			return w
		}
	}
	return nil
}

func (s *Sentinel) sendDispatch(w *workerConn, jobID int64, payload protocol.DispatchPayload) error {
	msg, err := protocol.NewDispatch(jobID, payload)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.busy = true
	w.currentJob = jobID
	w.mu.Unlock()
	if err := w.conn.Write(msg); err != nil {
		w.mu.Lock()
		w.busy = false
		w.currentJob = 0
		w.mu.Unlock()
		return fmt.Errorf("send dispatch to %s: %w", w.id, err)
	}
	return nil
}

// drainDeferred hands queued dispatches to a newly idle worker
func (s *Sentinel) drainDeferred(w *workerConn) {
	s.mu.Lock()
	var next *deferredDispatch
	var envKey string
	for env := range w.envSet {
		if q := s.deferred[env]; len(q) > 0 {
			d := q[0]
			s.deferred[env] = q[1:]
			metrics.DispatchQueueDepth.WithLabelValues(env).Set(float64(len(q) - 1))
			next = &d
			envKey = env
			break
		}
	}
	s.mu.Unlock()

	if next == nil {
		return
	}
	if err := s.sendDispatch(w, next.jobID, next.payload); err != nil {
		s.logger.Warn().Err(err).Str("env", envKey).Int64("job_id", next.jobID).Msg("Deferred dispatch failed")
	}
}

// Cancel delivers a CANCEL frame to the worker running jobID
func (s *Sentinel) Cancel(jobID int64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.workers {
		w.mu.Lock()
		running := w.busy && w.currentJob == jobID
		w.mu.Unlock()
		if !running {
			continue
		}
		msg, err := protocol.NewCancel(jobID)
		if err != nil {
			return err
		}
		return w.conn.Write(msg)
	}
	return fmt.Errorf("job %d: %w", jobID, types.ErrNotFound)
}

// dispatchLoop (push mode) feeds PENDING jobs to matching workers. A
// job already handed out is not re-dispatched within the lease window;
// claims are still atomic at the store, so a duplicate dispatch at
// worst loses the claim race.
func (s *Sentinel) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	inFlight := make(map[int64]time.Time)

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-s.cfg.LeaseTimeout())
			for id, t := range inFlight {
				if t.Before(cutoff) {
					delete(inFlight, id)
				}
			}
			if err := s.dispatchPending(ctx, inFlight); err != nil {
				s.logger.Error().Err(err).Msg("Dispatch cycle failed")
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sentinel) dispatchPending(ctx context.Context, inFlight map[int64]time.Time) error {
	jobs, err := s.store.ListJobs(ctx, storage.JobFilter{Status: types.JobPending, Limit: 64})
	if err != nil {
		return err
	}
	table := s.routing.Load()

	for _, job := range jobs {
		if _, dup := inFlight[job.ID]; dup {
			continue
		}
		entry, ok := table.Lookup(job.PluginName)
		if !ok {
			continue // plugin not routed; stays PENDING until reload
		}
		payload, err := s.buildDispatch(ctx, &job, entry)
		if err != nil {
			s.logger.Warn().Err(err).Int64("job_id", job.ID).Msg("Dispatch build failed")
			continue
		}
		if err := s.Dispatch(job.ID, *payload); err != nil {
			if errors.Is(err, ErrDispatchDeferred) {
				continue
			}
			s.logger.Warn().Err(err).Int64("job_id", job.ID).Msg("Dispatch failed")
			continue
		}
		inFlight[job.ID] = time.Now()
	}
	return nil
}

func (s *Sentinel) buildDispatch(ctx context.Context, job *types.ProcessingJob, entry RoutingEntry) (*protocol.DispatchPayload, error) {
	manifest, err := s.store.GetActiveManifest(ctx, job.PluginName)
	if err != nil {
		return nil, err
	}
	path, err := s.store.ResolveVersionPath(ctx, job.FileVersionID)
	if err != nil {
		return nil, err
	}
	topicConfigs, err := s.store.ListTopicConfigs(ctx, job.PluginName)
	if err != nil {
		return nil, err
	}
	sinks := make([]protocol.SinkBinding, 0, len(topicConfigs))
	for _, tc := range topicConfigs {
		sinks = append(sinks, protocol.SinkBinding{Topic: tc.Topic, URI: tc.SinkURI, Mode: string(tc.Mode)})
	}
	return &protocol.DispatchPayload{
		PluginName:    job.PluginName,
		FilePath:      path,
		FileVersionID: job.FileVersionID,
		Sinks:         sinks,
		EnvHash:       entry.EnvHash,
		SourceCode:    string(manifest.Source),
	}, nil
}

// Workers returns a registry snapshot for the status surface
func (s *Sentinel) Workers() []types.WorkerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := make([]types.WorkerInfo, 0, len(s.workers))
	for _, w := range s.workers {
		w.mu.Lock()
		info := types.WorkerInfo{
			ID:            w.id,
			Status:        types.WorkerOnline,
			LastHeartbeat: w.lastSeen,
		}
		if w.busy {
			job := w.currentJob
			info.CurrentJobID = &job
		}
		for env := range w.envSet {
			info.EnvSignatures = append(info.EnvSignatures, env)
		}
		w.mu.Unlock()
		infos = append(infos, info)
	}
	return infos
}

func hostnameOf(workerID string) string {
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return workerID
}
