package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sl224/casparianflow/pkg/config"
	"github.com/sl224/casparianflow/pkg/events"
	"github.com/sl224/casparianflow/pkg/log"
	"github.com/sl224/casparianflow/pkg/metrics"
	"github.com/sl224/casparianflow/pkg/storage"
	"github.com/sl224/casparianflow/pkg/types"
)

// Supervisor reclaims stalled jobs and marks silent workers offline
type Supervisor struct {
	store  storage.Store
	cfg    config.ClusterConfig
	broker *events.Broker
	logger zerolog.Logger
	stopCh chan struct{}
}

// New creates a supervisor. broker may be nil.
func New(store storage.Store, cfg config.ClusterConfig, broker *events.Broker) *Supervisor {
	return &Supervisor{
		store:  store,
		cfg:    cfg,
		broker: broker,
		logger: log.WithComponent("supervisor"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the recovery loop
func (s *Supervisor) Start() {
	go s.run()
}

// Stop stops the supervisor
func (s *Supervisor) Stop() {
	close(s.stopCh)
}

// Run blocks in the recovery loop until ctx is done
func (s *Supervisor) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	s.run()
	return nil
}

func (s *Supervisor) run() {
	interval := s.cfg.HeartbeatInterval.Std()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info().Dur("lease_timeout", s.cfg.LeaseTimeout()).Msg("Supervisor started")

	for {
		select {
		case <-ticker.C:
			if err := s.sweep(); err != nil {
				s.logger.Error().Err(err).Msg("Recovery cycle failed")
			}
		case <-s.stopCh:
			s.logger.Info().Msg("Supervisor stopped")
			return
		}
	}
}

// sweep performs one recovery cycle
func (s *Supervisor) sweep() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	timeout := s.cfg.LeaseTimeout()

	reclaimed, err := s.store.ReclaimStalled(ctx, timeout)
	if err != nil {
		return fmt.Errorf("reclaim stalled jobs: %w", err)
	}
	if reclaimed > 0 {
		metrics.JobsReclaimed.Add(float64(reclaimed))
		s.logger.Warn().Int("count", reclaimed).Msg("Stalled jobs returned to PENDING")
		if s.broker != nil {
			s.broker.Publish(&events.Event{
				Type:    events.EventJobReclaimed,
				Message: fmt.Sprintf("%d jobs reclaimed", reclaimed),
			})
		}
	}

	offline, err := s.store.MarkWorkersOffline(ctx, timeout)
	if err != nil {
		return fmt.Errorf("mark workers offline: %w", err)
	}
	if offline > 0 {
		s.logger.Warn().Int("count", offline).Msg("Workers marked OFFLINE")
		if s.broker != nil {
			s.broker.Publish(&events.Event{
				Type:    events.EventWorkerOffline,
				Message: fmt.Sprintf("%d workers offline", offline),
			})
		}
	}

	workers, err := s.store.ListWorkers(ctx)
	if err == nil {
		online := 0
		for _, w := range workers {
			if w.Status == types.WorkerOnline {
				online++
			}
		}
		metrics.WorkersOnline.Set(float64(online))
	}

	return nil
}
