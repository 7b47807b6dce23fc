// -----------------------------------------------------------------------
// Reaper Service - Deadline sweep for expired waiting barriers
// -----------------------------------------------------------------------

package reaper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/converge/internal/common"
	"github.com/ternarybob/converge/internal/interfaces"
)

const (
	defaultInterval = 30 * time.Second
	defaultLimit    = 100
)

// Service sweeps barriers whose deadline passed while they were still
// waiting and force-completes them through the barrier service, so a
// crashed or hung worker can never park a run forever.
type Service struct {
	storage  interfaces.BarrierStorage
	barriers interfaces.BarrierService
	logger   arbor.ILogger

	interval time.Duration
	limit    int

	cron    *cron.Cron
	mu      sync.Mutex
	running bool

	sweepMu  sync.Mutex
	sweeping bool
}

// NewService creates a reaper over the given barrier storage and service
func NewService(storage interfaces.BarrierStorage, barriers interfaces.BarrierService, config *common.ReaperConfig, logger arbor.ILogger) *Service {
	s := &Service{
		storage:  storage,
		barriers: barriers,
		logger:   logger,
		interval: defaultInterval,
		limit:    defaultLimit,
	}
	if config != nil {
		if config.Interval != "" {
			if d, err := time.ParseDuration(config.Interval); err == nil && d > 0 {
				s.interval = d
			}
		}
		if config.Limit > 0 {
			s.limit = config.Limit
		}
	}
	return s
}

// Start schedules the sweep loop
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("reaper already running")
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc("@every "+s.interval.String(), s.runSweep); err != nil {
		return fmt.Errorf("failed to schedule reaper sweep: %w", err)
	}
	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("interval", s.interval.String()).
		Int("limit", s.limit).
		Msg("Reaper started")
	return nil
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info().Msg("Reaper stopped")
}

// runSweep is the cron entry point. Overlapping ticks are skipped rather
// than queued so a slow resume cannot stack sweeps behind itself.
func (s *Service) runSweep() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("PANIC RECOVERED in reaper sweep")
		}
	}()

	s.sweepMu.Lock()
	if s.sweeping {
		s.sweepMu.Unlock()
		s.logger.Debug().Msg("Reaper sweep already in progress, skipping cycle")
		return
	}
	s.sweeping = true
	s.sweepMu.Unlock()

	defer func() {
		s.sweepMu.Lock()
		s.sweeping = false
		s.sweepMu.Unlock()
	}()

	if _, err := s.Sweep(context.Background()); err != nil {
		s.logger.Error().Err(err).Msg("Reaper sweep failed")
	}
}

// Sweep reaps every waiting barrier whose deadline has passed, up to the
// configured limit. Each barrier is handled independently: a failure is
// logged and counted, and the sweep moves on to the next one. Returns the
// number of barriers reaped.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	expired, err := s.storage.GetExpiredWaiting(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to list expired barriers: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}
	if len(expired) > s.limit {
		expired = expired[:s.limit]
	}

	s.logger.Info().
		Int("count", len(expired)).
		Msg("Reaping expired barriers")

	reaped := 0
	for _, barrier := range expired {
		if err := ctx.Err(); err != nil {
			return reaped, err
		}
		if err := s.barriers.Reap(ctx, barrier); err != nil {
			s.logger.Error().Err(err).
				Str("barrier_id", barrier.ID).
				Str("run_id", barrier.RunID).
				Int("round", barrier.Round).
				Msg("Failed to reap barrier")
			continue
		}
		reaped++
	}

	return reaped, nil
}
