// Package runtime hosts the daemon's background machinery.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/mstanton/engram/engine"
)

// maintenanceTimeout bounds one full sweep across all partitions.
const maintenanceTimeout = 30 * time.Minute

// Scheduler runs the periodic maintenance sweep on a cron schedule.
type Scheduler struct {
	engine   *engine.Engine
	cron     *cron.Cron
	cronSpec string
	logger   zerolog.Logger
}

// NewScheduler creates a scheduler that runs maintenance per cronSpec
// (standard five-field cron syntax).
func NewScheduler(eng *engine.Engine, cronSpec string, logger zerolog.Logger) (*Scheduler, error) {
	if cronSpec == "" {
		return nil, fmt.Errorf("cron spec cannot be empty")
	}
	return &Scheduler{
		engine:   eng,
		cron:     cron.New(),
		cronSpec: cronSpec,
		logger:   logger.With().Str("component", "scheduler").Logger(),
	}, nil
}

// Start registers the maintenance job and begins the cron loop. It returns
// immediately; Stop shuts the loop down.
func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc(s.cronSpec, s.runMaintenance)
	if err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", s.cronSpec, err)
	}
	s.cron.Start()
	s.logger.Info().Str("schedule", s.cronSpec).Msg("Scheduler started")
	return nil
}

// Stop halts the cron loop and waits for a running job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("Scheduler stopped")
}

// RunNow triggers one maintenance sweep outside the schedule.
func (s *Scheduler) RunNow() {
	s.runMaintenance()
}

func (s *Scheduler) runMaintenance() {
	s.logger.Info().Msg("Starting maintenance sweep")
	ctx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
	defer cancel()

	if err := s.engine.Maintain(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Maintenance sweep failed")
		return
	}
	s.logger.Info().Msg("Maintenance sweep finished")
}
