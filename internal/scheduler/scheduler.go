// Package scheduler drives periodic sync runs on cron schedules.
package scheduler

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/pdybowski/stargazer/internal/apperr"
	syncengine "github.com/pdybowski/stargazer/internal/sync"
	"github.com/pdybowski/stargazer/pkg/models"
)

// Runner is the sync surface the scheduler drives.
type Runner interface {
	Run(ctx context.Context, opts syncengine.Options) (models.SyncCounters, error)
}

// Config holds the two cron expressions (standard five-field format).
type Config struct {
	// DailySpec schedules incremental syncs, by default every night.
	DailySpec string
	// WeeklySpec schedules full syncs, by default Sunday early morning.
	WeeklySpec string
}

// Scheduler owns the cron loop. Start is idempotent; Stop waits for any
// in-flight job before returning.
type Scheduler struct {
	runner Runner
	cron   *cron.Cron
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	started bool
}

// New builds a scheduler. Invalid cron expressions surface on Start.
func New(runner Runner, cfg Config, logger zerolog.Logger) *Scheduler {
	if cfg.DailySpec == "" {
		cfg.DailySpec = "0 2 * * *"
	}
	if cfg.WeeklySpec == "" {
		cfg.WeeklySpec = "0 3 * * 0"
	}
	return &Scheduler{
		runner: runner,
		cfg:    cfg,
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start registers both jobs and launches the cron loop. Calling Start on a
// running scheduler is a no-op.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	c := cron.New()

	if _, err := c.AddFunc(s.cfg.DailySpec, func() {
		s.runSync(syncengine.Options{Kind: models.SyncKindIncremental})
	}); err != nil {
		return apperr.Wrap(apperr.KindInputInvalid, "invalid daily cron expression", err)
	}

	if _, err := c.AddFunc(s.cfg.WeeklySpec, func() {
		s.runSync(syncengine.Options{Kind: models.SyncKindFull})
	}); err != nil {
		return apperr.Wrap(apperr.KindInputInvalid, "invalid weekly cron expression", err)
	}

	c.Start()
	s.cron = c
	s.started = true
	s.logger.Info().Str("daily", s.cfg.DailySpec).Str("weekly", s.cfg.WeeklySpec).
		Msg("scheduler started")
	return nil
}

// Stop halts scheduling and blocks until the running job, if any, returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}

	<-s.cron.Stop().Done()
	s.cron = nil
	s.started = false
	s.logger.Info().Msg("scheduler stopped")
}

// Running reports whether the cron loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *Scheduler) runSync(opts syncengine.Options) {
	counters, err := s.runner.Run(context.Background(), opts)
	if err != nil {
		// An overlapping manual sync is expected occasionally; anything else
		// is worth a real error line.
		if apperr.IsKind(err, apperr.KindConflict) {
			s.logger.Info().Str("kind", string(opts.Kind)).
				Msg("scheduled sync skipped, another sync is running")
			return
		}
		s.logger.Error().Err(err).Str("kind", string(opts.Kind)).Msg("scheduled sync failed")
		return
	}
	s.logger.Info().Str("kind", string(opts.Kind)).
		Int("added", counters.Added).Int("updated", counters.Updated).
		Int("deleted", counters.Deleted).
		Msg("scheduled sync finished")
}
