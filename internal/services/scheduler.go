package services

import (
	"context"
	"fmt"

	"github.com/huangang/jobstore/internal/config"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler runs the counters aggregator and the expiration manager on
// their configured intervals.
type Scheduler struct {
	storage *JobStorage
	cfg     config.SchedulerConfig
	log     zerolog.Logger

	cronScheduler *cron.Cron
	cancel        context.CancelFunc
	entries       map[string]cron.EntryID
}

func NewScheduler(storage *JobStorage, cfg *config.SchedulerConfig, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		storage: storage,
		cfg:     *cfg,
		log:     log.With().Str("component", "scheduler").Logger(),
		entries: make(map[string]cron.EntryID),
	}
}

// Start registers the enabled processes and starts the cron loop. Each
// process is skipped while its previous run is still going.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cronScheduler != nil {
		return nil
	}

	ctx, s.cancel = context.WithCancel(ctx)
	cl := cronLogger{log: s.log}
	s.cronScheduler = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	opts := s.storage.Store.Options()

	if s.cfg.AggregatorEnabled {
		if err := s.add("counters_aggregator", opts.CountersAggregateInterval.String(), func() {
			passes, err := s.storage.Aggregator.RunCycle(ctx)
			if err != nil {
				s.log.Error().Err(err).Int("passes", passes).Msg("counter aggregation failed")
			}
		}); err != nil {
			return err
		}
	}

	if s.cfg.ExpirationEnabled {
		if err := s.add("expiration_manager", opts.JobExpirationCheckInterval.String(), func() {
			if _, err := s.storage.Expiration.RunCycle(ctx); err != nil {
				s.log.Error().Err(err).Msg("expiration sweep failed")
			}
		}); err != nil {
			return err
		}
	}

	s.cronScheduler.Start()
	s.log.Info().Int("processes", len(s.entries)).Msg("scheduler started")
	return nil
}

func (s *Scheduler) add(name, every string, fn func()) error {
	spec := "@every " + every
	id, err := s.cronScheduler.AddFunc(spec, fn)
	if err != nil {
		return fmt.Errorf("schedule %s (%s): %w", name, spec, err)
	}
	s.entries[name] = id
	s.log.Info().Str("process", name).Str("spec", spec).Msg("process scheduled")
	return nil
}

// Entries lists the scheduled process names.
func (s *Scheduler) Entries() []string {
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

// Stop cancels running processes and waits for them to return.
func (s *Scheduler) Stop() {
	if s.cronScheduler == nil {
		return
	}
	s.cancel()
	<-s.cronScheduler.Stop().Done()
	s.cronScheduler = nil
	s.log.Info().Msg("scheduler stopped")
}

type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
