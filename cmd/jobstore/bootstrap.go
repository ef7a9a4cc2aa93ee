package main

import (
	"context"
	"fmt"

	"github.com/huangang/jobstore/internal/config"
	"github.com/huangang/jobstore/internal/models"
	"github.com/huangang/jobstore/internal/services"
	"github.com/huangang/jobstore/internal/store"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// appServices holds everything the commands need.
type appServices struct {
	cfg       *config.Config
	log       zerolog.Logger
	db        *gorm.DB
	storage   *services.JobStorage
	scheduler *services.Scheduler
	worker    *services.Worker
}

// openStorage connects to the database, prepares the schema if configured
// and runs the startup checks.
func openStorage(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*appServices, error) {
	db, err := models.Open(&cfg.Database, log)
	if err != nil {
		return nil, err
	}

	if cfg.Storage.PrepareSchema {
		if err := models.AutoMigrate(db); err != nil {
			_ = models.Close(db)
			return nil, fmt.Errorf("prepare schema: %w", err)
		}
	}

	storage, err := services.NewJobStorage(ctx, db, store.OptionsFromConfig(&cfg.Storage), log)
	if err != nil {
		_ = models.Close(db)
		return nil, fmt.Errorf("initialize storage: %w", err)
	}
	storage.WriteOptionsToLog()

	return &appServices{cfg: cfg, log: log, db: db, storage: storage}, nil
}

// bootstrap opens the storage and starts the scheduler and the worker pool.
func bootstrap(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*appServices, error) {
	svc, err := openStorage(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	svc.scheduler = services.NewScheduler(svc.storage, &cfg.Scheduler, log)
	if err := svc.scheduler.Start(ctx); err != nil {
		svc.shutdown()
		return nil, err
	}

	svc.worker = services.NewWorker(svc.storage, &cfg.Worker, log)
	if svc.worker != nil {
		registerHandlers(svc.worker, log)
		if err := svc.worker.Start(ctx); err != nil {
			svc.shutdown()
			return nil, err
		}
	}

	return svc, nil
}

// registerHandlers wires the job types this binary knows how to run.
func registerHandlers(w *services.Worker, log zerolog.Logger) {
	w.Handle("log", func(ctx context.Context, task *services.Task) error {
		log.Info().Int64("job_id", task.JobID).RawJSON("payload", payloadJSON(task.Payload)).Msg("log job")
		return nil
	})
}

func payloadJSON(p []byte) []byte {
	if len(p) == 0 {
		return []byte("null")
	}
	return p
}

// shutdown stops background processes and closes the database.
func (s *appServices) shutdown() {
	if s.worker != nil {
		s.worker.Stop()
	}
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if err := models.Close(s.db); err != nil {
		s.log.Warn().Err(err).Msg("close database")
	}
	s.log.Info().Msg("all services stopped")
}
