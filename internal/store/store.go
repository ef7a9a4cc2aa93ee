// Package store is the session layer shared by the lock manager, the job
// queue and the background processes: transactions with a configured
// isolation level, the database clock and schema sanity checks.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/huangang/jobstore/internal/config"
	"github.com/huangang/jobstore/internal/models"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// ErrDualCheck marks a failed schema sanity check at startup.
var ErrDualCheck = errors.New("dual table check failed")

// Options are the timing knobs consumed by the storage components.
type Options struct {
	InvisibilityTimeout        time.Duration
	QueuePollInterval          time.Duration
	JobQueueLockTimeout        time.Duration
	CountersAggregateInterval  time.Duration
	JobExpirationCheckInterval time.Duration
	TransactionTimeout         time.Duration
	IsolationLevel             sql.IsolationLevel
}

func DefaultOptions() Options {
	return Options{
		InvisibilityTimeout:        15 * time.Minute,
		QueuePollInterval:          15 * time.Second,
		JobQueueLockTimeout:        time.Minute,
		CountersAggregateInterval:  5 * time.Minute,
		JobExpirationCheckInterval: time.Hour,
		TransactionTimeout:         time.Minute,
		IsolationLevel:             sql.LevelSerializable,
	}
}

// OptionsFromConfig converts the storage section of the config file.
func OptionsFromConfig(cfg *config.StorageConfig) Options {
	return Options{
		InvisibilityTimeout:        cfg.InvisibilityTimeout,
		QueuePollInterval:          cfg.QueuePollInterval,
		JobQueueLockTimeout:        cfg.JobQueueLockTimeout,
		CountersAggregateInterval:  cfg.CountersAggregateInterval,
		JobExpirationCheckInterval: cfg.JobExpirationCheckInterval,
		TransactionTimeout:         cfg.TransactionTimeout,
		IsolationLevel:             ParseIsolationLevel(cfg.IsolationLevel),
	}
}

// ParseIsolationLevel maps a config name to a database/sql level.
// Unknown or empty names mean serializable.
func ParseIsolationLevel(name string) sql.IsolationLevel {
	switch name {
	case "read_committed":
		return sql.LevelReadCommitted
	case "repeatable_read":
		return sql.LevelRepeatableRead
	default:
		return sql.LevelSerializable
	}
}

type Store struct {
	db   *gorm.DB
	opts Options
	log  zerolog.Logger
}

func New(db *gorm.DB, opts Options, log zerolog.Logger) *Store {
	return &Store{
		db:   db,
		opts: opts,
		log:  log.With().Str("component", "store").Logger(),
	}
}

func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) Options() Options { return s.opts }

// Session returns a gorm session bound to ctx, outside any transaction.
func (s *Store) Session(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// Transaction runs fn inside a transaction using the configured isolation
// level. The transaction is committed if fn returns nil, rolled back otherwise.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.TransactionWithIsolation(ctx, s.opts.IsolationLevel, fn)
}

// TransactionWithIsolation is Transaction with an explicit isolation level.
func (s *Store) TransactionWithIsolation(ctx context.Context, level sql.IsolationLevel, fn func(tx *gorm.DB) error) error {
	if s.opts.TransactionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.TransactionTimeout)
		defer cancel()
	}
	return s.db.WithContext(ctx).Transaction(fn, &sql.TxOptions{Isolation: level})
}

// UtcNow reads the current UTC time from the database server.
func (s *Store) UtcNow(ctx context.Context) (time.Time, error) {
	return Now(s.db.WithContext(ctx))
}

// EnsureDualHasOneRow makes sure the dual table holds exactly one row.
// Any failure here means the schema is unusable; the returned error wraps
// ErrDualCheck and the root cause.
func (s *Store) EnsureDualHasOneRow(ctx context.Context) error {
	err := s.TransactionWithIsolation(ctx, sql.LevelSerializable, func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Dual{}).Count(&count).Error; err != nil {
			return err
		}

		switch count {
		case 1:
			return nil
		case 0:
			return tx.Create(&models.Dual{ID: 1}).Error
		default:
			var ids []int
			if err := tx.Model(&models.Dual{}).Order("id").Pluck("id", &ids).Error; err != nil {
				return err
			}
			return tx.Where("id IN ?", ids[1:]).Delete(&models.Dual{}).Error
		}
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("issue with dual table")
		return fmt.Errorf("%w: %w", ErrDualCheck, rootCause(err))
	}
	return nil
}

// ResetAll deletes every row owned by the storage.
func (s *Store) ResetAll(ctx context.Context) error {
	all := models.All()
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		for i := len(all) - 1; i >= 0; i-- {
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(all[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteOptionsToLog logs the options the storage runs with.
func (s *Store) WriteOptionsToLog() {
	s.log.Info().
		Str("dialect", s.db.Dialector.Name()).
		Dur("invisibility_timeout", s.opts.InvisibilityTimeout).
		Dur("queue_poll_interval", s.opts.QueuePollInterval).
		Dur("job_queue_lock_timeout", s.opts.JobQueueLockTimeout).
		Dur("counters_aggregate_interval", s.opts.CountersAggregateInterval).
		Dur("job_expiration_check_interval", s.opts.JobExpirationCheckInterval).
		Dur("transaction_timeout", s.opts.TransactionTimeout).
		Str("isolation_level", s.opts.IsolationLevel.String()).
		Msg("using the following options for job storage")
}

func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
