// Package expiration removes rows whose expire_at has passed.
package expiration

import (
	"context"
	"fmt"
	"time"

	"github.com/huangang/jobstore/internal/lock"
	"github.com/huangang/jobstore/internal/metrics"
	"github.com/huangang/jobstore/internal/models"
	"github.com/huangang/jobstore/internal/store"
	"github.com/huangang/jobstore/internal/utils"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// LockResource serializes sweeps across processes.
const LockResource = "locks:expirationmanager"

const (
	DefaultBatchSize  = 1000
	DefaultBatchDelay = time.Second
)

type table struct {
	name  string
	model interface{}
}

// Swept in this order; job last so its queue rows go with it.
var tables = []table{
	{"aggregated_counter", &models.AggregatedCounter{}},
	{"counter", &models.Counter{}},
	{"job", &models.Job{}},
}

type Manager struct {
	store *store.Store
	locks *lock.Manager
	log   zerolog.Logger

	BatchSize  int
	BatchDelay time.Duration
}

func New(s *store.Store, locks *lock.Manager, log zerolog.Logger) *Manager {
	return &Manager{
		store:      s,
		locks:      locks,
		log:        log.With().Str("component", "expiration_manager").Logger(),
		BatchSize:  DefaultBatchSize,
		BatchDelay: DefaultBatchDelay,
	}
}

// Run sweeps once and then waits for the expiration check interval.
func (m *Manager) Run(ctx context.Context) error {
	if _, err := m.RunCycle(ctx); err != nil {
		return err
	}
	utils.Sleep(ctx, m.store.Options().JobExpirationCheckInterval)
	return nil
}

// RunCycle deletes expired rows table by table, one batch per lock hold,
// and returns the number of rows removed. A table whose lock is held by
// another process is skipped for this cycle.
func (m *Manager) RunCycle(ctx context.Context) (int64, error) {
	m.log.Debug().Msg("removing outdated records")

	txCtx := context.WithoutCancel(ctx)
	timeout := m.store.Options().JobQueueLockTimeout
	var total int64

	for _, t := range tables {
		for {
			var removed int64
			acquired, err := m.locks.WithLock(txCtx, LockResource, timeout, func() error {
				var err error
				removed, err = m.sweep(txCtx, t)
				return err
			})
			if err != nil {
				return total, fmt.Errorf("expire %s: %w", t.name, err)
			}
			if !acquired {
				m.log.Debug().Str("table", t.name).Msg("expiration lock busy, skipping")
				break
			}

			total += removed
			if removed > 0 {
				metrics.ExpiredRows.WithLabelValues(t.name).Add(float64(removed))
				m.log.Info().Int64("removed", removed).Str("table", t.name).Msg("outdated records removed")
			}
			if removed < int64(m.BatchSize) {
				break
			}
			if !utils.Sleep(ctx, m.BatchDelay) {
				return total, ctx.Err()
			}
		}
	}
	return total, nil
}

func (m *Manager) sweep(ctx context.Context, t table) (int64, error) {
	var removed int64

	err := m.store.Transaction(ctx, func(tx *gorm.DB) error {
		now, err := store.Now(tx)
		if err != nil {
			return err
		}

		var ids []int64
		if err := tx.Model(t.model).
			Where("expire_at < ?", now).
			Limit(m.BatchSize).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		if _, ok := t.model.(*models.Job); ok {
			if err := tx.Where("job_id IN ?", ids).Delete(&models.JobQueue{}).Error; err != nil {
				return err
			}
		}

		res := tx.Where("id IN ?", ids).Delete(t.model)
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected
		return nil
	})
	return removed, err
}
