// Package lock implements named, timeout-bounded mutual exclusion on top of
// the distributed_lock table. Any process sharing the database takes part.
//
// A lock row older than the caller's timeout is considered abandoned and is
// taken over. Acquisition never blocks: a busy lock yields (nil, nil).
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/huangang/jobstore/internal/metrics"
	"github.com/huangang/jobstore/internal/models"
	"github.com/huangang/jobstore/internal/store"
	"github.com/huangang/jobstore/internal/utils"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Manager struct {
	store *store.Store
	log   zerolog.Logger
}

func NewManager(s *store.Store, log zerolog.Logger) *Manager {
	return &Manager{
		store: s,
		log:   log.With().Str("component", "lock").Logger(),
	}
}

// Lock is a held distributed lock. Release it on every exit path, usually
// with defer right after a successful Acquire.
type Lock struct {
	Resource   string
	Owner      string
	AcquiredAt time.Time

	m    *Manager
	once sync.Once
	err  error
}

// Acquire tries to take resource. It returns (nil, nil) when another holder
// owns a lock younger than timeout.
func (m *Manager) Acquire(ctx context.Context, resource string, timeout time.Duration) (*Lock, error) {
	if resource == "" {
		return nil, errors.New("lock: empty resource name")
	}

	owner := utils.NewToken()
	var (
		held     *models.DistributedLock
		takeover bool
	)

	err := m.store.TransactionWithIsolation(ctx, sql.LevelReadCommitted, func(tx *gorm.DB) error {
		now, err := store.Now(tx)
		if err != nil {
			return err
		}
		row := models.DistributedLock{Resource: resource, Owner: owner, AcquiredAt: now}

		ok, err := insertLock(tx, &row)
		if err != nil || ok {
			if ok {
				held = &row
			}
			return err
		}

		var existing models.DistributedLock
		err = tx.Where("resource = ?", resource).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			// Released between our insert and the read.
		case err != nil:
			return err
		case now.Sub(existing.AcquiredAt) <= timeout:
			return nil
		default:
			m.log.Debug().
				Str("resource", resource).
				Str("previous_owner", existing.Owner).
				Time("acquired_at", existing.AcquiredAt).
				Msg("taking over expired lock")
			if err := tx.Where("resource = ? AND owner = ?", resource, existing.Owner).
				Delete(&models.DistributedLock{}).Error; err != nil {
				return err
			}
			takeover = true
		}

		ok, err = insertLock(tx, &row)
		if ok {
			held = &row
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("acquire lock %q: %w", resource, err)
	}

	if held == nil {
		metrics.LockAcquisitions.WithLabelValues(resource, "busy").Inc()
		return nil, nil
	}

	result := "acquired"
	if takeover {
		result = "takeover"
	}
	metrics.LockAcquisitions.WithLabelValues(resource, result).Inc()

	return &Lock{
		Resource:   held.Resource,
		Owner:      held.Owner,
		AcquiredAt: held.AcquiredAt,
		m:          m,
	}, nil
}

// WithLock runs fn while holding resource and releases the lock however fn
// exits. acquired is false, and fn is not called, when the lock is busy.
func (m *Manager) WithLock(ctx context.Context, resource string, timeout time.Duration, fn func() error) (acquired bool, err error) {
	l, err := m.Acquire(ctx, resource, timeout)
	if err != nil || l == nil {
		return false, err
	}
	defer func() {
		if rerr := l.Release(ctx); rerr != nil {
			m.log.Warn().Err(rerr).Str("resource", resource).Msg("release lock failed")
		}
	}()
	return true, fn()
}

// Release deletes the lock row if this handle still owns it. Releasing a
// lock that expired and was taken over by someone else is a no-op.
// Calling Release more than once is safe. The delete ignores cancellation of
// ctx but is bounded by the store's transaction timeout.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		ctx := context.WithoutCancel(ctx)
		if timeout := l.m.store.Options().TransactionTimeout; timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		err := l.m.store.Session(ctx).
			Where("resource = ? AND owner = ?", l.Resource, l.Owner).
			Delete(&models.DistributedLock{}).Error
		if err != nil {
			l.err = fmt.Errorf("release lock %q: %w", l.Resource, err)
		}
	})
	return l.err
}

func insertLock(tx *gorm.DB, row *models.DistributedLock) (bool, error) {
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
