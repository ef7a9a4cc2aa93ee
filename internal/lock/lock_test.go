package lock_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/huangang/jobstore/internal/lock"
	"github.com/huangang/jobstore/internal/models"
	"github.com/huangang/jobstore/internal/store"
	"github.com/huangang/jobstore/internal/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) (*lock.Manager, func() int64) {
	t.Helper()
	s := testutil.NewStore(t)
	count := func() int64 {
		var n int64
		require.NoError(t, s.DB().Model(&models.DistributedLock{}).Count(&n).Error)
		return n
	}
	return lock.NewManager(s, zerolog.Nop()), count
}

func TestAcquire_Release(t *testing.T) {
	m, count := newManager(t)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "resource", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, "resource", l.Resource)
	assert.NotEmpty(t, l.Owner)
	assert.Equal(t, int64(1), count())

	require.NoError(t, l.Release(ctx))
	assert.Equal(t, int64(0), count())

	// Second release is a no-op.
	require.NoError(t, l.Release(ctx))
}

func TestAcquire_BusyReturnsNil(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	first, err := m.Acquire(ctx, "resource", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)
	defer first.Release(ctx) //nolint:errcheck

	second, err := m.Acquire(ctx, "resource", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, second, "lock held by someone else must not be handed out")

	other, err := m.Acquire(ctx, "other-resource", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, other, "different resource names are independent")
	require.NoError(t, other.Release(ctx))
}

func TestAcquire_TakesOverExpiredLock(t *testing.T) {
	s := testutil.NewStore(t)
	m := lock.NewManager(s, zerolog.Nop())
	ctx := context.Background()

	stale, err := m.Acquire(ctx, "resource", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, stale)

	require.NoError(t, s.DB().Model(&models.DistributedLock{}).
		Where("resource = ?", "resource").
		Update("acquired_at", time.Now().UTC().Add(-2*time.Minute)).Error)

	fresh, err := m.Acquire(ctx, "resource", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, fresh, "lock older than timeout must be taken over")
	assert.NotEqual(t, stale.Owner, fresh.Owner)

	// The previous holder releasing late must not remove the new lock.
	require.NoError(t, stale.Release(ctx))
	var row models.DistributedLock
	require.NoError(t, s.DB().Where("resource = ?", "resource").Take(&row).Error)
	assert.Equal(t, fresh.Owner, row.Owner)

	require.NoError(t, fresh.Release(ctx))
}

func TestWithLock_ReleasesOnError(t *testing.T) {
	m, count := newManager(t)
	ctx := context.Background()
	boom := errors.New("boom")

	acquired, err := m.WithLock(ctx, "resource", time.Minute, func() error {
		assert.Equal(t, int64(1), count())
		return boom
	})
	assert.True(t, acquired)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(0), count())
}

func TestWithLock_ReleasesOnPanic(t *testing.T) {
	m, count := newManager(t)
	ctx := context.Background()

	func() {
		defer func() { _ = recover() }()
		_, _ = m.WithLock(ctx, "resource", time.Minute, func() error {
			panic("boom")
		})
	}()
	assert.Equal(t, int64(0), count())
}

func TestWithLock_BusySkipsFn(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	held, err := m.Acquire(ctx, "resource", time.Minute)
	require.NoError(t, err)
	defer held.Release(ctx) //nolint:errcheck

	called := false
	acquired, err := m.WithLock(ctx, "resource", time.Minute, func() error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, acquired)
	assert.False(t, called)
}

func TestWithLock_MutualExclusion(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				_, err := m.WithLock(ctx, "resource", time.Minute, func() error {
					mu.Lock()
					inside++
					if inside > maxSeen {
						maxSeen = inside
					}
					mu.Unlock()

					time.Sleep(time.Millisecond)

					mu.Lock()
					inside--
					mu.Unlock()
					return nil
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen, "at most one holder at a time")
}

func TestAcquire_EmptyResource(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.Acquire(context.Background(), "", time.Minute)
	assert.Error(t, err)
}

func TestRelease_IgnoresCancelledContext(t *testing.T) {
	m, count := newManager(t)

	l, err := m.Acquire(context.Background(), "resource", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, l)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, l.Release(ctx))
	assert.Equal(t, int64(0), count())
}

func TestRelease_BoundedByTransactionTimeout(t *testing.T) {
	opts := testutil.FastOptions()
	opts.TransactionTimeout = 200 * time.Millisecond
	s := store.New(testutil.NewSQLite(t), opts, zerolog.Nop())
	m := lock.NewManager(s, zerolog.Nop())

	l, err := m.Acquire(context.Background(), "resource", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, l)

	// The test database has a single connection; holding it in a
	// transaction leaves Release waiting on the pool.
	tx := s.DB().Begin()
	require.NoError(t, tx.Error)
	defer tx.Rollback()

	start := time.Now()
	err = l.Release(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
