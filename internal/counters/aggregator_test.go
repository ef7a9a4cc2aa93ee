package counters_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/huangang/jobstore/internal/counters"
	"github.com/huangang/jobstore/internal/models"
	"github.com/huangang/jobstore/internal/store"
	"github.com/huangang/jobstore/internal/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAggregator(t *testing.T) (*store.Store, *counters.Aggregator) {
	t.Helper()
	s := testutil.NewStore(t)
	return s, counters.New(s, zerolog.Nop())
}

func aggregates(t *testing.T, s *store.Store) map[string]models.AggregatedCounter {
	t.Helper()
	var rows []models.AggregatedCounter
	require.NoError(t, s.DB().Find(&rows).Error)
	out := make(map[string]models.AggregatedCounter, len(rows))
	for _, r := range rows {
		out[r.Key] = r
	}
	return out
}

func counterRows(t *testing.T, s *store.Store) int64 {
	t.Helper()
	var n int64
	require.NoError(t, s.DB().Model(&models.Counter{}).Count(&n).Error)
	return n
}

func TestRunCycle_NoCounters(t *testing.T) {
	s, agg := newAggregator(t)
	agg.PassDelay = time.Second

	start := time.Now()
	passes, err := agg.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, passes)
	assert.Less(t, time.Since(start), agg.PassDelay, "an empty table must not wait between passes")
	assert.Empty(t, aggregates(t, s))
}

func TestRunCycle_FoldsByKey(t *testing.T) {
	s, agg := newAggregator(t)
	db := s.DB()

	require.NoError(t, counters.Increment(db, "a", 1, 0))
	require.NoError(t, counters.Increment(db, "a", 2, 0))
	require.NoError(t, counters.Increment(db, "b", 5, 0))

	passes, err := agg.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, passes)

	got := aggregates(t, s)
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got["a"].Value)
	assert.Equal(t, int64(5), got["b"].Value)
	assert.Nil(t, got["a"].ExpireAt)
	assert.Equal(t, int64(0), counterRows(t, s))
}

func TestRunCycle_KeysAreExact(t *testing.T) {
	s, agg := newAggregator(t)
	db := s.DB()

	for _, key := range []string{"stats:succeeded", "stats:succeeded ", "Stats:succeeded"} {
		require.NoError(t, counters.Increment(db, key, 1, 0))
	}

	_, err := agg.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Len(t, aggregates(t, s), 3)
}

func TestRunCycle_AddsToExistingAggregate(t *testing.T) {
	s, agg := newAggregator(t)
	db := s.DB()
	ctx := context.Background()

	require.NoError(t, counters.Increment(db, "a", 10, time.Hour))
	_, err := agg.RunCycle(ctx)
	require.NoError(t, err)

	first := aggregates(t, s)["a"]
	require.NotNil(t, first.ExpireAt)

	require.NoError(t, counters.Increment(db, "a", -4, 2*time.Hour))
	require.NoError(t, counters.Increment(db, "a", 1, 0))
	_, err = agg.RunCycle(ctx)
	require.NoError(t, err)

	second := aggregates(t, s)["a"]
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(7), second.Value)
	require.NotNil(t, second.ExpireAt)
	assert.True(t, second.ExpireAt.After(*first.ExpireAt), "expiry moves to the later value")

	// A group with an earlier expiry leaves the aggregate's expiry alone.
	require.NoError(t, counters.Increment(db, "a", 1, time.Minute))
	_, err = agg.RunCycle(ctx)
	require.NoError(t, err)

	third := aggregates(t, s)["a"]
	assert.Equal(t, int64(8), third.Value)
	require.NotNil(t, third.ExpireAt)
	assert.True(t, third.ExpireAt.Equal(*second.ExpireAt))
}

func TestRunCycle_FullBatchTriggersAnotherPass(t *testing.T) {
	s, agg := newAggregator(t)
	agg.PassDelay = 100 * time.Millisecond

	rows := make([]models.Counter, 0, 1500)
	for i := 0; i < 1500; i++ {
		rows = append(rows, models.Counter{Key: fmt.Sprintf("key-%04d", i), Value: 1})
	}
	require.NoError(t, s.DB().CreateInBatches(rows, 250).Error)

	start := time.Now()
	passes, err := agg.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, passes)
	assert.GreaterOrEqual(t, time.Since(start), agg.PassDelay)
	assert.Len(t, aggregates(t, s), 1500)
	assert.Equal(t, int64(0), counterRows(t, s))
}

func TestRunCycle_CancelledBetweenPasses(t *testing.T) {
	s, agg := newAggregator(t)
	agg.BatchSize = 2
	agg.PassDelay = time.Minute

	for _, key := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, counters.Increment(s.DB(), key, 1, 0))
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	passes, err := agg.RunCycle(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, passes)
	assert.Less(t, time.Since(start), 5*time.Second)

	// The committed pass is kept.
	assert.Len(t, aggregates(t, s), 2)
	assert.Equal(t, int64(3), counterRows(t, s))
}

func TestRun_WaitsForInterval(t *testing.T) {
	s, agg := newAggregator(t)
	require.NoError(t, counters.Increment(s.DB(), "a", 1, 0))

	start := time.Now()
	require.NoError(t, agg.Run(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), s.Options().CountersAggregateInterval)
	assert.Equal(t, int64(1), aggregates(t, s)["a"].Value)
}

func TestRun_IntervalIsInterruptible(t *testing.T) {
	s := store.New(testutil.NewSQLite(t), func() store.Options {
		opts := testutil.FastOptions()
		opts.CountersAggregateInterval = time.Hour
		return opts
	}(), zerolog.Nop())
	agg := counters.New(s, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	require.NoError(t, agg.Run(ctx))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestValue_IncludesUnfoldedRows(t *testing.T) {
	s, agg := newAggregator(t)
	db := s.DB()
	ctx := context.Background()

	v, err := agg.Value(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	require.NoError(t, counters.Increment(db, "a", 4, 0))
	_, err = agg.RunCycle(ctx)
	require.NoError(t, err)
	require.NoError(t, counters.Increment(db, "a", 2, 0))

	v, err = agg.Value(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(6), v)
}

func TestIncrement_EmptyKey(t *testing.T) {
	s, _ := newAggregator(t)
	assert.Error(t, counters.Increment(s.DB(), "", 1, 0))
}
