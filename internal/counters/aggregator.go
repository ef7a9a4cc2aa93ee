// Package counters folds raw counter rows into aggregated_counter.
//
// Job processing appends one counter row per increment. The aggregator
// periodically groups those rows by key, adds each group to the key's
// aggregated total and deletes the folded rows, one bounded batch per
// transaction.
package counters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/huangang/jobstore/internal/metrics"
	"github.com/huangang/jobstore/internal/models"
	"github.com/huangang/jobstore/internal/store"
	"github.com/huangang/jobstore/internal/utils"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	DefaultBatchSize = 1000
	DefaultPassDelay = 500 * time.Millisecond
)

var keyColumn = clause.Column{Name: "key"}

type Aggregator struct {
	store *store.Store
	log   zerolog.Logger

	// BatchSize caps the number of keys folded per pass. A pass that removes
	// at least BatchSize rows is followed by another pass after PassDelay.
	BatchSize int
	PassDelay time.Duration
}

func New(s *store.Store, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		store:     s,
		log:       log.With().Str("component", "counters_aggregator").Logger(),
		BatchSize: DefaultBatchSize,
		PassDelay: DefaultPassDelay,
	}
}

type group struct {
	key      string
	sum      int64
	expireAt store.NullTime
	count    int64
}

// Run performs one aggregation cycle and then waits for the aggregation
// interval, so a caller invoking it in a loop never busy-polls.
func (a *Aggregator) Run(ctx context.Context) error {
	if _, err := a.RunCycle(ctx); err != nil {
		return err
	}
	utils.Sleep(ctx, a.store.Options().CountersAggregateInterval)
	return nil
}

// RunCycle drains the counter table in passes and returns how many passes it
// committed. It keeps going while passes come back full, pausing PassDelay in
// between; cancellation during that pause aborts with ctx.Err().
func (a *Aggregator) RunCycle(ctx context.Context) (int, error) {
	a.log.Info().Msg("aggregating records in counter table")

	txCtx := context.WithoutCancel(ctx)
	passes := 0
	for {
		removed, err := a.pass(txCtx)
		if err != nil {
			return passes, fmt.Errorf("aggregate counters: %w", err)
		}
		passes++
		metrics.AggregationPasses.Inc()
		metrics.AggregatedRows.Add(float64(removed))

		if removed < int64(a.BatchSize) {
			a.log.Debug().Int("passes", passes).Msg("counter aggregation finished")
			return passes, nil
		}

		if !utils.Sleep(ctx, a.PassDelay) {
			return passes, ctx.Err()
		}
	}
}

// pass folds at most BatchSize keys in a single transaction and returns the
// number of counter rows it deleted.
func (a *Aggregator) pass(ctx context.Context) (int64, error) {
	var removed int64

	err := a.store.Transaction(ctx, func(tx *gorm.DB) error {
		groups, err := a.loadGroups(tx)
		if err != nil {
			return err
		}
		if len(groups) == 0 {
			return nil
		}

		keys := make([]string, 0, len(groups))
		for _, g := range groups {
			a.log.Debug().Str("key", g.key).Msg("processing aggregate for counter")
			if err := mergeGroup(tx, g); err != nil {
				return fmt.Errorf("merge %q: %w", g.key, err)
			}
			keys = append(keys, g.key)
			removed += g.count
		}

		if err := tx.Where("? IN ?", keyColumn, keys).Delete(&models.Counter{}).Error; err != nil {
			return fmt.Errorf("delete folded counters: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (a *Aggregator) loadGroups(tx *gorm.DB) ([]group, error) {
	rows, err := tx.Model(&models.Counter{}).
		Select("?, SUM(value), MAX(expire_at), COUNT(*)", keyColumn).
		Clauses(clause.GroupBy{Columns: []clause.Column{keyColumn}}).
		Limit(a.BatchSize).
		Rows()
	if err != nil {
		return nil, fmt.Errorf("group counters: %w", err)
	}
	defer rows.Close()

	var groups []group
	for rows.Next() {
		var g group
		if err := rows.Scan(&g.key, &g.sum, &g.expireAt, &g.count); err != nil {
			return nil, fmt.Errorf("scan counter group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// mergeGroup adds g to the existing aggregate for its key, or inserts the
// aggregate when there is none. The expiry only ever moves later.
func mergeGroup(tx *gorm.DB, g group) error {
	updates := map[string]interface{}{
		"value": gorm.Expr("value + ?", g.sum),
	}
	if g.expireAt.Valid {
		updates["expire_at"] = gorm.Expr(
			"CASE WHEN expire_at IS NULL OR expire_at < ? THEN ? ELSE expire_at END",
			g.expireAt.Time, g.expireAt.Time,
		)
	}

	res := tx.Model(&models.AggregatedCounter{}).
		Where("? = ?", keyColumn, g.key).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	// MySQL reports zero affected rows when the update changed nothing, so
	// the insert must tolerate an existing key.
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.AggregatedCounter{
		Key:      g.key,
		Value:    g.sum,
		ExpireAt: g.expireAt.Ptr(),
	}).Error
}

// Increment appends a counter row through session, which may be a
// transaction. A positive expireIn sets the row's expiry relative to the
// database clock.
func Increment(session *gorm.DB, key string, delta int64, expireIn time.Duration) error {
	if key == "" {
		return errors.New("counters: empty key")
	}

	row := models.Counter{Key: key, Value: delta}
	if expireIn > 0 {
		now, err := store.Now(session)
		if err != nil {
			return err
		}
		expireAt := now.Add(expireIn)
		row.ExpireAt = &expireAt
	}

	if err := session.Create(&row).Error; err != nil {
		return fmt.Errorf("increment counter %q: %w", key, err)
	}
	return nil
}

// Value returns the current total for key: the aggregated value plus any
// counter rows not folded yet.
func (a *Aggregator) Value(ctx context.Context, key string) (int64, error) {
	db := a.store.Session(ctx)

	var raw, aggregated int64
	if err := db.Model(&models.Counter{}).
		Select("COALESCE(SUM(value), 0)").
		Where("? = ?", keyColumn, key).
		Scan(&raw).Error; err != nil {
		return 0, fmt.Errorf("sum counter %q: %w", key, err)
	}
	if err := db.Model(&models.AggregatedCounter{}).
		Select("COALESCE(SUM(value), 0)").
		Where("? = ?", keyColumn, key).
		Scan(&aggregated).Error; err != nil {
		return 0, fmt.Errorf("read aggregated counter %q: %w", key, err)
	}
	return raw + aggregated, nil
}
