package queue

import (
	"context"
	"fmt"

	"github.com/huangang/jobstore/internal/models"
	"github.com/huangang/jobstore/internal/store"
)

// Monitor answers read-only questions about queue contents.
type Monitor struct {
	store *store.Store
}

func NewMonitor(s *store.Store) *Monitor {
	return &Monitor{store: s}
}

type QueueStats struct {
	Queue    string `json:"queue"`
	Enqueued int64  `json:"enqueued"`
	Fetched  int64  `json:"fetched"`
}

// Queues lists the distinct queue names that currently hold rows.
func (m *Monitor) Queues(ctx context.Context) ([]string, error) {
	var queues []string
	err := m.store.Session(ctx).Model(&models.JobQueue{}).
		Distinct("queue").
		Order("queue").
		Pluck("queue", &queues).Error
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	return queues, nil
}

// EnqueuedAndFetchedCount counts unclaimed and claimed rows of queue.
// Claimed rows whose lease expired still count as fetched.
func (m *Monitor) EnqueuedAndFetchedCount(ctx context.Context, queue string) (QueueStats, error) {
	stats := QueueStats{Queue: queue}
	db := m.store.Session(ctx)

	if err := db.Model(&models.JobQueue{}).
		Where("queue = ? AND fetched_at IS NULL", queue).
		Count(&stats.Enqueued).Error; err != nil {
		return stats, fmt.Errorf("count enqueued in %q: %w", queue, err)
	}
	if err := db.Model(&models.JobQueue{}).
		Where("queue = ? AND fetched_at IS NOT NULL", queue).
		Count(&stats.Fetched).Error; err != nil {
		return stats, fmt.Errorf("count fetched in %q: %w", queue, err)
	}
	return stats, nil
}

// EnqueuedJobIDs pages through the job ids of unclaimed rows, by row id.
func (m *Monitor) EnqueuedJobIDs(ctx context.Context, queue string, from, perPage int) ([]int64, error) {
	return m.jobIDs(ctx, "queue = ? AND fetched_at IS NULL", queue, from, perPage)
}

// FetchedJobIDs pages through the job ids of claimed rows, by row id.
func (m *Monitor) FetchedJobIDs(ctx context.Context, queue string, from, perPage int) ([]int64, error) {
	return m.jobIDs(ctx, "queue = ? AND fetched_at IS NOT NULL", queue, from, perPage)
}

func (m *Monitor) jobIDs(ctx context.Context, where, queue string, from, perPage int) ([]int64, error) {
	if from < 0 {
		from = 0
	}
	if perPage <= 0 {
		return []int64{}, nil
	}

	ids := []int64{}
	err := m.store.Session(ctx).Model(&models.JobQueue{}).
		Where(where, queue).
		Order("id").
		Offset(from).
		Limit(perPage).
		Pluck("job_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list job ids in %q: %w", queue, err)
	}
	return ids, nil
}
