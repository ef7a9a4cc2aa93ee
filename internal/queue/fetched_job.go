package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/huangang/jobstore/internal/models"
)

// FetchedJob is a claimed queue row. The holder must either remove it
// (acknowledge) or requeue it; Close requeues if neither happened.
// All operations match on the fetch token, so a handle whose lease expired
// and was re-claimed by another worker cannot touch the new claim.
type FetchedJob struct {
	ID        int64
	JobID     int64
	Queue     string
	Token     string
	FetchedAt time.Time

	queue *JobQueue

	mu       sync.Mutex
	removed  bool
	requeued bool
}

// JobIDString returns the job id in the textual form used by Enqueue.
func (f *FetchedJob) JobIDString() string {
	return strconv.FormatInt(f.JobID, 10)
}

// RemoveFromQueue deletes the queue row. It reports an error only on
// database failure; a row that was already re-claimed is left alone.
func (f *FetchedJob) RemoveFromQueue(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removed {
		return nil
	}

	res := f.queue.store.Session(ctx).
		Where("id = ? AND fetch_token = ?", f.ID, f.Token).
		Delete(&models.JobQueue{})
	if res.Error != nil {
		return fmt.Errorf("remove queue entry %d: %w", f.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		f.queue.log.Warn().Int64("id", f.ID).Int64("job_id", f.JobID).Msg("queue entry no longer owned by this fetch")
	}
	f.removed = true
	return nil
}

// Requeue clears the claim so the row becomes visible again immediately.
func (f *FetchedJob) Requeue(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removed || f.requeued {
		return nil
	}

	res := f.queue.store.Session(ctx).
		Model(&models.JobQueue{}).
		Where("id = ? AND fetch_token = ?", f.ID, f.Token).
		Updates(map[string]interface{}{
			"fetched_at":  nil,
			"fetch_token": nil,
		})
	if res.Error != nil {
		return fmt.Errorf("requeue queue entry %d: %w", f.ID, res.Error)
	}
	f.requeued = true
	return nil
}

// Close requeues the job unless it was removed or requeued already.
func (f *FetchedJob) Close(ctx context.Context) error {
	return f.Requeue(context.WithoutCancel(ctx))
}
