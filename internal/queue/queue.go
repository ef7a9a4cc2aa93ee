// Package queue implements the claim/enqueue protocol over the job_queue
// table.
//
// Claims are serialized across processes by the "JobQueue" distributed lock
// and run in a serializable transaction. A claimed row stays invisible to
// other workers for the invisibility timeout; after that it is claimable
// again, which is how work held by a crashed worker is recovered.
//
// Selection is deliberately unordered: the first row the store returns for
// the predicate wins. There is no FIFO or priority guarantee.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/huangang/jobstore/internal/lock"
	"github.com/huangang/jobstore/internal/metrics"
	"github.com/huangang/jobstore/internal/models"
	"github.com/huangang/jobstore/internal/store"
	"github.com/huangang/jobstore/internal/utils"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// LockResource is the distributed lock serializing claim attempts.
const LockResource = "JobQueue"

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNoQueues        = fmt.Errorf("%w: queue list must be non-empty", ErrInvalidArgument)
)

type JobQueue struct {
	store *store.Store
	locks *lock.Manager
	log   zerolog.Logger
}

func New(s *store.Store, locks *lock.Manager, log zerolog.Logger) *JobQueue {
	q := &JobQueue{
		store: s,
		locks: locks,
		log:   log.With().Str("component", "queue").Logger(),
	}
	q.log.Debug().Msg("job queue initialized")
	return q
}

// Claim blocks until it claims a row from one of queues or ctx is cancelled.
// On cancellation it returns (nil, nil). Cancellation is observed between
// attempts only; a claim transaction that has started always runs to the end.
// Database failures are returned to the caller, which is expected to log and
// call Claim again.
func (q *JobQueue) Claim(ctx context.Context, queues []string) (*FetchedJob, error) {
	if len(queues) == 0 {
		return nil, ErrNoQueues
	}

	opts := q.store.Options()
	txCtx := context.WithoutCancel(ctx)
	start := time.Now()

	q.log.Debug().Strs("queues", queues).Msg("attempting to dequeue")

	for ctx.Err() == nil {
		var fetched *FetchedJob
		acquired, err := q.locks.WithLock(txCtx, LockResource, opts.JobQueueLockTimeout, func() error {
			var err error
			fetched, err = q.fetchNext(txCtx, queues)
			return err
		})
		if err != nil {
			metrics.ClaimAttempts.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("claim from %v: %w", queues, err)
		}

		if !acquired {
			metrics.ClaimAttempts.WithLabelValues("lock_busy").Inc()
			if ctx.Err() != nil {
				return nil, nil
			}
			utils.Sleep(ctx, opts.QueuePollInterval)
			continue
		}

		if fetched != nil {
			metrics.ClaimAttempts.WithLabelValues("claimed").Inc()
			metrics.Claims.WithLabelValues(fetched.Queue).Inc()
			metrics.ClaimDuration.Observe(time.Since(start).Seconds())
			return fetched, nil
		}
		metrics.ClaimAttempts.WithLabelValues("empty").Inc()
	}

	return nil, nil
}

// fetchNext claims the first eligible row in one serializable transaction.
// It returns nil when nothing is eligible.
func (q *JobQueue) fetchNext(ctx context.Context, queues []string) (*FetchedJob, error) {
	opts := q.store.Options()
	token := utils.NewToken()
	var fetched *FetchedJob

	err := q.store.Transaction(ctx, func(tx *gorm.DB) error {
		now, err := store.Now(tx)
		if err != nil {
			return err
		}
		cutoff := now.Add(-opts.InvisibilityTimeout)

		q.log.Debug().Time("cutoff", cutoff).Msg("looking for rows where fetched_at is null or older than cutoff")

		var entry models.JobQueue
		err = tx.Where("queue IN ? AND (fetched_at IS NULL OR fetched_at < ?)", queues, cutoff).
			Take(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		res := tx.Model(&models.JobQueue{}).
			Where("id = ? AND (fetched_at IS NULL OR fetched_at < ?)", entry.ID, cutoff).
			Updates(map[string]interface{}{
				"fetched_at":  now,
				"fetch_token": token,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return nil
		}

		fetched = &FetchedJob{
			ID:        entry.ID,
			JobID:     entry.JobID,
			Queue:     entry.Queue,
			Token:     token,
			FetchedAt: now,
			queue:     q,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if fetched != nil {
		q.log.Debug().Int64("job_id", fetched.JobID).Str("queue", fetched.Queue).Msg("dequeued job")
	}
	return fetched, nil
}

// Enqueue inserts a queue row for jobID through session, which may be a
// transaction. A jobID that is not a positive integer is silently ignored;
// callers relying on this leniency should validate ids themselves.
func (q *JobQueue) Enqueue(session *gorm.DB, queue, jobID string) error {
	id, ok := parseJobID(jobID)
	if !ok {
		q.log.Debug().Str("job_id", jobID).Str("queue", queue).Msg("ignoring enqueue of malformed job id")
		return nil
	}

	if err := session.Create(&models.JobQueue{JobID: id, Queue: queue}).Error; err != nil {
		return fmt.Errorf("enqueue job %d to %q: %w", id, queue, err)
	}

	metrics.Enqueued.WithLabelValues(queue).Inc()
	q.log.Debug().Int64("job_id", id).Str("queue", queue).Msg("enqueued job")
	return nil
}

func parseJobID(s string) (int64, bool) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
