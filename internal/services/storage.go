package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/huangang/jobstore/internal/counters"
	"github.com/huangang/jobstore/internal/expiration"
	"github.com/huangang/jobstore/internal/lock"
	"github.com/huangang/jobstore/internal/models"
	"github.com/huangang/jobstore/internal/queue"
	"github.com/huangang/jobstore/internal/store"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// DefaultJobExpiration is how long a finished job is kept before the
// expiration manager removes it.
const DefaultJobExpiration = 24 * time.Hour

var ErrJobNotFound = errors.New("job not found")

// JobStorage owns every storage component sharing one database.
type JobStorage struct {
	Store      *store.Store
	Locks      *lock.Manager
	Queue      *queue.JobQueue
	Monitor    *queue.Monitor
	Aggregator *counters.Aggregator
	Expiration *expiration.Manager

	JobExpiration time.Duration

	log zerolog.Logger
}

// NewJobStorage wires the components and checks the dual table. A failed
// check means the schema is unusable and the error must be treated as fatal.
func NewJobStorage(ctx context.Context, db *gorm.DB, opts store.Options, log zerolog.Logger) (*JobStorage, error) {
	s := store.New(db, opts, log)
	locks := lock.NewManager(s, log)

	js := &JobStorage{
		Store:         s,
		Locks:         locks,
		Queue:         queue.New(s, locks, log),
		Monitor:       queue.NewMonitor(s),
		Aggregator:    counters.New(s, log),
		Expiration:    expiration.New(s, locks, log),
		JobExpiration: DefaultJobExpiration,
		log:           log.With().Str("component", "job_storage").Logger(),
	}

	if err := s.EnsureDualHasOneRow(ctx); err != nil {
		return nil, err
	}
	return js, nil
}

// CreateJob stores a job and puts it on queueName in one transaction.
func (js *JobStorage) CreateJob(ctx context.Context, jobType, arguments, queueName string) (int64, error) {
	if jobType == "" {
		return 0, fmt.Errorf("%w: job type is required", queue.ErrInvalidArgument)
	}
	if queueName == "" {
		return 0, fmt.Errorf("%w: queue name is required", queue.ErrInvalidArgument)
	}

	var id int64
	err := js.Store.Transaction(ctx, func(tx *gorm.DB) error {
		now, err := store.Now(tx)
		if err != nil {
			return err
		}
		job := models.Job{
			Type:      jobType,
			Arguments: arguments,
			StateName: models.JobStateEnqueued,
			CreatedAt: now,
		}
		if err := tx.Create(&job).Error; err != nil {
			return err
		}
		id = job.ID
		return js.Queue.Enqueue(tx, queueName, strconv.FormatInt(job.ID, 10))
	})
	if err != nil {
		return 0, fmt.Errorf("create job: %w", err)
	}

	js.log.Debug().Int64("job_id", id).Str("type", jobType).Str("queue", queueName).Msg("job created")
	return id, nil
}

// Job loads a job by id.
func (js *JobStorage) Job(ctx context.Context, id int64) (*models.Job, error) {
	var job models.Job
	err := js.Store.Session(ctx).First(&job, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// SetJobState records the job's state. Finished jobs get an expiry so the
// expiration manager eventually removes them.
func (js *JobStorage) SetJobState(ctx context.Context, id int64, state string) error {
	return js.Store.Transaction(ctx, func(tx *gorm.DB) error {
		updates := map[string]interface{}{"state_name": state}

		switch state {
		case models.JobStateSucceeded, models.JobStateFailed:
			now, err := store.Now(tx)
			if err != nil {
				return err
			}
			updates["expire_at"] = now.Add(js.JobExpiration)
		default:
			updates["expire_at"] = nil
		}

		return tx.Model(&models.Job{}).Where("id = ?", id).Updates(updates).Error
	})
}

// ResetAll deletes every row the storage owns.
func (js *JobStorage) ResetAll(ctx context.Context) error {
	js.log.Warn().Msg("deleting all storage data")
	return js.Store.ResetAll(ctx)
}

func (js *JobStorage) WriteOptionsToLog() {
	js.Store.WriteOptionsToLog()
}
