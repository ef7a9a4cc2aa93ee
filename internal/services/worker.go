package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/huangang/jobstore/internal/config"
	"github.com/huangang/jobstore/internal/counters"
	"github.com/huangang/jobstore/internal/metrics"
	"github.com/huangang/jobstore/internal/models"
	"github.com/huangang/jobstore/internal/queue"
	"github.com/huangang/jobstore/internal/utils"
	"github.com/rs/zerolog"
)

const (
	StatsSucceeded = "stats:succeeded"
	StatsFailed    = "stats:failed"
)

// Worker runs a pool of claim loops over the configured queues.
type Worker struct {
	storage     *JobStorage
	queues      []string
	concurrency int
	log         zerolog.Logger

	handlers map[string]HandlerFunc

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorker returns nil when the worker is disabled.
func NewWorker(storage *JobStorage, cfg *config.WorkerConfig, log zerolog.Logger) *Worker {
	if !cfg.Enabled {
		return nil
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	queues := cfg.Queues
	if len(queues) == 0 {
		queues = []string{DefaultQueue}
	}

	return &Worker{
		storage:     storage,
		queues:      queues,
		concurrency: concurrency,
		log:         log.With().Str("component", "worker").Logger(),
		handlers:    make(map[string]HandlerFunc),
	}
}

// Handle registers the handler for a job type. Register before Start.
func (w *Worker) Handle(taskType string, h HandlerFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[taskType] = h
}

// Start launches the claim loops.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.running = true

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go func(id int) {
			defer w.wg.Done()
			w.loop(ctx, id)
		}(i)
	}

	w.log.Info().Int("concurrency", w.concurrency).Strs("queues", w.queues).Msg("worker started")
	return nil
}

// Stop cancels the claim loops and waits for in-flight jobs to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.log.Info().Msg("shutting down worker")
	w.cancel()
	w.running = false
	w.mu.Unlock()

	w.wg.Wait()
	w.log.Info().Msg("worker shutdown complete")
}

func (w *Worker) loop(ctx context.Context, id int) {
	log := w.log.With().Int("worker_id", id).Logger()
	poll := w.storage.Store.Options().QueuePollInterval

	for ctx.Err() == nil {
		fetched, err := w.storage.Queue.Claim(ctx, w.queues)
		if err != nil {
			log.Error().Err(err).Msg("claim failed")
			utils.Sleep(ctx, poll)
			continue
		}
		if fetched == nil {
			return
		}
		if !w.process(ctx, log, fetched) {
			utils.Sleep(ctx, poll)
		}
	}
}

// errNoHandler means no handler is registered for the job type.
var errNoHandler = errors.New("no handler registered")

// process runs one claimed job and reports whether it succeeded.
//
// A finished job leaves the queue whatever the outcome: succeeded and failed
// are final states, and the expiration manager removes the job later. A job
// whose type this worker cannot handle keeps its claim, so it becomes visible
// again only after the invisibility timeout.
func (w *Worker) process(ctx context.Context, log zerolog.Logger, fetched *queue.FetchedJob) bool {
	// Bookkeeping must finish even when shutdown cancels ctx.
	bg := context.WithoutCancel(ctx)
	keepClaim := false
	defer func() {
		if keepClaim {
			return
		}
		if err := fetched.Close(bg); err != nil {
			log.Warn().Err(err).Int64("job_id", fetched.JobID).Msg("requeue failed")
		}
	}()

	job, err := w.storage.Job(bg, fetched.JobID)
	if errors.Is(err, ErrJobNotFound) {
		log.Warn().Int64("job_id", fetched.JobID).Msg("queue entry references a missing job, removing")
		if err := fetched.RemoveFromQueue(bg); err != nil {
			log.Error().Err(err).Msg("remove orphaned queue entry failed")
		}
		return true
	}
	if err != nil {
		log.Error().Err(err).Int64("job_id", fetched.JobID).Msg("load job failed")
		return false
	}

	h, err := w.handler(job.Type)
	if err != nil {
		log.Warn().Err(err).Int64("job_id", job.ID).Str("type", job.Type).
			Msg("leaving job claimed until the invisibility timeout")
		keepClaim = true
		return false
	}

	if err := w.storage.SetJobState(bg, job.ID, models.JobStateProcessing); err != nil {
		log.Error().Err(err).Int64("job_id", job.ID).Msg("mark job processing failed")
		return false
	}

	task := &Task{JobID: job.ID, Type: job.Type, Queue: fetched.Queue, Payload: []byte(job.Arguments)}
	log.Info().Int64("job_id", job.ID).Str("type", job.Type).Str("queue", fetched.Queue).Msg("processing job")

	if err := run(ctx, h, task); err != nil {
		log.Warn().Err(err).Int64("job_id", job.ID).Msg("job failed")
		w.finish(bg, log, job.ID, models.JobStateFailed, StatsFailed)
		if err := fetched.RemoveFromQueue(bg); err != nil {
			log.Error().Err(err).Int64("job_id", job.ID).Msg("remove failed job from queue failed")
		}
		return false
	}

	w.finish(bg, log, job.ID, models.JobStateSucceeded, StatsSucceeded)
	if err := fetched.RemoveFromQueue(bg); err != nil {
		log.Error().Err(err).Int64("job_id", job.ID).Msg("acknowledge failed")
	}
	return true
}

func (w *Worker) handler(taskType string) (HandlerFunc, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	h, ok := w.handlers[taskType]
	if !ok {
		return nil, fmt.Errorf("%w for %q", errNoHandler, taskType)
	}
	return h, nil
}

func run(ctx context.Context, h HandlerFunc, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, task)
}

func (w *Worker) finish(ctx context.Context, log zerolog.Logger, jobID int64, state, counter string) {
	if err := w.storage.SetJobState(ctx, jobID, state); err != nil {
		log.Error().Err(err).Int64("job_id", jobID).Str("state", state).Msg("update job state failed")
	}
	if err := counters.Increment(w.storage.Store.Session(ctx), counter, 1, 0); err != nil {
		log.Error().Err(err).Str("key", counter).Msg("increment counter failed")
	}
	metrics.JobsProcessed.WithLabelValues(state).Inc()
}
