package handlers

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/huangang/jobstore/internal/counters"
	"github.com/huangang/jobstore/internal/queue"
	"github.com/huangang/jobstore/pkg/response"
)

const (
	defaultPerPage = 20
	maxPerPage     = 500
)

// QueueHandler serves the read-only queue and counter views.
type QueueHandler struct {
	monitor    *queue.Monitor
	aggregator *counters.Aggregator
}

func NewQueueHandler(monitor *queue.Monitor, aggregator *counters.Aggregator) *QueueHandler {
	return &QueueHandler{monitor: monitor, aggregator: aggregator}
}

// List returns every queue holding rows with its enqueued/fetched counts.
func (h *QueueHandler) List(c *gin.Context) {
	ctx := c.Request.Context()

	names, err := h.monitor.Queues(ctx)
	if err != nil {
		response.Error(c, response.NewServerError("failed to list queues", err))
		return
	}

	stats := make([]queue.QueueStats, 0, len(names))
	for _, name := range names {
		s, err := h.monitor.EnqueuedAndFetchedCount(ctx, name)
		if err != nil {
			response.Error(c, response.NewServerError("failed to count queue", err))
			return
		}
		stats = append(stats, s)
	}
	response.Success(c, stats)
}

// Get returns the counts of one queue. Unknown queues report zeros.
func (h *QueueHandler) Get(c *gin.Context) {
	stats, err := h.monitor.EnqueuedAndFetchedCount(c.Request.Context(), c.Param("queue"))
	if err != nil {
		response.Error(c, response.NewServerError("failed to count queue", err))
		return
	}
	response.Success(c, stats)
}

// Enqueued pages through job ids waiting in the queue.
func (h *QueueHandler) Enqueued(c *gin.Context) {
	h.jobIDs(c, h.monitor.EnqueuedJobIDs, func(s queue.QueueStats) int64 { return s.Enqueued })
}

// Fetched pages through job ids currently claimed from the queue.
func (h *QueueHandler) Fetched(c *gin.Context) {
	h.jobIDs(c, h.monitor.FetchedJobIDs, func(s queue.QueueStats) int64 { return s.Fetched })
}

type idLister func(ctx context.Context, queue string, from, perPage int) ([]int64, error)

func (h *QueueHandler) jobIDs(c *gin.Context, list idLister, total func(queue.QueueStats) int64) {
	from, perPage, appErr := parsePage(c)
	if appErr != nil {
		response.Error(c, appErr)
		return
	}

	ctx := c.Request.Context()
	name := c.Param("queue")

	ids, err := list(ctx, name, from, perPage)
	if err != nil {
		response.Error(c, response.NewServerError("failed to list job ids", err))
		return
	}
	stats, err := h.monitor.EnqueuedAndFetchedCount(ctx, name)
	if err != nil {
		response.Error(c, response.NewServerError("failed to count queue", err))
		return
	}
	response.Paged(c, ids, from, perPage, total(stats))
}

// Counter returns the current value of a counter key, folded or not.
func (h *QueueHandler) Counter(c *gin.Context) {
	key := c.Param("key")
	value, err := h.aggregator.Value(c.Request.Context(), key)
	if err != nil {
		response.Error(c, response.NewServerError("failed to read counter", err))
		return
	}
	response.Success(c, gin.H{"key": key, "value": value})
}

func parsePage(c *gin.Context) (from, perPage int, appErr *response.AppError) {
	from, perPage = 0, defaultPerPage

	if v := c.Query("from"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, response.NewBadRequest("from must be a non-negative integer")
		}
		from = n
	}
	if v := c.Query("per_page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxPerPage {
			return 0, 0, response.NewBadRequest("per_page must be between 1 and " + strconv.Itoa(maxPerPage))
		}
		perPage = n
	}
	return from, perPage, nil
}
