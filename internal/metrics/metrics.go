// Package metrics holds the Prometheus collectors for the storage
// components. Collectors register on the default registry and are served by
// the monitoring API at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "jobstore"

var (
	LockAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lock_acquisitions_total",
		Help:      "Distributed lock acquisition attempts by resource and result (acquired, busy, takeover).",
	}, []string{"resource", "result"})

	Claims = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_claims_total",
		Help:      "Queue rows claimed, by queue.",
	}, []string{"queue"})

	ClaimAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_claim_attempts_total",
		Help:      "Claim loop iterations by outcome (claimed, empty, lock_busy, error).",
	}, []string{"outcome"})

	ClaimDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "queue_claim_duration_seconds",
		Help:      "Time from the start of Claim until it returns a job.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	Enqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_enqueued_total",
		Help:      "Queue rows inserted, by queue.",
	}, []string{"queue"})

	AggregationPasses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "counter_aggregation_passes_total",
		Help:      "Counter aggregation passes committed.",
	})

	AggregatedRows = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "counter_aggregated_rows_total",
		Help:      "Counter rows folded into aggregated counters.",
	})

	ExpiredRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "expired_rows_total",
		Help:      "Rows removed by the expiration manager, by table.",
	}, []string{"table"})

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_jobs_processed_total",
		Help:      "Jobs processed by the worker pool, by result (succeeded, failed).",
	}, []string{"result"})
)
