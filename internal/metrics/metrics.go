package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
)

var (
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "itemq_jobs_processed_total",
		Help: "Jobs executed by a worker, by type and outcome",
	}, []string{"type", "outcome"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "itemq_job_duration_seconds",
		Help:    "Handler execution time",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"type"})

	AcquireErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "itemq_acquire_errors_total",
		Help: "Failed attempts to lease a job from the store",
	})

	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "itemq_store_errors_total",
		Help: "Failed job state writes, by operation",
	}, []string{"op"})

	Wakeups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "itemq_wakeups_total",
		Help: "Wakeup hints published or moved, by kind",
	}, []string{"kind"})
)
