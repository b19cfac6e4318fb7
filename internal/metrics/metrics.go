// Package metrics registers the job manager's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ojs"

// Processing outcomes.
const (
	OutcomeAck      = "ack"
	OutcomeNack     = "nack"
	OutcomeDropped  = "dropped"
	OutcomeDeferred = "deferred"
	OutcomePromoted = "promoted"
)

// Enqueue kinds.
const (
	KindImmediate = "immediate"
	KindDelayed   = "delayed"
	KindPromoted  = "promoted"
)

var (
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "enqueued_total",
		Help:      "Jobs published, by job name and kind.",
	}, []string{"job", "kind"})

	PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "publish_failures_total",
		Help:      "Publish attempts that failed at the transport.",
	}, []string{"job"})

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "processed_total",
		Help:      "Delivered messages by job name and outcome.",
	}, []string{"job", "outcome"})

	ExecutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "execution_duration_seconds",
		Help:      "Executor run time.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"job"})

	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "active_subscriptions",
		Help:      "Subscriber clients currently consuming.",
	})

	ScheduledRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "runs_total",
		Help:      "Periodic enqueue runs by schedule name and result.",
	}, []string{"schedule", "result"})
)
