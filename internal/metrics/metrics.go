// Package metrics exposes prometheus collectors for sync runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rpattn/sheetsync/internal/domain"
)

const namespace = "sheetsync"

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of sync runs by final status",
		},
		[]string{"scope", "trigger", "status"},
	)

	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of sync runs in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		},
		[]string{"scope"},
	)

	recordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records processed by outcome",
		},
		[]string{"scope", "outcome"},
	)

	droppedTriggersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_triggers_total",
			Help:      "Triggers dropped because a run for the scope was in progress",
		},
		[]string{"scope"},
	)

	quotaRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "quota_retries_total",
			Help:      "Source reads retried after a quota rejection",
		},
		[]string{"scope"},
	)

	failedBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "failed_batches_total",
			Help:      "Source batches given up after exhausting retries",
		},
		[]string{"scope"},
	)

	runInProgress = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_in_progress",
			Help:      "Whether a sync run is active for the scope (0 or 1)",
		},
		[]string{"scope"},
	)

	lastRunTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Completion time of the most recent run",
		},
		[]string{"scope", "status"},
	)
)

// RecordRun publishes the outcome of a finalized run.
func RecordRun(run domain.SyncRunLog) {
	runsTotal.WithLabelValues(run.Scope, string(run.Trigger), string(run.Status)).Inc()
	runDuration.WithLabelValues(run.Scope).Observe(run.Duration().Seconds())
	lastRunTimestamp.WithLabelValues(run.Scope, string(run.Status)).Set(float64(run.CompletedAt.Unix()))

	outcomes := map[string]int{
		"added":         run.Counts.Added,
		"updated":       run.Counts.Updated,
		"unchanged":     run.Counts.Unchanged,
		"failed":        run.Counts.Failed,
		"deleted":       run.Counts.Deleted,
		"manual_review": run.Counts.ManualReview,
		"blocked":       run.Counts.Blocked,
		"conflict":      run.Counts.Conflicts,
	}
	for outcome, count := range outcomes {
		if count > 0 {
			recordsTotal.WithLabelValues(run.Scope, outcome).Add(float64(count))
		}
	}
}

// RecordFetch publishes source read statistics.
func RecordFetch(scope string, retries, failedBatches int) {
	if retries > 0 {
		quotaRetriesTotal.WithLabelValues(scope).Add(float64(retries))
	}
	if failedBatches > 0 {
		failedBatchesTotal.WithLabelValues(scope).Add(float64(failedBatches))
	}
}

// RecordDroppedTrigger counts a trigger rejected by the one-run-per-scope rule.
func RecordDroppedTrigger(scope string) {
	droppedTriggersTotal.WithLabelValues(scope).Inc()
}

// SetRunning flips the in-progress gauge for scope.
func SetRunning(scope string, running bool) {
	value := 0.0
	if running {
		value = 1
	}
	runInProgress.WithLabelValues(scope).Set(value)
}
