// Package metrics holds the process-wide Prometheus collectors of the sync
// core. They register with the default registry on import.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncCycles counts finished sync cycles by status and trigger.
	SyncCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_sync_cycles_total",
		Help: "Finished sync cycles by status and trigger",
	}, []string{"status", "trigger"})

	// SyncCycleDuration tracks wall time per cycle.
	SyncCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "offline_sync_cycle_duration_seconds",
		Help:    "Sync cycle duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	})

	// SyncOperations counts per-operation outcomes.
	SyncOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_sync_operations_total",
		Help: "Queued operations processed by outcome",
	}, []string{"outcome"})

	// SyncBatchSize tracks operations per transmitted batch.
	SyncBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "offline_sync_batch_size",
		Help:    "Operations per transmitted batch",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
	})

	SyncConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_sync_conflicts_total",
		Help: "Detected conflicts by strategy and winner",
	}, []string{"strategy", "winner"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "offline_sync_queue_depth",
		Help: "Pending operations after the last cycle",
	})

	// SyncSkipped counts triggers that did not start a cycle, by reason.
	SyncSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_sync_skipped_total",
		Help: "Sync triggers that did not start a cycle, by reason",
	}, []string{"reason"})

	NetworkQuality = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "offline_network_quality",
		Help: "Current network quality (0 poor .. 3 excellent)",
	})
)

// AuthorityOperations counts operations applied by the reference authority.
var AuthorityOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "offline_authority_operations_total",
	Help: "Operations handled by the reference authority, by table and outcome",
}, []string{"table", "outcome"})
