// Package metrics exposes the Prometheus instrumentation shared by the
// Task Manager, Blob Store, Result Cache, and Session Layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksSubmitted counts admissions by outcome (cache_hit, queued,
	// immediate, rejected).
	TasksSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmanager_tasks_submitted_total",
			Help: "Tasks submitted, labeled by admission outcome",
		},
		[]string{"outcome"},
	)

	// TasksCompleted counts terminal transitions by final status.
	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmanager_tasks_completed_total",
			Help: "Tasks reaching a terminal state",
		},
		[]string{"status"},
	)

	// TaskRetries counts transient-fault re-enqueues.
	TaskRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskmanager_task_retries_total",
			Help: "Tasks re-enqueued after a transient engine fault",
		},
	)

	// QueueDepth tracks current pending+processing task counts.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskmanager_queue_depth",
			Help: "Current task count by scheduling state",
		},
		[]string{"state"},
	)

	// TaskProcessingSeconds observes worker dispatch-to-terminal latency.
	TaskProcessingSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskmanager_task_processing_seconds",
			Help:    "Time from dispatch to terminal transition",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
	)

	// EngineInvocations counts Transcribe calls by outcome.
	EngineInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_invocations_total",
			Help: "Engine Adapter Transcribe calls by outcome",
		},
		[]string{"outcome"},
	)

	// EngineBreakerState tracks the Engine Adapter's gobreaker state (0
	// closed, 1 half-open, 2 open).
	EngineBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_breaker_state",
			Help: "Engine circuit breaker state: 0=closed 1=half-open 2=open",
		},
	)

	// ResultCacheHits / ResultCacheMisses track Get and
	// GetOrDeriveFormat lookups.
	ResultCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resultcache_hits_total",
			Help: "Result cache lookups satisfied from raw or derived storage",
		},
		[]string{"kind"}, // "raw" | "derived"
	)
	ResultCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "resultcache_misses_total",
			Help: "Result cache lookups with no entry for the hash",
		},
	)
	ResultCacheDerivations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "resultcache_derivations_total",
			Help: "derive_fn invocations behind GetOrDeriveFormat's singleflight gate",
		},
	)
	ResultCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "resultcache_evictions_total",
			Help: "Entries removed by the TTL sweeper or explicit Evict",
		},
	)

	// BlobActiveCount counts blobs currently held with refcount > 0,
	// reported in aggregate, not per-hash, to keep cardinality bounded.
	BlobActiveCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blobstore_active_blobs",
			Help: "Blobs currently held with refcount > 0",
		},
	)
	BlobBytesStored = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blobstore_bytes_stored",
			Help: "Total bytes of on-disk artifacts currently retained",
		},
	)
	BlobDeletions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "blobstore_deletions_total",
			Help: "Artifacts deleted after refcount reached zero",
		},
	)

	// Session layer.
	SessionsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "session_connected",
			Help: "Currently connected WebSocket sessions",
		},
	)
	SessionMessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_messages_dropped_total",
			Help: "Non-terminal outbound events dropped due to backpressure",
		},
		[]string{"type"},
	)
	SessionClosedOnBackpressure = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "session_closed_on_backpressure_total",
			Help: "Sessions closed because a terminal event could not be delivered",
		},
	)
	SessionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_connections_rejected_total",
			Help: "WebSocket upgrades rejected by the admission limiter",
		},
		[]string{"reason"}, // "global" | "per_ip"
	)
	SessionsIdleClosed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "session_idle_closed_total",
			Help: "Sessions closed by the idle-connection sweep",
		},
	)
)
