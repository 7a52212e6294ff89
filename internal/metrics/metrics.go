package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stage counters and histograms, partitioned by chain + pipeline.

var (
	// Event source
	SourceBlocksScanned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventpipe",
		Subsystem: "source",
		Name:      "blocks_scanned_total",
		Help:      "Total blocks covered by log queries",
	}, []string{"chain", "pipeline"})

	SourceEventsDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventpipe",
		Subsystem: "source",
		Name:      "events_decoded_total",
		Help:      "Total contract events decoded from logs",
	}, []string{"chain", "pipeline"})

	SourceLogsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventpipe",
		Subsystem: "source",
		Name:      "logs_skipped_total",
		Help:      "Total logs skipped (unknown topic or decode failure)",
	}, []string{"chain", "pipeline"})

	SourceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventpipe",
		Subsystem: "source",
		Name:      "errors_total",
		Help:      "Total source errors (after retry exhaustion)",
	}, []string{"chain", "pipeline"})

	SourcePollLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "eventpipe",
		Subsystem: "source",
		Name:      "poll_duration_seconds",
		Help:      "Source poll cycle duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"chain", "pipeline"})

	SourceCursorBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "eventpipe",
		Subsystem: "source",
		Name:      "cursor_block",
		Help:      "Latest committed cursor block per pipeline",
	}, []string{"chain", "pipeline"})

	// Pipeline execution
	PipelineEventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventpipe",
		Subsystem: "pipeline",
		Name:      "events_processed_total",
		Help:      "Total events run through the stage chain",
	}, []string{"chain", "pipeline"})

	PipelineEventsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventpipe",
		Subsystem: "pipeline",
		Name:      "events_failed_total",
		Help:      "Total events whose stage chain returned an error",
	}, []string{"chain", "pipeline"})

	PipelineStageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "eventpipe",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Per-stage execution duration",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"chain", "pipeline", "stage"})

	// Contract call stage
	ContractCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventpipe",
		Subsystem: "contract_call",
		Name:      "calls_total",
		Help:      "Total contract method invocations",
	}, []string{"chain", "pipeline", "method"})

	ContractCallErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventpipe",
		Subsystem: "contract_call",
		Name:      "errors_total",
		Help:      "Total failed contract method invocations",
	}, []string{"chain", "pipeline", "method"})

	ContractCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "eventpipe",
		Subsystem: "contract_call",
		Name:      "call_duration_seconds",
		Help:      "Contract call round trip duration",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"chain", "pipeline", "method"})

	// Publish stage
	PublishMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventpipe",
		Subsystem: "publish",
		Name:      "messages_total",
		Help:      "Total messages handed to the broker",
	}, []string{"chain", "pipeline", "topic"})

	PublishFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventpipe",
		Subsystem: "publish",
		Name:      "failures_total",
		Help:      "Total broker delivery failures",
	}, []string{"chain", "pipeline", "topic"})

	PublishLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "eventpipe",
		Subsystem: "publish",
		Name:      "delivery_duration_seconds",
		Help:      "Broker delivery confirmation duration",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"chain", "pipeline", "topic"})

	// Task lifecycle
	TasksStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventpipe",
		Subsystem: "task",
		Name:      "started_total",
		Help:      "Total supervised task runs started",
	}, []string{"pipeline"})

	TasksFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventpipe",
		Subsystem: "task",
		Name:      "finished_total",
		Help:      "Total supervised task runs finished, by terminal status",
	}, []string{"pipeline", "status"})

	TasksTimedOutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "eventpipe",
		Subsystem: "task",
		Name:      "timed_out_total",
		Help:      "Total tasks failed by the timeout sweep",
	})

	TasksOrphansRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "eventpipe",
		Subsystem: "task",
		Name:      "orphans_recovered_total",
		Help:      "Total orphaned running tasks failed at startup",
	})

	HeartbeatWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventpipe",
		Subsystem: "task",
		Name:      "heartbeat_writes_total",
		Help:      "Total heartbeat timestamps written",
	}, []string{"pipeline"})

	// RPC rate limiter
	RPCRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventpipe",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "Total times RPC calls waited for rate limiter",
	}, []string{"chain"})

	// Database pool
	DBPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "eventpipe",
		Subsystem: "postgres",
		Name:      "db_pool_open",
		Help:      "Current number of open PostgreSQL connections in the pool",
	})

	DBPoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "eventpipe",
		Subsystem: "postgres",
		Name:      "db_pool_in_use",
		Help:      "Current number of in-use PostgreSQL connections in the pool",
	})

	DBPoolIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "eventpipe",
		Subsystem: "postgres",
		Name:      "db_pool_idle",
		Help:      "Current number of idle PostgreSQL connections in the pool",
	})

	// Checkpoint cache
	CheckpointCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventpipe",
		Subsystem: "cache",
		Name:      "checkpoint_hits_total",
		Help:      "Total cursor checkpoint cache hits",
	}, []string{"pipeline"})

	CheckpointCacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventpipe",
		Subsystem: "cache",
		Name:      "checkpoint_misses_total",
		Help:      "Total cursor checkpoint cache misses",
	}, []string{"pipeline"})
)
