package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the vault engine.
type Metrics struct {
	// --- Engine ---
	EngineCalls   *prometheus.CounterVec
	EngineLatency *prometheus.HistogramVec
	PendingDepth  prometheus.Gauge
	Multiplier    prometheus.Gauge

	LiquidatedTicksTotal prometheus.Counter
	RebasesTotal         prometheus.Counter

	// --- Channels & backpressure ---
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Ingestion ---
	IngestMessages  *prometheus.CounterVec
	NATSPullLatency prometheus.Histogram

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistLastSequence  prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken    prometheus.Counter
	SnapshotDuration prometheus.Histogram
	SnapshotLastSeq  prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		EngineCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_engine_calls_total",
			Help: "Engine entry point invocations by operation and outcome",
		}, []string{"op", "outcome"}),

		EngineLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_engine_call_duration_seconds",
			Help:    "Time to process a single entry point call",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		PendingDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_pending_actions",
			Help: "Live pending actions in the queue",
		}),

		Multiplier: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_liquidation_multiplier",
			Help: "Current liquidation multiplier (9 decimals)",
		}),

		LiquidatedTicksTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_liquidated_ticks_total",
			Help: "Ticks removed by liquidation sweeps",
		}),

		RebasesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_rebases_total",
			Help: "Supply rebases executed",
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_publish_drops_total",
			Help: "Events dropped on the lossy publish channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		IngestMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_ingest_messages_total",
			Help: "NATS messages received by subject class and outcome",
		}, []string{"subject", "outcome"}),

		NATSPullLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_nats_pull_latency_seconds",
			Help:    "NATS pull request latency",
			Buckets: latencyBuckets,
		}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_events_written_total",
			Help: "Event envelopes committed to Postgres",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_batch_duration_seconds",
			Help:    "Time to commit one write batch",
			Buckets: latencyBuckets,
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_persist_errors_total",
			Help: "Persistence failures by stage",
		}, []string{"stage"}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_persist_last_sequence",
			Help: "Highest sequence durably committed",
		}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_snapshots_taken_total",
			Help: "State snapshots written",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_snapshot_duration_seconds",
			Help:    "Time to serialize and store a snapshot",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_snapshot_last_sequence",
			Help: "Sequence covered by the latest snapshot",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_query_requests_total",
			Help: "HTTP API requests by endpoint and status",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_query_duration_seconds",
			Help:    "HTTP API request duration",
			Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01, 0.05},
		}, []string{"endpoint"}),
	}
}
