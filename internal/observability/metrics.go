package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the clearing engine.
type Metrics struct {
	// --- Core processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreStateHashDur   prometheus.Histogram
	CoreSequence       prometheus.Gauge

	// --- Channel & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Oracle ---
	OracleUpdates      *prometheus.CounterVec
	OracleStaleDropped *prometheus.CounterVec

	// --- Funding ---
	FundingTicks       *prometheus.CounterVec
	FundingRate        *prometheus.GaugeVec
	FundingRateCapped  *prometheus.CounterVec
	FundingCappedPnl   *prometheus.CounterVec
	FundingTickSkipped *prometheus.CounterVec

	// --- Settlement & pools ---
	SettlementsTotal   *prometheus.CounterVec
	SettledToTraders   *prometheus.CounterVec
	SettledFromTraders *prometheus.CounterVec
	PnlPoolBalance     *prometheus.GaugeVec
	FeePoolBalance     *prometheus.GaugeVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot & replay ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		CoreEventsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_core_events_applied_total",
			Help: "Events applied by the deterministic core",
		}, []string{"event_type"}),

		CoreEventsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_core_events_rejected_total",
			Help: "Events rejected by the deterministic core",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clearing_core_event_duration_seconds",
			Help:    "Per-event processing latency",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_core_journals_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreStateHashDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "clearing_core_state_hash_duration_seconds",
			Help:    "State hash computation latency",
			Buckets: latencyBuckets,
		}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clearing_core_sequence",
			Help: "Current global event sequence",
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clearing_channel_size",
			Help: "Current channel occupancy",
		}, []string{"channel"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clearing_channel_capacity",
			Help: "Channel capacity",
		}, []string{"channel"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clearing_channel_utilization",
			Help: "Channel occupancy ratio",
		}, []string{"channel"}),

		ProjectionDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_projection_drops_total",
			Help: "Outputs dropped on full projection channel",
		}, []string{"projection"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_publish_drops_total",
			Help: "Outbound publishes dropped",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_persist_backpressure_total",
			Help: "Blocking sends that stalled on the persistence channel",
		}),

		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_idempotency_duplicates_total",
			Help: "Duplicate events detected",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clearing_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		EventSequenceGap: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_event_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		EventOutOfOrder: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_event_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition"}),

		OracleUpdates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_oracle_updates_total",
			Help: "Oracle snapshots accepted",
		}, []string{"market_id"}),

		OracleStaleDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_oracle_stale_dropped_total",
			Help: "Oracle snapshots dropped for stale slots",
		}, []string{"market_id"}),

		FundingTicks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_funding_ticks_total",
			Help: "Funding periods applied",
		}, []string{"market_id"}),

		FundingRate: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clearing_funding_rate",
			Help: "Last per-period funding rate, rate scale",
		}, []string{"market_id", "side"}),

		FundingRateCapped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_funding_rate_capped_total",
			Help: "Funding periods where the owed side's rate was reduced",
		}, []string{"market_id"}),

		FundingCappedPnl: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_funding_capped_pnl_total",
			Help: "Absolute house funding PnL booked, quote scale",
		}, []string{"market_id", "direction"}),

		FundingTickSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_funding_tick_skipped_total",
			Help: "Funding ticks rejected before the period elapsed",
		}, []string{"market_id"}),

		SettlementsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_settlements_total",
			Help: "PnL settlements processed",
		}, []string{"market_id", "outcome"}),

		SettledToTraders: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_settled_to_traders_total",
			Help: "Profit paid out of the PnL pool, quote scale",
		}, []string{"market_id"}),

		SettledFromTraders: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_settled_from_traders_total",
			Help: "Losses collected into the PnL pool, quote scale",
		}, []string{"market_id"}),

		PnlPoolBalance: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clearing_pnl_pool_balance",
			Help: "Current PnL pool balance, quote scale",
		}, []string{"market_id"}),

		FeePoolBalance: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clearing_fee_pool_balance",
			Help: "Current fee pool balance, quote scale",
		}, []string{"market_id"}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "clearing_persist_batch_size",
			Help:    "Events per write batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clearing_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "clearing_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clearing_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clearing_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ReplayDuration: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clearing_replay_duration_seconds",
			Help: "Total replay time",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clearing_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
