package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for DelegateLedger.
type Metrics struct {
	// --- Chain subscription ---
	NotificationsReceived  prometheus.Counter
	NotificationsInvalid   prometheus.Counter
	SubscriptionReconnects prometheus.Counter

	// --- Reconciliation ---
	ReconcileRuns     *prometheus.CounterVec // outcome: confirmed|failed|duplicate
	ReconcileFailures *prometheus.CounterVec // stage the run failed in
	ReconcileDuration prometheus.Histogram
	BalancesPersisted prometheus.Counter
	ResultDrops       prometheus.Counter

	// --- Balance resolution ---
	ResolveDuration prometheus.Histogram
	ResolveNotFound prometheus.Counter
	ResolveErrors   prometheus.Counter

	// --- Normalization ---
	NormalizeDuration prometheus.Histogram
	NormalizeRecords  prometheus.Gauge
	SharesUpdated     prometheus.Counter
	ShareWriteErrors  prometheus.Counter

	// --- Storage ---
	StoreErrors       *prometheus.CounterVec // op: upsert|read_all|read_one|bulk_shares
	StorageReconnects prometheus.Counter

	// --- Outbound publishing ---
	PublishErrors prometheus.Counter

	// --- Resync ---
	ResyncRuns     *prometheus.CounterVec // outcome: ok|failed
	ResyncDuration prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	// Reconciliations make at least three round-trips (subgraph, upsert,
	// bulk update), so buckets run well into the seconds.
	reconcileBuckets := []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	callBuckets := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

	return &Metrics{
		NotificationsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dlgr_notifications_received_total",
			Help: "Delegation-change notifications decoded from the subscription",
		}),

		NotificationsInvalid: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dlgr_notifications_invalid_total",
			Help: "Logs that could not be decoded into a notification",
		}),

		SubscriptionReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dlgr_subscription_reconnects_total",
			Help: "Times the chain subscription was re-established",
		}),

		ReconcileRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dlgr_reconcile_runs_total",
			Help: "Reconciliation runs by terminal outcome",
		}, []string{"outcome"}),

		ReconcileFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dlgr_reconcile_failures_total",
			Help: "Failed reconciliation runs by stage",
		}, []string{"stage"}),

		ReconcileDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dlgr_reconcile_duration_seconds",
			Help:    "End-to-end duration of one reconciliation run",
			Buckets: reconcileBuckets,
		}),

		BalancesPersisted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dlgr_balances_persisted_total",
			Help: "Per-delegate balance upserts applied",
		}),

		ResultDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dlgr_result_drops_total",
			Help: "Reconciliation results dropped due to full publish channel",
		}),

		ResolveDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dlgr_resolve_duration_seconds",
			Help:    "Subgraph balance lookup latency",
			Buckets: callBuckets,
		}),

		ResolveNotFound: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dlgr_resolve_not_found_total",
			Help: "Lookups answered with an unknown delegate",
		}),

		ResolveErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dlgr_resolve_errors_total",
			Help: "Lookups that failed (network, malformed response)",
		}),

		NormalizeDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dlgr_normalize_duration_seconds",
			Help:    "Full-table share recomputation duration, including the bulk write",
			Buckets: callBuckets,
		}),

		NormalizeRecords: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dlgr_normalize_records",
			Help: "Records observed by the last normalization pass",
		}),

		SharesUpdated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dlgr_shares_updated_total",
			Help: "Share-percent rows written by bulk updates",
		}),

		ShareWriteErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dlgr_share_write_errors_total",
			Help: "Rows whose share update failed within a bulk pass",
		}),

		StoreErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dlgr_store_errors_total",
			Help: "Ledger store operation errors",
		}, []string{"op"}),

		StorageReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dlgr_storage_reconnects_total",
			Help: "Storage reconnection attempts after a failed ping",
		}),

		PublishErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dlgr_publish_errors_total",
			Help: "Outbound NATS publish failures",
		}),

		ResyncRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dlgr_resync_runs_total",
			Help: "Periodic full-resync passes by outcome",
		}, []string{"outcome"}),

		ResyncDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dlgr_resync_duration_seconds",
			Help:    "Duration of one full-resync pass",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
		}),
	}
}
