package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the reconciler.
type Metrics struct {
	// --- Reconciliation ---
	EventsProcessed     *prometheus.CounterVec
	EventDuration       prometheus.Histogram
	EntriesProcessed    *prometheus.CounterVec
	DerivedTransactions *prometheus.CounterVec
	HandlerErrors       *prometheus.CounterVec
	StoreTxRetries      prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTierErrors       *prometheus.CounterVec

	// --- Auctions & voting ---
	AuctionBids       *prometheus.CounterVec
	AuctionsFinalized *prometheus.CounterVec
	VoteResettlements prometheus.Counter

	// --- Notifications ---
	NotificationsPublished prometheus.Counter
	NotificationDrops      prometheus.Counter

	// --- Outcome log persistence ---
	PersistRowsWritten prometheus.Counter
	PersistBatchDur    prometheus.Histogram
	PersistBatchSize   prometheus.Histogram
	PersistErrors      *prometheus.CounterVec

	// --- Ingestion & channels ---
	IngestMessages  *prometheus.CounterVec
	NATSPullLatency prometheus.Histogram
	ChannelSize     *prometheus.GaugeVec

	// --- HTTP ---
	HTTPRequests *prometheus.CounterVec
}

// NewMetrics registers every metric on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers every metric on reg. Tests pass a fresh registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		EventsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recon_events_processed_total",
			Help: "Ledger transactions processed, by outcome",
		}, []string{"outcome"}),

		EventDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "recon_event_duration_seconds",
			Help:    "Time to reconcile one ledger transaction, commit included",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),

		EntriesProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recon_entries_processed_total",
			Help: "Ledger entries evaluated against an order, by resulting state",
		}, []string{"state"}),

		DerivedTransactions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recon_derived_transactions_total",
			Help: "Derived transactions committed, by type",
		}, []string{"type"}),

		HandlerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recon_handler_errors_total",
			Help: "Handler failures by payload type and kind (business, fatal)",
		}, []string{"payload_type", "kind"}),

		StoreTxRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "recon_store_tx_retries_total",
			Help: "Document store transactions retried after a serialization conflict",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recon_idempotency_duplicates_total",
			Help: "Already-processed ledger transactions skipped, by tier",
		}, []string{"tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "recon_dedup_lru_size",
			Help: "Entries in the in-process processed-marker LRU",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "recon_dedup_lru_evictions_total",
			Help: "Entries evicted from the processed-marker LRU",
		}),

		DedupTierErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recon_dedup_tier_errors_total",
			Help: "Processed-marker lookups that failed, by tier",
		}, []string{"tier"}),

		AuctionBids: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recon_auction_bids_total",
			Help: "Auction bids by result (accepted, pending, invalid)",
		}, []string{"result"}),

		AuctionsFinalized: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recon_auctions_finalized_total",
			Help: "Auctions closed, by result (won, expired)",
		}, []string{"result"}),

		VoteResettlements: f.NewCounter(prometheus.CounterOpts{
			Name: "recon_vote_resettlements_total",
			Help: "Votes re-weighted after their backing output was consumed",
		}),

		NotificationsPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "recon_notifications_published_total",
			Help: "Notifications published to NATS",
		}),

		NotificationDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "recon_notification_drops_total",
			Help: "Notifications dropped because the publisher queue was full",
		}),

		PersistRowsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "recon_persist_outcomes_written_total",
			Help: "Reconciliation outcome rows written",
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "recon_persist_batch_duration_seconds",
			Help:    "Outcome log batch write latency",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "recon_persist_batch_size",
			Help:    "Outcome rows per batch",
			Buckets: prometheus.LinearBuckets(1, 50, 10),
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recon_persist_errors_total",
			Help: "Outcome log persistence errors by stage",
		}, []string{"stage"}),

		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recon_ingest_messages_total",
			Help: "Inbound ledger messages by source and result",
		}, []string{"source", "result"}),

		NATSPullLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "recon_nats_pull_latency_seconds",
			Help:    "JetStream fetch latency",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "recon_channel_size",
			Help: "Current buffered items in internal channels",
		}, []string{"channel"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recon_http_requests_total",
			Help: "HTTP requests by route pattern and status code",
		}, []string{"route", "code"}),
	}
}
