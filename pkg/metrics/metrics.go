package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Repository metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nodestore_nodes_total",
			Help: "Total number of node records by store and status",
		},
		[]string{"store", "status"},
	)

	ContentURLsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nodestore_content_urls_total",
			Help: "Registered content URLs by state",
		},
		[]string{"state"},
	)

	CacheEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nodestore_cache_entries",
			Help: "Entries held by each cache",
		},
		[]string{"cache"},
	)

	// Operation metrics
	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nodestore_operation_duration_seconds",
			Help:    "Node service operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Transaction metrics
	TxnCommitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nodestore_txn_commits_total",
			Help: "Total number of committed transactions",
		},
	)

	TxnRollbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nodestore_txn_rollbacks_total",
			Help: "Total number of rolled back transactions",
		},
	)

	TxnConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nodestore_txn_conflicts_total",
			Help: "Total number of optimistic commit conflicts",
		},
	)

	TxnRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nodestore_txn_retries_total",
			Help: "Total number of transaction retries",
		},
	)

	TxnCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nodestore_txn_commit_duration_seconds",
			Help:    "Time spent validating and writing a commit",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Cache metrics
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodestore_cache_hits_total",
			Help: "Cache hits by cache",
		},
		[]string{"cache"},
	)

	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodestore_cache_misses_total",
			Help: "Cache misses by cache",
		},
		[]string{"cache"},
	)

	// Integrity metrics
	LostAndFoundRecoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodestore_lost_and_found_recoveries_total",
			Help: "Nodes re-filed under lost+found by parent state",
		},
		[]string{"state"},
	)

	ContentCollisionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nodestore_content_collisions_total",
			Help: "Content URL writes rejected by the CRC guard",
		},
	)

	OrphanContentPurgedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nodestore_orphan_content_purged_total",
			Help: "Orphaned content URL entries purged",
		},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nodestore_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nodestore_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)
)

func init() {
	prometheus.MustRegister(
		NodesTotal,
		ContentURLsTotal,
		CacheEntries,
		OperationDuration,
		TxnCommitsTotal,
		TxnRollbacksTotal,
		TxnConflictsTotal,
		TxnRetriesTotal,
		TxnCommitDuration,
		CacheHitsTotal,
		CacheMissesTotal,
		LostAndFoundRecoveriesTotal,
		ContentCollisionsTotal,
		OrphanContentPurgedTotal,
		ReconciliationDuration,
		ReconciliationCyclesTotal,
	)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
