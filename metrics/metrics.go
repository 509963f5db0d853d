// Package metrics exposes pgdog's Prometheus counters/gauges/histograms
// over the teacher's own metrics.Init/Handler shape: a package-level
// registry populated once via Init and served by Handler.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueryTotal counts dispatched queries by statement type and whether
	// the AST cache served the parse tree.
	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgdog_query_total",
			Help: "Total number of client queries dispatched",
		},
		[]string{"query_type", "cached"},
	)

	// QueryLatency tracks end-to-end dispatch latency by statement type.
	QueryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgdog_query_latency_seconds",
			Help:    "Query dispatch latency in seconds, from buffer flush to merged response",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query_type"},
	)

	// ShardFanout tracks how many physical shards a single query touched,
	// distinguishing direct (1) from multi/all fan-outs the merger has to
	// sort-merge or re-aggregate.
	ShardFanout = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgdog_shard_fanout",
			Help:    "Number of shards one dispatched query was sent to",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
		},
		[]string{"cluster"},
	)

	// MergedRowsTotal counts rows the cross-shard executor emitted to the
	// client after sort-merge/aggregate, by cluster.
	MergedRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgdog_merged_rows_total",
			Help: "Total rows emitted by the cross-shard merge executor",
		},
		[]string{"cluster"},
	)

	// CacheHits counts AST-cache hits (a parse tree was already memoized).
	// The AST cache is process-wide, not per-cluster, so this carries no
	// labels.
	CacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pgdog_cache_hits_total",
			Help: "Total number of AST cache hits",
		},
	)

	// CacheMisses counts AST-cache misses requiring a fresh parse.
	CacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pgdog_cache_misses_total",
			Help: "Total number of AST cache misses",
		},
	)

	// PoolConnectionsIdle/CheckedOut/Waiting mirror SHOW POOLS, refreshed
	// whenever SHOW POOLS or SHOW STATS reads a pool's Stats().
	PoolConnectionsIdle = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgdog_pool_connections_idle",
			Help: "Idle connections in a pool, as of the last SHOW POOLS/STATS read",
		},
		[]string{"database", "shard", "role"},
	)

	PoolConnectionsCheckedOut = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgdog_pool_connections_checked_out",
			Help: "Checked-out connections in a pool, as of the last SHOW POOLS/STATS read",
		},
		[]string{"database", "shard", "role"},
	)

	PoolConnectionsWaiting = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgdog_pool_connections_waiting",
			Help: "Queued checkout waiters in a pool, as of the last SHOW POOLS/STATS read",
		},
		[]string{"database", "shard", "role"},
	)

	PoolBanned = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgdog_pool_banned",
			Help: "1 if the pool is currently banned/paused, else 0",
		},
		[]string{"database", "shard", "role"},
	)

	once sync.Once
)

// Init registers every metric with the default Prometheus registry. Safe
// to call more than once; only the first call registers.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(QueryTotal)
		prometheus.MustRegister(QueryLatency)
		prometheus.MustRegister(ShardFanout)
		prometheus.MustRegister(MergedRowsTotal)
		prometheus.MustRegister(CacheHits)
		prometheus.MustRegister(CacheMisses)
		prometheus.MustRegister(PoolConnectionsIdle)
		prometheus.MustRegister(PoolConnectionsCheckedOut)
		prometheus.MustRegister(PoolConnectionsWaiting)
		prometheus.MustRegister(PoolBanned)
	})
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetPoolGauges records a point-in-time pool snapshot, called from the
// admin backend whenever SHOW POOLS or SHOW STATS reads a pool's state.
func SetPoolGauges(database, shard, role string, idle, checkedOut, waiting int, banned bool) {
	PoolConnectionsIdle.WithLabelValues(database, shard, role).Set(float64(idle))
	PoolConnectionsCheckedOut.WithLabelValues(database, shard, role).Set(float64(checkedOut))
	PoolConnectionsWaiting.WithLabelValues(database, shard, role).Set(float64(waiting))
	b := 0.0
	if banned {
		b = 1.0
	}
	PoolBanned.WithLabelValues(database, shard, role).Set(b)
}
