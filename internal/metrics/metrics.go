// Package metrics provides Prometheus metrics for tile streaming.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Dispatcher metrics
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tilestream_requests_total",
			Help: "Total number of completed network requests",
		},
		[]string{"scheme", "status"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tilestream_request_duration_seconds",
			Help:    "Network request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"scheme"},
	)

	requestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tilestream_requests_in_flight",
			Help: "Number of distinct requests currently pending",
		},
	)

	dedupJoinsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tilestream_request_dedup_joins_total",
			Help: "Fetches that attached to an identical pending request",
		},
	)

	canceledSubscriptionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tilestream_request_subscriptions_canceled_total",
			Help: "Fetch subscriptions canceled before completion",
		},
	)

	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tilestream_bytes_downloaded_total",
			Help: "Total bytes received from the network",
		},
	)

	// Cache metrics
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tilestream_cache_lookups_total",
			Help: "HTTP cache lookups by result",
		},
		[]string{"result"},
	)

	cacheItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tilestream_cache_items",
			Help: "Number of entries in the HTTP cache after the last prune",
		},
	)

	cachePrunesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tilestream_cache_prunes_total",
			Help: "Number of cache prune passes",
		},
	)

	cacheEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tilestream_cache_evictions_total",
			Help: "Entries removed by cache prune passes",
		},
	)

	cacheErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tilestream_cache_errors_total",
			Help: "Cache database errors degraded to misses",
		},
		[]string{"operation"},
	)

	// Tileset metrics
	tilesLoadedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tilestream_tiles_loaded_total",
			Help: "Tile content and external tilesets handled by the loader",
		},
		[]string{"kind", "status"},
	)

	// Session metrics
	sessionRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tilestream_session_refreshes_total",
			Help: "Session resource fetches by resource and result",
		},
		[]string{"resource", "result"},
	)

	sessionConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tilestream_session_connected",
			Help: "1 when the session for a server is connected",
		},
		[]string{"server"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records a completed network request.
func RecordRequest(scheme string, status int, bytes int64, duration time.Duration) {
	requestsTotal.WithLabelValues(scheme, strconv.Itoa(status)).Inc()
	requestDuration.WithLabelValues(scheme).Observe(duration.Seconds())
	if bytes > 0 {
		bytesDownloaded.Add(float64(bytes))
	}
}

// SetRequestsInFlight sets the number of pending distinct requests.
func SetRequestsInFlight(count int) {
	requestsInFlight.Set(float64(count))
}

// RecordDedupJoin records a fetch attaching to a pending request.
func RecordDedupJoin() {
	dedupJoinsTotal.Inc()
}

// RecordCanceledSubscription records a canceled fetch subscription.
func RecordCanceledSubscription() {
	canceledSubscriptionsTotal.Inc()
}

// RecordCacheLookup records a cache lookup. result is one of hit, miss,
// stale or revalidated.
func RecordCacheLookup(result string) {
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordCachePrune records a prune pass.
func RecordCachePrune(evicted, remaining int) {
	cachePrunesTotal.Inc()
	cacheEvictionsTotal.Add(float64(evicted))
	cacheItems.Set(float64(remaining))
}

// RecordCacheError records a cache database error.
func RecordCacheError(operation string) {
	cacheErrorsTotal.WithLabelValues(operation).Inc()
}

// RecordTileLoad records a tile handled by the loader. kind is content or
// external.
func RecordTileLoad(kind string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	tilesLoadedTotal.WithLabelValues(kind, status).Inc()
}

// RecordSessionRefresh records a session resource fetch.
func RecordSessionRefresh(resource string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	sessionRefreshesTotal.WithLabelValues(resource, result).Inc()
}

// SetSessionConnected sets the connection gauge for a server.
func SetSessionConnected(server string, connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	sessionConnected.WithLabelValues(server).Set(v)
}
