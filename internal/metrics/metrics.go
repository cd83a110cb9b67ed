// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPServerHandlingSeconds is a histogram for HTTP request latencies
	HTTPServerHandlingSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_server_handling_seconds",
			Help:    "Histogram of response latency (seconds) of HTTP requests handled by the server.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// InferenceBatchSize is a histogram for tracking inference batch sizes
	InferenceBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inference_batch_size",
			Help:    "Histogram of valid-item batch sizes sent to the model.",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
		},
	)

	// InferenceLatencySeconds is a histogram for model-invocation latency
	InferenceLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inference_latency_seconds",
			Help:    "Histogram of model invocation latency (seconds) excluding decode and post-processing.",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	// PoolHits counts engine pool cache hits
	PoolHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_pool_hits_total",
			Help: "Number of engine pool resolves served from cache.",
		},
	)

	// PoolMisses counts engine pool cache misses (constructions attempted)
	PoolMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_pool_misses_total",
			Help: "Number of engine pool resolves that required construction.",
		},
	)

	// PoolEvictions counts engines evicted from the pool
	PoolEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_pool_evictions_total",
			Help: "Number of engines evicted from the pool.",
		},
	)

	// ResultCacheHits counts processed results served from the result cache
	ResultCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "result_cache_hits_total",
			Help: "Number of items answered from the result cache without invoking the model.",
		},
	)

	// HealthStatus is a gauge indicating the health status of the service
	HealthStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "health_status",
			Help: "Health status of the service (1 = healthy, 0 = unhealthy).",
		},
	)
)

// RecordHTTPLatency records the latency of an HTTP request
func RecordHTTPLatency(method, path, status string, seconds float64) {
	HTTPServerHandlingSeconds.WithLabelValues(method, path, status).Observe(seconds)
}

// RecordInferenceBatch records the batch size for a model invocation
func RecordInferenceBatch(size int) {
	InferenceBatchSize.Observe(float64(size))
}

// RecordInferenceLatency records the latency of a model invocation
func RecordInferenceLatency(seconds float64) {
	InferenceLatencySeconds.Observe(seconds)
}

// RecordPoolHit increments the pool hit counter
func RecordPoolHit() {
	PoolHits.Inc()
}

// RecordPoolMiss increments the pool miss counter
func RecordPoolMiss() {
	PoolMisses.Inc()
}

// RecordPoolEviction increments the pool eviction counter
func RecordPoolEviction() {
	PoolEvictions.Inc()
}

// RecordResultCacheHit increments the result cache hit counter
func RecordResultCacheHit() {
	ResultCacheHits.Inc()
}

// SetHealthy sets the health status to healthy
func SetHealthy() {
	HealthStatus.Set(1)
}

// SetUnhealthy sets the health status to unhealthy
func SetUnhealthy() {
	HealthStatus.Set(0)
}
