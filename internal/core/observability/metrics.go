package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
		},
		[]string{"method", "route", "status"},
	)

	upstreamLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"upstream", "outcome"},
	)

	cacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "response_cache_results_total",
			Help: "Response cache lookups by outcome.",
		},
		[]string{"outcome"},
	)

	cacheInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "response_cache_invalidated_entries_total",
			Help: "Cache entries dropped by catalog invalidation, by tier.",
		},
		[]string{"tier"},
	)

	invalidationEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_invalidation_events_total",
			Help: "Catalog change events handled by the invalidation consumer.",
		},
		[]string{"op", "result"},
	)

	kafkaConsumerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_consumer_errors_total",
			Help: "Errors seen by Kafka consumers, by kind.",
		},
		[]string{"kind"},
	)

	cacheOps = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cache_store_op_seconds",
			Help:    "Latency of shared cache store operations.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op", "result"},
	)

	layerOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_layer_outcomes_total",
			Help: "Terminal outcomes of per-layer timeseries pipelines.",
		},
		[]string{"outcome"},
	)

	layerAssets = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "analysis_layer_assets",
			Help:    "Number of assets matched per layer search.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 200, 300, 500},
		},
	)

	tasksRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "concurrency_tasks_running",
			Help: "Tasks currently running across all concurrency managers.",
		},
	)

	tasksQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "concurrency_tasks_queued",
			Help: "Tasks waiting for a slot across all concurrency managers.",
		},
	)

	sinkPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "progress_sink_publish_total",
			Help: "Progress events published to the external sink.",
		},
		[]string{"sink", "result"},
	)
)

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstreamLatency(upstream string, err error, durationSeconds float64) {
	upstreamLatencySeconds.WithLabelValues(upstream, resultLabel(err)).Observe(durationSeconds)
}

func IncCacheResult(outcome string) {
	cacheResults.WithLabelValues(outcome).Inc()
}

func IncCacheInvalidation(tier string, n int) {
	if n > 0 {
		cacheInvalidations.WithLabelValues(tier).Add(float64(n))
	}
}

func IncInvalidationEvent(op string, err error) {
	invalidationEvents.WithLabelValues(op, resultLabel(err)).Inc()
}

func IncKafkaConsumerError(kind string) {
	kafkaConsumerErrors.WithLabelValues(kind).Inc()
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	cacheOps.WithLabelValues(op, resultLabel(err)).Observe(durationSeconds)
}

func IncLayerOutcome(outcome string) {
	layerOutcomes.WithLabelValues(outcome).Inc()
}

func ObserveLayerAssets(n int) {
	layerAssets.Observe(float64(n))
}

// AddTasks adjusts the running and queued task gauges by the given deltas.
func AddTasks(runningDelta, queuedDelta int) {
	if runningDelta != 0 {
		tasksRunning.Add(float64(runningDelta))
	}
	if queuedDelta != 0 {
		tasksQueued.Add(float64(queuedDelta))
	}
}

func IncSinkPublish(sink string, err error) {
	sinkPublishes.WithLabelValues(sink, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
