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
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	campaignsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_campaigns_dispatched_total",
			Help: "Completed campaign sends by final status",
		},
		[]string{"status"},
	)

	batchesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_dispatch_batches_total",
			Help: "Delivery batches by transport outcome",
		},
		[]string{"outcome"},
	)

	deliveryOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_delivery_outcomes_total",
			Help: "Per-recipient delivery outcomes by status",
		},
		[]string{"status"},
	)

	segmentEstimates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_segment_estimates_total",
			Help: "Segment audience estimate queries served",
		},
	)

	segmentResolveDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "beacon_segment_resolve_duration_seconds",
			Help:    "Time to resolve exact segment membership",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	analyticsEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_analytics_events_total",
			Help: "Ingested outcome events by kind",
		},
		[]string{"kind"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"merchant_id"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_db_connections_active",
			Help: "Active database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_redis_connections_active",
			Help: "Active Redis connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordCampaignDispatched records a completed campaign send
func RecordCampaignDispatched(status string) {
	campaignsDispatched.WithLabelValues(status).Inc()
}

// RecordBatchDispatched records one delivery batch
func RecordBatchDispatched(transportFailed bool) {
	outcome := "delivered"
	if transportFailed {
		outcome = "transport_error"
	}
	batchesDispatched.WithLabelValues(outcome).Inc()
}

// RecordDeliveryOutcome records a per-recipient delivery outcome
func RecordDeliveryOutcome(status string) {
	deliveryOutcomes.WithLabelValues(status).Inc()
}

// RecordSegmentEstimate records an audience estimate query
func RecordSegmentEstimate() {
	segmentEstimates.Inc()
}

// RecordSegmentResolveDuration records exact membership resolution time
func RecordSegmentResolveDuration(d time.Duration) {
	segmentResolveDuration.Observe(d.Seconds())
}

// RecordAnalyticsEvent records an ingested outcome event
func RecordAnalyticsEvent(kind string) {
	analyticsEvents.WithLabelValues(kind).Inc()
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(merchantID string) {
	rateLimitRejections.WithLabelValues(merchantID).Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets active Redis connection count
func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
