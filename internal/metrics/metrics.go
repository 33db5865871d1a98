// Package metrics exposes the service's Prometheus registry, adapted from
// the teacher's jobs/http/transfer CounterVec set and re-keyed to the
// sync/photo/lifecycle operations this service performs.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	syncCyclesTotal      *prometheus.CounterVec
	syncRowsUpsertedTotal *prometheus.CounterVec
	syncLockoutsTotal    *prometheus.CounterVec
	syncDurationMs       *prometheus.HistogramVec

	photoJobsCompletedTotal *prometheus.CounterVec
	photoJobsFailedTotal    *prometheus.CounterVec
	photoUploadRetriesTotal prometheus.Counter
	photoQueueDepth         prometheus.Gauge

	lifecyclePromotionsTotal *prometheus.CounterVec
	lifecycleDeletionsTotal  *prometheus.CounterVec

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDurationMs *prometheus.HistogramVec

	progressConnections     prometheus.Gauge
	progressReconnectsTotal prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg}

	m.syncCyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_cycles_total",
		Help: "Total number of sync-engine cycles run, by outcome.",
	}, []string{"outcome"})
	m.syncRowsUpsertedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_rows_upserted_total",
		Help: "Total number of rows upserted into Property/lookup tables.",
	}, []string{"table"})
	m.syncLockoutsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_lockouts_total",
		Help: "Total number of resource/class pairs added to the lockout set.",
	}, []string{"resource", "class"})
	m.syncDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sync_cycle_duration_ms",
		Help:    "Sync-engine cycle duration in milliseconds.",
		Buckets: prometheus.ExponentialBuckets(250, 2, 16),
	}, []string{"outcome"})

	m.photoJobsCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "photo_jobs_completed_total",
		Help: "Total number of listings whose photo pipeline completed.",
	}, []string{"table"})
	m.photoJobsFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "photo_jobs_failed_total",
		Help: "Total number of listings whose photo pipeline failed.",
	}, []string{"table"})
	m.photoUploadRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "photo_upload_retries_total",
		Help: "Total number of object-store upload retry attempts.",
	})
	m.photoQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "photo_queue_depth",
		Help: "Pending photo listings across all tracked Property tables, last cycle.",
	})

	m.lifecyclePromotionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lifecycle_promotions_total",
		Help: "Total number of listings promoted to SOLD by the lifecycle reconciler.",
	}, []string{"table"})
	m.lifecycleDeletionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lifecycle_deletions_total",
		Help: "Total number of listings deleted (WITHDRAWN/EXPIRED) by the lifecycle reconciler.",
	}, []string{"table"})

	m.httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of requests to the debug/metrics HTTP server.",
	}, []string{"method", "route", "status"})
	m.httpRequestDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_ms",
		Help:    "Debug/metrics HTTP request duration in milliseconds.",
		Buckets: prometheus.ExponentialBuckets(5, 2, 12),
	}, []string{"method", "route"})

	m.progressConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "progress_connections",
		Help: "Number of active progress-feed websocket connections.",
	})
	m.progressReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "progress_reconnects_total",
		Help: "Total number of progress-feed reconnects.",
	})

	reg.MustRegister(
		m.syncCyclesTotal,
		m.syncRowsUpsertedTotal,
		m.syncLockoutsTotal,
		m.syncDurationMs,
		m.photoJobsCompletedTotal,
		m.photoJobsFailedTotal,
		m.photoUploadRetriesTotal,
		m.photoQueueDepth,
		m.lifecyclePromotionsTotal,
		m.lifecycleDeletionsTotal,
		m.httpRequestsTotal,
		m.httpRequestDurationMs,
		m.progressConnections,
		m.progressReconnectsTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncSyncCycle(outcome string) {
	if m == nil {
		return
	}
	m.syncCyclesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveSyncCycleDuration(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.syncDurationMs.WithLabelValues(outcome).Observe(msFloat(d))
}

func (m *Metrics) AddRowsUpserted(table string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.syncRowsUpsertedTotal.WithLabelValues(table).Add(float64(n))
}

func (m *Metrics) IncLockout(resource, class string) {
	if m == nil {
		return
	}
	m.syncLockoutsTotal.WithLabelValues(resource, class).Inc()
}

func (m *Metrics) IncPhotoJobCompleted(table string) {
	if m == nil {
		return
	}
	m.photoJobsCompletedTotal.WithLabelValues(table).Inc()
}

func (m *Metrics) IncPhotoJobFailed(table string) {
	if m == nil {
		return
	}
	m.photoJobsFailedTotal.WithLabelValues(table).Inc()
}

func (m *Metrics) IncPhotoUploadRetry() {
	if m == nil {
		return
	}
	m.photoUploadRetriesTotal.Inc()
}

func (m *Metrics) SetPhotoQueueDepth(depth int) {
	if m == nil {
		return
	}
	if depth < 0 {
		depth = 0
	}
	m.photoQueueDepth.Set(float64(depth))
}

func (m *Metrics) IncLifecyclePromotions(table string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.lifecyclePromotionsTotal.WithLabelValues(table).Add(float64(n))
}

func (m *Metrics) IncLifecycleDeletions(table string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.lifecycleDeletionsTotal.WithLabelValues(table).Add(float64(n))
}

func (m *Metrics) ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = strings.TrimSpace(route)
	if route == "" {
		route = "unknown"
	}
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpRequestDurationMs.WithLabelValues(method, route).Observe(msFloat(duration))
}

func (m *Metrics) IncProgressConnections() {
	if m == nil {
		return
	}
	m.progressConnections.Inc()
}

func (m *Metrics) DecProgressConnections() {
	if m == nil {
		return
	}
	m.progressConnections.Dec()
}

func (m *Metrics) IncProgressReconnects() {
	if m == nil {
		return
	}
	m.progressReconnectsTotal.Inc()
}

func msFloat(d time.Duration) float64 {
	ms := float64(d.Milliseconds())
	if ms < 0 {
		return 0
	}
	return ms
}
