// Package metrics exposes Prometheus collectors for the digwatch service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Geocode outcome labels.
const (
	GeocodeOK       = "ok"
	GeocodeNoCaseID = "no_case_id"
	GeocodeEmpty    = "empty"
	GeocodeError    = "error"
	GeocodeCached   = "cached"
)

var (
	scrapePagesTotal           *prometheus.CounterVec
	scrapeRowsTotal            prometheus.Counter
	geocodeLookupsTotal        *prometheus.CounterVec
	geocodeDurationSeconds     prometheus.Histogram
	ingestRunsTotal            *prometheus.CounterVec
	noticesWrittenTotal        *prometheus.CounterVec
	alertsPushedTotal          prometheus.Counter
	pushFailuresTotal          prometheus.Counter
	activeConnections          prometheus.Gauge
	sweepDurationSeconds       prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scrapePagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "digwatch_scrape_pages_total",
				Help: "Listing pages fetched, labeled by status.",
			},
			[]string{"status"},
		)

		scrapeRowsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "digwatch_scrape_rows_total",
				Help: "Listing rows accepted by the scraper.",
			},
		)

		geocodeLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "digwatch_geocode_lookups_total",
				Help: "Geocode lookups, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		geocodeDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "digwatch_geocode_duration_seconds",
				Help:    "Latency of geocode lookups that reached the network.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		)

		ingestRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "digwatch_ingest_runs_total",
				Help: "Ingestion and backfill runs, labeled by operation and status.",
			},
			[]string{"operation", "status"},
		)

		noticesWrittenTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "digwatch_notices_written_total",
				Help: "Notice writes, labeled by kind (inserted, geometry_updated, cleared).",
			},
			[]string{"kind"},
		)

		alertsPushedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "digwatch_alerts_pushed_total",
				Help: "Alerts delivered to connected clients.",
			},
		)

		pushFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "digwatch_push_failures_total",
				Help: "Pushes that failed and evicted the connection.",
			},
		)

		activeConnections = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "digwatch_active_connections",
				Help: "Registered push connections.",
			},
		)

		sweepDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "digwatch_sweep_duration_seconds",
				Help:    "Duration of notification sweeps.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObservePage records one listing page fetch.
func ObservePage(status string) {
	Init()
	scrapePagesTotal.WithLabelValues(status).Inc()
}

// ObserveRows adds accepted listing rows.
func ObserveRows(n int) {
	Init()
	scrapeRowsTotal.Add(float64(n))
}

// ObserveGeocode records a geocode outcome. duration is ignored when zero.
func ObserveGeocode(outcome string, duration time.Duration) {
	Init()
	geocodeLookupsTotal.WithLabelValues(outcome).Inc()
	if duration > 0 {
		geocodeDurationSeconds.Observe(duration.Seconds())
	}
}

// ObserveRun records the end of an ingest or backfill run.
func ObserveRun(operation, status string) {
	Init()
	ingestRunsTotal.WithLabelValues(operation, status).Inc()
}

// ObserveWrites adds n notice writes of the given kind.
func ObserveWrites(kind string, n int) {
	Init()
	if n > 0 {
		noticesWrittenTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// ObservePush records a push attempt carrying n alerts.
func ObservePush(n int, ok bool) {
	Init()
	if ok {
		alertsPushedTotal.Add(float64(n))
		return
	}
	pushFailuresTotal.Inc()
}

// SetConnections sets the registered connection gauge.
func SetConnections(n int) {
	Init()
	activeConnections.Set(float64(n))
}

// ObserveSweep records a notification sweep duration.
func ObserveSweep(duration time.Duration) {
	Init()
	sweepDurationSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
