// Package metrics exposes Prometheus collectors for the news parser.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal                *prometheus.CounterVec
	fetchBytesTotal             *prometheus.CounterVec
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec
	jobsTotal                   *prometheus.CounterVec
	activeWorkers               prometheus.Gauge
	rateLimitDelaysSeconds      *prometheus.HistogramVec
	scanJobsPublishedTotal      prometheus.Counter
	cacheInvalidationErrorTotal prometheus.Counter
	titleConflictsTotal         prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsparser_fetches_total",
				Help: "Total number of pages fetched, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsparser_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsparser_jobs_total",
				Help: "Total number of parse jobs settled, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "newsparser_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "newsparser_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		scanJobsPublishedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "newsparser_scan_jobs_published_total",
				Help: "Total number of parse jobs published by listing scans.",
			},
		)

		cacheInvalidationErrorTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "newsparser_cache_invalidation_errors_total",
				Help: "Total number of failed read-cache invalidations.",
			},
		)

		titleConflictsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "newsparser_title_conflicts_total",
				Help: "Total number of articles not stored because another URL holds the same title.",
			},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one page fetch.
func ObserveFetch(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	fetchesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given outcome.
func ObserveJob(outcome string) {
	Init()
	jobsTotal.WithLabelValues(outcome).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// AddScanPublished counts jobs published by a scan.
func AddScanPublished(n int) {
	Init()
	if n > 0 {
		scanJobsPublishedTotal.Add(float64(n))
	}
}

// IncCacheInvalidationErrors counts a failed cache invalidation.
func IncCacheInvalidationErrors() {
	Init()
	cacheInvalidationErrorTotal.Inc()
}

// IncTitleConflicts counts an article dropped on the legacy title index.
func IncTitleConflicts() {
	Init()
	titleConflictsTotal.Inc()
}
