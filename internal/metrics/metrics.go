// Package metrics exposes Prometheus collectors for the ingestion service.
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
	fetchesTotal               *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	ingestionsTotal            *prometheus.CounterVec
	batchJobsTotal             *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	breakerRejectionsTotal     *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parcel_http_fetches_total",
				Help: "Plain HTTP fetches issued against county sites, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parcel_http_fetch_bytes_total",
				Help: "Bytes received from county sites over plain HTTP, labeled by site.",
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
			},
			[]string{"method", "route"},
		)

		ingestionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parcel_ingestions_total",
				Help: "Pipeline results, labeled by source and result status.",
			},
			[]string{"source", "status"},
		)

		batchJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parcel_batch_jobs_total",
				Help: "Queued ingestion requests processed by workers, labeled by status.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "parcel_active_workers",
				Help: "Number of workers currently running an ingestion.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parcel_rate_limit_delays_seconds",
				Help:    "Histogram of per-source rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"source"},
		)

		breakerRejectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parcel_breaker_rejections_total",
				Help: "Runs refused because the source's circuit breaker was open.",
			},
			[]string{"source"},
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

// ObserveFetch counts one plain HTTP fetch against a county site.
func ObserveFetch(site string, status int, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	fetchesTotal.WithLabelValues(sanitizedSite, label).Inc()
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

// ObserveIngestion counts one pipeline result.
func ObserveIngestion(source, status string) {
	Init()
	ingestionsTotal.WithLabelValues(source, status).Inc()
}

// ObserveJob increments the batch job counter for the given status.
func ObserveJob(status string) {
	Init()
	batchJobsTotal.WithLabelValues(status).Inc()
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
func ObserveRateLimitDelay(source string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveBreakerRejection counts a run refused by an open breaker.
func ObserveBreakerRejection(source string) {
	Init()
	breakerRejectionsTotal.WithLabelValues(source).Inc()
}
