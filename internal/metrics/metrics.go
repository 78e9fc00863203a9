// Package metrics exposes Prometheus collectors for both scraper tiers.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scraperTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_tasks_total",
			Help: "Total number of scrape tasks, labeled by terminal status.",
		},
		[]string{"status"},
	)

	scraperActiveTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scraper_active_tasks",
			Help: "Number of scrape tasks currently running in the background.",
		},
	)

	scraperRateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scraper_rate_limit_delay_seconds",
			Help:    "Histogram of per-domain rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"domain"},
	)

	scraperCacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_cache_lookups_total",
			Help: "Total number of result cache lookups, labeled by hit or miss.",
		},
		[]string{"result"},
	)

	processorSubjobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processor_subjobs_total",
			Help: "Total number of processing sub-jobs, labeled by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	processorSubjobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "processor_subjob_duration_seconds",
			Help:    "Histogram of processing sub-job latencies, labeled by kind.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 90},
		},
		[]string{"kind"},
	)

	wireFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wire_frames_total",
			Help: "Total number of framed messages, labeled by direction and outcome.",
		},
		[]string{"direction", "outcome"},
	)

	wireRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wire_retries_total",
			Help: "Total number of transient framing retries, labeled by direction.",
		},
		[]string{"direction"},
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
)

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

// ObserveTask increments the task counter for a terminal status.
func ObserveTask(status string) {
	scraperTasksTotal.WithLabelValues(status).Inc()
}

// IncActiveTasks increments the running task gauge.
func IncActiveTasks() {
	scraperActiveTasks.Inc()
}

// DecActiveTasks decrements the running task gauge.
func DecActiveTasks() {
	scraperActiveTasks.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	scraperRateLimitDelaySeconds.WithLabelValues(SanitizeSite(domain)).Observe(duration.Seconds())
}

// ObserveCacheLookup records a cache hit or miss.
func ObserveCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	scraperCacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveSubjob records one processing sub-job.
func ObserveSubjob(kind string, ok bool, duration time.Duration) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	processorSubjobsTotal.WithLabelValues(kind, outcome).Inc()
	processorSubjobDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveFrame records a sent or received frame.
func ObserveFrame(direction string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	wireFramesTotal.WithLabelValues(direction, outcome).Inc()
}

// ObserveFrameRetry records a transient framing retry.
func ObserveFrameRetry(direction string) {
	wireRetriesTotal.WithLabelValues(direction).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
