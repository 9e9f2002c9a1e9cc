// Package metrics exposes Prometheus collectors for the scraper.
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

// Lot outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeNotFound = "not_found"
	OutcomeFailed   = "failed"
	OutcomeSkipped  = "skipped"
)

var (
	lotsTotal               *prometheus.CounterVec
	pageBytesTotal          *prometheus.CounterVec
	assetsTotal             *prometheus.CounterVec
	snapshotsTotal          *prometheus.CounterVec
	storageWritesTotal      *prometheus.CounterVec
	upstreamRequestsTotal   *prometheus.CounterVec
	upstreamDurationSeconds *prometheus.HistogramVec
	httpRequestsTotal       *prometheus.CounterVec
	httpRequestDuration     *prometheus.HistogramVec
	activeLots              prometheus.Gauge
	rateLimitDelaysSeconds  *prometheus.HistogramVec
	runsTotal               *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		lotsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lotscraper_lots_total",
				Help: "Lots processed, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		pageBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lotscraper_page_bytes_total",
				Help: "Bytes of lot pages fetched, labeled by site.",
			},
			[]string{"site"},
		)

		assetsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lotscraper_assets_total",
				Help: "Image ingestion attempts, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		snapshotsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lotscraper_snapshots_total",
				Help: "Raw page snapshots, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		storageWritesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lotscraper_storage_writes_total",
				Help: "Per-destination writes, labeled by destination and outcome.",
			},
			[]string{"destination", "outcome"},
		)

		upstreamRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lotscraper_upstream_requests_total",
				Help: "Outbound requests to auction sites, labeled by host and code.",
			},
			[]string{"host", "code"},
		)

		upstreamDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lotscraper_upstream_request_duration_seconds",
				Help:    "Latency of outbound requests, labeled by host.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
			},
			[]string{"host"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests served, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of served HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		activeLots = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "lotscraper_active_lots",
				Help: "Number of lots currently in flight.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lotscraper_rate_limit_delays_seconds",
				Help:    "Histogram of politeness wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lotscraper_runs_total",
				Help: "Scrape runs, labeled by site and how they ended.",
			},
			[]string{"site", "status"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
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

// ObserveLot records the outcome of one lot.
func ObserveLot(site, outcome string) {
	Init()
	lotsTotal.WithLabelValues(site, outcome).Inc()
}

// ObservePage records the size of a fetched lot page.
func ObservePage(site string, pageBytes int) {
	Init()
	pageBytesTotal.WithLabelValues(site).Add(float64(pageBytes))
}

// ObserveAsset records one image ingestion attempt.
func ObserveAsset(site, outcome string) {
	Init()
	assetsTotal.WithLabelValues(site, outcome).Inc()
}

// ObserveSnapshot records one snapshot attempt.
func ObserveSnapshot(site, outcome string) {
	Init()
	snapshotsTotal.WithLabelValues(site, outcome).Inc()
}

// ObserveStorageWrite records one destination write.
func ObserveStorageWrite(destination string, err error) {
	Init()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	storageWritesTotal.WithLabelValues(destination, outcome).Inc()
}

// ObserveUpstream records an outbound request. A code of 0 means the transport failed.
func ObserveUpstream(rawURL string, code int, duration time.Duration) {
	Init()
	host := SanitizeHost(rawURL)
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	upstreamRequestsTotal.WithLabelValues(host, label).Inc()
	upstreamDurationSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the served HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveLots increments the in-flight lots gauge.
func IncActiveLots() {
	Init()
	activeLots.Inc()
}

// DecActiveLots decrements the in-flight lots gauge.
func DecActiveLots() {
	Init()
	activeLots.Dec()
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveRun records how a scrape run ended.
func ObserveRun(site, status string) {
	Init()
	runsTotal.WithLabelValues(site, status).Inc()
}
