// Package metrics exposes Prometheus collectors for the registry checker service.
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

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	imageLookupsTotal          *prometheus.CounterVec
	imageLookupDurationSeconds *prometheus.HistogramVec
	imageLookupsInFlight       prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
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

		imageLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "image_lookups_total",
				Help: "Total number of image lookups, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		imageLookupDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "image_lookup_duration_seconds",
				Help:    "Histogram of image lookup latencies, labeled by backend.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"backend"},
		)

		imageLookupsInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "image_lookups_in_flight",
				Help: "Number of image lookups currently running.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveLookup records a finished image lookup.
func ObserveLookup(backend, outcome string, duration time.Duration) {
	imageLookupsTotal.WithLabelValues(outcome).Inc()
	imageLookupDurationSeconds.WithLabelValues(backend).Observe(duration.Seconds())
}

// IncLookupsInFlight increments the in-flight lookups gauge.
func IncLookupsInFlight() {
	imageLookupsInFlight.Inc()
}

// DecLookupsInFlight decrements the in-flight lookups gauge.
func DecLookupsInFlight() {
	imageLookupsInFlight.Dec()
}
