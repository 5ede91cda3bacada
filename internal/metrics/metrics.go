// Package metrics exposes Prometheus collectors for the harvester.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	itemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_items_total",
			Help: "Total number of file numbers completed, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	batchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_batches_total",
			Help: "Total number of batches run, labeled by result.",
		},
		[]string{"result"},
	)

	registryRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_registry_requests_total",
			Help: "Total number of registry calls, labeled by call and classification.",
		},
		[]string{"call", "class"},
	)

	registryRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvest_registry_request_duration_seconds",
			Help:    "Histogram of registry call latencies, labeled by call.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
		},
		[]string{"call"},
	)

	activeWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvest_active_workers",
			Help: "Number of workers currently resolving a file number.",
		},
	)

	credentialAcquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_credential_acquisitions_total",
			Help: "Total number of session acquisition attempts, labeled by result.",
		},
		[]string{"result"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_http_requests_total",
			Help: "Total number of status server requests, labeled by method, route and code.",
		},
		[]string{"method", "route", "code"},
	)

	pacingDelaySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harvest_pacing_delay_seconds",
			Help:    "Histogram of waits imposed by pacing and rate limiting.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(
			itemsTotal,
			batchesTotal,
			registryRequestsTotal,
			registryRequestDurationSeconds,
			activeWorkers,
			credentialAcquisitionsTotal,
			pacingDelaySeconds,
			httpRequestsTotal,
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveItem counts a completed item by outcome kind.
func ObserveItem(outcome string) {
	itemsTotal.WithLabelValues(outcome).Inc()
}

// ObserveBatch counts a finished batch.
func ObserveBatch(result string) {
	batchesTotal.WithLabelValues(result).Inc()
}

// ObserveRegistryCall counts a classified registry call.
func ObserveRegistryCall(call, class string) {
	registryRequestsTotal.WithLabelValues(call, class).Inc()
}

// ObserveRegistryDuration records the latency of a registry call.
func ObserveRegistryDuration(call string, duration time.Duration) {
	registryRequestDurationSeconds.WithLabelValues(call).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveCredential counts a session acquisition attempt.
func ObserveCredential(result string) {
	credentialAcquisitionsTotal.WithLabelValues(result).Inc()
}

// ObservePacingDelay records a pacing or rate-limit wait.
func ObservePacingDelay(duration time.Duration) {
	pacingDelaySeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest counts a status server request.
func ObserveHTTPRequest(method, route string, code int) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
}
