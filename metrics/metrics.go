// Package metrics exposes tile cache Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tilecache"

var (
	// EventsTotal counts cache hit and miss events.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Total number of tile cache events.",
	}, []string{"event"})

	// EventsDroppedTotal counts events dropped because no listener kept up.
	EventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Total number of tile cache events dropped.",
	})

	// ResolvedTotal counts resolved tiles by provenance.
	ResolvedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resolved_total",
		Help:      "Total number of resolved tiles.",
	}, []string{"provenance"})

	// StoreErrorsTotal counts recovered store failures.
	StoreErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_errors_total",
		Help:      "Total number of store failures.",
	}, []string{"operation"})

	// FetchTotal counts origin fetches.
	FetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_total",
		Help:      "Total number of origin fetches.",
	}, []string{"status"})

	// FetchDuration measures origin fetch latency in seconds.
	FetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "fetch_duration_seconds",
		Help:      "Origin fetch duration in seconds.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	// VersionGauge exposes the app version.
	VersionGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "version",
		Help:      "App version.",
	}, []string{"version"})
)

// RecordEvent records a cache event by name.
func RecordEvent(name string) {
	EventsTotal.WithLabelValues(name).Inc()
}

// RecordDroppedEvent records an event lost by the notifier.
func RecordDroppedEvent() {
	EventsDroppedTotal.Inc()
}

// RecordResolved records a served tile.
func RecordResolved(provenance string) {
	ResolvedTotal.WithLabelValues(provenance).Inc()
}

// RecordStoreError records a store failure for operation (open, lookup, put, encode).
func RecordStoreError(operation string) {
	StoreErrorsTotal.WithLabelValues(operation).Inc()
}

// RecordFetch records an origin fetch outcome and latency.
func RecordFetch(ok bool, seconds float64) {
	status := "ok"
	if !ok {
		status = "error"
	}
	FetchTotal.WithLabelValues(status).Inc()
	FetchDuration.Observe(seconds)
}
