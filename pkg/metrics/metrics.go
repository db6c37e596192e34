package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WriteRetriesTotal counts deadlock-retry attempts by the write
	// orchestrator, labeled by operation kind.
	WriteRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirstore_write_retries_total",
			Help: "Total number of deadlock-retry attempts by operation kind",
		},
		[]string{"op"},
	)

	// WriteDuration measures end-to-end write latency by operation kind.
	WriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dirstore_write_duration_seconds",
			Help:    "Time taken to complete a write operation, including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// WritesTotal counts completed writes by operation kind and outcome.
	WritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirstore_writes_total",
			Help: "Total number of write operations by kind and outcome",
		},
		[]string{"op", "outcome"},
	)

	// CacheEntries is the gauge for the number of entries held in the
	// entry cache. Nothing in this module sets it, so it reads 0.
	CacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dirstore_cache_entries",
			Help: "Current number of entries held in the entry cache",
		},
	)

	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dirstore_cache_hits_total",
			Help: "Total number of entry cache hits",
		},
	)

	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dirstore_cache_misses_total",
			Help: "Total number of entry cache misses",
		},
	)

	// CheckpointsTotal is the counter for KV backend checkpoints. The
	// KV backend takes no checkpoints and nothing in this module
	// increments it, so it reads 0.
	CheckpointsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dirstore_checkpoints_total",
			Help: "Total number of backend checkpoints taken",
		},
	)

	// ChangeLogAppendsTotal counts change-log records appended,
	// labeled by changetype.
	ChangeLogAppendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirstore_changelog_appends_total",
			Help: "Total number of change log records appended, by changetype",
		},
		[]string{"changetype"},
	)
)

var registered bool

// Register registers every metric with the default Prometheus
// registry. Calls after the first return without registering again.
func Register() {
	if registered {
		return
	}
	registered = true
	prometheus.MustRegister(
		WriteRetriesTotal,
		WriteDuration,
		WritesTotal,
		CacheEntries,
		CacheHitsTotal,
		CacheMissesTotal,
		CheckpointsTotal,
		ChangeLogAppendsTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
