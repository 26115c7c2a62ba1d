// Package metrics exposes Prometheus collectors for the archiver service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	archiveAreasTotal      *prometheus.CounterVec
	archiveQueueDepth      prometheus.Gauge
	archiveSearchesTotal   *prometheus.CounterVec
	archiveDurationSeconds prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus collectors. It is safe to call multiple
// times; observation helpers are no-ops until it has run.
func Init() {
	once.Do(func() {
		archiveAreasTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archive_areas_total",
				Help: "Total number of areas retired from the queue, labeled by outcome.",
			},
			[]string{"status"},
		)

		archiveQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "archive_queue_depth",
				Help: "Number of entries currently pending in the download queue.",
			},
		)

		archiveSearchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archive_searches_total",
				Help: "Total number of search submissions, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		archiveDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "archive_duration_seconds",
				Help:    "Histogram of single archive call latencies.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveArchive increments the retired-entry counter for the given status.
func ObserveArchive(status string) {
	if archiveAreasTotal == nil {
		return
	}
	archiveAreasTotal.WithLabelValues(status).Inc()
}

// SetQueueDepth records the current pending-entry count.
func SetQueueDepth(depth int) {
	if archiveQueueDepth == nil {
		return
	}
	archiveQueueDepth.Set(float64(depth))
}

// ObserveSearch increments the search-submission counter.
func ObserveSearch(outcome string) {
	if archiveSearchesTotal == nil {
		return
	}
	archiveSearchesTotal.WithLabelValues(outcome).Inc()
}

// ObserveArchiveDuration records how long one archive call took.
func ObserveArchiveDuration(d time.Duration) {
	if archiveDurationSeconds == nil {
		return
	}
	archiveDurationSeconds.Observe(d.Seconds())
}
