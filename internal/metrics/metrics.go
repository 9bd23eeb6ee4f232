// Package metrics exposes Prometheus collectors for the timeline components.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Label values
const (
	StatusOK     = "ok"
	StatusFailed = "failed"

	BlobStored = "stored"
	BlobDedup  = "dedup"
)

var (
	initOnce sync.Once

	eventsEmittedCounter    *prometheus.CounterVec
	blobsStoredCounter      *prometheus.CounterVec
	rewindMissingCounter    prometheus.Counter
	rewindDurationMetric    prometheus.Histogram
	gcDeletedBlobsCounter   prometheus.Counter
	snapshotsCapturedMetric prometheus.Counter
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		eventsEmittedCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "timeline_events_emitted_total",
				Help: "Emit attempts by outcome.",
			},
			[]string{"status"},
		)

		blobsStoredCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "timeline_blobs_stored_total",
				Help: "Blob store calls by result (stored or dedup).",
			},
			[]string{"result"},
		)

		rewindMissingCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "timeline_rewind_missing_files_total",
				Help: "Files flagged missing during rewind because their blob could not be resolved.",
			},
		)

		rewindDurationMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "timeline_rewind_duration_seconds",
				Help:    "Duration of rewind operations in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		gcDeletedBlobsCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "timeline_gc_deleted_blobs_total",
				Help: "Blobs removed by garbage collection.",
			},
		)

		snapshotsCapturedMetric = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "timeline_snapshots_captured_total",
				Help: "Snapshots written by the snapshot store.",
			},
		)

		prometheus.MustRegister(
			eventsEmittedCounter,
			blobsStoredCounter,
			rewindMissingCounter,
			rewindDurationMetric,
			gcDeletedBlobsCounter,
			snapshotsCapturedMetric,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, status := range []string{StatusOK, StatusFailed} {
			eventsEmittedCounter.WithLabelValues(status)
		}
		for _, result := range []string{BlobStored, BlobDedup} {
			blobsStoredCounter.WithLabelValues(result)
		}
	})
}

func IncEventsEmitted(status string) {
	Init()
	eventsEmittedCounter.WithLabelValues(status).Inc()
}

func IncBlobsStored(result string) {
	Init()
	blobsStoredCounter.WithLabelValues(result).Inc()
}

func AddRewindMissingFiles(n int) {
	Init()
	rewindMissingCounter.Add(float64(n))
}

func ObserveRewindDuration(d time.Duration) {
	Init()
	rewindDurationMetric.Observe(d.Seconds())
}

func AddGCDeletedBlobs(n int) {
	Init()
	gcDeletedBlobsCounter.Add(float64(n))
}

func IncSnapshotsCaptured() {
	Init()
	snapshotsCapturedMetric.Inc()
}
