package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	Init()

	before := testutil.ToFloat64(eventsEmittedCounter.WithLabelValues(StatusOK))
	IncEventsEmitted(StatusOK)
	IncEventsEmitted(StatusOK)
	assert.Equal(t, before+2, testutil.ToFloat64(eventsEmittedCounter.WithLabelValues(StatusOK)))

	dedup := testutil.ToFloat64(blobsStoredCounter.WithLabelValues(BlobDedup))
	IncBlobsStored(BlobDedup)
	assert.Equal(t, dedup+1, testutil.ToFloat64(blobsStoredCounter.WithLabelValues(BlobDedup)))

	missing := testutil.ToFloat64(rewindMissingCounter)
	AddRewindMissingFiles(3)
	assert.Equal(t, missing+3, testutil.ToFloat64(rewindMissingCounter))

	gc := testutil.ToFloat64(gcDeletedBlobsCounter)
	AddGCDeletedBlobs(0)
	AddGCDeletedBlobs(2)
	assert.Equal(t, gc+2, testutil.ToFloat64(gcDeletedBlobsCounter))

	ObserveRewindDuration(150 * time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(rewindDurationMetric))
}

func TestInitIsIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		Init()
		Init()
	})
}
