package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorder(t *testing.T) {
	var r Recorder

	before := testutil.ToFloat64(trainingsTotal.WithLabelValues("success"))
	r.Trained("m1", "success", 1.5)
	assert.Equal(t, before+1, testutil.ToFloat64(trainingsTotal.WithLabelValues("success")))

	stored := testutil.ToFloat64(predictionsStored)
	r.Predicted("m1", "success", 6, 0.1)
	assert.Equal(t, stored+6, testutil.ToFloat64(predictionsStored))

	hits := testutil.ToFloat64(cacheLookups.WithLabelValues("hit"))
	misses := testutil.ToFloat64(cacheLookups.WithLabelValues("miss"))
	r.CacheLookup(true)
	r.CacheLookup(false)
	r.CacheLookup(false)
	assert.Equal(t, hits+1, testutil.ToFloat64(cacheLookups.WithLabelValues("hit")))
	assert.Equal(t, misses+2, testutil.ToFloat64(cacheLookups.WithLabelValues("miss")))
}

func TestReadingCounters(t *testing.T) {
	received := testutil.ToFloat64(readingsReceived)
	ReadingReceived()
	ReadingFailed()
	assert.Equal(t, received+1, testutil.ToFloat64(readingsReceived))
}
