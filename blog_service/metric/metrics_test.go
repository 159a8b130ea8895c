package metric

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoops(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	assert.NotPanics(t, func() {
		m.ViewRecorded()
		m.FlushStarted("manual")
		m.FlushFinished(1, 0, 0, 0, 10, time.Millisecond)
		m.CacheLookup("hit")
		m.EventPublished("upsert", nil)
		m.RequestServed("GET", "/posts", 200, time.Millisecond)
	})
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	m.ViewRecorded()
	m.ViewRecorded()
	m.FlushStarted("threshold")
	m.FlushFinished(2, 1, 0, 0, 200, 5*time.Millisecond)
	m.CacheLookup("miss")
	m.CacheInvalidated(errors.New("down"))
	m.EventPublished("delete", nil)
	m.ListenerOpened()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.viewsRecorded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.viewFlushes.WithLabelValues("threshold")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.viewFlushPosts.WithLabelValues("applied")))
	assert.Equal(t, 200.0, testutil.ToFloat64(m.viewsFlushed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheRequests.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheInvalidations.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fanoutPublished.WithLabelValues("delete", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fanoutActiveListeners))

	_, err = NewMetrics(reg)
	assert.Error(t, err, "double registration")
}
