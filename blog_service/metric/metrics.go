package metric

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "blog"

// Metrics holds the Prometheus collectors of the service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// View pipeline
	viewsRecorded      prometheus.Counter
	viewRecordFailures prometheus.Counter
	viewFlushes        *prometheus.CounterVec // by trigger
	viewFlushPosts     *prometheus.CounterVec // by result: applied, restored, dropped, lost
	viewsFlushed       prometheus.Counter
	viewFlushDuration  prometheus.Histogram

	// Cache
	cacheRequests      *prometheus.CounterVec // by result: hit, miss, error
	cacheInvalidations *prometheus.CounterVec // by result: ok, error
	cacheStaleRejected prometheus.Counter

	// Fan-out
	fanoutPublished       *prometheus.CounterVec // by type and result
	fanoutDropped         prometheus.Counter
	fanoutActiveListeners prometheus.Gauge

	// HTTP
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	rateLimitDenials *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil // metrics disabled
	}

	m := &Metrics{
		viewsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "views",
			Name:      "recorded_total",
			Help:      "Views added to the pending buffer",
		}),
		viewRecordFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "views",
			Name:      "record_failures_total",
			Help:      "Views that could not be buffered",
		}),
		viewFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "views",
			Name:      "flushes_total",
			Help:      "Flushes of the pending buffer by trigger",
		}, []string{"trigger"}), // threshold, interval, shutdown, manual
		viewFlushPosts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "views",
			Name:      "flush_posts_total",
			Help:      "Per-post outcomes of flushes",
		}, []string{"result"}),
		viewsFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "views",
			Name:      "flushed_total",
			Help:      "Views persisted to the durable store",
		}),
		viewFlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "views",
			Name:      "flush_duration_seconds",
			Help:      "Duration of a flush",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Read-through lookups by result",
		}, []string{"result"}),
		cacheInvalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "invalidations_total",
			Help:      "Cache invalidations by result",
		}, []string{"result"}),
		cacheStaleRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "stale_writes_rejected_total",
			Help:      "Read-through writes skipped because the key was invalidated meanwhile",
		}),

		fanoutPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "published_total",
			Help:      "Comment events published by type and result",
		}, []string{"type", "result"}),
		fanoutDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "dropped_messages_total",
			Help:      "Received messages that could not be decoded",
		}),
		fanoutActiveListeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "active_listeners",
			Help:      "Subscribed comment listeners",
		}),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		rateLimitDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter",
		}, []string{"rule"}),
	}

	for _, c := range []prometheus.Collector{
		m.viewsRecorded, m.viewRecordFailures, m.viewFlushes, m.viewFlushPosts, m.viewsFlushed, m.viewFlushDuration,
		m.cacheRequests, m.cacheInvalidations, m.cacheStaleRejected,
		m.fanoutPublished, m.fanoutDropped, m.fanoutActiveListeners,
		m.httpRequests, m.httpDuration, m.rateLimitDenials,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("metric: register: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) ViewRecorded() {
	if m == nil {
		return
	}
	m.viewsRecorded.Inc()
}

func (m *Metrics) ViewRecordFailed() {
	if m == nil {
		return
	}
	m.viewRecordFailures.Inc()
}

func (m *Metrics) FlushStarted(trigger string) {
	if m == nil {
		return
	}
	m.viewFlushes.WithLabelValues(trigger).Inc()
}

func (m *Metrics) FlushFinished(applied, restored, dropped, lost int, views int64, took time.Duration) {
	if m == nil {
		return
	}
	m.viewFlushPosts.WithLabelValues("applied").Add(float64(applied))
	m.viewFlushPosts.WithLabelValues("restored").Add(float64(restored))
	m.viewFlushPosts.WithLabelValues("dropped").Add(float64(dropped))
	m.viewFlushPosts.WithLabelValues("lost").Add(float64(lost))
	m.viewsFlushed.Add(float64(views))
	m.viewFlushDuration.Observe(took.Seconds())
}

func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) CacheInvalidated(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.cacheInvalidations.WithLabelValues("error").Inc()
		return
	}
	m.cacheInvalidations.WithLabelValues("ok").Inc()
}

func (m *Metrics) CacheStaleWriteRejected() {
	if m == nil {
		return
	}
	m.cacheStaleRejected.Inc()
}

func (m *Metrics) EventPublished(eventType string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.fanoutPublished.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) MessageDropped() {
	if m == nil {
		return
	}
	m.fanoutDropped.Inc()
}

func (m *Metrics) ListenerOpened() {
	if m == nil {
		return
	}
	m.fanoutActiveListeners.Inc()
}

func (m *Metrics) ListenerClosed() {
	if m == nil {
		return
	}
	m.fanoutActiveListeners.Dec()
}

func (m *Metrics) RequestServed(method, route string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, fmt.Sprint(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(took.Seconds())
}

func (m *Metrics) RateLimited(rule string) {
	if m == nil {
		return
	}
	m.rateLimitDenials.WithLabelValues(rule).Inc()
}
