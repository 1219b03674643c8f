// Package telemetry provides observability primitives for the XRPC server.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the server.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ActiveRequests    prometheus.Gauge
	RateLimitRejects  *prometheus.CounterVec
	AuthFailures      *prometheus.CounterVec
	ActiveStreams     prometheus.Gauge
	StreamMessages    *prometheus.CounterVec
	StreamErrors      *prometheus.CounterVec
	KeyCacheHits      prometheus.Counter
	KeyCacheMisses    prometheus.Counter
	BodyBytesRejected prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xrpcd",
			Name:      "requests_total",
			Help:      "Total number of XRPC requests.",
		}, []string{"method", "nsid", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "xrpcd",
			Name:                            "request_duration_seconds",
			Help:                            "XRPC request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "nsid"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "xrpcd",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xrpcd",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"nsid"}),

		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xrpcd",
			Name:      "auth_failures_total",
			Help:      "Total authentication failures by wire error name.",
		}, []string{"name"}),

		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "xrpcd",
			Name:      "active_streams",
			Help:      "Number of open subscription connections.",
		}),

		StreamMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xrpcd",
			Name:      "stream_messages_total",
			Help:      "Total subscription message frames sent.",
		}, []string{"nsid"}),

		StreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xrpcd",
			Name:      "stream_errors_total",
			Help:      "Total subscription error frames sent.",
		}, []string{"nsid"}),

		KeyCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xrpcd",
			Name:      "key_cache_hits_total",
			Help:      "Total signing key cache hits.",
		}),

		KeyCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xrpcd",
			Name:      "key_cache_misses_total",
			Help:      "Total signing key cache misses.",
		}),

		BodyBytesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xrpcd",
			Name:      "body_rejects_total",
			Help:      "Total request bodies rejected for exceeding the blob limit.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.RateLimitRejects,
		m.AuthFailures,
		m.ActiveStreams,
		m.StreamMessages,
		m.StreamErrors,
		m.KeyCacheHits,
		m.KeyCacheMisses,
		m.BodyBytesRejected,
	)

	return m
}
