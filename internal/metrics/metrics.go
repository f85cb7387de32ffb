// Package metrics exposes the bridge's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics owns every collector and the registry /metrics serves from.
type Metrics struct {
	Registry *prometheus.Registry

	ToolCalls    *prometheus.CounterVec
	ToolDuration *prometheus.HistogramVec

	CoreRequests        *prometheus.CounterVec
	CoreRequestDuration *prometheus.HistogramVec
	ConnectionState     prometheus.Gauge
	Reconnects          prometheus.Counter

	CacheEntries prometheus.Gauge
	CacheHits    prometheus.Counter
	CacheMisses  prometheus.Counter

	BufferBytes  prometheus.Gauge
	BufferEvents *prometheus.GaugeVec

	RateLimitRejections prometheus.Counter
	AuthFailures        prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_tool_calls_total",
			Help: "Tool invocations by tool name and outcome.",
		}, []string{"tool", "status"}),
		ToolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bridge_tool_duration_seconds",
			Help:    "Tool handler latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),

		CoreRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_core_requests_total",
			Help: "Core round trips by method and outcome.",
		}, []string{"method", "status"}),
		CoreRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bridge_core_request_duration_seconds",
			Help:    "Core round-trip latency.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"method"}),
		ConnectionState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_core_connection_state",
			Help: "Connection state: 0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 disconnecting.",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_core_reconnects_total",
			Help: "Successful reconnections after a session loss.",
		}),

		CacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_cache_entries",
			Help: "Live control state cache entries.",
		}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_cache_hits_total",
			Help: "Cache lookups served from memory.",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_cache_misses_total",
			Help: "Cache lookups that missed or had expired.",
		}),

		BufferBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_event_buffer_bytes",
			Help: "Accounted size of the change event buffer.",
		}),
		BufferEvents: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_event_buffer_events",
			Help: "Buffered events per change group.",
		}, []string{"group"}),

		RateLimitRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_rate_limit_rejections_total",
			Help: "Tool calls rejected by the rate limiter.",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_auth_failures_total",
			Help: "Tool calls rejected for missing or invalid credentials.",
		}),
	}
}
