package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency. Shared across all routes.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "llmrelay",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// QueueDepth is the current number of queued tickets, by partition.
var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "llmrelay",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of tickets currently queued, by partition.",
	},
	[]string{"partition"},
)

// QueueWaitEstimateSeconds mirrors the Wait-Time Estimator's rolling average.
var QueueWaitEstimateSeconds = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "llmrelay",
		Subsystem: "queue",
		Name:      "wait_estimate_seconds",
		Help:      "Rolling average wait time, by partition.",
	},
	[]string{"partition"},
)

// TicketsDequeuedTotal counts successful dequeues, by partition.
var TicketsDequeuedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "llmrelay",
		Subsystem: "dispatcher",
		Name:      "tickets_dequeued_total",
		Help:      "Total number of tickets dequeued, by partition.",
	},
	[]string{"partition"},
)

// KeyLockoutsTotal counts lockouts recorded against keys, by partition.
var KeyLockoutsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "llmrelay",
		Subsystem: "keypool",
		Name:      "lockouts_total",
		Help:      "Total number of rate-limit lockouts recorded, by partition.",
	},
	[]string{"partition"},
)

// KeysDisabledTotal counts permanent key retirements.
var KeysDisabledTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "llmrelay",
		Subsystem: "keypool",
		Name:      "keys_disabled_total",
		Help:      "Total number of keys permanently disabled, by provider.",
	},
	[]string{"provider"},
)

// UpstreamRetriesTotal counts ticket reenqueues after a retryable upstream error.
var UpstreamRetriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "llmrelay",
		Subsystem: "proxy",
		Name:      "upstream_retries_total",
		Help:      "Total number of tickets reenqueued after a retryable upstream error.",
	},
	[]string{"provider", "reason"},
)

// AbuseGuardRejectionsTotal counts requests rejected before admission by the abuse guard.
var AbuseGuardRejectionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "llmrelay",
		Subsystem: "abuseguard",
		Name:      "rejections_total",
		Help:      "Total number of requests rejected by the abuse guard before admission.",
	},
)

// All returns all llmrelay-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		QueueDepth,
		QueueWaitEstimateSeconds,
		TicketsDequeuedTotal,
		KeyLockoutsTotal,
		KeysDisabledTotal,
		UpstreamRetriesTotal,
		AbuseGuardRejectionsTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional service-specific
// collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
