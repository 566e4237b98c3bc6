package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "beigebox",
		Name:      "requests_total",
		Help:      "Chat completion requests by routing stage and outcome.",
	}, []string{"stage", "outcome"})

	metricRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "beigebox",
		Name:      "request_duration_seconds",
		Help:      "End-to-end chat completion latency.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"model", "streaming"})

	metricBackendCost = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "beigebox",
		Name:      "backend_cost_usd_total",
		Help:      "Accumulated metered backend cost in USD.",
	}, []string{"model"})

	metricBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "beigebox",
		Name:      "blocked_requests_total",
		Help:      "Requests refused by a pre-request hook.",
	})

	metricToolRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "beigebox",
		Name:      "tool_runs_total",
		Help:      "Tool invocations triggered by directives or routing decisions.",
	}, []string{"tool"})
)
