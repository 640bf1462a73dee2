// Package metrics exposes Prometheus instrumentation shared by the edge
// filter, tarpit, escalation engine, and enforcement service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EdgeRequests counts requests by the edge filter verdict:
	// pass, blocked, forbidden_agent, tarpit.
	EdgeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quagmire",
		Subsystem: "edge",
		Name:      "requests_total",
		Help:      "Requests seen by the edge filter, by verdict.",
	}, []string{"verdict"})

	// TarpitActive tracks streams currently being drip-fed.
	TarpitActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quagmire",
		Subsystem: "tarpit",
		Name:      "active_streams",
		Help:      "Tarpit responses currently streaming.",
	})

	// TarpitPages counts generated labyrinth pages.
	TarpitPages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quagmire",
		Subsystem: "tarpit",
		Name:      "pages_total",
		Help:      "Labyrinth pages generated.",
	})

	// TarpitStreamSeconds observes how long visitors stay on a page.
	TarpitStreamSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "quagmire",
		Subsystem: "tarpit",
		Name:      "stream_duration_seconds",
		Help:      "Duration of tarpit response streams.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	// HopOverflows counts visitors that exhausted the hop budget.
	HopOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quagmire",
		Subsystem: "tarpit",
		Name:      "hop_overflows_total",
		Help:      "Visitors that exceeded the tarpit hop budget.",
	})

	// Escalations counts scoring decisions by classification.
	Escalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quagmire",
		Subsystem: "escalation",
		Name:      "decisions_total",
		Help:      "Escalation decisions, by classification.",
	}, []string{"classification"})

	// Blocks counts blocklist writes by trigger.
	Blocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quagmire",
		Subsystem: "enforcement",
		Name:      "blocks_total",
		Help:      "Blocklist writes, by trigger.",
	}, []string{"trigger"})

	// AlertFailures counts alert deliveries that failed after retries.
	AlertFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quagmire",
		Subsystem: "enforcement",
		Name:      "alert_failures_total",
		Help:      "Alert deliveries that failed, by channel.",
	}, []string{"channel"})

	// StateErrors counts shared state operations that returned errors.
	StateErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quagmire",
		Subsystem: "state",
		Name:      "errors_total",
		Help:      "Shared state operations that failed, by operation.",
	}, []string{"op"})
)
