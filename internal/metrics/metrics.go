package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botnet_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "botnet_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Protocol metrics
	ConnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "botnet_connects_total",
			Help: "Total successful robot connects",
		},
	)

	MessagesQueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botnet_messages_queued_total",
			Help: "Total queue entries created",
		},
		[]string{"kind"}, // "direct" or "broadcast"
	)

	PollsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "botnet_polls_total",
			Help: "Total poll requests served",
		},
	)

	MessagesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "botnet_messages_delivered_total",
			Help: "Total queue entries delivered by polls",
		},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "botnet_active_sessions",
			Help: "Robots currently registered with the relay",
		},
	)
)
