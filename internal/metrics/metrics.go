// Package metrics declares the Prometheus collectors of the support chat service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "support_chat"

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	MessagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Ticket messages appended, by sender side (admin or customer)",
		},
		[]string{"sender"},
	)

	TicketReopenedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tickets_reopened_total",
			Help:      "Tickets moved back to open by a customer reply",
		},
	)

	RealtimeEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_events_published_total",
			Help:      "Real-time events fanned out to local subscribers, by kind",
		},
		[]string{"kind"},
	)

	RealtimeEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_events_dropped_total",
			Help:      "Real-time events dropped because a subscriber buffer was full",
		},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections",
			Help:      "Open ticket WebSocket connections",
		},
	)

	SideEffectFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "side_effect_failures_total",
			Help:      "Best-effort deliveries that failed, by sink (kafka, search, nats)",
		},
		[]string{"sink"},
	)

	AssistantRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assistant_requests_total",
			Help:      "LLM content generation requests by outcome",
		},
		[]string{"outcome"},
	)
)

// Sender labels messages by side.
func Sender(isAdmin bool) string {
	if isAdmin {
		return "admin"
	}
	return "customer"
}
