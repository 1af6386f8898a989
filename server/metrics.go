package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	liveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "studiorelay_connections",
		Help: "Number of open relay connections.",
	})

	registeredUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "studiorelay_registered_users",
		Help: "Number of users with a live presence entry.",
	})

	inboundEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "studiorelay_events_total",
		Help: "Inbound relay events by name.",
	}, []string{"event"})

	messagesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "studiorelay_messages_delivered_total",
		Help: "Chat messages pushed to a live receiver.",
	})

	presenceMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "studiorelay_presence_misses_total",
		Help: "Chat messages stored for a receiver with no live connection.",
	})

	signalsRelayed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "studiorelay_signals_relayed_total",
		Help: "Signaling payloads forwarded to their target connection.",
	})

	signalsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "studiorelay_signals_dropped_total",
		Help: "Signaling payloads dropped because the target connection is gone.",
	})

	rateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "studiorelay_rate_limited_total",
		Help: "Inbound events rejected by the per-connection limiter.",
	})
)

func init() {
	prometheus.MustRegister(
		liveConnections,
		registeredUsers,
		inboundEvents,
		messagesDelivered,
		presenceMisses,
		signalsRelayed,
		signalsDropped,
		rateLimited,
	)
}
