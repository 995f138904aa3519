// Package metrics exposes the fleet's Prometheus instruments. Collectors are
// registered once at init through promauto; the /metrics route serves the
// default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks registered websocket sessions.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chathub_active_connections",
		Help: "Currently registered websocket sessions.",
	})

	// ActiveStreams tracks in-flight AI streaming sessions.
	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chathub_active_ai_streams",
		Help: "Currently running AI streaming sessions.",
	})

	// MessagesIn counts accepted inbound chat messages.
	MessagesIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chathub_messages_in_total",
		Help: "Inbound chat messages accepted and persisted.",
	})

	// MessagesOut counts events fanned out to local sessions.
	MessagesOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chathub_messages_out_total",
		Help: "Events delivered to local websocket sessions.",
	})

	// RateLimited counts messages rejected by the per-user limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chathub_rate_limited_total",
		Help: "Messages rejected by the per-user rate limiter.",
	})

	// Preemptions counts sessions terminated by a duplicate login.
	Preemptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chathub_session_preemptions_total",
		Help: "Sessions terminated because the same user logged in elsewhere.",
	})

	// HistoryLoads counts history page fetches by outcome.
	HistoryLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chathub_history_loads_total",
		Help: "History page fetches by outcome.",
	}, []string{"outcome"}) // hit, miss, error

	// BusPublished counts envelopes published to the bus.
	BusPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chathub_bus_published_total",
		Help: "Envelopes published to the cross-instance bus.",
	})

	// BusReceived counts envelopes accepted from the bus after origin
	// filtering.
	BusReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chathub_bus_received_total",
		Help: "Envelopes received from the bus and applied locally.",
	})

	// JanitorSweeps counts entries removed per janitor target.
	JanitorSweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chathub_janitor_swept_total",
		Help: "Stale entries removed by the janitor, by target.",
	}, []string{"target"}) // streams, rate_buckets, connections, inflight
)
