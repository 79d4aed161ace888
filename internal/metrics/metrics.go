package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Gateway metrics
	MessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shepherd_messages_consumed_total",
			Help: "Total number of broker messages consumed",
		},
		[]string{"topic"},
	)

	MessagesProduced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shepherd_messages_produced_total",
			Help: "Total number of broker messages produced",
		},
		[]string{"topic"},
	)

	DecodeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shepherd_decode_errors_total",
			Help: "Total number of broker records dropped due to decode failures",
		},
		[]string{"topic"},
	)

	DispatchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shepherd_dispatch_errors_total",
			Help: "Total number of records whose handler failed",
		},
		[]string{"topic"},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shepherd_dispatch_duration_seconds",
			Help:    "Time spent handling one decoded record",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"topic"},
	)

	// Agent supervisor metrics
	AgentsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shepherd_agents_running",
			Help: "Number of agents currently in the registry",
		},
	)

	AgentsSpawned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shepherd_agents_spawned_total",
			Help: "Total number of agent processes spawned",
		},
		[]string{"agent_type"},
	)

	AgentsRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shepherd_agents_removed_total",
			Help: "Total number of agents removed from the registry",
		},
	)

	// Websocket metrics
	WebsocketSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shepherd_websocket_sessions",
			Help: "Number of websocket sessions currently open",
		},
	)

	// Event bus metrics
	BusDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shepherd_bus_dropped_total",
			Help: "Events dropped because a subscriber's buffer was full",
		},
		[]string{"topic"},
	)
)
