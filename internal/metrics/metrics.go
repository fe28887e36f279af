package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Connection metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_connections_active",
			Help: "Currently open relay connections",
		},
	)

	UsersOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_users_online",
			Help: "Users with at least one live connection",
		},
	)

	RoomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_rooms_active",
			Help: "Rooms currently tracked by the directory",
		},
	)

	AuthFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_auth_failures_total",
			Help: "Total rejected authentication attempts",
		},
	)

	// Event metrics
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_total",
			Help: "Inbound events by type",
		},
		[]string{"event"},
	)

	MessagesRelayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_messages_relayed_total",
			Help: "Messages accepted and fanned out",
		},
	)

	TypingEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_typing_events_total",
			Help: "Typing state broadcasts by transition",
		},
		[]string{"state"}, // "started" or "stopped"
	)

	// Broadcast metrics
	BroadcastSends = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_broadcast_sends_total",
			Help: "Individual connection deliveries attempted",
		},
	)

	DroppedSends = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_dropped_sends_total",
			Help: "Deliveries dropped due to a full or closed send queue",
		},
	)

	RoomsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_rooms_swept_total",
			Help: "Stale empty rooms removed by the maintenance sweep",
		},
	)
)
