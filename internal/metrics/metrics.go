package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "darasa_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "darasa_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Business metrics
	MembersRegistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "darasa_members_registered_total",
			Help: "Total members registered",
		},
	)

	MessagesPosted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "darasa_messages_posted_total",
			Help: "Total messages posted",
		},
		[]string{"thread_kind"},
	)

	ReceiptsRecorded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "darasa_read_receipts_recorded_total",
			Help: "Total read receipts recorded",
		},
	)

	// Typing indicator metrics
	TypingBroadcasts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "darasa_typing_broadcasts_total",
			Help: "Typing events fanned out to subscribers",
		},
	)

	TypingSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "darasa_typing_suppressed_total",
			Help: "Typing events dropped by the throttle window",
		},
	)

	// Offline sync metrics
	OutboxReplays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "darasa_outbox_replays_total",
			Help: "Outbox envelopes replayed through /sync/outbox",
		},
		[]string{"result"}, // "stored", "duplicate", "rejected"
	)

	// Realtime metrics
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "darasa_ws_connections",
			Help: "Active WebSocket connections",
		},
	)

	WSEventsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "darasa_ws_events_sent_total",
			Help: "Events written to WebSocket clients",
		},
		[]string{"type"},
	)

	// Infrastructure metrics
	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "darasa_redis_latency_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)

	PostgresLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "darasa_postgres_latency_seconds",
			Help:    "PostgreSQL query latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1},
		},
	)
)
