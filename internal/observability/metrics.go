package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"
)

var (
	// RedisErrorRate counts Redis errors by operation type.
	RedisErrorRate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lecturechat_redis_error_rate_total",
		Help: "Total number of Redis errors by operation type",
	}, []string{"operation"})

	// DatabaseQueryLatency records database query latency by operation and table.
	DatabaseQueryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lecturechat_database_query_latency_seconds",
		Help:    "Database query latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	// WebSocketRoomConnections is the gauge of connections per room.
	WebSocketRoomConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lecturechat_websocket_room_connections",
		Help: "Number of WebSocket connections per room",
	}, []string{"room_id"})

	// MessageThroughput counts chat messages processed per room and type.
	MessageThroughput = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lecturechat_message_throughput_total",
		Help: "Total number of chat messages processed",
	}, []string{"room_id", "message_type"})

	// WebSocketEventsTotal counts WebSocket commands by type.
	WebSocketEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lecturechat_websocket_events_total",
		Help: "Total WebSocket events by type",
	}, []string{"event_type"})

	// WebSocketBackpressureDrops counts messages dropped due to backpressure by hub and reason.
	WebSocketBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lecturechat_websocket_backpressure_drops_total",
		Help: "Total number of WebSocket messages dropped due to backpressure",
	}, []string{"hub", "reason"})

	// EventPublishFailures counts room events that failed to reach Redis pub/sub.
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lecturechat_event_publish_failures_total",
		Help: "Total number of room events that failed to publish to Redis",
	}, []string{"event"})

	// RateLimitRejections counts messages rejected by the rate limiter.
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lecturechat_rate_limit_rejections_total",
		Help: "Total number of messages rejected by rate limiting",
	}, []string{"kind"})

	// PollVotesTotal counts accepted poll votes per room.
	PollVotesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lecturechat_poll_votes_total",
		Help: "Total number of accepted poll votes",
	}, []string{"room_id"})
)

// DatabaseMetrics wraps DB access for recording query latency.
type DatabaseMetrics struct {
	db *gorm.DB
}

// NewDatabaseMetrics returns a new DatabaseMetrics instance.
func NewDatabaseMetrics(db *gorm.DB) *DatabaseMetrics {
	return &DatabaseMetrics{db: db}
}

// ObserveQuery records the latency of a database query.
func (m *DatabaseMetrics) ObserveQuery(operation, table string, start time.Time) {
	latency := time.Since(start).Seconds()
	DatabaseQueryLatency.WithLabelValues(operation, table).Observe(latency)
}

// TrackQuery returns a function that records query latency when called (e.g. defer).
func (m *DatabaseMetrics) TrackQuery(operation, table string) func() {
	start := time.Now()
	return func() {
		m.ObserveQuery(operation, table, start)
	}
}

// RoomMetrics tracks per-room WebSocket connection counts.
type RoomMetrics struct{}

// NewRoomMetrics returns a new RoomMetrics instance.
func NewRoomMetrics() *RoomMetrics {
	return &RoomMetrics{}
}

// IncrementRoom increments the connection count for the room.
func (*RoomMetrics) IncrementRoom(roomID string) {
	WebSocketRoomConnections.WithLabelValues(roomID).Inc()
}

// DecrementRoom decrements the connection count for the room.
func (*RoomMetrics) DecrementRoom(roomID string) {
	WebSocketRoomConnections.WithLabelValues(roomID).Dec()
}

// RecordMessage increments message throughput counters for the room and type.
func (*RoomMetrics) RecordMessage(roomID, messageType string) {
	MessageThroughput.WithLabelValues(roomID, messageType).Inc()
}

// RecordWebSocketEvent increments the WebSocket events counter for the event type.
func (*RoomMetrics) RecordWebSocketEvent(eventType string) {
	WebSocketEventsTotal.WithLabelValues(eventType).Inc()
}
