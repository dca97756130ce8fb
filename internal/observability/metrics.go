package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the fabric's Prometheus collectors.
type Metrics struct {
	// ConnectionsActive is the number of registered connections.
	ConnectionsActive prometheus.Gauge

	// ConnectionAttempts counts upgrade attempts.
	// Labels: outcome (accepted|rejected_capacity|rejected_auth|server_error)
	ConnectionAttempts *prometheus.CounterVec

	// ConnectionEvictions counts liveness evictions.
	ConnectionEvictions prometheus.Counter

	// RoomsActive is the number of non-empty rooms.
	RoomsActive prometheus.Gauge

	// FramesReceived counts inbound frames.
	// Labels: type
	FramesReceived *prometheus.CounterVec

	// FrameErrors counts error frames sent back to clients.
	// Labels: code
	FrameErrors *prometheus.CounterVec

	// FramesDropped counts outbound frames that were not queued.
	// Labels: reason (not_found|not_writable|too_large|buffer_full|encode_error)
	FramesDropped *prometheus.CounterVec

	// BroadcastRecipients measures fan-out per room broadcast.
	BroadcastRecipients prometheus.Histogram

	// Notifications counts dispatch results.
	// Labels: result (delivered|partial|failed|scheduled|expired|filtered|invalid)
	Notifications *prometheus.CounterVec

	// ChannelDeliveries counts per-channel outcomes.
	// Labels: channel, status
	ChannelDeliveries *prometheus.CounterVec

	// ChannelDeliveryDuration measures provider latency in seconds.
	// Labels: channel
	ChannelDeliveryDuration *prometheus.HistogramVec

	// ScheduledPending is the number of notifications waiting on a timer.
	ScheduledPending prometheus.Gauge

	// IntakeMessages counts notification requests consumed from Kafka.
	// Labels: result (dispatched|invalid|failed|dead_lettered)
	IntakeMessages *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, route, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// registers with the Prometheus default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_connections_active",
			Help: "Number of registered realtime connections",
		}),
		ConnectionAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_connection_attempts_total",
			Help: "Connection attempts by outcome",
		}, []string{"outcome"}),
		ConnectionEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "fabric_connection_evictions_total",
			Help: "Connections terminated by the liveness monitor",
		}),
		RoomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_rooms_active",
			Help: "Number of rooms with at least one member",
		}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_frames_received_total",
			Help: "Inbound frames by type",
		}, []string{"type"}),
		FrameErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_frame_errors_total",
			Help: "Error frames sent to clients by code",
		}, []string{"code"}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_frames_dropped_total",
			Help: "Outbound frames dropped before queueing by reason",
		}, []string{"reason"}),
		BroadcastRecipients: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fabric_broadcast_recipients",
			Help:    "Recipients per room broadcast",
			Buckets: []float64{0, 1, 2, 5, 10, 50, 100, 500, 1000, 5000},
		}),
		Notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_notifications_total",
			Help: "Notification dispatch results",
		}, []string{"result"}),
		ChannelDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_channel_deliveries_total",
			Help: "Per-channel delivery outcomes",
		}, []string{"channel", "status"}),
		ChannelDeliveryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fabric_channel_delivery_duration_seconds",
			Help:    "Duration of provider calls in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"channel"}),
		ScheduledPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_notifications_scheduled_pending",
			Help: "Notifications waiting for their scheduled time",
		}),
		IntakeMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_intake_messages_total",
			Help: "Notification requests consumed from the intake topic by result",
		}, []string{"result"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fabric_http_request_duration_seconds",
			Help:    "HTTP API request latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "route", "status_code"}),
	}
}

func (m *Metrics) ConnectionAttempt(outcome string) {
	if m == nil {
		return
	}
	m.ConnectionAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.ConnectionsActive.Set(float64(n))
}

func (m *Metrics) ConnectionEvicted() {
	if m == nil {
		return
	}
	m.ConnectionEvictions.Inc()
}

func (m *Metrics) SetRooms(n int) {
	if m == nil {
		return
	}
	m.RoomsActive.Set(float64(n))
}

func (m *Metrics) FrameReceived(kind string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) FrameError(code string) {
	if m == nil {
		return
	}
	m.FrameErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Broadcast(recipients int) {
	if m == nil {
		return
	}
	m.BroadcastRecipients.Observe(float64(recipients))
}

func (m *Metrics) NotificationResult(result string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(result).Inc()
}

// ChannelDelivery records one channel outcome and, when took is positive,
// its provider latency.
func (m *Metrics) ChannelDelivery(channel, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.ChannelDeliveries.WithLabelValues(channel, status).Inc()
	if took > 0 {
		m.ChannelDeliveryDuration.WithLabelValues(channel).Observe(took.Seconds())
	}
}

func (m *Metrics) SetScheduledPending(n int) {
	if m == nil {
		return
	}
	m.ScheduledPending.Set(float64(n))
}

func (m *Metrics) IntakeMessage(result string) {
	if m == nil {
		return
	}
	m.IntakeMessages.WithLabelValues(result).Inc()
}

func (m *Metrics) HTTPRequest(method, route string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, route, itoa(status)).Observe(took.Seconds())
}
