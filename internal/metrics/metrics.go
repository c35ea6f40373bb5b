// Package metrics exposes Prometheus instrumentation for the gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveConnections tracks live WebSocket clients.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "glance_active_connections",
		Help: "Number of connected WebSocket clients",
	})

	// SessionsCreated counts successful browser session creations.
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "glance_sessions_created_total",
		Help: "Total browser sessions created",
	})

	// SessionCreateFailures counts failed session creations after retries.
	SessionCreateFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "glance_session_create_failures_total",
		Help: "Total session creation failures after all retries",
	})

	// SessionsRecovered counts in-place session recoveries.
	SessionsRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "glance_sessions_recovered_total",
		Help: "Total sessions recovered after health failures",
	})

	// FramesSent counts screencast frames delivered to clients.
	FramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "glance_frames_sent_total",
		Help: "Total screencast frames sent to clients",
	})

	// FramesDropped counts frames dropped under backpressure or memory pressure.
	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "glance_frames_dropped_total",
		Help: "Total screencast frames dropped",
	})

	// MessagesHandled counts inbound commands by message type.
	MessagesHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "glance_messages_handled_total",
		Help: "Total inbound client messages handled, by type",
	}, []string{"type"})

	// MemoryPressureLevel is the governor's last observed level
	// (0 none, 1 cleanup, 2 emergency).
	MemoryPressureLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "glance_memory_pressure_level",
		Help: "Current memory pressure level (0 none, 1 cleanup, 2 emergency)",
	})

	// CircuitOpen reports whether the session-create breaker is open.
	CircuitOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "glance_session_create_circuit_open",
		Help: "Whether the session-create circuit breaker is open (0 or 1)",
	})

	// AuthRejections counts rejected connection attempts.
	AuthRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "glance_auth_rejections_total",
		Help: "Total WebSocket connections rejected for missing or bad tokens",
	})
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
