// Package metrics exposes relay counters to Prometheus. Recording functions
// are no-ops until Init has been called, so packages can record
// unconditionally and tests need no registry.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config configures the relay collectors.
type Config struct {
	Namespace string
	Registry  *prometheus.Registry
}

type collectors struct {
	registry *prometheus.Registry

	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge
	framesIn          prometheus.Counter
	framesOut         prometheus.Counter
	protocolErrors    *prometheus.CounterVec
	roomsActive       prometheus.Gauge
	roomMessages      *prometheus.CounterVec
	tickDuration      prometheus.Histogram
}

var (
	global   *collectors
	globalMu sync.RWMutex
)

// Init creates and registers the collectors. Calling it again replaces the
// previous set, which lets tests start from zero.
func Init(cfg Config) *prometheus.Registry {
	if cfg.Namespace == "" {
		cfg.Namespace = "relay"
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	factory := promauto.With(cfg.Registry)

	c := &collectors{
		registry: cfg.Registry,
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "connections_total",
			Help:      "Total number of accepted WebSocket connections",
		}),
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "connections_active",
			Help:      "Number of open WebSocket connections",
		}),
		framesIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "frames_in_total",
			Help:      "Total number of application messages received",
		}),
		framesOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "frames_out_total",
			Help:      "Total number of application messages sent",
		}),
		protocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "protocol_errors_total",
			Help:      "Connections closed because of a protocol violation, by close code",
		}, []string{"code"}),
		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "rooms_active",
			Help:      "Number of running rooms",
		}),
		roomMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "room_messages_total",
			Help:      "Messages dispatched by rooms, by message type",
		}, []string{"type"}),
		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "room_tick_duration_seconds",
			Help:      "Time spent in one room tick",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		}),
	}

	globalMu.Lock()
	global = c
	globalMu.Unlock()
	return cfg.Registry
}

func current() *collectors {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	c := current()
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ConnectionOpened records an accepted connection.
func ConnectionOpened() {
	if c := current(); c != nil {
		c.connectionsTotal.Inc()
		c.connectionsActive.Inc()
	}
}

// ConnectionClosed records a released connection.
func ConnectionClosed() {
	if c := current(); c != nil {
		c.connectionsActive.Dec()
	}
}

// FrameIn records a received application message.
func FrameIn() {
	if c := current(); c != nil {
		c.framesIn.Inc()
	}
}

// FrameOut records a sent application message.
func FrameOut() {
	if c := current(); c != nil {
		c.framesOut.Inc()
	}
}

// ProtocolError records a connection closed for a protocol violation.
func ProtocolError(code string) {
	if c := current(); c != nil {
		c.protocolErrors.WithLabelValues(code).Inc()
	}
}

// RoomStarted records a room entering its tick loop.
func RoomStarted() {
	if c := current(); c != nil {
		c.roomsActive.Inc()
	}
}

// RoomStopped records a room leaving its tick loop.
func RoomStopped() {
	if c := current(); c != nil {
		c.roomsActive.Dec()
	}
}

// RoomMessage records one dispatched room message.
func RoomMessage(kind string) {
	if c := current(); c != nil {
		c.roomMessages.WithLabelValues(kind).Inc()
	}
}

// ObserveTick records the duration of one room tick.
func ObserveTick(d time.Duration) {
	if c := current(); c != nil {
		c.tickDuration.Observe(d.Seconds())
	}
}
