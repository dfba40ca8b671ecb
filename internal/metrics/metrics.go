// Package metrics exposes orchestrator counters for Prometheus scraping.
// All methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autoar"

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// Counters
	started        prometheus.Counter
	finished       *prometheus.CounterVec
	rejected       *prometheus.CounterVec
	launchFailures prometheus.Counter
	notifications  *prometheus.CounterVec
	faults         prometheus.Counter

	// Gauges
	active prometheus.Gauge

	// Histograms
	duration *prometheus.HistogramVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.started = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scans_started_total",
		Help:      "Scan sessions created",
	})
	m.finished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_finished_total",
			Help:      "Scan sessions that reached a terminal state",
		},
		[]string{"state"},
	)
	m.rejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_requests_rejected_total",
			Help:      "Start or stop requests rejected before reaching the engine",
		},
		[]string{"reason"},
	)
	m.launchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "launch_failures_total",
		Help:      "Scans whose engine launch failed",
	})
	m.notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Webhook deliveries by channel and result",
		},
		[]string{"channel", "result"},
	)
	m.faults = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "state_faults_total",
		Help:      "Orchestrator-initiated transitions rejected by the session store",
	})
	m.active = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "scans_active",
		Help:      "Scans currently running or stopping",
	})
	m.duration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Wall time of finished scans",
			Buckets:   []float64{1, 10, 30, 60, 300, 900, 1800, 3600, 7200, 14400},
		},
		[]string{"state"},
	)

	m.registry.MustRegister(
		m.started,
		m.finished,
		m.rejected,
		m.launchFailures,
		m.notifications,
		m.faults,
		m.active,
		m.duration,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

func (m *Metrics) ScanStarted() {
	if m == nil {
		return
	}
	m.started.Inc()
}

// ScanRunning marks a session as active.
func (m *Metrics) ScanRunning() {
	if m == nil {
		return
	}
	m.active.Inc()
}

// ScanFinished records a terminal transition. wasActive is false for
// sessions that never reached Running.
func (m *Metrics) ScanFinished(state string, elapsed time.Duration, wasActive bool) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(state).Inc()
	m.duration.WithLabelValues(state).Observe(elapsed.Seconds())
	if wasActive {
		m.active.Dec()
	}
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) LaunchFailed() {
	if m == nil {
		return
	}
	m.launchFailures.Inc()
}

// Notification records one delivery attempt.
func (m *Metrics) Notification(channel string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.notifications.WithLabelValues(channel, result).Inc()
}

// NotificationDropped records a delivery refused because the dispatcher was
// closed.
func (m *Metrics) NotificationDropped(channel string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(channel, "dropped").Inc()
}

func (m *Metrics) Fault() {
	if m == nil {
		return
	}
	m.faults.Inc()
}
