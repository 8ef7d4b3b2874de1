// Package metrics exposes the engine's Prometheus surface: intake
// counters, dispatch queue depth, and LLM/image-gateway latency.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the counters and histograms the orchestrator and
// intake layer record against.
type Registry struct {
	reg *prometheus.Registry

	eventsReceived  *prometheus.CounterVec
	eventsDeduped   prometheus.Counter
	dispatchedTasks *prometheus.CounterVec

	gatewayLatency *prometheus.HistogramVec
	gatewayErrors  *prometheus.CounterVec

	workersRunning prometheus.Gauge
	tasksWaiting   prometheus.Gauge
}

var defaultBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120}

// New builds a Registry with every metric registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	m := &Registry{
		reg: reg,
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tuolan",
			Subsystem: "intake",
			Name:      "events_received_total",
			Help:      "Webhook events received, by event_type.",
		}, []string{"event_type"}),
		eventsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tuolan",
			Subsystem: "intake",
			Name:      "events_deduped_total",
			Help:      "Webhook deliveries dropped as duplicates.",
		}),
		dispatchedTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tuolan",
			Subsystem: "orchestrator",
			Name:      "dispatched_total",
			Help:      "Events handed to the orchestrator, by outcome.",
		}, []string{"outcome"}),
		gatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tuolan",
			Subsystem: "gateway",
			Name:      "call_latency_seconds",
			Help:      "LLM/image gateway call latency in seconds.",
			Buckets:   defaultBuckets,
		}, []string{"gateway", "purpose"}),
		gatewayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tuolan",
			Subsystem: "gateway",
			Name:      "errors_total",
			Help:      "LLM/image gateway call failures, by kind.",
		}, []string{"gateway", "kind"}),
		workersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tuolan",
			Subsystem: "dispatch",
			Name:      "workers_running",
			Help:      "Dispatch worker-pool goroutines currently running a task.",
		}),
		tasksWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tuolan",
			Subsystem: "dispatch",
			Name:      "tasks_waiting",
			Help:      "Events queued but not yet picked up by a worker.",
		}),
	}

	reg.MustRegister(
		m.eventsReceived, m.eventsDeduped, m.dispatchedTasks,
		m.gatewayLatency, m.gatewayErrors, m.workersRunning, m.tasksWaiting,
	)
	return m
}

// RecordEventReceived counts an accepted webhook delivery.
func (m *Registry) RecordEventReceived(eventType string) {
	m.eventsReceived.WithLabelValues(eventType).Inc()
}

// RecordDeduped counts a delivery dropped by the dedup chokepoint.
func (m *Registry) RecordDeduped() {
	m.eventsDeduped.Inc()
}

// RecordDispatched counts an event the orchestrator ran to
// completion (outcome is "ok" or "panic").
func (m *Registry) RecordDispatched(outcome string) {
	m.dispatchedTasks.WithLabelValues(outcome).Inc()
}

// ObserveGatewayCall records a gateway round-trip's latency and,
// on failure, its error kind.
func (m *Registry) ObserveGatewayCall(gateway, purpose string, d time.Duration, errKind string) {
	m.gatewayLatency.WithLabelValues(gateway, purpose).Observe(d.Seconds())
	if errKind != "" {
		m.gatewayErrors.WithLabelValues(gateway, errKind).Inc()
	}
}

// SetPoolStats mirrors the dispatcher's worker-pool counters onto
// gauges, called on a short interval from the server's metrics loop.
func (m *Registry) SetPoolStats(running, waiting int64) {
	m.workersRunning.Set(float64(running))
	m.tasksWaiting.Set(float64(waiting))
}

// Handler returns the /metrics HTTP handler.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
