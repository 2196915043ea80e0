// Package metrics exposes engine and device counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/kioskfsm/internal/device"
	"github.com/roach88/kioskfsm/internal/fsm"
)

// Registry owns a private Prometheus registry. It implements
// engine.Metrics and device.Observer.
type Registry struct {
	reg *prometheus.Registry

	Transitions   *prometheus.CounterVec
	StaleDropped  *prometheus.CounterVec
	Escalations   *prometheus.CounterVec
	DeviceCalls   *prometheus.CounterVec
	DeviceLatency *prometheus.HistogramVec
}

// New creates and registers every collector.
func New() *Registry {
	r := prometheus.NewRegistry()
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kioskfsm_transitions_total",
		Help: "Lifecycle log entries by event, destination state and outcome.",
	}, []string{"event", "to", "outcome"})
	stale := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kioskfsm_stale_dropped_total",
		Help: "Deadline fires and device results dropped because the runtime moved on.",
	}, []string{"kind"})
	escalations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kioskfsm_retry_escalations_total",
		Help: "Retries rewritten to failure after the ceiling was reached.",
	}, []string{"phase"})
	calls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kioskfsm_device_calls_total",
		Help: "Device exchanges by kind and classified outcome.",
	}, []string{"kind", "outcome"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kioskfsm_device_latency_seconds",
		Help:    "Device exchange latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	r.MustRegister(transitions, stale, escalations, calls, latency)
	return &Registry{
		reg:           r,
		Transitions:   transitions,
		StaleDropped:  stale,
		Escalations:   escalations,
		DeviceCalls:   calls,
		DeviceLatency: latency,
	}
}

// ObserveTransition counts one log entry.
func (r *Registry) ObserveTransition(e fsm.TransitionEntry) {
	r.Transitions.WithLabelValues(string(e.Event), string(e.To), string(e.Outcome)).Inc()
}

// ObserveStale counts one dropped fire or device result.
func (r *Registry) ObserveStale(kind string) {
	r.StaleDropped.WithLabelValues(kind).Inc()
}

// ObserveEscalation counts one retry rewritten to failure.
func (r *Registry) ObserveEscalation(phase fsm.Phase) {
	r.Escalations.WithLabelValues(string(phase)).Inc()
}

// ObserveDevice records one classified exchange.
func (r *Registry) ObserveDevice(kind fsm.Phase, outcome device.Outcome, latency time.Duration) {
	r.DeviceCalls.WithLabelValues(string(kind), string(outcome)).Inc()
	r.DeviceLatency.WithLabelValues(string(kind)).Observe(latency.Seconds())
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
