package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the call orchestrator.  A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Reasoning
	ReasoningAttempts  *prometheus.CounterVec
	ReasoningFallbacks prometheus.Counter

	// Event stream
	Events          *prometheus.CounterVec
	MalformedEvents prometheus.Counter
	Reconnects      prometheus.Counter

	// Calls
	ActiveCalls prometheus.Gauge
	EndPresses  prometheus.Counter

	// Observers
	Observers          prometheus.Gauge
	ObserverDeliveries *prometheus.CounterVec

	// Side effects
	DroppedTasks *prometheus.CounterVec
}

// New creates a Metrics instance with all collectors registered on a private
// registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "arsip"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		ReasoningAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reasoning_attempts_total",
				Help:      "Reasoning service requests by outcome",
			},
			[]string{"outcome"},
		),
		ReasoningFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reasoning_fallbacks_total",
			Help:      "Reasoning calls that exhausted retries and used the fallback directive",
		}),
		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ari_events_total",
				Help:      "Telephony control-plane events received by type",
			},
			[]string{"type"},
		),
		MalformedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ari_malformed_events_total",
			Help:      "Telephony control-plane events that failed to decode",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ari_reconnects_total",
			Help:      "Event stream reconnect attempts",
		}),
		ActiveCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Calls currently held in memory",
		}),
		EndPresses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "end_presses_total",
			Help:      "DTMF 2 presses issued while stepping through end-of-call prompts",
		}),
		Observers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observers_bound",
			Help:      "Live observer connections currently bound",
		}),
		ObserverDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "observer_deliveries_total",
				Help:      "Observer notifications by result",
			},
			[]string{"result"},
		),
		DroppedTasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_tasks_total",
				Help:      "Background tasks dropped because a per-call queue was full",
			},
			[]string{"queue"},
		),
	}

	registry.MustRegister(
		m.ReasoningAttempts,
		m.ReasoningFallbacks,
		m.Events,
		m.MalformedEvents,
		m.Reconnects,
		m.ActiveCalls,
		m.EndPresses,
		m.Observers,
		m.ObserverDeliveries,
		m.DroppedTasks,
	)

	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ReasoningAttempt(outcome string) {
	if m == nil {
		return
	}
	m.ReasoningAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ReasoningFallback() {
	if m == nil {
		return
	}
	m.ReasoningFallbacks.Inc()
}

func (m *Metrics) Event(eventType string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(eventType).Inc()
}

func (m *Metrics) MalformedEvent() {
	if m == nil {
		return
	}
	m.MalformedEvents.Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

func (m *Metrics) SetActiveCalls(n int) {
	if m == nil {
		return
	}
	m.ActiveCalls.Set(float64(n))
}

func (m *Metrics) EndPress() {
	if m == nil {
		return
	}
	m.EndPresses.Inc()
}

func (m *Metrics) SetObservers(n int) {
	if m == nil {
		return
	}
	m.Observers.Set(float64(n))
}

func (m *Metrics) ObserverDelivery(result string) {
	if m == nil {
		return
	}
	m.ObserverDeliveries.WithLabelValues(result).Inc()
}

func (m *Metrics) DroppedTask(queue string) {
	if m == nil {
		return
	}
	m.DroppedTasks.WithLabelValues(queue).Inc()
}
