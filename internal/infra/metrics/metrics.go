// Package metrics exposes fleet and tool-call counters on a private
// prometheus registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors registered by New.
type Metrics struct {
	registry *prometheus.Registry

	providers      prometheus.Gauge
	providerStarts *prometheus.CounterVec
	toolCalls      *prometheus.CounterVec
	vetting        *prometheus.CounterVec
	reconciles     prometheus.Counter
	published      *prometheus.CounterVec
	dropped        *prometheus.CounterVec
}

// New registers the konvo collectors on registry. A nil registry yields a
// nil *Metrics.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		registry: registry,
		providers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "konvo_fleet_providers",
			Help: "Number of tool providers currently connected",
		}),
		providerStarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "konvo_provider_starts_total",
				Help: "Total number of provider start attempts by result",
			},
			[]string{"result"},
		),
		toolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "konvo_tool_calls_total",
				Help: "Total number of tool calls by provider and result kind",
			},
			[]string{"provider", "result"},
		),
		vetting: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "konvo_vetting_decisions_total",
				Help: "Total number of vetting decisions by outcome",
			},
			[]string{"outcome"},
		),
		reconciles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "konvo_fleet_reconciliations_total",
			Help: "Total number of fleet reconciliations",
		}),
		published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "konvo_events_published_total",
				Help: "Total number of events published by event type",
			},
			[]string{"event_type"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "konvo_events_dropped_total",
				Help: "Total number of events dropped due to full subscriber queues",
			},
			[]string{"event_type"},
		),
	}

	registry.MustRegister(
		m.providers,
		m.providerStarts,
		m.toolCalls,
		m.vetting,
		m.reconciles,
		m.published,
		m.dropped,
	)
	return m
}

// SetProviders records the number of connected providers.
func (m *Metrics) SetProviders(n int) {
	if m != nil {
		m.providers.Set(float64(n))
	}
}

// ProviderStart counts one start attempt; result is "ok" or "failed".
func (m *Metrics) ProviderStart(result string) {
	if m != nil {
		m.providerStarts.WithLabelValues(result).Inc()
	}
}

// ToolCall counts one finished tool call.
func (m *Metrics) ToolCall(provider, result string) {
	if m != nil {
		m.toolCalls.WithLabelValues(provider, result).Inc()
	}
}

// VettingDecision counts one user decision; outcome is "allowed" or "rejected".
func (m *Metrics) VettingDecision(outcome string) {
	if m != nil {
		m.vetting.WithLabelValues(outcome).Inc()
	}
}

// Reconciled counts one completed reconciliation.
func (m *Metrics) Reconciled() {
	if m != nil {
		m.reconciles.Inc()
	}
}

// EventPublished counts one published event.
func (m *Metrics) EventPublished(eventType string) {
	if m != nil {
		m.published.WithLabelValues(eventType).Inc()
	}
}

// EventDropped counts one event a subscriber could not take.
func (m *Metrics) EventDropped(eventType string) {
	if m != nil {
		m.dropped.WithLabelValues(eventType).Inc()
	}
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
