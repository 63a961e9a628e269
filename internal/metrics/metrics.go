// Package metrics exposes Prometheus collectors for a running game host.
//
// All methods are safe on a nil *Metrics so callers never need to check
// whether metrics are enabled.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Turn outcomes.
const (
	OutcomeCompleted   = "completed"
	OutcomeInterrupted = "interrupted"
	OutcomeFailed      = "failed"
	OutcomeCleared     = "cleared"
)

// Metrics holds the host's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	clients          prometheus.Gauge
	clientsDropped   prometheus.Counter
	broadcasts       *prometheus.CounterVec
	turns            *prometheus.CounterVec
	toolDecisions    *prometheus.CounterVec
	tunnelReconnects prometheus.Counter
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "llamas",
			Name:      "connected_clients",
			Help:      "Clients currently receiving session updates.",
		}),
		clientsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "llamas",
			Name:      "clients_dropped_total",
			Help:      "Clients disconnected because they could not keep up.",
		}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llamas",
			Name:      "broadcast_messages_total",
			Help:      "Messages fanned out to clients, by type.",
		}, []string{"type"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llamas",
			Name:      "turns_total",
			Help:      "Finished game master turns, by outcome.",
		}, []string{"outcome"}),
		toolDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llamas",
			Name:      "tool_decisions_total",
			Help:      "Tool permission decisions, by tool and behavior.",
		}, []string{"tool", "behavior"}),
		tunnelReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "llamas",
			Name:      "tunnel_reconnects_total",
			Help:      "Relay reopen attempts after an unexpected closure.",
		}),
	}
	m.registry.MustRegister(
		m.clients,
		m.clientsDropped,
		m.broadcasts,
		m.turns,
		m.toolDecisions,
		m.tunnelReconnects,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
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

func (m *Metrics) SetClients(n int) {
	if m != nil {
		m.clients.Set(float64(n))
	}
}

func (m *Metrics) ClientDropped() {
	if m != nil {
		m.clientsDropped.Inc()
	}
}

func (m *Metrics) Broadcast(msgType string) {
	if m != nil {
		m.broadcasts.WithLabelValues(msgType).Inc()
	}
}

func (m *Metrics) TurnFinished(outcome string) {
	if m != nil {
		m.turns.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ToolDecision(tool, behavior string) {
	if m != nil {
		m.toolDecisions.WithLabelValues(tool, behavior).Inc()
	}
}

func (m *Metrics) TunnelReconnect() {
	if m != nil {
		m.tunnelReconnects.Inc()
	}
}
