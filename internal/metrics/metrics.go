// Package metrics exposes the agent's counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons for inbound signaling events.
const (
	DropReasonStale      = "stale"
	DropReasonBusy       = "busy"
	DropReasonDuplicate  = "duplicate"
	DropReasonWrongState = "wrong_state"
)

type Metrics struct {
	registry *prometheus.Registry

	callsInitiated      *prometheus.CounterVec
	callsConnected      *prometheus.CounterVec
	callsEnded          *prometheus.CounterVec
	eventsDropped       *prometheus.CounterVec
	candidatesTrickled  *prometheus.CounterVec
	signalingReconnects prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		callsInitiated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amora_call_calls_initiated_total",
			Help: "Calls started, by kind and direction.",
		}, []string{"kind", "direction"}),
		callsConnected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amora_call_calls_connected_total",
			Help: "Calls that reached a live media connection, by kind.",
		}, []string{"kind"}),
		callsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amora_call_calls_ended_total",
			Help: "Calls torn down, by terminal outcome.",
		}, []string{"outcome"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amora_call_signaling_events_dropped_total",
			Help: "Inbound signaling events discarded, by reason.",
		}, []string{"reason"}),
		candidatesTrickled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amora_call_ice_candidates_total",
			Help: "ICE candidates trickled, by direction.",
		}, []string{"direction"}),
		signalingReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amora_call_signaling_reconnects_total",
			Help: "Times the signaling channel connection was re-established.",
		}),
	}
	reg.MustRegister(
		m.callsInitiated,
		m.callsConnected,
		m.callsEnded,
		m.eventsDropped,
		m.candidatesTrickled,
		m.signalingReconnects,
	)
	return m
}

func (m *Metrics) CallInitiated(kind, direction string) {
	m.callsInitiated.WithLabelValues(kind, direction).Inc()
}

func (m *Metrics) CallConnected(kind string) {
	m.callsConnected.WithLabelValues(kind).Inc()
}

func (m *Metrics) CallEnded(outcome string) {
	m.callsEnded.WithLabelValues(outcome).Inc()
}

func (m *Metrics) EventDropped(reason string) {
	m.eventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) CandidateTrickled(direction string) {
	m.candidatesTrickled.WithLabelValues(direction).Inc()
}

func (m *Metrics) SignalingReconnected() {
	m.signalingReconnects.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
