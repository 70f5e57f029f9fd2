// Package metrics provides Prometheus metrics for pwnat.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "pwnat"
)

// Signal results recorded by RecordSignal.
const (
	SignalAccepted    = "accepted"
	SignalDuplicate   = "duplicate"
	SignalMalformed   = "malformed"
	SignalRateLimited = "rate_limited"
	SignalLimit       = "limit"
)

// Metrics contains all Prometheus metrics for the agent.
type Metrics struct {
	// Server session metrics
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	SessionErrors  *prometheus.CounterVec

	// ICMP metrics
	SignalsReceived *prometheus.CounterVec
	SignalsSent     prometheus.Counter
	ProbesSent      prometheus.Counter
	ICMPSendErrors  prometheus.Counter

	// Client flow metrics
	FlowsActive prometheus.Gauge
	FlowsTotal  prometheus.Counter

	// Tunnel metrics
	TunnelConnectLatency prometheus.Histogram
	BytesRelayed         *prometheus.CounterVec
	ReactorDispatches    *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance registered with reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Server session metrics
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active server sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of server sessions created",
		}),
		SessionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Total session failures by reason",
		}, []string{"reason"}),

		// ICMP metrics
		SignalsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_received_total",
			Help:      "Total ICMP datagrams received by the server, by result",
		}, []string{"result"}),
		SignalsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_sent_total",
			Help:      "Total TTL-exceeded signals sent by the client",
		}),
		ProbesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_sent_total",
			Help:      "Total echo probes sent by the server",
		}),
		ICMPSendErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "icmp_send_errors_total",
			Help:      "Total ICMP send failures",
		}),

		// Client flow metrics
		FlowsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "flows_active",
			Help:      "Number of currently active client flows",
		}),
		FlowsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flows_total",
			Help:      "Total number of client flows accepted",
		}),

		// Tunnel metrics
		TunnelConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tunnel_connect_latency_seconds",
			Help:      "Histogram of tunnel rendezvous latency in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Total bytes relayed between TCP and tunnel, by direction",
		}, []string{"direction"}),
		ReactorDispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reactor_dispatches_total",
			Help:      "Total tunnel readiness callbacks dispatched, by direction",
		}, []string{"direction"}),
	}

	return m
}

// RecordSessionOpen records a server session being created.
func (m *Metrics) RecordSessionOpen() {
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
}

// RecordSessionClose records a server session being torn down.
func (m *Metrics) RecordSessionClose() {
	m.SessionsActive.Dec()
}

// RecordSessionError records a session failure.
func (m *Metrics) RecordSessionError(reason string) {
	m.SessionErrors.WithLabelValues(reason).Inc()
}

// RecordSignal records the outcome of one received ICMP datagram.
func (m *Metrics) RecordSignal(result string) {
	m.SignalsReceived.WithLabelValues(result).Inc()
}

// RecordSignalSent records a TTL-exceeded signal sent by the client.
func (m *Metrics) RecordSignalSent() {
	m.SignalsSent.Inc()
}

// RecordProbeSent records an echo probe sent by the server.
func (m *Metrics) RecordProbeSent() {
	m.ProbesSent.Inc()
}

// RecordICMPSendError records a failed ICMP send.
func (m *Metrics) RecordICMPSendError() {
	m.ICMPSendErrors.Inc()
}

// RecordFlowOpen records a client flow being accepted.
func (m *Metrics) RecordFlowOpen() {
	m.FlowsActive.Inc()
	m.FlowsTotal.Inc()
}

// RecordFlowClose records a client flow ending.
func (m *Metrics) RecordFlowClose() {
	m.FlowsActive.Dec()
}

// RecordTunnelConnect records how long a tunnel rendezvous took.
func (m *Metrics) RecordTunnelConnect(latencySeconds float64) {
	m.TunnelConnectLatency.Observe(latencySeconds)
}

// RecordBytesRelayed records bytes moved in one direction.
func (m *Metrics) RecordBytesRelayed(direction string, bytes int) {
	m.BytesRelayed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordReactorDispatch records one readiness callback.
func (m *Metrics) RecordReactorDispatch(direction string) {
	m.ReactorDispatches.WithLabelValues(direction).Inc()
}
