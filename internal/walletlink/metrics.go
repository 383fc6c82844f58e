package walletlink

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsNamespace prefixes every engine metric.
const metricsNamespace = "walletlink"

// Decrypt failure sources.
const (
	decryptSourceMetadata = "metadata"
	decryptSourceEvent    = "event"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	connected         prometheus.Gauge
	linked            prometheus.Gauge
	reconnectAttempts prometheus.Counter
	heartbeatTimeouts prometheus.Counter
	requests          *prometheus.CounterVec
	decryptFailures   *prometheus.CounterVec
}

// NewMetrics creates and registers the engine collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		connected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connected",
			Help:      "Whether the session handshake has completed on an open connection (1) or not (0)",
		}),

		linked: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "linked",
			Help:      "Whether a wallet is linked to the session (1) or not (0)",
		}),

		reconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconnect_attempts_total",
			Help:      "Total number of reconnect attempts after an unexpected close",
		}),

		heartbeatTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "heartbeat_timeouts_total",
			Help:      "Total number of connections closed for missing heartbeats",
		}),

		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Total id-correlated requests by message type and outcome",
		}, []string{"type", "outcome"}),

		decryptFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "decrypt_failures_total",
			Help:      "Total payloads that failed to decrypt, by source",
		}, []string{"source"}),
	}
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}

	return 0
}

func (m *Metrics) setConnected(v bool) {
	if m != nil {
		m.connected.Set(boolGauge(v))
	}
}

func (m *Metrics) setLinked(v bool) {
	if m != nil {
		m.linked.Set(boolGauge(v))
	}
}

func (m *Metrics) reconnectAttempt() {
	if m != nil {
		m.reconnectAttempts.Inc()
	}
}

func (m *Metrics) heartbeatTimeout() {
	if m != nil {
		m.heartbeatTimeouts.Inc()
	}
}

func (m *Metrics) request(msgType, outcome string) {
	if m != nil {
		m.requests.WithLabelValues(msgType, outcome).Inc()
	}
}

func (m *Metrics) decryptFailure(source string) {
	if m != nil {
		m.decryptFailures.WithLabelValues(source).Inc()
	}
}
