package monitoring

import (
	"time"

	"chathub/internal/core/domain"
	"chathub/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector records relay traffic on the server and call
// outcomes on the client.
type PrometheusCollector struct {
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	envelopesRelayed  *prometheus.CounterVec
	envelopesRejected *prometheus.CounterVec

	callsStarted *prometheus.CounterVec
	callsEnded   *prometheus.CounterVec
	callSetup    prometheus.Histogram
	callDuration prometheus.Histogram
}

var (
	_ ports.RelayMetrics = (*PrometheusCollector)(nil)
	_ ports.CallMetrics  = (*PrometheusCollector)(nil)
)

// NewPrometheusCollector registers the collectors with reg. Tests pass a
// fresh prometheus.NewRegistry() to avoid duplicate registration.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chathub_signal_connections_active",
			Help: "Number of open signaling WebSocket connections",
		}),

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chathub_signal_connections_total",
			Help: "Total number of accepted signaling WebSocket connections",
		}),

		envelopesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chathub_signal_envelopes_relayed_total",
			Help: "Envelopes delivered by the relay, by type and delivery path",
		}, []string{"type", "delivery"}),

		envelopesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chathub_signal_envelopes_rejected_total",
			Help: "Envelopes the relay refused, by type and error code",
		}, []string{"type", "code"}),

		callsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chathub_calls_started_total",
			Help: "Calls started, by direction and media type",
		}, []string{"direction", "call_type"}),

		callsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chathub_calls_ended_total",
			Help: "Calls ended, by reason",
		}, []string{"reason"}),

		callSetup: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chathub_call_setup_seconds",
			Help:    "Time from call start until media connected",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),

		callDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chathub_call_duration_seconds",
			Help:    "Duration of ended calls",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}

func (p *PrometheusCollector) ConnectionOpened() {
	p.connectionsActive.Inc()
	p.connectionsTotal.Inc()
}

func (p *PrometheusCollector) ConnectionClosed() {
	p.connectionsActive.Dec()
}

func (p *PrometheusCollector) EnvelopeRelayed(msgType domain.SignalType, delivery string) {
	p.envelopesRelayed.WithLabelValues(string(msgType), delivery).Inc()
}

func (p *PrometheusCollector) EnvelopeRejected(msgType domain.SignalType, code domain.SignalErrorCode) {
	p.envelopesRejected.WithLabelValues(string(msgType), string(code)).Inc()
}

func (p *PrometheusCollector) CallStarted(direction domain.CallDirection, callType domain.CallType) {
	p.callsStarted.WithLabelValues(string(direction), string(callType)).Inc()
}

func (p *PrometheusCollector) CallConnected(setup time.Duration) {
	p.callSetup.Observe(setup.Seconds())
}

func (p *PrometheusCollector) CallEnded(reason domain.EndReason, duration time.Duration) {
	p.callsEnded.WithLabelValues(string(reason)).Inc()
	if duration > 0 {
		p.callDuration.Observe(duration.Seconds())
	}
}
