package monitoring

import (
	"strconv"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	signalsSent     *prometheus.CounterVec
	signalsReceived *prometheus.CounterVec
	signalsDropped  *prometheus.CounterVec
	attemptsTotal   *prometheus.CounterVec
	attemptState    *prometheus.GaugeVec
	candidates      *prometheus.CounterVec
	relayErrors     *prometheus.CounterVec
	mediaPackets    *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

var _ ports.SignalingMetrics = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the peerlink metrics on reg. Pass
// prometheus.DefaultRegisterer to expose them on the default handler.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		signalsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_signals_sent_total",
			Help: "Signal records appended to the relay",
		}, []string{"role", "kind"}),

		signalsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_signals_received_total",
			Help: "Signal records delivered by the relay feed",
		}, []string{"role", "kind"}),

		signalsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_signals_dropped_total",
			Help: "Signal records discarded before reaching a connection attempt",
		}, []string{"reason"}),

		attemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_attempts_total",
			Help: "Connection attempts created",
		}, []string{"role"}),

		attemptState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peerlink_attempt_state",
			Help: "1 for the current negotiation state of the live attempt",
		}, []string{"role", "state"}),

		candidates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_candidates_total",
			Help: "Remote ICE candidates by outcome",
		}, []string{"role", "outcome"}),

		relayErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_relay_errors_total",
			Help: "Failed relay operations",
		}, []string{"op"}),

		mediaPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_media_packets_total",
			Help: "RTP packets forwarded",
		}, []string{"direction"}),

		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_http_requests_total",
			Help: "HTTP requests served",
		}, []string{"method", "route", "status"}),

		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "peerlink_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"method", "route"}),
	}
}

func (p *PrometheusCollector) RecordSignalSent(role domain.SenderRole, kind domain.SignalKind) {
	p.signalsSent.WithLabelValues(string(role), string(kind)).Inc()
}

func (p *PrometheusCollector) RecordSignalReceived(role domain.SenderRole, kind domain.SignalKind) {
	p.signalsReceived.WithLabelValues(string(role), string(kind)).Inc()
}

func (p *PrometheusCollector) RecordSignalDropped(reason string) {
	p.signalsDropped.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) RecordAttemptStarted(role domain.SenderRole) {
	p.attemptsTotal.WithLabelValues(string(role)).Inc()
}

// RecordAttemptState sets the gauge of state to 1 and every other state of
// the role to 0.
func (p *PrometheusCollector) RecordAttemptState(role domain.SenderRole, state domain.NegotiationState) {
	for _, s := range domain.AllNegotiationStates {
		v := 0.0
		if s == state {
			v = 1
		}
		p.attemptState.WithLabelValues(string(role), string(s)).Set(v)
	}
}

func (p *PrometheusCollector) RecordCandidate(role domain.SenderRole, outcome string) {
	p.candidates.WithLabelValues(string(role), outcome).Inc()
}

func (p *PrometheusCollector) RecordRelayError(op string) {
	p.relayErrors.WithLabelValues(op).Inc()
}

func (p *PrometheusCollector) RecordMediaPackets(direction string, count int) {
	p.mediaPackets.WithLabelValues(direction).Add(float64(count))
}

// HTTPMiddleware counts requests by route template.
func (p *PrometheusCollector) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		p.httpRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		p.httpDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordSignalSent(domain.SenderRole, domain.SignalKind)         {}
func (NopMetrics) RecordSignalReceived(domain.SenderRole, domain.SignalKind)     {}
func (NopMetrics) RecordSignalDropped(string)                                    {}
func (NopMetrics) RecordAttemptStarted(domain.SenderRole)                        {}
func (NopMetrics) RecordAttemptState(domain.SenderRole, domain.NegotiationState) {}
func (NopMetrics) RecordCandidate(domain.SenderRole, string)                     {}
func (NopMetrics) RecordRelayError(string)                                       {}
func (NopMetrics) RecordMediaPackets(string, int)                                {}
