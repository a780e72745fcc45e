package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var channelStates = []string{"CONNECTING", "OPEN", "RECONNECTING", "CLOSED"}

type PrometheusCollector struct {
	// Signaling
	channelState      *prometheus.GaugeVec
	reconnectAttempts prometheus.Counter
	heartbeatsTotal   prometheus.Counter

	// Links
	linksActive           prometheus.Gauge
	linkEstablishDuration prometheus.Histogram
	linkFailures          *prometheus.CounterVec

	// Messages
	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	relayErrors      *prometheus.CounterVec

	// Calls
	callsEnded   *prometheus.CounterVec
	callDuration prometheus.Histogram
	packetLoss   prometheus.Histogram

	// Relay hub
	hubConnections prometheus.Gauge
	framesRelayed  *prometheus.CounterVec
	framesDropped  *prometheus.CounterVec
}

// NewPrometheusCollector registers all collectors on reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	f := promauto.With(reg)

	return &PrometheusCollector{
		channelState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chat8_signaling_channel_state",
			Help: "Current signaling channel state (1 for the active state)",
		}, []string{"state"}),

		reconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "chat8_signaling_reconnect_attempts_total",
			Help: "Total number of signaling reconnect attempts",
		}),

		heartbeatsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "chat8_heartbeats_total",
			Help: "Total number of heartbeats sent",
		}),

		linksActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "chat8_links_active",
			Help: "Number of connected direct links",
		}),

		linkEstablishDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "chat8_link_establish_duration_seconds",
			Help:    "Time from link request to open data channel",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		linkFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chat8_link_failures_total",
			Help: "Total number of failed direct link negotiations",
		}, []string{"reason"}),

		messagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chat8_messages_sent_total",
			Help: "Total number of messages sent by delivery method",
		}, []string{"method"}),

		messagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chat8_messages_received_total",
			Help: "Total number of messages received by delivery method",
		}, []string{"method"}),

		relayErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chat8_relay_errors_total",
			Help: "Total number of failed relay API calls",
		}, []string{"operation"}),

		callsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chat8_calls_total",
			Help: "Total number of finished calls by outcome",
		}, []string{"outcome"}),

		callDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "chat8_call_duration_seconds",
			Help:    "Duration of completed calls",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),

		packetLoss: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "chat8_call_packet_loss_ratio",
			Help:    "Fraction of audio packets lost as reported by RTCP receiver reports",
			Buckets: []float64{0, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1},
		}),

		hubConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "chat8_hub_connections",
			Help: "Number of websocket clients connected to the relay hub",
		}),

		framesRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chat8_hub_frames_relayed_total",
			Help: "Total number of signaling frames forwarded by the hub",
		}, []string{"type"}),

		framesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chat8_hub_frames_dropped_total",
			Help: "Total number of signaling frames dropped by the hub",
		}, []string{"reason"}),
	}
}

func (p *PrometheusCollector) RecordChannelState(state string) {
	for _, s := range channelStates {
		v := 0.0
		if s == state {
			v = 1
		}
		p.channelState.WithLabelValues(s).Set(v)
	}
}

func (p *PrometheusCollector) RecordReconnectAttempt() {
	p.reconnectAttempts.Inc()
}

func (p *PrometheusCollector) RecordLinkEstablished(d time.Duration) {
	p.linkEstablishDuration.Observe(d.Seconds())
}

func (p *PrometheusCollector) RecordLinkFailure(reason string) {
	p.linkFailures.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) RecordLinksActive(n int) {
	p.linksActive.Set(float64(n))
}

func (p *PrometheusCollector) RecordMessageSent(method string) {
	p.messagesSent.WithLabelValues(method).Inc()
}

func (p *PrometheusCollector) RecordMessageReceived(method string) {
	p.messagesReceived.WithLabelValues(method).Inc()
}

func (p *PrometheusCollector) RecordRelayError(operation string) {
	p.relayErrors.WithLabelValues(operation).Inc()
}

func (p *PrometheusCollector) RecordCallEnded(outcome string, d time.Duration) {
	p.callsEnded.WithLabelValues(outcome).Inc()
	if d > 0 {
		p.callDuration.Observe(d.Seconds())
	}
}

func (p *PrometheusCollector) RecordHeartbeat() {
	p.heartbeatsTotal.Inc()
}

func (p *PrometheusCollector) RecordPacketLoss(fraction float64) {
	p.packetLoss.Observe(fraction)
}

func (p *PrometheusCollector) RecordHubConnections(n int) {
	p.hubConnections.Set(float64(n))
}

func (p *PrometheusCollector) RecordFrameRelayed(kind string) {
	p.framesRelayed.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) RecordFrameDropped(reason string) {
	p.framesDropped.WithLabelValues(reason).Inc()
}
