// Package metrics provides Prometheus metrics for the OpenDQ gateway.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "opendq"
)

// Metrics contains all Prometheus metrics for the gateway. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	// Link metrics
	LinksConnected  prometheus.Gauge
	LinkDisconnects *prometheus.CounterVec
	FramesReceived  *prometheus.CounterVec
	FramesSent      *prometheus.CounterVec
	BytesReceived   *prometheus.CounterVec
	BytesSent       *prometheus.CounterVec
	FramingErrors   *prometheus.CounterVec

	// Engine metrics
	DecodeErrors   *prometheus.CounterVec
	ProtocolErrors *prometheus.CounterVec
	DataFrames     *prometheus.CounterVec
	SlotOutcomes   *prometheus.CounterVec
	RunsStarted    *prometheus.CounterVec
	RunDuration    prometheus.Histogram

	// Router metrics
	HandlerErrors *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance registered with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		LinksConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "links_connected",
			Help:      "Number of mote links currently running",
		}),
		LinkDisconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_disconnects_total",
			Help:      "Total link shutdowns by reason",
		}, []string{"reason"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total frames decoded per link",
		}, []string{"link"}),
		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total frames written per link",
		}, []string{"link"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total raw bytes read per link",
		}, []string{"link"}),
		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total raw bytes written per link",
		}, []string{"link"}),
		FramingErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "framing_errors_total",
			Help:      "Total frames dropped for framing or checksum errors",
		}, []string{"link"}),

		DecodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Total data records that could not be decoded",
		}, []string{"variant"}),
		ProtocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Total inbound messages rejected by the protocol engine",
		}, []string{"command"}),
		DataFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_frames_total",
			Help:      "Total data records folded into statistics",
		}, []string{"variant"}),
		SlotOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_outcomes_total",
			Help:      "Total slot outcomes observed by slot kind and state",
		}, []string{"variant", "slot", "state"}),
		RunsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Total experiment runs started",
		}, []string{"variant"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Elapsed time between first data frame and reset",
			Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),

		HandlerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_errors_total",
			Help:      "Total router handler failures by topic",
		}, []string{"topic"}),
	}
}

// RecordLinkUp records a link starting.
func (m *Metrics) RecordLinkUp() {
	if m == nil {
		return
	}
	m.LinksConnected.Inc()
}

// RecordLinkDown records a link stopping.
func (m *Metrics) RecordLinkDown(reason string) {
	if m == nil {
		return
	}
	m.LinksConnected.Dec()
	m.LinkDisconnects.WithLabelValues(reason).Inc()
}

// RecordFrameReceived records a decoded inbound frame.
func (m *Metrics) RecordFrameReceived(link string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(link).Inc()
}

// RecordFrameSent records an outbound frame and its size on the wire.
func (m *Metrics) RecordFrameSent(link string, bytes int) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(link).Inc()
	m.BytesSent.WithLabelValues(link).Add(float64(bytes))
}

// RecordBytesReceived records raw bytes read from a link.
func (m *Metrics) RecordBytesReceived(link string, bytes int) {
	if m == nil {
		return
	}
	m.BytesReceived.WithLabelValues(link).Add(float64(bytes))
}

// RecordFramingError records a dropped frame.
func (m *Metrics) RecordFramingError(link string) {
	if m == nil {
		return
	}
	m.FramingErrors.WithLabelValues(link).Inc()
}

// RecordDecodeError records a record that failed to decode.
func (m *Metrics) RecordDecodeError(variant string) {
	if m == nil {
		return
	}
	m.DecodeErrors.WithLabelValues(variant).Inc()
}

// RecordProtocolError records a rejected inbound message.
func (m *Metrics) RecordProtocolError(command string) {
	if m == nil {
		return
	}
	m.ProtocolErrors.WithLabelValues(command).Inc()
}

// RecordDataFrame records a data record folded into statistics.
func (m *Metrics) RecordDataFrame(variant string) {
	if m == nil {
		return
	}
	m.DataFrames.WithLabelValues(variant).Inc()
}

// RecordSlotOutcome records the state observed in one slot of a record.
// slot is "data" or "arp1".."arp3".
func (m *Metrics) RecordSlotOutcome(variant, slot, state string) {
	if m == nil {
		return
	}
	m.SlotOutcomes.WithLabelValues(variant, slot, state).Inc()
}

// RecordRunStarted records a START command being issued.
func (m *Metrics) RecordRunStarted(variant string) {
	if m == nil {
		return
	}
	m.RunsStarted.WithLabelValues(variant).Inc()
}

// RecordRunFinished records the elapsed time of a finished run.
func (m *Metrics) RecordRunFinished(seconds float64) {
	if m == nil {
		return
	}
	m.RunDuration.Observe(seconds)
}

// RecordHandlerError records a failing or panicking router handler.
func (m *Metrics) RecordHandlerError(topic string) {
	if m == nil {
		return
	}
	m.HandlerErrors.WithLabelValues(topic).Inc()
}

// CommandLabel renders a command byte as a metric label.
func CommandLabel(cmd byte) string {
	if cmd >= 0x20 && cmd < 0x7F {
		return string(rune(cmd))
	}
	return "0x" + strconv.FormatUint(uint64(cmd), 16)
}
