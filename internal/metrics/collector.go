package repelgometrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "repelgo"
	subsystem = "engine"
)

// Label names for repelgo metrics.
const (
	labelConnection = "connection"
	labelParser     = "parser"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Engine Metrics
// -------------------------------------------------------------------------

// Collector holds all repelgo Prometheus metrics. The engine package
// itself never touches Prometheus — per the core spec's error-handling
// policy (§7) it only returns codes and fires callbacks — so the
// gateway (internal/gateway.Proxy) is the only caller of these methods,
// one call per Embed/Authenticate outcome.
type Collector struct {
	// Embeds counts successful Connection.Embed calls (return > 0),
	// labelled by connection name and parser kind.
	Embeds *prometheus.CounterVec

	// EmbedFailures counts Connection.Embed calls that returned 0
	// (parse-malformed, no-room-for-MAC, or a strict-TID-map failure).
	EmbedFailures *prometheus.CounterVec

	// Authenticates counts Connection.Authenticate calls that
	// recognized a frame (PktLen > 0), labelled by verdict
	// ("success"/"fail") in addition to connection and parser.
	Authenticates *prometheus.CounterVec

	// ParseIncomplete counts Authenticate calls reporting a negative
	// PktLen: more bytes are needed before a frame is complete.
	ParseIncomplete *prometheus.CounterVec

	// ParseMalformed counts Authenticate calls reporting PktLen == 0.
	ParseMalformed *prometheus.CounterVec

	// PacketLoss observes the auth.PacketLoss value of every verified
	// packet, giving visibility into drops inferred from the nonce
	// window (core spec §8 invariant 6).
	PacketLoss *prometheus.HistogramVec

	// TIDMapDegradations counts Modbus/TCP client-role embeds that hit
	// a full transaction-identifier remap table and fell back to the
	// best-effort `slot = TID mod map_len` policy (core spec §4.5/§7).
	TIDMapDegradations *prometheus.CounterVec
}

// NewCollector creates a Collector with all repelgo metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Embeds,
		c.EmbedFailures,
		c.Authenticates,
		c.ParseIncomplete,
		c.ParseMalformed,
		c.PacketLoss,
		c.TIDMapDegradations,
	)

	return c
}

func newMetrics() *Collector {
	connLabels := []string{labelConnection, labelParser}
	authLabels := []string{labelConnection, labelParser, "verdict"}

	return &Collector{
		Embeds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "embeds_total",
			Help:      "Total successful Connection.Embed calls.",
		}, connLabels),

		EmbedFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "embed_failures_total",
			Help:      "Total Connection.Embed calls that returned 0 MAC bits.",
		}, connLabels),

		Authenticates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "authenticates_total",
			Help:      "Total Connection.Authenticate calls that recognized a frame, by verdict.",
		}, authLabels),

		ParseIncomplete: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "parse_incomplete_total",
			Help:      "Total Authenticate calls reporting an incomplete frame.",
		}, connLabels),

		ParseMalformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "parse_malformed_total",
			Help:      "Total Authenticate calls reporting an unrecoverable frame.",
		}, connLabels),

		PacketLoss: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packet_loss",
			Help:      "Distribution of auth.PacketLoss on verified packets.",
			Buckets:   []float64{0, 1, 2, 3, 5, 10, 50, 100, 1000},
		}, connLabels),

		TIDMapDegradations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tid_map_degradations_total",
			Help:      "Total Modbus/TCP client embeds that hit a full TID remap table.",
		}, connLabels),
	}
}

// -------------------------------------------------------------------------
// Recording helpers
// -------------------------------------------------------------------------

// RecordEmbed increments the embed success/failure counter for conn.
func (c *Collector) RecordEmbed(conn, parserKind string, ok bool) {
	if ok {
		c.Embeds.WithLabelValues(conn, parserKind).Inc()
		return
	}
	c.EmbedFailures.WithLabelValues(conn, parserKind).Inc()
}

// RecordAuthenticate increments the authenticate verdict counter and, on
// success, observes the packet-loss histogram for conn.
func (c *Collector) RecordAuthenticate(conn, parserKind string, success bool, packetLoss uint16) {
	verdict := "fail"
	if success {
		verdict = "success"
	}
	c.Authenticates.WithLabelValues(conn, parserKind, verdict).Inc()
	if success {
		c.PacketLoss.WithLabelValues(conn, parserKind).Observe(float64(packetLoss))
	}
}

// RecordParseIncomplete increments the parse-incomplete counter for conn.
func (c *Collector) RecordParseIncomplete(conn, parserKind string) {
	c.ParseIncomplete.WithLabelValues(conn, parserKind).Inc()
}

// RecordParseMalformed increments the parse-malformed counter for conn.
func (c *Collector) RecordParseMalformed(conn, parserKind string) {
	c.ParseMalformed.WithLabelValues(conn, parserKind).Inc()
}

// RecordTIDMapDegradation increments the TID-map-full degradation
// counter for conn.
func (c *Collector) RecordTIDMapDegradation(conn, parserKind string) {
	c.TIDMapDegradations.WithLabelValues(conn, parserKind).Inc()
}
