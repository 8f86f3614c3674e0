package frontdoor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of a front end. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	accepted         *prometheus.CounterVec
	negotiated       *prometheus.CounterVec
	deadlines        *prometheus.CounterVec
	goaways          prometheus.Counter
	streamResets     prometheus.Counter
	bytesRead        prometheus.Counter
	bytesWritten     prometheus.Counter
	activeConnectors prometheus.Gauge
	activeSessions   prometheus.Gauge
	activeStreams    prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on a new registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		accepted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontdoor_connections_accepted_total",
				Help: "Total number of accepted connections",
			},
			[]string{"transport"},
		),
		negotiated: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontdoor_protocols_negotiated_total",
				Help: "Total number of TLS connections by negotiated protocol",
			},
			[]string{"protocol"},
		),
		deadlines: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontdoor_deadlines_expired_total",
				Help: "Total number of connections stopped by an expired deadline",
			},
			[]string{"phase"},
		),
		goaways: f.NewCounter(prometheus.CounterOpts{
			Name: "frontdoor_http2_goaway_total",
			Help: "Total number of GOAWAY frames submitted",
		}),
		streamResets: f.NewCounter(prometheus.CounterOpts{
			Name: "frontdoor_http2_stream_resets_total",
			Help: "Total number of HTTP/2 streams closed with an error code",
		}),
		bytesRead: f.NewCounter(prometheus.CounterOpts{
			Name: "frontdoor_bytes_read_total",
			Help: "Total number of bytes read from clients",
		}),
		bytesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "frontdoor_bytes_written_total",
			Help: "Total number of bytes written to clients",
		}),
		activeConnectors: f.NewGauge(prometheus.GaugeOpts{
			Name: "frontdoor_connectors_active",
			Help: "Current number of live connectors",
		}),
		activeSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "frontdoor_http2_sessions_active",
			Help: "Current number of live HTTP/2 sessions",
		}),
		activeStreams: f.NewGauge(prometheus.GaugeOpts{
			Name: "frontdoor_http2_streams_active",
			Help: "Current number of live HTTP/2 streams",
		}),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler exposing the collectors.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

func (m *Metrics) connectorOpened(transport string) {
	if m != nil {
		m.accepted.WithLabelValues(transport).Inc()
		m.activeConnectors.Inc()
	}
}

func (m *Metrics) connectorClosed() {
	if m != nil {
		m.activeConnectors.Dec()
	}
}

func (m *Metrics) protocolNegotiated(proto string) {
	if m != nil {
		if proto == "" {
			proto = "none"
		}
		m.negotiated.WithLabelValues(proto).Inc()
	}
}

func (m *Metrics) deadlineExpired(handshake bool) {
	if m != nil {
		phase := "idle"
		if handshake {
			phase = "handshake"
		}
		m.deadlines.WithLabelValues(phase).Inc()
	}
}

func (m *Metrics) goAway() {
	if m != nil {
		m.goaways.Inc()
	}
}

func (m *Metrics) streamReset() {
	if m != nil {
		m.streamResets.Inc()
	}
}

func (m *Metrics) sessionStarted() {
	if m != nil {
		m.activeSessions.Inc()
	}
}

func (m *Metrics) sessionEnded() {
	if m != nil {
		m.activeSessions.Dec()
	}
}

func (m *Metrics) streamOpened() {
	if m != nil {
		m.activeStreams.Inc()
	}
}

func (m *Metrics) streamClosed() {
	if m != nil {
		m.activeStreams.Dec()
	}
}

// AddBytesRead implements StatsCollector.
func (m *Metrics) AddBytesRead(n int64) {
	if m != nil {
		m.bytesRead.Add(float64(n))
	}
}

// AddBytesWritten implements StatsCollector.
func (m *Metrics) AddBytesWritten(n int64) {
	if m != nil {
		m.bytesWritten.Add(float64(n))
	}
}
