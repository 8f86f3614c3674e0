package frontdoor

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func Test_Metrics_nilSafe(t *testing.T) {
	var m *Metrics
	m.connectorOpened("tcp")
	m.connectorClosed()
	m.protocolNegotiated("h2")
	m.deadlineExpired(true)
	m.goAway()
	m.streamReset()
	m.sessionStarted()
	m.sessionEnded()
	m.streamOpened()
	m.streamClosed()
	m.AddBytesRead(1)
	m.AddBytesWritten(1)
	assert.Nil(t, m.Registry())
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rr.Code)
}

func Test_Metrics_counters(t *testing.T) {
	m := NewMetrics()
	m.connectorOpened("tls")
	m.connectorOpened("tcp")
	m.connectorClosed()
	m.protocolNegotiated("")
	m.deadlineExpired(false)
	m.streamOpened()
	m.streamOpened()
	m.streamClosed()
	m.AddBytesRead(10)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.accepted.WithLabelValues("tls")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeConnectors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.negotiated.WithLabelValues("none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deadlines.WithLabelValues("idle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeStreams))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.bytesRead))

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)
	assert.Contains(t, string(body), "frontdoor_connections_accepted_total")
}
