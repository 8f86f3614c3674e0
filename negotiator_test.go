package frontdoor

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Negotiator_Select(t *testing.T) {
	var n Negotiator
	tests := []struct {
		offered []string
		proto   string
		ok      bool
	}{
		{[]string{"http/1.1", "h2"}, ProtoH2, true},
		{[]string{"h2-14", "h2-16"}, ProtoH2D16, true},
		{[]string{"http/1.0"}, ProtoHTTP10, true},
		{[]string{"spdy/3"}, ProtoHTTP11, false},
		{nil, ProtoHTTP11, false},
	}
	for _, tt := range tests {
		proto, ok := n.Select(tt.offered)
		assert.Equal(t, tt.proto, proto, "%v", tt.offered)
		assert.Equal(t, tt.ok, ok, "%v", tt.offered)
	}
}

func Test_Negotiator_DisableHTTP2(t *testing.T) {
	n := Negotiator{DisableHTTP2: true, Protocols: []string{ProtoH2}}
	assert.Equal(t, LegacyProtocols, n.Preferences())
	proto, ok := n.Select([]string{"h2", "http/1.0"})
	assert.True(t, ok)
	assert.Equal(t, ProtoHTTP10, proto)
	proto, ok = n.Select([]string{"h2"})
	assert.False(t, ok)
	assert.Equal(t, ProtoHTTP11, proto)
}

func Test_Negotiator_TLSConfig(t *testing.T) {
	n := Negotiator{}
	base := &tls.Config{MinVersion: tls.VersionTLS12}
	cfg := n.TLSConfig(base)
	assert.Equal(t, DefaultProtocols, cfg.NextProtos)
	assert.Nil(t, base.GetConfigForClient)

	inner, err := cfg.GetConfigForClient(&tls.ClientHelloInfo{SupportedProtos: []string{"http/1.1", "h2"}})
	require.NoError(t, err)
	assert.Equal(t, []string{ProtoH2}, inner.NextProtos)
	assert.Equal(t, uint16(tls.VersionTLS12), inner.MinVersion)

	inner, err = cfg.GetConfigForClient(&tls.ClientHelloInfo{SupportedProtos: []string{"foo"}})
	require.NoError(t, err)
	assert.Nil(t, inner.NextProtos)
}

func Test_Classify(t *testing.T) {
	tests := []struct {
		proto string
		kind  HandlerKind
		minor int
	}{
		{ProtoH2, HandlerHTTP2, 0},
		{ProtoH2D14, HandlerHTTP2, 0},
		{ProtoHTTP11, HandlerHTTP1, 1},
		{ProtoHTTP10, HandlerHTTP1, 0},
		{"", HandlerHTTP1, 1},
	}
	for _, tt := range tests {
		kind, minor := Classify(tt.proto)
		assert.Equal(t, tt.kind, kind, tt.proto)
		assert.Equal(t, tt.minor, minor, tt.proto)
	}
	assert.Equal(t, "h2", HandlerHTTP2.String())
	assert.Equal(t, "http/1", HandlerHTTP1.String())
}
