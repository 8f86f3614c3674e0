package frontdoor

import (
	"crypto/tls"
	"strings"
)

// HandlerKind identifies the Handler variant a protocol maps to.
type HandlerKind int

const (
	// HandlerHTTP1 serves HTTP/1.0 and HTTP/1.1.
	HandlerHTTP1 = HandlerKind(1)
	// HandlerHTTP2 serves HTTP/2.
	HandlerHTTP2 = HandlerKind(2)
)

func (k HandlerKind) String() string {
	switch k {
	case HandlerHTTP1:
		return "http/1"
	case HandlerHTTP2:
		return "h2"
	}
	return "unknown"
}

// ALPN protocol identifiers.
const (
	ProtoH2      = "h2"
	ProtoH2D16   = "h2-16"
	ProtoH2D14   = "h2-14"
	ProtoHTTP11  = "http/1.1"
	ProtoHTTP10  = "http/1.0"
	protoDefault = ProtoHTTP11
)

// DefaultProtocols is the preference list used when HTTP/2 is enabled.
var DefaultProtocols = []string{ProtoH2, ProtoH2D16, ProtoH2D14, ProtoHTTP11, ProtoHTTP10}

// LegacyProtocols is the preference list used when HTTP/2 is disabled.
var LegacyProtocols = []string{ProtoHTTP11, ProtoHTTP10}

// Negotiator selects the application protocol during the TLS handshake.
type Negotiator struct {
	DisableHTTP2 bool     // use LegacyProtocols
	Protocols    []string // overrides DefaultProtocols when HTTP/2 is enabled
}

// Preferences returns the protocol preference list in effect.
func (n *Negotiator) Preferences() []string {
	if n.DisableHTTP2 {
		return LegacyProtocols
	}
	if len(n.Protocols) > 0 {
		return n.Protocols
	}
	return DefaultProtocols
}

// Select returns the first protocol in preference order the client
// offered. If nothing offered is recognized it returns http/1.1 and false.
func (n *Negotiator) Select(offered []string) (proto string, ok bool) {
	for _, pref := range n.Preferences() {
		if n.DisableHTTP2 && isH2(pref) {
			continue
		}
		for _, o := range offered {
			if o == pref {
				return pref, true
			}
		}
	}
	return protoDefault, false
}

// TLSConfig returns a copy of base where ALPN selection is performed by
// the Negotiator. A client offering nothing recognized still completes
// the handshake, without an ALPN acknowledgement.
func (n *Negotiator) TLSConfig(base *tls.Config) *tls.Config {
	cfg := base.Clone()
	cfg.NextProtos = append([]string(nil), n.Preferences()...)
	cfg.GetConfigForClient = func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
		var inner *tls.Config
		if base.GetConfigForClient != nil {
			var err error
			if inner, err = base.GetConfigForClient(hello); err != nil {
				return nil, err
			}
		}
		if inner == nil {
			inner = base
		}
		inner = inner.Clone()
		inner.GetConfigForClient = nil
		if proto, ok := n.Select(hello.SupportedProtos); ok {
			inner.NextProtos = []string{proto}
		} else {
			inner.NextProtos = nil
		}
		return inner, nil
	}
	return cfg
}

// Classify returns the Handler kind and HTTP minor version for a
// negotiated protocol. An empty protocol means no negotiation took place.
func Classify(proto string) (kind HandlerKind, minor int) {
	if isH2(proto) {
		return HandlerHTTP2, 0
	}
	if proto == ProtoHTTP10 {
		return HandlerHTTP1, 0
	}
	return HandlerHTTP1, 1
}

func isH2(proto string) bool {
	return proto == ProtoH2 || strings.HasPrefix(proto, ProtoH2+"-")
}
