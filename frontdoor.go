package frontdoor

import "time"

const (
	// MaxInBytesPerLoop is the size of a Connector receive buffer. A single read
	// never delivers more than this many bytes to a Handler.
	MaxInBytesPerLoop = 16 * 1024
	// MaxOutBytesPerWrite caps how much a Handler hands to a single write.
	MaxOutBytesPerWrite = 64 * 1024
	// DefaultHandshakeTimeout is how long a TLS handshake may take.
	DefaultHandshakeTimeout = time.Second * 5
	// DefaultOperationTimeout is how long a connection may stay idle between reads or writes.
	DefaultOperationTimeout = time.Second * 30
	// DefaultMaxConcurrentStreams is advertised in the initial HTTP/2 SETTINGS frame.
	DefaultMaxConcurrentStreams = 100
	// DefaultPlainAddr is the default address for cleartext HTTP/1.x.
	DefaultPlainAddr = ":8080"
	// DefaultTLSAddr is the default address for TLS.
	DefaultTLSAddr = ":8443"
	// shutdownGrace bounds the TLS close_notify write during stop.
	shutdownGrace = time.Second
)

var (
	// MaxControlQueue is the number of unsent HTTP/2 control frames
	// (SETTINGS ACK, PING ACK, RST_STREAM) tolerated before the peer
	// is considered to be flooding.
	MaxControlQueue = 1000
	// MaxRequestHeaderBytes bounds an HTTP/1.x request header block.
	MaxRequestHeaderBytes = 64 * 1024
)
