package frontdoor

import (
	"bytes"
)

// Handler is the protocol driver a Connector delegates byte level I/O to.
// Exactly one Handler is attached to a Connector. All methods are called
// on the Connector's Loop.
type Handler interface {
	// Start is called once the Handler is attached. It returns true if the
	// Connector should begin reading.
	Start() bool
	// OnRead receives the bytes of one read. Returning false stops the connection.
	OnRead(p []byte) bool
	// OnWrite appends bytes to send to out, possibly none. Returning false
	// signals a write failure and stops the connection.
	OnWrite(out *bytes.Buffer) bool
	// ShouldStop returns true when there is nothing left to do.
	ShouldStop() bool
	// SetConnector attaches the Handler to a Connector, or detaches it when c
	// is nil. Detaching is itself an event the Handler must react to.
	SetConnector(c *Connector)
	// OnEOM is called by the pipeline side when a response message is complete.
	OnEOM()
	// OnError is called by the pipeline side on an error.
	OnError(code int)
}

// connectorLink is the Handler half of the Connector<->Handler relation.
type connectorLink struct {
	conn *Connector
}

// connector returns the attached Connector, or nil.
func (l *connectorLink) connector() *Connector {
	return l.conn
}

// set attaches or detaches the Connector. It returns true if this call
// detached a previously attached Connector.
func (l *connectorLink) set(c *Connector) (nulled bool) {
	nulled = c == nil && l.conn != nil
	l.conn = c
	return
}

// doWrite asks the attached Connector, if any, to write.
func (l *connectorLink) doWrite() bool {
	if l.conn == nil {
		return false
	}
	l.conn.doWrite()
	return true
}
