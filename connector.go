// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package frontdoor

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/sizestr"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// StatsCollector is the interface required to collect statistics
type StatsCollector interface {
	AddBytesWritten(int64)
	AddBytesRead(int64)
}

// NegotiateFunc builds the Handler for a TLS connection once the handshake
// has completed. Returning nil stops the connection.
type NegotiateFunc func(state tls.ConnectionState) Handler

type closeReadWriter interface {
	CloseRead() error
	CloseWrite() error
}

// Connector owns one transport and drives its read and write loop on
// behalf of a Handler. It must only be used from its Loop.
//
// A Connector is reference counted. The creator holds one reference and
// gives it up with Release; every pending read, write, handshake and
// shutdown holds another. When the last reference is released the
// Connector stops, closes the transport and detaches its Handler.
type Connector struct {
	ID             string         // unique connection id for logs
	StatsCollector StatsCollector // where to report statistics (optional)
	Metrics        *Metrics       // optional
	loop           *Loop
	conn           net.Conn
	handler        Handler
	log            zerolog.Logger
	handshakeTTL   time.Duration
	ttl            time.Duration
	dl             deadline
	rb             receiveBuffer
	refs           int
	reading        bool
	writing        bool
	stopped        bool
	handshaken     bool
	noDelay        bool
	destroyed      bool
	bytesRead      int64
	bytesWritten   int64
	onDestroy      []func(*Connector)
}

// NewConnector returns a Connector owning conn, bound to loop. The caller
// holds the initial reference and must call Release when done setting up.
func NewConnector(loop *Loop, conn net.Conn, handshakeTTL, ttl time.Duration, logger zerolog.Logger) *Connector {
	c := &Connector{
		ID:           uuid.NewString(),
		loop:         loop,
		conn:         conn,
		handshakeTTL: handshakeTTL,
		ttl:          ttl,
		dl:           makeDeadline(loop),
		refs:         1,
	}
	c.log = logger.With().Str("conn", c.ID).Str("remote", c.Origin().String()).Logger()
	c.log.Trace().Msg("constructor")
	return c
}

func (c *Connector) String() string {
	return fmt.Sprintf("[Connector %s %v]", c.ID, c.Origin())
}

// Loop returns the Loop the Connector is bound to.
func (c *Connector) Loop() *Loop {
	return c.loop
}

// Logger returns the Connector's logger.
func (c *Connector) Logger() *zerolog.Logger {
	return &c.log
}

// Origin returns the remote address of the transport.
func (c *Connector) Origin() net.Addr {
	return c.conn.RemoteAddr()
}

// IsTLS returns true if the transport is encrypted.
func (c *Connector) IsTLS() bool {
	_, ok := c.conn.(*tls.Conn)
	return ok
}

// Handler returns the attached Handler, or nil.
func (c *Connector) Handler() Handler {
	return c.handler
}

// SetHandler attaches h to the Connector and the Connector to h.
func (c *Connector) SetHandler(h Handler) {
	c.handler = h
	h.SetConnector(c)
}

// OnDestroy registers fn to be called once the Connector is destroyed.
func (c *Connector) OnDestroy(fn func(*Connector)) {
	c.onDestroy = append(c.onDestroy, fn)
}

// Stopped returns true once stop has been called.
func (c *Connector) Stopped() bool {
	return c.stopped
}

// Destroyed returns true once the last reference has been released.
func (c *Connector) Destroyed() bool {
	return c.destroyed
}

func (c *Connector) acquire() {
	if c.destroyed {
		panic(fmt.Sprint("acquire on destroyed connector: ", c))
	}
	c.refs++
}

// Release gives up the creator's reference.
func (c *Connector) Release() {
	c.release()
}

func (c *Connector) release() {
	c.refs--
	if c.refs < 0 {
		panic(fmt.Sprint("connector reference count went negative: ", c))
	}
	if c.refs == 0 {
		c.destroy()
	}
}

func (c *Connector) destroy() {
	if c.destroyed {
		return
	}
	c.log.Trace().Msg("destructor start")
	c.stop()
	if c.refs > 0 {
		// stop started an asynchronous shutdown holding a reference
		return
	}
	c.destroyed = true
	go c.conn.Close()
	if h := c.handler; h != nil {
		c.handler = nil
		h.SetConnector(nil)
	}
	c.log.Debug().
		Str("sent", sizestr.ToString(c.bytesWritten)).
		Str("received", sizestr.ToString(c.bytesRead)).
		Msg("closed")
	for _, fn := range c.onDestroy {
		fn(c)
	}
	c.onDestroy = nil
	c.log.Trace().Msg("destructor end")
}

func (c *Connector) expired() {
	c.log.Debug().Err(timeoutError{}).Bool("handshake", c.handler == nil).Msg("deadline has expired")
	c.Metrics.deadlineExpired(c.handler == nil)
	c.stop()
}

// HandshakeCountdown arms the handshake deadline.
func (c *Connector) HandshakeCountdown() {
	if c.handshakeTTL > 0 {
		c.dl.schedule(c.handshakeTTL, c.expired)
	}
}

func (c *Connector) renewTTL() {
	if c.ttl > 0 {
		c.dl.schedule(c.ttl, c.expired)
	} else {
		c.dl.cancel()
	}
}

func (c *Connector) cancelDeadline() {
	if c.dl.cancel() {
		c.log.Trace().Msg("deadline canceled")
	}
}

// canceled returns true if err is the expected result of an intentional stop.
func (c *Connector) canceled(err error) bool {
	return c.stopped || errors.Is(err, net.ErrClosed)
}

// Handshake performs the server side TLS handshake under the handshake
// deadline, then builds the Handler with negotiate and starts it with
// noDelay as in Start.
func (c *Connector) Handshake(negotiate NegotiateFunc, noDelay bool) {
	tc, ok := c.conn.(*tls.Conn)
	if !ok {
		panic(fmt.Sprint("handshake on plain transport: ", c))
	}
	c.HandshakeCountdown()
	c.acquire()
	go func() {
		err := tc.Handshake()
		c.loop.Post(func() { c.onHandshake(tc, err, negotiate, noDelay) })
	}()
}

func (c *Connector) onHandshake(tc *tls.Conn, err error, negotiate NegotiateFunc, noDelay bool) {
	defer c.release()
	c.cancelDeadline()
	if err != nil {
		if c.canceled(err) {
			c.log.Trace().Msg("handshake canceled")
		} else {
			c.log.Error().Err(err).Msg("handshake failed")
			c.stop()
		}
		return
	}
	c.handshaken = true
	if c.stopped {
		return
	}
	h := negotiate(tc.ConnectionState())
	if h == nil {
		c.log.Error().Msg("no handler negotiated")
		c.stop()
		return
	}
	c.SetHandler(h)
	c.Start(noDelay)
}

// Start configures Nagle coalescing and starts the Handler. If the
// Handler is ready, reading begins.
func (c *Connector) Start(noDelay bool) {
	if c.handler == nil {
		panic(fmt.Sprint("start without handler: ", c))
	}
	if c.stopped {
		return
	}
	c.noDelay = noDelay
	if tc, ok := netConnOf(c.conn).(*net.TCPConn); ok {
		if err := tc.SetNoDelay(noDelay); err != nil {
			c.log.Debug().Err(err).Msg("SetNoDelay")
		}
	}
	if c.handler.Start() {
		c.doRead()
	}
}

func netConnOf(conn net.Conn) net.Conn {
	if tc, ok := conn.(*tls.Conn); ok {
		return tc.NetConn()
	}
	return conn
}

// NoDelay returns the Nagle setting the Connector was started with.
func (c *Connector) NoDelay() bool {
	return c.noDelay
}

// Stop stops the connection. It is idempotent.
func (c *Connector) Stop() {
	c.stop()
}

func (c *Connector) stop() {
	if c.stopped {
		return
	}
	c.log.Trace().Msg("stopping")
	c.stopped = true
	c.dl.cancel()
	now := time.Now()
	switch t := c.conn.(type) {
	case *tls.Conn:
		c.conn.SetReadDeadline(now)
		if c.handshaken && !c.writing {
			c.acquire()
			go func() {
				t.SetWriteDeadline(time.Now().Add(shutdownGrace))
				err := t.CloseWrite()
				c.loop.Post(func() {
					if err != nil {
						c.log.Trace().Err(err).Msg("close_notify")
					}
					c.release()
				})
			}()
		} else {
			c.conn.SetWriteDeadline(now)
		}
	case closeReadWriter:
		c.conn.SetDeadline(now)
		t.CloseRead()
		t.CloseWrite()
	default:
		c.conn.SetDeadline(now)
	}
}

func (c *Connector) doRead() {
	if c.stopped || c.reading {
		return
	}
	c.renewTTL()
	c.log.Trace().Msg("triggered a read")
	c.reading = true
	c.acquire()
	buf := c.rb.reserve()
	go func() {
		n, err := c.conn.Read(buf)
		c.loop.Post(func() { c.onRead(n, err) })
	}()
}

func (c *Connector) onRead(n int, err error) {
	defer c.release()
	c.cancelDeadline()
	c.reading = false
	if n > 0 {
		c.bytesRead += int64(n)
		if c.StatsCollector != nil {
			c.StatsCollector.AddBytesRead(int64(n))
		}
		if !c.stopped {
			c.log.Trace().Int("bytes", n).Msg("received")
			if !c.handler.OnRead(c.rb.produce(n)) {
				c.log.Debug().Msg("error on_read - read failed")
				c.stop()
				return
			}
		}
	}
	switch {
	case err == nil:
		c.doRead()
	case c.canceled(err):
		c.log.Trace().Msg("read canceled")
	case err == io.EOF:
		c.log.Debug().Msg("peer closed")
		c.stop()
	default:
		c.log.Error().Err(err).Msg("error during read")
		c.stop()
	}
}

func (c *Connector) doWrite() {
	if c.writing || c.stopped {
		return
	}

	out := outBufferAlloc()
	if !c.handler.OnWrite(out) {
		outBufferFree(out)
		c.log.Error().Msg("error on_write - write failed")
		c.stop()
		return
	}

	if out.Len() == 0 && c.handler.ShouldStop() {
		outBufferFree(out)
		c.log.Debug().Msg("nothing left to write, stopping")
		c.stop()
		return
	}

	c.renewTTL()

	if out.Len() == 0 {
		outBufferFree(out)
		return
	}

	c.log.Trace().Int("bytes", out.Len()).Msg("triggered a write")
	c.writing = true
	c.acquire()
	go func() {
		n, err := c.conn.Write(out.Bytes())
		c.loop.Post(func() { c.onWrite(out, n, err) })
	}()
}

func (c *Connector) onWrite(out *bytes.Buffer, n int, err error) {
	defer c.release()
	c.cancelDeadline()
	c.writing = false
	outBufferFree(out)
	if n > 0 {
		c.bytesWritten += int64(n)
		if c.StatsCollector != nil {
			c.StatsCollector.AddBytesWritten(int64(n))
		}
	}
	switch {
	case err == nil:
		c.log.Trace().Int("bytes", n).Msg("correctly wrote")
		c.doWrite()
	case c.canceled(err):
		c.log.Trace().Msg("write canceled")
	default:
		c.log.Error().Err(err).Msg("error during write")
		c.stop()
	}
}
