// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package frontdoor

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const shutdownPollInterval = 50 * time.Millisecond

// Server listens for incoming network connections and creates Connectors for them.
type Server struct {
	PlainAddr            string          // cleartext HTTP/1.x address, ":8080" if empty
	DisablePlain         bool            // do not listen on PlainAddr
	TLSAddr              string          // TLS address, ":8443" if empty; only used with TLSConfig
	TLSConfig            *tls.Config     // certificates; ALPN is set up by Negotiator
	Negotiator           Negotiator      // protocol preferences
	Factory              PipelineFactory // builds the Pipeline for each request
	Pool                 *LoopPool       // loops to run connections on, created from Threads if nil
	Threads              int             // number of loops if Pool is nil, GOMAXPROCS if < 1
	HandshakeTimeout     time.Duration   // TLS handshake deadline, DefaultHandshakeTimeout if zero
	OperationTimeout     time.Duration   // idle deadline, DefaultOperationTimeout if zero
	MaxConcurrentStreams uint32          // advertised in SETTINGS, DefaultMaxConcurrentStreams if zero
	NoDelay              bool            // disable Nagle coalescing
	Logger               *zerolog.Logger // the package Logger if nil
	Metrics              *Metrics        // optional
	listeners            map[net.Listener]struct{}
	addrs                []net.Addr
	bytesWritten         int64
	bytesRead            int64
	mu                   sync.Mutex
	serveErrorsMu        sync.Mutex
	serveErrors          map[string]int
	doneChan             chan struct{}
	activeConnector      map[*Connector]struct{}
	ownPool              bool
}

// ServerStats is a snapshot of the server counters.
type ServerStats struct {
	ActiveConnectors int            `json:"active_connectors"`
	BytesRead        int64          `json:"bytes_read"`
	BytesWritten     int64          `json:"bytes_written"`
	ServeErrors      map[string]int `json:"serve_errors"`
	Listeners        []string       `json:"listeners"`
}

// drainer is implemented by Handlers that can finish in-flight work
// without accepting more.
type drainer interface {
	Drain()
}

// tcpKeepAliveListener sets TCP keep-alive timeouts on accepted
// network connections so dead peers eventually go away.
type tcpKeepAliveListener struct {
	*net.TCPListener
}

func (ln tcpKeepAliveListener) Accept() (net.Conn, error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(3 * time.Minute)
	return tc, nil
}

func keepAlive(ln net.Listener) net.Listener {
	if tl, ok := ln.(*net.TCPListener); ok {
		return tcpKeepAliveListener{tl}
	}
	return ln
}

type acceptor struct {
	ln     net.Listener
	secure bool
	loop   *Loop // nil to spread connections over the pool
}

func (srv *Server) logger() *zerolog.Logger {
	if srv.Logger != nil {
		return srv.Logger
	}
	return &Logger
}

func (srv *Server) plainAddr() string {
	if srv.PlainAddr == "" {
		return DefaultPlainAddr
	}
	return srv.PlainAddr
}

func (srv *Server) tlsAddr() string {
	if srv.TLSAddr == "" {
		return DefaultTLSAddr
	}
	return srv.TLSAddr
}

func (srv *Server) handshakeTimeout() time.Duration {
	if srv.HandshakeTimeout == 0 {
		return DefaultHandshakeTimeout
	}
	return srv.HandshakeTimeout
}

func (srv *Server) operationTimeout() time.Duration {
	if srv.OperationTimeout == 0 {
		return DefaultOperationTimeout
	}
	return srv.OperationTimeout
}

// loops returns the LoopPool, creating it on first use.
func (srv *Server) loops() *LoopPool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.Pool == nil {
		srv.Pool = NewLoopPool(srv.Threads)
		srv.ownPool = true
	}
	return srv.Pool
}

// listen binds addr once per loop when the platform allows several
// sockets on one port, and once in total otherwise.
func (srv *Server) listen(addr string, secure bool) ([]acceptor, error) {
	pool := srv.loops()
	var acceptors []acceptor
	lns, err := listenPerLoop(addr, pool.Len())
	if err == nil {
		for i, ln := range lns {
			acceptors = append(acceptors, acceptor{ln: keepAlive(ln), secure: secure, loop: pool.Loop(i)})
		}
		return acceptors, nil
	}
	srv.logger().Debug().Err(err).Str("addr", addr).Msg("sharing one acceptor")
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return append(acceptors, acceptor{ln: keepAlive(ln), secure: secure}), nil
}

// ListenAndServe listens on PlainAddr and, if TLSConfig is set, on TLSAddr,
// and serves until Close or Shutdown is called or an acceptor fails.
func (srv *Server) ListenAndServe() error {
	var acceptors []acceptor
	closeAll := func() {
		for _, a := range acceptors {
			a.ln.Close()
		}
	}
	if !srv.DisablePlain {
		as, err := srv.listen(srv.plainAddr(), false)
		if err != nil {
			return err
		}
		acceptors = append(acceptors, as...)
	}
	if srv.TLSConfig != nil {
		as, err := srv.listen(srv.tlsAddr(), true)
		if err != nil {
			closeAll()
			return err
		}
		acceptors = append(acceptors, as...)
	}
	if len(acceptors) == 0 {
		return errors.New("frontdoor: nothing to listen on")
	}

	errc := make(chan error, len(acceptors))
	for _, a := range acceptors {
		srv.logger().Info().Str("addr", a.ln.Addr().String()).Bool("tls", a.secure).Msg("listening")
		go func(a acceptor) {
			errc <- srv.serve(a.ln, a.secure, a.loop)
		}(a)
	}
	var first error
	for range acceptors {
		if err := <-errc; first == nil && !isClosedError(err) {
			first = err
			srv.Close()
		}
	}
	if first != nil {
		return first
	}
	return ErrServerClosed
}

// Serve accepts incoming connections on l, spreading them over the
// LoopPool. If secure is true they are TLS connections and TLSConfig must be set.
func (srv *Server) Serve(l net.Listener, secure bool) error {
	return srv.serve(l, secure, nil)
}

func (srv *Server) serve(l net.Listener, secure bool, loop *Loop) error {
	defer l.Close()
	var tlsConfig *tls.Config
	if secure {
		if srv.TLSConfig == nil {
			return errors.New("frontdoor: TLS listener without TLSConfig")
		}
		tlsConfig = srv.Negotiator.TLSConfig(srv.TLSConfig)
	}
	pool := srv.loops()

	if err := func() error {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		select {
		case <-srv.getDoneChanLocked():
			return errors.WithStack(ErrServerClosed)
		default:
		}
		srv.trackListenerLocked(l, true)
		return nil
	}(); err != nil {
		return err
	}
	defer srv.trackListener(l, false)

	b := &backoff.Backoff{Min: 5 * time.Millisecond, Max: time.Second, Factor: 2}
	for {
		rwc, err := l.Accept()
		if err != nil {
			select {
			case <-srv.getDoneChan():
				return errors.WithStack(ErrServerClosed)
			default:
			}
			srv.countServeError(err)
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				d := b.Duration()
				srv.logger().Warn().Err(err).Dur("retry", d).Msg("accept")
				time.Sleep(d)
				continue
			}
			return errors.WithStack(err)
		}
		b.Reset()
		lp := loop
		if lp == nil {
			lp = pool.Next()
		}
		if !lp.Post(func() { srv.handle(lp, rwc, tlsConfig) }) {
			rwc.Close()
		}
	}
}

// handle runs on lp and sets up the Connector for a new connection.
func (srv *Server) handle(lp *Loop, rwc net.Conn, tlsConfig *tls.Config) {
	conn, transport := rwc, "tcp"
	if tlsConfig != nil {
		conn, transport = tls.Server(rwc, tlsConfig), "tls"
	}
	c := NewConnector(lp, conn, srv.handshakeTimeout(), srv.operationTimeout(), *srv.logger())
	c.StatsCollector = srv
	c.Metrics = srv.Metrics
	if !srv.trackConnector(c, true) {
		c.Stop()
		c.Release()
		return
	}
	srv.Metrics.connectorOpened(transport)
	c.OnDestroy(func(c *Connector) {
		srv.trackConnector(c, false)
		srv.Metrics.connectorClosed()
	})
	if tlsConfig != nil {
		c.Handshake(srv.negotiate, srv.NoDelay)
	} else {
		c.SetHandler(srv.newHTTP1(1, false))
		c.Start(srv.NoDelay)
	}
	c.Release()
}

// negotiate builds the Handler for the protocol chosen during the TLS handshake.
func (srv *Server) negotiate(state tls.ConnectionState) Handler {
	proto := state.NegotiatedProtocol
	srv.Metrics.protocolNegotiated(proto)
	kind, minor := Classify(proto)
	if kind == HandlerHTTP2 {
		return NewSession(SessionConfig{
			Factory:              srv.Factory,
			MaxConcurrentStreams: srv.MaxConcurrentStreams,
			Metrics:              srv.Metrics,
		})
	}
	return srv.newHTTP1(minor, true)
}

func (srv *Server) newHTTP1(minor int, secure bool) *HTTP1Handler {
	return NewHTTP1Handler(HTTP1Config{
		Factory: srv.Factory,
		Minor:   minor,
		Secure:  secure,
		Metrics: srv.Metrics,
	})
}

func (srv *Server) countServeError(err error) {
	srv.serveErrorsMu.Lock()
	defer srv.serveErrorsMu.Unlock()
	if srv.serveErrors == nil {
		srv.serveErrors = make(map[string]int)
	}
	srv.serveErrors[err.Error()]++
}

// ServeErrors returns a copy of the serve errors map
func (srv *Server) ServeErrors() map[string]int {
	srv.serveErrorsMu.Lock()
	defer srv.serveErrorsMu.Unlock()
	m := make(map[string]int)
	for k, v := range srv.serveErrors {
		m[k] = v
	}
	return m
}

func (srv *Server) trackListener(ln net.Listener, add bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.trackListenerLocked(ln, add)
}

func (srv *Server) trackListenerLocked(ln net.Listener, add bool) {
	if srv.listeners == nil {
		srv.listeners = make(map[net.Listener]struct{})
	}
	if add {
		srv.listeners[ln] = struct{}{}
		srv.addrs = append(srv.addrs, ln.Addr())
	} else {
		delete(srv.listeners, ln)
	}
}

// trackConnector adds or removes c. Adding fails once the server is closed.
func (srv *Server) trackConnector(c *Connector, add bool) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.activeConnector == nil {
		srv.activeConnector = make(map[*Connector]struct{})
	}
	if add {
		select {
		case <-srv.getDoneChanLocked():
			return false
		default:
		}
		srv.activeConnector[c] = struct{}{}
	} else {
		delete(srv.activeConnector, c)
	}
	return true
}

func (srv *Server) getDoneChan() <-chan struct{} {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.getDoneChanLocked()
}

func (srv *Server) getDoneChanLocked() chan struct{} {
	if srv.doneChan == nil {
		srv.doneChan = make(chan struct{})
	}
	return srv.doneChan
}

func (srv *Server) closeDoneChanLocked() {
	ch := srv.getDoneChanLocked()
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func (srv *Server) closeListenersLocked() error {
	var err error
	for ln := range srv.listeners {
		if cerr := ln.Close(); cerr != nil && err == nil {
			err = cerr
		}
		delete(srv.listeners, ln)
	}
	return err
}

func (srv *Server) connectorsLocked() []*Connector {
	conns := make([]*Connector, 0, len(srv.activeConnector))
	for c := range srv.activeConnector {
		conns = append(conns, c)
	}
	return conns
}

// Close immediately closes all listeners and stops all Connectors.
// The LoopPool keeps running so Pipelines still in flight can unwind.
func (srv *Server) Close() error {
	srv.mu.Lock()
	srv.closeDoneChanLocked()
	err := srv.closeListenersLocked()
	conns := srv.connectorsLocked()
	srv.mu.Unlock()
	for _, c := range conns {
		c.Loop().Post(c.Stop)
	}
	return err
}

// Shutdown closes the listeners, asks every connection to finish what it
// is doing, and waits until all Connectors are gone or ctx is done, in
// which case the remaining ones are stopped as with Close. A LoopPool the
// Server created itself is closed once everything has drained.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.mu.Lock()
	srv.closeDoneChanLocked()
	err := srv.closeListenersLocked()
	conns := srv.connectorsLocked()
	srv.mu.Unlock()
	for _, c := range conns {
		c := c
		c.Loop().Post(func() {
			if d, ok := c.Handler().(drainer); ok {
				d.Drain()
			} else {
				c.Stop()
			}
		})
	}

	ticker := time.NewTicker(shutdownPollInterval)
	defer ticker.Stop()
	for {
		if srv.ActiveConnectors() == 0 {
			srv.mu.Lock()
			pool, own := srv.Pool, srv.ownPool
			srv.Pool, srv.ownPool = nil, false
			srv.mu.Unlock()
			if own {
				pool.Close()
			}
			return err
		}
		select {
		case <-ctx.Done():
			srv.Close()
			return errors.WithStack(ctx.Err())
		case <-ticker.C:
		}
	}
}

// Addrs returns the addresses the Server has listened on.
func (srv *Server) Addrs() []net.Addr {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return append([]net.Addr(nil), srv.addrs...)
}

// ActiveConnectors returns the number of live Connectors.
func (srv *Server) ActiveConnectors() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.activeConnector)
}

// Stats returns a snapshot of the server counters.
func (srv *Server) Stats() ServerStats {
	st := ServerStats{
		ActiveConnectors: srv.ActiveConnectors(),
		BytesRead:        srv.BytesRead(),
		BytesWritten:     srv.BytesWritten(),
		ServeErrors:      srv.ServeErrors(),
	}
	srv.mu.Lock()
	for ln := range srv.listeners {
		st.Listeners = append(st.Listeners, ln.Addr().String())
	}
	srv.mu.Unlock()
	return st
}

// AddBytesWritten adds n to the number of bytes written statistic.
func (srv *Server) AddBytesWritten(n int64) {
	atomic.AddInt64(&srv.bytesWritten, n)
	srv.Metrics.AddBytesWritten(n)
}

// BytesWritten returns the current number of bytes written.
func (srv *Server) BytesWritten() int64 {
	return atomic.LoadInt64(&srv.bytesWritten)
}

// AddBytesRead adds n to the number of bytes read statistic.
func (srv *Server) AddBytesRead(n int64) {
	atomic.AddInt64(&srv.bytesRead, n)
	srv.Metrics.AddBytesRead(n)
}

// BytesRead returns the current number of bytes read.
func (srv *Server) BytesRead() int64 {
	return atomic.LoadInt64(&srv.bytesRead)
}
