// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package frontdoor

import (
	"bytes"
	"fmt"
	"net"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
)

// SessionConfig configures a Session.
type SessionConfig struct {
	Factory              PipelineFactory // defaults to http.NotFoundHandler
	MaxConcurrentStreams uint32          // defaults to DefaultMaxConcurrentStreams
	Metrics              *Metrics
}

// sessionLife is the state deciding when a Session is destroyed.
type sessionLife struct {
	live          int // streams created minus streams finished
	connectorGone bool
	destroyed     bool
}

// shouldDestroy returns true when no streams are live and the Connector
// is gone, unless the Session is already destroyed.
func (l sessionLife) shouldDestroy() bool {
	return !l.destroyed && l.live == 0 && l.connectorGone
}

// Session is the HTTP/2 Handler. It feeds bytes from its Connector to a
// frame engine, turns engine callbacks into Stream events and drains the
// engine's output back to the Connector.
//
// A Session outlives its Connector while Streams are live, and is destroyed
// exactly once, when the last Stream finishes after the Connector is gone
// or when the Connector goes away with no Streams left.
type Session struct {
	connectorLink
	log           zerolog.Logger
	loop          *Loop
	remote        net.Addr
	eng           *engine
	pool          streamPool
	factory       PipelineFactory
	maxConcurrent uint32
	metrics       *Metrics
	life          sessionLife
	depth         int // nesting of engine calls and Responder calls
	inWrite       bool
	writePending  bool
	released      []streamHandle
	onDestroy     []func(*Session)
}

// NewSession returns a Session ready to be attached to a Connector.
func NewSession(cfg SessionConfig) *Session {
	s := &Session{
		log:           zerolog.Nop(),
		factory:       cfg.Factory,
		maxConcurrent: cfg.MaxConcurrentStreams,
		metrics:       cfg.Metrics,
	}
	if s.factory == nil {
		s.factory = HandlerPipeline(http.NotFoundHandler())
	}
	if s.maxConcurrent == 0 {
		s.maxConcurrent = DefaultMaxConcurrentStreams
	}
	s.eng = newEngine(s)
	s.metrics.sessionStarted()
	return s
}

func (s *Session) String() string {
	return fmt.Sprintf("[Session live=%d gone=%v]", s.life.live, s.life.connectorGone)
}

// OnDestroy registers fn to be called when the Session is destroyed.
func (s *Session) OnDestroy(fn func(*Session)) {
	s.onDestroy = append(s.onDestroy, fn)
}

// Destroyed returns true once the Session has been destroyed.
func (s *Session) Destroyed() bool {
	return s.life.destroyed
}

// Live returns the number of live Streams.
func (s *Session) Live() int {
	return s.life.live
}

// SetConnector implements Handler.
func (s *Session) SetConnector(c *Connector) {
	if c != nil {
		s.loop = c.Loop()
		s.remote = c.Origin()
		s.log = c.Logger().With().Str("proto", "h2").Logger()
	}
	if s.set(c) {
		s.onConnectorNulled()
	}
}

// Start implements Handler. It sends the initial SETTINGS.
func (s *Session) Start() bool {
	if s.connector() == nil {
		return false
	}
	if err := s.eng.SubmitSettings(http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: s.maxConcurrent}); err != nil {
		s.log.Error().Err(err).Msg("submit settings")
		return false
	}
	s.doWrite()
	return true
}

// OnRead implements Handler.
func (s *Session) OnRead(p []byte) bool {
	s.enter()
	n, err := s.eng.Recv(p)
	s.leave()
	if err != nil {
		if errors.Is(err, ErrFlooded{}) || errors.Is(err, ErrCallbackFailure{}) {
			s.log.Warn().Err(err).Msg("going away")
			s.GoAway()
			return true
		}
		fatal("recv", err)
	}
	if n != len(p) {
		fatal("recv", errors.Errorf("consumed %d of %d bytes", n, len(p)))
	}
	if s.eng.WantWrite() {
		s.doWrite()
	}
	return true
}

// OnWrite implements Handler.
func (s *Session) OnWrite(out *bytes.Buffer) bool {
	if s.life.destroyed {
		return false
	}
	s.inWrite = true
	s.enter()
	data, err := s.eng.Send()
	if err != nil {
		fatal("send", err)
	}
	out.Write(data)
	s.leave()
	s.inWrite = false
	return true
}

// ShouldStop implements Handler.
func (s *Session) ShouldStop() bool {
	return !s.eng.WantRead() && !s.eng.WantWrite()
}

// GoAway queues a GOAWAY referencing the last processed stream.
func (s *Session) GoAway() {
	if err := s.eng.SubmitGoAway(s.eng.LastProcStreamID(), http2.ErrCodeInternal, nil); err != nil {
		fatal("submit goaway", err)
	}
	s.metrics.goAway()
	s.scheduleWrite()
}

// Drain queues a graceful GOAWAY. Streams already open run to completion.
func (s *Session) Drain() {
	if s.life.connectorGone {
		return
	}
	if err := s.eng.SubmitGoAway(s.eng.LastProcStreamID(), http2.ErrCodeNo, nil); err != nil {
		s.log.Debug().Err(err).Msg("drain")
		return
	}
	s.metrics.goAway()
	s.scheduleWrite()
}

// OnEOM implements Handler.
func (s *Session) OnEOM() {
	s.scheduleWrite()
}

// OnError implements Handler.
func (s *Session) OnError(code int) {
	s.log.Debug().Int("code", code).Msg("pipeline error")
	s.scheduleWrite()
}

func (s *Session) post(fn func()) bool {
	if s.loop == nil {
		return false
	}
	return s.loop.Post(fn)
}

func (s *Session) enter() {
	s.depth++
}

// leave runs work deferred while inside engine or Responder calls:
// stream releases, a requested write and destruction.
func (s *Session) leave() {
	s.depth--
	if s.depth > 0 {
		return
	}
	for _, h := range s.released {
		s.pool.release(h)
	}
	s.released = s.released[:0]
	if s.writePending {
		s.writePending = false
		if !s.inWrite {
			s.doWrite()
		}
	}
	s.maybeDestroy()
}

func (s *Session) doWrite() {
	s.connectorLink.doWrite()
}

func (s *Session) scheduleWrite() {
	if s.depth > 0 {
		s.writePending = true
		return
	}
	s.doWrite()
}

func (s *Session) maybeDestroy() {
	if s.depth == 0 && s.life.shouldDestroy() {
		s.destroy()
	}
}

func (s *Session) destroy() {
	s.life.destroyed = true
	s.eng.Close()
	s.metrics.sessionEnded()
	s.log.Trace().Msg("session destroyed")
	for _, fn := range s.onDestroy {
		fn(s)
	}
	s.onDestroy = nil
}

// finishedStream is called when a Stream has been released. It is one of
// the two paths leading to destruction.
func (s *Session) finishedStream() {
	s.life.live--
	if s.life.live < 0 {
		panic(fmt.Sprint("session live stream count went negative: ", s))
	}
	s.metrics.streamClosed()
	s.maybeDestroy()
}

// onConnectorNulled is the other path to destruction. Streams still
// receiving their request can never complete and are closed; the others
// keep running until their Pipeline finishes.
func (s *Session) onConnectorNulled() {
	s.life.connectorGone = true
	s.log.Trace().Int("live", s.life.live).Msg("connector gone")
	s.enter()
	s.pool.each(func(st *Stream) {
		if !st.dead && (!st.finished || st.respDone) {
			if err := s.eng.CloseStream(st.id, http2.ErrCodeCancel); err != nil {
				s.log.Debug().Err(err).Uint32("stream", st.id).Msg("close stream")
			}
		}
	})
	s.leave()
}

// finishLocally closes a completed stream when there is no Connector
// left to carry its end.
func (s *Session) finishLocally(st *Stream) {
	if s.life.connectorGone {
		if err := s.eng.CloseStream(st.id, http2.ErrCodeNo); err != nil {
			s.log.Debug().Err(err).Uint32("stream", st.id).Msg("close stream")
		}
	}
}

// releaseStream is the release function given to every Stream. The pool
// slot is reclaimed once no call is executing inside the Stream.
func (s *Session) releaseStream(h streamHandle) {
	s.enter()
	s.released = append(s.released, h)
	s.finishedStream()
	s.leave()
}

func (s *Session) stream(id uint32) *Stream {
	if h, ok := s.eng.StreamUserData(id).(streamHandle); ok {
		if st := s.pool.get(h); st != nil && !st.dead {
			return st
		}
	}
	return nil
}

func (s *Session) onBeginHeaders(id uint32, cat headersCategory) error {
	if cat != headersRequest {
		return nil
	}
	h, st := s.pool.alloc()
	st.sess = s
	st.release = s.releaseStream
	st.SetID(id)
	st.Scheme = "https"
	s.life.live++
	s.metrics.streamOpened()
	return s.eng.SetStreamUserData(id, h)
}

func (s *Session) onHeader(id uint32, cat headersCategory, name, value string) error {
	if cat != headersRequest {
		s.log.Trace().Uint32("stream", id).Str("name", name).Msg("trailer ignored")
		return nil
	}
	st := s.stream(id)
	if st == nil {
		return nil
	}
	switch name {
	case ":path":
		st.SetPath(value)
	case ":scheme":
		st.Scheme = value
	case ":method":
		st.Method = value
	case ":authority":
		st.Authority = value
	default:
		st.AddHeader(name, value)
	}
	if s.eng.WantWrite() {
		s.scheduleWrite()
	}
	return nil
}

func (s *Session) onFrameRecv(f engineFrame) error {
	if f.Type != http2.FrameHeaders && f.Type != http2.FrameData {
		return nil
	}
	st := s.stream(f.StreamID)
	if st == nil {
		return nil
	}
	if f.Type == http2.FrameHeaders && f.EndHeaders {
		st.OnRequestHeaderComplete()
	}
	if f.EndStream {
		st.OnRequestFinished()
	}
	return nil
}

func (s *Session) onDataChunk(id uint32, chunk []byte) error {
	if st := s.stream(id); st != nil {
		st.OnRequestBody(chunk)
	}
	return nil
}

func (s *Session) onStreamClose(id uint32, code http2.ErrCode) error {
	if st := s.stream(id); st != nil {
		if code != http2.ErrCodeNo {
			s.metrics.streamReset()
			s.log.Debug().Uint32("stream", id).Stringer("code", code).Msg("stream reset")
		}
		st.Die()
	}
	if s.eng.WantRead() || s.eng.WantWrite() {
		s.scheduleWrite()
	}
	return nil
}

func (s *Session) onFrameNotSend(id uint32, t http2.FrameType, err error) error {
	if t != http2.FrameHeaders {
		return nil
	}
	s.log.Debug().Err(err).Uint32("stream", id).Msg("headers not sent")
	if st := s.stream(id); st != nil {
		st.Die()
	}
	if rerr := s.eng.SubmitRstStream(id, http2.ErrCodeInternal); rerr != nil {
		fatal("submit rst_stream", rerr)
	}
	return nil
}
