package frontdoor

import (
	"github.com/pkg/errors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// engineStream is the engine's view of one stream: protocol state, flow
// control windows and pending output.
type engineStream struct {
	id           uint32
	userData     interface{}
	recvEnd      bool // peer sent END_STREAM
	endSent      bool // we sent END_STREAM
	closed       bool
	resetQueued  bool
	queued       bool // listed in engine.order
	recvWindow   int32
	recvConsumed int32
	sendWindow   int64

	resp      []hpack.HeaderField // response headers not yet sent
	respSent  bool
	data      []byte
	trailers  []hpack.HeaderField
	endQueued bool
}

func (e *engine) newStream(id uint32) *engineStream {
	s := &engineStream{
		id:         id,
		recvWindow: initialWindowSize,
		sendWindow: int64(e.peerInitialWindow),
	}
	e.streams[id] = s
	e.active++
	return s
}

func (s *engineStream) hasOutput() bool {
	return s.resp != nil || len(s.data) > 0 || (s.endQueued && !s.endSent)
}

func (e *engine) sendable(s *engineStream) bool {
	switch {
	case s.closed || s.resetQueued:
		return false
	case s.resp != nil:
		return true
	case !s.respSent:
		return false
	case len(s.data) > 0:
		return e.connSendWindow > 0 && s.sendWindow > 0
	}
	return s.endQueued && !s.endSent
}

func (e *engine) schedule(s *engineStream) {
	if !s.queued {
		s.queued = true
		e.order = append(e.order, s.id)
	}
}

// sendStreams gives each scheduled stream one turn. It returns true if
// anything was serialized.
func (e *engine) sendStreams() (progressed bool, err error) {
	n := len(e.order)
	for i := 0; i < n && e.out.Len() < MaxOutBytesPerWrite; i++ {
		id := e.order[0]
		e.order = e.order[1:]
		s := e.streams[id]
		if s == nil {
			continue
		}
		if e.sendable(s) {
			var sent bool
			if sent, err = e.sendStream(s); err != nil {
				return
			}
			progressed = progressed || sent
		}
		if !s.closed && !s.resetQueued && s.hasOutput() {
			e.order = append(e.order, id)
		} else {
			s.queued = false
		}
	}
	return
}

// sendStream serializes one unit of output for s: the response headers,
// one DATA frame, or the end of the stream.
func (e *engine) sendStream(s *engineStream) (bool, error) {
	switch {
	case s.resp != nil:
		fields := s.resp
		s.resp = nil
		if e.headerListSize(fields) > e.maxHeaderList() {
			s.data, s.trailers, s.endQueued = nil, nil, false
			if err := e.cb.onFrameNotSend(s.id, http2.FrameHeaders, ErrHeaderListTooLarge{}); err != nil {
				return true, callbackFailure(err)
			}
			return true, nil
		}
		end := s.endQueued && len(s.data) == 0 && s.trailers == nil
		if err := e.writeHeaderBlock(s.id, fields, end); err != nil {
			return true, err
		}
		s.respSent = true
		if end {
			return true, e.localEnd(s)
		}
		return true, nil
	case len(s.data) > 0:
		n := int64(len(s.data))
		n = minInt64(n, int64(e.peerMaxFrameSize))
		n = minInt64(n, e.connSendWindow)
		n = minInt64(n, s.sendWindow)
		n = minInt64(n, int64(MaxOutBytesPerWrite))
		if n <= 0 {
			return false, nil
		}
		end := s.endQueued && n == int64(len(s.data)) && s.trailers == nil
		if err := e.fr.WriteData(s.id, end, s.data[:n]); err != nil {
			return true, err
		}
		s.data = s.data[n:]
		if len(s.data) == 0 {
			s.data = nil
		}
		e.connSendWindow -= n
		s.sendWindow -= n
		if end {
			return true, e.localEnd(s)
		}
		return true, nil
	case s.endQueued && !s.endSent:
		if s.trailers != nil {
			if err := e.writeHeaderBlock(s.id, s.trailers, true); err != nil {
				return true, err
			}
			s.trailers = nil
		} else if err := e.fr.WriteData(s.id, true, nil); err != nil {
			return true, err
		}
		return true, e.localEnd(s)
	}
	return false, nil
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func (e *engine) headerListSize(fields []hpack.HeaderField) (n uint32) {
	for _, hf := range fields {
		n += hf.Size()
	}
	return
}

func (e *engine) maxHeaderList() uint32 {
	if e.peerMaxHeaderList > 0 {
		return e.peerMaxHeaderList
	}
	return uint32(MaxRequestHeaderBytes)
}

// writeHeaderBlock encodes fields and writes them as HEADERS followed by
// as many CONTINUATION frames as the peer's max frame size requires.
func (e *engine) writeHeaderBlock(id uint32, fields []hpack.HeaderField, endStream bool) error {
	e.hbuf.Reset()
	for _, hf := range fields {
		if err := e.henc.WriteField(hf); err != nil {
			return errors.WithStack(err)
		}
	}
	block := e.hbuf.Bytes()
	limit := int(e.peerMaxFrameSize)
	first := block
	if len(first) > limit {
		first = first[:limit]
	}
	block = block[len(first):]
	if err := e.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: first,
		EndStream:     endStream,
		EndHeaders:    len(block) == 0,
	}); err != nil {
		return err
	}
	for len(block) > 0 {
		frag := block
		if len(frag) > limit {
			frag = frag[:limit]
		}
		block = block[len(frag):]
		if err := e.fr.WriteContinuation(id, len(block) == 0, frag); err != nil {
			return err
		}
	}
	return nil
}

func (e *engine) localEnd(s *engineStream) error {
	s.endSent = true
	return e.maybeClose(s)
}

// maybeClose closes s once both sides have ended it.
func (e *engine) maybeClose(s *engineStream) error {
	if s.recvEnd && s.endSent {
		return e.closeStream(s, http2.ErrCodeNo)
	}
	return nil
}

func (e *engine) closeStream(s *engineStream, code http2.ErrCode) error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.resp, s.data, s.trailers = nil, nil, nil
	e.active--
	// the stream stays visible to the callback so its user data resolves
	err := e.cb.onStreamClose(s.id, code)
	delete(e.streams, s.id)
	if err != nil {
		return callbackFailure(err)
	}
	return nil
}

// resetStream queues RST_STREAM for id. A known stream is closed once the
// frame is serialized; its pending output is dropped.
func (e *engine) resetStream(id uint32, code http2.ErrCode) {
	s := e.streams[id]
	if s != nil {
		if s.resetQueued || s.closed {
			return
		}
		s.resetQueued = true
		s.resp, s.data, s.trailers = nil, nil, nil
	}
	e.queueCtrl(func() error {
		if err := e.fr.WriteRSTStream(id, code); err != nil {
			return err
		}
		if s != nil {
			return e.closeStream(s, code)
		}
		return nil
	})
}

func (e *engine) openStream(id uint32) (*engineStream, error) {
	if e.closed {
		return nil, errors.WithStack(ErrEngineClosed{})
	}
	s := e.streams[id]
	if s == nil || s.closed || s.resetQueued {
		return nil, errors.WithStack(ErrStreamClosed{})
	}
	return s, nil
}

// SubmitResponse queues the response header block for stream id.
func (e *engine) SubmitResponse(id uint32, fields []hpack.HeaderField) error {
	s, err := e.openStream(id)
	if err != nil {
		return err
	}
	if len(fields) == 0 || s.resp != nil || s.respSent || s.endQueued {
		return errors.WithStack(ErrInvalidArgument{})
	}
	s.resp = fields
	e.schedule(s)
	return nil
}

// SubmitData queues response body bytes for stream id. p is copied.
func (e *engine) SubmitData(id uint32, p []byte) error {
	s, err := e.openStream(id)
	if err != nil {
		return err
	}
	if (s.resp == nil && !s.respSent) || s.endQueued {
		return errors.WithStack(ErrInvalidArgument{})
	}
	if len(p) > 0 {
		s.data = append(s.data, p...)
		e.schedule(s)
	}
	return nil
}

// SubmitTrailer adds a trailer field sent when the stream ends.
func (e *engine) SubmitTrailer(id uint32, hf hpack.HeaderField) error {
	s, err := e.openStream(id)
	if err != nil {
		return err
	}
	if (s.resp == nil && !s.respSent) || s.endQueued {
		return errors.WithStack(ErrInvalidArgument{})
	}
	s.trailers = append(s.trailers, hf)
	return nil
}

// SubmitEnd ends the response of stream id after any queued data.
func (e *engine) SubmitEnd(id uint32) error {
	s, err := e.openStream(id)
	if err != nil {
		return err
	}
	if (s.resp == nil && !s.respSent) || s.endQueued {
		return errors.WithStack(ErrInvalidArgument{})
	}
	s.endQueued = true
	e.schedule(s)
	return nil
}

// SubmitRstStream queues RST_STREAM for stream id. After termination it
// does nothing.
func (e *engine) SubmitRstStream(id uint32, code http2.ErrCode) error {
	if e.closed {
		return errors.WithStack(ErrEngineClosed{})
	}
	if id == 0 {
		return errors.WithStack(ErrInvalidArgument{})
	}
	if e.terminated {
		return nil
	}
	e.resetStream(id, code)
	return nil
}

// CloseStream closes stream id immediately without sending anything.
func (e *engine) CloseStream(id uint32, code http2.ErrCode) error {
	if e.closed {
		return errors.WithStack(ErrEngineClosed{})
	}
	if s := e.streams[id]; s != nil {
		return e.closeStream(s, code)
	}
	return nil
}

// SetStreamUserData attaches v to stream id.
func (e *engine) SetStreamUserData(id uint32, v interface{}) error {
	if e.closed {
		return errors.WithStack(ErrEngineClosed{})
	}
	s := e.streams[id]
	if s == nil {
		return errors.WithStack(ErrStreamClosed{})
	}
	s.userData = v
	return nil
}

// StreamUserData returns the value attached to stream id, or nil.
func (e *engine) StreamUserData(id uint32) interface{} {
	if s := e.streams[id]; s != nil {
		return s.userData
	}
	return nil
}
