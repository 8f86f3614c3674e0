package frontdoor

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

const (
	frameHeaderLen      = 9
	initialWindowSize   = 65535
	maxWindowSize       = 1<<31 - 1
	defaultMaxFrameSize = 16384
	headerTableSize     = 4096
)

// headersCategory tells request header blocks from trailer blocks.
type headersCategory int

const (
	headersRequest headersCategory = iota
	headersTrailer
)

// engineFrame summarizes a received frame for onFrameRecv.
type engineFrame struct {
	Type       http2.FrameType
	StreamID   uint32
	EndHeaders bool
	EndStream  bool
}

// engineCallbacks is implemented by the owner of an engine. Callbacks run
// synchronously inside Recv, Send and CloseStream. A callback returning an
// error makes the engine call fail with ErrCallbackFailure.
type engineCallbacks interface {
	onBeginHeaders(id uint32, cat headersCategory) error
	onHeader(id uint32, cat headersCategory, name, value string) error
	onFrameRecv(f engineFrame) error
	onDataChunk(id uint32, chunk []byte) error
	onStreamClose(id uint32, code http2.ErrCode) error
	onFrameNotSend(id uint32, t http2.FrameType, err error) error
}

// spanReader hands the framer exactly one complete frame sequence.
type spanReader struct {
	b []byte
}

func (r *spanReader) Read(p []byte) (n int, err error) {
	if len(r.b) == 0 {
		return 0, io.EOF
	}
	n = copy(p, r.b)
	r.b = r.b[n:]
	return
}

// engine is a server side HTTP/2 frame engine. Input is fed with Recv and
// output is drained with Send; neither blocks. Events are reported through
// engineCallbacks.
type engine struct {
	cb   engineCallbacks
	fr   *http2.Framer
	src  spanReader
	out  bytes.Buffer // framer output
	hbuf bytes.Buffer // hpack encoder output
	henc *hpack.Encoder
	in   []byte // unparsed input

	ctrl    []func() error // unsent control frames, in order
	streams map[uint32]*engineStream
	order   []uint32 // streams with pending output, round robin

	prefaceDone  bool
	sawSettings  bool
	terminated   bool // a GOAWAY with an error is queued
	termSent     bool
	goawayQueued bool
	goawaySent   bool
	goawayRecv   bool
	goawayLastID uint32
	flooded      bool // input is discarded
	closed       bool

	lastRecvID uint32
	lastProcID uint32
	active     int

	pendingLocal       [][]http2.Setting
	localMaxConcurrent uint32
	localMaxFrameSize  uint32

	peerMaxFrameSize  uint32
	peerInitialWindow int32
	peerMaxHeaderList uint32

	connSendWindow   int64
	connRecvWindow   int32
	connRecvConsumed int32
}

func newEngine(cb engineCallbacks) *engine {
	e := &engine{
		cb:                 cb,
		streams:            make(map[uint32]*engineStream),
		localMaxConcurrent: ^uint32(0),
		localMaxFrameSize:  defaultMaxFrameSize,
		peerMaxFrameSize:   defaultMaxFrameSize,
		peerInitialWindow:  initialWindowSize,
		connSendWindow:     initialWindowSize,
		connRecvWindow:     initialWindowSize,
	}
	e.fr = http2.NewFramer(&e.out, &e.src)
	e.fr.SetMaxReadFrameSize(defaultMaxFrameSize)
	e.fr.MaxHeaderListSize = uint32(MaxRequestHeaderBytes)
	e.fr.ReadMetaHeaders = hpack.NewDecoder(headerTableSize, nil)
	e.henc = hpack.NewEncoder(&e.hbuf)
	return e
}

func callbackFailure(err error) error {
	return errors.Wrap(ErrCallbackFailure{}, err.Error())
}

// Recv feeds received bytes to the engine. It returns len(p) on success.
// Incomplete frames are kept until more input arrives.
func (e *engine) Recv(p []byte) (int, error) {
	if e.closed {
		return 0, errors.WithStack(ErrEngineClosed{})
	}
	if e.terminated || e.flooded {
		return len(p), nil
	}
	e.in = append(e.in, p...)
	for !e.terminated {
		if !e.prefaceDone {
			if !e.readPreface() {
				break
			}
			continue
		}
		n, ok := e.frameSpan()
		if !ok {
			break
		}
		e.src.b = e.in[:n]
		f, err := e.fr.ReadFrame()
		e.in = e.in[n:]
		if err == nil {
			err = e.processFrame(f)
		}
		if err = e.handleError(err); err != nil {
			return 0, err
		}
		if len(e.ctrl) > MaxControlQueue {
			e.flooded = true
			e.in = nil
			return 0, errors.WithStack(ErrFlooded{})
		}
	}
	if e.terminated || len(e.in) == 0 {
		e.in = nil
	}
	return len(p), nil
}

func (e *engine) readPreface() bool {
	n := len(http2.ClientPreface)
	if len(e.in) < n {
		if !bytes.HasPrefix([]byte(http2.ClientPreface), e.in) {
			e.terminate(http2.ErrCodeProtocol)
		}
		return false
	}
	if string(e.in[:n]) != http2.ClientPreface {
		e.terminate(http2.ErrCodeProtocol)
		return false
	}
	e.in = e.in[n:]
	e.prefaceDone = true
	return true
}

// frameSpan returns the length of the next complete frame at the start of
// the input. A HEADERS frame without END_HEADERS spans all its
// CONTINUATION frames, since the framer decodes the whole block at once.
func (e *engine) frameSpan() (int, bool) {
	maxSpan := 2 * MaxRequestHeaderBytes
	off := 0
	for {
		if len(e.in)-off < frameHeaderLen {
			return 0, false
		}
		h := e.in[off:]
		length := uint32(h[0])<<16 | uint32(h[1])<<8 | uint32(h[2])
		typ := http2.FrameType(h[3])
		flags := http2.Flags(h[4])
		if length > e.localMaxFrameSize {
			e.terminate(http2.ErrCodeFrameSize)
			return 0, false
		}
		end := off + frameHeaderLen + int(length)
		if off > 0 && end > maxSpan {
			e.terminate(http2.ErrCodeEnhanceYourCalm)
			return 0, false
		}
		if len(e.in) < end {
			return 0, false
		}
		switch {
		case off == 0 && (typ == http2.FrameHeaders || typ == http2.FramePushPromise) && !flags.Has(http2.FlagHeadersEndHeaders):
		case off > 0 && typ == http2.FrameContinuation && !flags.Has(http2.FlagContinuationEndHeaders):
		default:
			return end, true
		}
		off = end
	}
}

// handleError turns frame level errors into stream resets or connection
// termination. Only callback failures are returned.
func (e *engine) handleError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCallbackFailure{}) {
		return err
	}
	switch ev := errors.Cause(err).(type) {
	case http2.StreamError:
		if ev.StreamID%2 == 1 && ev.StreamID > e.lastRecvID {
			e.lastRecvID = ev.StreamID
		}
		e.resetStream(ev.StreamID, ev.Code)
	case http2.ConnectionError:
		e.terminate(http2.ErrCode(ev))
	default:
		if err == http2.ErrFrameTooLarge {
			e.terminate(http2.ErrCodeFrameSize)
		} else {
			e.terminate(http2.ErrCodeProtocol)
		}
	}
	return nil
}

func (e *engine) processFrame(f http2.Frame) error {
	if !e.sawSettings {
		if sf, ok := f.(*http2.SettingsFrame); !ok || sf.IsAck() {
			return http2.ConnectionError(http2.ErrCodeProtocol)
		}
		e.sawSettings = true
	}
	switch f := f.(type) {
	case *http2.SettingsFrame:
		return e.processSettings(f)
	case *http2.MetaHeadersFrame:
		return e.processHeaders(f)
	case *http2.DataFrame:
		return e.processData(f)
	case *http2.WindowUpdateFrame:
		return e.processWindowUpdate(f)
	case *http2.PingFrame:
		if !f.IsAck() {
			data := f.Data
			e.queueCtrl(func() error { return e.fr.WritePing(true, data) })
		}
		return nil
	case *http2.RSTStreamFrame:
		return e.processResetStream(f)
	case *http2.GoAwayFrame:
		e.goawayRecv = true
		return nil
	case *http2.PushPromiseFrame:
		return http2.ConnectionError(http2.ErrCodeProtocol)
	}
	// PRIORITY and unknown frame types are ignored.
	return nil
}

func (e *engine) processSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		if len(e.pendingLocal) == 0 {
			return http2.ConnectionError(http2.ErrCodeProtocol)
		}
		for _, s := range e.pendingLocal[0] {
			e.applyLocal(s)
		}
		e.pendingLocal = e.pendingLocal[1:]
		return nil
	}
	if err := f.ForeachSetting(e.processSetting); err != nil {
		return err
	}
	e.queueCtrl(e.fr.WriteSettingsAck)
	return nil
}

func (e *engine) processSetting(s http2.Setting) error {
	if err := s.Valid(); err != nil {
		return err
	}
	switch s.ID {
	case http2.SettingHeaderTableSize:
		e.henc.SetMaxDynamicTableSize(s.Val)
	case http2.SettingInitialWindowSize:
		delta := int64(s.Val) - int64(e.peerInitialWindow)
		for _, st := range e.streams {
			st.sendWindow += delta
			if st.sendWindow > maxWindowSize {
				return http2.ConnectionError(http2.ErrCodeFlowControl)
			}
		}
		e.peerInitialWindow = int32(s.Val)
	case http2.SettingMaxFrameSize:
		e.peerMaxFrameSize = s.Val
	case http2.SettingMaxHeaderListSize:
		e.peerMaxHeaderList = s.Val
	}
	return nil
}

// applyLocal applies one of our settings once the peer acknowledged it.
func (e *engine) applyLocal(s http2.Setting) {
	switch s.ID {
	case http2.SettingMaxConcurrentStreams:
		e.localMaxConcurrent = s.Val
	case http2.SettingMaxFrameSize:
		e.localMaxFrameSize = s.Val
		e.fr.SetMaxReadFrameSize(s.Val)
	case http2.SettingMaxHeaderListSize:
		e.fr.MaxHeaderListSize = s.Val
	}
}

func (e *engine) processHeaders(f *http2.MetaHeadersFrame) error {
	id := f.StreamID
	if id%2 != 1 {
		return http2.ConnectionError(http2.ErrCodeProtocol)
	}
	if s := e.streams[id]; s != nil {
		return e.processTrailers(s, f)
	}
	if id <= e.lastRecvID {
		return http2.ConnectionError(http2.ErrCodeStreamClosed)
	}
	e.lastRecvID = id
	if e.goawayQueued && id > e.goawayLastID {
		return nil
	}
	if uint32(e.active) >= e.localMaxConcurrent {
		return http2.StreamError{StreamID: id, Code: http2.ErrCodeRefusedStream}
	}
	if f.Truncated {
		return http2.StreamError{StreamID: id, Code: http2.ErrCodeProtocol}
	}
	s := e.newStream(id)
	e.lastProcID = id
	if err := e.cb.onBeginHeaders(id, headersRequest); err != nil {
		return callbackFailure(err)
	}
	for _, hf := range f.Fields {
		if err := e.cb.onHeader(id, headersRequest, hf.Name, hf.Value); err != nil {
			return callbackFailure(err)
		}
	}
	if f.StreamEnded() {
		s.recvEnd = true
	}
	if err := e.cb.onFrameRecv(engineFrame{Type: http2.FrameHeaders, StreamID: id, EndHeaders: true, EndStream: f.StreamEnded()}); err != nil {
		return callbackFailure(err)
	}
	return e.maybeClose(s)
}

func (e *engine) processTrailers(s *engineStream, f *http2.MetaHeadersFrame) error {
	if s.recvEnd || s.resetQueued {
		return http2.StreamError{StreamID: s.id, Code: http2.ErrCodeStreamClosed}
	}
	if !f.StreamEnded() {
		return http2.StreamError{StreamID: s.id, Code: http2.ErrCodeProtocol}
	}
	if err := e.cb.onBeginHeaders(s.id, headersTrailer); err != nil {
		return callbackFailure(err)
	}
	for _, hf := range f.Fields {
		if err := e.cb.onHeader(s.id, headersTrailer, hf.Name, hf.Value); err != nil {
			return callbackFailure(err)
		}
	}
	s.recvEnd = true
	if err := e.cb.onFrameRecv(engineFrame{Type: http2.FrameHeaders, StreamID: s.id, EndHeaders: true, EndStream: true}); err != nil {
		return callbackFailure(err)
	}
	return e.maybeClose(s)
}

func (e *engine) processData(f *http2.DataFrame) error {
	id := f.StreamID
	size := int32(f.Length)
	if size > e.connRecvWindow {
		return http2.ConnectionError(http2.ErrCodeFlowControl)
	}
	e.connRecvWindow -= size
	e.consumeConn(size)
	s := e.streams[id]
	if s == nil {
		if id > e.lastRecvID {
			return http2.ConnectionError(http2.ErrCodeProtocol)
		}
		// closed or refused stream
		return nil
	}
	if s.resetQueued {
		return nil
	}
	if s.recvEnd {
		return http2.StreamError{StreamID: id, Code: http2.ErrCodeStreamClosed}
	}
	if size > s.recvWindow {
		return http2.StreamError{StreamID: id, Code: http2.ErrCodeFlowControl}
	}
	s.recvWindow -= size
	if data := f.Data(); len(data) > 0 {
		if err := e.cb.onDataChunk(id, append([]byte(nil), data...)); err != nil {
			return callbackFailure(err)
		}
	}
	if f.StreamEnded() {
		s.recvEnd = true
	} else {
		e.consumeStream(s, size)
	}
	if err := e.cb.onFrameRecv(engineFrame{Type: http2.FrameData, StreamID: id, EndStream: f.StreamEnded()}); err != nil {
		return callbackFailure(err)
	}
	return e.maybeClose(s)
}

// consumeConn replenishes the connection receive window once half of it is used.
func (e *engine) consumeConn(n int32) {
	e.connRecvConsumed += n
	if e.connRecvConsumed >= initialWindowSize/2 {
		inc := uint32(e.connRecvConsumed)
		e.connRecvWindow += e.connRecvConsumed
		e.connRecvConsumed = 0
		e.queueCtrl(func() error { return e.fr.WriteWindowUpdate(0, inc) })
	}
}

func (e *engine) consumeStream(s *engineStream, n int32) {
	s.recvConsumed += n
	if s.recvConsumed >= initialWindowSize/2 {
		id, inc := s.id, uint32(s.recvConsumed)
		s.recvWindow += s.recvConsumed
		s.recvConsumed = 0
		e.queueCtrl(func() error { return e.fr.WriteWindowUpdate(id, inc) })
	}
}

func (e *engine) processWindowUpdate(f *http2.WindowUpdateFrame) error {
	inc := int64(f.Increment)
	if f.StreamID == 0 {
		e.connSendWindow += inc
		if e.connSendWindow > maxWindowSize {
			return http2.ConnectionError(http2.ErrCodeFlowControl)
		}
		return nil
	}
	s := e.streams[f.StreamID]
	if s == nil {
		if f.StreamID > e.lastRecvID {
			return http2.ConnectionError(http2.ErrCodeProtocol)
		}
		return nil
	}
	s.sendWindow += inc
	if s.sendWindow > maxWindowSize {
		return http2.StreamError{StreamID: s.id, Code: http2.ErrCodeFlowControl}
	}
	return nil
}

func (e *engine) processResetStream(f *http2.RSTStreamFrame) error {
	s := e.streams[f.StreamID]
	if s == nil {
		if f.StreamID > e.lastRecvID {
			return http2.ConnectionError(http2.ErrCodeProtocol)
		}
		return nil
	}
	if err := e.cb.onFrameRecv(engineFrame{Type: http2.FrameRSTStream, StreamID: s.id}); err != nil {
		return callbackFailure(err)
	}
	return e.closeStream(s, f.ErrCode)
}

func (e *engine) queueCtrl(fn func() error) {
	e.ctrl = append(e.ctrl, fn)
}

// terminate queues a GOAWAY carrying code and stops processing input.
// Once the GOAWAY is serialized the engine neither reads nor writes.
func (e *engine) terminate(code http2.ErrCode) {
	if e.terminated {
		return
	}
	e.terminated = true
	e.goawayQueued = true
	last := e.lastProcID
	e.goawayLastID = last
	e.queueCtrl(func() error {
		if err := e.fr.WriteGoAway(last, code, nil); err != nil {
			return err
		}
		e.goawaySent = true
		e.termSent = true
		return e.closeAll()
	})
}

// closeAll fails pending response headers and closes every stream.
func (e *engine) closeAll() error {
	for _, s := range e.streams {
		if s.resp != nil {
			s.resp = nil
			if err := e.cb.onFrameNotSend(s.id, http2.FrameHeaders, ErrEngineClosed{}); err != nil {
				return callbackFailure(err)
			}
		}
		if err := e.closeStream(s, http2.ErrCodeCancel); err != nil {
			return err
		}
	}
	e.order = nil
	return nil
}

// Send serializes pending frames: control frames first, then stream
// output within the flow control windows. The returned slice is valid
// until the next call. An empty result means nothing to send.
func (e *engine) Send() ([]byte, error) {
	if e.closed {
		return nil, errors.WithStack(ErrEngineClosed{})
	}
	e.out.Reset()
	for e.out.Len() < MaxOutBytesPerWrite {
		if len(e.ctrl) > 0 {
			fn := e.ctrl[0]
			e.ctrl[0] = nil
			e.ctrl = e.ctrl[1:]
			if err := fn(); err != nil {
				return nil, err
			}
			continue
		}
		if e.termSent {
			break
		}
		progressed, err := e.sendStreams()
		if err != nil {
			return nil, err
		}
		if !progressed && len(e.ctrl) == 0 {
			break
		}
	}
	if len(e.ctrl) == 0 {
		e.ctrl = nil
	}
	return e.out.Bytes(), nil
}

// WantRead returns true if the engine expects more input.
func (e *engine) WantRead() bool {
	if e.closed || e.terminated {
		return false
	}
	if e.active > 0 {
		return true
	}
	return !(e.goawaySent || e.goawayRecv || e.flooded)
}

// WantWrite returns true if Send would produce output.
func (e *engine) WantWrite() bool {
	if e.closed || e.termSent {
		return false
	}
	if len(e.ctrl) > 0 {
		return true
	}
	for _, id := range e.order {
		if s := e.streams[id]; s != nil && e.sendable(s) {
			return true
		}
	}
	return false
}

// SubmitSettings queues a SETTINGS frame. The values take effect locally
// once the peer acknowledges them.
func (e *engine) SubmitSettings(settings ...http2.Setting) error {
	if e.closed {
		return errors.WithStack(ErrEngineClosed{})
	}
	for _, s := range settings {
		if err := s.Valid(); err != nil {
			return errors.Wrap(ErrInvalidArgument{}, err.Error())
		}
	}
	e.pendingLocal = append(e.pendingLocal, settings)
	e.queueCtrl(func() error { return e.fr.WriteSettings(settings...) })
	return nil
}

// SubmitGoAway queues a GOAWAY frame. Streams above lastID are no longer
// accepted; open streams run to completion.
func (e *engine) SubmitGoAway(lastID uint32, code http2.ErrCode, debug []byte) error {
	if e.closed {
		return errors.WithStack(ErrEngineClosed{})
	}
	if e.terminated {
		return nil
	}
	if e.goawayQueued {
		if lastID > e.goawayLastID {
			return errors.WithStack(ErrInvalidArgument{})
		}
		if lastID == e.goawayLastID {
			return nil
		}
	}
	e.goawayQueued = true
	e.goawayLastID = lastID
	e.queueCtrl(func() error {
		if err := e.fr.WriteGoAway(lastID, code, debug); err != nil {
			return err
		}
		e.goawaySent = true
		return nil
	})
	return nil
}

// LastProcStreamID returns the highest stream id handed to callbacks.
func (e *engine) LastProcStreamID() uint32 {
	return e.lastProcID
}

// Close releases the engine. Nothing is sent and no callbacks run afterwards.
func (e *engine) Close() {
	e.closed = true
	e.streams = nil
	e.order = nil
	e.ctrl = nil
	e.in = nil
}
