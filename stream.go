// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package frontdoor

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// Stream is one HTTP/2 request and response exchange within a Session.
type Stream struct {
	Request
	id          uint32
	handle      streamHandle
	sess        *Session
	release     func(streamHandle)
	body        bytes.Buffer
	pipeline    Pipeline
	headerDone  bool
	finished    bool // request fully received
	respStarted bool
	respDone    bool
	dead        bool
}

func (st *Stream) String() string {
	return fmt.Sprintf("[Stream %d %v]", st.id, &st.Request)
}

// ID returns the protocol assigned stream id.
func (st *Stream) ID() uint32 {
	return st.id
}

// SetID sets the stream id.
func (st *Stream) SetID(id uint32) {
	st.id = id
}

// Body returns the request body received so far.
func (st *Stream) Body() []byte {
	return st.body.Bytes()
}

// Finished returns true once the request has been fully received.
func (st *Stream) Finished() bool {
	return st.finished
}

func (st *Stream) reset() {
	*st = Stream{body: st.body}
	st.body.Reset()
}

// OnRequestHeaderComplete creates the Pipeline and hands it the preamble.
func (st *Stream) OnRequestHeaderComplete() {
	if st.dead || st.headerDone {
		return
	}
	st.headerDone = true
	st.ProtoMajor, st.ProtoMinor = 2, 0
	x := Exchange{
		Responder:  streamRef{sess: st.sess, h: st.handle},
		RemoteAddr: st.sess.remote,
		Secure:     true,
		StreamID:   st.id,
	}
	st.pipeline = st.sess.factory(x)
	st.pipeline.OnRequestPreamble(&st.Request)
}

// OnRequestBody accumulates a body chunk and forwards it to the Pipeline.
func (st *Stream) OnRequestBody(chunk []byte) {
	if st.dead {
		return
	}
	st.body.Write(chunk)
	if st.pipeline != nil {
		st.pipeline.OnRequestBody(chunk)
	}
}

// OnRequestFinished marks the request as complete.
func (st *Stream) OnRequestFinished() {
	if st.dead || st.finished {
		return
	}
	st.finished = true
	if st.pipeline != nil {
		st.pipeline.OnRequestFinished()
	}
}

// Die terminates the Stream. A Pipeline that has not seen the whole
// exchange is told the request was canceled. The Stream is then handed
// back to its Session.
func (st *Stream) Die() {
	if st.dead {
		return
	}
	st.dead = true
	if st.pipeline != nil && !(st.finished && st.respDone) {
		st.pipeline.OnRequestCanceled(ErrRequestCanceled{})
	}
	st.release(st.handle)
}

var hopHeaders = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
	"upgrade":           true,
}

func responseFields(status int, header http.Header) []hpack.HeaderField {
	fields := []hpack.HeaderField{{Name: ":status", Value: strconv.Itoa(status)}}
	keys := make([]string, 0, len(header))
	for k := range header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lk := strings.ToLower(k)
		if hopHeaders[lk] {
			continue
		}
		for _, v := range header[k] {
			fields = append(fields, hpack.HeaderField{Name: lk, Value: v})
		}
	}
	return fields
}

func (st *Stream) onHeader(status int, header http.Header) error {
	if st.respStarted {
		return nil
	}
	st.respStarted = true
	return st.sess.eng.SubmitResponse(st.id, responseFields(status, header))
}

func (st *Stream) onBody(chunk []byte) error {
	if !st.respStarted {
		if err := st.onHeader(http.StatusOK, nil); err != nil {
			return err
		}
	}
	return st.sess.eng.SubmitData(st.id, chunk)
}

func (st *Stream) onTrailer(name, value string) error {
	if !st.respStarted {
		if err := st.onHeader(http.StatusOK, nil); err != nil {
			return err
		}
	}
	return st.sess.eng.SubmitTrailer(st.id, hpack.HeaderField{Name: strings.ToLower(name), Value: value})
}

func (st *Stream) onEOM() error {
	if st.respDone {
		return nil
	}
	if !st.respStarted {
		if err := st.onHeader(http.StatusOK, nil); err != nil {
			return err
		}
	}
	st.respDone = true
	return st.sess.eng.SubmitEnd(st.id)
}

func (st *Stream) onError(code int) error {
	st.respDone = true
	return st.sess.eng.SubmitRstStream(st.id, http2.ErrCodeInternal)
}

// streamRef is the Responder handed to a Stream's Pipeline. It resolves
// the Stream through the Session's pool, so calls arriving after the
// Stream died are dropped.
type streamRef struct {
	sess *Session
	h    streamHandle
}

func (r streamRef) with(op string, fn func(st *Stream) error) {
	s := r.sess
	if s.life.destroyed {
		return
	}
	s.enter()
	defer s.leave()
	st := s.pool.get(r.h)
	if st == nil || st.dead {
		return
	}
	if err := fn(st); err != nil {
		s.log.Debug().Err(err).Uint32("stream", st.id).Str("op", op).Msg("response dropped")
	}
	s.scheduleWrite()
}

func (r streamRef) OnHeader(status int, header http.Header) {
	r.with("header", func(st *Stream) error { return st.onHeader(status, header) })
}

func (r streamRef) OnBody(chunk []byte) {
	r.with("body", func(st *Stream) error { return st.onBody(chunk) })
}

func (r streamRef) OnTrailer(name, value string) {
	r.with("trailer", func(st *Stream) error { return st.onTrailer(name, value) })
}

func (r streamRef) OnEOM() {
	r.with("eom", func(st *Stream) error {
		err := st.onEOM()
		r.sess.finishLocally(st)
		r.sess.OnEOM()
		return err
	})
}

func (r streamRef) OnError(code int) {
	r.with("error", func(st *Stream) error {
		err := st.onError(code)
		r.sess.finishLocally(st)
		r.sess.OnError(code)
		return err
	})
}

func (r streamRef) Post(fn func()) bool {
	return r.sess.post(fn)
}

// streamHandle refers to a pooled Stream. A handle goes stale when the
// Stream is released.
type streamHandle struct {
	index int32
	gen   uint32
}

type streamSlot struct {
	gen  uint32
	used bool
	st   *Stream
}

// streamPool is the arena a Session allocates its Streams from.
type streamPool struct {
	slots []streamSlot
	free  []int32
	used  int
}

func (p *streamPool) alloc() (streamHandle, *Stream) {
	var idx int32
	if n := len(p.free); n > 0 {
		idx = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		idx = int32(len(p.slots))
		p.slots = append(p.slots, streamSlot{st: &Stream{}})
	}
	slot := &p.slots[idx]
	slot.used = true
	p.used++
	h := streamHandle{index: idx, gen: slot.gen}
	slot.st.handle = h
	return h, slot.st
}

func (p *streamPool) get(h streamHandle) *Stream {
	if h.index < 0 || int(h.index) >= len(p.slots) {
		return nil
	}
	slot := &p.slots[h.index]
	if !slot.used || slot.gen != h.gen {
		return nil
	}
	return slot.st
}

func (p *streamPool) release(h streamHandle) bool {
	st := p.get(h)
	if st == nil {
		return false
	}
	slot := &p.slots[h.index]
	slot.used = false
	slot.gen++
	st.reset()
	p.free = append(p.free, h.index)
	p.used--
	return true
}

func (p *streamPool) each(fn func(st *Stream)) {
	for i := range p.slots {
		if p.slots[i].used {
			fn(p.slots[i].st)
		}
	}
}

func (p *streamPool) len() int {
	return p.used
}
