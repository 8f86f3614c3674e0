package frontdoor

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

var headerTerminator = []byte("\r\n\r\n")

// HTTP1Config configures an HTTP/1.x Handler.
type HTTP1Config struct {
	Factory PipelineFactory // defaults to http.NotFoundHandler
	Minor   int             // 0 if http/1.0 was negotiated
	Secure  bool
	Metrics *Metrics
}

// HTTP1Handler serves HTTP/1.0 and HTTP/1.1 on a Connector. Requests are
// served one at a time; pipelined requests wait for the previous response.
type HTTP1Handler struct {
	connectorLink
	log        zerolog.Logger
	remote     net.Addr
	cfg        HTTP1Config
	in         []byte
	out        bytes.Buffer
	cur        *http1Exchange
	gen        uint64
	closing    bool // no more requests are read
	processing bool
}

type http1Exchange struct {
	gen         uint64
	req         Request
	pipeline    Pipeline
	bodyLeft    int64
	chunked     *chunkedDecoder
	keepAlive   bool
	http10      bool
	head        bool
	reqDone     bool
	respStarted bool
	respChunked bool
	bodyless    bool
	respDone    bool
	rh          *fasthttp.ResponseHeader
	respBody    bytes.Buffer // HTTP/1.0 bodies are buffered to set Content-Length
	trailers    []HeaderField
}

// NewHTTP1Handler returns an HTTP/1.x Handler.
func NewHTTP1Handler(cfg HTTP1Config) *HTTP1Handler {
	if cfg.Factory == nil {
		cfg.Factory = HandlerPipeline(http.NotFoundHandler())
	}
	return &HTTP1Handler{cfg: cfg, log: zerolog.Nop()}
}

func (h *HTTP1Handler) String() string {
	return fmt.Sprintf("[HTTP1Handler 1.%d closing=%v]", h.cfg.Minor, h.closing)
}

// SetConnector implements Handler.
func (h *HTTP1Handler) SetConnector(c *Connector) {
	if c != nil {
		h.remote = c.Origin()
		h.log = c.Logger().With().Str("proto", "http/1."+strconv.Itoa(h.cfg.Minor)).Logger()
	}
	if h.set(c) {
		h.onConnectorNulled()
	}
}

// Start implements Handler.
func (h *HTTP1Handler) Start() bool {
	return h.connector() != nil
}

// OnRead implements Handler.
func (h *HTTP1Handler) OnRead(p []byte) bool {
	if h.closing {
		return true
	}
	h.in = append(h.in, p...)
	if h.cur != nil && h.cur.reqDone && len(h.in) > MaxRequestHeaderBytes {
		h.log.Debug().Int("buffered", len(h.in)).Msg("too much pipelined input")
		return false
	}
	h.process()
	return true
}

// OnWrite implements Handler.
func (h *HTTP1Handler) OnWrite(out *bytes.Buffer) bool {
	n := h.out.Len()
	if n > MaxOutBytesPerWrite {
		n = MaxOutBytesPerWrite
	}
	out.Write(h.out.Next(n))
	return true
}

// ShouldStop implements Handler.
func (h *HTTP1Handler) ShouldStop() bool {
	return h.closing && h.out.Len() == 0
}

// OnEOM implements Handler.
func (h *HTTP1Handler) OnEOM() {
	h.doWrite()
}

// OnError implements Handler.
func (h *HTTP1Handler) OnError(code int) {
	h.log.Debug().Int("code", code).Msg("pipeline error")
	h.closing = true
	h.doWrite()
}

// Drain stops reading new requests. A request in progress is answered
// and the connection is closed after its response.
func (h *HTTP1Handler) Drain() {
	if x := h.cur; x != nil {
		x.keepAlive = false
		return
	}
	h.closing = true
	h.doWrite()
}

func (h *HTTP1Handler) onConnectorNulled() {
	if x := h.cur; x != nil {
		h.cur = nil
		h.gen++
		if x.pipeline != nil && !(x.reqDone && x.respDone) {
			x.pipeline.OnRequestCanceled(ErrRequestCanceled{})
		}
	}
	h.in = nil
	h.out.Reset()
	h.closing = true
}

// process parses requests and request bodies from the buffered input.
func (h *HTTP1Handler) process() {
	if h.processing {
		return
	}
	h.processing = true
	defer func() { h.processing = false }()
	for !h.closing {
		x := h.cur
		if x == nil {
			for len(h.in) >= 2 && h.in[0] == '\r' && h.in[1] == '\n' {
				h.in = h.in[2:]
			}
			idx := bytes.Index(h.in, headerTerminator)
			if idx < 0 {
				if len(h.in) > MaxRequestHeaderBytes {
					h.fail(http.StatusRequestHeaderFieldsTooLarge, errors.New("request header too large"))
				}
				return
			}
			block := h.in[:idx+len(headerTerminator)]
			h.in = h.in[idx+len(headerTerminator):]
			if err := h.begin(block); err != nil {
				h.fail(http.StatusBadRequest, err)
				return
			}
			continue
		}
		if x.reqDone || len(h.in) == 0 {
			return
		}
		n, err := h.feedBody(x)
		if err != nil {
			h.fail(http.StatusBadRequest, err)
			return
		}
		if n == 0 && !x.reqDone {
			// a partial chunk line waits for more input
			return
		}
	}
}

func (h *HTTP1Handler) begin(block []byte) error {
	var rh fasthttp.RequestHeader
	if err := rh.Read(bufio.NewReader(bytes.NewReader(block))); err != nil {
		return errors.WithStack(err)
	}
	h.gen++
	x := &http1Exchange{gen: h.gen}
	req := &x.req
	req.Method = string(rh.Method())
	req.SetPath(string(rh.RequestURI()))
	req.Authority = string(rh.Host())
	req.Scheme = "http"
	if h.cfg.Secure {
		req.Scheme = "https"
	}
	req.ProtoMajor = 1
	if rh.IsHTTP11() && h.cfg.Minor != 0 {
		req.ProtoMinor = 1
	}
	rh.VisitAll(func(k, v []byte) {
		req.AddHeader(string(k), string(v))
	})
	x.http10 = req.ProtoMinor == 0
	x.keepAlive = !x.http10 && !rh.ConnectionClose()
	x.head = req.Method == http.MethodHead
	te := strings.ToLower(string(rh.Peek("Transfer-Encoding")))
	switch cl := rh.ContentLength(); {
	case strings.Contains(te, "chunked") || cl == -1:
		x.chunked = &chunkedDecoder{}
	case cl > 0:
		x.bodyLeft = int64(cl)
	}
	h.cur = x
	h.log.Trace().Str("method", req.Method).Str("uri", req.RequestURI()).Msg("request")
	x.pipeline = h.cfg.Factory(Exchange{
		Responder:  http1Ref{h: h, gen: x.gen},
		RemoteAddr: h.remote,
		Secure:     h.cfg.Secure,
	})
	x.pipeline.OnRequestPreamble(req)
	if x.chunked == nil && x.bodyLeft == 0 {
		h.finishRequest(x)
	}
	return nil
}

// feedBody hands buffered request body bytes to the pipeline and returns
// how many bytes of input it consumed.
func (h *HTTP1Handler) feedBody(x *http1Exchange) (int, error) {
	if x.chunked != nil {
		n, done, err := x.chunked.decode(h.in, func(b []byte) {
			x.pipeline.OnRequestBody(append([]byte(nil), b...))
		})
		h.in = h.in[n:]
		if err != nil {
			return n, err
		}
		if done {
			h.finishRequest(x)
		}
		return n, nil
	}
	n := int64(len(h.in))
	if n > x.bodyLeft {
		n = x.bodyLeft
	}
	chunk := append([]byte(nil), h.in[:n]...)
	h.in = h.in[n:]
	x.bodyLeft -= n
	x.pipeline.OnRequestBody(chunk)
	if x.bodyLeft == 0 {
		h.finishRequest(x)
	}
	return int(n), nil
}

func (h *HTTP1Handler) finishRequest(x *http1Exchange) {
	x.reqDone = true
	x.pipeline.OnRequestFinished()
	h.maybeEnd(x)
}

// maybeEnd retires the exchange once both request and response are done.
func (h *HTTP1Handler) maybeEnd(x *http1Exchange) {
	if h.cur != x || !x.reqDone || !x.respDone {
		return
	}
	h.cur = nil
	if !x.keepAlive {
		h.closing = true
	}
}

// fail answers a malformed request and stops reading.
func (h *HTTP1Handler) fail(status int, err error) {
	h.log.Debug().Err(err).Int("status", status).Msg("malformed request")
	if x := h.cur; x != nil {
		h.cur = nil
		if x.pipeline != nil {
			x.pipeline.OnRequestCanceled(err)
		}
		if x.respStarted {
			h.closing = true
			h.in = nil
			h.doWrite()
			return
		}
	}
	var rh fasthttp.ResponseHeader
	rh.SetNoDefaultContentType(true)
	rh.SetStatusCode(status)
	rh.SetContentLength(0)
	rh.SetConnectionClose()
	h.out.Write(rh.AppendBytes(nil))
	h.closing = true
	h.in = nil
	h.doWrite()
}

func (h *HTTP1Handler) current(gen uint64) *http1Exchange {
	if x := h.cur; x != nil && x.gen == gen && !x.respDone {
		return x
	}
	return nil
}

func (h *HTTP1Handler) writeHeader(x *http1Exchange, status int, header http.Header) {
	x.respStarted = true
	rh := &fasthttp.ResponseHeader{}
	rh.SetNoDefaultContentType(true)
	rh.SetStatusCode(status)
	if x.http10 {
		rh.SetProtocol([]byte("HTTP/1.0"))
	}
	keys := make([]string, 0, len(header))
	for k := range header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if hopHeaders[strings.ToLower(k)] || k == "Content-Length" {
			continue
		}
		for _, v := range header[k] {
			rh.Add(k, v)
		}
	}
	x.bodyless = x.head || status == http.StatusNoContent || status == http.StatusNotModified || status < 200
	if !x.keepAlive {
		rh.SetConnectionClose()
	}
	x.rh = rh
	if x.http10 {
		return
	}
	if cl, err := strconv.Atoi(header.Get("Content-Length")); err == nil && cl >= 0 {
		rh.SetContentLength(cl)
	} else if !x.bodyless {
		rh.SetContentLength(-1)
		x.respChunked = true
	}
	h.out.Write(rh.AppendBytes(nil))
}

func (h *HTTP1Handler) writeBody(x *http1Exchange, chunk []byte) {
	if x.bodyless || len(chunk) == 0 {
		return
	}
	switch {
	case x.http10:
		x.respBody.Write(chunk)
	case x.respChunked:
		h.out.WriteString(strconv.FormatInt(int64(len(chunk)), 16))
		h.out.WriteString("\r\n")
		h.out.Write(chunk)
		h.out.WriteString("\r\n")
	default:
		h.out.Write(chunk)
	}
}

func (h *HTTP1Handler) writeEnd(x *http1Exchange) {
	switch {
	case x.http10:
		if !x.bodyless {
			x.rh.SetContentLength(x.respBody.Len())
		}
		h.out.Write(x.rh.AppendBytes(nil))
		h.out.Write(x.respBody.Bytes())
		x.respBody.Reset()
	case x.respChunked:
		h.out.WriteString("0\r\n")
		for _, t := range x.trailers {
			h.out.WriteString(t.Name)
			h.out.WriteString(": ")
			h.out.WriteString(t.Value)
			h.out.WriteString("\r\n")
		}
		h.out.WriteString("\r\n")
	}
	x.respDone = true
}

// http1Ref is the Responder of one HTTP/1.x exchange. It goes stale once
// the exchange has been answered or the connection is gone.
type http1Ref struct {
	h   *HTTP1Handler
	gen uint64
}

func (r http1Ref) OnHeader(status int, header http.Header) {
	if x := r.h.current(r.gen); x != nil && !x.respStarted {
		r.h.writeHeader(x, status, header)
		r.h.doWrite()
	}
}

func (r http1Ref) OnBody(chunk []byte) {
	if x := r.h.current(r.gen); x != nil {
		if !x.respStarted {
			r.h.writeHeader(x, http.StatusOK, nil)
		}
		r.h.writeBody(x, chunk)
		r.h.doWrite()
	}
}

func (r http1Ref) OnTrailer(name, value string) {
	if x := r.h.current(r.gen); x != nil && x.respChunked {
		x.trailers = append(x.trailers, HeaderField{Name: name, Value: value})
	}
}

func (r http1Ref) OnEOM() {
	h := r.h
	x := h.current(r.gen)
	if x == nil {
		return
	}
	if !x.respStarted {
		h.writeHeader(x, http.StatusOK, nil)
	}
	h.writeEnd(x)
	h.maybeEnd(x)
	h.OnEOM()
	h.process()
}

func (r http1Ref) OnError(code int) {
	h := r.h
	x := h.current(r.gen)
	if x == nil {
		return
	}
	if !x.respStarted {
		x.keepAlive = false
		h.writeHeader(x, code, nil)
		h.writeEnd(x)
	}
	x.respDone = true
	x.keepAlive = false
	h.closing = true
	h.maybeEnd(x)
	h.OnError(code)
}

func (r http1Ref) Post(fn func()) bool {
	if c := r.h.connector(); c != nil {
		return c.Loop().Post(fn)
	}
	return false
}
