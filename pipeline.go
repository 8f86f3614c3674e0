package frontdoor

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

// Pipeline consumes the decoded events of one request. All methods are
// called on the connection's Loop.
type Pipeline interface {
	OnRequestPreamble(req *Request)
	OnRequestBody(chunk []byte)
	OnRequestFinished()
	OnRequestCanceled(err error)
}

// Responder receives the response of one exchange. Its methods must be
// called on the connection's Loop; use Post from other goroutines.
// Calls made after the exchange has died are ignored.
type Responder interface {
	OnHeader(status int, header http.Header)
	OnBody(chunk []byte)
	OnTrailer(name, value string)
	OnEOM()
	OnError(code int)
	// Post schedules fn on the connection's Loop.
	Post(fn func()) bool
}

// Exchange describes the context a Pipeline is created in.
type Exchange struct {
	Responder  Responder
	RemoteAddr net.Addr
	Secure     bool
	StreamID   uint32 // zero for HTTP/1.x
}

// PipelineFactory creates the Pipeline for one exchange.
type PipelineFactory func(x Exchange) Pipeline

// HandlerPipeline returns a PipelineFactory that serves each exchange with
// an http.Handler running on its own goroutine.
func HandlerPipeline(h http.Handler) PipelineFactory {
	return func(x Exchange) Pipeline {
		return &handlerPipeline{handler: h, x: x}
	}
}

type handlerPipeline struct {
	handler http.Handler
	x       Exchange
	body    *bodyBuffer
	cancel  context.CancelFunc
}

func (hp *handlerPipeline) OnRequestPreamble(req *Request) {
	ctx, cancel := context.WithCancel(context.Background())
	hp.cancel = cancel
	hp.body = newBodyBuffer()
	hr := &http.Request{
		Method:        req.Method,
		URL:           req.URL(),
		Proto:         "HTTP/" + strconv.Itoa(req.ProtoMajor) + "." + strconv.Itoa(req.ProtoMinor),
		ProtoMajor:    req.ProtoMajor,
		ProtoMinor:    req.ProtoMinor,
		Header:        req.HTTPHeader(),
		Body:          hp.body,
		ContentLength: -1,
		Host:          req.Authority,
		RequestURI:    req.RequestURI(),
	}
	if cl, ok := req.Get("Content-Length"); ok {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			hr.ContentLength = n
		}
	}
	hr.Header.Del("Host")
	if hp.x.RemoteAddr != nil {
		hr.RemoteAddr = hp.x.RemoteAddr.String()
	}
	if hp.x.Secure {
		hr.TLS = &tls.ConnectionState{HandshakeComplete: true}
	}
	hr = hr.WithContext(ctx)
	go hp.serve(hr)
}

func (hp *handlerPipeline) OnRequestBody(chunk []byte) {
	if hp.body != nil {
		hp.body.push(chunk)
	}
}

func (hp *handlerPipeline) OnRequestFinished() {
	if hp.body != nil {
		hp.body.closeWithError(io.EOF)
	}
}

func (hp *handlerPipeline) OnRequestCanceled(err error) {
	if hp.body != nil {
		hp.body.closeWithError(errors.WithStack(ErrRequestCanceled{}))
	}
	if hp.cancel != nil {
		hp.cancel()
	}
}

func (hp *handlerPipeline) serve(req *http.Request) {
	rw := newResponseWriter(hp.x.Responder)
	defer func() {
		if hp.cancel != nil {
			hp.cancel()
		}
		if v := recover(); v != nil {
			if v != http.ErrAbortHandler {
				rw.logPanic(v)
			}
			rw.abort()
			return
		}
		rw.finish()
	}()
	hp.handler.ServeHTTP(rw, req)
}

// bodyBuffer is an unbounded request body fed from the Loop and read
// by the handler goroutine.
type bodyBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	chunks [][]byte
	err    error
}

func newBodyBuffer() *bodyBuffer {
	b := &bodyBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *bodyBuffer) push(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.chunks = append(b.chunks, chunk)
		b.cond.Signal()
	}
}

func (b *bodyBuffer) closeWithError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.err = err
		b.cond.Broadcast()
	}
}

func (b *bodyBuffer) Read(p []byte) (n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.chunks) == 0 && b.err == nil {
		b.cond.Wait()
	}
	if len(b.chunks) == 0 {
		return 0, b.err
	}
	n = copy(p, b.chunks[0])
	if n == len(b.chunks[0]) {
		b.chunks[0] = nil
		b.chunks = b.chunks[1:]
	} else {
		b.chunks[0] = b.chunks[0][n:]
	}
	return
}

func (b *bodyBuffer) Close() error {
	b.closeWithError(errors.WithStack(io.ErrClosedPipe))
	return nil
}
