package frontdoor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testResponder records what a Pipeline responds with.
type testResponder struct {
	mu     sync.Mutex
	events []string
	header http.Header
	body   bytes.Buffer
	done   chan struct{}
	closed bool
}

func newTestResponder() *testResponder {
	return &testResponder{done: make(chan struct{})}
}

func (r *testResponder) Post(fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	fn()
	return true
}

func (r *testResponder) OnHeader(status int, header http.Header) {
	r.header = header
	r.events = append(r.events, fmt.Sprint("header ", status))
}

func (r *testResponder) OnBody(chunk []byte) {
	r.body.Write(chunk)
}

func (r *testResponder) OnTrailer(name, value string) {
	r.events = append(r.events, "trailer "+name+"="+value)
}

func (r *testResponder) OnEOM() {
	r.events = append(r.events, "eom")
	close(r.done)
}

func (r *testResponder) OnError(code int) {
	r.events = append(r.events, fmt.Sprint("error ", code))
	close(r.done)
}

func (r *testResponder) wait(t *testing.T) []string {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("no response")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func Test_HandlerPipeline_serve(t *testing.T) {
	defer leaktest.Check(t)()
	var got *http.Request
	var gotBody []byte
	factory := HandlerPipeline(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Trailer", "X-Sum")
		w.Header().Set("X-A", "1")
		w.Write(gotBody)
		w.Header().Set("X-Sum", "5")
	}))
	res := newTestResponder()
	p := factory(Exchange{
		Responder:  res,
		RemoteAddr: &net.TCPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 1234},
		Secure:     true,
		StreamID:   1,
	})
	req := &Request{
		Method:     "POST",
		Scheme:     "https",
		Authority:  "example.com",
		Path:       "/p",
		Query:      "a=b",
		ProtoMajor: 2,
		Header:     []HeaderField{{"content-length", "5"}, {"host", "ignored"}, {"x-in", "v"}},
	}
	p.OnRequestPreamble(req)
	p.OnRequestBody([]byte("hel"))
	p.OnRequestBody([]byte("lo"))
	p.OnRequestFinished()

	assert.Equal(t, []string{"header 200", "trailer X-Sum=5", "eom"}, res.wait(t))
	assert.Equal(t, "hello", res.body.String())
	assert.Equal(t, "1", res.header.Get("X-A"))

	assert.Equal(t, "hello", string(gotBody))
	assert.Equal(t, "POST", got.Method)
	assert.Equal(t, "HTTP/2.0", got.Proto)
	assert.Equal(t, "example.com", got.Host)
	assert.Equal(t, "/p?a=b", got.RequestURI)
	assert.Equal(t, "b", got.URL.Query().Get("a"))
	assert.Equal(t, int64(5), got.ContentLength)
	assert.Equal(t, "192.0.2.1:1234", got.RemoteAddr)
	assert.NotNil(t, got.TLS)
	assert.Empty(t, got.Header.Get("Host"))
	assert.Equal(t, "v", got.Header.Get("X-In"))
}

func Test_HandlerPipeline_panic(t *testing.T) {
	defer leaktest.Check(t)()
	res := newTestResponder()
	p := HandlerPipeline(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))(Exchange{Responder: res})
	p.OnRequestPreamble(&Request{Method: "GET", Path: "/", ProtoMajor: 1, ProtoMinor: 1})
	p.OnRequestFinished()
	assert.Equal(t, []string{"error 500"}, res.wait(t))
}

func Test_HandlerPipeline_abortHandler(t *testing.T) {
	defer leaktest.Check(t)()
	res := newTestResponder()
	p := HandlerPipeline(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		panic(http.ErrAbortHandler)
	}))(Exchange{Responder: res})
	p.OnRequestPreamble(&Request{Method: "GET", Path: "/", ProtoMajor: 1, ProtoMinor: 1})
	assert.Equal(t, []string{"header 202", "error 500"}, res.wait(t))
}

func Test_HandlerPipeline_canceled(t *testing.T) {
	defer leaktest.Check(t)()
	var ctxErr, readErr error
	res := newTestResponder()
	p := HandlerPipeline(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		ctxErr = r.Context().Err()
		_, readErr = io.ReadAll(r.Body)
	}))(Exchange{Responder: res})
	p.OnRequestPreamble(&Request{Method: "PUT", Path: "/", ProtoMajor: 1, ProtoMinor: 1})
	p.OnRequestBody([]byte("partial"))
	p.OnRequestCanceled(ErrRequestCanceled{})
	assert.Equal(t, []string{"header 200", "eom"}, res.wait(t))
	assert.Equal(t, context.Canceled, ctxErr)
	assert.True(t, errors.Is(readErr, ErrRequestCanceled{}))
}

func Test_responseWriter_closedResponder(t *testing.T) {
	res := newTestResponder()
	res.closed = true
	rw := newResponseWriter(res)
	n, err := rw.Write([]byte("x"))
	assert.Equal(t, 0, n)
	assert.True(t, errors.Is(err, io.ErrClosedPipe))
	assert.Equal(t, http.StatusOK, rw.Code)
}

func Test_responseWriter_header(t *testing.T) {
	res := newTestResponder()
	rw := newResponseWriter(res)
	rw.Header().Set("Content-Length", "nope")
	rw.Header().Set("X-Kept", "1")
	rw.WriteHeader(http.StatusTeapot)
	rw.WriteHeader(http.StatusOK)
	rw.Header().Set("X-After", "1")
	rw.Header().Set(http.TrailerPrefix+"X-Late", "2")
	rw.Flush()
	assert.True(t, rw.Flushed)
	rw.finish()

	assert.Equal(t, []string{"header 418", "trailer X-Late=2", "eom"}, res.events)
	assert.Equal(t, http.StatusTeapot, rw.Code)
	assert.Empty(t, res.header.Get("Content-Length"))
	assert.Equal(t, "1", res.header.Get("X-Kept"))
	assert.Empty(t, res.header.Get("X-After"))
}

func Test_bodyBuffer(t *testing.T) {
	b := newBodyBuffer()
	b.push([]byte("abc"))
	b.push([]byte("de"))
	p := make([]byte, 2)
	n, err := b.Read(p)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(p[:n]))
	n, _ = b.Read(p)
	assert.Equal(t, "c", string(p[:n]))
	b.closeWithError(io.EOF)
	// pushes after close are dropped, buffered data is still read
	b.push([]byte("zz"))
	rest, err := io.ReadAll(b)
	require.NoError(t, err)
	assert.Equal(t, "de", string(rest))

	b = newBodyBuffer()
	done := make(chan error)
	go func() {
		_, err := b.Read(make([]byte, 1))
		done <- err
	}()
	require.NoError(t, b.Close())
	assert.True(t, errors.Is(<-done, io.ErrClosedPipe))
}
