// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package frontdoor

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
)

func testTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	certFile, keyFile := writeTestCert(t, t.TempDir(), "localhost")
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	require.NoError(t, err)
	return &tls.Config{Certificates: []tls.Certificate{cert}}
}

type testServer struct {
	*Server
	addr  string
	errc  chan error
	stopO sync.Once
}

// startTestServer serves srv on a loopback listener.
func startTestServer(t *testing.T, srv *Server, secure bool) *testServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ts := &testServer{Server: srv, addr: ln.Addr().String(), errc: make(chan error, 1)}
	go func() { ts.errc <- srv.Serve(ln, secure) }()
	assert.Eventually(t, func() bool { return len(srv.Addrs()) > 0 }, 5*time.Second, time.Millisecond)
	return ts
}

func (ts *testServer) shutdown(t *testing.T) {
	t.Helper()
	ts.stopO.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, ts.Shutdown(ctx))
		assert.Equal(t, ErrServerClosed, errors.Cause(<-ts.errc))
	})
}

func h2Client() (*http.Client, *http2.Transport) {
	tr := &http2.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"h2"}},
	}
	return &http.Client{Transport: tr, Timeout: 10 * time.Second}, tr
}

func doRequest(t *testing.T, client *http.Client, method, url, body string) (*http.Response, string) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, string(b)
}

func Test_Server_h2(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()
	srv := &Server{
		TLSConfig: testTLSConfig(t),
		Factory:   HandlerPipeline(echoRequestHandler),
		Threads:   2,
		Metrics:   NewMetrics(),
	}
	ts := startTestServer(t, srv, true)
	defer ts.shutdown(t)
	client, tr := h2Client()
	defer tr.CloseIdleConnections()
	base := "https://" + ts.addr

	res, body := doRequest(t, client, "GET", base+"/", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, 2, res.ProtoMajor)
	assert.Equal(t, "GET / ", body)

	_, body = doRequest(t, client, "PUT", base+"/meh", "foo\nbar")
	assert.Equal(t, "PUT /meh foo\nbar", body)

	// interleaved streams on the one connection
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := strings.Repeat(fmt.Sprintf("%02d", i), 20000)
			req, err := http.NewRequest("POST", fmt.Sprintf("%s/lotsafoobar/%d", base, i), strings.NewReader(payload))
			if !assert.NoError(t, err) {
				return
			}
			res, err := client.Do(req)
			if !assert.NoError(t, err) {
				return
			}
			defer res.Body.Close()
			b, err := io.ReadAll(res.Body)
			assert.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("POST /lotsafoobar/%d %s", i, payload), string(b))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1.0, testutil.ToFloat64(srv.Metrics.negotiated.WithLabelValues("h2")))
	assert.Greater(t, srv.BytesRead(), int64(20*40000))
	assert.Greater(t, srv.BytesWritten(), int64(20*40000))
	assert.Empty(t, srv.ServeErrors())

	tr.CloseIdleConnections()
	ts.shutdown(t)
	assert.Equal(t, 0, srv.ActiveConnectors())
}

func Test_Server_tlsHTTP11(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()
	srv := &Server{
		TLSConfig: testTLSConfig(t),
		Factory:   HandlerPipeline(echoRequestHandler),
		Threads:   1,
		Metrics:   NewMetrics(),
	}
	ts := startTestServer(t, srv, true)
	defer ts.shutdown(t)
	tr := &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	defer tr.CloseIdleConnections()
	client := &http.Client{Transport: tr, Timeout: 10 * time.Second}

	res, body := doRequest(t, client, "POST", "https://"+ts.addr+"/x", "abc")
	assert.Equal(t, 1, res.ProtoMajor)
	assert.Equal(t, 1, res.ProtoMinor)
	assert.Equal(t, "POST /x abc", body)
	assert.Equal(t, "HTTP/1.1", res.Header.Get("X-Proto"))
	assert.Equal(t, 1.0, testutil.ToFloat64(srv.Metrics.negotiated.WithLabelValues("http/1.1")))

	tr.CloseIdleConnections()
	ts.shutdown(t)
}

func Test_Server_plain(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()
	srv := &Server{Factory: HandlerPipeline(echoRequestHandler), Threads: 1}
	ts := startTestServer(t, srv, false)
	defer ts.shutdown(t)
	tr := &http.Transport{}
	defer tr.CloseIdleConnections()
	client := &http.Client{Transport: tr, Timeout: 10 * time.Second}

	for i := 0; i < 3; i++ {
		_, body := doRequest(t, client, "GET", fmt.Sprintf("http://%s/n/%d", ts.addr, i), "")
		assert.Equal(t, fmt.Sprintf("GET /n/%d ", i), body)
	}
	st := srv.Stats()
	assert.Equal(t, 1, st.ActiveConnectors)
	assert.Len(t, st.Listeners, 1)

	tr.CloseIdleConnections()
	ts.shutdown(t)
}

func Test_Server_shutdownDrainsHTTP1(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()
	started := make(chan struct{})
	proceed := make(chan struct{})
	srv := &Server{
		Factory: HandlerPipeline(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			close(started)
			<-proceed
			io.WriteString(w, "finished")
		})),
		Threads: 1,
	}
	ts := startTestServer(t, srv, false)
	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)
	<-started

	done := make(chan struct{})
	go func() {
		defer close(done)
		ts.shutdown(t)
	}()
	time.Sleep(50 * time.Millisecond)
	close(proceed)

	b, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(b, []byte("HTTP/1.1 200 OK\r\n")))
	assert.Contains(t, string(b), "Connection: close\r\n")
	assert.Contains(t, string(b), "finished")
	<-done
}

func Test_Server_shutdownTimeout(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()
	srv := &Server{Threads: 1}
	ts := startTestServer(t, srv, false)
	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	defer conn.Close()
	// a partial request keeps the connection busy
	_, err = conn.Write([]byte("GET / HTTP/1.1\r\n"))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return srv.ActiveConnectors() == 1 }, 5*time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = srv.Shutdown(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, ErrServerClosed, errors.Cause(<-ts.errc))

	// Close stopped the connector; now the pool can be released
	assert.Eventually(t, func() bool { return srv.ActiveConnectors() == 0 }, 5*time.Second, time.Millisecond)
	assert.NoError(t, srv.Shutdown(context.Background()))
}

func Test_Server_h2ConnectorLost(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()
	started := make(chan struct{})
	canceled := make(chan struct{})
	srv := &Server{
		TLSConfig: testTLSConfig(t),
		Factory: HandlerPipeline(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			close(started)
			<-r.Context().Done()
			close(canceled)
		})),
		Threads: 1,
	}
	ts := startTestServer(t, srv, true)
	defer ts.shutdown(t)

	conn, err := tls.Dial("tcp", ts.addr, &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"h2"}})
	require.NoError(t, err)
	assert.Equal(t, "h2", conn.ConnectionState().NegotiatedProtocol)
	pp := newPipePeer(conn)
	pp.preface().request(1, false, "/upload")
	pp.flush(t)
	pp.expect(t, func(f testFrame) bool { return f.Type == http2.FrameSettings && !f.Ack })
	<-started

	conn.Close()
	select {
	case <-canceled:
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not canceled")
	}
	assert.Eventually(t, func() bool { return srv.ActiveConnectors() == 0 }, 5*time.Second, time.Millisecond)
}

func Test_Server_noTLSConfig(t *testing.T) {
	srv := &Server{Threads: 1}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.Error(t, srv.Serve(ln, true))
	srv.Shutdown(context.Background())
}

func Test_Server_ListenAndServe(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()
	srv := &Server{
		PlainAddr: "127.0.0.1:0",
		Factory:   HandlerPipeline(echoRequestHandler),
		Threads:   2,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	assert.Eventually(t, func() bool { return len(srv.Addrs()) > 0 }, 5*time.Second, time.Millisecond)

	tr := &http.Transport{DisableKeepAlives: true}
	client := &http.Client{Transport: tr, Timeout: 10 * time.Second}
	_, body := doRequest(t, client, "GET", "http://"+srv.Addrs()[0].String()+"/las", "")
	assert.Equal(t, "GET /las ", body)

	require.NoError(t, srv.Shutdown(context.Background()))
	assert.Equal(t, ErrServerClosed, <-errc)

	// a closed server does not serve again
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.Equal(t, ErrServerClosed, errors.Cause(srv.Serve(ln, false)))
	srv.Shutdown(context.Background())
}

func Test_Server_DisablePlainWithoutTLS(t *testing.T) {
	srv := &Server{DisablePlain: true, Threads: 1}
	assert.Error(t, srv.ListenAndServe())
	srv.Shutdown(context.Background())
}
