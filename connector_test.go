// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package frontdoor

import (
	"bytes"
	"crypto/tls"
	"io"
	"net"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoTestHandler writes back whatever it reads.
type echoTestHandler struct {
	connectorLink
	pending bytes.Buffer
	stop    bool
	writes  int
	nulled  int
}

func (h *echoTestHandler) Start() bool { return true }

func (h *echoTestHandler) OnRead(p []byte) bool {
	h.pending.Write(p)
	h.doWrite()
	return true
}

func (h *echoTestHandler) OnWrite(out *bytes.Buffer) bool {
	h.writes++
	out.Write(h.pending.Bytes())
	h.pending.Reset()
	return true
}

func (h *echoTestHandler) ShouldStop() bool { return h.stop }

func (h *echoTestHandler) SetConnector(c *Connector) {
	if h.set(c) {
		h.nulled++
	}
}

func (h *echoTestHandler) OnEOM()           {}
func (h *echoTestHandler) OnError(code int) {}

func startTestConnector(t *testing.T, l *Loop, h Handler, ttl time.Duration, setup func(c *Connector)) (*Connector, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	var c *Connector
	require.True(t, l.Sync(func() {
		c = NewConnector(l, server, 0, ttl, zerolog.Nop())
		if setup != nil {
			setup(c)
		}
		c.SetHandler(h)
		c.Start(false)
		c.Release()
	}))
	return c, client
}

func waitDestroyed(t *testing.T, l *Loop, c *Connector) {
	t.Helper()
	assert.Eventually(t, func() (destroyed bool) {
		l.Sync(func() { destroyed = c.Destroyed() })
		return
	}, 5*time.Second, 5*time.Millisecond)
}

func Test_Connector_echo(t *testing.T) {
	defer leaktest.Check(t)()
	l := newTestLoop()
	defer closeTestLoop(l)

	srv := &Server{}
	h := &echoTestHandler{}
	var destroyed int
	c, client := startTestConnector(t, l, h, time.Minute, func(c *Connector) {
		c.StatsCollector = srv
		c.OnDestroy(func(*Connector) { destroyed++ })
	})

	_, err := client.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	client.Close()
	waitDestroyed(t, l, c)
	l.Sync(func() {
		assert.True(t, c.Stopped())
		assert.Nil(t, c.Handler())
		assert.Nil(t, h.connector())
		assert.Equal(t, 1, h.nulled)
		assert.Equal(t, 1, destroyed)
	})
	assert.Equal(t, int64(5), srv.BytesRead())
	assert.Equal(t, int64(5), srv.BytesWritten())
}

func Test_Connector_idleTimeout(t *testing.T) {
	defer leaktest.Check(t)()
	l := newTestLoop()
	defer closeTestLoop(l)

	m := NewMetrics()
	c, client := startTestConnector(t, l, &echoTestHandler{}, 20*time.Millisecond, func(c *Connector) {
		c.Metrics = m
	})
	defer client.Close()
	waitDestroyed(t, l, c)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deadlines.WithLabelValues("idle")))
}

func Test_Connector_shouldStop(t *testing.T) {
	defer leaktest.Check(t)()
	l := newTestLoop()
	defer closeTestLoop(l)

	h := &echoTestHandler{stop: true}
	c, client := startTestConnector(t, l, h, 0, nil)
	defer client.Close()
	l.Sync(func() { c.doWrite() })
	waitDestroyed(t, l, c)
}

func Test_Connector_singleWrite(t *testing.T) {
	defer leaktest.Check(t)()
	l := newTestLoop()
	defer closeTestLoop(l)

	h := &echoTestHandler{}
	c, client := startTestConnector(t, l, h, 0, nil)
	l.Sync(func() {
		h.pending.WriteString("abc")
		c.doWrite()
		// the pipe blocks until the client reads, so this is a no-op
		c.doWrite()
		assert.Equal(t, 1, h.writes)
	})
	buf := make([]byte, 3)
	_, err := io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf))
	client.Close()
	waitDestroyed(t, l, c)
}

func Test_Connector_stop(t *testing.T) {
	defer leaktest.Check(t)()
	l := newTestLoop()
	defer closeTestLoop(l)

	h := &echoTestHandler{}
	c, client := startTestConnector(t, l, h, 0, nil)
	defer client.Close()
	l.Sync(func() {
		c.Stop()
		c.Stop()
		assert.True(t, c.Stopped())
		// reading is no longer started
		c.doRead()
	})
	waitDestroyed(t, l, c)
	assert.Equal(t, 1, h.nulled)
}

func Test_Connector_handshakeNoDelay(t *testing.T) {
	defer leaktest.Check(t)()
	l := newTestLoop()
	defer closeTestLoop(l)
	cfg := testTLSConfig(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	for _, noDelay := range []bool{true, false} {
		accepted := make(chan net.Conn, 1)
		go func() {
			if rwc, err := ln.Accept(); err == nil {
				accepted <- rwc
			}
		}()
		raw, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		rwc := <-accepted

		h := &echoTestHandler{}
		var c *Connector
		require.True(t, l.Sync(func() {
			c = NewConnector(l, tls.Server(rwc, cfg), time.Second, 0, zerolog.Nop())
			c.Handshake(func(tls.ConnectionState) Handler { return h }, noDelay)
			c.Release()
		}))

		client := tls.Client(raw, &tls.Config{InsecureSkipVerify: true})
		require.NoError(t, client.Handshake())
		_, err = client.Write([]byte("ping"))
		require.NoError(t, err)
		buf := make([]byte, 4)
		_, err = io.ReadFull(client, buf)
		require.NoError(t, err)
		assert.Equal(t, "ping", string(buf))

		l.Sync(func() {
			assert.True(t, c.IsTLS())
			assert.Equal(t, noDelay, c.NoDelay())
		})
		client.Close()
		waitDestroyed(t, l, c)
	}
}
