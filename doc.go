// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

/*
Package frontdoor implements a TLS-terminating HTTP front end.

A Server accepts plain TCP and TLS connections. Every accepted connection is
owned by a Connector, and every Connector is bound to exactly one Loop out of
a fixed LoopPool. All work for a connection (the Connector, its Handler, an
HTTP/2 Session and the Session's Streams) runs on that Loop, so none of those
objects need locking. Blocking reads, writes and TLS handshakes run on helper
goroutines that post their completions back onto the Loop.

On TLS connections the protocol is chosen through ALPN by a Negotiator. HTTP/1.x
connections are served by an HTTP/1 handler; HTTP/2 connections by a Session,
which drives a frame engine built on golang.org/x/net/http2 and creates one
Stream per request.

Streams and HTTP/1 exchanges hand decoded requests to a Pipeline created by an
injected PipelineFactory, and receive the response back through a Responder.
*/
package frontdoor
