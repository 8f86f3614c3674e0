package frontdoor

import (
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// ReverseProxy is an http.Handler forwarding requests to an upstream HTTP server.
type ReverseProxy struct {
	*url.URL                        // Upstream server URL
	transports chan *http.Transport // available http.Transports
}

// NewReverseProxy returns a new ReverseProxy with at most maxConnections
// requests to the upstream in flight.
func NewReverseProxy(u *url.URL, maxConnections int) (rp *ReverseProxy) {
	if maxConnections < 1 {
		maxConnections = 512
	}

	transports := make(chan *http.Transport, maxConnections)
	for i := 0; i < cap(transports); i++ {
		transports <- &http.Transport{
			DisableKeepAlives:   false,
			DisableCompression:  true,
			MaxIdleConnsPerHost: 1,
		}
	}

	return &ReverseProxy{
		URL:        u,
		transports: transports,
	}
}

// stripConnection removes hop-by-hop headers from h.
func stripConnection(h http.Header) {
	for _, v := range h["Connection"] {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" && !strings.EqualFold(name, "close") {
				h.Del(name)
			}
		}
	}
	for k := range hopHeaders {
		h.Del(k)
	}
}

// ServeHTTP forwards req upstream and copies the response back.
// Upstream failures are answered with 502 Bad Gateway.
func (rp *ReverseProxy) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	out := req.Clone(req.Context())
	out.URL.Scheme = rp.URL.Scheme
	out.URL.Host = rp.URL.Host
	out.RequestURI = ""
	if req.ContentLength == 0 {
		out.Body = nil
	}
	stripConnection(out.Header)
	if ip := remoteIP(req.RemoteAddr); ip != "" {
		out.Header.Add("X-Forwarded-For", ip)
	}
	if req.TLS != nil {
		out.Header.Set("X-Forwarded-Proto", "https")
	} else {
		out.Header.Set("X-Forwarded-Proto", "http")
	}

	var transport *http.Transport
	select {
	case transport = <-rp.transports:
	case <-req.Context().Done():
		return
	}
	res, err := transport.RoundTrip(out)
	rp.transports <- transport
	if err != nil {
		Logger.Warn().Err(errors.WithStack(err)).Str("upstream", rp.URL.Host).Msg("round trip")
		rw.WriteHeader(http.StatusBadGateway)
		return
	}
	defer res.Body.Close()

	stripConnection(res.Header)
	dst := rw.Header()
	for k, vv := range res.Header {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	if len(res.Trailer) > 0 {
		names := make([]string, 0, len(res.Trailer))
		for k := range res.Trailer {
			names = append(names, k)
		}
		dst.Set("Trailer", strings.Join(names, ", "))
	}
	rw.WriteHeader(res.StatusCode)
	if _, err := io.Copy(rw, res.Body); err != nil {
		Logger.Debug().Err(err).Msg("copy response body")
		panic(http.ErrAbortHandler)
	}
	for k, vv := range res.Trailer {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func remoteIP(addr string) string {
	if i := strings.LastIndexByte(addr, ':'); i > 0 {
		addr = addr[:i]
	}
	return strings.Trim(addr, "[]")
}
