package frontdoor

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// responseWriter implements http.ResponseWriter for a handler goroutine.
// Everything it produces is posted to the connection's Loop through a Responder.
type responseWriter struct {
	res         Responder
	Code        int         // the HTTP response code from WriteHeader
	HeaderMap   http.Header // the HTTP response headers
	Flushed     bool
	wroteHeader bool
	trailers    []string
	closed      bool
}

func newResponseWriter(res Responder) *responseWriter {
	return &responseWriter{
		res:       res,
		HeaderMap: make(http.Header),
		Code:      http.StatusOK,
	}
}

// Header returns the response headers.
func (rw *responseWriter) Header() http.Header {
	m := rw.HeaderMap
	if m == nil {
		m = make(http.Header)
		rw.HeaderMap = m
	}
	return m
}

func (rw *responseWriter) post(fn func()) error {
	if rw.closed || !rw.res.Post(fn) {
		rw.closed = true
		return errors.WithStack(io.ErrClosedPipe)
	}
	return nil
}

// Write sends buf as response body. buf is copied.
func (rw *responseWriter) Write(buf []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	if len(buf) == 0 {
		return 0, nil
	}
	chunk := append([]byte(nil), buf...)
	if err := rw.post(func() { rw.res.OnBody(chunk) }); err != nil {
		return 0, err
	}
	return len(buf), nil
}

// WriteHeader sends the status line and headers.
func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.wroteHeader = true
	rw.Code = code
	hdr := make(http.Header, len(rw.HeaderMap))
	for k, vv := range rw.Header() {
		if strings.HasPrefix(k, http.TrailerPrefix) {
			continue
		}
		if k == "Trailer" {
			for _, v := range vv {
				for _, name := range strings.Split(v, ",") {
					if name = strings.TrimSpace(name); name != "" {
						rw.trailers = append(rw.trailers, http.CanonicalHeaderKey(name))
					}
				}
			}
		}
		hdr[k] = append([]string(nil), vv...)
	}
	if cl := hdr.Get("Content-Length"); cl != "" {
		if _, err := strconv.ParseInt(cl, 10, 64); err != nil {
			hdr.Del("Content-Length")
		}
	}
	rw.post(func() { rw.res.OnHeader(code, hdr) })
}

// Flush makes sure the header has been sent.
func (rw *responseWriter) Flush() {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	rw.Flushed = true
}

// finish sends trailers and the end of the message.
func (rw *responseWriter) finish() {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	type kv struct{ k, v string }
	var trailers []kv
	for _, name := range rw.trailers {
		for _, v := range rw.HeaderMap[name] {
			trailers = append(trailers, kv{name, v})
		}
	}
	for k, vv := range rw.HeaderMap {
		if strings.HasPrefix(k, http.TrailerPrefix) {
			for _, v := range vv {
				trailers = append(trailers, kv{strings.TrimPrefix(k, http.TrailerPrefix), v})
			}
		}
	}
	rw.post(func() {
		for _, t := range trailers {
			rw.res.OnTrailer(t.k, t.v)
		}
		rw.res.OnEOM()
	})
}

// abort resets the exchange after a handler panic.
func (rw *responseWriter) abort() {
	rw.post(func() { rw.res.OnError(http.StatusInternalServerError) })
}

func (rw *responseWriter) logPanic(v interface{}) {
	Logger.Error().Interface("panic", v).Int("code", rw.Code).Msg("handler panic")
}
