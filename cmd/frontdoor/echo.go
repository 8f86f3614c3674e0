package main

import (
	"io"
	"net/http"
	"sort"
	"strings"
)

// echoHandler answers every request with its request line, headers and body.
type echoHandler struct{}

func (echoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var sb strings.Builder
	sb.WriteString(r.Method)
	sb.WriteByte(' ')
	sb.WriteString(r.RequestURI)
	sb.WriteByte(' ')
	sb.WriteString(r.Proto)
	sb.WriteByte('\n')
	if r.Host != "" {
		sb.WriteString("Host: ")
		sb.WriteString(r.Host)
		sb.WriteByte('\n')
	}
	keys := make([]string, 0, len(r.Header))
	for k := range r.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(strings.Join(r.Header[k], ", "))
		sb.WriteByte('\n')
	}
	sb.WriteByte('\n')

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, sb.String())
	io.Copy(w, r.Body)
}
