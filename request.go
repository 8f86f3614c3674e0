package frontdoor

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// HeaderField is a single header name and value.
type HeaderField struct {
	Name  string
	Value string
}

// Request is a decoded request preamble as handed to a Pipeline.
// Header keeps insertion order and duplicates.
type Request struct {
	Method     string
	Scheme     string
	Authority  string
	Path       string
	Query      string
	Fragment   string
	Header     []HeaderField
	ProtoMajor int
	ProtoMinor int
}

func (req *Request) String() string {
	return fmt.Sprintf("[Request %s %s://%s%s HTTP/%d.%d]",
		req.Method, req.Scheme, req.Authority, req.RequestURI(), req.ProtoMajor, req.ProtoMinor)
}

// AddHeader appends a header field.
func (req *Request) AddHeader(name, value string) {
	req.Header = append(req.Header, HeaderField{Name: name, Value: value})
}

// Get returns the first value of the named header, case-insensitively.
func (req *Request) Get(name string) (string, bool) {
	for _, hf := range req.Header {
		if strings.EqualFold(hf.Name, name) {
			return hf.Value, true
		}
	}
	return "", false
}

// SetPath assigns path, query and fragment from a raw request target.
// Query and fragment are only assigned when non-empty.
func (req *Request) SetPath(raw string) {
	path, query, fragment := SplitPath(raw)
	req.Path = path
	if query != "" {
		req.Query = query
	}
	if fragment != "" {
		req.Fragment = fragment
	}
}

// RequestURI returns path, query and fragment joined back together.
func (req *Request) RequestURI() string {
	var sb strings.Builder
	sb.WriteString(req.Path)
	if req.Query != "" {
		sb.WriteByte('?')
		sb.WriteString(req.Query)
	}
	if req.Fragment != "" {
		sb.WriteByte('#')
		sb.WriteString(req.Fragment)
	}
	return sb.String()
}

// HTTPHeader returns the header fields as an http.Header.
func (req *Request) HTTPHeader() http.Header {
	h := make(http.Header, len(req.Header))
	for _, hf := range req.Header {
		h.Add(hf.Name, hf.Value)
	}
	return h
}

// URL returns the request target as an *url.URL.
func (req *Request) URL() *url.URL {
	return &url.URL{
		Scheme:   req.Scheme,
		Host:     req.Authority,
		Path:     req.Path,
		RawQuery: req.Query,
		Fragment: req.Fragment,
	}
}

// SplitPath splits a raw request target at the first '?' into path and
// remainder, and the remainder at its first '#' into query and fragment.
func SplitPath(raw string) (path, query, fragment string) {
	path = raw
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		path = raw[:i]
		query = raw[i+1:]
		if j := strings.IndexByte(query, '#'); j >= 0 {
			fragment = query[j+1:]
			query = query[:j]
		}
	}
	return
}
