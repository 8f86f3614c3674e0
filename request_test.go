package frontdoor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_SplitPath(t *testing.T) {
	tests := []struct {
		raw, path, query, fragment string
	}{
		{"/foo?x=1#y", "/foo", "x=1", "y"},
		{"/bar", "/bar", "", ""},
		{"/a?", "/a", "", ""},
		{"/a?#f", "/a", "", "f"},
		{"/a?b?c#d#e", "/a", "b?c", "d#e"},
		{"/a#b", "/a#b", "", ""},
		{"", "", "", ""},
	}
	for _, tt := range tests {
		path, query, fragment := SplitPath(tt.raw)
		assert.Equal(t, tt.path, path, tt.raw)
		assert.Equal(t, tt.query, query, tt.raw)
		assert.Equal(t, tt.fragment, fragment, tt.raw)
	}
}

func Test_Request_SetPath(t *testing.T) {
	req := &Request{Query: "keep", Fragment: "keep"}
	req.SetPath("/bar")
	assert.Equal(t, "/bar", req.Path)
	assert.Equal(t, "keep", req.Query)
	assert.Equal(t, "keep", req.Fragment)

	req = &Request{}
	req.SetPath("/foo?x=1#y")
	assert.Equal(t, "/foo", req.Path)
	assert.Equal(t, "x=1", req.Query)
	assert.Equal(t, "y", req.Fragment)
	assert.Equal(t, "/foo?x=1#y", req.RequestURI())
}

func Test_Request_Headers(t *testing.T) {
	req := &Request{Method: "GET", Scheme: "https", Authority: "example.com", Path: "/"}
	req.AddHeader("accept", "a")
	req.AddHeader("x-dup", "1")
	req.AddHeader("X-Dup", "2")
	v, ok := req.Get("X-DUP")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
	_, ok = req.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, []HeaderField{{"accept", "a"}, {"x-dup", "1"}, {"X-Dup", "2"}}, req.Header)
	assert.Equal(t, []string{"1", "2"}, req.HTTPHeader()["X-Dup"])
	u := req.URL()
	assert.Equal(t, "https://example.com/", u.String())
}
