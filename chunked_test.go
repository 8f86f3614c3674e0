package frontdoor

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func decodeAll(t *testing.T, d *chunkedDecoder, in string) (string, int, bool, error) {
	var body []byte
	n, done, err := d.decode([]byte(in), func(b []byte) { body = append(body, b...) })
	return string(body), n, done, err
}

func Test_chunkedDecoder_complete(t *testing.T) {
	var d chunkedDecoder
	in := "4\r\nWiki\r\n5;ext=1\r\npedia\r\nE\r\n in\r\n\r\nchunks.\r\n0\r\nX-Trailer: v\r\n\r\nNEXT"
	body, n, done, err := decodeAll(t, &d, in)
	assert.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "Wikipedia in\r\n\r\nchunks.", body)
	assert.Equal(t, "NEXT", in[n:])
}

func Test_chunkedDecoder_incremental(t *testing.T) {
	var d chunkedDecoder
	in := "a\r\n0123456789\r\n0\r\n\r\n"
	var body []byte
	pending := []byte{}
	for i := 0; i < len(in); i++ {
		pending = append(pending, in[i])
		n, done, err := d.decode(pending, func(b []byte) { body = append(body, b...) })
		assert.NoError(t, err)
		pending = pending[n:]
		if done {
			assert.Equal(t, len(in)-1, i)
		}
	}
	assert.Empty(t, pending)
	assert.Equal(t, "0123456789", string(body))
}

func Test_chunkedDecoder_errors(t *testing.T) {
	for _, in := range []string{
		"zz\r\n",
		"3\r\nabcX\r\n",
	} {
		var d chunkedDecoder
		_, _, _, err := decodeAll(t, &d, in)
		assert.True(t, errors.Is(err, ErrBadChunk), in)
	}
}
