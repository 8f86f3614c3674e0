package frontdoor

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_receiveBuffer_bounded(t *testing.T) {
	var rb receiveBuffer
	buf := rb.reserve()
	assert.Equal(t, MaxInBytesPerLoop, len(buf))
	copy(buf, "hello")
	assert.Equal(t, []byte("hello"), rb.produce(5))
	assert.Panics(t, func() { rb.produce(MaxInBytesPerLoop + 1) })
}

func Test_outBuffer_allocFree(t *testing.T) {
	b1 := outBufferAlloc()
	assert.Zero(t, b1.Len())
	b1.WriteString("stale")
	outBufferFree(b1)
	b2 := outBufferAlloc()
	assert.Zero(t, b2.Len())
	outBufferFree(b2)
	outBufferFree(nil)
}

func Test_outBuffer_oversizedDropped(t *testing.T) {
	// make sure the pool is not full
	for len(outBufferPool) > 0 {
		<-outBufferPool
	}
	big := bytes.NewBuffer(make([]byte, 0, MaxOutBytesPerWrite*4))
	outBufferFree(big)
	assert.Equal(t, 0, len(outBufferPool))
	outBufferFree(outBufferAlloc())
	assert.Equal(t, 1, len(outBufferPool))
}
