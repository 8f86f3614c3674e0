package frontdoor

import "bytes"

// receiveBuffer is the reusable, bounded receive buffer of a Connector.
// Reads go into the reserved region; produce() hands the filled part to
// the Handler. The memory is allocated once per Connector.
type receiveBuffer struct {
	buf [MaxInBytesPerLoop]byte
}

// reserve returns the region a single read may fill.
func (rb *receiveBuffer) reserve() []byte {
	return rb.buf[:]
}

// produce returns the first n bytes of the last read.
func (rb *receiveBuffer) produce(n int) []byte {
	if n > len(rb.buf) {
		panic("receiveBuffer: read exceeded reserved size")
	}
	return rb.buf[:n]
}

// Provides a buffer of allocated but unused outbound buffers.
var outBufferPool chan *bytes.Buffer

func init() {
	outBufferPool = make(chan *bytes.Buffer, 1024)
}

// outBufferAlloc returns an empty outbound buffer.
func outBufferAlloc() *bytes.Buffer {
	select {
	case b := <-outBufferPool:
		b.Reset()
		return b
	default:
		return bytes.NewBuffer(make([]byte, 0, MaxInBytesPerLoop))
	}
}

// outBufferFree releases an outbound buffer. Oversized buffers are dropped.
func outBufferFree(b *bytes.Buffer) {
	if b != nil && b.Cap() <= MaxOutBytesPerWrite*2 {
		select {
		case outBufferPool <- b:
		default:
		}
	}
}
