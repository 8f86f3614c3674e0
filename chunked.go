package frontdoor

import (
	"bytes"
	"strconv"

	"github.com/pkg/errors"
)

const maxChunkLineBytes = 4096

type chunkedState int

const (
	chunkSize chunkedState = iota
	chunkData
	chunkDataCRLF
	chunkTrailer
	chunkDone
)

// ErrBadChunk is returned for malformed chunked transfer encoding.
var ErrBadChunk = errors.New("malformed chunked encoding")

// chunkedDecoder incrementally decodes a chunked request body. Bytes it
// cannot use yet (a partial size line) are left for the next call.
type chunkedDecoder struct {
	state chunkedState
	left  uint64
}

// decode consumes as much of p as possible, calling emit with decoded body
// bytes. emit must not retain its argument. It returns the number of bytes
// consumed and whether the terminating chunk and trailer have been seen.
func (d *chunkedDecoder) decode(p []byte, emit func([]byte)) (n int, done bool, err error) {
	for n < len(p) && d.state != chunkDone {
		switch d.state {
		case chunkSize:
			line, adv, ok := chunkLine(p[n:])
			if !ok {
				if len(p)-n > maxChunkLineBytes {
					return n, false, errors.WithStack(ErrBadChunk)
				}
				return n, false, nil
			}
			if i := bytes.IndexByte(line, ';'); i >= 0 {
				line = line[:i]
			}
			size, perr := strconv.ParseUint(string(bytes.TrimSpace(line)), 16, 63)
			if perr != nil {
				return n, false, errors.Wrap(ErrBadChunk, perr.Error())
			}
			n += adv
			if size == 0 {
				d.state = chunkTrailer
			} else {
				d.left = size
				d.state = chunkData
			}
		case chunkData:
			take := uint64(len(p) - n)
			if take > d.left {
				take = d.left
			}
			emit(p[n : n+int(take)])
			n += int(take)
			d.left -= take
			if d.left == 0 {
				d.state = chunkDataCRLF
			}
		case chunkDataCRLF:
			line, adv, ok := chunkLine(p[n:])
			if !ok {
				if len(p)-n > 2 {
					return n, false, errors.WithStack(ErrBadChunk)
				}
				return n, false, nil
			}
			if len(line) != 0 {
				return n, false, errors.WithStack(ErrBadChunk)
			}
			n += adv
			d.state = chunkSize
		case chunkTrailer:
			line, adv, ok := chunkLine(p[n:])
			if !ok {
				if len(p)-n > maxChunkLineBytes {
					return n, false, errors.WithStack(ErrBadChunk)
				}
				return n, false, nil
			}
			n += adv
			if len(line) == 0 {
				d.state = chunkDone
			}
		}
	}
	return n, d.state == chunkDone, nil
}

// chunkLine returns the line at the start of p without its terminator,
// and the number of bytes including the terminator.
func chunkLine(p []byte) (line []byte, adv int, ok bool) {
	i := bytes.IndexByte(p, '\n')
	if i < 0 {
		return nil, 0, false
	}
	line = p[:i]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return line, i + 1, true
}
