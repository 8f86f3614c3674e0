// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

//go:build race

package frontdoor

// sanity check the configuration
func init() {
	if MaxInBytesPerLoop < frameHeaderLen {
		panic("MaxInBytesPerLoop < frameHeaderLen")
	}
	if MaxOutBytesPerWrite < defaultMaxFrameSize+frameHeaderLen {
		panic("MaxOutBytesPerWrite < defaultMaxFrameSize+frameHeaderLen")
	}
	if MaxControlQueue < 1 {
		panic("MaxControlQueue < 1")
	}
	if MaxRequestHeaderBytes < 1 {
		panic("MaxRequestHeaderBytes < 1")
	}
	if DefaultMaxConcurrentStreams < 1 {
		panic("DefaultMaxConcurrentStreams < 1")
	}
}
