//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package frontdoor

import (
	"net"

	"github.com/pkg/errors"
)

func listenPerLoop(addr string, n int) ([]net.Listener, error) {
	return nil, errors.New("SO_REUSEPORT not supported")
}
