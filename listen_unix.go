//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package frontdoor

import (
	"context"
	"net"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func reusePort(network, address string, c syscall.RawConn) error {
	var serr error
	if err := c.Control(func(fd uintptr) {
		if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); serr != nil {
			return
		}
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	}); err != nil {
		return err
	}
	return serr
}

// listenPerLoop opens n listeners sharing addr with SO_REUSEPORT, so the
// kernel spreads incoming connections over them. If addr has port 0 the
// port chosen for the first listener is used for the rest.
func listenPerLoop(addr string, n int) ([]net.Listener, error) {
	lc := net.ListenConfig{Control: reusePort}
	lns := make([]net.Listener, 0, n)
	for i := 0; i < n; i++ {
		ln, err := lc.Listen(context.Background(), "tcp", addr)
		if err != nil {
			for _, l := range lns {
				l.Close()
			}
			return nil, errors.Wrapf(err, "reuseport listener %d", i)
		}
		if i == 0 {
			addr = ln.Addr().String()
		}
		lns = append(lns, ln)
	}
	return lns, nil
}
