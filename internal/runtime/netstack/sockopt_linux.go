//go:build linux

package netstack

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// control applies the socket options Go does not set on its own. It runs
// for both listeners and dialers; accepted sockets inherit the listener's.
func (o Options) control(network, address string, c syscall.RawConn) error {
	if o.UserTimeout <= 0 {
		return nil
	}
	var serr error
	err := c.Control(func(fd uintptr) {
		// Unacknowledged data older than this aborts the connection even
		// while keepalives are still being answered.
		serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, int(o.UserTimeout.Milliseconds()))
	})
	if err != nil {
		return err
	}
	return serr
}
