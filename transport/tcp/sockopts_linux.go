//go:build linux

package tcp

import (
	"net"

	"golang.org/x/sys/unix"
)

// tuneSocket enables TCP_NODELAY on conn's raw file descriptor via
// SyscallConn, the same raw-fd-level tuning idiom the teacher applies to
// its wake eventfd in wakeup_linux.go, adapted here to a plain TCP socket
// option instead of an eventfd flag.
func tuneSocket(conn net.Conn) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
