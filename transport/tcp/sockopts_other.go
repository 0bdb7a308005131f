//go:build !linux

package tcp

import "net"

// tuneSocket is a no-op off Linux: TCP_NODELAY tuning via golang.org/x/sys
// is only wired up for the platform this module targets, matching the
// teacher's own build-tagged wake-fd stubs for unsupported platforms.
func tuneSocket(conn net.Conn) error { return nil }
