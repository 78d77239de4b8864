//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package network

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// BSD-derived stacks only let two sockets share a multicast port when both
// set SO_REUSEPORT.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if sockErr == nil {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		}
	}); err != nil {
		return err
	}
	return sockErr
}
