//go:build windows

package network

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// Winsock's SO_REUSEADDR already lets two sockets bind the same port, so
// there is no SO_REUSEPORT to set.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return sockErr
}
