//go:build !linux && !darwin && !dragonfly && !freebsd && !netbsd && !openbsd && !windows

package network

import "syscall"

func reuseAddrControl(network, address string, c syscall.RawConn) error {
	return nil
}
