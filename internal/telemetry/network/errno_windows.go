//go:build windows

package network

import "syscall"

// Winsock reports unreachable destinations with its own codes
// (WSAENETUNREACH, WSAEHOSTUNREACH), which syscall does not name.
var unreachableErrnos = []syscall.Errno{
	syscall.ENETUNREACH,
	syscall.EHOSTUNREACH,
	10051,
	10065,
}
