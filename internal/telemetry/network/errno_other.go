//go:build !windows

package network

import "syscall"

var unreachableErrnos = []syscall.Errno{syscall.ENETUNREACH, syscall.EHOSTUNREACH}
