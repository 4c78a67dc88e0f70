//go:build windows

// SPDX-License-Identifier: GPL-3.0-or-later

package devconn

import "golang.org/x/sys/windows"

// peekOne peeks at most one byte from the socket's receive queue without
// consuming it and without blocking.
//
// Go sockets are non-blocking at the OS level, so an empty receive queue
// surfaces as WSAEWOULDBLOCK rather than blocking the calling thread.
func peekOne(rc rawConn) (n int, wouldBlock bool, err error) {
	var (
		peeked  int
		peekErr error
		buf     [1]byte
	)
	ctrlErr := rc.Read(func(fd uintptr) bool {
		peeked, _, peekErr = windows.Recvfrom(windows.Handle(fd), buf[:], windows.MSG_PEEK)
		// Returning true tells the runtime not to wait for readability:
		// the probe must be instantaneous.
		return true
	})
	if ctrlErr != nil {
		return 0, false, ctrlErr
	}
	if peekErr == windows.WSAEWOULDBLOCK {
		return 0, true, nil
	}
	if peekErr != nil {
		return 0, false, peekErr
	}
	return peeked, false, nil
}
