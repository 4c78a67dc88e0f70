//go:build unix

// SPDX-License-Identifier: GPL-3.0-or-later

package devconn

import "golang.org/x/sys/unix"

// peekOne peeks at most one byte from the socket's receive queue without
// consuming it and without blocking.
//
// Returns the number of bytes peeked, whether the socket reported a
// would-block condition, and any other OS error.
func peekOne(rc rawConn) (n int, wouldBlock bool, err error) {
	var (
		peeked  int
		peekErr error
		buf     [1]byte
	)
	ctrlErr := rc.Read(func(fd uintptr) bool {
		peeked, _, peekErr = unix.Recvfrom(int(fd), buf[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		// Returning true tells the runtime not to wait for readability:
		// the probe must be instantaneous.
		return true
	})
	if ctrlErr != nil {
		return 0, false, ctrlErr
	}
	if peekErr == unix.EAGAIN || peekErr == unix.EWOULDBLOCK {
		return 0, true, nil
	}
	if peekErr != nil {
		return 0, false, peekErr
	}
	return peeked, false, nil
}
