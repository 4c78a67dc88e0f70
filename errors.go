// SPDX-License-Identifier: GPL-3.0-or-later

package devconn

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// Sentinel errors returned by [*Client] operations.
//
// Operations wrap these with additional context; test with [errors.Is].
// OS-level failures that do not fit a sentinel are returned as-is
// (possibly wrapped) so that callers can still reach the underlying
// [*os.SyscallError].
var (
	// ErrNotConnected means the operation requires an open session.
	ErrNotConnected = errors.New("devconn: not connected")

	// ErrBusy means an exchange is already in flight or, for an exchange
	// that does not suspend it, the stream reader is running.
	ErrBusy = errors.New("devconn: exchange already in progress")

	// ErrTimeout means the operation's deadline elapsed before completion.
	ErrTimeout = errors.New("devconn: operation timed out")

	// ErrClosed means the peer closed the connection during the operation.
	ErrClosed = errors.New("devconn: connection closed by peer")

	// ErrInvalidArgument means a caller-supplied option failed validation.
	ErrInvalidArgument = errors.New("devconn: invalid argument")
)

// isWouldBlock reports whether err is a per-step deadline expiry, the
// package's stand-in for a would-block condition. Such errors are never
// fatal: the caller re-arms the deadline and retries.
func isWouldBlock(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// isBrokenPipe reports whether err indicates that the peer tore down the
// connection under a write. These errors are classified as a remote
// disconnect rather than a generic I/O failure.
func isBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrClosedPipe)
}

// isClosedConn reports whether err indicates I/O on a connection that was
// closed locally, which happens when Disconnect races an in-flight read.
func isClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
