// SPDX-License-Identifier: GPL-3.0-or-later

package devconn

import (
	"errors"
	"net"
	"syscall"
	"time"
)

// rawConn is the raw-socket access handle used by the health probe.
type rawConn = syscall.RawConn

// errNoRawConn means the connection does not expose a raw socket, which
// is the case for the stub connections used in tests.
var errNoRawConn = errors.New("devconn: connection does not expose a raw socket")

// sysConnOf extracts the [syscall.RawConn] from a connection when the
// underlying implementation supports it.
func sysConnOf(conn net.Conn) (rawConn, error) {
	if sc, ok := conn.(syscall.Conn); ok {
		return sc.SyscallConn()
	}
	return nil, errNoRawConn
}

// probeResult is the outcome of a passive health probe.
type probeResult int

const (
	// probeHealthy means the peer has not closed the connection: either
	// at least one byte is waiting or the socket simply has no data.
	probeHealthy = probeResult(iota)

	// probePeerEOF means the peer closed its send direction.
	probePeerEOF

	// probeFailed means the probe hit an OS-level error.
	probeFailed
)

// probeConn performs a non-blocking, non-consuming one-byte peek on the
// connection's receive queue.
//
// A zero-byte peek means peer EOF; a one-byte peek means healthy with the
// peeked byte left in the queue; a would-block condition means healthy
// with an empty queue. Any other error is reported as probeFailed.
//
// Connections that do not expose a raw socket (stubs) are reported
// healthy: the probe has no visibility into them and must not consume
// input to find out.
func probeConn(conn net.Conn) (probeResult, error) {
	rc, err := sysConnOf(conn)
	if err != nil {
		return probeHealthy, nil
	}
	// A stopped reader or a finished exchange may have left a read
	// deadline in the past, which would fail the raw read before the
	// peek runs. The peek itself never waits, so clear the deadline.
	conn.SetReadDeadline(time.Time{})
	n, wouldBlock, err := peekOne(rc)
	switch {
	case err != nil:
		return probeFailed, err
	case wouldBlock:
		return probeHealthy, nil
	case n <= 0:
		return probePeerEOF, nil
	default:
		return probeHealthy, nil
	}
}
