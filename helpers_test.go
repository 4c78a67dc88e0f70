// SPDX-License-Identifier: GPL-3.0-or-later

package devconn

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/bassosimone/slogstub"
	"github.com/stretchr/testify/require"
)

// newCapturingLogger returns a logger that captures all log records into the
// returned slice. The caller can inspect the slice after exercising the code
// under test to verify which events were emitted.
func newCapturingLogger() (*slog.Logger, *[]slog.Record) {
	var records []slog.Record
	handler := &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			records = append(records, record)
			return nil
		},
	}
	return slog.New(handler), &records
}

// newMinimalConn returns a [*netstub.FuncConn] with only LocalAddrFunc and
// RemoteAddrFunc set. This is the minimum needed for code that calls
// [safeconn.LocalAddr], [safeconn.RemoteAddr], and [safeconn.Network]
// during construction.
func newMinimalConn() *netstub.FuncConn {
	return &netstub.FuncConn{
		LocalAddrFunc:  func() net.Addr { return &net.TCPAddr{} },
		RemoteAddrFunc: func() net.Addr { return &net.TCPAddr{} },
	}
}

// startLocalPeer starts a TCP listener on the loopback interface and
// invokes serve with each accepted connection on its own goroutine. The
// listener is closed on test cleanup. Returns the listener address.
func startLocalPeer(t *testing.T, serve func(conn net.Conn)) string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go serve(conn)
		}
	}()
	return listener.Addr().String()
}

// connectLocalPeer connects a [*Client] to the given listener address and
// arranges for teardown on test cleanup. Fails the test on connect error.
func connectLocalPeer(t *testing.T, client *Client, address string) {
	host, portStr, err := net.SplitHostPort(address)
	require.NoError(t, err)
	addrPort, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, portStr))
	require.NoError(t, err)
	target := Target{Host: host, Port: uint16(addrPort.Port)}
	require.NoError(t, client.Connect(context.Background(), target, time.Second))
	t.Cleanup(func() { _ = client.Disconnect() })
}
