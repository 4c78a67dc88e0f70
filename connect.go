// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/bassosimone/nop/blob/main/connect.go
//

package devconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/bassosimone/safeconn"
)

// NewConnectFunc returns a new [*ConnectFunc] with default dialer.
//
// The cfg argument contains the common configuration for devconn operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewConnectFunc(cfg *Config, logger SLogger) *ConnectFunc {
	return &ConnectFunc{
		Dialer:        cfg.Dialer,
		ErrClassifier: cfg.ErrClassifier,
		KeepAlive:     true,
		Logger:        logger,
		NoDelay:       true,
		TimeNow:       cfg.TimeNow,
	}
}

// ConnectFunc dials a single candidate [netip.AddrPort] over TCP and
// applies the socket options device peers expect.
//
// Returns either a valid [net.Conn] or an error, never both.
//
// Broken writes on the returned connection surface as EPIPE errors
// rather than killing the process: the Go runtime suppresses SIGPIPE
// for socket file descriptors.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type ConnectFunc struct {
	// Dialer is the [Dialer] to use.
	//
	// Set by [NewConnectFunc] from [Config.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConnectFunc] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// KeepAlive enables TCP keepalive on the established connection.
	//
	// Set by [NewConnectFunc] to true.
	KeepAlive bool

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewConnectFunc] to the user-provided logger.
	Logger SLogger

	// NoDelay disables Nagle's algorithm on the established connection,
	// which matters for the short command/status writes device protocols use.
	//
	// Set by [NewConnectFunc] to true.
	NoDelay bool

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewConnectFunc] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Func[netip.AddrPort, net.Conn] = &ConnectFunc{}

// Call invokes the [*ConnectFunc] to connect to the given [netip.AddrPort].
func (op *ConnectFunc) Call(ctx context.Context, address netip.AddrPort) (net.Conn, error) {
	t0 := op.TimeNow()
	deadline, _ := ctx.Deadline()
	op.logConnectStart(address.String(), t0, deadline)
	conn, err := op.Dialer.DialContext(ctx, "tcp", address.String())
	if err == nil {
		op.applyOptions(conn)
	}
	op.logConnectDone(address.String(), t0, deadline, conn, err)
	return conn, err
}

// applyOptions sets no-delay and keepalive where the connection supports
// them. Stub connections used in tests are left untouched.
func (op *ConnectFunc) applyOptions(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	tc.SetNoDelay(op.NoDelay)
	tc.SetKeepAlive(op.KeepAlive)
}

func (op *ConnectFunc) logConnectStart(address string, t0 time.Time, deadline time.Time) {
	op.Logger.Info(
		"connectStart",
		slog.Time("deadline", deadline),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", address),
		slog.Time("t", t0),
	)
}

func (op *ConnectFunc) logConnectDone(
	address string, t0 time.Time, deadline time.Time, conn net.Conn, err error) {
	op.Logger.Info(
		"connectDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", op.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", address),
		slog.Time("t0", t0),
		slog.Time("t", op.TimeNow()),
	)
}

// NewDialSequenceFunc returns a new [*DialSequenceFunc] using the
// given single-candidate connect operation.
func NewDialSequenceFunc(connect Func[netip.AddrPort, net.Conn]) *DialSequenceFunc {
	return &DialSequenceFunc{Connect: connect}
}

// DialSequenceFunc tries candidate endpoints in order under a single
// global deadline carried by the context.
//
// The first candidate that connects wins. When the context deadline
// elapses before any candidate succeeds the result is [ErrTimeout];
// otherwise the last candidate's error is returned.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type DialSequenceFunc struct {
	// Connect dials a single candidate.
	//
	// Set by [NewDialSequenceFunc] to the given connect operation.
	Connect Func[netip.AddrPort, net.Conn]
}

var _ Func[[]netip.AddrPort, net.Conn] = &DialSequenceFunc{}

// Call tries each candidate in order and returns the first connection.
func (op *DialSequenceFunc) Call(ctx context.Context, candidates []netip.AddrPort) (net.Conn, error) {
	if len(candidates) <= 0 {
		return nil, fmt.Errorf("%w: no candidate addresses", ErrInvalidArgument)
	}
	var lastErr error
	for _, candidate := range candidates {
		conn, err := op.Connect.Call(ctx, candidate)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(lastErr, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %s", ErrTimeout, lastErr.Error())
	}
	return nil, lastErr
}
