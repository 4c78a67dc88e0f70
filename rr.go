// SPDX-License-Identifier: GPL-3.0-or-later

package devconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/bassosimone/safeconn"
)

const (
	// DefaultExchangeTimeout bounds a whole exchange (write plus read)
	// when the request does not specify a timeout.
	DefaultExchangeTimeout = time.Second

	// DefaultMaxResponseBytes caps the collected response when the
	// request does not specify a limit.
	DefaultMaxResponseBytes = 4096

	// writeStep is the per-step write deadline. Short steps let a
	// stalled write observe the global deadline promptly.
	writeStep = 10 * time.Millisecond

	// exchangePollStep is the per-step read deadline while waiting for
	// the first response byte or for a match pattern.
	exchangePollStep = 200 * time.Millisecond
)

// ExchangeRequest describes one request/response exchange.
type ExchangeRequest struct {
	// Data is the request payload written atomically before reading.
	Data []byte

	// Timeout bounds the whole exchange. Zero or negative means
	// [DefaultExchangeTimeout].
	Timeout time.Duration

	// MaxBytes caps the collected response. Zero or negative means
	// [DefaultMaxResponseBytes]. Reaching the cap completes the
	// exchange successfully even when Pattern has not matched.
	MaxBytes int

	// Pattern, when non-nil, completes the exchange as soon as the
	// collected response contains this byte sequence. When nil the
	// exchange completes after an adaptive idle gap instead.
	Pattern []byte

	// SuspendStream asks the client to pause a running stream reader
	// for the duration of the exchange so the response is collected
	// here rather than delivered as data events.
	SuspendStream bool
}

// ExchangeResult is the outcome of a completed exchange.
//
// The client returns a non-nil result even alongside an error so that
// callers can observe how many request bytes reached the socket.
type ExchangeResult struct {
	// BytesSent counts request bytes written before completion.
	BytesSent int

	// Data is the collected response, at most MaxBytes long.
	Data []byte

	// Matched reports whether Pattern terminated the collection. It is
	// false when the exchange ended on idle, cap, or deadline.
	Matched bool
}

// exchangeDisposition tells the client what the exchange observed about
// the session health, beyond the result itself.
type exchangeDisposition int

const (
	// dispNone means the session is still usable.
	dispNone = exchangeDisposition(iota)

	// dispPeerClosed means the peer closed its send direction.
	dispPeerClosed

	// dispFatal means a fatal I/O error ended the session.
	dispFatal
)

// exchangeEngine runs a single request/response exchange over the
// session connection. The caller guarantees exclusive access to the
// connection for the duration of exchange: the stream reader is either
// suspended or was never started.
type exchangeEngine struct {
	// conn is the session connection.
	conn net.Conn

	// errClassifier classifies errors for structured logging.
	errClassifier ErrClassifier

	// logger is the session-scoped [SLogger].
	logger SLogger

	// timeNow is the function to get the current time.
	timeNow func() time.Time
}

// exchange writes the request and collects the response under a single
// global deadline. The context can abort the exchange between I/O steps.
// The returned result is always non-nil.
func (e *exchangeEngine) exchange(ctx context.Context, req *ExchangeRequest) (*ExchangeResult, exchangeDisposition, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultExchangeTimeout
	}
	maxBytes := req.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxResponseBytes
	}

	t0 := e.timeNow()
	deadline := t0.Add(timeout)
	e.logger.Info(
		"exchangeStart",
		slog.Time("deadline", deadline),
		slog.Int("ioBytesCount", len(req.Data)),
		slog.Int("maxBytes", maxBytes),
		slog.Int("patternLen", len(req.Pattern)),
		slog.String("localAddr", safeconn.LocalAddr(e.conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(e.conn)),
		slog.Time("t", t0),
	)

	result := &ExchangeResult{}
	sent, err := sendAll(ctx, e.conn, req.Data, deadline, e.timeNow)
	result.BytesSent = sent
	if err != nil {
		disp := e.classifyWriteError(err)
		e.logExchangeDone(t0, result, err)
		return result, disp, e.wrapWriteError(err)
	}

	data, matched, disp, err := e.receive(ctx, req.Pattern, maxBytes, deadline)
	result.Data = data
	result.Matched = matched
	e.logExchangeDone(t0, result, err)
	return result, disp, err
}

// classifyWriteError maps a write failure to a session disposition.
func (e *exchangeEngine) classifyWriteError(err error) exchangeDisposition {
	switch {
	case isBrokenPipe(err):
		return dispPeerClosed
	case errors.Is(err, ErrTimeout), errors.Is(err, context.Canceled), isClosedConn(err):
		return dispNone
	default:
		return dispFatal
	}
}

// wrapWriteError maps a write failure to the error the caller sees.
func (e *exchangeEngine) wrapWriteError(err error) error {
	switch {
	case isBrokenPipe(err):
		return fmt.Errorf("%w: %s", ErrClosed, err.Error())
	case isClosedConn(err):
		return fmt.Errorf("%w: %s", ErrClosed, err.Error())
	default:
		return err
	}
}

// receive collects response bytes until pattern match, cap, adaptive
// idle (pattern-less exchanges only), context abort, or the global
// deadline. Each read is bounded to the bytes still allowed by the cap
// so the socket never loses data meant for a later reader.
func (e *exchangeEngine) receive(
	ctx context.Context,
	pattern []byte,
	maxBytes int,
	deadline time.Time,
) (data []byte, matched bool, disp exchangeDisposition, err error) {
	collected := make([]byte, 0, min(maxBytes, readerBufferSize))
	var idle idleEstimator
	var lastArrival time.Time
	buf := make([]byte, readerBufferSize)

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, false, dispNone, ctxError(ctxErr)
		}
		now := e.timeNow()
		remaining := deadline.Sub(now)
		if remaining <= 0 {
			if len(collected) > 0 {
				return collected, false, dispNone, nil
			}
			return nil, false, dispNone, fmt.Errorf("%w: no response bytes", ErrTimeout)
		}

		step := exchangePollStep
		if pattern == nil && len(collected) > 0 {
			step = idle.threshold()
		}
		step = min(step, remaining)
		e.conn.SetReadDeadline(now.Add(step))
		count, err := e.conn.Read(buf[:min(len(buf), maxBytes-len(collected))])

		if count > 0 {
			arrival := e.timeNow()
			if !lastArrival.IsZero() {
				idle.add(arrival.Sub(lastArrival))
			}
			lastArrival = arrival

			prev := len(collected)
			collected = append(collected, buf[:count]...)
			if pattern != nil {
				// Re-scan only the suffix a new arrival could complete.
				from := max(0, prev-len(pattern)+1)
				if patternIndex(collected[from:], pattern) >= 0 {
					return collected, true, dispNone, nil
				}
			}
			if len(collected) >= maxBytes {
				return collected, false, dispNone, nil
			}
		}

		switch {
		case err == nil:
			// keep collecting
		case isWouldBlock(err):
			if pattern == nil && len(collected) > 0 &&
				e.timeNow().Sub(lastArrival) >= idle.threshold() {
				return collected, false, dispNone, nil
			}
		case errors.Is(err, io.EOF):
			if len(collected) > 0 {
				return collected, false, dispPeerClosed, nil
			}
			return nil, false, dispPeerClosed,
				fmt.Errorf("%w: before any response byte", ErrClosed)
		case isClosedConn(err):
			// local teardown raced the exchange
			return nil, false, dispNone, fmt.Errorf("%w: %s", ErrClosed, err.Error())
		default:
			return nil, false, dispFatal, err
		}
	}
}

func (e *exchangeEngine) logExchangeDone(t0 time.Time, result *ExchangeResult, err error) {
	e.logger.Info(
		"exchangeDone",
		slog.Any("err", err),
		slog.String("errClass", e.errClassifier.Classify(err)),
		slog.Int("bytesSent", result.BytesSent),
		slog.Int("ioBytesCount", len(result.Data)),
		slog.Bool("matched", result.Matched),
		slog.String("localAddr", safeconn.LocalAddr(e.conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(e.conn)),
		slog.Time("t0", t0),
		slog.Time("t", e.timeNow()),
	)
}

// sendAll writes data fully using short per-step write deadlines so the
// global deadline is honored even when the peer stops reading. A zero
// deadline means no global bound; the context can abort the write
// between steps. Returns the bytes written and the first fatal error,
// with per-step expiries translated to [ErrTimeout] only once the
// global deadline has passed.
func sendAll(ctx context.Context, conn net.Conn, data []byte, deadline time.Time, timeNow func() time.Time) (int, error) {
	sent := 0
	for sent < len(data) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return sent, ctxError(ctxErr)
		}
		now := timeNow()
		if !deadline.IsZero() && !now.Before(deadline) {
			return sent, fmt.Errorf("%w: write stalled", ErrTimeout)
		}
		step := now.Add(writeStep)
		if !deadline.IsZero() && deadline.Before(step) {
			step = deadline
		}
		conn.SetWriteDeadline(step)
		count, err := conn.Write(data[sent:])
		sent += count
		switch {
		case err == nil:
			// keep writing
		case isWouldBlock(err):
			// step expired; loop re-checks the global deadline
		default:
			return sent, err
		}
	}
	conn.SetWriteDeadline(time.Time{})
	return sent, nil
}

// ctxError translates a context deadline into the uniform timeout
// sentinel. Cancellation passes through unchanged so callers can tell
// their own abort apart from an elapsed deadline.
func ctxError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, err.Error())
	}
	return err
}
