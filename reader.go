// SPDX-License-Identifier: GPL-3.0-or-later

package devconn

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/safeconn"
)

const (
	// readerBufferSize is the size of the reader's reusable read buffer.
	readerBufferSize = 4096

	// DefaultReadTimeout is the default stream-reader idle tick: how long
	// a single read step waits for data before re-checking for a stop
	// request.
	DefaultReadTimeout = time.Second
)

// streamReader drains the session socket in the background and feeds the
// event batcher while active.
//
// The reader terminates on peer EOF, on a fatal read error, or when stop
// is requested. It reads in deadline-bounded steps so a stop request is
// observed within one idle tick at most; requestStop additionally forces
// the in-flight step to expire immediately.
//
// The reader never reports teardown itself beyond invoking the onEOF or
// onError hook once; the hooks never block on the client lock.
type streamReader struct {
	// active is true from start until the run loop exits.
	active atomic.Bool

	// batcher receives copies of every read.
	batcher *eventBatcher

	// conn is the session connection.
	conn net.Conn

	// done is closed when the run loop exits.
	done chan struct{}

	// errClassifier classifies errors for structured logging.
	errClassifier ErrClassifier

	// idleTick is the advisory read step duration in nanoseconds,
	// updated by SetReadTimeout while the reader runs.
	idleTick atomic.Int64

	// logger is the session-scoped [SLogger].
	logger SLogger

	// onEOF is invoked once when the peer closes its send direction.
	onEOF func()

	// onError is invoked once on a fatal read error.
	onError func(error)

	// stop is closed by requestStop.
	stop chan struct{}

	// stopOnce guards stop.
	stopOnce sync.Once

	// timeNow is the function to get the current time.
	timeNow func() time.Time
}

// newStreamReader returns a ready-to-start [*streamReader].
func newStreamReader(
	conn net.Conn,
	batcher *eventBatcher,
	idleTick time.Duration,
	logger SLogger,
	errClassifier ErrClassifier,
	timeNow func() time.Time,
	onEOF func(),
	onError func(error),
) *streamReader {
	r := &streamReader{
		batcher:       batcher,
		conn:          conn,
		done:          make(chan struct{}),
		errClassifier: errClassifier,
		logger:        logger,
		onEOF:         onEOF,
		onError:       onError,
		stop:          make(chan struct{}),
		timeNow:       timeNow,
	}
	if idleTick <= 0 {
		idleTick = DefaultReadTimeout
	}
	r.idleTick.Store(int64(idleTick))
	return r
}

// start marks the reader active and spawns the run loop.
func (r *streamReader) start() {
	r.active.Store(true)
	go r.run()
}

// requestStop asks the run loop to exit and unblocks its in-flight read
// step. Idempotent. The caller waits on wait() for the exit.
func (r *streamReader) requestStop() {
	r.stopOnce.Do(func() {
		close(r.stop)
		// Expire the in-flight read immediately rather than waiting
		// out the idle tick.
		r.conn.SetReadDeadline(r.timeNow().Add(-time.Second))
	})
}

// wait blocks until the run loop has exited.
func (r *streamReader) wait() {
	<-r.done
}

// setIdleTick updates the advisory read step duration for future steps.
func (r *streamReader) setIdleTick(tick time.Duration) {
	if tick > 0 {
		r.idleTick.Store(int64(tick))
	}
}

// stopped reports whether stop was requested.
func (r *streamReader) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

// run is the reader loop. It owns the read half of the connection until
// it returns; the exchange engine only reads after suspending it.
func (r *streamReader) run() {
	defer func() {
		r.active.Store(false)
		close(r.done)
	}()

	r.logger.Info(
		"readerStart",
		slog.String("localAddr", safeconn.LocalAddr(r.conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(r.conn)),
		slog.Time("t", r.timeNow()),
	)

	buf := make([]byte, readerBufferSize)
	for {
		if r.stopped() {
			r.logReaderStop(nil)
			return
		}

		tick := time.Duration(r.idleTick.Load())
		r.conn.SetReadDeadline(r.timeNow().Add(tick))
		count, err := r.conn.Read(buf)
		if count > 0 {
			data := make([]byte, count)
			copy(data, buf[:count])
			r.batcher.append(data)
		}

		switch {
		case err == nil:
			// keep draining
		case isWouldBlock(err):
			// idle tick expired; loop re-checks the stop flag
		case errors.Is(err, io.EOF):
			r.logReaderStop(err)
			r.onEOF()
			return
		case isClosedConn(err):
			// session teardown already in progress
			r.logReaderStop(err)
			return
		default:
			r.logReaderStop(err)
			r.onError(err)
			return
		}
	}
}

func (r *streamReader) logReaderStop(err error) {
	r.logger.Info(
		"readerStop",
		slog.Any("err", err),
		slog.String("errClass", r.errClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(r.conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(r.conn)),
		slog.Time("t", r.timeNow()),
	)
}
