// SPDX-License-Identifier: GPL-3.0-or-later

package devconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/safeconn"
)

// DefaultConnectTimeout bounds [*Client.Connect] when the caller does
// not specify a timeout.
const DefaultConnectTimeout = 3 * time.Second

// NewClient returns a new [*Client] that is not connected.
//
// The cfg argument contains the common configuration for devconn operations.
//
// The logger argument is the [SLogger] to use for structured logging.
//
// Set [Client.OnData] and [Client.OnDisconnect] before calling
// [*Client.Connect]; they must not be mutated afterwards.
func NewClient(cfg *Config, logger SLogger) *Client {
	return &Client{
		OnData:       nil,
		OnDisconnect: nil,
		cfg:          cfg,
		logger:       logger,
		mu:           sync.Mutex{},
		readTimeout:  DefaultReadTimeout,
		sess:         nil,
		writeMu:      sync.Mutex{},
	}
}

// Client manages a single TCP session with a device peer.
//
// The client is safe for concurrent use. At most one session is open at
// a time; [*Client.Connect] replaces any existing session after tearing
// it down with [DisconnectManual].
//
// Incoming bytes reach the caller through one of two mutually exclusive
// paths: the background stream reader started by [*Client.StartRead],
// which delivers batched [Client.OnData] events, or the response of a
// [*Client.WriteAndRead] exchange. An exchange that must own the read
// half while streaming is active sets [ExchangeRequest.SuspendStream];
// otherwise it fails with [ErrBusy].
//
// Every session that reached the open state delivers exactly one
// [Client.OnDisconnect] event, after any pending data has been flushed.
// No data event follows the disconnect event.
type Client struct {
	// OnData, when set, receives each data event. It is invoked from a
	// background goroutine, or from the goroutine of a client call that
	// flushes pending data, and must return promptly.
	OnData func(data []byte)

	// OnDisconnect, when set, receives exactly one event per session.
	// It is invoked from a background goroutine or from the goroutine
	// of the client call that ends the session, and must return
	// promptly; it must not call back into the [*Client].
	OnDisconnect func(ev DisconnectEvent)

	// cfg holds the common configuration.
	cfg *Config

	// logger is the base [SLogger]; each session derives a span logger
	// from it.
	logger SLogger

	// mu serializes the public API and guards sess.
	mu sync.Mutex

	// readTimeout is the reader idle tick applied to new stream
	// readers, updated by SetReadTimeout.
	readTimeout time.Duration

	// sess is the current session, nil when disconnected.
	sess *session

	// writeMu serializes raw writes to the session connection.
	writeMu sync.Mutex
}

// session bundles the per-connection state. A session is created by
// Connect and finished exactly once, by Disconnect, by a replacing
// Connect, by the stream reader observing EOF or a fatal error, by an
// exchange or a Write observing the same, or by IsConnected's probe.
type session struct {
	// batcher coalesces reader bytes into data events.
	batcher *eventBatcher

	// cancel cancels the session-lifetime context, which closes the
	// connection through the cancel watcher.
	cancel context.CancelFunc

	// chunkSize is the configured data event size. Guarded by the
	// client mutex.
	chunkSize int

	// closed is set by finishSession before any teardown side effect.
	closed atomic.Bool

	// conn is the observed, cancel-watched session connection.
	conn net.Conn

	// finishOnce guards the teardown side effects.
	finishOnce sync.Once

	// logger is the span-scoped [SLogger].
	logger SLogger

	// reader is the running stream reader, nil when streaming is off.
	reader atomic.Pointer[streamReader]

	// rrInFlight is true while an exchange owns the connection.
	rrInFlight atomic.Bool

	// t0 is when the session was established.
	t0 time.Time
}

// open reports whether the session has not been finished yet.
func (s *session) open() bool {
	return !s.closed.Load()
}

// readerActive reports whether a stream reader loop is running.
func (s *session) readerActive() bool {
	r := s.reader.Load()
	return r != nil && r.active.Load()
}

// newSpanSLogger returns an [SLogger] that prepends the session span ID
// to every event, so that reader, batcher, and exchange events of the
// same session correlate in the log stream.
func newSpanSLogger(logger SLogger, spanID string) SLogger {
	return &spanSLogger{logger: logger, spanID: spanID}
}

// spanSLogger decorates an [SLogger] with a span ID attribute.
type spanSLogger struct {
	logger SLogger
	spanID string
}

var _ SLogger = &spanSLogger{}

// Debug implements [SLogger].
func (sl *spanSLogger) Debug(msg string, args ...any) {
	sl.logger.Debug(msg, append([]any{slog.String("spanID", sl.spanID)}, args...)...)
}

// Info implements [SLogger].
func (sl *spanSLogger) Info(msg string, args ...any) {
	sl.logger.Info(msg, append([]any{slog.String("spanID", sl.spanID)}, args...)...)
}

// Connect establishes a TCP session with the target peer.
//
// An existing session is torn down first with [DisconnectManual]. The
// timeout bounds resolution and dialing together; zero or negative
// means [DefaultConnectTimeout]. The context can cancel the dial early
// but does not bind the established session.
//
// Returns [ErrInvalidArgument] for an unusable target, [ErrTimeout]
// when the deadline elapses before any candidate connects, and the
// underlying dial or resolve error otherwise.
func (c *Client) Connect(ctx context.Context, target Target, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s := c.sess; s != nil {
		c.teardownLocked(s, DisconnectManual, nil)
	}
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	spanID := NewSpanID()
	logger := newSpanSLogger(c.logger, spanID)
	t0 := c.cfg.TimeNow()

	dialCtx, cancelDial := context.WithTimeout(ctx, timeout)
	defer cancelDial()
	connect := NewConnectFunc(c.cfg, logger)
	connect.NoDelay = !target.DisableNoDelay
	connect.KeepAlive = !target.DisableKeepAlive
	dial := Compose3(
		NewTargetFunc(target),
		NewResolveFunc(c.cfg, logger),
		NewDialSequenceFunc(connect),
	)
	conn, err := dial.Call(dialCtx, Unit{})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrTimeout, err.Error())
		}
		return err
	}

	// Bind the connection to a session-lifetime context: cancelling it
	// on teardown closes the socket and unblocks pending I/O.
	sessCtx, cancel := context.WithCancel(context.Background())
	wrap := Compose2(NewObserveConnFunc(c.cfg, logger), NewCancelWatchFunc())
	wrapped, _ := wrap.Call(sessCtx, conn) // wrapper funcs cannot fail

	s := &session{
		batcher:    nil,
		cancel:     cancel,
		chunkSize:  DefaultChunkSize,
		closed:     atomic.Bool{},
		conn:       wrapped,
		finishOnce: sync.Once{},
		logger:     logger,
		reader:     atomic.Pointer[streamReader]{},
		rrInFlight: atomic.Bool{},
		t0:         t0,
	}
	s.batcher = newEventBatcher(c.emitData, logger, c.cfg.TimeNow)
	c.sess = s

	logger.Info(
		"sessionStart",
		slog.String("localAddr", safeconn.LocalAddr(wrapped)),
		slog.String("remoteAddr", safeconn.RemoteAddr(wrapped)),
		slog.Time("t", c.cfg.TimeNow()),
	)
	return nil
}

// Disconnect tears down the current session with [DisconnectManual].
//
// Returns [ErrNotConnected] when no session is open. The disconnect
// event has been delivered by the time Disconnect returns.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.currentLocked()
	if s == nil {
		return fmt.Errorf("%w: no session to disconnect", ErrNotConnected)
	}
	c.teardownLocked(s, DisconnectManual, nil)
	return nil
}

// IsConnected reports whether a session is open and the peer has not
// gone away.
//
// While the stream reader or an exchange is active their I/O already
// proves liveness. Otherwise the client peeks at the receive queue
// without consuming it; a zero-byte peek means the peer closed the
// connection, which finishes the session with [DisconnectRemote] before
// IsConnected returns false.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.currentLocked()
	if s == nil {
		return false
	}
	if s.readerActive() || s.rrInFlight.Load() {
		return true
	}
	result, err := probeConn(s.conn)
	s.logger.Info(
		"probeDone",
		slog.Any("err", err),
		slog.String("errClass", c.cfg.ErrClassifier.Classify(err)),
		slog.Bool("healthy", result == probeHealthy),
		slog.String("localAddr", safeconn.LocalAddr(s.conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(s.conn)),
		slog.Time("t", c.cfg.TimeNow()),
	)
	switch result {
	case probePeerEOF:
		c.teardownLocked(s, DisconnectRemote, nil)
		return false
	case probeFailed:
		c.teardownLocked(s, DisconnectError, err)
		return false
	default:
		return true
	}
}

// IsReading reports whether the background stream reader is running.
func (c *Client) IsReading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.currentLocked()
	return s != nil && s.readerActive()
}

// StartRead starts the background stream reader.
//
// Incoming bytes are coalesced and delivered through [Client.OnData] in
// slices of at most chunkSize bytes; zero or negative means
// [DefaultChunkSize]. Starting an already-reading client is a no-op
// that keeps the current configuration.
//
// Returns [ErrNotConnected] without a session and [ErrBusy] while an
// exchange is in flight.
func (c *Client) StartRead(chunkSize int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.currentLocked()
	if s == nil {
		return fmt.Errorf("%w: cannot start reading", ErrNotConnected)
	}
	if s.rrInFlight.Load() {
		return fmt.Errorf("%w: cannot start reading", ErrBusy)
	}
	if s.readerActive() {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	s.chunkSize = chunkSize
	s.batcher.reset(chunkSize)
	c.startReaderLocked(s)
	return nil
}

// StopRead stops the background stream reader and flushes any batched
// bytes through [Client.OnData] before returning.
//
// Stopping a client that is not reading is a no-op. Returns
// [ErrNotConnected] without a session.
func (c *Client) StopRead() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.currentLocked()
	if s == nil {
		return fmt.Errorf("%w: cannot stop reading", ErrNotConnected)
	}
	c.stopReaderLocked(s)
	return nil
}

// SetReadTimeout updates the stream reader idle tick: how long a single
// read step waits before re-checking for a stop request.
//
// The new value applies to the running reader, if any, and to readers
// started later. Returns [ErrInvalidArgument] for a non-positive value.
func (c *Client) SetReadTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return fmt.Errorf("%w: read timeout must be positive", ErrInvalidArgument)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readTimeout = timeout
	if s := c.currentLocked(); s != nil {
		if r := s.reader.Load(); r != nil {
			r.setIdleTick(timeout)
		}
	}
	return nil
}

// Write sends data to the peer, returning only once every byte has been
// written, the timeout elapsed, or the context was cancelled. Zero or
// negative timeout means [DefaultExchangeTimeout].
//
// Returns the bytes written along with [ErrNotConnected], [ErrBusy]
// while an exchange is in flight, [ErrInvalidArgument] for an empty
// payload, [ErrTimeout] on a stalled write or an expired context
// deadline, [ErrClosed] when the peer tore the connection down, or the
// underlying I/O error. A torn-down or failed connection finishes the
// session; a timeout or a cancelled context leaves it open.
func (c *Client) Write(ctx context.Context, data []byte, timeout time.Duration) (int, error) {
	if len(data) <= 0 {
		return 0, fmt.Errorf("%w: empty write payload", ErrInvalidArgument)
	}
	c.mu.Lock()
	s := c.currentLocked()
	if s == nil {
		c.mu.Unlock()
		return 0, fmt.Errorf("%w: cannot write", ErrNotConnected)
	}
	if s.rrInFlight.Load() {
		c.mu.Unlock()
		return 0, fmt.Errorf("%w: cannot write", ErrBusy)
	}
	c.mu.Unlock()

	if timeout <= 0 {
		timeout = DefaultExchangeTimeout
	}
	deadline := c.cfg.TimeNow().Add(timeout)
	c.writeMu.Lock()
	sent, err := sendAll(ctx, s.conn, data, deadline, c.cfg.TimeNow)
	c.writeMu.Unlock()

	switch {
	case err == nil:
		return sent, nil
	case isBrokenPipe(err):
		c.finishSession(s, DisconnectRemote, nil)
		return sent, fmt.Errorf("%w: %s", ErrClosed, err.Error())
	case isClosedConn(err):
		return sent, fmt.Errorf("%w: %s", ErrClosed, err.Error())
	case errors.Is(err, ErrTimeout), errors.Is(err, context.Canceled):
		return sent, err
	default:
		c.finishSession(s, DisconnectError, err)
		return sent, err
	}
}

// WriteAndRead performs a request/response exchange: it writes the
// request atomically, then collects the response until the match
// pattern is found, the byte cap is reached, the reply goes idle
// (pattern-less exchanges), or the global deadline elapses. See
// [ExchangeRequest] for the knobs. The context can abort the exchange
// between I/O steps; an expired context deadline surfaces as
// [ErrTimeout] and either way the session stays open.
//
// At most one exchange runs at a time; a second concurrent call fails
// with [ErrBusy], as does an exchange while streaming is active unless
// [ExchangeRequest.SuspendStream] is set, in which case the stream
// reader is paused for the exchange and resumed afterwards. Pending
// batched data is flushed before the exchange starts.
//
// The result is non-nil even alongside an error so callers can observe
// how many request bytes reached the socket.
func (c *Client) WriteAndRead(ctx context.Context, req *ExchangeRequest) (*ExchangeResult, error) {
	if req == nil || len(req.Data) <= 0 {
		return &ExchangeResult{}, fmt.Errorf("%w: empty exchange payload", ErrInvalidArgument)
	}

	c.mu.Lock()
	s := c.currentLocked()
	if s == nil {
		c.mu.Unlock()
		return &ExchangeResult{}, fmt.Errorf("%w: cannot exchange", ErrNotConnected)
	}
	if !s.rrInFlight.CompareAndSwap(false, true) {
		c.mu.Unlock()
		return &ExchangeResult{}, fmt.Errorf("%w: cannot exchange", ErrBusy)
	}
	wasReading := false
	if s.readerActive() {
		if !req.SuspendStream {
			s.rrInFlight.Store(false)
			c.mu.Unlock()
			return &ExchangeResult{}, fmt.Errorf("%w: stream reading is active", ErrBusy)
		}
		c.stopReaderLocked(s)
		wasReading = true
	}
	c.mu.Unlock()

	engine := &exchangeEngine{
		conn:          s.conn,
		errClassifier: c.cfg.ErrClassifier,
		logger:        s.logger,
		timeNow:       c.cfg.TimeNow,
	}
	// Holding the write mutex across the exchange keeps the request
	// write atomic with respect to a racing Write call.
	c.writeMu.Lock()
	result, disp, err := engine.exchange(ctx, req)
	c.writeMu.Unlock()

	switch disp {
	case dispPeerClosed:
		c.finishSession(s, DisconnectRemote, nil)
	case dispFatal:
		c.finishSession(s, DisconnectError, err)
	}

	c.mu.Lock()
	s.rrInFlight.Store(false)
	if wasReading && s.open() && c.sess == s {
		c.startReaderLocked(s)
	}
	c.mu.Unlock()
	return result, err
}

// emitData forwards one chunk-sized slice to the data callback.
func (c *Client) emitData(data []byte) {
	if c.OnData != nil {
		c.OnData(data)
	}
}

// currentLocked returns the open session or nil. A session finished in
// the background (reader EOF, fatal exchange) is reaped here so that
// subsequent operations observe the disconnected state.
func (c *Client) currentLocked() *session {
	s := c.sess
	if s == nil {
		return nil
	}
	if !s.open() {
		if r := s.reader.Load(); r != nil {
			r.wait()
		}
		c.sess = nil
		return nil
	}
	return s
}

// startReaderLocked spawns a fresh stream reader for the session. The
// teardown hooks never touch the client mutex, so the reader goroutine
// cannot deadlock against API calls holding it.
func (c *Client) startReaderLocked(s *session) {
	r := newStreamReader(
		s.conn,
		s.batcher,
		c.readTimeout,
		s.logger,
		c.cfg.ErrClassifier,
		c.cfg.TimeNow,
		func() { c.finishSession(s, DisconnectRemote, nil) },
		func(err error) { c.finishSession(s, DisconnectError, err) },
	)
	s.reader.Store(r)
	r.start()
}

// stopReaderLocked stops a running stream reader, waits for its exit,
// and flushes any batched bytes. No-op when the reader is not running.
func (c *Client) stopReaderLocked(s *session) {
	r := s.reader.Load()
	if r == nil || !r.active.Load() {
		return
	}
	r.requestStop()
	r.wait()
	s.reader.Store(nil)
	s.batcher.flushNow()
}

// teardownLocked finishes the session, waits for the stream reader to
// exit, and clears the current-session slot.
func (c *Client) teardownLocked(s *session, reason DisconnectReason, cause error) {
	c.finishSession(s, reason, cause)
	if r := s.reader.Load(); r != nil {
		r.wait()
	}
	if c.sess == s {
		c.sess = nil
	}
}

// finishSession performs the one-shot session teardown: mark closed,
// stop the reader, close the connection via the session context, flush
// batched data, and deliver the disconnect event.
//
// Safe to call from any goroutine, including the stream reader's
// teardown hooks: it never acquires the client mutex and never waits
// for the reader. Sealing the batcher around the disconnect delivery
// totally orders the last data event, the disconnect event, and the
// rejection of any byte read after the teardown began.
func (c *Client) finishSession(s *session, reason DisconnectReason, cause error) {
	s.finishOnce.Do(func() {
		s.closed.Store(true)
		if r := s.reader.Load(); r != nil {
			r.requestStop()
		}
		s.cancel()
		s.batcher.seal(func() {
			if c.OnDisconnect != nil {
				ev := DisconnectEvent{Reason: reason, Err: nil}
				if reason == DisconnectError {
					ev.Err = cause
				}
				c.OnDisconnect(ev)
			}
		})
		s.logger.Info(
			"sessionDone",
			slog.Any("err", cause),
			slog.String("errClass", c.cfg.ErrClassifier.Classify(cause)),
			slog.String("reason", string(reason)),
			slog.Time("t0", s.t0),
			slog.Time("t", c.cfg.TimeNow()),
		)
	})
}
