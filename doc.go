// SPDX-License-Identifier: GPL-3.0-or-later

// Package devconn implements the TCP client core used behind a plugin
// surface that lets applications talk to line-oriented TCP peers such as
// receipt printers, label printers, scanners, and industrial controllers.
//
// # Core Abstraction
//
// The package is built around a single stateful type:
//
//	type Client struct { ... }
//
// A [*Client] owns at most one TCP session at a time and exposes three
// intertwined behaviors:
//
//   - a lifecycle: [*Client.Connect], [*Client.Disconnect],
//     [*Client.IsConnected], [*Client.IsReading]
//
//   - a streaming read path: [*Client.StartRead] spawns a background
//     reader that drains the socket and delivers coalesced, chunk-sliced
//     Data events through the [Client.OnData] callback
//
//   - a request/response path: [*Client.WriteAndRead] atomically writes a
//     request and collects a bounded reply under a global deadline, with
//     an optional literal byte-pattern early exit and adaptive idle
//     detection when no pattern is given
//
// The client is payload-agnostic: it never parses application protocols
// such as ESC/POS. The only pattern matching it performs is a literal
// byte-substring match requested by the caller.
//
// # Connection Lifecycle
//
// [*Client.Connect] resolves the host (numeric fast path, then DNS
// fallback through [Resolver]), tries each candidate address under a
// single global deadline, and configures the winning socket with
// TCP_NODELAY and keepalive per the connect options. The session owns
// the connection until exactly one of the following occurs:
//
//   - the caller invokes [*Client.Disconnect] (reason Manual)
//   - the peer closes its send direction (reason Remote)
//   - a fatal I/O error surfaces (reason Error)
//
// Whichever happens first emits exactly one Disconnect event through
// [Client.OnDisconnect]. Pending batched data is always flushed before
// the Disconnect event, and no Data event follows it.
//
// # Composable Dial Pipeline
//
// Connection establishment reuses the [Func] composition machinery:
// [ResolveFunc] produces candidate endpoints, [ConnectFunc] dials a
// single candidate, [ObserveConnFunc] adds structured I/O logging, and
// [CancelWatchFunc] binds the session lifetime to a context so that
// closing the session unblocks any in-progress read or write.
//
// # Observability
//
// All operations support structured logging via [SLogger] (compatible
// with [log/slog]). By default logging is disabled; set a custom
// [*slog.Logger] to enable it.
//
// The client emits span events (*Start/*Done pairs) for resolve,
// connect, read, write, close, and exchange operations, a single
// probeDone event per health probe, plus lifecycle events for the
// session and stream reader and a batchFlush event per batch. Completion events include t0 (start time), err,
// and errClass; per-I/O events are emitted at [slog.LevelDebug], all
// other events at [slog.LevelInfo]. Use [NewSpanID] to generate a
// unique, time-ordered identifier (UUIDv7) per session; the client
// attaches it to every event of that session.
//
// Error classification is configurable via [ErrClassifier]; the default
// classifier wires github.com/bassosimone/errclass so that log events
// carry categorical labels such as "ECONNRESET". Control flow never
// depends on labels: it uses sentinel errors ([ErrTimeout], [ErrClosed],
// [ErrNotConnected], [ErrBusy], [ErrInvalidArgument]) and errors.Is.
//
// # Host Bridge
//
// The [*Bridge] type adapts the client to a foreign-runtime plugin
// surface: every operation accepts a structured request record with
// recognized options and defaults, validated with
// go-playground/validator before any I/O. Operation errors map onto
// the stable codes hosts expect through [ErrorCode], so the host-side
// envelope never needs to inspect Go error values. [NewRequestSchemas]
// exports JSON Schemas for host-side argument checking.
//
// # Design Boundaries
//
// The following are out of scope and must be implemented by higher-level
// packages: TLS, connection pooling, reconnection policy, multiplexing,
// protocol framing, and graceful half-close semantics beyond reporting
// peer EOF.
package devconn
