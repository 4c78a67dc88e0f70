// SPDX-License-Identifier: GPL-3.0-or-later

package devconn

// DisconnectReason explains why a session ended.
type DisconnectReason string

const (
	// DisconnectManual means the caller invoked [*Client.Disconnect] or
	// replaced the session via [*Client.Connect].
	DisconnectManual DisconnectReason = "manual"

	// DisconnectRemote means the peer closed its send direction (EOF).
	DisconnectRemote DisconnectReason = "remote"

	// DisconnectError means a fatal I/O error ended the session.
	DisconnectError DisconnectReason = "error"
)

// DisconnectEvent is delivered through [Client.OnDisconnect] exactly once
// per session that reached the open state.
//
// Any data batched before the disconnect was observed is flushed through
// [Client.OnData] before this event fires; no data event follows it.
type DisconnectEvent struct {
	// Reason tags why the session ended.
	Reason DisconnectReason

	// Err carries the fatal error when Reason is [DisconnectError],
	// and is nil otherwise.
	Err error
}
