// SPDX-License-Identifier: GPL-3.0-or-later

package devconn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	// DefaultDevicePort is the conventional raw device port used when a
	// connect record omits the port.
	DefaultDevicePort = 9100

	// bridgeConnectTimeoutMillis is the connect timeout used when the
	// record omits one.
	bridgeConnectTimeoutMillis = 3000

	// bridgeExchangeTimeoutMillis is the exchange timeout used when the
	// record omits one.
	bridgeExchangeTimeoutMillis = 1000

	// bridgeReadTimeoutMillis is the reader idle tick used when the
	// record omits one.
	bridgeReadTimeoutMillis = 1000

	// maxTimeoutMillis bounds every host-supplied timeout.
	maxTimeoutMillis = 600000

	// maxResponseBytesLimit bounds the host-supplied response cap.
	maxResponseBytesLimit = 1048576
)

// ConnectRequest is the host-facing record for the connect operation.
type ConnectRequest struct {
	// Host is the hostname or numeric IP address of the peer.
	Host string `json:"host" jsonschema:"description=Hostname or IP address of the peer" validate:"required"`

	// Port is the TCP port, defaulting to [DefaultDevicePort].
	Port *uint16 `json:"port,omitempty" jsonschema:"description=TCP port of the peer" validate:"omitempty,gte=1"`

	// TimeoutMillis bounds resolution and dialing together. Omitted
	// means 3000 ms; an explicit zero means the shortest timeout the
	// client supports.
	TimeoutMillis *int `json:"timeout,omitempty" jsonschema:"description=Connect timeout in milliseconds" validate:"omitempty,gte=0,lte=600000"`

	// NoDelay controls Nagle's algorithm. Omitted means true.
	NoDelay *bool `json:"noDelay,omitempty" jsonschema:"description=Disable Nagle's algorithm"`

	// KeepAlive controls TCP keepalive. Omitted means true.
	KeepAlive *bool `json:"keepAlive,omitempty" jsonschema:"description=Enable TCP keepalive"`
}

// WriteRequest is the host-facing record for the write operation.
type WriteRequest struct {
	// Data is the payload to send.
	Data []byte `json:"data" jsonschema:"description=Payload to send" validate:"required,min=1"`

	// TimeoutMillis bounds the write. Omitted means 1000 ms.
	TimeoutMillis *int `json:"timeout,omitempty" jsonschema:"description=Write timeout in milliseconds" validate:"omitempty,gte=0,lte=600000"`
}

// WriteResult is the host-facing outcome of a write operation.
type WriteResult struct {
	// BytesSent counts payload bytes written before completion.
	BytesSent int `json:"bytesSent"`
}

// TransactRequest is the host-facing record for the write-and-read
// operation.
type TransactRequest struct {
	// Data is the request payload.
	Data []byte `json:"data" jsonschema:"description=Request payload" validate:"required,min=1"`

	// TimeoutMillis bounds the whole exchange. Omitted means 1000 ms.
	TimeoutMillis *int `json:"timeout,omitempty" jsonschema:"description=Exchange timeout in milliseconds" validate:"omitempty,gte=0,lte=600000"`

	// MaxBytes caps the collected response. Omitted means 4096.
	MaxBytes *int `json:"maxBytes,omitempty" jsonschema:"description=Response byte cap" validate:"omitempty,gte=1,lte=1048576"`

	// Expect optionally terminates collection early: either a byte
	// sequence or a string of hexadecimal octets. See [NormalizeExpect].
	Expect any `json:"expect,omitempty" jsonschema:"description=Optional response pattern as bytes or hex string"`

	// SuspendStream pauses a running stream reader for the exchange.
	SuspendStream bool `json:"suspendStream,omitempty" jsonschema:"description=Pause background reading during the exchange"`
}

// TransactResult is the host-facing outcome of a write-and-read
// operation.
type TransactResult struct {
	// BytesSent counts request bytes written before completion.
	BytesSent int `json:"bytesSent"`

	// Data is the collected response.
	Data []byte `json:"data"`

	// Matched reports whether the expect pattern terminated collection.
	Matched bool `json:"matched"`
}

// StartReadRequest is the host-facing record for the start-read
// operation.
type StartReadRequest struct {
	// ChunkSize caps the size of a single data event. Omitted means
	// 4096.
	ChunkSize *int `json:"chunkSize,omitempty" jsonschema:"description=Maximum size of a single data event" validate:"omitempty,gte=1,lte=1048576"`

	// ReadTimeoutMillis sets the reader idle tick. Omitted means
	// 1000 ms.
	ReadTimeoutMillis *int `json:"readTimeout,omitempty" jsonschema:"description=Reader idle tick in milliseconds" validate:"omitempty,gte=1,lte=600000"`
}

// SetReadTimeoutRequest is the host-facing record for the
// set-read-timeout operation.
type SetReadTimeoutRequest struct {
	// TimeoutMillis is the new reader idle tick.
	TimeoutMillis int `json:"timeout" jsonschema:"description=Reader idle tick in milliseconds" validate:"gte=1,lte=600000"`
}

// StatusResult is the host-facing outcome of the status operation.
type StatusResult struct {
	// Connected reports whether a healthy session is open.
	Connected bool `json:"connected"`

	// Reading reports whether the background stream reader is running.
	Reading bool `json:"reading"`
}

// NewBridge returns a new [*Bridge] wrapping the given client.
func NewBridge(client *Client) *Bridge {
	return &Bridge{
		client:   client,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Bridge adapts the [*Client] to the host-facing operation records.
//
// Each operation validates its record, fills the documented defaults,
// and delegates to the client. Timeouts travel as milliseconds on the
// wire: an omitted timeout selects the documented default while an
// explicit zero selects the shortest timeout the client supports.
//
// Use [ErrorCode] to map a returned error to the stable code the host
// protocol expects.
type Bridge struct {
	// client executes the operations.
	client *Client

	// validate checks host-supplied records.
	validate *validator.Validate
}

// Connect validates the record and establishes a session.
func (b *Bridge) Connect(ctx context.Context, req *ConnectRequest) error {
	if err := b.validateRecord(req); err != nil {
		return err
	}
	port := uint16(DefaultDevicePort)
	if req.Port != nil {
		port = *req.Port
	}
	timeout := millisToDuration(req.TimeoutMillis, bridgeConnectTimeoutMillis)
	target := Target{Host: req.Host, Port: port}
	if req.NoDelay != nil {
		target.DisableNoDelay = !*req.NoDelay
	}
	if req.KeepAlive != nil {
		target.DisableKeepAlive = !*req.KeepAlive
	}
	return b.client.Connect(ctx, target, timeout)
}

// Disconnect tears down the current session. Disconnecting an
// already-disconnected client is a no-op reporting success, so hosts
// can call it unconditionally during their own teardown.
func (b *Bridge) Disconnect() error {
	err := b.client.Disconnect()
	if err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// Status reports the session and reader state.
func (b *Bridge) Status() *StatusResult {
	return &StatusResult{
		Connected: b.client.IsConnected(),
		Reading:   b.client.IsReading(),
	}
}

// Write validates the record and sends its payload.
func (b *Bridge) Write(ctx context.Context, req *WriteRequest) (*WriteResult, error) {
	if err := b.validateRecord(req); err != nil {
		return &WriteResult{}, err
	}
	timeout := millisToDuration(req.TimeoutMillis, bridgeExchangeTimeoutMillis)
	sent, err := b.client.Write(ctx, req.Data, timeout)
	return &WriteResult{BytesSent: sent}, err
}

// Transact validates the record and performs a request/response
// exchange.
func (b *Bridge) Transact(ctx context.Context, req *TransactRequest) (*TransactResult, error) {
	if err := b.validateRecord(req); err != nil {
		return &TransactResult{}, err
	}
	pattern, err := NormalizeExpect(req.Expect)
	if err != nil {
		return &TransactResult{}, err
	}
	maxBytes := DefaultMaxResponseBytes
	if req.MaxBytes != nil {
		maxBytes = *req.MaxBytes
	}
	result, err := b.client.WriteAndRead(ctx, &ExchangeRequest{
		Data:          req.Data,
		Timeout:       millisToDuration(req.TimeoutMillis, bridgeExchangeTimeoutMillis),
		MaxBytes:      maxBytes,
		Pattern:       pattern,
		SuspendStream: req.SuspendStream,
	})
	return &TransactResult{
		BytesSent: result.BytesSent,
		Data:      result.Data,
		Matched:   result.Matched,
	}, err
}

// StartRead validates the record and starts the background reader.
func (b *Bridge) StartRead(req *StartReadRequest) error {
	if err := b.validateRecord(req); err != nil {
		return err
	}
	timeout := millisToDuration(req.ReadTimeoutMillis, bridgeReadTimeoutMillis)
	if err := b.client.SetReadTimeout(timeout); err != nil {
		return err
	}
	chunkSize := DefaultChunkSize
	if req.ChunkSize != nil {
		chunkSize = *req.ChunkSize
	}
	return b.client.StartRead(chunkSize)
}

// StopRead stops the background reader.
func (b *Bridge) StopRead() error {
	return b.client.StopRead()
}

// SetReadTimeout validates the record and updates the reader idle tick.
func (b *Bridge) SetReadTimeout(req *SetReadTimeoutRequest) error {
	if err := b.validateRecord(req); err != nil {
		return err
	}
	return b.client.SetReadTimeout(time.Duration(req.TimeoutMillis) * time.Millisecond)
}

// validateRecord runs struct validation and maps failures onto the
// invalid-argument sentinel so hosts observe a single error code.
func (b *Bridge) validateRecord(record any) error {
	if err := b.validate.Struct(record); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidArgument, err.Error())
	}
	return nil
}

// millisToDuration converts an optional millisecond count into a
// duration. A nil pointer selects the given default; an explicit
// non-positive value selects one millisecond, the shortest timeout the
// client distinguishes from "use the default".
func millisToDuration(millis *int, defaultMillis int) time.Duration {
	if millis == nil {
		return time.Duration(defaultMillis) * time.Millisecond
	}
	if *millis <= 0 {
		return time.Millisecond
	}
	return time.Duration(*millis) * time.Millisecond
}

// ErrorCode maps an operation error to the stable code the host
// protocol uses. A nil error maps to the empty string; errors outside
// the sentinel taxonomy map to "IOError".
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotConnected):
		return "NotConnected"
	case errors.Is(err, ErrBusy):
		return "Busy"
	case errors.Is(err, ErrTimeout):
		return "Timeout"
	case errors.Is(err, ErrClosed):
		return "Closed"
	case errors.Is(err, ErrInvalidArgument):
		return "InvalidArgument"
	default:
		return "IOError"
	}
}
