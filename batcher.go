// SPDX-License-Identifier: GPL-3.0-or-later

package devconn

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// mergeWindow is how long the batcher waits for more bytes after the
	// first byte of a batch before flushing. The window is a deadline
	// measured from the first byte, not a debounce: later appends do not
	// extend it.
	mergeWindow = 10 * time.Millisecond

	// mergeCap is the batch size that triggers an immediate flush.
	mergeCap = 16 * 1024

	// DefaultChunkSize is the default maximum size of a single Data event.
	DefaultChunkSize = 4096
)

// newEventBatcher returns a new [*eventBatcher] emitting through emit.
//
// The emit callback receives each chunk-sized slice of a flushed batch
// in order. It is invoked while the batcher lock is held, so it must
// return promptly and must not call back into the batcher.
func newEventBatcher(emit func([]byte), logger SLogger, timeNow func() time.Time) *eventBatcher {
	return &eventBatcher{
		chunkSize: DefaultChunkSize,
		emit:      emit,
		logger:    logger,
		timeNow:   timeNow,
	}
}

// eventBatcher coalesces bytes produced by the stream reader into fewer,
// larger Data events, then slices each flushed batch by the configured
// chunk size so no single event exceeds what the host asked for.
//
// A flush happens when the merge window elapses, when the pending batch
// reaches [mergeCap], or when flushNow is called (stop, disconnect).
// A pending batch is always flushed before a Disconnect event so that
// flushes and disconnect notifications are totally ordered.
type eventBatcher struct {
	// mu serializes access from the reader goroutine, the flush timer,
	// and the client.
	mu sync.Mutex

	// buf accumulates bytes awaiting a flush.
	buf []byte

	// chunkSize caps the size of a single emitted slice.
	chunkSize int

	// emit delivers one chunk-sized slice per call.
	emit func([]byte)

	// logger is the [SLogger] to use.
	logger SLogger

	// sealed is set by seal and permanently disables the batcher.
	sealed bool

	// timeNow is the function to get the current time.
	timeNow func() time.Time

	// timer is the armed merge-window timer, nil when no batch is pending.
	timer *time.Timer
}

// reset clears any pending batch without emitting it and installs the
// chunk size for subsequent flushes.
func (b *eventBatcher) reset(chunkSize int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.buf = nil
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	b.chunkSize = chunkSize
}

// append adds bytes to the pending batch. The first byte of a batch arms
// the merge-window timer; reaching [mergeCap] flushes immediately.
func (b *eventBatcher) append(data []byte) {
	if len(data) <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return
	}
	wasEmpty := len(b.buf) <= 0
	b.buf = append(b.buf, data...)
	if len(b.buf) >= mergeCap {
		b.flushLocked()
		return
	}
	if wasEmpty {
		b.timer = time.AfterFunc(mergeWindow, b.flushNow)
	}
}

// flushNow synchronously drains the pending batch, emitting each
// chunk-sized slice in order. Safe to call with nothing pending.
func (b *eventBatcher) flushNow() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

// seal flushes the pending batch, invokes final while still holding the
// batcher lock, and permanently disables the batcher. Holding the lock
// across final totally orders the last data emission, the final
// callback, and the rejection of any subsequent append. Idempotent:
// only the first call runs final.
func (b *eventBatcher) seal(final func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return
	}
	b.flushLocked()
	b.sealed = true
	if final != nil {
		final()
	}
}

func (b *eventBatcher) flushLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.buf) <= 0 {
		return
	}
	buf := b.buf
	b.buf = nil
	b.logger.Debug(
		"batchFlush",
		slog.Int("ioBytesCount", len(buf)),
		slog.Int("chunkSize", b.chunkSize),
		slog.Time("t", b.timeNow()),
	)
	for len(buf) > 0 {
		n := min(len(buf), b.chunkSize)
		b.emit(buf[:n:n])
		buf = buf[n:]
	}
}
