// SPDX-License-Identifier: GPL-3.0-or-later

package devconn

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// emitRecorder collects emitted slices under a lock so tests can inspect
// them while the batcher's timer goroutine is still running.
type emitRecorder struct {
	mu     sync.Mutex
	events [][]byte
}

func (r *emitRecorder) emit(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := make([]byte, len(data))
	copy(copied, data)
	r.events = append(r.events, copied)
}

func (r *emitRecorder) snapshot() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.events))
	copy(out, r.events)
	return out
}

// The merge window coalesces appends that arrive close together into a
// single event.
func TestEventBatcherMergesAppends(t *testing.T) {
	recorder := &emitRecorder{}
	batcher := newEventBatcher(recorder.emit, DefaultSLogger(), time.Now)

	batcher.append([]byte("hel"))
	batcher.append([]byte("lo"))

	assert.Eventually(t, func() bool {
		return len(recorder.snapshot()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, []byte("hello"), recorder.snapshot()[0])
}

// Reaching the batch cap flushes immediately without waiting for the
// merge window.
func TestEventBatcherFlushesAtCap(t *testing.T) {
	recorder := &emitRecorder{}
	batcher := newEventBatcher(recorder.emit, DefaultSLogger(), time.Now)
	batcher.reset(mergeCap)

	batcher.append(make([]byte, mergeCap))

	// No timer wait: the cap flush is synchronous.
	events := recorder.snapshot()
	require.Len(t, events, 1)
	assert.Len(t, events[0], mergeCap)
}

// A flushed batch is sliced into chunk-sized events in order.
func TestEventBatcherChunkSlicing(t *testing.T) {
	recorder := &emitRecorder{}
	batcher := newEventBatcher(recorder.emit, DefaultSLogger(), time.Now)
	batcher.reset(4)

	batcher.append([]byte("0123456789"))
	batcher.flushNow()

	events := recorder.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, []byte("0123"), events[0])
	assert.Equal(t, []byte("4567"), events[1])
	assert.Equal(t, []byte("89"), events[2])
}

// flushNow with nothing pending emits nothing.
func TestEventBatcherFlushEmpty(t *testing.T) {
	recorder := &emitRecorder{}
	batcher := newEventBatcher(recorder.emit, DefaultSLogger(), time.Now)

	batcher.flushNow()

	assert.Empty(t, recorder.snapshot())
}

// reset drops a pending batch without emitting it.
func TestEventBatcherResetDropsPending(t *testing.T) {
	recorder := &emitRecorder{}
	batcher := newEventBatcher(recorder.emit, DefaultSLogger(), time.Now)

	batcher.append([]byte("stale"))
	batcher.reset(DefaultChunkSize)
	batcher.flushNow()

	// The merge window has long passed; nothing must have been emitted.
	time.Sleep(3 * mergeWindow)
	assert.Empty(t, recorder.snapshot())
}

// seal flushes pending data, runs the final callback exactly once, and
// rejects all subsequent appends.
func TestEventBatcherSeal(t *testing.T) {
	recorder := &emitRecorder{}
	batcher := newEventBatcher(recorder.emit, DefaultSLogger(), time.Now)

	finalCalls := 0
	batcher.append([]byte("last words"))
	batcher.seal(func() { finalCalls++ })

	events := recorder.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, []byte("last words"), events[0])
	assert.Equal(t, 1, finalCalls)

	// Appends after sealing are dropped, even past the merge window.
	batcher.append([]byte("too late"))
	batcher.flushNow()
	time.Sleep(3 * mergeWindow)
	assert.Len(t, recorder.snapshot(), 1)

	// A second seal does not run the callback again.
	batcher.seal(func() { finalCalls++ })
	assert.Equal(t, 1, finalCalls)
}

// The batch flush emits a batchFlush debug event.
func TestEventBatcherLogging(t *testing.T) {
	logger, records := newCapturingLogger()
	recorder := &emitRecorder{}
	batcher := newEventBatcher(recorder.emit, logger, time.Now)

	batcher.append([]byte("data"))
	batcher.flushNow()

	require.Len(t, *records, 1)
	assert.Equal(t, "batchFlush", (*records)[0].Message)
}
