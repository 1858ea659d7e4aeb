package parser

import (
	"encoding/binary"
	"sync"
	"time"
)

// Default batching thresholds for host delivery: flush at 16 KiB of
// pending frames or 50 ms after the first enqueue, whichever comes first.
const (
	batchSizeThreshold = 16 * 1024
	batchTimeout       = 50 * time.Millisecond
)

// batchBuffer accumulates length-prefixed WorkerMessage frames for one
// subscription and hands a flushed, owned byte buffer to flush whenever
// size or time thresholds are crossed. The length prefix is 4 bytes
// little-endian.
type batchBuffer struct {
	mu        sync.Mutex
	buf       []byte
	firstAt   time.Time
	flush     func([]byte)
	timer     *time.Timer
	sizeLimit int
	timeout   time.Duration
}

// newBatchBuffer builds a batchBuffer that calls flush with each
// completed batch, using sizeLimit/timeout (falling back to the package
// defaults when unset). Manager passes config.ParserConfig.BatchFlushBytes
// as sizeLimit and always batchTimeout as timeout; BatchFlushMillis is not
// read. flush must not block for long; it is
// called while the buffer's lock is released.
func newBatchBuffer(sizeLimit int, timeout time.Duration, flush func([]byte)) *batchBuffer {
	if sizeLimit <= 0 {
		sizeLimit = batchSizeThreshold
	}
	if timeout <= 0 {
		timeout = batchTimeout
	}
	return &batchBuffer{flush: flush, sizeLimit: sizeLimit, timeout: timeout}
}

// Add appends one WorkerMessage's encoded bytes to the buffer, flushing
// immediately if this push crosses the size threshold, and arming a
// timer to flush at the timeout if this is the first pending message.
func (b *batchBuffer) Add(message []byte) {
	b.mu.Lock()

	if len(b.buf) == 0 {
		b.firstAt = time.Now()
		if b.timer == nil {
			b.timer = time.AfterFunc(b.timeout, b.onTimeout)
		} else {
			b.timer.Reset(b.timeout)
		}
	}

	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(message)))
	b.buf = append(b.buf, lenPrefix[:]...)
	b.buf = append(b.buf, message...)

	var out []byte
	if len(b.buf) >= b.sizeLimit {
		out = b.takeLocked()
	}
	b.mu.Unlock()

	if out != nil {
		b.flush(out)
	}
}

func (b *batchBuffer) onTimeout() {
	b.mu.Lock()
	out := b.takeLocked()
	b.mu.Unlock()
	if out != nil {
		b.flush(out)
	}
}

// takeLocked detaches the pending buffer and returns it, leaving the
// buffer empty. Caller must hold b.mu.
func (b *batchBuffer) takeLocked() []byte {
	if len(b.buf) == 0 {
		return nil
	}
	out := b.buf
	b.buf = nil
	return out
}

// Flush forces out any pending bytes immediately.
func (b *batchBuffer) Flush() {
	b.mu.Lock()
	out := b.takeLocked()
	b.mu.Unlock()
	if out != nil {
		b.flush(out)
	}
}

// Stop cancels the pending flush timer, if any.
func (b *batchBuffer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
	}
}

// Drop discards any pending bytes without flushing them: an
// unsubscribed subscription's in-flight outputs die here rather than
// reaching the host.
func (b *batchBuffer) Drop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = nil
	if b.timer != nil {
		b.timer.Stop()
	}
}
