package parser

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchBuffer_FlushesOnSizeThreshold(t *testing.T) {
	var mu sync.Mutex
	var flushes [][]byte
	b := newBatchBuffer(16, time.Hour, func(data []byte) {
		mu.Lock()
		defer mu.Unlock()
		flushes = append(flushes, data)
	})

	b.Add([]byte("0123456789abcdef")) // 16 bytes + 4-byte prefix crosses the 16-byte threshold immediately

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, flushes, 1)
	assert.Equal(t, uint32(16), leUint32(flushes[0][:4]))
}

func TestBatchBuffer_FlushesOnTimeout(t *testing.T) {
	var mu sync.Mutex
	var flushes [][]byte
	b := newBatchBuffer(1<<20, 20*time.Millisecond, func(data []byte) {
		mu.Lock()
		defer mu.Unlock()
		flushes = append(flushes, data)
	})

	b.Add([]byte("short"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(flushes) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestBatchBuffer_DropDiscardsPendingBytesWithoutFlushing(t *testing.T) {
	flushed := false
	b := newBatchBuffer(1<<20, time.Hour, func([]byte) { flushed = true })

	b.Add([]byte("pending"))
	b.Drop()

	time.Sleep(10 * time.Millisecond)
	assert.False(t, flushed)
}

func TestBatchBuffer_FlushForcesOutPendingBytes(t *testing.T) {
	var flushedWith []byte
	b := newBatchBuffer(1<<20, time.Hour, func(data []byte) { flushedWith = data })

	b.Add([]byte("pending"))
	b.Flush()

	require.NotNil(t, flushedWith)
	assert.Equal(t, uint32(len("pending")), leUint32(flushedWith[:4]))
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
