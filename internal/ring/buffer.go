// Package ring implements the single-producer/single-consumer,
// overwrite-on-full byte ring used to carry framed messages between the
// engine's workers (host, parser, cache, connections, crypto).
//
// Layout (little-endian), shaped so the same region could live in a
// browser SharedArrayBuffer:
//
//	offset 0:  4 bytes  capacity of the data region
//	offset 4:  4 bytes  head (write index, mod capacity)
//	offset 8:  4 bytes  tail (read index, mod capacity)
//	offset 12: 4 bytes  seq (monotonic write counter, debug aid)
//	offset 16: 16 bytes reserved
//	offset 32: capacity bytes, the data region
//
// Record layout inside the data region:
//
//	[len:u32][type:u16][pad:u16][seq:u32][payload:N][len_trailer:u32]
//
// where len = 8 + N. The writer writes len_trailer last; a record is
// committed only once len_trailer == len. Producers evict whole committed
// records from the front to make room for a new write (overwrite-on-full).
package ring

import (
	"encoding/binary"
	"errors"
	"sync"
)

const headerSize = 32

// Buffer is a fixed-capacity SPSC ring over a byte slice. A Buffer must
// be used by exactly one writer goroutine and exactly one reader
// goroutine at a time; the mutex here exists only to give Go's memory
// model the happens-before edge real shared-memory hardware would need
// fences for, not to arbitrate between multiple producers.
type Buffer struct {
	mu       sync.Mutex
	data     []byte
	capacity uint32
}

// ErrPayloadTooLarge is returned by Write when a payload can never fit,
// regardless of eviction.
var ErrPayloadTooLarge = errors.New("ring: payload too large for capacity")

// NewBuffer allocates a fresh, initialized ring with the given data-region
// capacity in bytes.
func NewBuffer(capacity uint32) *Buffer {
	b := &Buffer{
		data:     make([]byte, headerSize+int(capacity)),
		capacity: capacity,
	}
	binary.LittleEndian.PutUint32(b.data[0:4], capacity)
	return b
}

// Capacity returns the size in bytes of the ring's data region.
func (b *Buffer) Capacity() uint32 {
	return b.capacity
}

func (b *Buffer) head() uint32 { return binary.LittleEndian.Uint32(b.data[4:8]) % b.capacity }
func (b *Buffer) setHead(v uint32) {
	binary.LittleEndian.PutUint32(b.data[4:8], v%b.capacity)
}
func (b *Buffer) tail() uint32 { return binary.LittleEndian.Uint32(b.data[8:12]) % b.capacity }
func (b *Buffer) setTail(v uint32) {
	binary.LittleEndian.PutUint32(b.data[8:12], v%b.capacity)
}
func (b *Buffer) seq() uint32     { return binary.LittleEndian.Uint32(b.data[12:16]) }
func (b *Buffer) setSeq(v uint32) { binary.LittleEndian.PutUint32(b.data[12:16], v) }

func (b *Buffer) used() uint32 {
	h, t := b.head(), b.tail()
	return (h + b.capacity - t) % b.capacity
}

func (b *Buffer) free() uint32 {
	return b.capacity - b.used()
}

func (b *Buffer) ringRead(pos uint32, out []byte) {
	remaining := uint32(len(out))
	off := uint32(0)
	for remaining > 0 {
		toEnd := b.capacity - (pos % b.capacity)
		chunk := remaining
		if toEnd < chunk {
			chunk = toEnd
		}
		abs := headerSize + int(pos%b.capacity)
		copy(out[off:off+chunk], b.data[abs:abs+int(chunk)])
		remaining -= chunk
		off += chunk
		pos = (pos + chunk) % b.capacity
	}
}

func (b *Buffer) ringWrite(pos uint32, src []byte) {
	remaining := uint32(len(src))
	off := uint32(0)
	for remaining > 0 {
		toEnd := b.capacity - (pos % b.capacity)
		chunk := remaining
		if toEnd < chunk {
			chunk = toEnd
		}
		abs := headerSize + int(pos%b.capacity)
		copy(b.data[abs:abs+int(chunk)], src[off:off+chunk])
		remaining -= chunk
		off += chunk
		pos = (pos + chunk) % b.capacity
	}
}

func (b *Buffer) ringReadU32(pos uint32) uint32 {
	var tmp [4]byte
	b.ringRead(pos, tmp[:])
	return binary.LittleEndian.Uint32(tmp[:])
}

func (b *Buffer) ringWriteU32(pos uint32, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.ringWrite(pos, tmp[:])
}

// skipRecord advances tail past one fully-committed record. Returns false if
// the ring is empty or the oldest record is not yet committed.
func (b *Buffer) skipRecord() bool {
	tail := b.tail()
	if tail == b.head() {
		return false
	}
	length := b.ringReadU32(tail)
	if length == 0 {
		return false
	}
	trailerPos := (tail + 4 + length) % b.capacity
	trailer := b.ringReadU32(trailerPos)
	if trailer != length {
		return false
	}
	b.setTail((tail + 4 + length + 4) % b.capacity)
	return true
}

// makeSpace evicts until strictly more than needed bytes are free: the
// ring must never fill completely, since head == tail is the empty state.
func (b *Buffer) makeSpace(needed uint32) {
	for b.free() <= needed && b.head() != b.tail() {
		if !b.skipRecord() {
			break
		}
	}
}

// Write encodes payload as a record and appends it, evicting the minimum
// number of whole committed records from the front to make room. Returns
// false if payload can never fit (its record overhead included) or if space
// could not be made because the oldest record is uncommitted.
func (b *Buffer) Write(payload []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := uint32(len(payload))
	varLen := 8 + n
	total := 4 + varLen + 4
	// A record of exactly capacity bytes would advance head a full lap
	// onto tail, indistinguishable from empty, so >= rather than >.
	if total >= b.capacity {
		return false
	}

	b.makeSpace(total)
	if b.free() <= total {
		return false
	}

	head := b.head()
	mySeq := b.seq() + 1

	b.ringWriteU32(head, varLen)
	varPos := (head + 4) % b.capacity
	b.ringWrite(varPos, []byte{0, 0})       // type:u16 = 0
	b.ringWrite((varPos+2)%b.capacity, []byte{0, 0}) // pad:u16 = 0
	b.ringWriteU32((varPos+4)%b.capacity, mySeq)
	b.ringWrite((varPos+8)%b.capacity, payload)

	trailerPos := (head + 4 + varLen) % b.capacity
	b.ringWriteU32(trailerPos, varLen)

	b.setHead((head + total) % b.capacity)
	b.setSeq(mySeq)
	return true
}

// ReadNext returns the next committed record's payload, or (nil, false) if
// the ring is empty or the oldest record is not yet fully committed.
func (b *Buffer) ReadNext() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tail := b.tail()
	if tail == b.head() {
		return nil, false
	}
	length := b.ringReadU32(tail)
	if length == 0 {
		return nil, false
	}
	trailerPos := (tail + 4 + length) % b.capacity
	trailer := b.ringReadU32(trailerPos)
	if trailer != length {
		return nil, false
	}

	varPos := (tail + 4) % b.capacity
	payloadPos := (varPos + 8) % b.capacity
	payloadLen := length - 8

	out := make([]byte, payloadLen)
	b.ringRead(payloadPos, out)

	b.setTail((tail + 4 + length + 4) % b.capacity)
	return out, true
}

// Seq returns the most recent commit sequence number, for diagnostics.
func (b *Buffer) Seq() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq()
}

// IsEmpty reports whether head == tail.
func (b *Buffer) IsEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.head() == b.tail()
}
