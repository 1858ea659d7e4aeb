package store

import "encoding/binary"

// evictingBuffer is a growing, offset-addressed byte buffer that evicts
// whole records from the front once it exceeds its capacity. Unlike
// internal/ring.Buffer (an SPSC message-passing ring consumed by ReadNext),
// this buffer supports durable random-access reads by a stable global
// offset -- the shape the local event store needs.
//
// Each record is a 4-byte little-endian length prefix followed by that
// many bytes; headOffset tracks how many bytes have been evicted from the
// front so offsets returned to callers stay stable across eviction.
type evictingBuffer struct {
	data       []byte
	capacity   int
	headOffset uint64
}

func newEvictingBuffer(capacity int) *evictingBuffer {
	return &evictingBuffer{data: make([]byte, 0, capacity), capacity: capacity}
}

// Add appends payload, evicting whole records from the front as needed to
// fit, and returns payload's stable global offset. Returns ok=false if
// payload can never fit regardless of eviction.
func (b *evictingBuffer) Add(payload []byte) (offset uint64, ok bool) {
	total := 4 + len(payload)
	if total > b.capacity {
		return 0, false
	}

	b.evictToFit(total)

	offset = b.headOffset + uint64(len(b.data))

	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(payload)))
	b.data = append(b.data, prefix[:]...)
	b.data = append(b.data, payload...)
	return offset, true
}

func (b *evictingBuffer) evictToFit(needed int) {
	curLen := len(b.data)
	if curLen+needed <= b.capacity {
		return
	}
	mustFree := curLen + needed - b.capacity

	p := 0
	for mustFree > 0 && p+4 <= curLen {
		size := int(binary.LittleEndian.Uint32(b.data[p : p+4]))
		total := 4 + size
		if total > curLen-p {
			p = curLen
			break
		}
		p += total
		if mustFree >= total {
			mustFree -= total
		} else {
			mustFree = 0
		}
	}

	if p > 0 {
		b.data = append(b.data[:0], b.data[p:]...)
		b.headOffset += uint64(p)
	}
}

// Get returns the payload stored at offset, or false if offset has been
// evicted, is misaligned, or isn't fully present.
func (b *evictingBuffer) Get(offset uint64) ([]byte, bool) {
	if offset < b.headOffset {
		return nil, false
	}
	rel := int(offset - b.headOffset)
	if rel+4 > len(b.data) {
		return nil, false
	}
	size := int(binary.LittleEndian.Uint32(b.data[rel : rel+4]))
	start := rel + 4
	end := start + size
	if size == 0 || end > len(b.data) {
		return nil, false
	}
	out := make([]byte, size)
	copy(out, b.data[start:end])
	return out, true
}

// Scan walks the buffer front to back, returning the global offset of
// every record currently resident. A header whose size runs past the end
// of the buffer terminates the walk.
func (b *evictingBuffer) Scan() []uint64 {
	var out []uint64
	p := 0
	for p+4 <= len(b.data) {
		size := int(binary.LittleEndian.Uint32(b.data[p : p+4]))
		if size == 0 || p+4+size > len(b.data) {
			break
		}
		out = append(out, b.headOffset+uint64(p))
		p += 4 + size
	}
	return out
}

// Snapshot returns a copy of the buffer's raw bytes, suitable for
// persistence; Restore reloads from such a snapshot.
func (b *evictingBuffer) Snapshot() []byte {
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

func (b *evictingBuffer) Restore(data []byte) {
	b.data = append(b.data[:0], data...)
	b.headOffset = 0
}

func (b *evictingBuffer) Clear() {
	b.data = b.data[:0]
	b.headOffset = 0
}
