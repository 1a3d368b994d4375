// Package ringbuf implements the fixed-capacity, lock-free single-producer /
// single-consumer byte ring used as each connection's read and write
// staging area.
package ringbuf

import "sync/atomic"

// Ring is a fixed-capacity SPSC byte ring buffer. One slot is always kept
// reserved so that a full buffer and an empty buffer never share the same
// head==tail encoding. head and tail only increase, except when Compact
// or Clear resets them, and are reduced modulo Capacity when indexing
// into buf.
//
// Exactly one goroutine may call the Write* methods and exactly one
// goroutine may call the Read* methods at a time; that discipline is the
// caller's responsibility.
type Ring struct {
	buf  []byte
	cap  uint64
	head atomic.Uint64 // consumer-owned read cursor
	tail atomic.Uint64 // producer-owned write cursor
}

// New returns an empty ring with the given byte capacity. capacity must be
// at least 2, since one slot is reserved to disambiguate full from empty.
func New(capacity int) *Ring {
	if capacity < 2 {
		panic("ringbuf: capacity must be >= 2")
	}
	return &Ring{
		buf: make([]byte, capacity),
		cap: uint64(capacity),
	}
}

// Capacity returns the ring's total byte capacity, including the reserved
// disambiguation slot.
func (r *Ring) Capacity() int {
	return int(r.cap)
}

// ReadableSize returns the number of bytes available to read.
func (r *Ring) ReadableSize() int {
	tail := r.tail.Load()
	head := r.head.Load()
	return int(tail - head)
}

// WritableSize returns the number of bytes that can be written without
// overwriting unread data.
func (r *Ring) WritableSize() int {
	return int(r.cap) - 1 - r.ReadableSize()
}

// WriteTail returns a contiguous slice at the current write cursor. Its
// length is at most WritableSize(), and may be shorter when the writable
// region wraps past the end of the backing array — callers that need more
// than one contiguous segment must call WriteTail/WriteData twice.
func (r *Ring) WriteTail() []byte {
	writable := r.WritableSize()
	if writable == 0 {
		return nil
	}
	idx := r.tail.Load() % r.cap
	contiguous := int(r.cap) - int(idx)
	if contiguous > writable {
		contiguous = writable
	}
	return r.buf[idx : idx+uint64(contiguous)]
}

// WriteData publishes k bytes previously copied into the slice returned by
// WriteTail, advancing the write cursor. It fails without mutating state
// when k exceeds the writable size. k == 0 is a no-op that succeeds.
func (r *Ring) WriteData(k int) bool {
	if k < 0 || k > r.WritableSize() {
		return false
	}
	if k == 0 {
		return true
	}
	r.tail.Add(uint64(k))
	return true
}

// ReadHead returns a contiguous slice at the current read cursor. Its
// length is at most ReadableSize(), and may be shorter when the readable
// region wraps past the end of the backing array.
func (r *Ring) ReadHead() []byte {
	readable := r.ReadableSize()
	if readable == 0 {
		return nil
	}
	idx := r.head.Load() % r.cap
	contiguous := int(r.cap) - int(idx)
	if contiguous > readable {
		contiguous = readable
	}
	return r.buf[idx : idx+uint64(contiguous)]
}

// ReadData consumes k bytes previously read from the slice returned by
// ReadHead, advancing the read cursor. It fails without mutating state when
// k exceeds the readable size. k == 0 is a no-op that succeeds.
func (r *Ring) ReadData(k int) bool {
	if k < 0 || k > r.ReadableSize() {
		return false
	}
	if k == 0 {
		return true
	}
	r.head.Add(uint64(k))
	return true
}

// PeekAll returns the readable bytes as (at most) two contiguous segments,
// without consuming them. seg2 is non-empty only when the readable region
// wraps past the end of the backing array. Callers that need a single
// contiguous view (e.g. scanning for a delimiter across the wrap boundary)
// either work against both segments directly or call Compact first.
func (r *Ring) PeekAll() (seg1, seg2 []byte) {
	readable := r.ReadableSize()
	if readable == 0 {
		return nil, nil
	}
	idx := r.head.Load() % r.cap
	first := int(r.cap) - int(idx)
	if first >= readable {
		return r.buf[idx : idx+uint64(readable)], nil
	}
	return r.buf[idx:r.cap], r.buf[:uint64(readable-first)]
}

// Compact copies all readable bytes to the start of the backing array so
// that a subsequent WriteTail/ReadHead call sees one contiguous region. It
// is only safe to call when the caller holds both the read and write
// cursors uncontended (no concurrent producer/consumer), since it rewrites
// both cursors.
func (r *Ring) Compact() {
	seg1, seg2 := r.PeekAll()
	n := len(seg1) + len(seg2)
	if n == 0 || (len(seg2) == 0 && r.head.Load()%r.cap == 0) {
		return
	}
	tmp := make([]byte, n)
	copy(tmp, seg1)
	copy(tmp[len(seg1):], seg2)
	copy(r.buf, tmp)
	r.head.Store(0)
	r.tail.Store(uint64(n))
}

// Clear resets the ring to empty. It is only valid to call when no reader
// or writer holds an outstanding view into the buffer (typically once the
// connection's request/response cycle has fully drained).
func (r *Ring) Clear() {
	r.head.Store(0)
	r.tail.Store(0)
}
