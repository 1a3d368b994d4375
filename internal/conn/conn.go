// Package conn defines the per-connection record shared by the reactor,
// the dispatcher, and protocol handlers, per spec.md §3.
package conn

import (
	"sync/atomic"

	"github.com/s00inx/aioqserver/internal/ringbuf"
)

// State is the connection's position in the state machine of spec.md
// §4.H. It is read and written atomically since the reactor transitions it
// between submission and completion while a worker may be inspecting it.
type State int32

const (
	Accepting State = iota
	Reading
	Writing
	Closing
)

func (s State) String() string {
	switch s {
	case Accepting:
		return "accepting"
	case Reading:
		return "reading"
	case Writing:
		return "writing"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// TaskType is the last protocol tag the dispatcher classified this
// connection's bytes as.
type TaskType int32

const (
	TaskUnknown TaskType = iota
	TaskHTTP
	TaskFile
	TaskChat
)

// ParseResult is the handler's verdict on the current frame.
type ParseResult int32

const (
	NeedMore ParseResult = iota
	Complete
	InvalidFormat
	ChunkedUnsupported
)

// Connection is the unit of per-client state, per spec.md §3. It is
// recycled through a slab pool (internal/pool/slab): Fd and PeerAddr are
// set on Accept, ReadRing/WriteRing are allocated once and cleared (not
// reallocated) on every reuse, and Overflow is released back to the
// buddy pool before the record returns to its slab.
type Connection struct {
	Fd       int
	PeerAddr string

	state atomic.Int32

	ReadRing  *ringbuf.Ring
	WriteRing *ringbuf.Ring

	// Overflow holds the buddy-pool allocation backing a request body that
	// outgrew ReadRing in one contiguous pass, or a response that outgrew
	// WriteRing. OverflowInUse distinguishes "no overflow needed" from
	// "overflow allocated but not yet armed." Draining a write overflow
	// into WriteRing reslices Overflow from the front as bytes leave it,
	// which moves its base pointer; OverflowAlloc keeps the pool's
	// original allocation around so it can still be handed back to
	// DeallocateBuffer once Overflow is fully drained.
	Overflow      []byte
	OverflowAlloc []byte
	OverflowInUse bool
	BytesPending  int

	TaskType    TaskType
	ParseResult ParseResult

	// CloseAfterWrite tells the reactor to close the connection once
	// WriteRing drains, instead of re-arming a read. Set by a handler or
	// the dispatcher's fallback path for 400/501 responses (spec.md §7).
	CloseAfterWrite bool

	// Accounting for spec.md §8 invariant 4: bytes the kernel reported on
	// reads, versus bytes a handler has consumed out of ReadRing.
	BytesReadTotal     uint64
	BytesConsumedTotal uint64
}

// EnsureRings allocates ReadRing/WriteRing on first use; subsequent reuse
// of the same slab slot reuses the existing rings via Reset.
func (c *Connection) EnsureRings(readCap, writeCap int) {
	if c.ReadRing == nil {
		c.ReadRing = ringbuf.New(readCap)
	}
	if c.WriteRing == nil {
		c.WriteRing = ringbuf.New(writeCap)
	}
}

// Reset clears a connection record for reuse from the slab pool. It does
// not discard the ring buffers themselves, only their contents.
func (c *Connection) Reset() {
	c.Fd = 0
	c.PeerAddr = ""
	c.state.Store(int32(Accepting))
	if c.ReadRing != nil {
		c.ReadRing.Clear()
	}
	if c.WriteRing != nil {
		c.WriteRing.Clear()
	}
	c.Overflow = nil
	c.OverflowAlloc = nil
	c.OverflowInUse = false
	c.BytesPending = 0
	c.TaskType = TaskUnknown
	c.ParseResult = NeedMore
	c.CloseAfterWrite = false
	c.BytesReadTotal = 0
	c.BytesConsumedTotal = 0
}

// State returns the connection's current state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// SetState transitions the connection's state.
func (c *Connection) SetState(s State) {
	c.state.Store(int32(s))
}
