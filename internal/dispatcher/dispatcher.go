// Package dispatcher implements spec.md §4.G: an ordered list of
// pluggable protocol handlers, first-claim-wins, that turns a completed
// read into either a worker task or a follow-up overflow read. It
// generalizes the teacher's server/router.Route/Serve claim/serve split
// (server/router/router.go) into the spec's richer two-phase
// CanClaim/IsFrameComplete contract.
package dispatcher

import (
	"github.com/rs/zerolog"

	"github.com/s00inx/aioqserver/internal/callbackqueue"
	"github.com/s00inx/aioqserver/internal/conn"
	"github.com/s00inx/aioqserver/internal/workerpool"
)

// Handler is the contract every protocol implementation (HTTP and any
// future sibling) must satisfy.
type Handler interface {
	// CanClaim is a cheap signature probe on the first few bytes of
	// conn.ReadRing. It must not mutate conn.
	CanClaim(c *conn.Connection) bool

	// IsFrameComplete decides framing. It may set c.ParseResult and
	// c.BytesPending, and must not consume or alter ReadRing's readable
	// bytes; it may compact them (ringbuf.Ring.Compact), which moves
	// both cursors without changing what is readable.
	IsFrameComplete(c *conn.Connection) bool

	// Handle parses the completed frame and writes response bytes into
	// c.WriteRing. It runs on a worker goroutine.
	Handle(c *conn.Connection)

	// Name identifies the protocol this handler implements.
	Name() conn.TaskType
}

// ReactorOps is how the dispatcher hands control back to the reactor
// thread. Nothing in this package calls into the AIOQ directly — every
// reactor-side effect goes through one of these methods, preserving the
// single-owner submission rule of spec.md §5/§9.
type ReactorOps interface {
	ArmRead(c *conn.Connection)
	ArmWrite(c *conn.Connection)
	ArmOverflowRead(c *conn.Connection, size int)
	CloseConn(c *conn.Connection)
}

// BufferAllocator is the subset of the two-tier pool the dispatcher
// needs to size an overflow buffer for a not-yet-complete frame.
type BufferAllocator interface {
	AllocateBuffer(size int) []byte
}

const badRequestResponse = "HTTP/1.1 400 Bad Request\r\nConnection: close\r\nContent-Length: 0\r\n\r\n"

// Dispatcher holds the registration-ordered handler list and the
// collaborators it needs to move work off and back onto the reactor
// thread.
type Dispatcher struct {
	handlers []Handler
	fallback Handler

	workers *workerpool.Pool
	cbq     *callbackqueue.Queue
	buffers BufferAllocator
	reactor ReactorOps
	log     zerolog.Logger
}

// New constructs a Dispatcher. reactor may be nil in tests that only
// exercise claim/frame-complete logic without driving submissions.
func New(workers *workerpool.Pool, cbq *callbackqueue.Queue, buffers BufferAllocator, reactor ReactorOps, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		workers: workers,
		cbq:     cbq,
		buffers: buffers,
		reactor: reactor,
		log:     log,
	}
}

// SetReactor wires the reactor into the dispatcher after both have been
// constructed, breaking the otherwise-circular dependency (the reactor
// needs a *Dispatcher to call Dispatch; the dispatcher needs a
// ReactorOps to post callbacks to).
func (d *Dispatcher) SetReactor(reactor ReactorOps) {
	d.reactor = reactor
}

// Register appends h to the claim order. Registration order is
// significant: the first handler whose CanClaim returns true wins.
func (d *Dispatcher) Register(h Handler) {
	d.handlers = append(d.handlers, h)
}

// SetFallback installs the handler invoked when no registered handler
// claims a connection. Per spec.md §9's resolved Open Question, a
// dispatcher with no fallback installed rejects with 400 and closes.
func (d *Dispatcher) SetFallback(h Handler) {
	d.fallback = h
}

// Dispatch runs the claim → frame-complete → (worker submit | overflow
// arm) pipeline for one connection. It is called by the reactor after a
// read completes, and again after an overflow read completes. It
// returns false only when no handler (including the fallback) claimed
// the connection, in which case the connection is already being closed.
func (d *Dispatcher) Dispatch(c *conn.Connection) bool {
	h := d.claim(c)
	if h == nil {
		d.rejectUnclaimed(c)
		return false
	}
	c.TaskType = h.Name()

	if h.IsFrameComplete(c) {
		d.submitWork(c, h)
		return true
	}
	d.armOverflow(c)
	return true
}

func (d *Dispatcher) claim(c *conn.Connection) Handler {
	for _, h := range d.handlers {
		if h.CanClaim(c) {
			return h
		}
	}
	return d.fallback
}

func (d *Dispatcher) submitWork(c *conn.Connection, h Handler) {
	err := d.workers.SubmitWithCallback(h.Handle, c, func(cn *conn.Connection) {
		d.onHandleComplete(cn)
	})
	if err != nil {
		d.log.Error().Err(err).Int("fd", c.Fd).Msg("dispatcher: worker submission failed")
		d.cbq.Push(callbackqueue.Item{
			Conn:     c,
			Priority: callbackqueue.High,
			Cb:       func() { d.reactor.CloseConn(c) },
		})
	}
}

// onHandleComplete runs on the worker goroutine that just ran
// Handler.Handle. It must not touch the AIOQ itself — it only posts a
// callback for the reactor thread to drain, which is the fix for the
// critical race spec.md §5/§9 call out in the source.
func (d *Dispatcher) onHandleComplete(c *conn.Connection) {
	d.cbq.Push(callbackqueue.Item{
		Conn:     c,
		Priority: callbackqueue.Normal,
		Cb: func() {
			if c.WriteRing.ReadableSize() > 0 {
				d.reactor.ArmWrite(c)
				return
			}
			if c.CloseAfterWrite {
				d.reactor.CloseConn(c)
				return
			}
			// A pipelined follow-up frame may already be sitting in
			// ReadRing from the read that delivered this one; the
			// socket won't signal EPOLLIN for bytes it already handed
			// over, so dispatch straight from the ring instead of
			// arming a kernel read that would never fire (spec.md §8
			// scenario 6).
			if c.ReadRing.ReadableSize() > 0 {
				d.Dispatch(c)
				return
			}
			d.reactor.ArmRead(c)
		},
	})
}

// armOverflow handles an incomplete frame: it allocates an overflow
// buffer sized to c.BytesPending and posts a callback that arms a
// follow-up read into it.
func (d *Dispatcher) armOverflow(c *conn.Connection) {
	if c.BytesPending <= 0 {
		d.cbq.Push(callbackqueue.Item{
			Conn:     c,
			Priority: callbackqueue.Normal,
			Cb:       func() { d.reactor.ArmRead(c) },
		})
		return
	}

	buf := d.buffers.AllocateBuffer(c.BytesPending)
	if buf == nil {
		d.log.Error().Int("fd", c.Fd).Int("bytes_pending", c.BytesPending).Msg("dispatcher: overflow buffer exhausted")
		d.cbq.Push(callbackqueue.Item{
			Conn:     c,
			Priority: callbackqueue.High,
			Cb:       func() { d.reactor.CloseConn(c) },
		})
		return
	}
	c.Overflow = buf
	c.OverflowAlloc = buf
	c.OverflowInUse = true

	d.cbq.Push(callbackqueue.Item{
		Conn:     c,
		Priority: callbackqueue.Normal,
		Cb:       func() { d.reactor.ArmOverflowRead(c, len(buf)) },
	})
}

// rejectUnclaimed implements the resolved Open Question of spec.md §9:
// no handler claimed the bytes, so the connection gets a fixed 400 body
// and is closed once it drains, instead of hanging forever unclaimed.
func (d *Dispatcher) rejectUnclaimed(c *conn.Connection) {
	c.ParseResult = conn.InvalidFormat
	dst := c.WriteRing.WriteTail()
	n := copy(dst, badRequestResponse)
	c.WriteRing.WriteData(n)
	c.CloseAfterWrite = true

	d.cbq.Push(callbackqueue.Item{
		Conn:     c,
		Priority: callbackqueue.High,
		Cb:       func() { d.reactor.ArmWrite(c) },
	})
}
