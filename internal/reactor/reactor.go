// Package reactor implements spec.md §4.I's AIOQ: a single-threaded
// submission/completion loop, owning every socket operation for every
// connection it manages. It generalizes the teacher's
// server/engine/epoll.go StartEpoll loop — the same epoll_create1 /
// EPOLLONESHOT re-arm discipline — into the full per-connection state
// machine (Accepting/Reading/Writing/Closing) spec.md §4.H describes,
// with writes driven by EPOLLOUT readiness instead of the teacher's
// synchronous syscall.Write.
//
// Because epoll reports readiness rather than literal completions, an
// "AIOQ completion" here means: the fd became ready, so the reactor
// performs the read/write itself and treats the result as the
// completion payload a real io_uring would have delivered. This keeps
// the single-owner invariant of spec.md §5 intact regardless: only
// this goroutine ever calls epoll_wait/epoll_ctl.
package reactor

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/s00inx/aioqserver/internal/callbackqueue"
	"github.com/s00inx/aioqserver/internal/conn"
	"github.com/s00inx/aioqserver/internal/dispatcher"
)

const (
	maxEvents    = 128
	acceptPrearm = 10 // spec.md §4.I: pre-arm this many Accepts worth of backlog headroom
)

// Pools is the subset of the two-tier pool the reactor needs for
// connection-record lifecycle.
type Pools interface {
	AcquireConnection() *conn.Connection
	ReleaseConnection(c *conn.Connection)
	DeallocateBuffer(buf []byte) bool
}

// Reactor owns one epoll instance, the listening socket, and every
// connection fd registered on it. It implements dispatcher.ReactorOps
// so the dispatcher can hand control back without ever touching epoll
// itself.
type Reactor struct {
	epfd     int
	listenFd int

	conns           []*conn.Connection
	overflowPos     []int // bytes already read into a connection's overflow buffer
	readingOverflow []bool

	pools Pools
	disp  *dispatcher.Dispatcher
	cbq   *callbackqueue.Queue
	log   zerolog.Logger

	readCap, writeCap int
}

// New creates a reactor bound to an already-listening, non-blocking fd
// (supplied by the caller per spec.md §6: DNS/TLS/port binding are
// outside this package's scope).
func New(listenFd int, pools Pools, disp *dispatcher.Dispatcher, cbq *callbackqueue.Queue, readCap, writeCap, maxConns int, log zerolog.Logger) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, listenFd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(listenFd),
	}); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("reactor: epoll_ctl(listen): %w", err)
	}

	tableSize := maxConns + acceptPrearm + 1
	return &Reactor{
		epfd:            epfd,
		listenFd:        listenFd,
		conns:           make([]*conn.Connection, tableSize),
		overflowPos:     make([]int, tableSize),
		readingOverflow: make([]bool, tableSize),
		pools:           pools,
		disp:            disp,
		cbq:             cbq,
		log:             log,
		readCap:         readCap,
		writeCap:        writeCap,
	}, nil
}

// Run blocks, draining the completion queue and the callback queue
// every iteration, until ctx is cancelled or a fatal epoll_wait error
// occurs (spec.md §4.I's main loop, §7's Fatal error class).
func (r *Reactor) Run(ctx context.Context) error {
	events := make([]unix.EpollEvent, maxEvents)
	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := unix.EpollWait(r.epfd, events, 100)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("reactor: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			r.handleEvent(events[i])
		}

		r.drainCallbacks()
	}
}

// drainCallbacks runs spec.md §4.I step 3: pop every pending callback
// posted by a worker's completion handler and run it here, on the
// reactor thread, since those callbacks are the only place submissions
// (ArmRead/ArmWrite/ArmOverflowRead/CloseConn) are allowed to happen.
func (r *Reactor) drainCallbacks() {
	for {
		item, ok := r.cbq.TryPop()
		if !ok {
			return
		}
		item.Cb()
	}
}

func (r *Reactor) handleEvent(ev unix.EpollEvent) {
	fd := int(ev.Fd)
	if fd == r.listenFd {
		r.acceptLoop()
		return
	}

	if fd < 0 || fd >= len(r.conns) || r.conns[fd] == nil {
		return
	}
	c := r.conns[fd]

	if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		r.CloseConn(c)
		return
	}
	if ev.Events&unix.EPOLLOUT != 0 {
		r.handleWritable(c)
		return
	}
	if ev.Events&unix.EPOLLIN != 0 {
		r.handleReadable(c)
	}
}

// acceptLoop accepts up to acceptPrearm connections per listener event,
// stopping early at EAGAIN, in place of spec.md §4.I's "pre-arm 10
// Accept submissions" rather than literally queueing ten SQEs. The
// listener is registered level-triggered, so a backlog left after those
// acceptPrearm accepts is reported again by the next epoll_wait.
func (r *Reactor) acceptLoop() {
	for i := 0; i < acceptPrearm; i++ {
		nfd, _, err := unix.Accept(r.listenFd)
		if err != nil {
			if !errors.Is(err, unix.EAGAIN) {
				r.log.Error().Err(err).Msg("reactor: accept failed")
			}
			return
		}

		if err := unix.SetNonblock(nfd, true); err != nil {
			unix.Close(nfd)
			continue
		}

		c := r.pools.AcquireConnection()
		if c == nil {
			r.log.Warn().Msg("reactor: connection slab exhausted, dropping accept")
			unix.Close(nfd)
			continue
		}
		c.EnsureRings(r.readCap, r.writeCap)
		c.Fd = nfd
		c.SetState(conn.Reading)

		if nfd >= len(r.conns) {
			r.growTables(nfd + 1)
		}
		r.conns[nfd] = c
		r.overflowPos[nfd] = 0
		r.readingOverflow[nfd] = false

		// Register the new descriptor with epoll before arming any
		// read/write on it, mirroring the teacher's server/engine/
		// epoll.go accept loop ("adding new descriptor to epoll").
		// rearm only ever issues EPOLL_CTL_MOD, which fails with ENOENT
		// on an fd that was never added.
		if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, nfd, &unix.EpollEvent{
			Events: unix.EPOLLIN | unix.EPOLLONESHOT,
			Fd:     int32(nfd),
		}); err != nil {
			r.log.Error().Err(err).Int("fd", nfd).Msg("reactor: epoll_ctl(add) failed")
			unix.Close(nfd)
			r.conns[nfd] = nil
			r.pools.ReleaseConnection(c)
			continue
		}
	}
}

func (r *Reactor) growTables(size int) {
	conns := make([]*conn.Connection, size)
	copy(conns, r.conns)
	r.conns = conns

	pos := make([]int, size)
	copy(pos, r.overflowPos)
	r.overflowPos = pos

	flags := make([]bool, size)
	copy(flags, r.readingOverflow)
	r.readingOverflow = flags
}

func (r *Reactor) handleReadable(c *conn.Connection) {
	if r.readingOverflow[c.Fd] {
		r.readOverflow(c)
		return
	}

	dst := c.ReadRing.WriteTail()
	if len(dst) == 0 {
		// Ring is full but no handler has claimed/drained it; nothing
		// productive to read right now.
		return
	}
	n, err := unix.Read(c.Fd, dst)
	switch {
	case n > 0:
		c.ReadRing.WriteData(n)
		c.BytesReadTotal += uint64(n)
		r.disp.Dispatch(c)
	case n == 0:
		r.CloseConn(c)
	case errors.Is(err, unix.EAGAIN):
		r.ArmRead(c)
	default:
		r.log.Error().Err(err).Int("fd", c.Fd).Msg("reactor: read failed")
		r.CloseConn(c)
	}
}

func (r *Reactor) readOverflow(c *conn.Connection) {
	pos := r.overflowPos[c.Fd]
	n, err := unix.Read(c.Fd, c.Overflow[pos:])
	switch {
	case n > 0:
		pos += n
		r.overflowPos[c.Fd] = pos
		c.BytesReadTotal += uint64(n)
		if pos >= c.BytesPending {
			r.readingOverflow[c.Fd] = false
			r.disp.Dispatch(c)
			return
		}
		r.ArmRead(c)
	case n == 0:
		r.CloseConn(c)
	case errors.Is(err, unix.EAGAIN):
		r.ArmRead(c)
	default:
		r.log.Error().Err(err).Int("fd", c.Fd).Msg("reactor: overflow read failed")
		r.CloseConn(c)
	}
}

func (r *Reactor) handleWritable(c *conn.Connection) {
	if c.WriteRing.ReadableSize() == 0 {
		r.refillWriteRingFromOverflow(c)
		if c.WriteRing.ReadableSize() == 0 {
			r.finishWrite(c)
			return
		}
	}

	seg := c.WriteRing.ReadHead()
	n, err := unix.Write(c.Fd, seg)
	switch {
	case n > 0:
		c.WriteRing.ReadData(n)
		if c.WriteRing.ReadableSize() > 0 || c.OverflowInUse {
			r.ArmWrite(c)
			return
		}
		r.finishWrite(c)
	case errors.Is(err, unix.EAGAIN):
		r.ArmWrite(c)
	default:
		r.log.Error().Err(err).Int("fd", c.Fd).Msg("reactor: write failed")
		r.CloseConn(c)
	}
}

// refillWriteRingFromOverflow copies as much of a write-spillover
// overflow buffer as fits back into WriteRing, returning the overflow
// allocation to the buddy pool once it has been fully drained into the
// ring (spec.md §8 invariant 3: every AllocateBuffer is matched by a
// DeallocateBuffer). Overflow is resliced from the front as it drains,
// which moves its base pointer away from the one the buddy pool handed
// out, so the original allocation is deallocated via OverflowAlloc
// rather than the shrinking Overflow slice.
func (r *Reactor) refillWriteRingFromOverflow(c *conn.Connection) {
	if !c.OverflowInUse || len(c.Overflow) == 0 {
		return
	}
	dst := c.WriteRing.WriteTail()
	n := copy(dst, c.Overflow)
	c.WriteRing.WriteData(n)
	c.Overflow = c.Overflow[n:]
	c.BytesPending = len(c.Overflow)
	if len(c.Overflow) == 0 {
		r.pools.DeallocateBuffer(c.OverflowAlloc)
		c.OverflowAlloc = nil
		c.OverflowInUse = false
	}
}

// finishWrite runs once WriteRing (and any overflow feeding it) has
// fully drained. Per spec.md §8 scenario 6, a pipelined second frame
// can already be sitting in ReadRing from the same unix.Read that
// delivered the first one — the socket itself has nothing new to
// report, so arming a fresh EPOLLIN would wait forever for a read that
// will never become ready. Dispatch it straight from the ring instead;
// a third, fourth, ... pipelined frame keeps unwinding the same way
// each time its predecessor's write drains.
func (r *Reactor) finishWrite(c *conn.Connection) {
	if c.CloseAfterWrite {
		r.CloseConn(c)
		return
	}
	if c.ReadRing.ReadableSize() > 0 {
		r.disp.Dispatch(c)
		return
	}
	r.ArmRead(c)
}

// ArmRead implements dispatcher.ReactorOps.
func (r *Reactor) ArmRead(c *conn.Connection) {
	c.SetState(conn.Reading)
	r.readingOverflow[c.Fd] = false
	r.rearm(c.Fd, unix.EPOLLIN)
}

// ArmWrite implements dispatcher.ReactorOps.
func (r *Reactor) ArmWrite(c *conn.Connection) {
	c.SetState(conn.Writing)
	r.rearm(c.Fd, unix.EPOLLOUT)
}

// ArmOverflowRead implements dispatcher.ReactorOps: arms a read that
// lands in c.Overflow (already sized by the dispatcher) instead of
// c.ReadRing, for a frame that outgrew the ring in one contiguous pass.
func (r *Reactor) ArmOverflowRead(c *conn.Connection, size int) {
	c.SetState(conn.Reading)
	r.overflowPos[c.Fd] = 0
	r.readingOverflow[c.Fd] = true
	r.rearm(c.Fd, unix.EPOLLIN)
}

// CloseConn implements dispatcher.ReactorOps: tears down the fd and
// returns the connection record to the slab pool.
func (r *Reactor) CloseConn(c *conn.Connection) {
	c.SetState(conn.Closing)
	fd := c.Fd
	if fd >= 0 && fd < len(r.conns) {
		unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		r.conns[fd] = nil
	}
	unix.Close(fd)

	if c.OverflowInUse && c.OverflowAlloc != nil {
		r.pools.DeallocateBuffer(c.OverflowAlloc)
	}
	c.Reset()
	r.pools.ReleaseConnection(c)
}

func (r *Reactor) rearm(fd int, events uint32) {
	err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: events | unix.EPOLLONESHOT,
		Fd:     int32(fd),
	})
	if err != nil {
		r.log.Error().Err(err).Int("fd", fd).Msg("reactor: epoll_ctl re-arm failed")
	}
}

// Close releases the reactor's own epoll fd. Connections already
// registered on it are not individually closed; call CloseConn for
// each still-open connection before calling Close during shutdown.
func (r *Reactor) Close() error {
	return unix.Close(r.epfd)
}
