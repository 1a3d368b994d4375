// Package twotier unifies the slab object pool (connection records) and
// the buddy buffer pool (overflow buffers) behind one acquire/release
// surface, per spec.md §4.D.
package twotier

import (
	"github.com/s00inx/aioqserver/internal/conn"
	"github.com/s00inx/aioqserver/internal/pool/buddy"
	"github.com/s00inx/aioqserver/internal/pool/slab"
)

// Health is the composite verdict of HealthCheck.
type Health int

const (
	Healthy Health = iota
	LowMemory
	HighFragmentation
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case LowMemory:
		return "low_memory"
	case HighFragmentation:
		return "high_fragmentation"
	default:
		return "unknown"
	}
}

// Status is a composite snapshot of both tiers.
type Status struct {
	Connections slab.Stats
	BufferBytes int
	Fragmented  int // legacy source formula, see buddy.Pool.Fragmentation
}

// Pool is the façade spec.md §4.D describes: acquire_connection /
// release_connection delegate to the slab pool, allocate_buffer /
// deallocate_buffer delegate to the buddy pool.
type Pool struct {
	connections *slab.Pool[conn.Connection]
	buffers     *buddy.Pool

	lowMemoryThreshold    int
	highFragmentThreshold int
}

// Config bundles the construction parameters for both tiers, mirroring
// spec.md §6's configuration constants.
type Config struct {
	MaxConnections int
	BuddyPoolBytes int
	BuddyMinBlock  int

	// Health thresholds; zero values fall back to sensible defaults.
	LowMemoryThresholdBytes  int
	HighFragmentationPercent int
}

// New constructs a two-tier pool. MaxConnections is rounded up to a whole
// number of 64-object slabs; the slab pool keeps at least two slabs, so
// the connection cap is never below 128.
func New(cfg Config) *Pool {
	maxSlabs := (cfg.MaxConnections + 63) / 64
	low := cfg.LowMemoryThresholdBytes
	if low == 0 {
		low = cfg.BuddyPoolBytes / 10
	}
	highFrag := cfg.HighFragmentationPercent
	if highFrag == 0 {
		highFrag = 50
	}
	return &Pool{
		connections:           slab.New[conn.Connection](maxSlabs),
		buffers:               buddy.New(cfg.BuddyPoolBytes, cfg.BuddyMinBlock),
		lowMemoryThreshold:    low,
		highFragmentThreshold: highFrag,
	}
}

// AcquireConnection hands out a connection record, or nil when the slab
// pool has exhausted its configured cap.
func (p *Pool) AcquireConnection() *conn.Connection {
	return p.connections.Acquire()
}

// ReleaseConnection returns a connection record to the slab pool.
func (p *Pool) ReleaseConnection(c *conn.Connection) {
	p.connections.Release(c)
}

// AllocateBuffer hands out a zeroed overflow buffer of at least size
// bytes, or nil when the buddy pool cannot satisfy the request.
func (p *Pool) AllocateBuffer(size int) []byte {
	return p.buffers.Allocate(size)
}

// DeallocateBuffer returns an overflow buffer to the buddy pool.
func (p *Pool) DeallocateBuffer(buf []byte) bool {
	return p.buffers.Deallocate(buf)
}

// Status returns a composite snapshot of both tiers.
func (p *Pool) Status() Status {
	return Status{
		Connections: p.connections.Stats(),
		BufferBytes: p.buffers.Available(),
		Fragmented:  p.buffers.Fragmentation(),
	}
}

// HealthCheck classifies the pool's current condition.
func (p *Pool) HealthCheck() Health {
	if p.buffers.Available() < p.lowMemoryThreshold {
		return LowMemory
	}
	if p.buffers.Fragmentation() > p.highFragmentThreshold {
		return HighFragmentation
	}
	return Healthy
}
