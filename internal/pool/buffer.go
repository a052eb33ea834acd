// Package pool provides the pre-allocated buffer pool and the connection
// slab. Both are sized once at startup; the forwarding hot path allocates
// nothing.
package pool

import (
	"sync/atomic"

	"mytunnel/internal/metrics"
)

// Tier selects one of the three fixed buffer sizes.
type Tier int

const (
	Small  Tier = iota // 4 KB: headers and small packets
	Medium             // 16 KB: typical stream chunks
	Large              // 64 KB: large transfers and datagram reassembly
)

func (t Tier) Size() int {
	switch t {
	case Small:
		return 4096
	case Medium:
		return 16384
	default:
		return 65536
	}
}

func (t Tier) String() string {
	switch t {
	case Small:
		return "small"
	case Medium:
		return "medium"
	default:
		return "large"
	}
}

// TierForSize returns the smallest tier that fits n bytes.
func TierForSize(n int) Tier {
	switch {
	case n <= Small.Size():
		return Small
	case n <= Medium.Size():
		return Medium
	default:
		return Large
	}
}

// Buffer is a scoped handle to a pooled byte region. Release returns the
// region to its tier; use defer at the acquisition site. Contents are
// whatever the previous user left behind.
type Buffer struct {
	data []byte
	tier Tier
	pool *BufferPool
}

func (b *Buffer) Bytes() []byte { return b.data }
func (b *Buffer) Tier() Tier    { return b.tier }

func (b *Buffer) Release() {
	if b.pool == nil {
		return
	}
	p := b.pool
	b.pool = nil
	p.release(b.data, b.tier)
}

type tierState struct {
	free      chan []byte
	allocated atomic.Int64
	inUse     atomic.Int64
}

// BufferPool holds three bounded free lists, one per tier. The channels are
// the multi-producer/multi-consumer queues; acquisition never blocks.
type BufferPool struct {
	tiers [3]tierState
}

// NewBufferPool pre-allocates the configured number of regions per tier.
func NewBufferPool(smallCount, mediumCount, largeCount int) *BufferPool {
	p := &BufferPool{}
	counts := [3]int{smallCount, mediumCount, largeCount}

	for t := Small; t <= Large; t++ {
		ts := &p.tiers[t]
		ts.free = make(chan []byte, counts[t])
		for range counts[t] {
			ts.free <- make([]byte, t.Size())
		}
		ts.allocated.Store(int64(counts[t]))
	}
	return p
}

// Acquire pops a free region from the tier, or returns nil when the tier is
// drained.
func (p *BufferPool) Acquire(t Tier) *Buffer {
	ts := &p.tiers[t]
	select {
	case data := <-ts.free:
		ts.inUse.Add(1)
		metrics.M.BufferAcquired()
		return &Buffer{data: data, tier: t, pool: p}
	default:
		metrics.M.BufferMiss()
		return nil
	}
}

// AcquireOrAlloc falls back to a fresh allocation when the tier is drained.
// The overflow region joins the pool's accounting and returns to the free
// list on release while the list has room.
func (p *BufferPool) AcquireOrAlloc(t Tier) *Buffer {
	if b := p.Acquire(t); b != nil {
		return b
	}
	ts := &p.tiers[t]
	ts.allocated.Add(1)
	ts.inUse.Add(1)
	metrics.M.BufferAcquired()
	return &Buffer{data: make([]byte, t.Size()), tier: t, pool: p}
}

func (p *BufferPool) release(data []byte, t Tier) {
	ts := &p.tiers[t]
	ts.inUse.Add(-1)
	metrics.M.BufferReleased()
	select {
	case ts.free <- data:
	default:
		// Free list is at capacity: the region came from an overflow
		// allocation and leaves the pool's population.
		ts.allocated.Add(-1)
	}
}

// TierStats reports one tier's population.
type TierStats struct {
	Allocated int64 `json:"allocated"`
	InUse     int64 `json:"in_use"`
	Free      int   `json:"free"`
}

// Stats returns allocated-vs-in-use per tier.
func (p *BufferPool) Stats() map[string]TierStats {
	out := make(map[string]TierStats, 3)
	for t := Small; t <= Large; t++ {
		ts := &p.tiers[t]
		out[t.String()] = TierStats{
			Allocated: ts.allocated.Load(),
			InUse:     ts.inUse.Load(),
			Free:      len(ts.free),
		}
	}
	return out
}
