package pool

import "testing"

func TestBufferPoolAcquireRelease(t *testing.T) {
	p := NewBufferPool(10, 5, 2)

	b := p.Acquire(Small)
	if b == nil {
		t.Fatal("Acquire returned nil with buffers free")
	}
	if len(b.Bytes()) != 4096 {
		t.Errorf("small buffer len = %d, want 4096", len(b.Bytes()))
	}

	stats := p.Stats()
	if stats["small"].InUse != 1 {
		t.Errorf("small in_use = %d, want 1", stats["small"].InUse)
	}

	b.Release()
	stats = p.Stats()
	if stats["small"].InUse != 0 {
		t.Errorf("small in_use after release = %d, want 0", stats["small"].InUse)
	}
	if stats["small"].Free != 10 {
		t.Errorf("small free after release = %d, want 10", stats["small"].Free)
	}
}

func TestBufferPoolExhaustion(t *testing.T) {
	p := NewBufferPool(2, 1, 1)

	b1 := p.Acquire(Small)
	b2 := p.Acquire(Small)
	if b1 == nil || b2 == nil {
		t.Fatal("initial acquires failed")
	}

	if b := p.Acquire(Small); b != nil {
		t.Fatal("Acquire on drained tier should return nil")
	}

	b3 := p.AcquireOrAlloc(Small)
	if b3 == nil {
		t.Fatal("AcquireOrAlloc returned nil")
	}

	stats := p.Stats()
	if stats["small"].Allocated != 3 {
		t.Errorf("allocated after overflow = %d, want 3", stats["small"].Allocated)
	}
	if stats["small"].InUse != 3 {
		t.Errorf("in_use = %d, want 3", stats["small"].InUse)
	}

	// Releasing all three: two fit the free list, the overflow region is
	// dropped and leaves the population.
	b1.Release()
	b2.Release()
	b3.Release()

	stats = p.Stats()
	if stats["small"].Allocated != 2 {
		t.Errorf("allocated after releases = %d, want 2", stats["small"].Allocated)
	}
	if stats["small"].Free != 2 {
		t.Errorf("free after releases = %d, want 2", stats["small"].Free)
	}
}

func TestBufferPoolAccountingInvariant(t *testing.T) {
	p := NewBufferPool(4, 2, 1)

	check := func(when string) {
		t.Helper()
		for _, tier := range []Tier{Small, Medium, Large} {
			s := p.Stats()[tier.String()]
			if s.InUse+int64(s.Free) != s.Allocated {
				t.Errorf("%s: tier %s: in_use(%d) + free(%d) != allocated(%d)",
					when, tier, s.InUse, s.Free, s.Allocated)
			}
		}
	}

	check("initial")

	var bufs []*Buffer
	for range 6 {
		bufs = append(bufs, p.AcquireOrAlloc(Small))
	}
	check("after overflow acquires")

	for _, b := range bufs {
		b.Release()
	}
	check("after releases")
}

func TestBufferReleaseIncrementsQueueByOne(t *testing.T) {
	p := NewBufferPool(4, 2, 1)

	b := p.Acquire(Medium)
	before := p.Stats()["medium"].Free
	b.Release()
	after := p.Stats()["medium"].Free

	if after != before+1 {
		t.Errorf("free list grew by %d, want 1", after-before)
	}

	// Double release is a no-op.
	b.Release()
	if got := p.Stats()["medium"].Free; got != after {
		t.Errorf("double release changed free list: %d -> %d", after, got)
	}
}

func TestTierForSize(t *testing.T) {
	cases := []struct {
		n    int
		want Tier
	}{
		{0, Small},
		{4096, Small},
		{4097, Medium},
		{16384, Medium},
		{16385, Large},
		{65536, Large},
		{100_000, Large},
	}
	for _, c := range cases {
		if got := TierForSize(c.n); got != c.want {
			t.Errorf("TierForSize(%d) = %v, want %v", c.n, got, c.want)
		}
	}
}
