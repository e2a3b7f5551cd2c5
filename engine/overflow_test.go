package engine

import "testing"

func TestOverflowPoolAcquireConsumeRelease(t *testing.T) {
	p := newOverflowPool(1024, 2, 4)

	b := p.acquire([]byte("hello"))
	if got := p.stats(); got.Allocated != 1 || got.Posted != 1 {
		t.Fatalf("stats after acquire = %+v, want Allocated=1 Posted=1", got)
	}

	if done := b.consume(3); done {
		t.Fatal("consume(3) of a 5-byte buffer must not report done")
	}
	if done := b.consume(2); !done {
		t.Fatal("consume of the remaining bytes must report done")
	}

	p.release(b)
	got := p.stats()
	if got.Posted != 0 || got.Freed != 1 || got.Cached != 1 {
		t.Fatalf("stats after release = %+v, want Posted=0 Freed=1 Cached=1", got)
	}

	// A second acquire must reuse the cached buffer rather than allocating.
	b2 := p.acquire([]byte("world"))
	if p.stats().Allocated != 1 {
		t.Fatalf("acquire after release must reuse the cached buffer, allocated = %d", p.stats().Allocated)
	}
	if b2.linkRefs != 0 || b2.freed {
		t.Fatal("reused buffer must be reset before handing back out")
	}
}

func TestOverflowPoolReleaseIsIdempotent(t *testing.T) {
	p := newOverflowPool(1024, 0, 4)
	b := p.acquire([]byte("x"))
	p.release(b)
	p.release(b) // must not double count
	if got := p.stats().Freed; got != 1 {
		t.Fatalf("Freed = %d, want 1 after a repeated release", got)
	}
}

func TestOverflowPoolReplenishTopsUpToMinPosted(t *testing.T) {
	p := newOverflowPool(1024, 3, 8)
	fresh := p.replenish()
	if len(fresh) != 3 {
		t.Fatalf("replenish() returned %d buffers, want 3", len(fresh))
	}
	if got := p.stats().Posted; got != 3 {
		t.Fatalf("Posted = %d, want 3", got)
	}
	if more := p.replenish(); len(more) != 0 {
		t.Fatal("replenish() at minPosted must not allocate further")
	}
}

func TestOverflowBufferConsumeWaitsOnLinkRefs(t *testing.T) {
	p := newOverflowPool(1024, 0, 4)
	b := p.acquire([]byte("abc"))
	b.linkRefs = 1
	if done := b.consume(3); done {
		t.Fatal("consume must not report done while a deferred-table entry still references the buffer")
	}
	b.linkRefs = 0
	if done := b.consume(0); !done {
		t.Fatal("consume must report done once bytes are drained and linkRefs reaches zero")
	}
}
