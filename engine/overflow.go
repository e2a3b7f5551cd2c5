package engine

// overflowBuffer models the NIC's accounting for one unexpected-message
// landing. The payload bytes themselves travel inline on the triggering
// nic.Event (Event.Payload) rather than through
// shared address-keyed storage, since the core has no mechanism to share
// buffer identity with whatever implements nic.CommandQueue; this buffer
// exists purely to size and count the resources the pool hands out and
// replenishes, not to hold the bytes itself.
type overflowBuffer struct {
	payload        []byte
	remainingBytes int // bytes not yet consumed by ux_send
	linkRefs       int // deferred-table entries still referencing this buffer
	pool           *overflowPool
	freed          bool
}

// consume records that n bytes previously delivered by this buffer have
// now been copied into a receive buffer. It returns true once every byte
// has been consumed and no deferred entry
// still references the buffer, at which point the caller must call
// pool.release.
func (b *overflowBuffer) consume(n int) bool {
	b.remainingBytes -= n
	if b.remainingBytes < 0 {
		b.remainingBytes = 0
	}
	return b.remainingBytes == 0 && b.linkRefs == 0
}

// overflowPool implements C4: tracks unexpected-message landing
// buffers and replenishes them under NIC pressure. bufSize is kept from the
// configuration but is not consulted: each buffer this pool hands out is
// sized to the message it is accounting for.
type overflowPool struct {
	bufSize   int
	minPosted int
	maxCached int

	posted []*overflowBuffer
	cached []*overflowBuffer

	allocated  int
	freedCount int
}

func newOverflowPool(bufSize, minPosted, maxCached int) *overflowPool {
	return &overflowPool{
		bufSize:   bufSize,
		minPosted: minPosted,
		maxCached: maxCached,
	}
}

// acquire returns a buffer accounting for a landed message carrying
// payload, reusing a cached record if available.
func (p *overflowPool) acquire(payload []byte) *overflowBuffer {
	var b *overflowBuffer
	if n := len(p.cached); n > 0 {
		b = p.cached[n-1]
		p.cached = p.cached[:n-1]
		b.linkRefs = 0
		b.freed = false
	} else {
		b = &overflowBuffer{pool: p}
		p.allocated++
	}
	b.payload = payload
	b.remainingBytes = len(payload)
	p.posted = append(p.posted, b)
	return b
}

// replenish is called whenever a buffer auto-unlinks due to exhaustion.
// It tops the posted count back up to minPosted.
func (p *overflowPool) replenish() []*overflowBuffer {
	var fresh []*overflowBuffer
	for p.postedCount() < p.minPosted {
		fresh = append(fresh, p.acquire(nil))
	}
	return fresh
}

func (p *overflowPool) postedCount() int {
	n := 0
	for _, b := range p.posted {
		if !b.freed {
			n++
		}
	}
	return n
}

// release returns b to the cache (bounded by maxCached) or discards it,
// once b.consume has reported it fully drained. It also removes b from
// p.posted if b is still listed there.
func (p *overflowPool) release(b *overflowBuffer) {
	if b == nil || b.freed {
		return
	}
	b.freed = true
	b.payload = nil
	p.freedCount++
	for i, posted := range p.posted {
		if posted == b {
			p.posted = append(p.posted[:i], p.posted[i+1:]...)
			break
		}
	}
	if len(p.cached) < p.maxCached {
		p.cached = append(p.cached, b)
	}
}

// Stats exposes pool counters for metrics/tests.
type OverflowPoolStats struct {
	Allocated int
	Freed     int
	Posted    int
	Cached    int
}

func (p *overflowPool) stats() OverflowPoolStats {
	return OverflowPoolStats{
		Allocated: p.allocated,
		Freed:     p.freedCount,
		Posted:    p.postedCount(),
		Cached:    len(p.cached),
	}
}
