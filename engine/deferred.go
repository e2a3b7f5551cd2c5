package engine

import (
	"github.com/rocketbitz/cxcore/nic"
	"github.com/rocketbitz/cxcore/reqpool"
)

// deferredTableSize is the compile-time bucket count for the deferred-event
// hash table.
const deferredTableSize = 4096

// deferredKey is the composite correlation key used to pair up-and-down
// events on the same delivery: rendezvous events key on {initiator,
// rdzv-id, rdzv-flag=1}; everything else keys on
// {overflow-buffer start address, rdzv-flag=0}.
type deferredKey struct {
	rendezvous bool
	initiator  nic.ProcessAddr
	rdzvID     uint32
	oflowStart uint64
}

func (k deferredKey) hash() uint64 {
	// FNV-1a over the key fields; full equality is still checked on any
	// bucket hit, so collision behavior only affects bucket length, never
	// correctness.
	h := uint64(14695981039346656037)
	mix := func(v uint64) {
		h ^= v
		h *= 1099511628211
	}
	if k.rendezvous {
		mix(1)
		mix(uint64(k.initiator.NIC)<<32 | uint64(k.initiator.PID))
		mix(uint64(k.rdzvID))
	} else {
		mix(0)
		mix(k.oflowStart)
	}
	return h
}

// unexpectedSendRecord is produced by onload: it holds the Put
// event, whose Payload carries the landed bytes directly, plus a
// back-reference to the overflow buffer accounting for those bytes.
type unexpectedSendRecord struct {
	event    nic.Event
	overflow *overflowBuffer
	claimed  bool

	// deferredRec is the deferred-table entry inserted to hold this ux
	// while waiting for a complementary Put, if any. A ux resolved by any
	// other path (software match, direct NIC delivery) must free it so the
	// table doesn't accumulate permanently unmatched halves.
	deferredRec *deferredRecord
}

// deferredRecord stores one half of a Put/Put-Overflow pair while the
// other half is outstanding.
type deferredRecord struct {
	key       deferredKey
	eventType nic.EventType
	event     nic.Event

	waitingRecv   reqpool.ID
	hasWaitingRecv bool

	ux *unexpectedSendRecord

	next *deferredRecord
}


// deferredTable implements C2: pairing Put with Put-Overflow events that
// can arrive in either order. It is private to one RX context; nothing
// outside that context's goroutine touches it.
type deferredTable struct {
	buckets [deferredTableSize]*deferredRecord
	count   int
}

func newDeferredTable() *deferredTable {
	return &deferredTable{}
}

// complementOf returns the event type that would complete a pair with et.
func complementOf(et nic.EventType) (nic.EventType, bool) {
	switch et {
	case nic.EventPut:
		return nic.EventPutOverflow, true
	case nic.EventPutOverflow:
		return nic.EventPut, true
	default:
		return 0, false
	}
}

// eventsCorrelate reports whether two events sharing a bucket actually
// describe the same delivery: same return code, initiator, and match
// bits.
func eventsCorrelate(a, b nic.Event) bool {
	return a.ReturnCode == b.ReturnCode &&
		a.Initiator == b.Initiator &&
		a.MatchBits == b.MatchBits
}

// matchPutEvent implements the C2 operation. It scans the
// bucket for a record whose key matches and whose event type is the
// complement of et; on a hit it removes and returns that record so the
// caller can consume and free it. On a miss it inserts a fresh record
// holding this event and returns it with matched=false.
func (t *deferredTable) matchPutEvent(key deferredKey, et nic.EventType, ev nic.Event) (matched bool, rec *deferredRecord) {
	want, ok := complementOf(et)
	if !ok {
		return false, nil
	}
	h := key.hash() % deferredTableSize
	var prev *deferredRecord
	for r := t.buckets[h]; r != nil; r = r.next {
		if r.key == key && r.eventType == want && eventsCorrelate(r.event, ev) {
			if prev == nil {
				t.buckets[h] = r.next
			} else {
				prev.next = r.next
			}
			r.next = nil
			t.count--
			return true, r
		}
		prev = r
	}

	rec = &deferredRecord{key: key, eventType: et, event: ev}
	rec.next = t.buckets[h]
	t.buckets[h] = rec
	t.count++
	return false, rec
}

// attachWaitingRecv attaches a receive request id to a freshly-inserted
// record (the half that arrived first is a Put/Put-Overflow whose match
// still needs the other half before the receive can proceed).
func (r *deferredRecord) attachWaitingRecv(id reqpool.ID) {
	r.waitingRecv = id
	r.hasWaitingRecv = true
}

func (r *deferredRecord) attachUX(ux *unexpectedSendRecord) {
	r.ux = ux
	ux.deferredRec = r
}

// free removes rec from the table if it is still present. Used on
// allocation-failure and cleanup paths where a record was inserted but
// must be rolled back.
func (t *deferredTable) free(rec *deferredRecord) {
	if rec == nil {
		return
	}
	h := rec.key.hash() % deferredTableSize
	var prev *deferredRecord
	for r := t.buckets[h]; r != nil; r = r.next {
		if r == rec {
			if prev == nil {
				t.buckets[h] = r.next
			} else {
				prev.next = r.next
			}
			t.count--
			return
		}
		prev = r
	}
}

// Len reports the number of live (unmatched) entries, exercised by the
// steady-state-empty invariant test.
func (t *deferredTable) Len() int { return t.count }
