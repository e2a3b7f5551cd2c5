package engine

import (
	"testing"

	"github.com/rocketbitz/cxcore/nic"
)

func TestMatchPutEventPairsOppositeOrderArrivals(t *testing.T) {
	tbl := newDeferredTable()
	key := deferredKey{oflowStart: 10}
	ev := nic.Event{Type: nic.EventPutOverflow, ReturnCode: nic.RCOK, Initiator: nic.ProcessAddr{NIC: 1, PID: 1}, MatchBits: 5}

	matched, rec := tbl.matchPutEvent(key, nic.EventPutOverflow, ev)
	if matched {
		t.Fatal("first arrival must not match anything yet")
	}
	if tbl.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after first insert", tbl.Len())
	}
	rec.attachWaitingRecv(42)

	complement := nic.Event{Type: nic.EventPut, ReturnCode: nic.RCOK, Initiator: ev.Initiator, MatchBits: ev.MatchBits}
	matched2, rec2 := tbl.matchPutEvent(key, nic.EventPut, complement)
	if !matched2 {
		t.Fatal("complementary arrival must pair with the stored record")
	}
	if !rec2.hasWaitingRecv || rec2.waitingRecv != 42 {
		t.Fatalf("paired record must carry the waiting receive id, got %+v", rec2)
	}
	if tbl.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 once the pair resolves", tbl.Len())
	}
}

func TestMatchPutEventRequiresCorrelatingFields(t *testing.T) {
	tbl := newDeferredTable()
	key := deferredKey{oflowStart: 1}
	ev := nic.Event{Type: nic.EventPutOverflow, ReturnCode: nic.RCOK, Initiator: nic.ProcessAddr{NIC: 1, PID: 1}, MatchBits: 5}
	tbl.matchPutEvent(key, nic.EventPutOverflow, ev)

	mismatched := nic.Event{Type: nic.EventPut, ReturnCode: nic.RCOK, Initiator: nic.ProcessAddr{NIC: 1, PID: 2}, MatchBits: 5}
	matched, _ := tbl.matchPutEvent(key, nic.EventPut, mismatched)
	if matched {
		t.Fatal("events with a different initiator must not be treated as a pair")
	}
	if tbl.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 (both unmatched halves retained)", tbl.Len())
	}
}

func TestDeferredTableFreeRemovesRecord(t *testing.T) {
	tbl := newDeferredTable()
	key := deferredKey{rendezvous: true, initiator: nic.ProcessAddr{NIC: 1, PID: 1}, rdzvID: 7}
	_, rec := tbl.matchPutEvent(key, nic.EventPutOverflow, nic.Event{})
	if tbl.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", tbl.Len())
	}
	tbl.free(rec)
	if tbl.Len() != 0 {
		t.Fatalf("Len() after free = %d, want 0", tbl.Len())
	}
	tbl.free(rec) // double free must be a no-op
	if tbl.Len() != 0 {
		t.Fatal("double free must not go negative")
	}
}

func TestDeferredKeyHashSeparatesRendezvousAndOverflowKeys(t *testing.T) {
	a := deferredKey{rendezvous: true, initiator: nic.ProcessAddr{NIC: 1, PID: 1}, rdzvID: 9}
	b := deferredKey{oflowStart: 9}
	if a.hash() == b.hash() {
		t.Skip("hash collision between distinct key shapes is possible but unlikely; not a correctness bug on its own")
	}
}
