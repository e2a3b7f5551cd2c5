package sim

import (
	"context"
	"testing"

	"github.com/rocketbitz/cxcore/matchbits"
	"github.com/rocketbitz/cxcore/nic"
)

func addr(pid uint32) nic.ProcessAddr { return nic.ProcessAddr{NIC: 1, PID: pid} }

func TestAppendThenPutDeliversDirect(t *testing.T) {
	net := NewNetwork()
	a, b := net.NewNode(addr(1)), net.NewNode(addr(2))

	buf := make([]byte, 16)
	mb := matchbits.Encode(matchbits.Fields{Tag: 7, Tagged: true}).Uint64()
	b.Append(nic.AppendCommand{UserPtr: 1, MatchBits: mb, Source: addr(1), Buffer: buf})

	if ev, ok := b.Next(); !ok || ev.Type != nic.EventLink {
		t.Fatalf("want EventLink after Append, got %+v ok=%v", ev, ok)
	}

	a.Put(nic.PutCommand{Dest: addr(2), UserPtr: 2, MatchBits: mb, Length: 5, Buffer: []byte("hello")})

	ev, ok := b.Next()
	if !ok || ev.Type != nic.EventPut || ev.UserPtr != 1 {
		t.Fatalf("want EventPut for UserPtr 1, got %+v ok=%v", ev, ok)
	}
	if string(buf[:ev.MLength]) != "hello" {
		t.Fatalf("buffer = %q, want hello", buf[:ev.MLength])
	}
	if _, ok := b.Next(); ok {
		t.Fatal("unexpected extra event queued")
	}
}

func TestPutBeforeAppendLandsUnexpectedThenAppendDelivers(t *testing.T) {
	net := NewNetwork()
	a, b := net.NewNode(addr(1)), net.NewNode(addr(2))

	mb := matchbits.Encode(matchbits.Fields{Tag: 3, Tagged: true}).Uint64()
	a.Put(nic.PutCommand{Dest: addr(2), UserPtr: 9, MatchBits: mb, Length: 4, Buffer: []byte("ping")})

	ev, ok := b.Next()
	if !ok || ev.Type != nic.EventPutOverflow {
		t.Fatalf("want EventPutOverflow, got %+v ok=%v", ev, ok)
	}
	if len(b.unexpected) != 1 {
		t.Fatalf("unexpected backlog len = %d, want 1", len(b.unexpected))
	}

	buf := make([]byte, 16)
	b.Append(nic.AppendCommand{UserPtr: 5, MatchBits: mb, Source: addr(1), Buffer: buf})

	ev, ok = b.Next()
	if !ok || ev.Type != nic.EventPut || ev.UserPtr != 5 {
		t.Fatalf("want direct EventPut for UserPtr 5, got %+v ok=%v", ev, ok)
	}
	if string(buf[:ev.MLength]) != "ping" {
		t.Fatalf("buffer = %q, want ping", buf[:ev.MLength])
	}
	if len(b.unexpected) != 0 {
		t.Fatalf("unexpected backlog must be drained on match, len = %d", len(b.unexpected))
	}
}

func TestAppendIgnoresMismatchedUnexpected(t *testing.T) {
	net := NewNetwork()
	a, b := net.NewNode(addr(1)), net.NewNode(addr(2))

	sendBits := matchbits.Encode(matchbits.Fields{Tag: 1, Tagged: true}).Uint64()
	a.Put(nic.PutCommand{Dest: addr(2), UserPtr: 1, MatchBits: sendBits, Length: 3, Buffer: []byte("abc")})
	if _, ok := b.Next(); !ok {
		t.Fatal("expected overflow event")
	}

	recvBits := matchbits.Encode(matchbits.Fields{Tag: 2, Tagged: true}).Uint64()
	buf := make([]byte, 8)
	b.Append(nic.AppendCommand{UserPtr: 2, MatchBits: recvBits, Source: addr(1), Buffer: buf})

	ev, ok := b.Next()
	if !ok || ev.Type != nic.EventLink {
		t.Fatalf("mismatched tag must fall back to linking, got %+v ok=%v", ev, ok)
	}
	if len(b.unexpected) != 1 {
		t.Fatalf("mismatched unexpected entry must remain queued, len = %d", len(b.unexpected))
	}
}

func TestFindMatchIgnoresTxIDAndRendezvousSubfields(t *testing.T) {
	net := NewNetwork()
	a, b := net.NewNode(addr(1)), net.NewNode(addr(2))

	buf := make([]byte, 8)
	recvBits := matchbits.Encode(matchbits.Fields{Tag: 42, Tagged: true}).Uint64()
	b.Append(nic.AppendCommand{UserPtr: 1, MatchBits: recvBits, Source: addr(1), Buffer: buf})
	if _, ok := b.Next(); !ok {
		t.Fatal("expected link event")
	}

	sendBits := matchbits.Encode(matchbits.Fields{Tag: 42, Tagged: true, TxID: 9, RdzvID: 123}).Uint64()
	a.Put(nic.PutCommand{Dest: addr(2), UserPtr: 2, MatchBits: sendBits, Length: 2, Buffer: []byte("hi")})

	ev, ok := b.Next()
	if !ok || ev.Type != nic.EventPut {
		t.Fatalf("nonzero TxID/RdzvID must still match on tag, got %+v ok=%v", ev, ok)
	}
}

func TestPutToDisabledNodeReportsNoSpace(t *testing.T) {
	net := NewNetwork()
	a, b := net.NewNode(addr(1)), net.NewNode(addr(2))
	b.InjectDisable(nic.DisableFlowControlNoSpace, 1)

	if _, ok := b.Next(); !ok {
		// drain the state-change event InjectDisable itself pushed
	}

	a.Put(nic.PutCommand{Dest: addr(2), UserPtr: 1, Length: 1, Buffer: []byte("x")})

	ev, ok := b.Next()
	if !ok || ev.Type != nic.EventPutOverflow || ev.ReturnCode != nic.RCNoSpace {
		t.Fatalf("want no-space overflow on disabled dest, got %+v ok=%v", ev, ok)
	}
	ackEv, ok := a.Next()
	if !ok || ackEv.Type != nic.EventAck || ackEv.ReturnCode != nic.RCNoSpace {
		t.Fatalf("want no-space ack on sender, got %+v ok=%v", ackEv, ok)
	}
}

func TestStateChangeReenableClearsDisabled(t *testing.T) {
	net := NewNetwork()
	_, b := net.NewNode(addr(1)), net.NewNode(addr(2))
	b.InjectDisable(nic.DisableFlowControlNoSpace, 0)
	if !b.disabled {
		t.Fatal("InjectDisable must set disabled")
	}
	b.StateChange(nic.StateChangeCommand{Enable: true})
	if b.disabled {
		t.Fatal("StateChange(Enable: true) must clear disabled")
	}
}

func TestRendezvousGetConsumesPendingSend(t *testing.T) {
	net := NewNetwork()
	a, b := net.NewNode(addr(1)), net.NewNode(addr(2))

	mb := matchbits.Encode(matchbits.Fields{Tag: 1, Tagged: true}).Uint64()
	payload := []byte("rendezvous payload")
	a.Put(nic.PutCommand{Dest: addr(2), UserPtr: 1, MatchBits: mb, Length: len(payload), Buffer: payload, Rendezvous: true})

	rdzvEv, ok := b.Next()
	if !ok || rdzvEv.Type != nic.EventRendezvous {
		t.Fatalf("want EventRendezvous, got %+v ok=%v", rdzvEv, ok)
	}
	if _, ok := a.Next(); !ok {
		t.Fatal("expected ack on initiator")
	}

	out := make([]byte, len(payload))
	b.Get(nic.GetCommand{Initiator: addr(1), UserPtr: 2, RendezvousID: rdzvEv.RendezvousID, Length: len(payload), Buffer: out})

	getEv, ok := a.Next()
	if !ok || getEv.Type != nic.EventGet {
		t.Fatalf("want EventGet on initiator, got %+v ok=%v", getEv, ok)
	}
	replyEv, ok := b.Next()
	if !ok || replyEv.Type != nic.EventReply || replyEv.ReturnCode != nic.RCOK {
		t.Fatalf("want successful EventReply, got %+v ok=%v", replyEv, ok)
	}
	if string(out) != string(payload) {
		t.Fatalf("Get payload = %q, want %q", out, payload)
	}

	// A repeat Get against the now-consumed rendezvous id must fail.
	b.Get(nic.GetCommand{Initiator: addr(1), UserPtr: 3, RendezvousID: rdzvEv.RendezvousID, Length: len(payload), Buffer: out})
	if ev, ok := b.Next(); !ok || ev.ReturnCode != nic.RCEntryNotFound {
		t.Fatalf("repeat Get must report RCEntryNotFound, got %+v ok=%v", ev, ok)
	}
}

func TestSaturatedAndDroppedEvents(t *testing.T) {
	net := NewNetwork()
	_, b := net.NewNode(addr(1)), net.NewNode(addr(2))
	b.SetMaxQueue(1)
	b.pushEvent(nic.Event{Type: nic.EventAck})
	if !b.Saturated() {
		t.Fatal("Saturated() must be true once maxQueue is reached")
	}
	b.pushEvent(nic.Event{Type: nic.EventAck})
	if b.commandsDropped != 1 {
		t.Fatalf("commandsDropped = %d, want 1", b.commandsDropped)
	}
}

func TestResolveAndLogicalRoundTrip(t *testing.T) {
	net := NewNetwork()
	a := net.NewNode(addr(1))
	net.NewNode(addr(2))

	logical, ok := a.Logical(addr(2))
	if !ok {
		t.Fatal("Logical must resolve a known node")
	}
	resolved, ok := a.Resolve(logical)
	if !ok || resolved != addr(2) {
		t.Fatalf("Resolve(%d) = %v, %v; want addr(2), true", logical, resolved, ok)
	}
	if !a.SymmetricAVs() {
		t.Fatal("simulator address space must report symmetric")
	}
}

func TestCounterForIsStablePerContext(t *testing.T) {
	net := NewNetwork()
	a := net.NewNode(addr(1))
	c1 := a.CounterFor(42)
	c1.Add(3)
	c2 := a.CounterFor(42)
	if c2.Value() != 3 {
		t.Fatalf("CounterFor must return the same counter for the same ctx, got %d", c2.Value())
	}
	other := a.CounterFor(7)
	if other.Value() != 0 {
		t.Fatal("a distinct context must start at zero")
	}
}

func TestSinkDrainClears(t *testing.T) {
	s := NewCompletionSink()
	s.Complete(nic.CompletionEntry{UserPtr: 1})
	s.Complete(nic.CompletionEntry{UserPtr: 2})
	entries := s.Drain()
	if len(entries) != 2 {
		t.Fatalf("Drain() = %d entries, want 2", len(entries))
	}
	if more := s.Drain(); len(more) != 0 {
		t.Fatal("second Drain() must be empty")
	}
}

func TestSleepReturnsImmediately(t *testing.T) {
	net := NewNetwork()
	a := net.NewNode(addr(1))
	a.Sleep(context.Background(), 0)
}

func TestUnlinkUnknownReportsEntryNotFound(t *testing.T) {
	net := NewNetwork()
	a := net.NewNode(addr(1))
	a.Unlink(nic.UnlinkCommand{UserPtr: 999})
	ev, ok := a.Next()
	if !ok || ev.ReturnCode != nic.RCEntryNotFound {
		t.Fatalf("Unlink on unknown entry = %+v ok=%v, want RCEntryNotFound", ev, ok)
	}
}

func TestSearchAlwaysReportsNotFound(t *testing.T) {
	net := NewNetwork()
	a := net.NewNode(addr(1))
	a.Search(nic.SearchCommand{UserPtr: 1})
	ev, ok := a.Next()
	if !ok || ev.Type != nic.EventSearch || ev.ReturnCode != nic.RCEntryNotFound {
		t.Fatalf("Search = %+v ok=%v, want EventSearch/RCEntryNotFound", ev, ok)
	}
}
