package engine

import (
	"testing"

	"github.com/rocketbitz/cxcore/config"
	"github.com/rocketbitz/cxcore/nic"
	"github.com/rocketbitz/cxcore/nic/sim"
)

// TestMultiRecvParentSurvivesPendingChildren pins down Open Question (i):
// a multi-receive parent that the NIC has already unlinked must not be
// freed, and its completion must not be reported, while any spawned child
// is still outstanding.
func TestMultiRecvParentSurvivesPendingChildren(t *testing.T) {
	net := sim.NewNetwork()
	self := nic.ProcessAddr{NIC: 1, PID: 1}
	node := net.NewNode(self)
	sink := sim.NewCompletionSink()

	rxc, err := NewRXC(config.DefaultOptions(), self, sink, node, node, node, node, node)
	if err != nil {
		t.Fatalf("NewRXC: %v", err)
	}
	rxc.Enable()

	buf := make([]byte, 64)
	id, err := rxc.Post(buf, 0, 0, nic.ProcessAddr{}, true, FlagRecv|FlagCompletion|FlagMultiRecv, 1, sink, nil)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}

	rp, ok := rxc.pool.Get(id)
	if !ok {
		t.Fatal("parent request must still be live right after Post")
	}

	rp.Recv.Unlinked = true
	rp.Recv.AutoUnlinked = true
	rp.Recv.PendingChildren = 1

	rxc.maybeCompleteMultiRecv(rp)
	if _, ok := rxc.pool.Get(id); !ok {
		t.Fatal("parent must not be freed while a child is still outstanding")
	}
	if len(sink.Drain()) != 0 {
		t.Fatal("parent must not report completion while a child is outstanding")
	}

	rp.Recv.PendingChildren = 0
	rxc.maybeCompleteMultiRecv(rp)
	if _, ok := rxc.pool.Get(id); ok {
		t.Fatal("parent must be freed once every child has completed")
	}
	entries := sink.Drain()
	if len(entries) != 1 {
		t.Fatalf("got %d completions, want 1 parent completion", len(entries))
	}
	if !entries[0].MultiRecv {
		t.Fatal("parent retirement completion must carry the MultiRecv completion bit")
	}
}

// TestSpawnMultiRecvChildCarvesFromParentWindow exercises the normal path:
// each PUT against a posted multi-receive buffer produces a standalone
// child completion carved out of the parent's remaining window, and the
// parent's own bookkeeping advances without the parent itself completing.
func TestSpawnMultiRecvChildCarvesFromParentWindow(t *testing.T) {
	net := sim.NewNetwork()
	self := nic.ProcessAddr{NIC: 1, PID: 1}
	node := net.NewNode(self)
	sink := sim.NewCompletionSink()

	rxc, err := NewRXC(config.DefaultOptions(), self, sink, node, node, node, node, node)
	if err != nil {
		t.Fatalf("NewRXC: %v", err)
	}
	rxc.Enable()

	buf := make([]byte, 16)
	id, err := rxc.Post(buf, 0, 0, nic.ProcessAddr{}, true, FlagRecv|FlagCompletion|FlagMultiRecv, 1, sink, nil)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	rp, _ := rxc.pool.Get(id)

	ev := nic.Event{Initiator: nic.ProcessAddr{NIC: 1, PID: 2}, MLength: 6, RLength: 6}
	if err := rxc.spawnMultiRecvChild(rp, ev); err != nil {
		t.Fatalf("spawnMultiRecvChild: %v", err)
	}

	if rp.Recv.StartOffset != 6 {
		t.Fatalf("StartOffset = %d, want 6", rp.Recv.StartOffset)
	}
	if rp.Recv.PendingChildren != 0 {
		t.Fatalf("PendingChildren = %d, want 0 after synchronous child completion", rp.Recv.PendingChildren)
	}
	entries := sink.Drain()
	if len(entries) != 1 {
		t.Fatalf("got %d completions, want 1 child completion", len(entries))
	}
	if entries[0].DataLen != 6 {
		t.Fatalf("child DataLen = %d, want 6", entries[0].DataLen)
	}
	if entries[0].MultiRecv {
		t.Fatal("a child completion must not carry the MultiRecv bit while the parent is still posted")
	}
}
