// Package sim is the one concrete, in-memory implementation of the nic
// package's collaborator interfaces (CommandQueue, EventSource, Counter,
// CompletionSink, AddressResolver, MemoryRegistrar, Clock). It stands in
// for a real NIC/provider binding, fully synchronous and single-process,
// so tests and examples can drive the messaging core without real
// hardware.
package sim

import (
	"context"
	"sync"
	"time"

	"github.com/rocketbitz/cxcore/matchbits"
	"github.com/rocketbitz/cxcore/nic"
)

// Network is the shared fabric every simulated Node is attached to. Put
// and Get commands resolve against the destination Node's current
// priority-list state synchronously, the instant they are issued.
type Network struct {
	mu    sync.Mutex
	nodes map[nic.ProcessAddr]*Node
}

// NewNetwork constructs an empty simulated fabric.
func NewNetwork() *Network {
	return &Network{nodes: make(map[nic.ProcessAddr]*Node)}
}

// NewNode attaches a new endpoint at addr and returns it. addr must be
// unique within the network.
func (n *Network) NewNode(addr nic.ProcessAddr) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	node := &Node{
		addr:         addr,
		net:          n,
		overflowBufs: make(map[uint64][]byte),
		rendezvous:   make(map[uint32]pendingRendezvousSend),
		counters:     make(map[uint64]*Counter),
	}
	n.nodes[addr] = node
	return node
}

func (n *Network) lookup(addr nic.ProcessAddr) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodes[addr]
}

type priorityEntry struct {
	userPtr    uint64
	matchBits  uint64
	ignoreBits uint64
	source     nic.ProcessAddr
	anySource  bool
	buffer     []byte
	multiRecv  bool
}

type pendingRendezvousSend struct {
	buffer    []byte
	initiator nic.ProcessAddr
	matchBits uint64
}

// unexpectedMsg is an eager send that landed with no posted receive
// matching it yet. A real NIC's APPEND
// command searches its own overflow/unexpected list before linking a new
// priority-list entry; the
// simulator reproduces that by keeping this list searchable instead of
// only reporting the landed bytes through overflowBufs, which nothing
// ever reads back.
type unexpectedMsg struct {
	matchBits uint64
	initiator nic.ProcessAddr
	payload   []byte
	start     uint64
}

// Node is one simulated endpoint, implementing every interface the nic
// package names. Commands issued against it and events it produces are
// processed synchronously and are not safe for concurrent use from
// multiple goroutines without external synchronization, matching the
// single-threaded-per-endpoint model the engine assumes.
type Node struct {
	addr nic.ProcessAddr
	net  *Network

	priority []*priorityEntry
	eventsQ  []nic.Event
	maxQueue int // 0 means unbounded

	overflowNext uint64
	overflowBufs map[uint64][]byte
	unexpected   []*unexpectedMsg

	rendezvous map[uint32]pendingRendezvousSend

	counters map[uint64]*Counter

	commandsDropped int
	disabled        bool
}

var (
	_ nic.CommandQueue     = (*Node)(nil)
	_ nic.EventSource      = (*Node)(nil)
	_ nic.CompletionSink   = (*Sink)(nil)
	_ nic.AddressResolver  = (*Node)(nil)
	_ nic.MemoryRegistrar  = (*Node)(nil)
	_ nic.Clock            = (*Node)(nil)
)

// SetMaxQueue bounds the event queue depth; once reached, Saturated
// reports true so the engine exercises its ErrTryLater backpressure path.
func (nd *Node) SetMaxQueue(n int) { nd.maxQueue = n }

// findMatch implements the provider's tag-matching predicate against the
// posted-receive priority list. Only the Tag/Tagged fields participate:
// tx_id, rendezvous id, and the other protocol subfields packed into the
// same 64-bit value vary per message and must never affect matching, the
// same way the source's tag-matching only ever inspects the tag portion
// of match_bits.
func (nd *Node) findMatch(matchBits uint64, source nic.ProcessAddr) (*priorityEntry, int) {
	send := matchbits.Decode(matchbits.Bits(matchBits))
	for i, e := range nd.priority {
		if !e.anySource && e.source != source {
			continue
		}
		entry := matchbits.Decode(matchbits.Bits(e.matchBits))
		if entry.Tagged != send.Tagged {
			continue
		}
		if !matchbits.TagMatch(send.Tag, entry.Tag, e.ignoreBits) {
			continue
		}
		return e, i
	}
	return nil, -1
}

func (nd *Node) removeEntryAt(i int) {
	nd.priority = append(nd.priority[:i], nd.priority[i+1:]...)
}

// findUnexpected searches the unexpected-message backlog for an entry a
// freshly posted receive (cmd) matches, the mirror image of findMatch.
func (nd *Node) findUnexpected(cmd nic.AppendCommand) (*unexpectedMsg, int) {
	recv := matchbits.Decode(matchbits.Bits(cmd.MatchBits))
	for i, ux := range nd.unexpected {
		if !cmd.AnySource && ux.initiator != cmd.Source {
			continue
		}
		sent := matchbits.Decode(matchbits.Bits(ux.matchBits))
		if sent.Tagged != recv.Tagged {
			continue
		}
		if !matchbits.TagMatch(sent.Tag, recv.Tag, cmd.IgnoreBits) {
			continue
		}
		return ux, i
	}
	return nil, -1
}

// Append implements nic.CommandQueue. A newly posted receive is first
// matched against any unexpected send already queued; only a miss actually links
// a priority-list entry for the NIC to deliver against later.
func (nd *Node) Append(cmd nic.AppendCommand) nic.CommandResult {
	if ux, idx := nd.findUnexpected(cmd); ux != nil {
		nd.unexpected = append(nd.unexpected[:idx], nd.unexpected[idx+1:]...)
		n := len(ux.payload)
		if n > len(cmd.Buffer) {
			n = len(cmd.Buffer)
		}
		copy(cmd.Buffer, ux.payload[:n])
		rc := nic.RCOK
		if n < len(ux.payload) {
			rc = nic.RCTruncated
		}
		nd.pushEvent(nic.Event{
			Type: nic.EventPut, UserPtr: cmd.UserPtr, ReturnCode: rc,
			MatchBits: ux.matchBits, Initiator: ux.initiator,
			MLength: n, RLength: len(ux.payload),
		})
		return nic.CommandAccepted
	}

	nd.priority = append(nd.priority, &priorityEntry{
		userPtr:    cmd.UserPtr,
		matchBits:  cmd.MatchBits,
		ignoreBits: cmd.IgnoreBits,
		source:     cmd.Source,
		anySource:  cmd.AnySource,
		buffer:     cmd.Buffer,
		multiRecv:  cmd.MultiRecv,
	})
	nd.pushEvent(nic.Event{Type: nic.EventLink, UserPtr: cmd.UserPtr, ReturnCode: nic.RCOK})
	return nic.CommandAccepted
}

// Unlink implements nic.CommandQueue.
func (nd *Node) Unlink(cmd nic.UnlinkCommand) nic.CommandResult {
	for i, e := range nd.priority {
		if e.userPtr == cmd.UserPtr {
			nd.removeEntryAt(i)
			nd.pushEvent(nic.Event{Type: nic.EventUnlink, UserPtr: cmd.UserPtr, ReturnCode: nic.RCOK})
			return nic.CommandAccepted
		}
	}
	nd.pushEvent(nic.Event{Type: nic.EventUnlink, UserPtr: cmd.UserPtr, ReturnCode: nic.RCEntryNotFound})
	return nic.CommandAccepted
}

// Search implements nic.CommandQueue. FI_PEEK-style queries are served by
// the engine's own swUXList (populated from PUT_OVERFLOW events) rather
// than a round trip through the command queue, so Search always reports
// not-found here.
func (nd *Node) Search(cmd nic.SearchCommand) nic.CommandResult {
	nd.pushEvent(nic.Event{Type: nic.EventSearch, UserPtr: cmd.UserPtr, ReturnCode: nic.RCEntryNotFound})
	return nic.CommandAccepted
}

// Put implements nic.CommandQueue: deliver cmd synchronously to its
// destination node, generating PUT/PUT_OVERFLOW/RENDEZVOUS on the
// destination and ACK on the source, exactly as a real NIC's hardware
// matching engine would but without any asynchronous delay.
func (nd *Node) Put(cmd nic.PutCommand) nic.CommandResult {
	dest := nd.net.lookup(cmd.Dest)
	if dest == nil {
		nd.commandsDropped++
		return nic.CommandAccepted
	}

	if mb := matchbits.Decode(matchbits.Bits(cmd.MatchBits)); mb.LEType == matchbits.LETypeCtrl {
		// Control messages (rendezvous done-notify, flow-control
		// notify/resume) are zero-length and identified purely by their
		// match bits rather than by any priority-list match, so they
		// bypass both the disabled-PTE refusal and the eager/restricted-read
		// paths below: a receiver mid-recovery must still be able to send
		// its own FC_NOTIFY, and a sender must still be able to reach a
		// disabled peer's TXC with a done-notify or FC_RESUME.
		dest.pushEvent(nic.Event{Type: nic.EventPut, ReturnCode: nic.RCOK, MatchBits: cmd.MatchBits, Initiator: nd.addr})
		nd.pushEvent(nic.Event{Type: nic.EventAck, UserPtr: cmd.UserPtr, ReturnCode: nic.RCOK, MatchBits: cmd.MatchBits})
		return nic.CommandAccepted
	}

	if dest.disabled {
		// The destination's PTE is disabled for lack of resources: the put
		// is refused outright, reported to the sender as an out-of-space
		// ACK and to the destination as a no-space overflow event carrying
		// the blocked peer's address, so its software can track which
		// sources were affected.
		dest.pushEvent(nic.Event{Type: nic.EventPutOverflow, ReturnCode: nic.RCNoSpace, MatchBits: cmd.MatchBits, Initiator: nd.addr})
		nd.pushEvent(nic.Event{Type: nic.EventAck, UserPtr: cmd.UserPtr, ReturnCode: nic.RCNoSpace, MatchBits: cmd.MatchBits})
		return nic.CommandAccepted
	}

	if cmd.Rendezvous {
		nd.rendezvous[uint32(cmd.UserPtr)] = pendingRendezvousSend{buffer: cmd.Buffer, initiator: nd.addr, matchBits: cmd.MatchBits}
		entry, idx := dest.findMatch(cmd.MatchBits, nd.addr)
		userPtr := uint64(0)
		if entry != nil {
			userPtr = entry.userPtr
			if !entry.multiRecv {
				dest.removeEntryAt(idx)
			}
		}
		dest.pushEvent(nic.Event{
			Type: nic.EventRendezvous, UserPtr: userPtr, ReturnCode: nic.RCOK,
			MatchBits: cmd.MatchBits, Initiator: nd.addr, RLength: cmd.Length,
			RendezvousID: uint32(cmd.UserPtr),
		})
		nd.pushEvent(nic.Event{Type: nic.EventAck, UserPtr: cmd.UserPtr, ReturnCode: nic.RCOK, MatchBits: cmd.MatchBits})
		return nic.CommandAccepted
	}

	entry, idx := dest.findMatch(cmd.MatchBits, nd.addr)
	if entry != nil {
		n := cmd.Length
		if n > len(entry.buffer) {
			n = len(entry.buffer)
		}
		copy(entry.buffer, cmd.Buffer[:n])
		rc := nic.RCOK
		if n < cmd.Length {
			rc = nic.RCTruncated
		}
		dest.pushEvent(nic.Event{
			Type: nic.EventPut, UserPtr: entry.userPtr, ReturnCode: rc,
			MatchBits: cmd.MatchBits, Initiator: nd.addr, MLength: n, RLength: cmd.Length,
		})
		if entry.multiRecv {
			entry.buffer = entry.buffer[n:]
			if len(entry.buffer) == 0 {
				dest.removeEntryAt(idx)
				dest.pushEvent(nic.Event{Type: nic.EventUnlink, UserPtr: entry.userPtr, ReturnCode: nic.RCOK})
			}
		} else {
			dest.removeEntryAt(idx)
		}
	} else {
		// No posted receive matches; the message lands unexpected. A real
		// NIC would write these bytes into a hardware-owned overflow
		// buffer and report only their address; this simulator has no
		// such shared buffer to hand the engine, so it reports the landed
		// bytes directly on the event (nic.Event.Payload) instead.
		addr := dest.overflowNext
		store := make([]byte, cmd.Length)
		copy(store, cmd.Buffer)
		dest.overflowBufs[addr] = store
		dest.overflowNext += uint64(cmd.Length) + 1
		dest.unexpected = append(dest.unexpected, &unexpectedMsg{
			matchBits: cmd.MatchBits,
			initiator: nd.addr,
			payload:   store,
			start:     addr,
		})
		dest.pushEvent(nic.Event{
			Type: nic.EventPutOverflow, UserPtr: 0, ReturnCode: nic.RCOK,
			MatchBits: cmd.MatchBits, Initiator: nd.addr, MLength: cmd.Length,
			RLength: cmd.Length, OverflowStart: addr, Payload: store,
		})
	}
	nd.pushEvent(nic.Event{Type: nic.EventAck, UserPtr: cmd.UserPtr, ReturnCode: nic.RCOK, MatchBits: cmd.MatchBits})
	return nic.CommandAccepted
}

// Get implements nic.CommandQueue: a restricted-read pull against a
// previously-registered rendezvous send.
func (nd *Node) Get(cmd nic.GetCommand) nic.CommandResult {
	src := nd.net.lookup(cmd.Initiator)
	if src == nil {
		nd.pushEvent(nic.Event{Type: nic.EventReply, UserPtr: cmd.UserPtr, ReturnCode: nic.RCEntryNotFound})
		return nic.CommandAccepted
	}
	rs, ok := src.rendezvous[cmd.RendezvousID]
	if !ok {
		nd.pushEvent(nic.Event{Type: nic.EventReply, UserPtr: cmd.UserPtr, ReturnCode: nic.RCEntryNotFound})
		return nic.CommandAccepted
	}
	n := cmd.Length
	if n > len(rs.buffer) {
		n = len(rs.buffer)
	}
	if n > len(cmd.Buffer) {
		n = len(cmd.Buffer)
	}
	copy(cmd.Buffer, rs.buffer[:n])
	delete(src.rendezvous, cmd.RendezvousID)

	src.pushEvent(nic.Event{Type: nic.EventGet, UserPtr: 0, ReturnCode: nic.RCOK, MatchBits: rs.matchBits, Initiator: nd.addr, RendezvousID: cmd.RendezvousID})
	nd.pushEvent(nic.Event{Type: nic.EventReply, UserPtr: cmd.UserPtr, ReturnCode: nic.RCOK, RendezvousID: cmd.RendezvousID})
	return nic.CommandAccepted
}

// StateChange implements nic.CommandQueue: a PTE enable/disable request.
// The simulator always honors it immediately and reports success.
func (nd *Node) StateChange(cmd nic.StateChangeCommand) nic.CommandResult {
	reason := nic.DisableNone
	if !cmd.Enable {
		reason = nic.DisableSoftwareInitiated
	} else {
		nd.disabled = false
	}
	nd.pushEvent(nic.Event{Type: nic.EventStateChange, ReturnCode: nic.RCOK, DisableReason: reason, DropCount: cmd.DropCount})
	return nic.CommandAccepted
}

// InjectDisable simulates the NIC disabling this node's PTE for reason,
// the way real hardware does when its own list-entry or overflow-buffer
// resources run out. The simulator otherwise has no
// resource limit capable of triggering this on its own, so tests and
// examples exercising flow-control recovery drive it through here.
func (nd *Node) InjectDisable(reason nic.DisableReason, dropCount int) {
	nd.disabled = true
	nd.pushEvent(nic.Event{Type: nic.EventStateChange, ReturnCode: nic.RCOK, DisableReason: reason, DropCount: dropCount})
}

func (nd *Node) pushEvent(ev nic.Event) {
	if nd.maxQueue > 0 && len(nd.eventsQ) >= nd.maxQueue {
		nd.commandsDropped++
		return
	}
	nd.eventsQ = append(nd.eventsQ, ev)
}

// Next implements nic.EventSource.
func (nd *Node) Next() (nic.Event, bool) {
	if len(nd.eventsQ) == 0 {
		return nic.Event{}, false
	}
	ev := nd.eventsQ[0]
	nd.eventsQ = nd.eventsQ[1:]
	return ev, true
}

// Unget implements nic.EventSource by re-inserting ev at the front of the
// queue, the mirror image of Next.
func (nd *Node) Unget(ev nic.Event) {
	nd.eventsQ = append([]nic.Event{ev}, nd.eventsQ...)
}

// Saturated implements nic.EventSource.
func (nd *Node) Saturated() bool {
	return nd.maxQueue > 0 && len(nd.eventsQ) >= nd.maxQueue
}

// Resolve implements nic.AddressResolver with a 1:1 logical-to-physical
// mapping keyed by the logical value itself, since the simulator has no
// separate address-vector table.
func (nd *Node) Resolve(logical uint64) (nic.ProcessAddr, bool) {
	nd.net.mu.Lock()
	defer nd.net.mu.Unlock()
	for addr := range nd.net.nodes {
		if uint64(addr.NIC)<<32|uint64(addr.PID) == logical {
			return addr, true
		}
	}
	return nic.ProcessAddr{}, false
}

// Logical implements nic.AddressResolver.
func (nd *Node) Logical(addr nic.ProcessAddr) (uint64, bool) {
	return uint64(addr.NIC)<<32 | uint64(addr.PID), true
}

// SymmetricAVs implements nic.AddressResolver: the simulator's address
// space is always symmetric.
func (nd *Node) SymmetricAVs() bool { return true }

// Copy implements nic.MemoryRegistrar with a plain slice copy.
func (nd *Node) Copy(dst, src []byte) int { return copy(dst, src) }

// Sleep implements nic.Clock by returning immediately; tests that need to
// observe a retry delay should drive Progress loops explicitly instead of
// depending on wall-clock time.
func (nd *Node) Sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	default:
	}
}

// Counter implements nic.Counter.
type Counter struct {
	mu    sync.Mutex
	value uint64
}

func (c *Counter) Add(delta uint64) {
	c.mu.Lock()
	c.value += delta
	c.mu.Unlock()
}

func (c *Counter) Value() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// CounterFor returns a stable Counter for ctx, creating it on first use.
func (nd *Node) CounterFor(ctx uint64) *Counter {
	c, ok := nd.counters[ctx]
	if !ok {
		c = &Counter{}
		nd.counters[ctx] = c
	}
	return c
}

// Sink implements nic.CompletionSink by recording entries in order,
// the way a test or example harness drains an application completion
// queue.
type Sink struct {
	mu      sync.Mutex
	entries []nic.CompletionEntry
}

// NewCompletionSink returns a CompletionSink that records every entry.
func NewCompletionSink() *Sink {
	return &Sink{}
}

func (s *Sink) Complete(e nic.CompletionEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

// Drain returns and clears every completion recorded so far.
func (s *Sink) Drain() []nic.CompletionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.entries
	s.entries = nil
	return out
}
