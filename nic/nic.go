// Package nic defines the narrow collaborator interfaces the messaging
// core consumes from the hardware/provider layer: counters, completion
// queues, address vectors, memory regions, and the device command queue
// are external collaborators. This package only names the interfaces the
// core needs, never a full implementation. nic/sim provides the one
// concrete, in-memory implementation used by tests and examples.
package nic

import (
	"context"
	"time"
)

// ProcessAddr identifies a peer endpoint by its NIC/PID pair, the unit
// match-bits and flow-control bookkeeping key on.
type ProcessAddr struct {
	NIC uint32
	PID uint32
}

// EventType discriminates the NIC events the demultiplexer (C1) dispatches.
type EventType int

const (
	EventLink EventType = iota
	EventUnlink
	EventPut
	EventPutOverflow
	EventRendezvous
	EventSearch
	EventGet
	EventSend
	EventAck
	EventReply
	EventStateChange
)

func (t EventType) String() string {
	switch t {
	case EventLink:
		return "LINK"
	case EventUnlink:
		return "UNLINK"
	case EventPut:
		return "PUT"
	case EventPutOverflow:
		return "PUT_OVERFLOW"
	case EventRendezvous:
		return "RENDEZVOUS"
	case EventSearch:
		return "SEARCH"
	case EventGet:
		return "GET"
	case EventSend:
		return "SEND"
	case EventAck:
		return "ACK"
	case EventReply:
		return "REPLY"
	case EventStateChange:
		return "STATE_CHANGE"
	default:
		return "UNKNOWN"
	}
}

// ReturnCode mirrors the small set of NIC-reported completion statuses the
// core inspects.
type ReturnCode int

const (
	RCOK ReturnCode = iota
	RCNoSpace
	RCPTDisabled
	RCEntryNotFound
	RCPTESoftwareManaged
	RCSMFail
	RCTruncated
	RCCanceled
)

// DisableReason mirrors the NIC's PTE disable reason codes (SC_* in the
// source this engine is modeled on).
type DisableReason int

const (
	DisableNone DisableReason = iota
	DisableFlowControlNoSpace
	DisableFlowControlEQFull
	DisableSoftwareManagedFail
	DisableSoftwareInitiated
	DisableUncorrectable
)

func (d DisableReason) String() string {
	switch d {
	case DisableNone:
		return "none"
	case DisableFlowControlNoSpace:
		return "flow_control_no_space"
	case DisableFlowControlEQFull:
		return "flow_control_eq_full"
	case DisableSoftwareManagedFail:
		return "software_managed_fail"
	case DisableSoftwareInitiated:
		return "software_initiated"
	case DisableUncorrectable:
		return "uncorrectable"
	default:
		return "unknown"
	}
}

// Event is a single NIC event as delivered to the demultiplexer. Only the
// fields relevant to the event's Type are populated; callers must not read
// fields outside what the type documents.
type Event struct {
	Type       EventType
	UserPtr    uint64 // opaque request id, mirrors the hardware event's user_ptr
	ReturnCode ReturnCode

	// PUT / PUT_OVERFLOW / RENDEZVOUS
	MatchBits   uint64
	IgnoreBits  uint64
	Initiator   ProcessAddr
	MLength     int    // bytes this event delivered
	RLength     int    // total remote send length
	RemoteOffset uint64
	HeaderData  uint64
	CQData      bool
	OverflowStart uint64
	// Payload carries the landed bytes for PUT_OVERFLOW, since the
	// destination had no registered buffer to write into directly.
	Payload []byte

	// REPLY / GET / ACK
	RendezvousID uint32

	// STATE_CHANGE
	DisableReason DisableReason
	DropCount     int
}

// CommandResult is returned by every command-issuing call.
type CommandResult int

const (
	CommandAccepted CommandResult = iota
	CommandBusy // queue/event-queue saturated; caller must return try-later
)

// AppendCommand describes a priority-list append (receive post). Buffer is
// the registered memory region the NIC writes matched payload into; real
// hardware would instead hold a registration handle, but an in-memory
// simulator needs direct access to move bytes.
type AppendCommand struct {
	UserPtr    uint64
	MatchBits  uint64
	IgnoreBits uint64
	Source     ProcessAddr
	AnySource  bool
	Buffer     []byte
	BufferLen  int
	MultiRecv  bool
}

// UnlinkCommand requests removal of a previously appended entry.
type UnlinkCommand struct {
	UserPtr uint64
}

// SearchCommand requests a non-destructive (or destructive, if Delete is
// set) scan of the unexpected list.
type SearchCommand struct {
	UserPtr    uint64
	MatchBits  uint64
	IgnoreBits uint64
	Delete     bool
	Barrier    bool // flush-appends barrier search: matches nothing
}

// PutCommand issues an eager or rendezvous-head put. Buffer carries the
// payload bytes for a simulator to move; Rendezvous sends still set it so
// the simulator can serve the later restricted-read Get against it.
type PutCommand struct {
	UserPtr    uint64
	Dest       ProcessAddr
	MatchBits  uint64
	Buffer     []byte
	Length     int
	Inline     bool
	Rendezvous bool
}

// GetCommand issues a rendezvous pull (RGet). Buffer is the target's
// receive buffer the pulled bytes land in; a simulator needs it directly,
// the same way Put/AppendCommand carry Buffer for the same reason.
type GetCommand struct {
	UserPtr      uint64
	Initiator    ProcessAddr
	RemoteOffset uint64
	Buffer       []byte
	Length       int
	RendezvousID uint32
}

// StateChangeCommand requests a PTE enable/disable transition.
type StateChangeCommand struct {
	Enable    bool
	DropCount int
}

// CommandQueue is the narrow device-command-queue primitive the core
// issues NIC operations through.
type CommandQueue interface {
	Append(AppendCommand) CommandResult
	Unlink(UnlinkCommand) CommandResult
	Search(SearchCommand) CommandResult
	Put(PutCommand) CommandResult
	Get(GetCommand) CommandResult
	StateChange(StateChangeCommand) CommandResult
}

// EventSource yields NIC events for the demultiplexer to drain. Next
// returns false when no event is currently available.
type EventSource interface {
	Next() (Event, bool)
	// Unget re-presents ev at the front of the queue, undoing the Next()
	// call that produced it. The demultiplexer calls this when a handler
	// returns try-later, so the triggering event is re-driven on the next
	// pass instead of being silently dropped.
	Unget(Event)
	// Saturated reports whether the event queue itself is under back
	// pressure, independent of CommandQueue capacity.
	Saturated() bool
}

// Counter is the narrow completion-counter primitive bound to requests.
type Counter interface {
	Add(delta uint64)
	Value() uint64
}

// CompletionSink is the application-facing completion queue the core
// reports into; it is intentionally minimal — the thin public API shim
// owns translation to the user-visible CQ
// entry format.
type CompletionSink interface {
	Complete(CompletionEntry)
}

// CompletionEntry is what the core reports for a finished request.
type CompletionEntry struct {
	UserPtr   uint64
	Tag       uint64
	Len       int
	DataLen   int
	Source    ProcessAddr
	Err       error
	Truncated bool
	// MultiRecv marks the completion that retires a multi-receive buffer:
	// the buffer has been fully consumed (or explicitly unlinked) and every
	// child spawned from it has completed, so the application may repost.
	MultiRecv bool
}

// AddressResolver translates between a provider fi_addr_t-style logical
// address and the physical (nic,pid) pair used for match-id computation.
type AddressResolver interface {
	Resolve(logical uint64) (ProcessAddr, bool)
	Logical(ProcessAddr) (uint64, bool)
	// SymmetricAVs reports whether the resolver's address vector is
	// symmetric, in which case the engine should use the logical address
	// directly rather than resolving to physical.
	SymmetricAVs() bool
}

// MemoryRegistrar is the narrow host-memory copy/registration collaborator
// the engine calls through rather than touching process memory directly.
type MemoryRegistrar interface {
	Copy(dst, src []byte) int
}

// Clock abstracts the done-notify retry delay so tests can run it without real sleeps.
type Clock interface {
	Sleep(ctx context.Context, d time.Duration)
}
