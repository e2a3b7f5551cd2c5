package engine

import (
	"github.com/rocketbitz/cxcore/nic"
	"github.com/rocketbitz/cxcore/obs"
	"github.com/rocketbitz/cxcore/reqpool"
)

// Kind discriminates the polymorphic Request handle's variants.
type Kind int

const (
	KindReceive Kind = iota
	KindSend
	KindSearch
	KindOverflow
	KindRendezvousSource
	KindZeroByte
)

func (k Kind) String() string {
	switch k {
	case KindReceive:
		return "receive"
	case KindSend:
		return "send"
	case KindSearch:
		return "search"
	case KindOverflow:
		return "overflow"
	case KindRendezvousSource:
		return "rendezvous-source"
	case KindZeroByte:
		return "zero-byte"
	default:
		return "unknown"
	}
}

// Flags is the request flag set.
type Flags uint32

const (
	FlagMsg Flags = 1 << iota
	FlagTagged
	FlagRecv
	FlagSend
	FlagCompletion
	FlagMultiRecv
	FlagPeek
	FlagClaim
	FlagInject
	FlagMatchComplete
	FlagRemoteCQData
	FlagFence
	FlagMore
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Request is the polymorphic handle: one struct, a Kind
// discriminant, and pointers to the variant-specific state that applies.
// Only one of Recv/Send is ever non-nil for a given Kind. req_id (ID) is
// the stable identifier that survives even though the backing slot in the
// arena may be reused after Free — callers must never dereference a
// Request after it has been freed.
type Request struct {
	ID      reqpool.ID
	Kind    Kind
	Flags   Flags
	Context uint64
	CQ      nic.CompletionSink
	Counter nic.Counter

	Recv *RecvState
	Send *SendState
}

// PeekState carries the ule_offsets bookkeeping used by PEEK/CLAIM.
type PeekState struct {
	ULEOffsets    []uint64
	CurULEOffsets int
	NumULEOffsets int
	OffsetFound   bool
	ULEOffset     uint64
	Claimed       bool
	ClaimContext  uint64
}

// RendezvousTrace is the bounded event-type history (cap 4) kept per
// rendezvous receive, used to detect a repeated event type (source reuse
// of a rendezvous id needing drain-first handling) and to diagnose
// ordering bugs the way the source's cxip_trace.c diagnostic ring does.
type RendezvousTrace struct {
	events [4]nic.EventType
	n      int
}

// Record appends ev to the trace and reports whether ev already appears,
// which signals the source reused a rendezvous id before this receive
// finished.
func (t *RendezvousTrace) Record(ev nic.EventType) (repeat bool) {
	for i := 0; i < t.n; i++ {
		if t.events[i] == ev {
			repeat = true
		}
	}
	if t.n < len(t.events) {
		t.events[t.n] = ev
		t.n++
	}
	return repeat
}

// Count returns the number of events recorded, repeats included, up to the
// trace's capacity of four.
func (t *RendezvousTrace) Count() int { return t.n }

// RecvState holds the receive-specific fields of a Request.
type RecvState struct {
	Buffer []byte
	ULen   int

	MatchTag   uint64
	IgnoreMask uint64

	MatchID   nic.ProcessAddr
	AnySource bool

	StartOffset int
	RLen        int
	DataLen     int

	Children        []reqpool.ID
	ParentID        reqpool.ID
	HasParent       bool
	PendingChildren int

	TgtEvent      bool
	Unlinked      bool
	Canceled      bool
	AutoUnlinked  bool
	SoftwareList  bool
	HWOffloaded   bool
	MultiRecv     bool
	Tagged        bool
	DoneNotify    bool
	MRecvUnlinkBytes int
	MRecvBytes       int

	// Span traces one rendezvous pull,
	// opened by startRendezvousPull and closed by rendezvousPullComplete.
	Span obs.Span

	RendezvousTrace     RendezvousTrace
	RendezvousID        uint32
	RendezvousTxID      uint16
	RendezvousLAC       uint8
	RendezvousProto     uint8
	EagerInlineLen      int
	RendezvousInitNIC   uint32
	RendezvousInitPID   uint32
	SourceOffset        uint64
	ReturnCode          nic.ReturnCode

	Peek PeekState
}

// SendState holds the send-specific fields of a Request.
type SendState struct {
	CAddr  nic.ProcessAddr
	Dest   uint64 // fi_addr_t-style destination
	Length int
	Buffer []byte
	Tag    uint64
	Tagged bool

	// The outgoing bytes are either the caller's Buffer (the engine does
	// not own it) or an internal inline bounce buffer copied for FI_INJECT
	// replay safety.
	BounceBuffer []byte

	RendezvousID        uint32
	InitiatorEventCount int

	// FCPeer is a weak, non-owning back-reference: the peer record owns
	// the queue this send may live on, never the other way around.
	FCPeer *fcPeer

	MatchComplete bool
	TxID          uint16
	Acked         bool
	GotSourceEvent bool
}
