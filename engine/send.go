package engine

import (
	"sync"

	"github.com/rocketbitz/cxcore/config"
	"github.com/rocketbitz/cxcore/matchbits"
	"github.com/rocketbitz/cxcore/nic"
	"github.com/rocketbitz/cxcore/obs"
	"github.com/rocketbitz/cxcore/reqpool"
)

func (t *TXC) logWarn(event string, kv ...any) {
	full := append([]any{"event", event, "instance", t.instanceTag.String()}, kv...)
	t.slogger.Warnw("cxcore txc", full...)
}

// TXC is the send context: C6 plus the sender-half of flow
// control, C7.
type TXC struct {
	mu sync.Mutex

	opts  config.Options
	cmdq  nic.CommandQueue
	events nic.EventSource
	addr  nic.AddressResolver
	mem   nic.MemoryRegistrar

	logger  obs.Logger
	slogger obs.StructuredLogger
	tracer  obs.Tracer
	metrics obs.MetricHook

	self nic.ProcessAddr

	pool *reqpool.Pool[Request]

	msgQueue []reqpool.ID // FIFO order application posted sends, per the msg_queue discipline
	inflight map[uint16]reqpool.ID // tx_id -> send request, for ACK/GET correlation

	fcPeers map[nic.ProcessAddr]*fcPeer

	nextTxID uint16

	instanceTag obs.InstanceTag
}

// NewTXC constructs a send context bound to the given collaborators.
func NewTXC(opts config.Options, self nic.ProcessAddr, cmdq nic.CommandQueue, events nic.EventSource, addr nic.AddressResolver, mem nic.MemoryRegistrar) (*TXC, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &TXC{
		opts:    opts,
		cmdq:    cmdq,
		events:  events,
		addr:    addr,
		mem:     mem,
		self:    self,
		pool:    reqpool.New[Request](),
		inflight: make(map[uint16]reqpool.ID),
		fcPeers: make(map[nic.ProcessAddr]*fcPeer),
		logger:  noopLogger{},
		slogger: noopStructuredLogger{},
		tracer:  obs.NopTracer{},
		metrics: obs.NopMetrics{},
		instanceTag: obs.NewInstanceTag(),
	}, nil
}

// SetObservability wires logging/tracing/metrics adapters.
func (t *TXC) SetObservability(logger obs.Logger, slogger obs.StructuredLogger, tracer obs.Tracer, metrics obs.MetricHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if logger != nil {
		t.logger = logger
	}
	if slogger != nil {
		t.slogger = slogger
	}
	if tracer != nil {
		t.tracer = tracer
	}
	if metrics != nil {
		t.metrics = metrics
	}
}

func (t *TXC) allocTxID() uint16 {
	id := t.nextTxID
	t.nextTxID++
	if int(t.nextTxID) >= (1 << matchbits.TxIDBits) {
		t.nextTxID = 0
	}
	return id
}

// Send implements C6: choose eager or rendezvous path by
// comparing length against RendezvousThreshold, allocate match-bits/tx_id,
// and issue the Put command. Caller-registered buffers are referenced
// directly; FI_INJECT-style sends that must outlive the call copy into an
// internal bounce buffer first.
func (t *TXC) Send(dest nic.ProcessAddr, destAddr uint64, buf []byte, tag uint64, tagged bool, inject bool, flags Flags, ctx uint64, cq nic.CompletionSink, counter nic.Counter) (reqpool.ID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if peer, ok := t.fcPeers[dest]; ok && peer.blocked {
		return 0, ErrTryLater
	}

	if len(buf) > t.opts.MaxMsgSize {
		return 0, ErrInvalidLength
	}

	var bounce []byte
	payload := buf
	if inject || (len(buf) <= t.opts.InjectSize && !flags.Has(FlagMore)) {
		bounce = make([]byte, len(buf))
		copy(bounce, buf)
		payload = bounce
	}

	txID := t.allocTxID()
	rendezvous := len(buf) > t.opts.RendezvousThreshold

	req := Request{
		Kind:  KindSend,
		Flags: flags | FlagSend,
		Context: ctx,
		CQ:    cq,
		Counter: counter,
		Send: &SendState{
			CAddr:  dest,
			Dest:   destAddr,
			Length: len(buf),
			Buffer: payload,
			BounceBuffer: bounce,
			Tag:    tag,
			Tagged: tagged,
			TxID:   txID,
		},
	}
	id := t.pool.Alloc(req)
	sp, _ := t.pool.Get(id)
	sp.ID = id

	t.metrics.SendPosted(taggedAttrs(tagged))

	mb := matchbits.Encode(matchbits.Fields{
		Tag:    tag,
		Tagged: tagged,
		TxID:   txID,
	})

	cmd := nic.PutCommand{
		UserPtr:    uint64(id),
		Dest:       dest,
		MatchBits:  mb.Uint64(),
		Buffer:     payload,
		Length:     len(buf),
		Inline:     payload != nil && bounce != nil,
		Rendezvous: rendezvous,
	}
	if t.cmdq.Put(cmd) == nic.CommandBusy {
		t.pool.Free(id)
		return 0, ErrTryLater
	}

	t.inflight[txID] = id
	t.msgQueue = append(t.msgQueue, id)
	if rendezvous {
		sp.Send.RendezvousID = uint32(id) // receiver pulls against this id
	}
	return id, nil
}

// HandleEvent routes initiator-side events: ACK finalizes an eager send, GET signals the target's pull
// against a rendezvous send landed, and a zero-length done-notify Put
// (LEType Ctrl, RdzvDone set) retires the rendezvous send entirely.
func (t *TXC) HandleEvent(ev nic.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Type {
	case nic.EventAck:
		return t.handleAck(ev)
	case nic.EventGet:
		return t.handleGet(ev)
	case nic.EventPut:
		if matchbits.Bits(ev.MatchBits).IsFCNotify() {
			return t.handleFCNotify(ev)
		}
		return t.handleDoneNotify(ev)
	case nic.EventStateChange:
		return nil
	default:
		return fatalf(FatalUnexpectedEvent, "txc: event type %v", ev.Type)
	}
}

func (t *TXC) lookupByMatchBits(ev nic.Event) (*Request, bool) {
	mb := matchbits.Decode(matchbits.Bits(ev.MatchBits))
	id, ok := t.inflight[mb.TxID]
	if !ok {
		return nil, false
	}
	sp, ok := t.pool.Get(id)
	return sp, ok
}

func (t *TXC) handleAck(ev nic.Event) error {
	sp, ok := t.lookupByMatchBits(ev)
	if !ok {
		return nil
	}
	if ev.ReturnCode == nic.RCNoSpace {
		return t.deferSendForFlowControl(sp)
	}
	sp.Send.Acked = true
	if sp.Send.RendezvousID == 0 {
		t.completeSend(sp, ev)
	}
	return nil
}

// deferSendForFlowControl implements the sender-side half of flow control:
// a Put was dropped because the peer's receive side is out of resources.
// Every send still outstanding to that peer is moved onto its queue,
// preserving FIFO order, rather than just the one that was dropped, since
// the peer's receive side is blocked entirely, not just for this message.
// Replay happens once the peer's drop count reconciles against its own
// FC_NOTIFY, either observed here or driven externally through ResumePeer.
func (t *TXC) deferSendForFlowControl(sp *Request) error {
	peer := t.peerFor(sp.Send.CAddr)
	peer.blocked = true
	peer.dropCount++
	t.transferQueueToPeer(peer, sp.Send.CAddr)
	t.metrics.SendDropped(taggedAttrs(false))
	t.logWarn("send_deferred_flow_control", "peer", sp.Send.CAddr, "tx_id", sp.Send.TxID, "drop_count", peer.dropCount)
	t.maybeResumePeer(peer)
	return nil
}

// transferQueueToPeer moves every request still outstanding to addr out of
// msgQueue and onto peer's blocked queue, in the order they were posted.
func (t *TXC) transferQueueToPeer(peer *fcPeer, addr nic.ProcessAddr) {
	already := make(map[reqpool.ID]bool, len(peer.queue))
	for _, id := range peer.queue {
		already[id] = true
	}
	kept := make([]reqpool.ID, 0, len(t.msgQueue))
	for _, id := range t.msgQueue {
		sp, ok := t.pool.Get(id)
		if ok && sp.Send.CAddr == addr && !already[id] {
			peer.queue = append(peer.queue, id)
			sp.Send.FCPeer = peer
			continue
		}
		kept = append(kept, id)
	}
	t.msgQueue = kept
}

// handleFCNotify records the peer's authoritative drop count for this
// cycle and resumes the peer immediately if this side has already observed
// that many NoSpace ACKs for it.
func (t *TXC) handleFCNotify(ev nic.Event) error {
	mb := matchbits.Decode(matchbits.Bits(ev.MatchBits))
	peer := t.peerFor(ev.Initiator)
	peer.notified = true
	peer.notifiedCount = int(mb.RdzvID)
	t.maybeResumePeer(peer)
	return nil
}

// maybeResumePeer resumes peer once it is both notified and this side's
// own observed drop count has caught up to what the peer reported, the
// "drop counts match" condition flow-control recovery is gated on.
func (t *TXC) maybeResumePeer(peer *fcPeer) {
	if !peer.blocked || !peer.notified || peer.dropCount < peer.notifiedCount {
		return
	}
	t.resumePeer(peer)
}

func (t *TXC) peerFor(addr nic.ProcessAddr) *fcPeer {
	p, ok := t.fcPeers[addr]
	if !ok {
		p = &fcPeer{addr: addr}
		t.fcPeers[addr] = p
	}
	return p
}

// ResumePeer replays every send queued against addr once the peer's
// receive side has recovered from flow control. This is normally driven
// automatically by an incoming FC_NOTIFY (see handleFCNotify); it remains
// exported for a caller that learns of the peer's recovery some other way.
// Sends that still can't be issued (command queue saturated) stay queued
// for the next call.
func (t *TXC) ResumePeer(addr nic.ProcessAddr) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.fcPeers[addr]
	if !ok || !p.blocked {
		return nil
	}
	return t.resumePeer(p)
}

// resumePeer replays p's queued sends and, once the replay is issued, puts
// a zero-length FC_RESUME control message back to the peer so its receive
// side can retire the drop bookkeeping for this cycle.
func (t *TXC) resumePeer(p *fcPeer) error {
	queued := p.queue
	p.queue = nil
	p.blocked = false
	p.notified = false
	p.dropCount = 0
	p.notifiedCount = 0
	for _, id := range queued {
		sp, ok := t.pool.Get(id)
		if !ok {
			continue
		}
		mb := matchbits.Encode(matchbits.Fields{Tag: sp.Send.Tag, Tagged: sp.Send.Tagged, TxID: sp.Send.TxID})
		cmd := nic.PutCommand{
			UserPtr:    uint64(id),
			Dest:       sp.Send.CAddr,
			MatchBits:  mb.Uint64(),
			Buffer:     sp.Send.Buffer,
			Length:     sp.Send.Length,
			Rendezvous: sp.Send.RendezvousID != 0,
		}
		if t.cmdq.Put(cmd) == nic.CommandBusy {
			p.queue = append(p.queue, id)
			p.blocked = true
			continue
		}
	}
	t.metrics.FlowControlResumed(nil)
	resumeMB := matchbits.Encode(matchbits.Fields{LEType: matchbits.LETypeCtrl, MatchComp: true})
	t.cmdq.Put(nic.PutCommand{Dest: p.addr, MatchBits: resumeMB.Uint64(), Length: 0})
	return nil
}

// handleGet records that the target pulled from this rendezvous send's
// buffer; the send only completes once both the GET lands here and the
// separate done-notify message arrives.
func (t *TXC) handleGet(ev nic.Event) error {
	sp, ok := t.lookupByMatchBits(ev)
	if !ok {
		return nil
	}
	sp.Send.GotSourceEvent = true
	sp.Send.InitiatorEventCount++
	return nil
}

func (t *TXC) handleDoneNotify(ev nic.Event) error {
	mb := matchbits.Decode(matchbits.Bits(ev.MatchBits))
	if !mb.RdzvDone {
		return nil
	}
	sp, ok := t.lookupByMatchBits(ev)
	if !ok || !sp.Send.GotSourceEvent {
		return nil
	}
	t.completeSend(sp, ev)
	return nil
}

func (t *TXC) completeSend(sp *Request, ev nic.Event) {
	t.metrics.SendCompleted(taggedAttrs(false))
	if sp.Flags.Has(FlagCompletion) && sp.CQ != nil {
		sp.CQ.Complete(nic.CompletionEntry{
			UserPtr: uint64(sp.ID),
			Tag:     sp.Send.Tag,
			Len:     sp.Send.Length,
			DataLen: sp.Send.Length,
			Source:  sp.Send.CAddr,
			Err:     sendErrFromRC(ev.ReturnCode),
		})
	}
	if sp.Counter != nil {
		sp.Counter.Add(1)
	}
	delete(t.inflight, sp.Send.TxID)
	if idx := indexOfID(t.msgQueue, sp.ID); idx >= 0 {
		t.msgQueue = append(t.msgQueue[:idx], t.msgQueue[idx+1:]...)
	}
	t.pool.Free(sp.ID)
}

func sendErrFromRC(rc nic.ReturnCode) error {
	switch rc {
	case nic.RCOK:
		return nil
	case nic.RCTruncated:
		return ErrTruncated
	case nic.RCCanceled:
		return ErrCanceled
	default:
		return ErrTryLater
	}
}
