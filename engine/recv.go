package engine

import (
	"github.com/rocketbitz/cxcore/matchbits"
	"github.com/rocketbitz/cxcore/nic"
	"github.com/rocketbitz/cxcore/reqpool"
)

// Post implements C3: post a tagged or untagged receive.
// Software-managed endpoints match immediately against the unexpected-send
// list; hardware-managed endpoints append a priority-list entry and let the
// NIC deliver PUT/PUT_OVERFLOW events later.
func (r *RXC) Post(buf []byte, tag, ignore uint64, src nic.ProcessAddr, anySource bool, flags Flags, ctx uint64, cq nic.CompletionSink, counter nic.Counter) (reqpool.ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateEnabled && r.state != StateEnabledSoftware && r.state != StateOnloadFlowControl {
		return 0, ErrDisabled
	}
	if cq == nil {
		cq = r.cq
	}

	req := Request{
		Kind:  KindReceive,
		Flags: flags | FlagRecv,
		Context: ctx,
		CQ:    cq,
		Counter: counter,
		Recv: &RecvState{
			Buffer:     buf,
			ULen:       len(buf),
			MatchTag:   tag,
			IgnoreMask: ignore,
			MatchID:    src,
			AnySource:  anySource,
			MultiRecv:  flags.Has(FlagMultiRecv),
			Tagged:     flags.Has(FlagTagged),
			SoftwareList: r.state == StateEnabledSoftware || r.state == StateOnloadFlowControl,
		},
	}
	id := r.pool.Alloc(req)
	rp, _ := r.pool.Get(id)
	rp.ID = id

	r.postedRecvCount++
	r.metrics.ReceivePosted(taggedAttrs(rp.Recv.Tagged))

	if flags.Has(FlagClaim) {
		if ux, ok := r.takeClaimed(tag, ignore, src, anySource); ok {
			r.completeFromUX(rp, ux)
			return id, nil
		}
		rp.Recv.ReturnCode = nic.RCEntryNotFound
		r.pool.Free(id)
		r.postedRecvCount--
		return 0, ErrNoMessage
	}

	if rp.Recv.SoftwareList {
		if matched := r.swMatch(id); matched {
			return id, nil
		}
		r.swRecvQueue = append(r.swRecvQueue, id)
		return id, nil
	}

	cmd := nic.AppendCommand{
		UserPtr:    uint64(id),
		MatchBits:  matchbits.Encode(matchbits.Fields{Tag: tag, Tagged: rp.Recv.Tagged}).Uint64(),
		IgnoreBits: ignore,
		Source:     src,
		AnySource:  anySource,
		Buffer:     buf,
		BufferLen:  len(buf),
		MultiRecv:  rp.Recv.MultiRecv,
	}
	if r.cmdq.Append(cmd) == nic.CommandBusy {
		r.pool.Free(id)
		r.postedRecvCount--
		return 0, ErrTryLater
	}
	return id, nil
}

// swMatch scans swUXList for an entry matching the just-posted receive
//. On a hit it completes the
// receive immediately and returns true.
func (r *RXC) swMatch(recvID reqpool.ID) bool {
	rp, _ := r.pool.Get(recvID)
	for i, ux := range r.swUXList {
		if ux.claimed {
			continue
		}
		mb := matchbits.Decode(matchbits.Bits(ux.event.MatchBits))
		if !matchbits.TagMatch(mb.Tag, rp.Recv.MatchTag, rp.Recv.IgnoreMask) {
			continue
		}
		if !rp.Recv.AnySource && ux.event.Initiator != rp.Recv.MatchID {
			continue
		}
		r.swUXList = append(r.swUXList[:i], r.swUXList[i+1:]...)
		r.completeFromUX(rp, ux)
		return true
	}
	return false
}

// completeFromUX finishes a receive against a previously-unmatched send.
// Eager sends copy straight out of the overflow buffer and complete;
// rendezvous headers instead kick off the pull coordinator.
func (r *RXC) completeFromUX(rp *Request, ux *unexpectedSendRecord) {
	if ux.event.Type == nic.EventRendezvous {
		r.startRendezvousPull(rp, ux.event)
		return
	}
	n := r.mem.Copy(rp.Recv.Buffer, ux.event.Payload)
	rp.Recv.DataLen = n
	rp.Recv.RLen = int(ux.event.RLength)
	if n < ux.event.RLength {
		rp.Recv.ReturnCode = nic.RCTruncated
	}
	r.releaseUXLink(ux)
	if ux.overflow != nil && ux.overflow.consume(n) {
		r.overflow.release(ux.overflow)
	}
	r.completeReceive(rp)
}

// releaseUXLink drops the deferred-table's hold on ux, wherever ux ends up
// being resolved from (software match, direct NIC delivery, or a paired
// Put). Safe to call even if the deferred record already left the table
// through matchPutEvent's own pairing path.
func (r *RXC) releaseUXLink(ux *unexpectedSendRecord) {
	if ux == nil {
		return
	}
	if ux.overflow != nil && ux.overflow.linkRefs > 0 {
		ux.overflow.linkRefs--
	}
	if ux.deferredRec != nil {
		r.deferred.free(ux.deferredRec)
		ux.deferredRec = nil
	}
}

// taggedAttrs builds the metric label map distinguishing tagged from
// untagged operations.
func taggedAttrs(tagged bool) map[string]string {
	if tagged {
		return map[string]string{"tagged": "true"}
	}
	return map[string]string{"tagged": "false"}
}

// completeReceive posts a completion entry and frees the request's slot.
func (r *RXC) completeReceive(rp *Request) {
	var err error
	truncated := false
	switch rp.Recv.ReturnCode {
	case nic.RCTruncated:
		err = ErrTruncated
		truncated = true
		r.metrics.ReceiveTruncated(taggedAttrs(rp.Recv.Tagged))
	case nic.RCCanceled:
		err = ErrCanceled
		r.metrics.ReceiveCanceled(taggedAttrs(rp.Recv.Tagged))
	default:
		r.metrics.ReceiveMatched(taggedAttrs(rp.Recv.Tagged))
	}
	if rp.Flags.Has(FlagCompletion) && rp.CQ != nil {
		rp.CQ.Complete(nic.CompletionEntry{
			UserPtr:   uint64(rp.ID),
			Tag:       rp.Recv.MatchTag,
			Len:       rp.Recv.ULen,
			DataLen:   rp.Recv.DataLen,
			Source:    rp.Recv.MatchID,
			Err:       err,
			Truncated: truncated,
			// Set only on the parent's own retirement completion (see
			// maybeCompleteMultiRecv), never on a child's data completion.
			MultiRecv: rp.Recv.MultiRecv,
		})
	}
	if rp.Counter != nil {
		rp.Counter.Add(1)
	}
	hasParent := rp.Recv.HasParent
	r.pool.Free(rp.ID)
	if !hasParent {
		r.postedRecvCount--
	}
}

// HandleEvent implements C1's routing into C3/C4/C5 for target-side events
//. It is called by Progress for every event the NIC's
// target event queue produces.
func (r *RXC) HandleEvent(ev nic.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Type {
	case nic.EventLink:
		return r.handleLink(ev)
	case nic.EventUnlink:
		return r.handleUnlink(ev)
	case nic.EventPut:
		if matchbits.Bits(ev.MatchBits).IsFCResume() {
			return r.handleFCResume(ev)
		}
		return r.handlePut(ev)
	case nic.EventPutOverflow:
		return r.handlePutOverflow(ev)
	case nic.EventRendezvous:
		return r.handleRendezvous(ev)
	case nic.EventReply:
		return r.handleReply(ev)
	case nic.EventSearch:
		return r.handleSearch(ev)
	case nic.EventStateChange:
		return r.handleStateChange(ev)
	default:
		return fatalf(FatalUnexpectedEvent, "rxc: event type %v", ev.Type)
	}
}

func (r *RXC) handleLink(ev nic.Event) error {
	id := reqpool.ID(ev.UserPtr)
	rp, ok := r.pool.Get(id)
	if !ok {
		return nil
	}
	if ev.ReturnCode != nic.RCOK {
		r.pool.Free(id)
		r.postedRecvCount--
		return nil
	}
	rp.Recv.TgtEvent = true
	return nil
}

func (r *RXC) handleUnlink(ev nic.Event) error {
	id := reqpool.ID(ev.UserPtr)
	rp, ok := r.pool.Get(id)
	if !ok {
		return nil
	}
	rp.Recv.Unlinked = true
	if ev.ReturnCode == nic.RCOK {
		rp.Recv.AutoUnlinked = true
	}
	if rp.Recv.Canceled && !rp.Recv.MultiRecv {
		rp.Recv.ReturnCode = nic.RCCanceled
		r.completeReceive(rp)
		return nil
	}
	if !rp.Recv.MultiRecv || rp.Recv.PendingChildren == 0 {
		r.maybeCompleteMultiRecv(rp)
	}
	return nil
}

// handlePut is the direct-delivery path: the NIC already copied bytes into
// the user buffer.
func (r *RXC) handlePut(ev nic.Event) error {
	id := reqpool.ID(ev.UserPtr)
	rp, ok := r.pool.Get(id)
	if !ok {
		return r.pairOrDefer(deferredKeyFor(ev), nic.EventPut, ev, 0, false)
	}

	if matched, rec := r.pairIfNeeded(rp, nic.EventPut, ev); matched {
		return r.finishPairedPut(rp, rec)
	} else if rec != nil {
		return nil
	}

	// The NIC may have resolved this delivery against its own unexpected
	// backlog (an AppendCommand matching an already-landed send, spec
	// §4.3.1 "search then append"); drop the engine's mirrored record so a
	// later Peek/claim doesn't see a send that already completed.
	r.dropSwUXList(ev.Initiator, ev.MatchBits)

	return r.deliverDirect(rp, ev)
}

// dropSwUXList removes the swUXList entry matching an initiator/match-bits
// pair, if one is queued, and releases the overflow buffer and deferred
// record it was holding: the NIC resolved the delivery directly, so
// nothing will ever come back to copy out of that buffer.
func (r *RXC) dropSwUXList(initiator nic.ProcessAddr, matchBits uint64) {
	for i, ux := range r.swUXList {
		if ux.event.Initiator == initiator && ux.event.MatchBits == matchBits {
			r.swUXList = append(r.swUXList[:i], r.swUXList[i+1:]...)
			r.releaseUXLink(ux)
			if ux.overflow != nil {
				if ux.overflow.consume(ux.overflow.remainingBytes) {
					r.overflow.release(ux.overflow)
				}
			}
			return
		}
	}
}

// deliverDirect completes (or spawns a multi-recv child for) a receive
// whose bytes already landed in the posted buffer.
func (r *RXC) deliverDirect(rp *Request, ev nic.Event) error {
	if rp.Recv.MultiRecv {
		return r.spawnMultiRecvChild(rp, ev)
	}
	rp.Recv.DataLen = int(ev.MLength)
	rp.Recv.RLen = int(ev.RLength)
	rp.Recv.MatchID = ev.Initiator
	if ev.MLength < ev.RLength {
		rp.Recv.ReturnCode = nic.RCTruncated
	}
	r.completeReceive(rp)
	return nil
}

// handlePutOverflow implements the unexpected/overflow path:
// pair against a matching PUT if one is outstanding; otherwise register an
// unexpected-send record and attempt software matching against the queued
// receive backlog.
func (r *RXC) handlePutOverflow(ev nic.Event) error {
	if ev.ReturnCode == nic.RCNoSpace {
		// The put was refused outright while this endpoint was disabled
		// for lack of resources; it never reached the
		// overflow pool at all, so only the per-source drop count is
		// recorded.
		r.recordSourceDrop(ev.Initiator)
		return nil
	}

	key := deferredKeyFor(ev)

	id := reqpool.ID(ev.UserPtr)
	if rp, ok := r.pool.Get(id); ok && rp.Kind == KindReceive {
		if matched, rec := r.pairIfNeeded(rp, nic.EventPutOverflow, ev); matched {
			return r.finishPairedPut(rp, rec)
		}
		return nil
	}

	buf := r.overflow.acquire(ev.Payload)
	ux := &unexpectedSendRecord{event: ev, overflow: buf}
	buf.linkRefs++

	matched, rec := r.deferred.matchPutEvent(key, nic.EventPutOverflow, ev)
	if matched {
		// A PUT arrived first for an already-matched receive; finish it
		// now that the overflow-side payload bytes are known.
		if rec.hasWaitingRecv {
			rp, ok := r.pool.Get(rec.waitingRecv)
			if ok {
				rp.Recv.DataLen = r.mem.Copy(rp.Recv.Buffer, ev.Payload)
				rp.Recv.RLen = int(ev.RLength)
				if buf.consume(rp.Recv.DataLen) {
					r.overflow.release(buf)
				}
				r.completeReceive(rp)
			}
		}
		return nil
	}
	rec.attachUX(ux)

	r.unexpectedHdrCount++
	if !r.swMatchUX(ux) {
		r.swUXList = append(r.swUXList, ux)
	}
	return nil
}

// swMatchUX attempts to satisfy ux against the software receive backlog,
// a send arriving before the matching receive was posted.
func (r *RXC) swMatchUX(ux *unexpectedSendRecord) bool {
	mb := matchbits.Decode(matchbits.Bits(ux.event.MatchBits))
	for i, id := range r.swRecvQueue {
		rp, ok := r.pool.Get(id)
		if !ok {
			continue
		}
		if !matchbits.TagMatch(mb.Tag, rp.Recv.MatchTag, rp.Recv.IgnoreMask) {
			continue
		}
		if !rp.Recv.AnySource && ux.event.Initiator != rp.Recv.MatchID {
			continue
		}
		r.swRecvQueue = append(r.swRecvQueue[:i], r.swRecvQueue[i+1:]...)
		ux.claimed = true
		r.completeFromUX(rp, ux)
		return true
	}
	return false
}

// pairIfNeeded asks C2 to correlate ev against the complementary event
// type for an already-matched receive request rp. Used when both PUT and
// PUT_OVERFLOW are expected for the same delivery.
func (r *RXC) pairIfNeeded(rp *Request, et nic.EventType, ev nic.Event) (bool, *deferredRecord) {
	if !rp.Recv.HWOffloaded && rp.Recv.RendezvousProto == 0 && et == nic.EventPut {
		// Plain eager direct hits never need pairing.
		return false, nil
	}
	key := deferredKeyFor(ev)
	matched, rec := r.deferred.matchPutEvent(key, et, ev)
	if !matched {
		rec.attachWaitingRecv(rp.ID)
	}
	return matched, rec
}

func (r *RXC) finishPairedPut(rp *Request, rec *deferredRecord) error {
	// rec.event is the complementary half; ev variable unused here since
	// the caller already holds the triggering event.
	if rec.ux != nil {
		buf := rec.ux.overflow
		n := r.mem.Copy(rp.Recv.Buffer, rec.ux.event.Payload)
		rp.Recv.DataLen = n
		r.releaseUXLink(rec.ux)
		if buf.consume(n) {
			r.overflow.release(buf)
		}
	} else {
		rp.Recv.DataLen = int(rec.event.MLength)
	}
	rp.Recv.RLen = int(rec.event.RLength)
	r.completeReceive(rp)
	return nil
}

func deferredKeyFor(ev nic.Event) deferredKey {
	if ev.RendezvousID != 0 {
		return deferredKey{rendezvous: true, initiator: ev.Initiator, rdzvID: ev.RendezvousID}
	}
	return deferredKey{oflowStart: ev.OverflowStart}
}

func (r *RXC) pairOrDefer(key deferredKey, et nic.EventType, ev nic.Event, waitingRecv reqpool.ID, hasWaiting bool) error {
	matched, rec := r.deferred.matchPutEvent(key, et, ev)
	if matched {
		if rp, ok := r.pool.Get(rec.waitingRecv); ok && rec.hasWaitingRecv {
			return r.finishPairedPut(rp, rec)
		}
		return nil
	}
	if hasWaiting {
		rec.attachWaitingRecv(waitingRecv)
	}
	return nil
}

func (r *RXC) handleReply(ev nic.Event) error {
	id := reqpool.ID(ev.UserPtr)
	rp, ok := r.pool.Get(id)
	if !ok || rp.Kind != KindReceive {
		return nil
	}
	r.rendezvousPullsInFlight--
	return r.rendezvousPullComplete(rp, ev)
}

func (r *RXC) handleSearch(ev nic.Event) error {
	return nil
}

func (r *RXC) handleStateChange(ev nic.Event) error {
	return r.applyStateChange(ev)
}

// Cancel attempts to unlink a posted receive before
// it matches. Returns ErrTryLater if the unlink command cannot be issued
// right now; the eventual UNLINK event completes the cancellation.
func (r *RXC) Cancel(id reqpool.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rp, ok := r.pool.Get(id)
	if !ok || rp.Kind != KindReceive {
		return ErrNoMessage
	}
	if rp.Recv.SoftwareList {
		for i, qid := range r.swRecvQueue {
			if qid == id {
				r.swRecvQueue = append(r.swRecvQueue[:i], r.swRecvQueue[i+1:]...)
				rp.Recv.Canceled = true
				rp.Recv.ReturnCode = nic.RCCanceled
				r.completeReceive(rp)
				return nil
			}
		}
		return ErrNoMessage
	}
	if r.cmdq.Unlink(nic.UnlinkCommand{UserPtr: uint64(id)}) == nic.CommandBusy {
		return ErrTryLater
	}
	rp.Recv.Canceled = true
	return nil
}
