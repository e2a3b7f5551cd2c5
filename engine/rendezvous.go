package engine

import (
	"github.com/rocketbitz/cxcore/matchbits"
	"github.com/rocketbitz/cxcore/nic"
	"github.com/rocketbitz/cxcore/obs"
	"github.com/rocketbitz/cxcore/reqpool"
)

// handleRendezvous implements C5's header-arrival half: a
// rendezvous header lands like any other target event. If a receive is
// already posted for it, the pull starts immediately; otherwise the header
// is recorded as an unexpected send and waits for a matching Post, the
// same way an eager unexpected send does.
func (r *RXC) handleRendezvous(ev nic.Event) error {
	if rp, ok := r.pool.Get(reqpool.ID(ev.UserPtr)); ok && rp.Kind == KindReceive {
		return r.startRendezvousPull(rp, ev)
	}

	ux := &unexpectedSendRecord{event: ev}
	r.unexpectedHdrCount++
	if !r.swMatchUX(ux) {
		r.swUXList = append(r.swUXList, ux)
	}
	return nil
}

// startRendezvousPull issues the restricted-read Get that pulls payload
// from the initiator's send buffer. If
// the command queue is saturated the pull is queued for the next Progress
// call instead of being dropped.
func (r *RXC) startRendezvousPull(rp *Request, ev nic.Event) error {
	if rp.Recv.Span == nil {
		rp.Recv.Span = r.tracer.StartSpan("rendezvous_pull",
			obs.TraceAttribute{Key: "rendezvous_id", Value: ev.RendezvousID},
			obs.TraceAttribute{Key: "tagged", Value: rp.Recv.Tagged},
		)
	}

	if r.opts.RendezvousProtocol != matchbits.ProtoRestrictedRead {
		err := fatalf(FatalRendezvousProtoUnsupported, "protocol %v", r.opts.RendezvousProtocol)
		rp.Recv.Span.RecordError(err)
		rp.Recv.Span.End(err)
		return err
	}

	// The event is recorded only once its Get is issued (below), so a
	// header re-presented after a try-later is not mistaken for a repeat.
	trace := &rp.Recv.RendezvousTrace
	for _, seen := range trace.events[:trace.n] {
		if seen == ev.Type {
			// The source reused this rendezvous id before our previous pull
			// for it finished; drain the outstanding one first.
			rp.Recv.Span.AddEvent("rendezvous_id_reused")
			return ErrTryLater
		}
	}

	rp.Recv.RendezvousID = ev.RendezvousID
	rp.Recv.RendezvousTxID = matchbits.Decode(matchbits.Bits(ev.MatchBits)).TxID
	rp.Recv.RendezvousInitNIC = ev.Initiator.NIC
	rp.Recv.RendezvousInitPID = ev.Initiator.PID
	rp.Recv.MatchID = ev.Initiator

	pullLen := int(ev.RLength)
	if pullLen > len(rp.Recv.Buffer) {
		pullLen = len(rp.Recv.Buffer)
		rp.Recv.ReturnCode = nic.RCTruncated
	}

	if r.rendezvousPullsInFlight >= r.opts.MaxConcurrentRendezvousPulls {
		rp.Recv.Span.AddEvent("pull_queue_full")
		return ErrTryLater
	}

	cmd := nic.GetCommand{
		UserPtr:      uint64(rp.ID),
		Initiator:    ev.Initiator,
		RemoteOffset: ev.RemoteOffset,
		Buffer:       rp.Recv.Buffer[:pullLen],
		Length:       pullLen,
		RendezvousID: ev.RendezvousID,
	}
	if r.cmdq.Get(cmd) == nic.CommandBusy {
		rp.Recv.Span.AddEvent("get_command_busy")
		return ErrTryLater
	}
	rp.Recv.Span.AddEvent("get_issued")
	trace.Record(ev.Type)
	r.rendezvousPullsInFlight++
	rp.Recv.RLen = int(ev.RLength)
	rp.Recv.DataLen = pullLen
	r.metrics.RendezvousStarted(taggedAttrs(rp.Recv.Tagged))
	return nil
}

// rendezvousPullComplete handles the REPLY event that lands once the
// target's restricted-read Get has finished. It sends the done-notify back to the initiator so the
// sender's TXC can retire its SendState, then completes the receive.
func (r *RXC) rendezvousPullComplete(rp *Request, ev nic.Event) error {
	if rp.Recv.ReturnCode == 0 {
		rp.Recv.ReturnCode = ev.ReturnCode
	}
	r.metrics.RendezvousCompleted(taggedAttrs(rp.Recv.Tagged))
	if rp.Recv.Span != nil {
		rp.Recv.Span.AddEvent("reply_received")
		var spanErr error
		if rp.Recv.ReturnCode == nic.RCTruncated {
			spanErr = ErrTruncated
		}
		rp.Recv.Span.End(spanErr)
	}

	doneMB := matchbits.Encode(matchbits.Fields{
		RdzvID:   rp.Recv.RendezvousID,
		TxID:     rp.Recv.RendezvousTxID,
		RdzvDone: true,
		LEType:   matchbits.LETypeCtrl,
	})
	r.cmdq.Put(nic.PutCommand{
		UserPtr:    uint64(rp.ID),
		Dest:       rp.Recv.MatchID,
		MatchBits:  doneMB.Uint64(),
		Length:     0,
		Rendezvous: true,
	})
	rp.Recv.DoneNotify = true

	r.completeReceive(rp)
	return nil
}
