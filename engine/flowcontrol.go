package engine

import (
	"github.com/rocketbitz/cxcore/config"
	"github.com/rocketbitz/cxcore/matchbits"
	"github.com/rocketbitz/cxcore/nic"
	"github.com/rocketbitz/cxcore/obs"
	"github.com/rocketbitz/cxcore/reqpool"
)

// fcPeer is the sender-side per-destination flow-control record: once a
// peer's receive side drops one of our sends for lack of resources, every
// further send to that peer queues here until the peer notifies recovery
// and drop counts reconcile.
type fcPeer struct {
	addr    nic.ProcessAddr
	blocked bool
	queue   []reqpool.ID

	dropCount     int  // NoSpace ACKs this side has observed for addr
	notified      bool // an FC_NOTIFY has arrived for the current cycle
	notifiedCount int  // drop count addr reported in that FC_NOTIFY
}

// fcDrops is the receiver-side per-source drop counter: the
// NIC's own drop_count is global, but software additionally tracks which
// remote sources were affected so a targeted re-sync can be driven per
// peer instead of a blanket flush.
type fcDrops struct {
	peer  nic.ProcessAddr
	count int
}

// applyStateChange implements the receive-endpoint state machine of spec
// §4.7.1. It is invoked from HandleEvent for every STATE_CHANGE event the
// NIC's target event queue produces.
func (r *RXC) applyStateChange(ev nic.Event) error {
	switch ev.DisableReason {
	case nic.DisableFlowControlNoSpace, nic.DisableFlowControlEQFull:
		return r.enterFlowControl(ev)
	case nic.DisableSoftwareManagedFail:
		r.prevState = r.state
		r.state = StatePendingSoftwareManaged
		r.newState = StateEnabledSoftware
		return r.completeTransition()
	case nic.DisableUncorrectable:
		return fatalf(FatalDisableUncorrectable, "state change return_code=%v", ev.ReturnCode)
	case nic.DisableSoftwareInitiated:
		r.prevState = r.state
		r.state = StatePendingDisable
		r.newState = StateDisabled
		return r.completeTransition()
	case nic.DisableNone:
		return r.completeTransition()
	default:
		return fatalf(FatalBadTransition, "unrecognized disable reason %v", ev.DisableReason)
	}
}

// enterFlowControl implements the ONLOAD_FLOW_CONTROL path: the
// PTE has disabled itself because the NIC ran out of list-entry or
// overflow-buffer resources. Software takes over matching for whatever is
// still outstanding (onload), then waits for the application to drain
// before requesting re-enable.
func (r *RXC) enterFlowControl(ev nic.Event) error {
	if r.state != StateEnabled && r.state != StateEnabledSoftware {
		return fatalf(FatalBadTransition, "flow control entered from state %v", r.state)
	}
	r.prevState = r.state
	r.state = StateOnloadFlowControl
	r.fcReason = ev.DisableReason
	r.dropCount = ev.DropCount
	r.msgOffload = false

	r.fcSpan = r.tracer.StartSpan("flow_control_cycle",
		obs.TraceAttribute{Key: "reason", Value: flowControlReasonString(ev.DisableReason)},
		obs.TraceAttribute{Key: "drop_count", Value: ev.DropCount},
	)

	r.onloadUnexpected()

	r.state = StateFlowControl
	r.metrics.FlowControlEntered(flowControlReasonString(ev.DisableReason), nil)
	r.logWarn("flow_control_entered", "reason", ev.DisableReason.String(), "drop_count", ev.DropCount)
	return nil
}

// onloadUnexpected drains the hardware unexpected list into software.
// In this engine the unexpected list already lives in software
// (swUXList); onload here means marking every receive queued on
// swRecvQueue as software-owned so future matches go through swMatch.
// Receives already appended to the NIC's priority list are not touched.
func (r *RXC) onloadUnexpected() {
	for _, id := range r.swRecvQueue {
		if rp, ok := r.pool.Get(id); ok {
			rp.Recv.SoftwareList = true
		}
	}
}

// completeTransition finalizes a pending state change once its
// confirmation event (this call) has been observed.
func (r *RXC) completeTransition() error {
	if r.state == StateOnloadFlowControlReenable {
		if r.fcSpan != nil {
			r.fcSpan.AddEvent("reenabled")
			r.fcSpan.End(nil)
			r.fcSpan = nil
		}
		r.notifyDroppedPeers()
	}
	r.state = r.newState
	return nil
}

// notifyDroppedPeers sends each peer recorded in fcDrops a zero-length
// FC_NOTIFY control put carrying the drop count this side recorded for it,
// mirroring the rendezvous done-notify's use of a control put to carry
// completion state across the wire. The sender reconciles that count
// against its own and replays the peer's queued sends once they match.
// Only populated when opts.ReportSourceErrors tracks per-source counts;
// without it this side has no peer list to notify.
func (r *RXC) notifyDroppedPeers() {
	for addr, d := range r.fcDrops {
		mb := matchbits.Encode(matchbits.Fields{
			LEType: matchbits.LETypeCtrl,
			CQData: true,
			RdzvID: uint32(d.count),
		})
		r.cmdq.Put(nic.PutCommand{Dest: addr, MatchBits: mb.Uint64(), Length: 0})
		delete(r.fcDrops, addr)
	}
}

// handleFCResume retires this side's drop bookkeeping for a peer once that
// peer confirms it has replayed every send it had queued during flow
// control.
func (r *RXC) handleFCResume(ev nic.Event) error {
	delete(r.fcDrops, ev.Initiator)
	return nil
}

// RequestReenable asks the NIC to transition back to hardware-managed
// matching once the application has drained the software backlog (spec
// §4.7.1 ONLOAD_FLOW_CONTROL_REENABLE). It is the caller's responsibility
// to have drained swUXList/swRecvQueue first; this only issues the command.
func (r *RXC) RequestReenable() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateFlowControl {
		return nil
	}
	r.state = StateOnloadFlowControlReenable
	r.newState = StateEnabled
	if r.opts.RXMatchMode == config.MatchModeSoftware {
		r.newState = StateEnabledSoftware
	}
	if r.cmdq.StateChange(nic.StateChangeCommand{Enable: true, DropCount: r.dropCount}) == nic.CommandBusy {
		r.state = StateFlowControl
		return ErrTryLater
	}
	return nil
}

func flowControlReasonString(r nic.DisableReason) string {
	switch r {
	case nic.DisableFlowControlNoSpace:
		return "no_space"
	case nic.DisableFlowControlEQFull:
		return "eq_full"
	default:
		return "unknown"
	}
}

// DroppedPeers returns the addresses recorded as having had a send
// dropped while this context was in flow control (only tracked when
// opts.ReportSourceErrors is set), and clears the tracking. Once a
// re-enable confirms, notifyDroppedPeers has already notified and cleared
// these peers; calling this before then discards the counts it would
// have sent.
func (r *RXC) DroppedPeers() []nic.ProcessAddr {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := make([]nic.ProcessAddr, 0, len(r.fcDrops))
	for addr := range r.fcDrops {
		peers = append(peers, addr)
	}
	r.fcDrops = make(map[nic.ProcessAddr]*fcDrops)
	return peers
}

// State reports the current receive-endpoint state, used by a
// caller driving RequestReenable/ResumePeer coordination from outside the
// package (cxep's Endpoint).
func (r *RXC) State() RXCState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// OverflowStats reports this endpoint's unexpected-message landing buffer
// accounting, for diagnostics and tests confirming the pool returns to a
// quiescent state once every unexpected send has been matched.
func (r *RXC) OverflowStats() OverflowPoolStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overflow.stats()
}

// DeferredLen reports how many entries the deferred-event table currently
// holds, for diagnostics and tests confirming unmatched halves don't
// accumulate once every send/receive pairing resolves.
func (r *RXC) DeferredLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deferred.Len()
}

// recordSourceDrop increments the receiver-side per-source drop counter
// (only when opts.ReportSourceErrors is set) used for diagnostics when a
// peer's traffic is the one responsible for repeated flow-control entry.
func (r *RXC) recordSourceDrop(peer nic.ProcessAddr) {
	if !r.opts.ReportSourceErrors {
		return
	}
	d, ok := r.fcDrops[peer]
	if !ok {
		d = &fcDrops{peer: peer}
		r.fcDrops[peer] = d
	}
	d.count++
}
