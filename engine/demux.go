package engine

import (
	"github.com/rocketbitz/cxcore/matchbits"
	"github.com/rocketbitz/cxcore/nic"
)

// Demux implements C1 for an endpoint where the receive and
// send contexts observe a single physical event queue, as nic/sim's Node
// does: it inspects one event and dispatches it to whichever context's
// callback applies. ACK and GET are unambiguously initiator-side; REPLY
// answers this context's own rendezvous pull and so is target-side even
// though the pull was issued by a GET command. A PUT is normally
// target-side, except for two zero-length control messages the receive
// side addresses back to the initiator's send context, identified by
// their match bits: the rendezvous done-notify, and the flow-control
// drop-count notify a receiver sends once it re-enables. The flow-control
// resume acknowledgment travels the other way (sender to receiver) and so
// stays target-side.
func Demux(rxc *RXC, txc *TXC, ev nic.Event) error {
	switch ev.Type {
	case nic.EventAck, nic.EventGet:
		return txc.HandleEvent(ev)
	case nic.EventReply:
		return rxc.HandleEvent(ev)
	case nic.EventPut:
		mb := matchbits.Bits(ev.MatchBits)
		if mb.IsRendezvousDone() || mb.IsFCNotify() {
			return txc.HandleEvent(ev)
		}
		return rxc.HandleEvent(ev)
	default:
		return rxc.HandleEvent(ev)
	}
}

// ProgressShared drains up to max events from a single shared event queue
// and routes each through Demux, for the common case (nic/sim, and any
// single-EQ hardware binding) where RXC and TXC are not each given their
// own independent nic.EventSource. A handler returning ErrTryLater means
// the event must be re-presented rather than advanced past, so it is
// pushed back onto the queue and the drain stops for this call; the caller
// re-drives it on the next Progress.
func ProgressShared(rxc *RXC, txc *TXC, events nic.EventSource, max int) (int, error) {
	n := 0
	for n < max {
		if events.Saturated() {
			return n, ErrTryLater
		}
		ev, ok := events.Next()
		if !ok {
			return n, nil
		}
		if err := Demux(rxc, txc, ev); err != nil {
			if _, fatal := err.(*FatalError); fatal {
				return n, err
			}
			if err == ErrTryLater {
				events.Unget(ev)
				return n, ErrTryLater
			}
		}
		n++
	}
	return n, nil
}

// Progress implements C1 for the receive context: it drains up to max
// events from the target event queue and dispatches each into the
// per-request callbacks of C2–C5 via HandleEvent. A fatal error aborts the
// drain immediately; a plain ErrTryLater means the event must be
// re-presented, so it is pushed back onto the queue and the drain stops.
func (r *RXC) Progress(max int) (int, error) {
	n := 0
	for n < max {
		if r.events.Saturated() {
			return n, ErrTryLater
		}
		ev, ok := r.events.Next()
		if !ok {
			return n, nil
		}
		if err := r.HandleEvent(ev); err != nil {
			if _, fatal := err.(*FatalError); fatal {
				return n, err
			}
			if err == ErrTryLater {
				r.events.Unget(ev)
				return n, ErrTryLater
			}
		}
		n++
	}
	return n, nil
}

// Progress implements C1 for the send context's initiator event queue. See
// RXC.Progress for the try-later re-presentation rule.
func (t *TXC) Progress(max int) (int, error) {
	n := 0
	for n < max {
		if t.events.Saturated() {
			return n, ErrTryLater
		}
		ev, ok := t.events.Next()
		if !ok {
			return n, nil
		}
		if err := t.HandleEvent(ev); err != nil {
			if _, fatal := err.(*FatalError); fatal {
				return n, err
			}
			if err == ErrTryLater {
				t.events.Unget(ev)
				return n, ErrTryLater
			}
		}
		n++
	}
	return n, nil
}
