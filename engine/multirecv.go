package engine

import (
	"github.com/rocketbitz/cxcore/nic"
	"github.com/rocketbitz/cxcore/reqpool"
)

// spawnMultiRecvChild: a multi-receive parent stays posted across many
// matches; each PUT against it produces one child Request representing a
// single message's completion, carved out of the parent's window
// starting at StartOffset.
//
// pendingChildren is incremented here and decremented when the child
// completes. The parent must not be freed, and its UNLINK must not be
// reported to the application, while any child completion is still
// outstanding.
func (r *RXC) spawnMultiRecvChild(parent *Request, ev nic.Event) error {
	start := parent.Recv.StartOffset
	n := int(ev.MLength)
	if start+n > len(parent.Recv.Buffer) {
		n = len(parent.Recv.Buffer) - start
	}

	child := Request{
		Kind:  KindReceive,
		Flags: parent.Flags,
		Context: parent.Context,
		CQ:    parent.CQ,
		Counter: parent.Counter,
		Recv: &RecvState{
			Buffer:      parent.Recv.Buffer[start : start+n],
			ULen:        n,
			MatchTag:    parent.Recv.MatchTag,
			MatchID:     ev.Initiator,
			DataLen:     n,
			RLen:        int(ev.RLength),
			ParentID:    parent.ID,
			HasParent:   true,
			Tagged:      parent.Recv.Tagged,
		},
	}
	if ev.MLength < ev.RLength {
		child.Recv.ReturnCode = nic.RCTruncated
	}

	childID := r.pool.Alloc(child)
	cp, _ := r.pool.Get(childID)
	cp.ID = childID

	parent.Recv.StartOffset += n
	parent.Recv.MRecvBytes += n
	parent.Recv.Children = append(parent.Recv.Children, childID)
	parent.Recv.PendingChildren++

	r.completeChildReceive(parent, cp)
	return nil
}

// completeChildReceive reports the child's completion and then, if the
// parent has already been unlinked by the NIC and no other child is
// outstanding, retires the parent too.
func (r *RXC) completeChildReceive(parent *Request, child *Request) {
	r.completeReceive(child)
	parent.Recv.PendingChildren--
	if idx := indexOfID(parent.Recv.Children, child.ID); idx >= 0 {
		parent.Recv.Children = append(parent.Recv.Children[:idx], parent.Recv.Children[idx+1:]...)
	}
	r.maybeCompleteMultiRecv(parent)
}

// maybeCompleteMultiRecv retires a multi-receive parent once the NIC has
// unlinked it (buffer exhausted, or explicit application unlink) and every
// spawned child has finished. Until then the parent must keep occupying
// its pool slot even though no more data will land in it, since in-flight
// children still reference ParentID for bookkeeping.
func (r *RXC) maybeCompleteMultiRecv(parent *Request) {
	if !parent.Recv.MultiRecv {
		return
	}
	if !parent.Recv.Unlinked || parent.Recv.PendingChildren > 0 {
		return
	}
	if parent.Recv.AutoUnlinked {
		r.overflow.replenish()
	}
	parent.Recv.ReturnCode = nic.RCOK
	r.completeReceive(parent)
}

func indexOfID(ids []reqpool.ID, id reqpool.ID) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
