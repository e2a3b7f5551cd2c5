package engine

import (
	"github.com/rocketbitz/cxcore/matchbits"
	"github.com/rocketbitz/cxcore/nic"
)

// Peek implements the FI_PEEK half of receive matching: report whether an
// unexpected send matching the selector is already queued, without
// consuming it. Only the software unexpected-message backlog is
// consulted; hardware onload of a HW-resident unexpected list (the
// source's cxip_ux_peek SEARCH/onload dance) is out of scope here, since
// this engine's nic.CommandQueue.Search always reports not-found for the
// same reason nic/sim never populates a searchable HW unexpected list.
//
// When claim is true, a match is marked claimed rather than reported
// free: a following Post with FlagClaim retrieves exactly this send
// instead of racing a fresh unexpected arrival for the same tag.
func (r *RXC) Peek(tag, ignore uint64, src nic.ProcessAddr, anySource bool, claim bool) (found bool, length int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ux := range r.swUXList {
		if ux.claimed {
			continue
		}
		if !uxMatches(ux, tag, ignore, src, anySource) {
			continue
		}
		if claim {
			ux.claimed = true
		}
		return true, int(ux.event.RLength), nil
	}
	return false, 0, nil
}

// takeClaimed removes and returns the previously-claimed unexpected send
// matching the selector, for Post(FlagClaim) to complete against.
func (r *RXC) takeClaimed(tag, ignore uint64, src nic.ProcessAddr, anySource bool) (*unexpectedSendRecord, bool) {
	for i, ux := range r.swUXList {
		if !ux.claimed {
			continue
		}
		if !uxMatches(ux, tag, ignore, src, anySource) {
			continue
		}
		r.swUXList = append(r.swUXList[:i], r.swUXList[i+1:]...)
		return ux, true
	}
	return nil, false
}

func uxMatches(ux *unexpectedSendRecord, tag, ignore uint64, src nic.ProcessAddr, anySource bool) bool {
	mb := matchbits.Decode(matchbits.Bits(ux.event.MatchBits))
	if !matchbits.TagMatch(mb.Tag, tag, ignore) {
		return false
	}
	if !anySource && ux.event.Initiator != src {
		return false
	}
	return true
}
