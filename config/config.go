// Package config holds the typed, validated configuration surface for the
// messaging core. Every option named there has a field here;
// nothing is read from the environment or free-form maps the way some
// libfabric info strings are — the core takes one Options value and keeps
// it for its lifetime.
package config

import (
	"fmt"
	"time"

	"github.com/rocketbitz/cxcore/matchbits"
)

// MatchMode controls receive-side offload policy (RX_MATCH_MODE).
type MatchMode int

const (
	MatchModeHardware MatchMode = iota
	MatchModeSoftware
	MatchModeHybrid
)

func (m MatchMode) String() string {
	switch m {
	case MatchModeHardware:
		return "hardware"
	case MatchModeSoftware:
		return "software"
	case MatchModeHybrid:
		return "hybrid"
	default:
		return "unknown"
	}
}

// Options is the full set of recognized configuration options, plus a
// handful of supplemental knobs that turn open design questions (legacy
// drop accounting, rendezvous protocol choice) into explicit inputs
// rather than hardcoded guesses.
type Options struct {
	// RX_MATCH_MODE and hybrid preemption toggles.
	RXMatchMode                    MatchMode
	HybridPreemptive                bool
	HybridRecvPreemptive             bool
	HybridPostedRecvPreemptive       bool
	HybridUnexpectedMsgPreemptive    bool
	HybridPostedRecvHint             int // threshold for posted-recv preemption
	HybridUnexpectedMsgHint          int // threshold for unexpected-header preemption

	// Overflow pool sizing.
	OverflowBufSize       int
	OverflowBufMinPosted  int
	OverflowBufMaxCached  int

	// Software-managed request-list buffer size.
	ReqBufSize int

	// Rendezvous crossover and eager-inline sizing.
	RendezvousThreshold int
	RendezvousEagerSize int
	RendezvousGetMin    int

	// Flow control.
	FCRetryDelay time.Duration

	// IDC control.
	DisableNonInjectMsgIDC bool

	// Initial offload enable flag.
	MsgOffload bool

	// Provider limits.
	InjectSize int
	TagMask    uint64
	MaxMsgSize int

	// Minimum remaining room (bytes) for a multi-receive buffer to stay
	// posted rather than being retired.
	MinMultiRecv int

	// Maximum concurrent rendezvous pulls a sender may have in flight.
	MaxConcurrentRendezvousPulls int

	// Supplemental knobs beyond the core provider surface.
	LegacyDropAccounting bool                        // seed the drop count at -1 (older ASIC generation) instead of 0
	RendezvousProtocol   matchbits.RendezvousProtocol // which rendezvous protocol variant to encode
	ReportSourceErrors   bool
}

// DefaultOptions returns sane defaults matching the source provider's own
// defaults where one is documented, and conservative values elsewhere.
func DefaultOptions() Options {
	return Options{
		RXMatchMode:                   MatchModeHybrid,
		HybridPreemptive:              true,
		HybridRecvPreemptive:          true,
		HybridPostedRecvPreemptive:    true,
		HybridUnexpectedMsgPreemptive: true,
		HybridPostedRecvHint:          1024,
		HybridUnexpectedMsgHint:       1024,

		OverflowBufSize:      2 * 1024 * 1024,
		OverflowBufMinPosted: 3,
		OverflowBufMaxCached: 3,

		ReqBufSize: 2 * 1024 * 1024,

		RendezvousThreshold: 2 * 1024,
		RendezvousEagerSize: 2 * 1024,
		RendezvousGetMin:    0,

		FCRetryDelay: 1 * time.Millisecond,

		DisableNonInjectMsgIDC: false,
		MsgOffload:             true,

		InjectSize: 256,
		TagMask:    ^uint64(0),
		MaxMsgSize: 1 << 30,

		MinMultiRecv:                 64,
		MaxConcurrentRendezvousPulls: 16,

		LegacyDropAccounting: false,
		RendezvousProtocol:   matchbits.ProtoRestrictedRead,
		ReportSourceErrors:   false,
	}
}

// Validate checks the options for internal consistency. It refuses the
// unimplemented alternate-write rendezvous protocol; startRendezvousPull
// in the engine also rejects that protocol with a fatal error.
func (o Options) Validate() error {
	if o.RendezvousProtocol == matchbits.ProtoAlternateWrite {
		return fmt.Errorf("config: alternate-write rendezvous protocol is not implemented")
	}
	if o.OverflowBufSize <= 0 {
		return fmt.Errorf("config: OverflowBufSize must be positive")
	}
	if o.OverflowBufMinPosted < 0 || o.OverflowBufMaxCached < 0 {
		return fmt.Errorf("config: overflow pool bounds must be non-negative")
	}
	if o.RendezvousThreshold < 0 {
		return fmt.Errorf("config: RendezvousThreshold must be non-negative")
	}
	if o.InjectSize < 0 {
		return fmt.Errorf("config: InjectSize must be non-negative")
	}
	if o.MaxConcurrentRendezvousPulls <= 0 {
		return fmt.Errorf("config: MaxConcurrentRendezvousPulls must be positive")
	}
	if o.FCRetryDelay <= 0 {
		return fmt.Errorf("config: FCRetryDelay must be positive")
	}
	return nil
}

// InitialDropCount returns the drop-count seed appropriate to the
// configured ASIC generation, per LegacyDropAccounting.
func (o Options) InitialDropCount() int {
	if o.LegacyDropAccounting {
		return -1
	}
	return 0
}
